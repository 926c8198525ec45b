package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/hananetworks/kiost-1/internal/session"
)

// fakeSession records the commands the gateway dispatches.
type fakeSession struct {
	mu    sync.Mutex
	calls []string
	state session.State
}

func (f *fakeSession) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSession) StartRecording(language string) { f.record("start:" + language) }
func (f *fakeSession) StopRecording() { f.record("stop") }
func (f *fakeSession) MicToggle() { f.record("toggle") }
func (f *fakeSession) SubmitText(text string) { f.record("submit:" + text) }
func (f *fakeSession) Reset() { f.record("reset") }

func (f *fakeSession) Snapshot() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) waitFor(t *testing.T, call string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, c := range f.calls {
			if c == call {
				f.mu.Unlock()
				return
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t.Fatalf("call %q never dispatched; got %v", call, f.calls)
}

func newHTTPServer(t *testing.T, s *Server) string {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func newTestServer(t *testing.T, checkers ...Checker) (*Server, *fakeSession, string) {
	t.Helper()
	sess := &fakeSession{}
	s := NewServer(Config{Session: sess, Checkers: checkers})
	return s, sess, newHTTPServer(t, s)
}

func dialWS(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return ev
}

func writeCommand(t *testing.T, conn *websocket.Conn, cmd command) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestConnectSendsInitialState(t *testing.T) {
	_, sess, url := newTestServer(t)
	sess.state = session.State{Speaking: true}

	conn := dialWS(t, url)
	ev := readEvent(t, conn)
	if ev.Type != "session.state" || ev.State == nil || !ev.State.Speaking {
		t.Errorf("first event = %+v, want speaking session.state", ev)
	}
}

func TestCommandDispatch(t *testing.T) {
	_, sess, url := newTestServer(t)
	conn := dialWS(t, url)
	readEvent(t, conn) // initial state

	writeCommand(t, conn, command{Type: "start_recording", Language: "en"})
	sess.waitFor(t, "start:en")

	writeCommand(t, conn, command{Type: "stop_recording"})
	sess.waitFor(t, "stop")

	writeCommand(t, conn, command{Type: "mic_toggle"})
	sess.waitFor(t, "toggle")

	writeCommand(t, conn, command{Type: "submit_text", Text: "천안역 어디야"})
	sess.waitFor(t, "submit:천안역 어디야")
}

func TestMalformedAndUnknownCommandsIgnored(t *testing.T) {
	_, sess, url := newTestServer(t)
	conn := dialWS(t, url)
	readEvent(t, conn)

	ctx := context.Background()
	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	writeCommand(t, conn, command{Type: "mystery"})

	// The connection survives both.
	writeCommand(t, conn, command{Type: "mic_toggle"})
	sess.waitFor(t, "toggle")
}

func TestEventFanOut(t *testing.T) {
	s, _, url := newTestServer(t)
	conn := dialWS(t, url)
	readEvent(t, conn)

	s.OnTranscriptInterim("천안")
	s.OnTranscriptFinal("천안역")
	s.OnResponseChunk("안녕")
	s.OnResponseEnd()
	s.OnPlaybackFinished()

	want := []event{
		{Type: "transcript.interim", Text: "천안"},
		{Type: "transcript.final", Text: "천안역"},
		{Type: "response.chunk", Text: "안녕"},
		{Type: "response.end"},
		{Type: "tts.playback_finished"},
	}
	for i, w := range want {
		got := readEvent(t, conn)
		if got.Type != w.Type || got.Text != w.Text {
			t.Errorf("event[%d] = %+v, want %+v", i, got, w)
		}
	}
}

func TestSecondClientRejected(t *testing.T) {
	_, _, url := newTestServer(t)
	first := dialWS(t, url)
	readEvent(t, first)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/ws"
	second, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close(websocket.StatusNormalClosure, "")

	_, _, err = second.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("second client close status = %v, want policy violation", websocket.CloseStatus(err))
	}
}

func TestDisconnectResetsSession(t *testing.T) {
	_, sess, url := newTestServer(t)
	conn := dialWS(t, url)
	readEvent(t, conn)

	conn.Close(websocket.StatusNormalClosure, "bye")
	sess.waitFor(t, "reset")
}

func TestHealthz(t *testing.T) {
	_, _, url := newTestServer(t)

	resp, err := http.Get(url + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestReadyz(t *testing.T) {
	ok := Checker{Name: "stt", Check: func() error { return nil }}
	bad := Checker{Name: "tts-ko", Check: func() error { return errors.New("disconnected") }}
	_, _, url := newTestServer(t, ok, bad)

	resp, err := http.Get(url + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}

	var result healthResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != "fail" || result.Checks["stt"] != "ok" || !strings.HasPrefix(result.Checks["tts-ko"], "fail:") {
		t.Errorf("result = %+v", result)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, url := newTestServer(t)

	resp, err := http.Get(url + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
