// Package gateway is the boundary with the kiosk UI: a WebSocket endpoint
// carrying session commands and events as JSON frames, plus health and
// metrics endpoints for the fleet tooling.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hananetworks/kiost-1/internal/session"
	"github.com/hananetworks/kiost-1/pkg/audio"
)

// writeTimeout bounds a single frame write so a stalled client cannot block
// event fan-out.
const writeTimeout = 5 * time.Second

// Session is the coordinator surface the gateway drives.
type Session interface {
	StartRecording(language string)
	StopRecording()
	MicToggle()
	SubmitText(text string)
	Snapshot() session.State
	Reset()
}

// Checker probes one dependency for the readiness endpoint.
type Checker struct {
	Name  string
	Check func() error
}

// Config holds server construction parameters.
type Config struct {
	// Session receives UI commands. Required.
	Session Session

	// Audio receives decoded PCM blocks from binary frames. May be nil when
	// the UI does not stream audio.
	Audio *UISource

	// Checkers back the /readyz endpoint. May be empty.
	Checkers []Checker

	// Logger for gateway events. Default slog.Default().
	Logger *slog.Logger
}

// Server accepts the kiosk UI connection. The kiosk runs exactly one UI
// process, so one client is connected at a time; a second connection attempt
// is rejected. Safe for concurrent use.
type Server struct {
	session  Session
	audio    *UISource
	checkers []Checker
	log      *slog.Logger

	mu   sync.Mutex // guards conn identity
	wmu  sync.Mutex // serializes frame writes
	conn *websocket.Conn
}

// NewServer creates a Server from cfg.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		session:  cfg.Session,
		audio:    cfg.Audio,
		checkers: cfg.Checkers,
		log:      log,
	}
}

// Handler returns the HTTP handler serving the gateway endpoints:
//
//	GET /ws       — kiosk UI WebSocket
//	GET /healthz  — liveness probe
//	GET /readyz   — readiness probe (pipe connectivity)
//	GET /metrics  — Prometheus metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// ── frame vocabulary ─────────────────────────────────────────────────────────

// command is one inbound frame from the UI.
type command struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
	Text     string `json:"text,omitempty"`
}

// event is one outbound frame to the UI.
type event struct {
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	Message string         `json:"message,omitempty"`
	State   *session.State `json:"state,omitempty"`
	Idle    *bool          `json:"idle,omitempty"`
}

// ── websocket ────────────────────────────────────────────────────────────────

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}

	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		s.log.Warn("rejecting second UI connection", "remote", r.RemoteAddr)
		conn.Close(websocket.StatusPolicyViolation, "kiosk UI already connected")
		return
	}
	s.conn = conn
	s.mu.Unlock()
	s.log.Info("kiosk UI connected", "remote", r.RemoteAddr)

	// Current flags straight away so the UI renders the right controls.
	state := s.session.Snapshot()
	s.send(event{Type: "session.state", State: &state})

	s.readLoop(r.Context(), conn)

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	// A vanished UI must not leave the microphone or the speakers running.
	s.session.Reset()
	s.log.Info("kiosk UI disconnected")
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return
			}
			s.log.Warn("websocket read failed", "error", err)
			return
		}

		// Binary frames carry microphone PCM.
		if typ == websocket.MessageBinary {
			if s.audio != nil {
				s.audio.Push(audio.PCM16BytesToFloats(data))
			}
			continue
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.log.Warn("malformed UI command", "error", err)
			continue
		}
		s.dispatch(cmd)
	}
}

func (s *Server) dispatch(cmd command) {
	switch cmd.Type {
	case "start_recording":
		s.session.StartRecording(cmd.Language)
	case "stop_recording":
		s.session.StopRecording()
	case "mic_toggle":
		s.session.MicToggle()
	case "submit_text":
		s.session.SubmitText(cmd.Text)
	default:
		s.log.Warn("unknown UI command", "type", cmd.Type)
	}
}

// send writes one event frame to the connected UI, if any. Frame writes are
// serialized; a write failure closes the connection and lets the read loop
// observe it.
func (s *Server) send(ev event) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.log.Warn("event write failed", "type", ev.Type, "error", err)
		conn.Close(websocket.StatusInternalError, "write failed")
	}
}

// ── session.Listener ─────────────────────────────────────────────────────────

var _ session.Listener = (*Server)(nil)

func (s *Server) OnTranscriptInterim(text string) {
	s.send(event{Type: "transcript.interim", Text: text})
}

func (s *Server) OnTranscriptFinal(text string) {
	s.send(event{Type: "transcript.final", Text: text})
}

func (s *Server) OnTranscriptError(message string) {
	s.send(event{Type: "transcript.error", Message: message})
}

func (s *Server) OnResponseChunk(text string) {
	s.send(event{Type: "response.chunk", Text: text})
}

func (s *Server) OnResponseEnd() {
	s.send(event{Type: "response.end"})
}

func (s *Server) OnResponseError(message string) {
	s.send(event{Type: "response.error", Message: message})
}

func (s *Server) OnPlaybackFinished() {
	s.send(event{Type: "tts.playback_finished"})
}

func (s *Server) OnStateChange(state session.State) {
	s.send(event{Type: "session.state", State: &state})
}

func (s *Server) OnIdleChange(idle bool) {
	s.send(event{Type: "session.idle", Idle: &idle})
}

// ── health ───────────────────────────────────────────────────────────────────

// healthResult is the JSON response body for the health endpoints.
type healthResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResult{Status: "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	checks := make(map[string]string, len(s.checkers))
	allOK := true
	for _, c := range s.checkers {
		if err := c.Check(); err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	status := http.StatusOK
	result := healthResult{Status: "ok", Checks: checks}
	if !allOK {
		status = http.StatusServiceUnavailable
		result.Status = "fail"
	}
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
