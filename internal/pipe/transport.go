// Package pipe maintains a persistent duplex byte-stream connection to an
// external worker process over a named pipe or local socket.
//
// The wire format is UTF-8 text, one message per line. The STT worker speaks
// newline-delimited JSON in both directions; the TTS workers accept JSON
// commands but reply with bare status tokens ("DONE", "START"). Both framings
// ride the same deframer: each received line that parses as a JSON object is
// surfaced as [Message] with Data set, anything else as Token.
//
// Connection loss is not fatal. Unless the owner called [Transport.Close], a
// dropped connection schedules a reconnect after a fixed interval; the timer
// is owned by the transport and cancelled deterministically on Close so a
// racing reconnect can never revive a connection that should stay down.
package pipe

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hananetworks/kiost-1/internal/observe"
)

// defaultRetryInterval is the fixed delay between reconnect attempts. The
// workers are local processes that either come back quickly after a restart
// or not at all, so there is no backoff.
const defaultRetryInterval = 3 * time.Second

// Dialer establishes the raw connection to the worker. Production uses a
// named-pipe / unix-socket dialer built from config; tests substitute
// net.Pipe.
type Dialer func(ctx context.Context) (net.Conn, error)

// Message is one deframed line from the worker.
type Message struct {
	// Data holds the raw JSON document when the line parsed as a JSON object.
	Data json.RawMessage

	// Token holds the trimmed line when it was not JSON (TTS status tokens).
	Token string
}

// Handler receives transport callbacks. Callbacks run on the transport's read
// goroutine; implementations must not call back into the transport's
// connection lifecycle from them.
type Handler interface {
	// OnConnected fires after a successful connect or reconnect.
	OnConnected()

	// OnMessage fires once per deframed line.
	OnMessage(msg Message)

	// OnDisconnected fires when the connection is lost or closed. reconnecting
	// reports whether the transport will retry.
	OnDisconnected(reconnecting bool)
}

// Config holds transport construction parameters.
type Config struct {
	// Name labels the transport in logs and metrics ("stt", "tts-ko", ...).
	Name string

	// Dial establishes connections. Required.
	Dial Dialer

	// RetryInterval overrides the fixed reconnect delay. Default 3s.
	RetryInterval time.Duration

	// Handler receives callbacks. Required.
	Handler Handler

	// Metrics records reconnects and parse failures. May be nil.
	Metrics *observe.Metrics

	// Logger for transport events. Default slog.Default().
	Logger *slog.Logger
}

// Transport owns exactly one live worker connection at a time.
// All exported methods are safe for concurrent use.
type Transport struct {
	name    string
	dial    Dialer
	retry   time.Duration
	handler Handler
	metrics *observe.Metrics
	log     *slog.Logger

	mu         sync.Mutex
	conn       net.Conn
	connecting bool
	closed     bool // set by Close; permanently suppresses reconnection
	retryTimer *time.Timer
	gen        uint64 // bumped per connection so stale read loops detach cleanly
}

// New creates a Transport. It does not connect; call [Transport.Connect].
func New(cfg Config) *Transport {
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		name:    cfg.Name,
		dial:    cfg.Dial,
		retry:   retry,
		handler: cfg.Handler,
		metrics: cfg.Metrics,
		log:     log.With("pipe", cfg.Name),
	}
}

// Connect establishes the worker connection. It is idempotent: a call while
// connected or while a connect attempt is in flight is a no-op. A failed
// attempt schedules a retry unless the transport has been closed.
func (t *Transport) Connect(ctx context.Context) {
	t.mu.Lock()
	if t.closed || t.conn != nil || t.connecting {
		t.mu.Unlock()
		return
	}
	t.connecting = true
	t.mu.Unlock()

	go t.attemptConnect(ctx)
}

// attemptConnect performs one dial attempt off the caller goroutine.
func (t *Transport) attemptConnect(ctx context.Context) {
	conn, err := t.dial(ctx)

	t.mu.Lock()
	t.connecting = false
	if t.closed {
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		t.log.Warn("pipe connect failed", "err", err)
		t.scheduleReconnect(ctx)
		t.mu.Unlock()
		return
	}
	t.conn = conn
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	t.log.Info("pipe connected")
	t.handler.OnConnected()
	go t.readLoop(ctx, conn, gen)
}

// Send writes payload as one line. payload must be a complete JSON document;
// a trailing newline is appended if absent. When not connected the payload is
// dropped with a warning — there is no implicit queuing, callers needing
// delivery re-issue after reconnect.
func (t *Transport) Send(payload string) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		t.log.Warn("pipe send dropped: not connected")
		return
	}
	if !strings.HasSuffix(payload, "\n") {
		payload += "\n"
	}
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.log.Warn("pipe write failed", "err", err)
	}
}

// SendJSON marshals v and sends it as one line.
func (t *Transport) SendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		t.log.Warn("pipe payload marshal failed", "err", err)
		return
	}
	t.Send(string(data))
}

// Connected reports whether a live connection exists.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Close permanently shuts the transport down: the live connection (if any) is
// torn down, a pending reconnect timer is cancelled, and no further reconnect
// will ever be scheduled. Close is idempotent.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	t.log.Info("pipe closed")
}

// readLoop deframes lines until the connection dies. gen guards against a
// stale loop (from a previous connection) touching current state.
func (t *Transport) readLoop(ctx context.Context, conn net.Conn, gen uint64) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.handler.OnMessage(t.deframe(line))
	}
	if err := scanner.Err(); err != nil {
		t.log.Warn("pipe read failed", "err", err)
	}
	t.handleDisconnect(ctx, conn, gen)
}

// deframe classifies one line as JSON data or a bare token.
func (t *Transport) deframe(line string) Message {
	if strings.HasPrefix(line, "{") {
		var raw json.RawMessage
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			// Malformed JSON is logged and surfaced as a token so the owner
			// can ignore it; it is never fatal to the connection.
			t.log.Warn("pipe message parse failed", "line", line, "err", err)
			if t.metrics != nil {
				t.metrics.PipeParseFailures.Add(context.Background(), 1, observe.WithPipe(t.name))
			}
			return Message{Token: line}
		}
		return Message{Data: raw}
	}
	return Message{Token: line}
}

// handleDisconnect tears down conn and schedules a reconnect unless the owner
// closed the transport.
func (t *Transport) handleDisconnect(ctx context.Context, conn net.Conn, gen uint64) {
	_ = conn.Close()

	t.mu.Lock()
	if t.gen != gen {
		// A newer connection already exists; this loop belonged to a dead one.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	reconnecting := !t.closed
	if reconnecting {
		t.scheduleReconnect(ctx)
	}
	t.mu.Unlock()

	t.log.Warn("pipe disconnected", "reconnecting", reconnecting)
	t.handler.OnDisconnected(reconnecting)
}

// scheduleReconnect arms the retry timer. Caller holds t.mu.
func (t *Transport) scheduleReconnect(ctx context.Context) {
	if t.closed || t.retryTimer != nil {
		return
	}
	if t.metrics != nil {
		t.metrics.PipeReconnects.Add(context.Background(), 1, observe.WithPipe(t.name))
	}
	t.retryTimer = time.AfterFunc(t.retry, func() {
		t.mu.Lock()
		t.retryTimer = nil
		if t.closed || t.conn != nil || t.connecting {
			t.mu.Unlock()
			return
		}
		t.connecting = true
		t.mu.Unlock()
		t.attemptConnect(ctx)
	})
}
