// Package speech bridges the capture worklet to the STT worker transport and
// normalizes worker responses into a small event model consumed by the
// dialogue layer.
package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hananetworks/kiost-1/internal/observe"
	"github.com/hananetworks/kiost-1/internal/pipe"
	"github.com/hananetworks/kiost-1/pkg/audio"
	"github.com/hananetworks/kiost-1/pkg/audio/capture"
)

// ErrSessionActive is returned by Start while a capture session is running.
// Sessions never stack: the caller must stop the current one first.
var ErrSessionActive = errors.New("speech: session already active")

// correctionTimeout bounds the transcript correction round trip so a slow
// model call cannot hold a final transcript indefinitely.
const correctionTimeout = 10 * time.Second

// Kind discriminates speech events.
type Kind int

const (
	// KindInterim is a partial transcript, superseded by any later event.
	KindInterim Kind = iota

	// KindFinal is the final transcript for the recognition turn.
	KindFinal

	// KindError is a recognition failure; it also ends the turn.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindInterim:
		return "interim"
	case KindFinal:
		return "final"
	default:
		return "error"
	}
}

// Event is one normalized speech result. Text holds the transcript for
// interim and final events and the worker's message for errors.
type Event struct {
	Kind Kind
	Text string
}

// Sender is the outbound side of the STT transport.
type Sender interface {
	SendJSON(v any)
}

// CaptureSource is a microphone input. Open starts delivery of float32
// sample blocks to sink on the source's own goroutine; Close stops delivery
// and releases the device.
type CaptureSource interface {
	Open(sink func(block []float32)) error
	Close() error
}

// Config holds controller construction parameters.
type Config struct {
	// Transport sends control and audio messages to the STT worker. Required.
	Transport Sender

	// Source is the microphone input. Required.
	Source CaptureSource

	// Capture configures the worklet built per session.
	Capture capture.Config

	// Corrector post-processes final transcripts. May be nil.
	Corrector *Corrector

	// OnEvent receives normalized speech events. Required.
	OnEvent func(Event)

	// OnBoundary receives VAD speech boundaries. May be nil.
	OnBoundary func(capture.Boundary)

	// Metrics records recognition latency and dropped stale events. May be nil.
	Metrics *observe.Metrics

	// Logger for controller events. Default slog.Default().
	Logger *slog.Logger
}

// Controller owns the capture lifecycle: it starts and stops the worklet,
// forwards audio chunks to the STT worker, and routes worker responses to
// events. Safe for concurrent use.
type Controller struct {
	transport  Sender
	source     CaptureSource
	capture    capture.Config
	corrector  *Corrector
	onEvent    func(Event)
	onBoundary func(capture.Boundary)
	metrics    *observe.Metrics
	log        *slog.Logger

	mu      sync.Mutex
	active  bool
	gen     uint64 // bumped per session so late worker results detach
	started time.Time
	lang    string
}

// NewController creates a Controller from cfg.
func NewController(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		transport:  cfg.Transport,
		source:     cfg.Source,
		capture:    cfg.Capture,
		corrector:  cfg.Corrector,
		onEvent:    cfg.OnEvent,
		onBoundary: cfg.OnBoundary,
		metrics:    cfg.Metrics,
		log:        log,
	}
}

// NormalizeLanguage maps the short UI language codes to the locale codes the
// recognition worker expects. Unknown codes fall back to Korean.
func NormalizeLanguage(lang string) string {
	switch lang {
	case "en", "en-US":
		return "en-US"
	default:
		return "ko-KR"
	}
}

// startCommand opens a recognition stream on the worker.
type startCommand struct {
	Command  string `json:"command"`
	Language string `json:"language"`
}

// stopCommand closes the recognition stream.
type stopCommand struct {
	Command string `json:"command"`
}

// audioChunk carries one base64-encoded PCM chunk.
type audioChunk struct {
	Chunk string `json:"chunk"`
}

// Start acquires the microphone, begins chunked capture, and opens a
// recognition stream on the worker for the given language. It returns
// ErrSessionActive if a session is already running. The microphone is
// released on every failure path.
func (c *Controller) Start(language string) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.gen++
	c.active = true
	c.started = time.Now()
	c.lang = NormalizeLanguage(language)
	lang := c.lang
	c.mu.Unlock()

	worklet := capture.New(c.capture, &chunkForwarder{c: c})

	if err := c.source.Open(worklet.Process); err != nil {
		_ = c.source.Close()
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
		return fmt.Errorf("speech: open capture source: %w", err)
	}

	c.log.Info("speech session started", "language", lang)
	c.transport.SendJSON(startCommand{Command: "start", Language: lang})
	return nil
}

// Stop closes the recognition stream and releases the microphone. The stop
// message is best effort: the microphone is released whether or not the
// worker acknowledges. Safe to call when no session is active.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.mu.Unlock()

	c.transport.SendJSON(stopCommand{Command: "stop"})
	if err := c.source.Close(); err != nil {
		c.log.Warn("speech capture source close failed", "error", err)
	}
	c.log.Info("speech session stopped")
}

// Active reports whether a capture session is running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// chunkForwarder adapts the worklet listener to the controller. Chunks are
// forwarded in arrival order: the worker runs streaming recognition and
// reordering corrupts its state.
type chunkForwarder struct {
	c *Controller
}

func (f *chunkForwarder) OnChunk(chunk audio.Chunk) {
	f.c.transport.SendJSON(audioChunk{
		Chunk: base64.StdEncoding.EncodeToString(chunk.Bytes()),
	})
}

func (f *chunkForwarder) OnBoundary(b capture.Boundary) {
	if f.c.onBoundary != nil {
		f.c.onBoundary(b)
	}
}

// sttMessage is one response line from the recognition worker.
type sttMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Message string `json:"message"`
}

// HandleMessage routes one deframed worker message. Interim results arriving
// after the session stopped are stale and dropped. Final results are stamped
// with the session generation before correction; if a new session has started
// by the time correction finishes, the result is dropped.
func (c *Controller) HandleMessage(msg pipe.Message) {
	if msg.Data == nil {
		c.log.Warn("stt worker sent non-JSON line", "token", msg.Token)
		return
	}
	var m sttMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		c.log.Warn("stt message decode failed", "error", err)
		return
	}

	c.mu.Lock()
	active := c.active
	gen := c.gen
	started := c.started
	c.mu.Unlock()

	switch m.Type {
	case "interim":
		if !active {
			c.dropStale("interim")
			return
		}
		c.onEvent(Event{Kind: KindInterim, Text: m.Text})

	case "result":
		if c.metrics != nil {
			c.metrics.STTDuration.Record(context.Background(), time.Since(started).Seconds())
		}
		if c.corrector == nil {
			c.onEvent(Event{Kind: KindFinal, Text: m.Text})
			return
		}
		go c.correctAndEmit(gen, m.Text)

	case "error":
		c.onEvent(Event{Kind: KindError, Text: m.Message})

	default:
		c.log.Warn("stt worker sent unknown message type", "type", m.Type)
	}
}

// correctAndEmit runs transcript correction and emits the final event unless
// a newer session has started in the meantime.
func (c *Controller) correctAndEmit(gen uint64, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), correctionTimeout)
	defer cancel()
	corrected := c.corrector.Correct(ctx, text)

	c.mu.Lock()
	stale := c.gen != gen
	c.mu.Unlock()
	if stale {
		c.dropStale("result")
		return
	}
	c.onEvent(Event{Kind: KindFinal, Text: corrected})
}

func (c *Controller) dropStale(kind string) {
	c.log.Debug("dropping stale stt event", "type", kind)
	if c.metrics != nil {
		c.metrics.StaleEventsDropped.Add(context.Background(), 1)
	}
}
