// Package session enforces the top-level interaction invariant: at most one
// of listening, loading, and speaking drives the kiosk at a time. It mediates
// push-to-talk, barge-in, and the handoff from transcript to dialogue to
// playback.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hananetworks/kiost-1/internal/dialogue"
	"github.com/hananetworks/kiost-1/internal/llm"
	"github.com/hananetworks/kiost-1/internal/observe"
	"github.com/hananetworks/kiost-1/internal/speech"
	"github.com/hananetworks/kiost-1/pkg/audio/capture"
)

const defaultPTTDebounce = 300 * time.Millisecond

// State is a snapshot of the session flags.
type State struct {
	Listening bool `json:"listening"`
	Loading   bool `json:"loading"`
	Speaking  bool `json:"speaking"`
}

// Listener receives outward session events. Implemented by the UI gateway.
type Listener interface {
	OnTranscriptInterim(text string)
	OnTranscriptFinal(text string)
	OnTranscriptError(message string)
	OnResponseChunk(text string)
	OnResponseEnd()
	OnResponseError(message string)
	OnPlaybackFinished()
	OnStateChange(s State)
	OnIdleChange(idle bool)
}

// SpeechController is the capture session surface the coordinator drives.
type SpeechController interface {
	Start(language string) error
	Stop()
	Active() bool
}

// Responder produces a streamed reply to a conversation history.
type Responder interface {
	Respond(ctx context.Context, history []llm.Message, l dialogue.Listener) error
}

// Speaker is the playback scheduler surface the coordinator drives.
type Speaker interface {
	SetLanguage(lang string)
	BeginResponse()
	AddText(fragment string, forcePlay bool)
	Flush()
	PlaybackFinished()
	StopAndClear()
	Speaking() bool
}

// Config holds coordinator construction parameters.
type Config struct {
	// Speech owns the microphone and STT bridge. Required.
	Speech SpeechController

	// Engine produces dialogue responses. Required.
	Engine Responder

	// Scheduler drives TTS playback. Required.
	Scheduler Speaker

	// Listener receives outward events. Required.
	Listener Listener

	// Language is the initial UI language. Default "ko-KR".
	Language string

	// IdleTimeout is the inactivity window before the session is flagged
	// idle. Zero or negative disables the monitor (config applies the
	// default).
	IdleTimeout time.Duration

	// PTTDebounce is the lockout window suppressing duplicate mic toggles
	// from a single physical press. Default 300ms.
	PTTDebounce time.Duration

	// Metrics records active sessions and dropped stale events. May be nil.
	Metrics *observe.Metrics

	// Logger for coordinator events. Default slog.Default().
	Logger *slog.Logger
}

// Coordinator owns the session flags. Every mutation funnels through its
// methods; asynchronous callbacks cross-check the flags before acting so
// stale results are discarded. Safe for concurrent use.
type Coordinator struct {
	speech    SpeechController
	engine    Responder
	scheduler Speaker
	listener  Listener
	debounce  time.Duration
	idleAfter time.Duration
	metrics   *observe.Metrics
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	flags     State
	history   []llm.Message
	lang      string
	sttLock   bool // one final transcript submission at a time
	lastMic   time.Time
	idle      bool
	idleTimer *time.Timer
}

// New creates a Coordinator from cfg and arms the idle monitor.
func New(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	debounce := cfg.PTTDebounce
	if debounce <= 0 {
		debounce = defaultPTTDebounce
	}
	lang := cfg.Language
	if lang == "" {
		lang = "ko-KR"
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		speech:    cfg.Speech,
		engine:    cfg.Engine,
		scheduler: cfg.Scheduler,
		listener:  cfg.Listener,
		debounce:  debounce,
		idleAfter: cfg.IdleTimeout,
		metrics:   cfg.Metrics,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		lang:      lang,
	}
	if cfg.IdleTimeout > 0 {
		c.idleTimer = time.AfterFunc(cfg.IdleTimeout, c.onIdleTimeout)
	}
	return c
}

// Close tears the session down: stops recording and playback, stops the idle
// monitor, and cancels any in-flight response.
func (c *Coordinator) Close() {
	c.cancel()
	c.mu.Lock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	listening := c.flags.Listening
	c.flags = State{}
	c.sttLock = false
	c.mu.Unlock()

	if listening {
		c.sessionEnded()
		c.speech.Stop()
	}
	c.scheduler.StopAndClear()
}

// Reset stops recording and playback without tearing the coordinator down.
// Used when the UI disconnects: the coordinator stays usable for the next
// connection.
func (c *Coordinator) Reset() {
	c.StopRecording()
	c.scheduler.StopAndClear()
}

// Snapshot returns the current session flags.
func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// ── inbound commands ─────────────────────────────────────────────────────────

// StartRecording begins a capture session. A request while speaking is a
// barge-in: playback is stopped and cleared before recording starts. No-ops
// while already listening or while a response is loading.
func (c *Coordinator) StartRecording(language string) {
	c.Activity()

	c.mu.Lock()
	if c.flags.Listening || c.flags.Loading {
		c.mu.Unlock()
		return
	}
	speaking := c.flags.Speaking
	c.mu.Unlock()

	if speaking {
		c.log.Info("barge-in: clearing playback before recording")
		c.scheduler.StopAndClear()
	}

	c.mu.Lock()
	if c.flags.Listening {
		c.mu.Unlock()
		return
	}
	c.sttLock = false
	c.flags.Listening = true
	if language != "" {
		c.lang = speech.NormalizeLanguage(language)
	}
	lang := c.lang
	c.mu.Unlock()
	c.sessionStarted()
	c.notifyState()

	c.scheduler.SetLanguage(lang)
	if err := c.speech.Start(lang); err != nil {
		c.log.Error("recording start failed", "error", err)
		c.mu.Lock()
		c.flags.Listening = false
		c.mu.Unlock()
		c.sessionEnded()
		c.notifyState()
		c.listener.OnTranscriptError("마이크를 시작할 수 없습니다.")
	}
}

// StopRecording ends the capture session. Safe to call when not listening.
func (c *Coordinator) StopRecording() {
	c.Activity()

	c.mu.Lock()
	if !c.flags.Listening {
		c.mu.Unlock()
		return
	}
	c.sttLock = false
	c.flags.Listening = false
	c.mu.Unlock()
	c.sessionEnded()
	c.notifyState()
	c.speech.Stop()
}

// MicToggle is the push-to-talk control: it alternates between starting and
// stopping recording, with a debounce window suppressing duplicate triggers
// from one physical press. Ignored while a response is loading.
func (c *Coordinator) MicToggle() {
	c.mu.Lock()
	now := time.Now()
	if now.Sub(c.lastMic) < c.debounce {
		c.mu.Unlock()
		c.log.Debug("mic toggle debounced")
		return
	}
	c.lastMic = now
	listening := c.flags.Listening
	loading := c.flags.Loading
	c.mu.Unlock()

	if loading {
		return
	}
	if listening {
		c.StopRecording()
	} else {
		c.StartRecording("")
	}
}

// SubmitText feeds a typed message into the dialogue, interrupting any
// ongoing playback. Empty input and input during an in-flight response are
// ignored.
func (c *Coordinator) SubmitText(text string) {
	c.submit(text)
}

// PlaybackFinished handles a voice worker's playback acknowledgment.
func (c *Coordinator) PlaybackFinished() {
	c.Activity()
	c.scheduler.PlaybackFinished()
	c.listener.OnPlaybackFinished()
}

// SetSpeaking is wired to the scheduler's speaking-state callback.
func (c *Coordinator) SetSpeaking(speaking bool) {
	c.mu.Lock()
	if c.flags.Speaking == speaking {
		c.mu.Unlock()
		return
	}
	c.flags.Speaking = speaking
	c.mu.Unlock()
	c.notifyState()
}

// ── speech events ────────────────────────────────────────────────────────────

// HandleSpeechEvent routes a normalized speech event. Every event is checked
// against the current flags first: results arriving after recording stopped
// or while the assistant is speaking are stale and dropped.
func (c *Coordinator) HandleSpeechEvent(e speech.Event) {
	switch e.Kind {
	case speech.KindInterim:
		if !c.transcriptLive() {
			c.dropStale("interim")
			return
		}
		c.listener.OnTranscriptInterim(e.Text)

	case speech.KindFinal:
		c.handleFinal(e.Text)

	case speech.KindError:
		if !c.transcriptLive() {
			c.dropStale("error")
			return
		}
		c.log.Warn("recognition error", "message", e.Text)
		c.mu.Lock()
		c.sttLock = false
		c.flags.Listening = false
		c.mu.Unlock()
		c.sessionEnded()
		c.notifyState()
		c.speech.Stop()
		c.listener.OnTranscriptError(e.Text)
	}
}

func (c *Coordinator) handleFinal(text string) {
	c.mu.Lock()
	if !c.flags.Listening || c.flags.Speaking {
		c.mu.Unlock()
		c.dropStale("result")
		return
	}
	if strings.TrimSpace(text) == "" {
		c.flags.Listening = false
		c.mu.Unlock()
		c.sessionEnded()
		c.notifyState()
		c.speech.Stop()
		return
	}
	if c.sttLock {
		c.mu.Unlock()
		c.dropStale("duplicate result")
		return
	}
	c.sttLock = true
	c.flags.Listening = false
	c.mu.Unlock()
	c.sessionEnded()
	c.notifyState()
	c.speech.Stop()

	c.listener.OnTranscriptFinal(text)
	c.submit(text)

	c.mu.Lock()
	c.sttLock = false
	c.mu.Unlock()
}

// HandleBoundary routes VAD boundaries. A speech_end closes the recognition
// stream so the worker finalizes; the listening flag stays up until the final
// transcript (or error) arrives, so the result is not treated as stale.
func (c *Coordinator) HandleBoundary(b capture.Boundary) {
	c.Activity()
	if b != capture.SpeechEnd {
		return
	}
	c.mu.Lock()
	listening := c.flags.Listening
	c.mu.Unlock()
	if listening && c.speech.Active() {
		c.log.Debug("speech ended, finalizing recognition")
		c.speech.Stop()
	}
}

// ── dialogue handoff ─────────────────────────────────────────────────────────

func (c *Coordinator) submit(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.Activity()

	c.mu.Lock()
	if c.flags.Loading {
		c.mu.Unlock()
		c.log.Warn("submission ignored, response already in flight")
		return
	}
	c.flags.Loading = true
	c.history = append(c.history, llm.Message{Role: "user", Content: text})
	history := make([]llm.Message, len(c.history))
	copy(history, c.history)
	c.mu.Unlock()
	c.notifyState()

	c.scheduler.StopAndClear()
	c.scheduler.BeginResponse()

	go func() {
		err := c.engine.Respond(c.ctx, history, &responseSink{c: c})
		if err == nil {
			return
		}
		c.log.Error("dialogue request failed", "error", err)
		// Stream failures already surfaced through the sink's OnError; only
		// a rejected request needs handling here.
		if errors.Is(err, dialogue.ErrBusy) {
			c.mu.Lock()
			c.flags.Loading = false
			c.mu.Unlock()
			c.notifyState()
			c.listener.OnResponseError("AI 요청을 시작하지 못했습니다.")
		}
	}()
}

// responseSink accumulates the assistant's reply while fanning chunks out to
// playback and the UI.
type responseSink struct {
	c    *Coordinator
	full strings.Builder
}

func (s *responseSink) OnChunk(text string) {
	s.full.WriteString(text)
	s.c.scheduler.AddText(text, false)
	s.c.listener.OnResponseChunk(text)
}

func (s *responseSink) OnEnd() {
	c := s.c
	c.scheduler.Flush()

	c.mu.Lock()
	if reply := s.full.String(); reply != "" {
		c.history = append(c.history, llm.Message{Role: "assistant", Content: reply})
	}
	c.flags.Loading = false
	c.mu.Unlock()
	c.notifyState()
	c.listener.OnResponseEnd()
	c.Activity()
}

func (s *responseSink) OnError(message string) {
	c := s.c
	c.scheduler.StopAndClear()

	// The partial reply is discarded: the next submission starts from the
	// last complete turn.
	c.mu.Lock()
	c.flags.Loading = false
	c.mu.Unlock()
	c.notifyState()
	c.listener.OnResponseError(message)
}

// ── idle monitor ─────────────────────────────────────────────────────────────

// Activity marks user activity: it rearms the idle timer and, if the session
// was idle, flips it back to active.
func (c *Coordinator) Activity() {
	c.mu.Lock()
	if c.idleTimer == nil {
		c.mu.Unlock()
		return
	}
	wasIdle := c.idle
	c.idle = false
	c.idleTimer.Reset(c.idleAfter)
	c.mu.Unlock()

	if wasIdle {
		c.listener.OnIdleChange(false)
	}
}

func (c *Coordinator) onIdleTimeout() {
	c.mu.Lock()
	if c.idle {
		c.mu.Unlock()
		return
	}
	c.idle = true
	c.mu.Unlock()
	c.log.Info("session idle")
	c.listener.OnIdleChange(true)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (c *Coordinator) transcriptLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags.Listening && !c.flags.Speaking
}

func (c *Coordinator) notifyState() {
	c.listener.OnStateChange(c.Snapshot())
}

func (c *Coordinator) dropStale(kind string) {
	c.log.Debug("dropping stale speech event", "type", kind)
	if c.metrics != nil {
		c.metrics.StaleEventsDropped.Add(context.Background(), 1)
	}
}

func (c *Coordinator) sessionStarted() {
	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(context.Background(), 1)
	}
}

func (c *Coordinator) sessionEnded() {
	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}
