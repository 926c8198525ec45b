// Package tts buffers incrementally arriving response text, segments it into
// speakable sentences, and drives sequential playback requests to the
// language-specific voice transports.
//
// The scheduler holds at most one utterance in flight: the next queued
// sentence is dispatched only after the worker acknowledges the previous one
// with its playback-finished token. Interruption clears everything
// immediately and tells every transport to halt audio already playing.
package tts

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hananetworks/kiost-1/internal/observe"
)

// terminators end a speakable sentence: ASCII and full-width sentence
// punctuation plus newline.
const terminators = ".!?。！？\n"

// Transport is one language's voice worker connection.
type Transport interface {
	// Speak requests synthesis and playback of text.
	Speak(text string)

	// Stop halts any playback in flight.
	Stop()
}

// Config holds scheduler construction parameters.
type Config struct {
	// Transports maps a language code ("ko-KR", "en-US") to its voice
	// transport. Languages absent from the map are unspeakable: their queue
	// drains silently.
	Transports map[string]Transport

	// MinSentences returns how many queued sentences are needed before
	// playback starts for a language. Required (use
	// config.TTSConfig.MinSentences).
	MinSentences func(lang string) int

	// OnSpeakingChange fires when the scheduler transitions between speaking
	// and silent. May be nil. Called without internal locks held.
	OnSpeakingChange func(speaking bool)

	// Metrics records utterances and queue depth. May be nil.
	Metrics *observe.Metrics

	// Logger for scheduler events. Default slog.Default().
	Logger *slog.Logger
}

// Scheduler is the TTS queue scheduler. Safe for concurrent use.
type Scheduler struct {
	transports map[string]Transport
	minCount   func(string) int
	onSpeaking func(bool)
	metrics    *observe.Metrics
	log        *slog.Logger

	mu        sync.Mutex
	lang      string
	buffer    string
	queue     []string
	playing   bool      // one utterance awaiting its finished token
	playStart time.Time // dispatch time of the in-flight utterance
	started   bool      // start policy satisfied for this response
	streaming bool      // upstream response still producing text
	speaking  bool
}

// New creates a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		transports: cfg.Transports,
		minCount:   cfg.MinSentences,
		onSpeaking: cfg.OnSpeakingChange,
		metrics:    cfg.Metrics,
		log:        log,
	}
}

// SetLanguage selects the active language for subsequent utterances.
func (s *Scheduler) SetLanguage(lang string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lang = lang
}

// BeginResponse marks the start of an upstream text stream. While streaming,
// an empty queue does not end the speaking state: more sentences may follow.
func (s *Scheduler) BeginResponse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = true
}

// Speaking reports whether playback is active or pending.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// AddText appends fragment to the sentence buffer and queues every complete
// sentence found. Playback starts once the queue reaches the language's
// minimum count, or immediately when forcePlay is set.
func (s *Scheduler) AddText(fragment string, forcePlay bool) {
	if strings.TrimSpace(fragment) == "" {
		return
	}

	s.mu.Lock()
	s.buffer += fragment
	s.cutSentencesLocked()

	if s.playing {
		s.mu.Unlock()
		return
	}

	switch {
	case forcePlay && len(s.queue) > 0:
		s.started = true
	case s.started && len(s.queue) > 0:
		// keep going
	case !s.started && len(s.queue) >= s.minCount(s.lang):
		s.log.Debug("tts start threshold met", "language", s.lang, "queued", len(s.queue))
		s.started = true
	default:
		s.mu.Unlock()
		return
	}
	s.dispatchNextLocked()
}

// Flush forces any remaining partial text into the queue and marks the
// upstream stream complete. Called when the response ends.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	s.streaming = false
	if leftover := strings.TrimSpace(s.buffer); leftover != "" {
		s.enqueueLocked(leftover)
	}
	s.buffer = ""
	if !s.playing && len(s.queue) > 0 {
		s.started = true
		s.dispatchNextLocked()
		return
	}
	s.mu.Unlock()
}

// PlaybackFinished handles the worker's completion token: dispatch the next
// sentence, or return to idle when the queue is empty and the upstream
// stream has ended. A token with no utterance in flight is a late
// acknowledgment for playback already cancelled by [Scheduler.StopAndClear]
// and is discarded.
func (s *Scheduler) PlaybackFinished() {
	s.mu.Lock()
	if !s.playing {
		s.log.Debug("tts stale completion token ignored", "language", s.lang)
		if s.metrics != nil {
			s.metrics.StaleEventsDropped.Add(context.Background(), 1)
		}
		s.mu.Unlock()
		return
	}
	s.playing = false
	if s.metrics != nil {
		s.metrics.TTSUtteranceDuration.Record(context.Background(),
			time.Since(s.playStart).Seconds(), observe.WithLanguage(s.lang))
	}
	if len(s.queue) > 0 {
		s.dispatchNextLocked()
		return
	}
	if !s.streaming {
		s.started = false
		s.setSpeakingLocked(false)
		return
	}
	s.mu.Unlock()
}

// StopAndClear empties the queue and buffer, halts all transports, and
// resets to idle. Used for barge-in. Idempotent: calling it while idle is a
// no-op apart from the (harmless) stop commands.
func (s *Scheduler) StopAndClear() {
	s.mu.Lock()
	if n := len(s.queue); n > 0 && s.metrics != nil {
		s.metrics.TTSQueueDepth.Add(context.Background(), -int64(n))
	}
	s.queue = nil
	s.buffer = ""
	s.playing = false
	s.started = false
	s.streaming = false
	s.setSpeakingLocked(false)

	for _, t := range s.transports {
		t.Stop()
	}
}

// ── internal ─────────────────────────────────────────────────────────────────

// cutSentencesLocked scans the buffer for terminators and moves every
// complete sentence into the queue in order.
func (s *Scheduler) cutSentencesLocked() {
	for {
		i := strings.IndexAny(s.buffer, terminators)
		if i < 0 {
			return
		}
		// Terminators are all single-byte or three-byte runes; IndexAny
		// returns the byte offset of the rune start.
		_, width := nextRune(s.buffer[i:])
		sentence := strings.TrimSpace(s.buffer[:i+width])
		s.buffer = s.buffer[i+width:]
		if sentence != "" {
			s.enqueueLocked(sentence)
		}
	}
}

func nextRune(s string) (rune, int) {
	for _, r := range s {
		return r, len(string(r))
	}
	return 0, 0
}

func (s *Scheduler) enqueueLocked(sentence string) {
	s.queue = append(s.queue, sentence)
	if s.metrics != nil {
		s.metrics.TTSQueueDepth.Add(context.Background(), 1)
	}
}

// dispatchNextLocked sends the next queued sentence to the active language's
// transport. Caller holds s.mu; the lock is released before transport calls.
func (s *Scheduler) dispatchNextLocked() {
	if s.playing || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}

	transport, ok := s.transports[s.lang]
	if !ok {
		// Unspeakable language: drain silently and report not speaking so
		// nothing waits for acknowledgments that will never come.
		s.log.Info("tts unsupported language, draining queue", "language", s.lang, "dropped", len(s.queue))
		if s.metrics != nil {
			s.metrics.TTSQueueDepth.Add(context.Background(), -int64(len(s.queue)))
		}
		s.queue = nil
		s.playing = false
		s.started = false
		s.setSpeakingLocked(false)
		return
	}

	text := s.queue[0]
	s.queue = s.queue[1:]
	s.playing = true
	s.playStart = time.Now()
	lang := s.lang
	if s.metrics != nil {
		s.metrics.TTSQueueDepth.Add(context.Background(), -1)
		s.metrics.Utterances.Add(context.Background(), 1, observe.WithLanguage(lang))
	}
	s.setSpeakingLocked(true)

	s.log.Debug("tts dispatch", "language", lang, "text", text)
	transport.Speak(text)
}

// setSpeakingLocked updates the speaking flag and, on change, releases the
// lock to fire the callback. It always unlocks s.mu.
func (s *Scheduler) setSpeakingLocked(speaking bool) {
	changed := s.speaking != speaking
	s.speaking = speaking
	cb := s.onSpeaking
	s.mu.Unlock()
	if changed && cb != nil {
		cb(speaking)
	}
}
