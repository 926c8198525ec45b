// Package capture implements the real-time audio capture worklet: it buffers
// incoming microphone samples into fixed-size PCM chunks and runs an
// amplitude-threshold voice activity detector over the same sample stream.
//
// The worklet is driven synchronously by the audio callback goroutine via
// [Worklet.Process]; it never blocks and allocates only when a chunk is cut.
// Chunking and VAD are independent: disabling VAD stops boundary events but
// chunks keep flowing.
package capture

import (
	"math"
	"time"

	"github.com/hananetworks/kiost-1/pkg/audio"
)

// Boundary marks a speech boundary detected by the VAD.
type Boundary int

const (
	// SpeechStart is emitted once when consecutive non-silent samples reach
	// the configured speech duration while no speech is flagged.
	SpeechStart Boundary = iota

	// SpeechEnd is emitted once when consecutive silent samples reach the
	// configured silence duration while speech is flagged.
	SpeechEnd
)

// String returns the wire name of the boundary.
func (b Boundary) String() string {
	if b == SpeechStart {
		return "speech_start"
	}
	return "speech_end"
}

// Listener receives worklet output. Both callbacks run on the goroutine that
// calls [Worklet.Process] and must not block; hand the data off to a channel
// or queue immediately.
type Listener interface {
	// OnChunk is called every time the accumulation buffer fills, regardless
	// of VAD state. The chunk is owned by the listener after the call.
	OnChunk(chunk audio.Chunk)

	// OnBoundary is called for each detected speech boundary.
	OnBoundary(b Boundary)
}

// Config holds the worklet parameters. Zero values select the defaults the
// kiosk ships with; the thresholds are tuned constants carried in
// configuration so they can be retuned without a rebuild.
type Config struct {
	// SampleRate in Hz. Default 16000.
	SampleRate int

	// ChunkInterval is the duration of audio per emitted chunk. Default 100ms,
	// which is 1600 samples at 16 kHz.
	ChunkInterval time.Duration

	// AmplitudeThreshold classifies a sample as silent when its absolute
	// value is below this level. Despite the historical "RMS" naming upstream,
	// this is a plain per-sample amplitude test. Default 0.04.
	AmplitudeThreshold float64

	// SilenceDuration is how long consecutive silence must last, while speech
	// is flagged, before SpeechEnd fires. Default 1s.
	SilenceDuration time.Duration

	// SpeechDuration is how long consecutive sound must last, while no speech
	// is flagged, before SpeechStart fires. Default 100ms.
	SpeechDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = 100 * time.Millisecond
	}
	if c.AmplitudeThreshold <= 0 {
		c.AmplitudeThreshold = 0.04
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = time.Second
	}
	if c.SpeechDuration <= 0 {
		c.SpeechDuration = 100 * time.Millisecond
	}
	return c
}

// samplesFor converts a duration to a sample count at the configured rate.
func (c Config) samplesFor(d time.Duration) int {
	return int(int64(c.SampleRate) * d.Milliseconds() / 1000)
}

// Worklet accumulates samples into chunks and tracks VAD state. It is not safe
// for concurrent use; it belongs to the single capture goroutine.
type Worklet struct {
	cfg      Config
	listener Listener

	chunkSamples   int
	silenceSamples int
	speechSamples  int

	buf      []int16
	bufIndex int

	vadEnabled     bool
	silenceCounter int
	speechCounter  int
	speechDetected bool
}

// New creates a worklet delivering output to listener. listener must be
// non-nil.
func New(cfg Config, listener Listener) *Worklet {
	cfg = cfg.withDefaults()
	w := &Worklet{
		cfg:            cfg,
		listener:       listener,
		chunkSamples:   cfg.samplesFor(cfg.ChunkInterval),
		silenceSamples: cfg.samplesFor(cfg.SilenceDuration),
		speechSamples:  cfg.samplesFor(cfg.SpeechDuration),
		vadEnabled:     true,
	}
	w.buf = make([]int16, w.chunkSamples)
	return w
}

// ChunkSamples returns the number of samples per emitted chunk.
func (w *Worklet) ChunkSamples() int { return w.chunkSamples }

// SetVADEnabled enables or disables boundary detection. Toggling resets the
// VAD counters; the chunk path is unaffected.
func (w *Worklet) SetVADEnabled(enabled bool) {
	w.vadEnabled = enabled
	w.resetVAD()
}

// SpeechDetected reports whether the VAD currently flags speech, i.e. a
// SpeechStart has been emitted without a matching SpeechEnd.
func (w *Worklet) SpeechDetected() bool { return w.speechDetected }

// Process consumes one block of float32 samples in [-1, 1]. Block size is
// platform-determined and may vary per call; an empty or nil block is a no-op.
// Process must return promptly to keep the real-time callback alive.
func (w *Worklet) Process(block []float32) {
	for _, sample := range block {
		w.buf[w.bufIndex] = audio.FloatToPCM16(sample)
		w.bufIndex++
		if w.bufIndex == w.chunkSamples {
			chunk := make([]int16, w.chunkSamples)
			copy(chunk, w.buf)
			w.bufIndex = 0
			w.listener.OnChunk(audio.Chunk{Samples: chunk, SampleRate: w.cfg.SampleRate})
		}

		if !w.vadEnabled {
			continue
		}
		if math.Abs(float64(sample)) < w.cfg.AmplitudeThreshold {
			w.speechCounter = 0
			if w.speechDetected {
				w.silenceCounter++
				if w.silenceCounter >= w.silenceSamples {
					w.resetVAD()
					w.listener.OnBoundary(SpeechEnd)
				}
			}
		} else {
			w.silenceCounter = 0
			if !w.speechDetected {
				w.speechCounter++
				if w.speechCounter >= w.speechSamples {
					w.speechDetected = true
					w.speechCounter = 0
					w.listener.OnBoundary(SpeechStart)
				}
			}
		}
	}
}

// resetVAD clears the hysteresis counters and the speech flag.
func (w *Worklet) resetVAD() {
	w.silenceCounter = 0
	w.speechCounter = 0
	w.speechDetected = false
}
