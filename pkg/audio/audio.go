// Package audio provides the PCM sample types and conversion helpers shared by
// the capture worklet and the worker transports.
package audio

import "encoding/binary"

// Chunk is a fixed-length block of 16-bit mono PCM samples produced by the
// capture worklet. At the default configuration (16 kHz, 100 ms chunks) a
// chunk holds 1600 samples.
type Chunk struct {
	// Samples is little-endian int16 PCM at the capture sample rate.
	Samples []int16

	// SampleRate in Hz. Always the worklet's configured rate (default 16000).
	SampleRate int
}

// Bytes returns the chunk's samples as little-endian PCM bytes, the layout the
// speech worker expects before base64 encoding.
func (c Chunk) Bytes() []byte {
	out := make([]byte, len(c.Samples)*2)
	for i, s := range c.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// FloatToPCM16 converts a float32 sample in [-1, 1] to an int16 PCM sample,
// clamping out-of-range input rather than wrapping.
func FloatToPCM16(sample float32) int16 {
	if sample > 1 {
		sample = 1
	} else if sample < -1 {
		sample = -1
	}
	return int16(sample * 0x7FFF)
}

// FloatsToPCM16 converts a block of float32 samples to int16 PCM.
func FloatsToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = FloatToPCM16(s)
	}
	return out
}

// PCM16BytesToFloats converts little-endian int16 PCM bytes to float32
// samples in [-1, 1]. A trailing odd byte is dropped.
func PCM16BytesToFloats(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(b[i*2:]))
		out[i] = float32(s) / 0x7FFF
	}
	return out
}
