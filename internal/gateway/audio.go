package gateway

import (
	"errors"
	"sync"
)

// UISource is the microphone the kiosk UI streams over the WebSocket. The UI
// sends 16 kHz mono PCM as binary frames; the gateway decodes them and pushes
// sample blocks here. It implements the speech controller's capture source:
// Open routes blocks to the capture worklet, Close detaches it.
type UISource struct {
	mu   sync.Mutex
	sink func(block []float32)
}

// NewUISource creates an unattached UISource.
func NewUISource() *UISource {
	return &UISource{}
}

// Open starts delivering pushed blocks to sink. One consumer at a time.
func (s *UISource) Open(sink func(block []float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink != nil {
		return errors.New("gateway: audio source already open")
	}
	s.sink = sink
	return nil
}

// Close detaches the consumer. Pushed blocks are dropped until the next Open.
func (s *UISource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = nil
	return nil
}

// Push hands one block of samples to the open consumer, dropping it when no
// capture session is running.
func (s *UISource) Push(block []float32) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil && len(block) > 0 {
		sink(block)
	}
}
