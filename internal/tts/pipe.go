package tts

// Sender is the outbound side of a voice worker pipe.
type Sender interface {
	SendJSON(v any)
}

// PipeVoice adapts a line-framed worker pipe to [Transport]. The worker
// receives one {"text": ...} document per utterance and {"command": "stop"}
// to halt playback in flight.
type PipeVoice struct {
	sender Sender
}

var _ Transport = (*PipeVoice)(nil)

// NewPipeVoice creates a PipeVoice over sender.
func NewPipeVoice(sender Sender) *PipeVoice {
	return &PipeVoice{sender: sender}
}

type speakRequest struct {
	Text string `json:"text"`
}

type stopRequest struct {
	Command string `json:"command"`
}

func (p *PipeVoice) Speak(text string) {
	p.sender.SendJSON(speakRequest{Text: text})
}

func (p *PipeVoice) Stop() {
	p.sender.SendJSON(stopRequest{Command: "stop"})
}
