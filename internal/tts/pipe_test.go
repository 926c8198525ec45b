package tts

import (
	"encoding/json"
	"testing"
)

type fakeSender struct {
	payloads []string
}

func (f *fakeSender) SendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	f.payloads = append(f.payloads, string(b))
}

func TestPipeVoiceSpeak(t *testing.T) {
	sender := &fakeSender{}
	voice := NewPipeVoice(sender)

	voice.Speak("안녕하세요.")

	if len(sender.payloads) != 1 {
		t.Fatalf("payloads = %d, want 1", len(sender.payloads))
	}
	want := `{"text":"안녕하세요."}`
	if sender.payloads[0] != want {
		t.Errorf("payload = %s, want %s", sender.payloads[0], want)
	}
}

func TestPipeVoiceStop(t *testing.T) {
	sender := &fakeSender{}
	voice := NewPipeVoice(sender)

	voice.Stop()

	want := `{"command":"stop"}`
	if len(sender.payloads) != 1 || sender.payloads[0] != want {
		t.Errorf("payloads = %v, want [%s]", sender.payloads, want)
	}
}
