package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/hananetworks/kiost-1/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8090"
  log_level: info

pipes:
  stt:
    address: \\.\pipe\stt-pipe
    retry_interval_ms: 3000
  tts_ko:
    address: \\.\pipe\tts-ko-pipe
    retry_interval_ms: 5000
  tts_en:
    address: \\.\pipe\tts-en-pipe

voice:
  sample_rate: 16000
  chunk_interval_ms: 100
  amplitude_threshold: 0.04
  silence_duration_ms: 1000
  speech_duration_ms: 100

ai:
  api_key: sk-test
  model: gpt-4o-mini
  cache_size: 50

tts:
  min_sentences_to_start:
    ko-KR: 1
    en-US: 5

session:
  idle_timeout_ms: 10000
  ptt_debounce_ms: 300

kiosk:
  name: Gwanghwamun Plaza
  latitude: 37.5759
  longitude: 126.9769
  default_language: ko-KR

route:
  base_url: https://apis-navi.example.com/v1/directions
  api_key: kakao-test

search:
  base_url: https://search.example.com/v1
  client_id: search-id
  client_secret: search-secret
`

func loadSample(t *testing.T, mutate func(string) string) (*config.Config, error) {
	t.Helper()
	y := sampleYAML
	if mutate != nil {
		y = mutate(y)
	}
	return config.LoadFromReader(strings.NewReader(y))
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	cfg, err := loadSample(t, nil)
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":8090" {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, ":8090")
	}
	if cfg.Pipes.STT.Address != `\\.\pipe\stt-pipe` {
		t.Errorf("stt address = %q", cfg.Pipes.STT.Address)
	}
	if got := cfg.Pipes.TTSKo.RetryInterval(3 * time.Second); got != 5*time.Second {
		t.Errorf("tts_ko retry = %v, want 5s", got)
	}
	if got := cfg.Pipes.TTSEn.RetryInterval(5 * time.Second); got != 5*time.Second {
		t.Errorf("tts_en retry fallback = %v, want 5s", got)
	}
	if cfg.Voice.AmplitudeThreshold != 0.04 {
		t.Errorf("amplitude_threshold = %v, want 0.04", cfg.Voice.AmplitudeThreshold)
	}
	if got := cfg.Session.IdleTimeout(); got != 10*time.Second {
		t.Errorf("idle timeout = %v, want 10s", got)
	}
	if cfg.Kiosk.Name != "Gwanghwamun Plaza" {
		t.Errorf("kiosk name = %q", cfg.Kiosk.Name)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := loadSample(t, func(y string) string {
		return y + "\nbogus_section:\n  x: 1\n"
	})
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	minimal := `
pipes:
  stt:
    address: /tmp/stt.sock
  tts_ko:
    address: /tmp/tts-ko.sock
  tts_en:
    address: /tmp/tts-en.sock
`
	cfg, err := config.LoadFromReader(strings.NewReader(minimal))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level default = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Voice.SampleRate != 16000 {
		t.Errorf("sample_rate default = %d, want 16000", cfg.Voice.SampleRate)
	}
	if cfg.Voice.AmplitudeThreshold != 0.04 {
		t.Errorf("amplitude_threshold default = %v, want 0.04", cfg.Voice.AmplitudeThreshold)
	}
	if got := cfg.Voice.ChunkInterval(); got != 100*time.Millisecond {
		t.Errorf("chunk interval default = %v, want 100ms", got)
	}
	if cfg.AI.CacheSize != 50 {
		t.Errorf("cache_size default = %d, want 50", cfg.AI.CacheSize)
	}
	if cfg.AI.CorrectionCacheSize != 100 {
		t.Errorf("correction_cache_size default = %d, want 100", cfg.AI.CorrectionCacheSize)
	}
	if cfg.AI.CorrectionModel != cfg.AI.Model {
		t.Errorf("correction_model = %q, want %q", cfg.AI.CorrectionModel, cfg.AI.Model)
	}
	if cfg.Kiosk.DefaultLanguage != "ko-KR" {
		t.Errorf("default_language = %q, want ko-KR", cfg.Kiosk.DefaultLanguage)
	}
	if got := cfg.Session.PTTDebounce(); got != 300*time.Millisecond {
		t.Errorf("ptt debounce default = %v, want 300ms", got)
	}
}

func TestMinSentences(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.TTSConfig
		lang string
		want int
	}{
		{"configured korean", config.TTSConfig{MinSentencesToStart: map[string]int{"ko-KR": 2}}, "ko-KR", 2},
		{"default korean", config.TTSConfig{}, "ko-KR", 1},
		{"default english", config.TTSConfig{}, "en-US", 5},
		{"default other", config.TTSConfig{}, "ja-JP", 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.MinSentences(tc.lang); got != tc.want {
				t.Errorf("MinSentences(%q) = %d, want %d", tc.lang, got, tc.want)
			}
		})
	}
}

func TestValidate_MissingPipeAddresses(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: info\n"))
	if err == nil {
		t.Fatal("expected error for missing pipe addresses, got nil")
	}
	for _, want := range []string{"pipes.stt.address", "pipes.tts_ko.address", "pipes.tts_en.address"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	_, err := loadSample(t, func(y string) string {
		return strings.Replace(y, "log_level: info", "log_level: verbose", 1)
	})
	if err == nil || !strings.Contains(err.Error(), "server.log_level") {
		t.Errorf("err = %v, want log level validation error", err)
	}
}

func TestValidate_AmplitudeThresholdRange(t *testing.T) {
	_, err := loadSample(t, func(y string) string {
		return strings.Replace(y, "amplitude_threshold: 0.04", "amplitude_threshold: 1.5", 1)
	})
	if err == nil || !strings.Contains(err.Error(), "voice.amplitude_threshold") {
		t.Errorf("err = %v, want amplitude threshold validation error", err)
	}
}

func TestValidate_MinSentencesAtLeastOne(t *testing.T) {
	_, err := loadSample(t, func(y string) string {
		return strings.Replace(y, "ko-KR: 1", "ko-KR: 0", 1)
	})
	if err == nil || !strings.Contains(err.Error(), "min_sentences_to_start") {
		t.Errorf("err = %v, want min sentences validation error", err)
	}
}

func TestValidate_LatitudeRange(t *testing.T) {
	_, err := loadSample(t, func(y string) string {
		return strings.Replace(y, "latitude: 37.5759", "latitude: 137.5", 1)
	})
	if err == nil || !strings.Contains(err.Error(), "kiosk.latitude") {
		t.Errorf("err = %v, want latitude validation error", err)
	}
}

func TestSessionIdleTimeout_Disabled(t *testing.T) {
	s := config.SessionConfig{IdleTimeoutMS: -1}
	if got := s.IdleTimeout(); got != 0 {
		t.Errorf("IdleTimeout() = %v, want 0 (disabled)", got)
	}
}
