// Package config provides the configuration schema and loader for the kiosk
// voice runtime.
package config

import "time"

// LogLevel controls log verbosity for the kiosk server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the kiosk runtime.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Pipes   PipesConfig   `yaml:"pipes"`
	Voice   VoiceConfig   `yaml:"voice"`
	AI      AIConfig      `yaml:"ai"`
	TTS     TTSConfig     `yaml:"tts"`
	Session SessionConfig `yaml:"session"`
	Kiosk   KioskConfig   `yaml:"kiosk"`
	Route   RouteConfig   `yaml:"route"`
	Search  SearchConfig  `yaml:"search"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server (gateway + /metrics)
	// listens on (e.g., ":8090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// PipeConfig describes one worker pipe endpoint.
type PipeConfig struct {
	// Address is the named-pipe path (Windows) or unix socket path the
	// worker listens on.
	Address string `yaml:"address"`

	// RetryIntervalMS is the fixed reconnect delay in milliseconds.
	// Default 3000 for STT, 5000 for TTS.
	RetryIntervalMS int `yaml:"retry_interval_ms"`
}

// RetryInterval returns the reconnect delay as a duration, or def when unset.
func (p PipeConfig) RetryInterval(def time.Duration) time.Duration {
	if p.RetryIntervalMS <= 0 {
		return def
	}
	return time.Duration(p.RetryIntervalMS) * time.Millisecond
}

// PipesConfig holds the three worker pipe endpoints.
type PipesConfig struct {
	STT   PipeConfig `yaml:"stt"`
	TTSKo PipeConfig `yaml:"tts_ko"`
	TTSEn PipeConfig `yaml:"tts_en"`
}

// VoiceConfig holds audio capture and VAD settings.
type VoiceConfig struct {
	// SampleRate is the capture sample rate in Hz. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// ChunkIntervalMS is the audio chunk cadence in milliseconds. Default 100.
	ChunkIntervalMS int `yaml:"chunk_interval_ms"`

	// AmplitudeThreshold is the per-sample absolute amplitude above which a
	// sample counts as speech, in [0,1]. Default 0.04.
	AmplitudeThreshold float64 `yaml:"amplitude_threshold"`

	// SilenceDurationMS is the continuous silence needed to end an utterance.
	// Default 1000.
	SilenceDurationMS int `yaml:"silence_duration_ms"`

	// SpeechDurationMS is the continuous speech needed to start an utterance.
	// Default 100.
	SpeechDurationMS int `yaml:"speech_duration_ms"`
}

// ChunkInterval returns the chunk cadence as a duration.
func (v VoiceConfig) ChunkInterval() time.Duration {
	if v.ChunkIntervalMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(v.ChunkIntervalMS) * time.Millisecond
}

// SilenceDuration returns the utterance-end silence window as a duration.
func (v VoiceConfig) SilenceDuration() time.Duration {
	if v.SilenceDurationMS <= 0 {
		return time.Second
	}
	return time.Duration(v.SilenceDurationMS) * time.Millisecond
}

// SpeechDuration returns the utterance-start speech window as a duration.
func (v VoiceConfig) SpeechDuration() time.Duration {
	if v.SpeechDurationMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(v.SpeechDurationMS) * time.Millisecond
}

// AIConfig holds LLM provider settings for dialogue and transcript correction.
type AIConfig struct {
	// APIKey authenticates against the OpenAI-compatible endpoint. Falls
	// back to the OPENAI_API_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the API endpoint. Empty means the provider default.
	BaseURL string `yaml:"base_url"`

	// Model is the dialogue model. Default "gpt-4o-mini".
	Model string `yaml:"model"`

	// CorrectionModel is the transcript-correction model. Defaults to Model.
	CorrectionModel string `yaml:"correction_model"`

	// CacheSize bounds the dialogue response cache. Default 50.
	CacheSize int `yaml:"cache_size"`

	// CorrectionCacheSize bounds the transcript-correction cache. Default 100.
	CorrectionCacheSize int `yaml:"correction_cache_size"`
}

// TTSConfig holds speech synthesis queueing settings.
type TTSConfig struct {
	// MinSentencesToStart maps a language code to the number of queued
	// sentences required before playback starts. Default ko-KR=1, en-US=5.
	MinSentencesToStart map[string]int `yaml:"min_sentences_to_start"`
}

// MinSentences returns the start threshold for lang, defaulting to 1 for
// Korean and 5 otherwise.
func (t TTSConfig) MinSentences(lang string) int {
	if n, ok := t.MinSentencesToStart[lang]; ok && n > 0 {
		return n
	}
	if lang == "ko-KR" {
		return 1
	}
	return 5
}

// SessionConfig holds session lifecycle timing.
type SessionConfig struct {
	// IdleTimeoutMS is the inactivity window before the session is flagged
	// idle. Default 10000. Zero or negative disables the idle monitor only
	// when explicitly set to -1.
	IdleTimeoutMS int `yaml:"idle_timeout_ms"`

	// PTTDebounceMS is the push-to-talk debounce window. Default 300.
	PTTDebounceMS int `yaml:"ptt_debounce_ms"`
}

// IdleTimeout returns the idle window as a duration; 0 disables the monitor.
func (s SessionConfig) IdleTimeout() time.Duration {
	switch {
	case s.IdleTimeoutMS < 0:
		return 0
	case s.IdleTimeoutMS == 0:
		return 10 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

// PTTDebounce returns the push-to-talk debounce window as a duration.
func (s SessionConfig) PTTDebounce() time.Duration {
	if s.PTTDebounceMS <= 0 {
		return 300 * time.Millisecond
	}
	return time.Duration(s.PTTDebounceMS) * time.Millisecond
}

// KioskConfig describes the physical kiosk installation.
type KioskConfig struct {
	// Name labels the kiosk in logs and the system prompt.
	Name string `yaml:"name"`

	// Latitude and Longitude are the kiosk's location, used as the route
	// planning origin.
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`

	// DefaultLanguage is the session language when none is requested.
	// Default "ko-KR".
	DefaultLanguage string `yaml:"default_language"`
}

// RouteConfig holds the directions API settings for the route planning tool.
type RouteConfig struct {
	// BaseURL is the directions API endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates directions API requests.
	APIKey string `yaml:"api_key"`
}

// SearchConfig holds the web search API settings for the search tool.
type SearchConfig struct {
	// BaseURL is the search API endpoint.
	BaseURL string `yaml:"base_url"`

	// ClientID and ClientSecret authenticate search API requests.
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}
