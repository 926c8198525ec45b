package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills fields whose zero value is not a usable setting.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8090"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Voice.SampleRate == 0 {
		cfg.Voice.SampleRate = 16000
	}
	if cfg.Voice.AmplitudeThreshold == 0 {
		cfg.Voice.AmplitudeThreshold = 0.04
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = "gpt-4o-mini"
	}
	if cfg.AI.CorrectionModel == "" {
		cfg.AI.CorrectionModel = cfg.AI.Model
	}
	if cfg.AI.CacheSize == 0 {
		cfg.AI.CacheSize = 50
	}
	if cfg.AI.CorrectionCacheSize == 0 {
		cfg.AI.CorrectionCacheSize = 100
	}
	if cfg.AI.APIKey == "" {
		cfg.AI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Kiosk.DefaultLanguage == "" {
		cfg.Kiosk.DefaultLanguage = "ko-KR"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Pipes.STT.Address == "" {
		errs = append(errs, errors.New("pipes.stt.address is required"))
	}
	if cfg.Pipes.TTSKo.Address == "" {
		errs = append(errs, errors.New("pipes.tts_ko.address is required"))
	}
	if cfg.Pipes.TTSEn.Address == "" {
		errs = append(errs, errors.New("pipes.tts_en.address is required"))
	}

	if cfg.Voice.SampleRate < 8000 {
		errs = append(errs, fmt.Errorf("voice.sample_rate %d is too low; minimum 8000", cfg.Voice.SampleRate))
	}
	if cfg.Voice.AmplitudeThreshold < 0 || cfg.Voice.AmplitudeThreshold >= 1 {
		errs = append(errs, fmt.Errorf("voice.amplitude_threshold %v must be in [0,1)", cfg.Voice.AmplitudeThreshold))
	}
	if cfg.Voice.ChunkIntervalMS < 0 {
		errs = append(errs, fmt.Errorf("voice.chunk_interval_ms %d must not be negative", cfg.Voice.ChunkIntervalMS))
	}

	if cfg.AI.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("ai.cache_size %d must not be negative", cfg.AI.CacheSize))
	}

	for lang, n := range cfg.TTS.MinSentencesToStart {
		if n < 1 {
			errs = append(errs, fmt.Errorf("tts.min_sentences_to_start[%q] = %d; must be at least 1", lang, n))
		}
	}

	if cfg.Kiosk.Latitude < -90 || cfg.Kiosk.Latitude > 90 {
		errs = append(errs, fmt.Errorf("kiosk.latitude %v is out of range", cfg.Kiosk.Latitude))
	}
	if cfg.Kiosk.Longitude < -180 || cfg.Kiosk.Longitude > 180 {
		errs = append(errs, fmt.Errorf("kiosk.longitude %v is out of range", cfg.Kiosk.Longitude))
	}

	return errors.Join(errs...)
}
