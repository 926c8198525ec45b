// Command kioskd is the main entry point for the kiosk voice interaction
// server. It bridges the kiosk UI (websocket), the local STT/TTS worker
// processes (line-framed pipes) and the dialogue model.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/hananetworks/kiost-1/internal/config"
	"github.com/hananetworks/kiost-1/internal/dialogue"
	"github.com/hananetworks/kiost-1/internal/gateway"
	"github.com/hananetworks/kiost-1/internal/llm"
	"github.com/hananetworks/kiost-1/internal/observe"
	"github.com/hananetworks/kiost-1/internal/pipe"
	"github.com/hananetworks/kiost-1/internal/session"
	"github.com/hananetworks/kiost-1/internal/speech"
	"github.com/hananetworks/kiost-1/internal/tools"
	"github.com/hananetworks/kiost-1/internal/tts"
	"github.com/hananetworks/kiost-1/pkg/audio/capture"
)

const version = "0.1.0"

const (
	sttRetryDefault = 3 * time.Second
	ttsRetryDefault = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "kioskd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "kioskd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("kioskd starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"kiosk", cfg.Kiosk.Name,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "kioskd",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// The coordinator, speech controller, scheduler and gateway reference each
	// other; coord is late-bound and every callback below fires only after the
	// full graph is wired and the pipes connect.
	var coord *session.Coordinator

	// ── Worker pipes ──────────────────────────────────────────────────────────
	sttH := &sttHandler{}
	sttPipe := pipe.New(pipe.Config{
		Name:          "stt",
		Dial:          pipeDialer(cfg.Pipes.STT.Address),
		RetryInterval: cfg.Pipes.STT.RetryInterval(sttRetryDefault),
		Handler:       sttH,
		Metrics:       metrics,
		Logger:        logger,
	})
	ttsKoPipe := pipe.New(pipe.Config{
		Name:          "tts-ko",
		Dial:          pipeDialer(cfg.Pipes.TTSKo.Address),
		RetryInterval: cfg.Pipes.TTSKo.RetryInterval(ttsRetryDefault),
		Handler:       &ttsHandler{finished: func() { coord.PlaybackFinished() }},
		Metrics:       metrics,
		Logger:        logger,
	})
	ttsEnPipe := pipe.New(pipe.Config{
		Name:          "tts-en",
		Dial:          pipeDialer(cfg.Pipes.TTSEn.Address),
		RetryInterval: cfg.Pipes.TTSEn.RetryInterval(ttsRetryDefault),
		Handler:       &ttsHandler{finished: func() { coord.PlaybackFinished() }},
		Metrics:       metrics,
		Logger:        logger,
	})

	// ── Dialogue model ────────────────────────────────────────────────────────
	var llmOpts []llm.OpenAIOption
	if cfg.AI.BaseURL != "" {
		llmOpts = append(llmOpts, llm.WithBaseURL(cfg.AI.BaseURL))
	}
	provider, err := llm.NewOpenAI(cfg.AI.APIKey, cfg.AI.Model, llmOpts...)
	if err != nil {
		slog.Error("failed to create dialogue provider", "err", err)
		return 1
	}

	corrProvider, err := llm.NewOpenAI(cfg.AI.APIKey, cfg.AI.CorrectionModel, llmOpts...)
	if err != nil {
		slog.Error("failed to create correction provider", "err", err)
		return 1
	}

	// ── Tools ─────────────────────────────────────────────────────────────────
	registry := tools.NewRegistry(metrics, logger)
	planner := tools.NewRoutePlanner(tools.RouteConfig{
		BaseURL:    cfg.Route.BaseURL,
		APIKey:     cfg.Route.APIKey,
		OriginName: cfg.Kiosk.Name,
		Origin:     tools.Coord{Lng: cfg.Kiosk.Longitude, Lat: cfg.Kiosk.Latitude},
		Logger:     logger,
	})
	if err := registry.Register(planner.Tool()); err != nil {
		slog.Error("failed to register route tool", "err", err)
		return 1
	}
	search := tools.NewWebSearch(tools.SearchConfig{
		BaseURL:      cfg.Search.BaseURL,
		ClientID:     cfg.Search.ClientID,
		ClientSecret: cfg.Search.ClientSecret,
		Logger:       logger,
	})
	if err := registry.Register(search.Tool()); err != nil {
		slog.Error("failed to register search tool", "err", err)
		return 1
	}

	engine := dialogue.New(dialogue.Config{
		Provider:  provider,
		Tools:     registry,
		CacheSize: cfg.AI.CacheSize,
		Metrics:   metrics,
		Logger:    logger,
	})

	// ── Speech capture ────────────────────────────────────────────────────────
	uiAudio := gateway.NewUISource()
	corrector := speech.NewCorrector(corrProvider, cfg.AI.CorrectionCacheSize, logger)
	speechCtrl := speech.NewController(speech.Config{
		Transport: sttPipe,
		Source:    uiAudio,
		Capture: capture.Config{
			SampleRate:         cfg.Voice.SampleRate,
			ChunkInterval:      cfg.Voice.ChunkInterval(),
			AmplitudeThreshold: cfg.Voice.AmplitudeThreshold,
			SilenceDuration:    cfg.Voice.SilenceDuration(),
			SpeechDuration:     cfg.Voice.SpeechDuration(),
		},
		Corrector:  corrector,
		OnEvent:    func(e speech.Event) { coord.HandleSpeechEvent(e) },
		OnBoundary: func(b capture.Boundary) { coord.HandleBoundary(b) },
		Metrics:    metrics,
		Logger:     logger,
	})
	sttH.ctrl = speechCtrl

	// ── Playback scheduling ───────────────────────────────────────────────────
	scheduler := tts.New(tts.Config{
		Transports: map[string]tts.Transport{
			"ko-KR": tts.NewPipeVoice(ttsKoPipe),
			"en-US": tts.NewPipeVoice(ttsEnPipe),
		},
		MinSentences:     cfg.TTS.MinSentences,
		OnSpeakingChange: func(speaking bool) { coord.SetSpeaking(speaking) },
		Metrics:          metrics,
		Logger:           logger,
	})

	// ── UI gateway and session ────────────────────────────────────────────────
	handle := &sessionHandle{}
	gw := gateway.NewServer(gateway.Config{
		Session: handle,
		Audio:   uiAudio,
		Checkers: []gateway.Checker{
			pipeChecker("stt", sttPipe),
			pipeChecker("tts-ko", ttsKoPipe),
			pipeChecker("tts-en", ttsEnPipe),
		},
		Logger: logger,
	})

	coord = session.New(session.Config{
		Speech:      speechCtrl,
		Engine:      engine,
		Scheduler:   scheduler,
		Listener:    gw,
		Language:    speech.NormalizeLanguage(cfg.Kiosk.DefaultLanguage),
		IdleTimeout: cfg.Session.IdleTimeout(),
		PTTDebounce: cfg.Session.PTTDebounce(),
		Metrics:     metrics,
		Logger:      logger,
	})
	handle.coord = coord

	sttPipe.Connect(ctx)
	ttsKoPipe.Connect(ctx)
	ttsEnPipe.Connect(ctx)

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: gw.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down", "listen_addr", cfg.Server.ListenAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("http server error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	coord.Close()
	sttPipe.Close()
	ttsKoPipe.Close()
	ttsEnPipe.Close()
	if err := shutdownMetrics(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Pipe wiring ───────────────────────────────────────────────────────────────

// pipeDialer builds a Dialer for a worker address. Filesystem paths and
// abstract socket names dial unix sockets; anything else is a TCP host:port.
func pipeDialer(address string) pipe.Dialer {
	network := "tcp"
	if strings.HasPrefix(address, "/") || strings.HasPrefix(address, "@") || strings.HasSuffix(address, ".sock") {
		network = "unix"
	}
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, address)
	}
}

func pipeChecker(name string, t *pipe.Transport) gateway.Checker {
	return gateway.Checker{
		Name: name + "-pipe",
		Check: func() error {
			if !t.Connected() {
				return fmt.Errorf("%s pipe disconnected", name)
			}
			return nil
		},
	}
}

// sttHandler routes recognition lines from the STT worker into the speech
// controller. ctrl is assigned before the pipe connects.
type sttHandler struct {
	ctrl *speech.Controller
}

func (h *sttHandler) OnConnected() {}

func (h *sttHandler) OnMessage(msg pipe.Message) { h.ctrl.HandleMessage(msg) }

func (h *sttHandler) OnDisconnected(reconnect bool) {}

// ttsHandler watches a voice worker for playback status tokens. The worker
// prints START when an utterance begins and DONE when it finishes; only DONE
// drives the scheduler.
type ttsHandler struct {
	finished func()
}

func (h *ttsHandler) OnConnected() {}

func (h *ttsHandler) OnMessage(msg pipe.Message) {
	if msg.Token == "DONE" {
		h.finished()
	}
}

func (h *ttsHandler) OnDisconnected(reconnect bool) {}

// sessionHandle defers session dispatch until the coordinator exists; the
// gateway and the coordinator reference each other at construction time.
type sessionHandle struct {
	coord *session.Coordinator
}

var _ gateway.Session = (*sessionHandle)(nil)

func (h *sessionHandle) StartRecording(language string) { h.coord.StartRecording(language) }

func (h *sessionHandle) StopRecording() { h.coord.StopRecording() }

func (h *sessionHandle) MicToggle() { h.coord.MicToggle() }

func (h *sessionHandle) SubmitText(text string) { h.coord.SubmitText(text) }

func (h *sessionHandle) Snapshot() session.State { return h.coord.Snapshot() }

func (h *sessionHandle) Reset() { h.coord.Reset() }

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
