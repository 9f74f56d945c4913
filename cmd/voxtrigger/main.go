// Command voxtrigger listens to a microphone (or replays a WAV file) and
// fires configured voice commands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxtrigger/internal/app"
	"github.com/MrWong99/voxtrigger/internal/config"
	"github.com/MrWong99/voxtrigger/internal/observe"
	"github.com/MrWong99/voxtrigger/internal/resilience"
	"github.com/MrWong99/voxtrigger/pkg/audio"
	"github.com/MrWong99/voxtrigger/pkg/audio/portaudio"
	"github.com/MrWong99/voxtrigger/pkg/audio/wavfile"
	"github.com/MrWong99/voxtrigger/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxtrigger/pkg/provider/stt/mock"
	"github.com/MrWong99/voxtrigger/pkg/provider/stt/vosk"
	"github.com/MrWong99/voxtrigger/pkg/provider/stt/whisper"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	wavPath := flag.String("wav", "", "replay this WAV file instead of the configured audio source")
	watch := flag.Duration("watch", 5*time.Second, "config reload poll interval (0 disables hot reload)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxtrigger: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxtrigger: %v\n", err)
		}
		return 1
	}
	if *wavPath != "" {
		cfg.Audio.Source = config.ProviderEntry{
			Name:    "wavfile",
			Options: map[string]any{"path": *wavPath, "realtime": false},
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := &slog.LevelVar{}
	slog.SetDefault(newLogger(cfg.Server.LogLevel, levelVar))

	slog.Info("voxtrigger starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"phrases", len(cfg.Phrases),
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "voxtrigger",
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLevelVar(levelVar))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = providers.Source.Close()
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch > 0 && *wavPath == "" {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithInterval(*watch))
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			go w.Run(ctx)
			go reloadOnHangup(ctx, w)
		}
	}

	slog.Info("listening; press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// reloadOnHangup re-reads the config whenever the process receives SIGHUP,
// without waiting for the next poll.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			applied, err := w.Reload()
			switch {
			case err != nil:
				slog.Warn("SIGHUP reload failed", "err", err)
			case !applied:
				slog.Info("SIGHUP: config unchanged")
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in recognizer and capture source
// factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Recognizers ───────────────────────────────────────────────────────────

	reg.RegisterSTT("vosk", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.OptionString("model_path", entry.Model)
		return vosk.New(modelPath,
			vosk.WithWords(entry.OptionBool("words", false)),
			vosk.WithSampleRate(entry.OptionInt("sample_rate", 0)),
		)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := whisperOptions(entry)
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.OptionString("model_path", entry.Model)
		return whisper.NewNative(modelPath, whisperOptions(entry)...)
	})

	// mock never hears anything; useful to check capture and the HTTP
	// surface without a model.
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})

	// ── Capture sources ───────────────────────────────────────────────────────

	reg.RegisterSource("portaudio", func(ac config.AudioConfig) (audio.Source, error) {
		f := ac.Format()
		return portaudio.New(
			portaudio.WithFormat(f),
			portaudio.WithFramesPerBuffer(f.SampleRate*ac.FrameMs/1000),
		)
	})

	reg.RegisterSource("wavfile", func(ac config.AudioConfig) (audio.Source, error) {
		path := ac.Source.OptionString("path", ac.Source.Model)
		if path == "" {
			return nil, errors.New("wavfile: options.path is required")
		}
		return wavfile.Open(path,
			wavfile.WithFrameDuration(ac.FrameDuration()),
			wavfile.WithRealtime(ac.Source.OptionBool("realtime", true)),
		)
	})

	for _, name := range reg.STTNames() {
		slog.Debug("registered provider", "kind", "stt", "name", name)
	}
}

// whisperOptions maps the options shared by both whisper providers.
func whisperOptions(entry config.ProviderEntry) []whisper.Option {
	var opts []whisper.Option
	if lang := entry.OptionString("language", ""); lang != "" {
		opts = append(opts, whisper.WithLanguage(lang))
	}
	if ms := entry.OptionInt("silence_threshold_ms", 0); ms > 0 {
		opts = append(opts, whisper.WithSilenceThresholdMs(ms))
	}
	if ms := entry.OptionInt("max_buffer_ms", 0); ms > 0 {
		opts = append(opts, whisper.WithMaxBufferDurationMs(ms))
	}
	if ms := entry.OptionInt("pre_roll_ms", 0); ms > 0 {
		opts = append(opts, whisper.WithPreRollMs(ms))
	}
	return opts
}

// buildProviders instantiates the capture source and the recognizer chain
// named in cfg. Fallback recognizers that fail to construct are skipped with
// a warning; the primary must succeed.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	rc := cfg.Recognizer
	primary, err := reg.CreateSTT(rc.Primary)
	if err != nil {
		return nil, fmt.Errorf("create recognizer %q: %w", rc.Primary.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", rc.Primary.Name)

	chain := resilience.NewEngineFallback(primary, rc.Primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  rc.Restart.MaxFailures,
			ResetTimeout: rc.Restart.ResetTimeout,
		},
	})
	for _, fb := range rc.Fallbacks {
		p, err := reg.CreateSTT(fb)
		if err != nil {
			slog.Warn("fallback recognizer unavailable, skipping", "name", fb.Name, "err", err)
			continue
		}
		chain.AddFallback(fb.Name, p)
		slog.Info("provider created", "kind", "stt", "name", fb.Name, "role", "fallback")
	}

	src, err := reg.CreateSource(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio source %q: %w", cfg.Audio.Source.Name, err)
	}
	slog.Info("provider created", "kind", "audio", "name", cfg.Audio.Source.Name, "format", src.Format().String())

	return &app.Providers{Source: src, STT: chain}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       voxtrigger: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Audio", withModel(cfg.Audio.Source.Name, cfg.Audio.Format().String()))
	printRow("Recognizer", withModel(cfg.Recognizer.Primary.Name, cfg.Recognizer.Primary.Model))
	printRow("Fallbacks", fmt.Sprint(len(cfg.Recognizer.Fallbacks)))
	printRow("Phrases", fmt.Sprint(len(cfg.Phrases)))
	printRow("WebSocket", enabled(cfg.Events.WebSocket))
	printRow("NATS", enabled(cfg.Events.NATS.URL != ""))
	if d := cfg.Events.Store.Driver; d != "" {
		printRow("Event log", string(d))
	} else {
		printRow("Event log", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func withModel(name, model string) string {
	if name == "" {
		return "(not configured)"
	}
	if model == "" {
		return name
	}
	return name + " / " + model
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel, lv *slog.LevelVar) *slog.Logger {
	lv.Set(app.SlogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
