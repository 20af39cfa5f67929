// Command typefree is the voice dictation engine: it calibrates against the
// room noise, records until you stop talking, and prints the transcript.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/typefree/internal/app"
	"github.com/MrWong99/typefree/internal/config"
	"github.com/MrWong99/typefree/internal/observe"
	"github.com/MrWong99/typefree/internal/resilience"
	"github.com/MrWong99/typefree/internal/vad"
	"github.com/MrWong99/typefree/pkg/audio/source"
	"github.com/MrWong99/typefree/pkg/provider/stt"
	sttopenai "github.com/MrWong99/typefree/pkg/provider/stt/openai"
	"github.com/MrWong99/typefree/pkg/provider/stt/whisper"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	calibrateOnly := flag.Bool("calibrate-only", false, "measure the background noise, print the thresholds and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "typefree: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "typefree: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("typefree starting",
		"version", version,
		"config", *configPath,
		"source", cfg.Audio.Source,
		"format", cfg.Audio.Format().String(),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changed; restart to apply", "sections", d.RestartRequired)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers, app.WithMetricsHandler(tel.Handler()))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	// ── Calibrate only ────────────────────────────────────────────────────────
	if *calibrateOnly {
		fmt.Fprintln(os.Stderr, "Calibrating: stay quiet for a few seconds...")
		th, err := application.Calibrate(ctx)
		if err != nil && !errors.Is(err, vad.ErrCalibrationTimeout) {
			slog.Error("calibration failed", "err", err)
			return 1
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "Calibration timed out; showing the default thresholds.")
		}
		printThresholds(th)
		return 0
	}

	// ── Dictation session ─────────────────────────────────────────────────────
	fmt.Fprintln(os.Stderr, "Listening. Press Ctrl+C to stop.")
	res, err := application.Run(ctx)
	if err != nil {
		slog.Error("run error", "err", err)
		return 1
	}

	switch {
	case res.NoSpeech:
		fmt.Fprintln(os.Stderr, "No speech detected.")
	case res.Text == "":
		fmt.Fprintln(os.Stderr, "No transcript available.")
	default:
		fmt.Println(res.Text)
	}
	if rec := res.Recording; rec != nil {
		slog.Info("session finished",
			"reason", res.Reason,
			"source", res.Source,
			"duration", rec.Duration,
			"speech_chunks", rec.TotalSpeechChunks,
		)
	}
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in STT and audio source factories
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	// openai and groq share the OpenAI transcription API; groq differs only
	// in its default base URL.
	for name, baseURL := range map[string]string{"openai": "", "groq": sttopenai.GroqBaseURL} {
		reg.RegisterSTT(name, func(entry config.ProviderEntry) (stt.Provider, error) {
			var opts []sttopenai.Option
			if url := cmpOr(entry.BaseURL, baseURL); url != "" {
				opts = append(opts, sttopenai.WithBaseURL(url))
			}
			if entry.Model != "" {
				opts = append(opts, sttopenai.WithModel(entry.Model))
			}
			if entry.Language != "" {
				opts = append(opts, sttopenai.WithLanguage(entry.Language))
			}
			if prompt := optString(entry.Options, "prompt"); prompt != "" {
				opts = append(opts, sttopenai.WithPrompt(prompt))
			}
			return sttopenai.New(entry.APIKey, opts...)
		})
	}

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if entry.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(entry.Language))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── Audio sources ─────────────────────────────────────────────────────────

	reg.RegisterSource(config.SourceFFmpeg, func(a config.AudioConfig) (source.Source, error) {
		return &source.FFmpeg{
			Path:          a.FFmpegPath,
			InputFormat:   a.InputFormat,
			Device:        a.Device,
			ChunkDuration: a.ChunkDuration(),
		}, nil
	})

	reg.RegisterSource(config.SourceWAV, func(a config.AudioConfig) (source.Source, error) {
		return &source.WAVFile{
			Path:          a.WAVPath,
			ChunkDuration: a.ChunkDuration(),
			Realtime:      a.Realtime,
		}, nil
	})

	reg.RegisterSource(config.SourcePortAudio, func(a config.AudioConfig) (source.Source, error) {
		p := &source.PortAudio{ChunkDuration: a.ChunkDuration()}
		if !p.Available() {
			return nil, source.ErrPortAudioUnavailable
		}
		return p, nil
	})

	for _, name := range reg.STTNames() {
		slog.Debug("registered provider", "kind", "stt", "name", name)
	}
}

// buildProviders instantiates the audio source and the STT chain named in
// cfg. Fallback STT backends are wrapped with the primary in a
// [resilience.STTFallback].
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	src, err := reg.CreateSource(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio source %q: %w", cfg.Audio.Source, err)
	}
	ps.Source = src
	slog.Info("audio source created", "source", cfg.Audio.Source)

	name := cfg.Providers.STT.Name
	if name == "" {
		return ps, nil
	}
	primary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", name)
	ps.STT, ps.STTName = primary, name

	if len(cfg.Providers.STTFallbacks) == 0 {
		return ps, nil
	}
	metrics := observe.DefaultMetrics()
	chain := resilience.NewSTTFallback(primary, name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(provider string, _, to resilience.State) {
				metrics.RecordCircuitTransition(context.Background(), provider, to.String())
			},
		},
	})
	names := []string{name}
	for _, fb := range cfg.Providers.STTFallbacks {
		p, err := reg.CreateSTT(fb)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
		}
		chain.AddFallback(fb.Name, p)
		names = append(names, fb.Name)
		slog.Info("provider created", "kind", "stt", "name", fb.Name, "role", "fallback")
	}
	ps.STT, ps.STTName = chain, strings.Join(names, ",")
	return ps, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func printThresholds(th vad.Thresholds) {
	fmt.Printf("noise_floor: %.4f\n", th.NoiseFloor)
	fmt.Printf("speech:      %.4f\n", th.Speech)
	fmt.Printf("silence:     %.4f\n", th.Silence)
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func cmpOr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
