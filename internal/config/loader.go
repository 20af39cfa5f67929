package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/typefree/internal/gate"
	"github.com/MrWong99/typefree/internal/vad"
	"github.com/MrWong99/typefree/pkg/audio"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"openai", "groq", "whisper", "whisper-native"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultChunkMS          = 100
	DefaultStopTimeout      = 10 * time.Second
	DefaultRecentLimit      = 20
	DefaultSessionMinSpeech = 10
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields of cfg with the stock tuning.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.Source == "" {
		a.Source = SourceFFmpeg
	}
	if a.SampleRate == 0 {
		a.SampleRate = audio.DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = audio.DefaultChannels
	}
	if a.ChunkMS == 0 {
		a.ChunkMS = DefaultChunkMS
	}
	if a.MaxBufferBytes == 0 {
		a.MaxBufferBytes = audio.DefaultMaxBufferBytes
	}

	v := &cfg.VAD
	if v.CalibrationSeconds == 0 {
		v.CalibrationSeconds = vad.DefaultCalibrationDuration.Seconds()
	}
	if v.CalibrationGraceSeconds == 0 {
		v.CalibrationGraceSeconds = vad.DefaultCalibrationGrace.Seconds()
	}
	if v.PreRollChunks == 0 {
		v.PreRollChunks = vad.DefaultPreRollChunks
	}
	if v.SilenceChunks == 0 {
		v.SilenceChunks = vad.DefaultSilenceChunks
	}
	if v.MinSpeechChunks == 0 {
		v.MinSpeechChunks = vad.DefaultMinSpeechChunks
	}
	if v.HistorySize == 0 {
		v.HistorySize = vad.DefaultHistorySize
	}
	if v.MinHistory == 0 {
		v.MinHistory = vad.DefaultMinHistory
	}

	g := &cfg.Gate
	if g.MinBytes == 0 {
		g.MinBytes = gate.DefaultMinBytes
	}
	if g.MinInterval == 0 {
		g.MinInterval = gate.DefaultMinInterval
	}
	if g.Timeout == 0 {
		g.Timeout = gate.DefaultTimeout
	}

	s := &cfg.Session
	if s.StopTimeout == 0 {
		s.StopTimeout = DefaultStopTimeout
	}
	if s.MinSpeechChunks == 0 {
		s.MinSpeechChunks = DefaultSessionMinSpeech
	}

	if cfg.History.RecentLimit == 0 {
		cfg.History.RecentLimit = DefaultRecentLimit
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	a := cfg.Audio
	if a.Source != "" && !a.Source.IsValid() {
		errs = append(errs, fmt.Errorf("audio.source %q is invalid; valid values: ffmpeg, wav, portaudio", a.Source))
	}
	if a.Source == SourceWAV && a.WAVPath == "" {
		errs = append(errs, errors.New("audio.wav_path is required when audio.source is wav"))
	}
	if err := (audio.Format{SampleRate: a.SampleRate, Channels: a.Channels}).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}
	if a.ChunkMS < 0 || a.ChunkMS > 1000 {
		errs = append(errs, fmt.Errorf("audio.chunk_ms %d is out of range [1, 1000]", a.ChunkMS))
	}
	if a.MaxBufferBytes < 0 {
		errs = append(errs, fmt.Errorf("audio.max_buffer_bytes %d must not be negative", a.MaxBufferBytes))
	}

	// VAD
	v := cfg.VAD
	if v.CalibrationSeconds < 0 {
		errs = append(errs, fmt.Errorf("vad.calibration_seconds %.1f must not be negative", v.CalibrationSeconds))
	}
	if v.CalibrationGraceSeconds < 0 {
		errs = append(errs, fmt.Errorf("vad.calibration_grace_seconds %.1f must not be negative", v.CalibrationGraceSeconds))
	}
	for name, n := range map[string]int{
		"vad.pre_roll_chunks":   v.PreRollChunks,
		"vad.silence_chunks":    v.SilenceChunks,
		"vad.min_speech_chunks": v.MinSpeechChunks,
		"vad.history_size":      v.HistorySize,
		"vad.min_history":       v.MinHistory,
	} {
		if n < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", name, n))
		}
	}
	if v.HistorySize > 0 && v.MinHistory > v.HistorySize {
		errs = append(errs, fmt.Errorf("vad.min_history %d exceeds vad.history_size %d", v.MinHistory, v.HistorySize))
	}
	if t := v.Thresholds; t != nil {
		th := vad.Thresholds{NoiseFloor: t.NoiseFloor, Speech: t.Speech, Silence: t.Silence}
		if !th.Valid() {
			errs = append(errs, fmt.Errorf("vad.thresholds %s must satisfy speech >= silence, speech >= %.3f and silence >= %.3f",
				th, vad.MinSpeechThreshold, vad.MinSilenceThreshold))
		}
	}

	// Gate
	if cfg.Gate.MinBytes < 0 {
		errs = append(errs, fmt.Errorf("gate.min_bytes %d must not be negative", cfg.Gate.MinBytes))
	}
	if cfg.Gate.MinInterval < 0 || cfg.Gate.Timeout < 0 {
		errs = append(errs, errors.New("gate durations must not be negative"))
	}

	// Session
	s := cfg.Session
	if s.AutoStopGrace < 0 || s.MaxDuration < 0 || s.StopTimeout < 0 {
		errs = append(errs, errors.New("session durations must not be negative"))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		if len(cfg.Providers.STTFallbacks) > 0 {
			errs = append(errs, errors.New("providers.stt_fallbacks requires providers.stt"))
		} else {
			slog.Warn("no STT provider configured; speech will be detected but not transcribed")
		}
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", fb.Name)
	}

	if cfg.History.RecentLimit < 0 {
		errs = append(errs, fmt.Errorf("history.recent_limit %d must not be negative", cfg.History.RecentLimit))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// Format returns the configured PCM format.
func (a AudioConfig) Format() audio.Format {
	return audio.Format{SampleRate: a.SampleRate, Channels: a.Channels}
}

// ChunkDuration returns the configured chunk length.
func (a AudioConfig) ChunkDuration() time.Duration {
	return time.Duration(a.ChunkMS) * time.Millisecond
}

// CalibrationDuration returns the calibration window.
func (v VADConfig) CalibrationDuration() time.Duration {
	return time.Duration(v.CalibrationSeconds * float64(time.Second))
}

// CalibrationGrace returns the extra time allowed before calibration times out.
func (v VADConfig) CalibrationGrace() time.Duration {
	return time.Duration(v.CalibrationGraceSeconds * float64(time.Second))
}

// StartThresholds returns the configured starting thresholds, or the live
// defaults.
func (v VADConfig) StartThresholds() vad.Thresholds {
	if v.Thresholds == nil {
		return vad.DefaultThresholds()
	}
	return vad.Thresholds{NoiseFloor: v.Thresholds.NoiseFloor, Speech: v.Thresholds.Speech, Silence: v.Thresholds.Silence}
}

// Segmenter returns the segmenter tuning.
func (v VADConfig) Segmenter() vad.SegmenterConfig {
	return vad.SegmenterConfig{
		PreRollChunks:   v.PreRollChunks,
		SilenceChunks:   v.SilenceChunks,
		MinSpeechChunks: v.MinSpeechChunks,
	}
}
