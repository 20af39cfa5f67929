package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/typefree/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Server:    config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{STT: config.ProviderEntry{Name: "groq", Options: map[string]any{"prompt": "x"}}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelOnly(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("expected log level change to debug, got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level is hot-reloadable, got RestartRequired=%v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9090" }, []string{"server"}},
		{"audio device", func(c *config.Config) { c.Audio.Device = "hw:1" }, []string{"audio"}},
		{"thresholds", func(c *config.Config) {
			c.VAD.Thresholds = &config.ThresholdsConfig{Speech: 0.05, Silence: 0.02}
		}, []string{"vad"}},
		{"provider option", func(c *config.Config) {
			c.Providers.STT.Options = map[string]any{"prompt": "y"}
		}, []string{"providers"}},
		{"several, in declaration order", func(c *config.Config) {
			c.History.RecentLimit = 5
			c.Gate.MinInterval = time.Second
			c.Session.AutoStopGrace = 3 * time.Second
		}, []string{"gate", "session", "history"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if d.LogLevelChanged {
				t.Error("unexpected LogLevelChanged")
			}
			if !slices.Equal(d.RestartRequired, tt.want) {
				t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, tt.want)
			}
		})
	}
}
