package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log level
// can be applied to a running process; every other changed section is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the changed sections that take effect only
	// after a restart, in declaration order (e.g., "audio", "providers").
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", old.Server.ListenAddr, new.Server.ListenAddr},
		{"audio", old.Audio, new.Audio},
		{"vad", old.VAD, new.VAD},
		{"gate", old.Gate, new.Gate},
		{"session", old.Session, new.Session},
		{"providers", old.Providers, new.Providers},
		{"history", old.History, new.History},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
