package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RelayChanged bool
	NewRelay     RelayConfig

	// RestartRequired lists changed sections that are not applied at runtime.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Relay != new.Relay {
		d.RelayChanged = true
		d.NewRelay = new.Relay
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Engine != new.Engine {
		d.RestartRequired = append(d.RestartRequired, "engine")
	}
	if old.Transport != new.Transport {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	return d
}

// Empty reports whether d carries any change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RelayChanged && len(d.RestartRequired) == 0
}
