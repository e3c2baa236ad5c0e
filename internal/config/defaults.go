package config

const (
	defaultDataDir              = "~/.local/share/roam"
	defaultLogDir               = "~/.local/share/roam/logs"
	defaultMaxRetries           = 3
	defaultTimeoutSeconds       = 30
	defaultFailedRetentionDays  = 7
	defaultSyncIntervalSeconds  = 300
	defaultProbeIntervalSeconds = 15
	defaultProbeTimeoutSeconds  = 5
	defaultDomainTTLSeconds     = 900
	defaultDomainStrategy       = "last-write-wins"
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Queue: Queue{
			MaxRetries:          defaultMaxRetries,
			TimeoutSeconds:      defaultTimeoutSeconds,
			FailedRetentionDays: defaultFailedRetentionDays,
		},
		Sync: Sync{
			IntervalSeconds: defaultSyncIntervalSeconds,
		},
		Network: Network{
			ProbeIntervalSeconds: defaultProbeIntervalSeconds,
			ProbeTimeoutSeconds:  defaultProbeTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
