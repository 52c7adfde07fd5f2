package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Hot: BackendConfig{
			Type: BackendFile,
			File: FileConfig{DataDir: "/var/lib/objtier/hot"},
		},
		Cold: BackendConfig{
			Type: BackendS3,
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Tiering: TieringConfig{
			AgeDays:         30,
			ScanInterval:    Duration(time.Hour),
			InitialDelay:    Duration(time.Hour),
			ObjectTimeout:   Duration(5 * time.Minute),
			DrainOnShutdown: true,
			StartupCheck:    true,
		},
		Journal: JournalConfig{
			Enabled:            true,
			Path:               "/var/lib/objtier/journal.db",
			History:            1000,
			MigrationRetention: Duration(90 * 24 * time.Hour),
		},
		NATS: NATSConfig{
			ConnectionName: "objtier",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
			NATSResponder: NATSResponderConfig{
				Enabled:       false,
				SubjectPrefix: "objtier",
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
