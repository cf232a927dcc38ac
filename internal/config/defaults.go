package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8787,
			MaxBodyBytes: 1 << 20,
		},
		WeCom: WeComConfig{
			WeComAccountConfig: WeComAccountConfig{
				WebhookPath: DefaultWebhookPath,
			},
		},
		Stream: StreamConfig{
			TTLSeconds:          600,
			MaxBytes:            20480,
			FirstChunkWaitMs:    800,
			ReplyTimeoutSeconds: 300,
			Placeholder:         "1",
		},
		Provider: ProviderConfig{
			Kind:    "echo",
			APIBase: "http://localhost:11434",
			Model:   "llama3.1:8b",

			HistoryTurns:  6,
			RatePerMinute: 20,
			Burst:         5,
		},
		Memory: MemoryConfig{
			Enabled: false,
			DBPath:  "~/.wecombot/transcripts.db",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
