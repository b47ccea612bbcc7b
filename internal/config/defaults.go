package config

// Defaults returns the baseline configuration. Load layers the file on top,
// so an empty file is a valid (if non-functional) config.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:     "~/.bacollab/workspace",
			LogLevel:      "info",
			RepliesFile:   "~/.bacollab/replies.yaml",
			HistoryWindow: 10,
		},
		WhatsApp: WhatsAppConfig{
			ListenAddr:  ":8086",
			WebhookPath: "/webhook/whatsapp",
		},
		Extractor: ExtractorConfig{
			APIBase:        "https://api.openai.com/v1",
			APIKey:         "${OPENAI_API_KEY}",
			Model:          "gpt-4o-mini",
			MaxTokens:      1024,
			TimeoutSeconds: 60,
		},
		Submitter: SubmitterConfig{
			BaseURL:           "https://gestioncolaborativa.buenosaires.gob.ar",
			ManualFallbackURL: "https://gestioncolaborativa.buenosaires.gob.ar/prestaciones",
			ProfileDir:        "~/.bacollab/browser",
			Headless:          true,
			TimeoutSeconds:    90,
		},
		Buffer: BufferConfig{
			BaseDelaySeconds:     3,
			ExtendedDelaySeconds: 8,
		},
		History: HistoryConfig{
			RetentionMinutes: 45,
			MaxMessages:      30,
		},
		Dedup: DedupConfig{
			LogPath:             "~/.bacollab/solicitudes.csv",
			FreshnessHours:      12,
			RecentWindowMinutes: 5,
		},
		Queue: QueueConfig{
			InterJobDelaySeconds: 2,
			RetryBackoffMinutes:  []int{5, 50, 500},
		},
		Archive: ArchiveConfig{
			Enabled: true,
			DBPath:  "~/.bacollab/archive.db",
		},
		Social: SocialConfig{
			Enabled: false,
		},
		Telegram: TelegramConfig{
			Enabled: false,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
		Maintenance: MaintenanceConfig{
			SweepSpec:            "*/10 * * * *",
			VacuumSpec:           "30 4 * * *",
			ArchiveRetentionDays: 7,
		},
	}
}
