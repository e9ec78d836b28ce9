package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			BotHandle:         "mentionbot",
			NativeSymbol:      "HBAR",
			LogLevel:          "info",
			MaxReferenceDepth: 3,
		},
		Poll: PollConfig{
			IntervalSeconds:     60,
			CycleTimeoutSeconds: 300,
		},
		Idempotency: IdempotencyConfig{
			MaxEntries: 10000,
		},
		Ledger: LedgerConfig{
			APIBase:                "http://localhost:3001",
			TimeoutSeconds:         30,
			InitialFunding:         "1",
			AutoProvisionReceivers: true,
		},
		Agent: AgentConfig{
			APIBase:            "http://localhost:3000",
			TimeoutSeconds:     60,
			CallTimeoutSeconds: 45,
		},
		Reply: ReplyConfig{
			MaxLength: 280,
		},
		Sources: SourcesConfig{
			Discord: DiscordConfig{
				Buffer: 500,
			},
		},
		Store: StoreConfig{
			DBPath: "~/.mentionbot/mentionbot.db",
		},
		Ops: OpsConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9464,
		},
	}
}
