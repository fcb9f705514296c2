package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:       "~/.lanebot/workspace",
			LogLevel:        "info",
			MaxRounds:       5,
			HistoryTurns:    10,
			DefaultProvider: "ollama",
			DefaultRole:     "assistant",
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.2",
			},
			"openai": {
				Enabled:      false,
				APIBase:      "https://api.openai.com/v1",
				DefaultModel: "gpt-4o-mini",
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			CLI: CLIConfig{
				Enabled: true,
			},
		},
		History: HistoryConfig{
			Enabled:                   true,
			DBPath:                    "~/.lanebot/history.db",
			MaxHistoryPerConversation: 100,
		},
		Queue: QueueConfig{
			Dir: "~/.lanebot/queue",
		},
		Plugins: PluginsConfig{
			Enabled:        true,
			Dir:            "~/.lanebot/plugins",
			TimeoutSeconds: 30,
			MaxConcurrent:  4,
		},
		Roles: RolesConfig{
			Dir: "~/.lanebot/roles",
		},
		Capabilities: CapabilitiesConfig{
			Shell: ShellConfig{
				Enabled:        true,
				Timeout:        30,
				MaxOutputBytes: 65536,
			},
			Web: WebConfig{
				Enabled: true,
			},
			Browse: BrowseConfig{
				Enabled:        false,
				Headless:       true,
				TimeoutSeconds: 60,
			},
		},
	}
}
