package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration structure
type Config struct {
	General      GeneralConfig             `json:"general"`
	Providers    map[string]ProviderConfig `json:"providers"`
	Channels     ChannelsConfig            `json:"channels"`
	History      HistoryConfig             `json:"history"`
	Queue        QueueConfig               `json:"queue"`
	Plugins      PluginsConfig             `json:"plugins"`
	Roles        RolesConfig               `json:"roles"`
	Capabilities CapabilitiesConfig        `json:"capabilities"`
}

// FlexStringList handles JSON arrays that may contain strings or numbers
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			// JSON numbers decode as float64; render without decimals when integral
			if val == float64(int64(val)) {
				result = append(result, strconv.FormatInt(int64(val), 10))
			} else {
				result = append(result, strconv.FormatFloat(val, 'f', -1, 64))
			}
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type GeneralConfig struct {
	Workspace       string `json:"workspace"`
	LogLevel        string `json:"logLevel"`
	LogFile         string `json:"logFile,omitempty"`
	MaxRounds       int    `json:"maxRounds"`
	HistoryTurns    int    `json:"historyTurns"`
	DefaultProvider string `json:"defaultProvider"`
	DefaultRole     string `json:"defaultRole"`
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	APIKey       string `json:"apiKey,omitempty"`
	APIBase      string `json:"apiBase,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	CLI      CLIConfig      `json:"cli"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	ParseMode string         `json:"parseMode,omitempty"` // Markdown, MarkdownV2, HTML, or empty for plain
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

type HistoryConfig struct {
	Enabled                   bool   `json:"enabled"`
	DBPath                    string `json:"dbPath"`
	MaxHistoryPerConversation int    `json:"maxHistoryPerConversation"`
}

type QueueConfig struct {
	Dir string `json:"dir"`
}

type PluginsConfig struct {
	Enabled        bool   `json:"enabled"`
	Dir            string `json:"dir"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	MaxConcurrent  int    `json:"maxConcurrent"`
}

type RolesConfig struct {
	// Dir holds extra role profiles as YAML files, loaded on top of the built-ins.
	Dir string `json:"dir"`
}

type CapabilitiesConfig struct {
	Shell  ShellConfig  `json:"shell"`
	Web    WebConfig    `json:"web"`
	Browse BrowseConfig `json:"browse"`
}

type ShellConfig struct {
	Enabled        bool   `json:"enabled"`
	Timeout        int    `json:"timeout"` // seconds
	MaxOutputBytes int    `json:"maxOutputBytes"`
	WorkingDir     string `json:"workingDir,omitempty"`
}

type WebConfig struct {
	Enabled bool `json:"enabled"`
}

type BrowseConfig struct {
	Enabled        bool `json:"enabled"`
	Headless       bool `json:"headless"`
	TimeoutSeconds int  `json:"timeoutSeconds"`
}

// DefaultConfigDir returns ~/.lanebot
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lanebot"
	}
	return filepath.Join(home, ".lanebot")
}

// DefaultConfigPath returns ~/.lanebot/config.json
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads and parses the config file, expands env var references,
// applies defaults for missing fields, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	expanded := ExpandEnvVars(string(data))

	cfg := Defaults()
	if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.General.Workspace = expandPath(cfg.General.Workspace)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.History.DBPath = expandPath(cfg.History.DBPath)
	cfg.Queue.Dir = expandPath(cfg.Queue.Dir)
	cfg.Plugins.Dir = expandPath(cfg.Plugins.Dir)
	cfg.Roles.Dir = expandPath(cfg.Roles.Dir)
	cfg.Capabilities.Shell.WorkingDir = expandPath(cfg.Capabilities.Shell.WorkingDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} and ${VAR:-default} references in the raw
// config text. Unset variables without a default are left untouched so the
// problem surfaces in validation rather than as a silently empty value.
func ExpandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		def := groups[2]

		if val := os.Getenv(name); val != "" {
			return val
		}
		if strings.Contains(match, ":-") {
			return def
		}
		return match
	})
}

// Save writes the config to path as indented JSON.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks config invariants, accumulating every problem found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.MaxRounds < 1 || cfg.General.MaxRounds > 50 {
		errs = append(errs, fmt.Sprintf("general.maxRounds must be 1-50, got %d", cfg.General.MaxRounds))
	}
	if cfg.General.HistoryTurns < 0 {
		errs = append(errs, fmt.Sprintf("general.historyTurns must be >= 0, got %d", cfg.General.HistoryTurns))
	}
	if cfg.General.Workspace == "" {
		errs = append(errs, "general.workspace must not be empty")
	}

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error", "":
	default:
		errs = append(errs, fmt.Sprintf("general.logLevel must be debug/info/warn/error, got %q", cfg.General.LogLevel))
	}

	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		if pc.APIBase == "" && pc.APIKey == "" && !strings.HasPrefix(name, "ollama") && name != "openai" {
			errs = append(errs, fmt.Sprintf("provider %q is enabled but has no apiBase or apiKey", name))
		}
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}

	if cfg.History.Enabled {
		if cfg.History.DBPath == "" {
			errs = append(errs, "history.dbPath must not be empty when history is enabled")
		}
		if cfg.History.MaxHistoryPerConversation < 1 {
			errs = append(errs, fmt.Sprintf("history.maxHistoryPerConversation must be >= 1, got %d", cfg.History.MaxHistoryPerConversation))
		}
	}

	if cfg.Queue.Dir == "" {
		errs = append(errs, "queue.dir must not be empty")
	}

	if cfg.Plugins.Enabled {
		if cfg.Plugins.TimeoutSeconds < 1 {
			errs = append(errs, fmt.Sprintf("plugins.timeoutSeconds must be >= 1, got %d", cfg.Plugins.TimeoutSeconds))
		}
		if cfg.Plugins.MaxConcurrent < 1 {
			errs = append(errs, fmt.Sprintf("plugins.maxConcurrent must be >= 1, got %d", cfg.Plugins.MaxConcurrent))
		}
	}

	if cfg.Capabilities.Shell.Timeout < 1 {
		errs = append(errs, fmt.Sprintf("capabilities.shell.timeout must be >= 1, got %d", cfg.Capabilities.Shell.Timeout))
	}
	if cfg.Capabilities.Browse.Enabled && cfg.Capabilities.Browse.TimeoutSeconds < 1 {
		errs = append(errs, fmt.Sprintf("capabilities.browse.timeoutSeconds must be >= 1, got %d", cfg.Capabilities.Browse.TimeoutSeconds))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// ExpandPath is the exported form of expandPath for use outside the package.
func ExpandPath(path string) string {
	return expandPath(path)
}
