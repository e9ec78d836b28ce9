package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for mentionbot.
type Config struct {
	General     GeneralConfig     `json:"general" yaml:"general"`
	Poll        PollConfig        `json:"poll" yaml:"poll"`
	Idempotency IdempotencyConfig `json:"idempotency" yaml:"idempotency"`
	Ledger      LedgerConfig      `json:"ledger" yaml:"ledger"`
	Agent       AgentConfig       `json:"agent" yaml:"agent"`
	Reply       ReplyConfig       `json:"reply" yaml:"reply"`
	Sources     SourcesConfig     `json:"sources" yaml:"sources"`
	Store       StoreConfig       `json:"store" yaml:"store"`
	Ops         OpsConfig         `json:"ops" yaml:"ops"`
}

type GeneralConfig struct {
	BotHandle    string `json:"botHandle" yaml:"botHandle"`
	NativeSymbol string `json:"nativeSymbol" yaml:"nativeSymbol"`
	LogLevel     string `json:"logLevel" yaml:"logLevel"`
	LogFile      string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
	// MaxReferenceDepth bounds reply/quote/thread nesting kept per mention.
	MaxReferenceDepth int `json:"maxReferenceDepth" yaml:"maxReferenceDepth"`
}

// PollConfig schedules cycles. Cron, when set, wins over IntervalSeconds.
type PollConfig struct {
	IntervalSeconds     int    `json:"intervalSeconds" yaml:"intervalSeconds"`
	Cron                string `json:"cron,omitempty" yaml:"cron,omitempty"`
	CycleTimeoutSeconds int    `json:"cycleTimeoutSeconds" yaml:"cycleTimeoutSeconds"`
}

type IdempotencyConfig struct {
	MaxEntries int `json:"maxEntries" yaml:"maxEntries"`
	TTLHours   int `json:"ttlHours" yaml:"ttlHours"` // 0 = keep until evicted
}

type LedgerConfig struct {
	APIBase                string `json:"apiBase" yaml:"apiBase"`
	APIKey                 string `json:"apiKey,omitempty" yaml:"apiKey,omitempty" secret:"true"`
	TimeoutSeconds         int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	MaxRetries             int    `json:"maxRetries" yaml:"maxRetries"`
	InitialFunding         string `json:"initialFunding,omitempty" yaml:"initialFunding,omitempty"`
	AutoProvisionReceivers bool   `json:"autoProvisionReceivers" yaml:"autoProvisionReceivers"`
}

type AgentConfig struct {
	APIBase            string `json:"apiBase" yaml:"apiBase"`
	APIKey             string `json:"apiKey,omitempty" yaml:"apiKey,omitempty" secret:"true"`
	TimeoutSeconds     int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	MaxRetries         int    `json:"maxRetries" yaml:"maxRetries"`
	CallTimeoutSeconds int    `json:"callTimeoutSeconds" yaml:"callTimeoutSeconds"`
	ForwardUnknown     bool   `json:"forwardUnknown" yaml:"forwardUnknown"`
}

type ReplyConfig struct {
	MaxLength int `json:"maxLength" yaml:"maxLength"` // in characters
}

type SourcesConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Slack    SlackConfig    `json:"slack" yaml:"slack"`
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
	File     FileConfig     `json:"file" yaml:"file"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled" yaml:"enabled"`
	Token     string         `json:"token" yaml:"token" secret:"true"`
	AllowFrom FlexStringList `json:"allowFrom" yaml:"allowFrom"`
}

type SlackConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	BotToken string   `json:"botToken" yaml:"botToken" secret:"true"`
	Channels []string `json:"channels" yaml:"channels"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token" secret:"true"`
	GuildID string `json:"guildId,omitempty" yaml:"guildId,omitempty"` // optional: restrict to one guild
	Buffer  int    `json:"buffer" yaml:"buffer"`
}

// FileConfig serves a YAML timeline as a source, for dry runs.
type FileConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath" yaml:"dbPath"`
}

// OpsConfig configures the operator HTTP server.
type OpsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty" secret:"true"` // bearer token for POST endpoints
}

// FlexStringList is a []string that can unmarshal from arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// UnmarshalYAML keeps numeric ids as their literal text.
func (f *FlexStringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: expected a list", value.Line)
	}
	result := make([]string, 0, len(value.Content))
	for _, item := range value.Content {
		if item.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: expected a scalar", item.Line)
		}
		result = append(result, item.Value)
	}
	*f = result
	return nil
}

// Interval returns the poll interval as a duration.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

func (p PollConfig) CycleTimeout() time.Duration {
	return time.Duration(p.CycleTimeoutSeconds) * time.Second
}

// DefaultConfigDir returns the default config directory (~/.mentionbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mentionbot"
	}
	return filepath.Join(home, ".mentionbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads a JSON or YAML config. A .env file next to it is loaded
// into the environment first, without overriding variables already set.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cannot load %s: %w", envFile, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Sources.File.Path = ExpandPath(cfg.Sources.File.Path)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if strings.TrimSpace(strings.TrimPrefix(cfg.General.BotHandle, "@")) == "" {
		errs = append(errs, "general.botHandle is required")
	}
	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxReferenceDepth < 1 || cfg.General.MaxReferenceDepth > 16 {
		errs = append(errs, "general.maxReferenceDepth must be between 1 and 16")
	}

	if cfg.Poll.Cron != "" {
		if !gronx.New().IsValid(cfg.Poll.Cron) {
			errs = append(errs, fmt.Sprintf("poll.cron is not a valid cron expression: %q", cfg.Poll.Cron))
		}
	} else if cfg.Poll.IntervalSeconds < 1 {
		errs = append(errs, "poll.intervalSeconds must be >= 1")
	}
	if cfg.Poll.CycleTimeoutSeconds < 1 {
		errs = append(errs, "poll.cycleTimeoutSeconds must be >= 1")
	}

	if cfg.Idempotency.MaxEntries < 1 {
		errs = append(errs, "idempotency.maxEntries must be >= 1")
	}
	if cfg.Idempotency.TTLHours < 0 {
		errs = append(errs, "idempotency.ttlHours must be >= 0")
	}
	if cfg.Reply.MaxLength < 1 {
		errs = append(errs, "reply.maxLength must be >= 1")
	}

	for name, base := range map[string]string{"agent.apiBase": cfg.Agent.APIBase, "ledger.apiBase": cfg.Ledger.APIBase} {
		if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			errs = append(errs, name+" must be an http(s) URL")
		}
	}
	if cfg.Agent.TimeoutSeconds < 1 || cfg.Ledger.TimeoutSeconds < 1 {
		errs = append(errs, "agent.timeoutSeconds and ledger.timeoutSeconds must be >= 1")
	}

	src := cfg.Sources
	if src.Telegram.Enabled && src.Telegram.Token == "" {
		errs = append(errs, "sources.telegram.token is required when telegram is enabled")
	}
	if src.Slack.Enabled && (src.Slack.BotToken == "" || len(src.Slack.Channels) == 0) {
		errs = append(errs, "sources.slack needs botToken and at least one channel when enabled")
	}
	if src.Discord.Enabled && src.Discord.Token == "" {
		errs = append(errs, "sources.discord.token is required when discord is enabled")
	}
	if src.File.Enabled && src.File.Path == "" {
		errs = append(errs, "sources.file.path is required when the file source is enabled")
	}

	if cfg.Ops.Port < 0 || cfg.Ops.Port > 65535 {
		errs = append(errs, "ops.port must be between 0 and 65535")
	}
	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
