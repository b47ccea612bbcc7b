// Package config loads and validates the bot configuration from a JSON file.
// Values support ${VAR} and ${VAR:-default} environment substitution so
// secrets can stay out of the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration.
type Config struct {
	General     GeneralConfig     `json:"general"`
	WhatsApp    WhatsAppConfig    `json:"whatsapp"`
	Extractor   ExtractorConfig   `json:"extractor"`
	Submitter   SubmitterConfig   `json:"submitter"`
	Buffer      BufferConfig      `json:"buffer"`
	History     HistoryConfig     `json:"history"`
	Dedup       DedupConfig       `json:"dedup"`
	Queue       QueueConfig       `json:"queue"`
	Archive     ArchiveConfig     `json:"archive"`
	Social      SocialConfig      `json:"social"`
	Telegram    TelegramConfig    `json:"telegram"`
	Metrics     MetricsConfig     `json:"metrics"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type GeneralConfig struct {
	Workspace     string `json:"workspace"`
	LogLevel      string `json:"logLevel"`
	LogFile       string `json:"logFile,omitempty"`
	RepliesFile   string `json:"repliesFile,omitempty"` // YAML overrides for user-facing texts
	HistoryWindow int    `json:"historyWindow"`         // messages of context given to the extractor
}

type WhatsAppConfig struct {
	ListenAddr    string `json:"listenAddr"`
	WebhookPath   string `json:"webhookPath"`
	AppSecret     string `json:"appSecret"`
	AccessToken   string `json:"accessToken"`
	VerifyToken   string `json:"verifyToken"`
	PhoneNumberID string `json:"phoneNumberId"`
	GroupChatID   string `json:"groupChatId"`
}

type ExtractorConfig struct {
	APIBase        string `json:"apiBase"`
	APIKey         string `json:"apiKey,omitempty"`
	Model          string `json:"model"`
	MaxTokens      int    `json:"maxTokens"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type SubmitterConfig struct {
	BaseURL           string `json:"baseUrl"`
	ManualFallbackURL string `json:"manualFallbackUrl"`
	ProfileDir        string `json:"profileDir"`
	Headless          bool   `json:"headless"`
	TimeoutSeconds    int    `json:"timeoutSeconds"`
}

type BufferConfig struct {
	BaseDelaySeconds     int `json:"baseDelaySeconds"`
	ExtendedDelaySeconds int `json:"extendedDelaySeconds"`
}

type HistoryConfig struct {
	RetentionMinutes int `json:"retentionMinutes"`
	MaxMessages      int `json:"maxMessages"`
}

type DedupConfig struct {
	LogPath             string `json:"logPath"`
	FreshnessHours      int    `json:"freshnessHours"`
	RecentWindowMinutes int    `json:"recentWindowMinutes"`
}

type QueueConfig struct {
	InterJobDelaySeconds int   `json:"interJobDelaySeconds"`
	RetryBackoffMinutes  []int `json:"retryBackoffMinutes"`
}

type ArchiveConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

type SocialConfig struct {
	Enabled     bool   `json:"enabled"`
	BearerToken string `json:"bearerToken,omitempty"`
}

// TelegramConfig configures out-of-band operator alerts.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chatId,omitempty"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

type MaintenanceConfig struct {
	SweepSpec            string `json:"sweepSpec"`
	VacuumSpec           string `json:"vacuumSpec"`
	ArchiveRetentionDays int    `json:"archiveRetentionDays"`
}

// DefaultConfigDir returns the default config directory (~/.bacollab).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bacollab"
	}
	return filepath.Join(home, ".bacollab")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = expandPath(cfg.General.Workspace)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.General.RepliesFile = expandPath(cfg.General.RepliesFile)
	cfg.Submitter.ProfileDir = expandPath(cfg.Submitter.ProfileDir)
	cfg.Dedup.LogPath = expandPath(cfg.Dedup.LogPath)
	cfg.Archive.DBPath = expandPath(cfg.Archive.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// envVarPattern matches ${VAR} and ${VAR:-default} in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if len(groups) >= 3 && groups[2] != "" {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Validate checks that the config has usable values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.HistoryWindow < 1 {
		errs = append(errs, "general.historyWindow must be >= 1")
	}
	if cfg.WhatsApp.ListenAddr == "" {
		errs = append(errs, "whatsapp.listenAddr is required")
	}
	if !strings.HasPrefix(cfg.WhatsApp.WebhookPath, "/") {
		errs = append(errs, "whatsapp.webhookPath must start with /")
	}
	if cfg.Extractor.APIBase == "" {
		errs = append(errs, "extractor.apiBase is required")
	}
	if cfg.Extractor.Model == "" {
		errs = append(errs, "extractor.model is required")
	}
	if cfg.Submitter.BaseURL == "" {
		errs = append(errs, "submitter.baseUrl is required")
	}
	if cfg.Buffer.BaseDelaySeconds < 1 {
		errs = append(errs, "buffer.baseDelaySeconds must be >= 1")
	}
	if cfg.Buffer.ExtendedDelaySeconds < cfg.Buffer.BaseDelaySeconds {
		errs = append(errs, "buffer.extendedDelaySeconds must be >= buffer.baseDelaySeconds")
	}
	if cfg.History.MaxMessages < 1 {
		errs = append(errs, "history.maxMessages must be >= 1")
	}
	if cfg.Dedup.FreshnessHours < 1 {
		errs = append(errs, "dedup.freshnessHours must be >= 1")
	}
	if len(cfg.Queue.RetryBackoffMinutes) == 0 {
		errs = append(errs, "queue.retryBackoffMinutes must not be empty")
	}
	for _, m := range cfg.Queue.RetryBackoffMinutes {
		if m < 1 {
			errs = append(errs, "queue.retryBackoffMinutes entries must be >= 1")
			break
		}
	}
	if cfg.Social.Enabled && cfg.Social.BearerToken == "" {
		errs = append(errs, "social.bearerToken is required when social.enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == 0) {
		errs = append(errs, "telegram.token and telegram.chatId are required when telegram.enabled")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func expandPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
