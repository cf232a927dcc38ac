package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for wecombot.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	WeCom    WeComConfig    `json:"wecom" yaml:"wecom"`
	TIM      TIMConfig      `json:"tim" yaml:"tim"`
	Stream   StreamConfig   `json:"stream" yaml:"stream"`
	Provider ProviderConfig `json:"provider" yaml:"provider"`
	Memory   MemoryConfig   `json:"memory" yaml:"memory"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	MaxBodyBytes int64  `json:"maxBodyBytes" yaml:"maxBodyBytes"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WeComAccountConfig holds the fields an account may set. Unset fields fall
// back to the base values of WeComConfig.
type WeComAccountConfig struct {
	Name           string `json:"name,omitempty" yaml:"name,omitempty"`
	Enabled        *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	WebhookPath    string `json:"webhookPath,omitempty" yaml:"webhookPath,omitempty"`
	Token          string `json:"token,omitempty" yaml:"token,omitempty"`
	EncodingAESKey string `json:"encodingAESKey,omitempty" yaml:"encodingAESKey,omitempty"`
	ReceiveID      string `json:"receiveId,omitempty" yaml:"receiveId,omitempty"`
	WelcomeText    string `json:"welcomeText,omitempty" yaml:"welcomeText,omitempty"`

	DM *DMConfig `json:"dm,omitempty" yaml:"dm,omitempty"`
}

// DM access policies for direct (single) chats. Group chats are not
// filtered.
const (
	DMPolicyOpen      = "open"
	DMPolicyAllowlist = "allowlist"
	DMPolicyPairing   = "pairing"
	DMPolicyDisabled  = "disabled"
)

// DMConfig controls who may talk to the bot in direct chats. An account's dm
// block replaces the base one as a whole.
type DMConfig struct {
	Policy    string   `json:"policy,omitempty" yaml:"policy,omitempty"`
	AllowFrom []string `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"` // user ids, "*" for anyone
}

// WeComConfig is the channel section: base account fields plus optional named
// accounts that override them.
type WeComConfig struct {
	WeComAccountConfig `yaml:",inline"`
	Accounts           map[string]WeComAccountConfig `json:"accounts,omitempty" yaml:"accounts,omitempty"`
	DefaultAccount     string                        `json:"defaultAccount,omitempty" yaml:"defaultAccount,omitempty"`
}

type StreamConfig struct {
	TTLSeconds          int    `json:"ttlSeconds" yaml:"ttlSeconds"`
	MaxBytes            int    `json:"maxBytes" yaml:"maxBytes"`
	FirstChunkWaitMs    int    `json:"firstChunkWaitMs" yaml:"firstChunkWaitMs"`
	ReplyTimeoutSeconds int    `json:"replyTimeoutSeconds" yaml:"replyTimeoutSeconds"`
	Placeholder         string `json:"placeholder" yaml:"placeholder"`
}

type ProviderConfig struct {
	Kind         string `json:"kind" yaml:"kind"` // "echo" | "ollama"
	APIBase      string `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`

	HistoryTurns  int     `json:"historyTurns" yaml:"historyTurns"`   // prior exchanges sent per chat, 0 disables
	RatePerMinute float64 `json:"ratePerMinute" yaml:"ratePerMinute"` // per-sender limit, 0 disables
	Burst         int     `json:"burst" yaml:"burst"`
}

type MemoryConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"dbPath" yaml:"dbPath"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// DefaultConfigDir returns the default config directory (~/.wecombot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wecombot"
	}
	return filepath.Join(home, ".wecombot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads, expands, schema-checks and validates the config at path.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	return Parse(data, isYAML(path))
}

// Parse decodes a config document over Defaults. yamlDoc selects YAML over
// JSON.
func Parse(data []byte, yamlDoc bool) (*Config, error) {
	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	jsonDoc := data
	if yamlDoc {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
		converted, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("cannot convert yaml config: %w", err)
		}
		jsonDoc = converted
	}

	if err := ValidateSchema(jsonDoc); err != nil {
		return nil, err
	}

	cfg := Defaults()
	dec := json.NewDecoder(bytes.NewReader(jsonDoc))
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}

	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the file extension.
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

	// Secrets live in this file.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.MaxBodyBytes < 1 {
		errs = append(errs, "server.maxBodyBytes must be >= 1")
	}

	if cfg.Stream.TTLSeconds < 1 {
		errs = append(errs, "stream.ttlSeconds must be >= 1")
	}
	if cfg.Stream.MaxBytes < 1 {
		errs = append(errs, "stream.maxBytes must be >= 1")
	}
	if cfg.Stream.FirstChunkWaitMs < 1 {
		errs = append(errs, "stream.firstChunkWaitMs must be >= 1")
	}
	if cfg.Stream.ReplyTimeoutSeconds < 1 {
		errs = append(errs, "stream.replyTimeoutSeconds must be >= 1")
	}

	switch cfg.Provider.Kind {
	case "echo":
	case "ollama":
		if cfg.Provider.Model == "" {
			errs = append(errs, "provider.model is required for ollama")
		}
	default:
		errs = append(errs, "provider.kind must be one of: echo, ollama")
	}
	if cfg.Provider.HistoryTurns < 0 {
		errs = append(errs, "provider.historyTurns must be >= 0")
	}
	if cfg.Provider.RatePerMinute < 0 || cfg.Provider.Burst < 0 {
		errs = append(errs, "provider.ratePerMinute and provider.burst must be >= 0")
	}

	if cfg.Memory.Enabled && cfg.Memory.DBPath == "" {
		errs = append(errs, "memory.dbPath is required when memory is enabled")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}

	if def := strings.TrimSpace(cfg.WeCom.DefaultAccount); def != "" && len(cfg.WeCom.Accounts) > 0 {
		if _, ok := cfg.WeCom.Accounts[def]; !ok {
			errs = append(errs, fmt.Sprintf("wecom.defaultAccount references unknown account: %s", def))
		}
	}
	for _, acct := range ResolveAccounts(cfg) {
		if acct.EncodingAESKey != "" && len(acct.EncodingAESKey) != 43 {
			errs = append(errs, fmt.Sprintf("wecom account %s: encodingAESKey must be 43 characters", acct.ID))
		}
		if msg := validateDM(cfg, acct.DMPolicy); msg != "" {
			errs = append(errs, fmt.Sprintf("wecom account %s: %s", acct.ID, msg))
		}
	}

	if def := strings.TrimSpace(cfg.TIM.DefaultAccount); def != "" && len(cfg.TIM.Accounts) > 0 {
		if _, ok := cfg.TIM.Accounts[def]; !ok {
			errs = append(errs, fmt.Sprintf("tim.defaultAccount references unknown account: %s", def))
		}
	}
	wecomPaths := make(map[string]bool)
	for _, acct := range EnabledAccounts(cfg) {
		wecomPaths[normalizePath(acct.WebhookPath)] = true
	}
	for _, id := range TIMAccountIDs(cfg) {
		acct := ResolveTIMAccount(cfg, id)
		if msg := validateDM(cfg, acct.DMPolicy); msg != "" {
			errs = append(errs, fmt.Sprintf("tim account %s: %s", acct.ID, msg))
		}
		if acct.Enabled && wecomPaths[normalizePath(acct.WebhookPath)] {
			errs = append(errs, fmt.Sprintf("tim account %s: webhookPath %s is already used by a wecom account", acct.ID, acct.WebhookPath))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateDM(cfg *Config, policy string) string {
	switch policy {
	case DMPolicyOpen, DMPolicyAllowlist, DMPolicyDisabled:
	case DMPolicyPairing:
		if cfg.Memory.DBPath == "" {
			return "dm policy pairing needs memory.dbPath"
		}
	default:
		return "dm.policy must be one of: open, allowlist, pairing, disabled"
	}
	return ""
}

// normalizePath mirrors the webhook registry's path canonicalization.
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
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
