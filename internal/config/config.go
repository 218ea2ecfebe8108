// Package config loads and normalizes sqlgrep runtime configuration.
package config

import (
	"os"
	"regexp"
	"strings"

	"sqlgrep/internal/metadata"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config captures all runtime options for the query engine.
type Config struct {
	Provider          ProviderConfig        `yaml:"provider"`
	Fallback          []ProviderConfig      `yaml:"fallback"`
	SchemaMode        string                `yaml:"schema_mode"`
	MaxIterations     int                   `yaml:"max_iterations"`
	MaxRows           int                   `yaml:"max_rows"`
	MaxQueryTime      int                   `yaml:"max_query_time"`
	SmartSchema       int                   `yaml:"smart_schema"`
	SystemPrompt      string                `yaml:"system_prompt"`
	UserLanguage      string                `yaml:"user_language"`
	Connections       map[string]Connection `yaml:"connections"`
	DefaultConnection string                `yaml:"default_connection"`
	Contexts          map[string]Context    `yaml:"contexts"`
	Conversation      ConversationConfig    `yaml:"conversation"`
	Recipes           RecipeConfig          `yaml:"recipes"`
	Monitor           MonitorConfig         `yaml:"monitor"`
	Storage           StorageConfig         `yaml:"storage"`
	Verbose           bool                  `yaml:"verbose"`
}

// ProviderConfig configures one AI chat provider.
type ProviderConfig struct {
	Name             string `yaml:"name"`
	APIKey           string `yaml:"api_key"`
	BaseURL          string `yaml:"base_url"`
	Model            string `yaml:"model"`
	MaxTokens        int    `yaml:"max_tokens"`
	AnthropicVersion string `yaml:"anthropic_version"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

// Connection describes a named database connection.
type Connection struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// DatabaseInfo annotates the prompt with the database behind a scope.
type DatabaseInfo struct {
	Type string `yaml:"type"`
	Name string `yaml:"name"`
}

// Context is a named override bundle selectable per question.
// Empty fields inherit from the top-level config and the default context.
type Context struct {
	Connection    string           `yaml:"connection"`
	Database      DatabaseInfo     `yaml:"database"`
	ExcludeTables []string         `yaml:"exclude_tables"`
	Tables        []metadata.Table `yaml:"tables"`
	SchemaMode    string           `yaml:"schema_mode"`
	SmartSchema   *int             `yaml:"smart_schema"`
	UserLanguage  string           `yaml:"user_language"`
}

// ConversationConfig controls multi-turn conversation persistence.
type ConversationConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Connection  string `yaml:"connection"`
	Table       string `yaml:"table"`
	MaxMessages int    `yaml:"max_messages"`
	TTLDays     int    `yaml:"ttl_days"`
}

// RecipeConfig controls saved-recipe persistence.
type RecipeConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Connection    string `yaml:"connection"`
	Table         string `yaml:"table"`
	RetentionDays int    `yaml:"retention_days"`
}

// MonitorConfig controls execution logging.
type MonitorConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Connection    string `yaml:"connection"`
	Table         string `yaml:"table"`
	RetentionDays int    `yaml:"retention_days"`
}

// StorageConfig holds external storage settings for monitor archives.
type StorageConfig struct {
	S3  S3Config  `yaml:"s3"`
	GCS GCSConfig `yaml:"gcs"`
}

// CloudEnabled reports whether any cloud storage backend is enabled.
func (s StorageConfig) CloudEnabled() bool {
	return s.GCS.Enabled || s.S3.Enabled
}

// S3Config configures S3 uploads (including S3-compatible endpoints).
type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// GCSConfig configures Google Cloud Storage uploads.
type GCSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// Load reads, expands, and normalizes a config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	normalizeConfig(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

const (
	maxIterationsDefault   = 10
	maxRowsDefault         = 20
	maxQueryTimeDefault    = 3
	providerTimeoutDefault = 120
	providerTokensDefault  = 1024

	conversationTableDefault    = "sqlgrep_conversations"
	conversationMessagesDefault = 10
	conversationTTLDefault      = 10

	recipeTableDefault     = "sqlgrep_recipes"
	recipeRetentionDefault = 30

	monitorTableDefault     = "sqlgrep_logs"
	monitorRetentionDefault = 30
)

func defaultConfig() Config {
	return Config{
		Provider: ProviderConfig{
			Name:             "openai",
			Model:            "gpt-4o-mini",
			MaxTokens:        providerTokensDefault,
			AnthropicVersion: "2023-06-01",
			TimeoutSeconds:   providerTimeoutDefault,
		},
		SchemaMode:    "manual",
		MaxIterations: maxIterationsDefault,
		MaxRows:       maxRowsDefault,
		MaxQueryTime:  maxQueryTimeDefault,
		UserLanguage:  "en",
		Conversation: ConversationConfig{
			Enabled:     true,
			Connection:  "sqlite",
			Table:       conversationTableDefault,
			MaxMessages: conversationMessagesDefault,
			TTLDays:     conversationTTLDefault,
		},
		Recipes: RecipeConfig{
			Connection:    "sqlite",
			Table:         recipeTableDefault,
			RetentionDays: recipeRetentionDefault,
		},
		Monitor: MonitorConfig{
			Connection:    "sqlite",
			Table:         monitorTableDefault,
			RetentionDays: monitorRetentionDefault,
		},
	}
}

func normalizeConfig(cfg *Config) {
	cfg.SchemaMode = strings.ToLower(strings.TrimSpace(cfg.SchemaMode))
	if cfg.SchemaMode == "" {
		cfg.SchemaMode = "manual"
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = maxIterationsDefault
	}
	if cfg.UserLanguage == "" {
		cfg.UserLanguage = "en"
	}
	normalizeProvider(&cfg.Provider)
	for i := range cfg.Fallback {
		normalizeProvider(&cfg.Fallback[i])
	}
	if cfg.DefaultConnection == "" && len(cfg.Connections) == 1 {
		for name := range cfg.Connections {
			cfg.DefaultConnection = name
		}
	}
	if cfg.Conversation.Table == "" {
		cfg.Conversation.Table = conversationTableDefault
	}
	if cfg.Conversation.MaxMessages <= 0 {
		cfg.Conversation.MaxMessages = conversationMessagesDefault
	}
	if cfg.Recipes.Table == "" {
		cfg.Recipes.Table = recipeTableDefault
	}
	if cfg.Recipes.RetentionDays <= 0 {
		cfg.Recipes.RetentionDays = recipeRetentionDefault
	}
	if cfg.Monitor.Table == "" {
		cfg.Monitor.Table = monitorTableDefault
	}
	if cfg.Monitor.RetentionDays <= 0 {
		cfg.Monitor.RetentionDays = monitorRetentionDefault
	}
}

func normalizeProvider(p *ProviderConfig) {
	p.Name = strings.ToLower(strings.TrimSpace(p.Name))
	if p.MaxTokens <= 0 {
		p.MaxTokens = providerTokensDefault
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = providerTimeoutDefault
	}
	if p.AnthropicVersion == "" {
		p.AnthropicVersion = "2023-06-01"
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.SchemaMode {
	case "manual", "auto", "merged":
	default:
		return errors.Errorf("unknown schema_mode %q (want manual, auto, or merged)", cfg.SchemaMode)
	}
	switch cfg.Provider.Name {
	case "openai", "anthropic":
	default:
		return errors.Errorf("unknown provider %q (want openai or anthropic)", cfg.Provider.Name)
	}
	for _, p := range cfg.Fallback {
		if p.Name != "openai" && p.Name != "anthropic" {
			return errors.Errorf("unknown fallback provider %q", p.Name)
		}
	}
	if cfg.DefaultConnection != "" {
		if _, ok := cfg.Connections[cfg.DefaultConnection]; !ok {
			return errors.Errorf("default_connection %q is not declared under connections", cfg.DefaultConnection)
		}
	}
	return nil
}

var envRE = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnv replaces ${VAR} references with environment values so that
// secrets stay out of the config file.
func expandEnv(data []byte) []byte {
	return envRE.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRE.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}
