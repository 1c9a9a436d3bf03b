// Package config loads, defaults and validates the replyhub configuration.
// Values come from (lowest to highest precedence) built-in defaults, an
// optional YAML file, an optional .env file and REPLYHUB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. REPLYHUB_HTTP_ADDR overrides http.addr.
const EnvPrefix = "REPLYHUB"

// Config is the root application configuration.
type Config struct {
	Logger    LoggerConfig          `mapstructure:"logger"`
	Database  DatabaseConfig        `mapstructure:"database"`
	HTTP      HTTPConfig            `mapstructure:"http"`
	Session   SessionConfig         `mapstructure:"session"`
	WhatsApp  WhatsAppConfig        `mapstructure:"whatsapp"`
	Telegram  TelegramConfig        `mapstructure:"telegram"`
	Generator GeneratorConfig       `mapstructure:"generator"`
	Plans     map[string]PlanConfig `mapstructure:"plans"     validate:"required,min=1,dive"`
	Quota     QuotaConfig           `mapstructure:"quota"`
	Contacts  ContactsConfig        `mapstructure:"contacts"`
	Media     MediaConfig           `mapstructure:"media"`
	Events    EventsConfig          `mapstructure:"events"`
	Scheduler SchedulerConfig       `mapstructure:"scheduler"`
}

type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"             validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"     validate:"min=1s"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"    validate:"min=1s"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s"`
	// JWTSecret verifies tenant bearer tokens issued by the account service.
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=16"`
}

type SessionConfig struct {
	OpenTimeout     time.Duration `mapstructure:"open_timeout"     validate:"min=1s,max=10m"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"     validate:"min=1s,max=10m"`
	MailboxSize     int           `mapstructure:"mailbox_size"     validate:"min=1,max=10000"`
	DefaultPlatform string        `mapstructure:"default_platform" validate:"oneof=whatsapp telegram"`
}

type WhatsAppConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// StorePath is the SQLite file holding whatsmeow device keys.
	StorePath string `mapstructure:"store_path" validate:"required_if=Enabled true"`
}

type TelegramConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// GeneratorConfig configures the text-generation collaborator used by
// generated-text rules. An empty Backend disables generation.
type GeneratorConfig struct {
	Backend           string        `mapstructure:"backend"            validate:"omitempty,oneof=gemini openai anthropic"`
	APIKey            string        `mapstructure:"api_key"            validate:"required_with=Backend"`
	BaseURL           string        `mapstructure:"base_url"           validate:"omitempty,url"`
	Model             string        `mapstructure:"model"`
	Temperature       float32       `mapstructure:"temperature"        validate:"min=0,max=2"`
	MaxTokens         int           `mapstructure:"max_tokens"         validate:"min=1,max=32000"`
	Instruction       string        `mapstructure:"instruction"`
	Timeout           time.Duration `mapstructure:"timeout"            validate:"min=1s,max=10m"`
	MaxRetries        int           `mapstructure:"max_retries"        validate:"min=0,max=5"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	BreakerMaxFailure int           `mapstructure:"breaker_max_failures" validate:"min=1"`
	BreakerReset      time.Duration `mapstructure:"breaker_reset"      validate:"min=1s"`
}

// PlanConfig describes one plan tier: how many instances a tenant may run and
// the credit allotment applied when the billing collaborator assigns the plan.
type PlanConfig struct {
	InstanceLimit  int `mapstructure:"instance_limit"  validate:"min=0"`
	MessageCredits int `mapstructure:"message_credits" validate:"min=0"`
	MediaCredits   int `mapstructure:"media_credits"   validate:"min=0"`
}

type QuotaConfig struct {
	DefaultPlan string `mapstructure:"default_plan" validate:"required"`
}

type ContactsConfig struct {
	DefaultCountryCode string `mapstructure:"default_country_code" validate:"omitempty,numeric"`
}

type MediaConfig struct {
	Dir          string        `mapstructure:"dir"           validate:"required"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" validate:"min=1s"`
	MaxBytes     int64         `mapstructure:"max_bytes"     validate:"min=1024"`
}

// EventsConfig configures lifecycle/message event publishing. An empty
// AMQPURL keeps events in-process only.
type EventsConfig struct {
	AMQPURL  string `mapstructure:"amqp_url" validate:"omitempty,url"`
	Exchange string `mapstructure:"exchange" validate:"required_with=AMQPURL"`
	Producer string `mapstructure:"producer"`
}

type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks" validate:"dive"`
}

type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule" validate:"omitempty,cron"`
}

// Load reads configuration from path (config.yaml in the working directory
// when empty), applies defaults and environment overrides, and validates the
// result. A missing config file is not an error.
func Load(path string) (*Config, error) {
	startTime := time.Now()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		slog.Info("configuration file not found, using defaults", "path", path)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("configuration loaded successfully",
		"db_path", cfg.Database.Path,
		"http_addr", cfg.HTTP.Addr,
		"generator_backend", cfg.Generator.Backend,
		"duration_ms", time.Since(startTime).Milliseconds())
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	validate := validator.New()
	cron := gronx.New()
	if err := validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		return cron.IsValid(fl.Field().String())
	}); err != nil {
		return fmt.Errorf("failed to register cron validation: %w", err)
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if _, ok := c.Plans[c.Quota.DefaultPlan]; !ok {
		return fmt.Errorf("configuration validation failed: quota.default_plan %q is not a configured plan", c.Quota.DefaultPlan)
	}
	if !c.WhatsApp.Enabled && !c.Telegram.Enabled {
		return errors.New("configuration validation failed: at least one chat platform must be enabled")
	}
	return nil
}

// Plan returns the configuration of the named plan tier.
func (c *Config) Plan(name string) (PlanConfig, bool) {
	p, ok := c.Plans[name]
	return p, ok
}
