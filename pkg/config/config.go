// Package config binds the viper configuration surface: defaults, the
// optional config.yaml, and BALAKUN_-prefixed environment variables.
// Subsystems keep their own zero-value fallbacks; defaults here exist
// so every key is visible to viper and overridable from the
// environment.
package config

import (
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/go-viper/mapstructure/v2"
	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ThrottleConfig carries the base hourly quotas before reputation
// scaling.
type ThrottleConfig struct {
	PerUserPerHour int `mapstructure:"per_user_per_hour"`
	PerChatPerHour int `mapstructure:"per_chat_per_hour"`
}

// TracingConfig mirrors the tracing.* keys.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	SamplerType  string  `mapstructure:"sampler"`
	SamplerRatio float64 `mapstructure:"ratio"`
}

// LocalModelConfig points at an optional OpenAI-compatible endpoint
// used for on-box fact extraction.
type LocalModelConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Name     string `mapstructure:"name"`
}

// Config is the full runtime configuration.
type Config struct {
	DBPath        string `mapstructure:"db_path"`
	TelegramToken string `mapstructure:"telegram_token"`
	GeminiAPIKey  string `mapstructure:"gemini_api_key"`

	Model      string `mapstructure:"model"`
	EmbedModel string `mapstructure:"embed_model"`

	AdminUserIDs  []int64 `mapstructure:"admin_user_ids"`
	MaxTurns      int     `mapstructure:"max_turns"`
	RetentionDays int     `mapstructure:"retention_days"`
	RecallLimit   int     `mapstructure:"recall_limit"`

	Throttle ThrottleConfig `mapstructure:"throttle"`

	EmbedConcurrency      int64         `mapstructure:"embed_concurrency"`
	GenerateTimeout       time.Duration `mapstructure:"generate_timeout"`
	EnableSearchGrounding bool          `mapstructure:"enable_search_grounding"`

	PersonaPath   string `mapstructure:"persona_path"`
	PromptPath    string `mapstructure:"prompt_path"`
	TemplatesPath string `mapstructure:"templates_path"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	MetricsAddr string        `mapstructure:"metrics_addr"`
	Tracing     TracingConfig `mapstructure:"tracing"`

	LocalModel LocalModelConfig `mapstructure:"local_model"`

	ExtractWorkers    int     `mapstructure:"extract_workers"`
	ExtractQueue      int     `mapstructure:"extract_queue"`
	MinFactConfidence float64 `mapstructure:"min_fact_confidence"`

	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
}

// Init wires viper: environment variables, config file discovery, and
// per-key defaults. Call once at process start, before Load.
func Init() {
	viper.SetEnvPrefix("BALAKUN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.balakun")
	viper.AddConfigPath(".")
	// missing config file is fine; env and defaults still apply
	_ = viper.ReadInConfig()

	setDefaults()
}

func setDefaults() {
	viper.SetDefault("db_path", "")
	viper.SetDefault("telegram_token", "")
	viper.SetDefault("gemini_api_key", "")

	viper.SetDefault("model", "")
	viper.SetDefault("embed_model", "")

	viper.SetDefault("admin_user_ids", []int64{})
	viper.SetDefault("max_turns", 50)
	viper.SetDefault("retention_days", 90)
	viper.SetDefault("recall_limit", 5)

	viper.SetDefault("throttle.per_user_per_hour", 3)
	viper.SetDefault("throttle.per_chat_per_hour", 60)

	viper.SetDefault("embed_concurrency", 4)
	viper.SetDefault("generate_timeout", 30*time.Second)
	viper.SetDefault("enable_search_grounding", false)

	viper.SetDefault("persona_path", "persona/persona.yaml")
	viper.SetDefault("prompt_path", "persona/system_prompt.txt")
	viper.SetDefault("templates_path", "persona/templates.yaml")

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "json")

	viper.SetDefault("metrics_addr", "")
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.sampler", "ratio")
	viper.SetDefault("tracing.ratio", 0.1)

	viper.SetDefault("local_model.endpoint", "")
	viper.SetDefault("local_model.name", "")

	viper.SetDefault("extract_workers", 2)
	viper.SetDefault("extract_queue", 64)
	viper.SetDefault("min_fact_confidence", 0.7)

	viper.SetDefault("monitor_interval", 30*time.Second)
}

// Load unmarshals the current viper state.
func Load() (Config, error) {
	var cfg Config

	hooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	err := viper.Unmarshal(&cfg, viper.DecodeHook(hooks), func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	})
	if err != nil {
		return cfg, pkgerrors.Wrap(err, "failed to unmarshal configuration")
	}
	return cfg, nil
}

// Validate checks the keys serve cannot run without.
func (c Config) Validate() error {
	var errs *multierror.Error
	if c.TelegramToken == "" {
		errs = multierror.Append(errs, pkgerrors.New("telegram_token is required (BALAKUN_TELEGRAM_TOKEN)"))
	}
	if c.GeminiAPIKey == "" {
		errs = multierror.Append(errs, pkgerrors.New("gemini_api_key is required (BALAKUN_GEMINI_API_KEY)"))
	}
	return errs.ErrorOrNil()
}
