package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults shared across binaries. Narration pacing values sit inside the
// rate controller's contract: interval under a second, budget under twenty.
const (
	DefaultNarrationMinInterval     = 800 * time.Millisecond
	DefaultNarrationBudget          = 15
	DefaultNarrationSimilarity      = 0.6
	DefaultNarrationDeliveryTimeout = 3 * time.Second
	DefaultFinalDeliveryTimeout     = 10 * time.Second
	DefaultInvokeTimeout            = 14 * time.Minute
	DefaultAlmostReadyAfter         = 30 * time.Second
	DefaultTokenCacheTTL            = 15 * time.Minute
	DefaultMetricsPort              = 9464
	DefaultAdminPort                = 8080
	DefaultExportPrefix             = "conversations"
)

// SlackConfig holds chat-surface credentials. When SecretARN is set the
// tokens are fetched from Secrets Manager and the inline values are ignored.
type SlackConfig struct {
	BotToken    string `mapstructure:"bot_token"`
	AppToken    string `mapstructure:"app_token"`
	SecretARN   string `mapstructure:"secret_arn"`
	AllowDirect bool   `mapstructure:"allow_direct"`
	AllowGroups bool   `mapstructure:"allow_groups"`
}

// AgentConfig identifies the Bedrock agent this gateway fronts.
type AgentConfig struct {
	ID            string        `mapstructure:"id"`
	AliasID       string        `mapstructure:"alias_id"`
	Region        string        `mapstructure:"region"`
	InvokeTimeout time.Duration `mapstructure:"invoke_timeout"`
}

// NarrationConfig tunes the rate controller and delivery behavior.
type NarrationConfig struct {
	MinInterval         time.Duration `mapstructure:"min_interval"`
	UpdateBudget        int           `mapstructure:"update_budget"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	DeliveryTimeout     time.Duration `mapstructure:"delivery_timeout"`
	AlmostReadyAfter    time.Duration `mapstructure:"almost_ready_after"`
}

// ExportConfig selects the persistence sink.
type ExportConfig struct {
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	LocalDir string `mapstructure:"local_dir"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Exporter       string  `mapstructure:"exporter"` // otlp, zipkin
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ZipkinEndpoint string  `mapstructure:"zipkin_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate"`
	ServiceVersion string  `mapstructure:"service_version"`
}

// Config is the root runtime configuration.
type Config struct {
	Slack         SlackConfig     `mapstructure:"slack"`
	Agent         AgentConfig     `mapstructure:"agent"`
	Narration     NarrationConfig `mapstructure:"narration"`
	Export        ExportConfig    `mapstructure:"export"`
	Metrics       MetricsConfig   `mapstructure:"metrics"`
	Tracing       TracingConfig   `mapstructure:"tracing"`
	AdminPort     int             `mapstructure:"admin_port"`
	TokenCacheTTL time.Duration   `mapstructure:"token_cache_ttl"`
}

// Load reads sonar.yaml (if present) plus SONAR_* environment overrides and
// returns the merged configuration. Defaults are applied first so a missing
// file yields a usable development config.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sonar")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sonar")
	}

	v.SetEnvPrefix("SONAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env + defaults carry a dev setup.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("slack.allow_direct", true)
	v.SetDefault("slack.allow_groups", true)
	v.SetDefault("agent.region", "us-east-1")
	v.SetDefault("agent.invoke_timeout", DefaultInvokeTimeout)
	v.SetDefault("narration.min_interval", DefaultNarrationMinInterval)
	v.SetDefault("narration.update_budget", DefaultNarrationBudget)
	v.SetDefault("narration.similarity_threshold", DefaultNarrationSimilarity)
	v.SetDefault("narration.delivery_timeout", DefaultNarrationDeliveryTimeout)
	v.SetDefault("narration.almost_ready_after", DefaultAlmostReadyAfter)
	v.SetDefault("export.prefix", DefaultExportPrefix)
	v.SetDefault("export.local_dir", "data/conversations")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.prometheus_port", DefaultMetricsPort)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "otlp")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("admin_port", DefaultAdminPort)
	v.SetDefault("token_cache_ttl", DefaultTokenCacheTTL)
}

// Validate checks the fields that have no safe default.
func (c Config) Validate() error {
	if c.Slack.SecretARN == "" && (c.Slack.BotToken == "" || c.Slack.AppToken == "") {
		return fmt.Errorf("slack credentials required: set slack.secret_arn or slack.bot_token and slack.app_token")
	}
	if c.Agent.ID == "" || c.Agent.AliasID == "" {
		return fmt.Errorf("agent.id and agent.alias_id are required")
	}
	if c.Export.Bucket == "" && c.Export.LocalDir == "" {
		return fmt.Errorf("export.bucket or export.local_dir is required")
	}
	if c.Narration.UpdateBudget <= 0 {
		return fmt.Errorf("narration.update_budget must be positive")
	}
	return nil
}
