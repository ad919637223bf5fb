package config

import (
	"bytes"
	_ "embed"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP       HTTPConfig      `mapstructure:"http"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Platform   PlatformConfig  `mapstructure:"platform"`
	Webhook    WebhookConfig   `mapstructure:"webhook"`
	Quota      QuotaConfig     `mapstructure:"quota"`
	Sweep      SweepConfig     `mapstructure:"sweep"`
	Jobs       JobsConfig      `mapstructure:"jobs"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	LogLevel   string          `mapstructure:"log_level"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

// PlatformConfig covers the upstream commerce platform: OAuth endpoints,
// client credentials and the REST API base.
type PlatformConfig struct {
	AuthorizeURL       string        `mapstructure:"authorize_url"`
	TokenURL           string        `mapstructure:"token_url"`
	APIBaseURL         string        `mapstructure:"api_base_url"`
	ClientID           string        `mapstructure:"client_id"`
	ClientSecret       string        `mapstructure:"client_secret"`
	InstallCallbackURL string        `mapstructure:"install_callback_url"`
	FrontendURL        string        `mapstructure:"frontend_url"`
	ScopeInstall       string        `mapstructure:"scope_install"`
	ResponseType       string        `mapstructure:"response_type"`
	Nonce              string        `mapstructure:"nonce"`
	TimeoutMs          int           `mapstructure:"timeout_ms"`
	CredentialTTL      time.Duration `mapstructure:"credential_ttl"`
}

type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
}

type QuotaConfig struct {
	TrialMax int64 `mapstructure:"trial_max"`
	PaidMax  int64 `mapstructure:"paid_max"`
}

type SweepConfig struct {
	Schedule    string        `mapstructure:"schedule"`     // cron expression, default daily 3AM
	TenantDelay time.Duration `mapstructure:"tenant_delay"` // pause between tenants
	LockTTL     time.Duration `mapstructure:"lock_ttl"`     // single-flight lease
}

type JobsConfig struct {
	Topic          string        `mapstructure:"topic"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	OperationDelay time.Duration `mapstructure:"operation_delay"`
}

type RateLimitConfig struct {
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (LINGOGW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (LINGOGW_*)
	v.SetEnvPrefix("LINGOGW")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
