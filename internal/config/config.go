package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"vpcal-service/internal/telemetry"
	"vpcal-service/internal/tz"
)

// Config is the service configuration. Keys are dotted (database.url) in
// files and VPCAL_DATABASE_URL in the environment; the historical unprefixed
// names (DATABASE_URL, PORT, GOOGLE_CLIENT_ID, ...) are honoured too.
type Config struct {
	Port            string        `mapstructure:"port" yaml:"port"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"`
	DefaultTimeZone string        `mapstructure:"default_time_zone" yaml:"default_time_zone"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	Database struct {
		URL string `mapstructure:"url" yaml:"url"`
	} `mapstructure:"database" yaml:"database"`

	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
		// StaticTokens are "user:token" pairs.
		StaticTokens []string `mapstructure:"static_tokens" yaml:"static_tokens"`
	} `mapstructure:"auth" yaml:"auth"`

	Google struct {
		ClientID     string `mapstructure:"client_id" yaml:"client_id"`
		ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
		RedirectURL  string `mapstructure:"redirect_url" yaml:"redirect_url"`
	} `mapstructure:"google" yaml:"google"`

	Microsoft struct {
		Tenant       string `mapstructure:"tenant" yaml:"tenant"`
		ClientID     string `mapstructure:"client_id" yaml:"client_id"`
		ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
		RedirectURL  string `mapstructure:"redirect_url" yaml:"redirect_url"`
	} `mapstructure:"microsoft" yaml:"microsoft"`

	Redis struct {
		Addr     string        `mapstructure:"addr" yaml:"addr"`
		Password string        `mapstructure:"password" yaml:"password"`
		DB       int           `mapstructure:"db" yaml:"db"`
		RuleTTL  time.Duration `mapstructure:"rule_ttl" yaml:"rule_ttl"`
	} `mapstructure:"redis" yaml:"redis"`

	Kafka struct {
		Brokers string `mapstructure:"brokers" yaml:"brokers"`
	} `mapstructure:"kafka" yaml:"kafka"`

	Calendar struct {
		FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	} `mapstructure:"calendar" yaml:"calendar"`

	Slots struct {
		MaxDays int `mapstructure:"max_days" yaml:"max_days"`
	} `mapstructure:"slots" yaml:"slots"`

	Booking struct {
		AdmissionTimeout time.Duration `mapstructure:"admission_timeout" yaml:"admission_timeout"`
	} `mapstructure:"booking" yaml:"booking"`

	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`
}

// legacyEnv maps keys to the unprefixed variable names used by earlier
// deployments.
var legacyEnv = map[string]string{
	"port":                    "PORT",
	"database.url":            "DATABASE_URL",
	"auth.jwt_secret":         "JWT_HMAC_SECRET",
	"auth.static_tokens":      "STATIC_TOKENS",
	"google.client_id":        "GOOGLE_CLIENT_ID",
	"google.client_secret":    "GOOGLE_CLIENT_SECRET",
	"google.redirect_url":     "GOOGLE_REDIRECT_URL",
	"microsoft.tenant":        "MICROSOFT_TENANT",
	"microsoft.client_id":     "MICROSOFT_CLIENT_ID",
	"microsoft.client_secret": "MICROSOFT_CLIENT_SECRET",
	"microsoft.redirect_url":  "MICROSOFT_REDIRECT_URL",
	"redis.addr":              "REDIS_ADDR",
	"kafka.brokers":           "KAFKA_BROKERS",
	"telemetry.enabled":       "OTEL_ENABLED",
	"telemetry.endpoint":      "OTEL_EXPORTER_OTLP_ENDPOINT",
	"telemetry.sample_ratio":  "OTEL_SAMPLING_RATIO",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("default_time_zone", "UTC")
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("database.url", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.static_tokens", []string{})
	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.redirect_url", "")
	v.SetDefault("microsoft.tenant", "common")
	v.SetDefault("microsoft.client_id", "")
	v.SetDefault("microsoft.client_secret", "")
	v.SetDefault("microsoft.redirect_url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.rule_ttl", 10*time.Minute)
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("calendar.fetch_timeout", 5*time.Second)
	v.SetDefault("slots.max_days", 62)
	v.SetDefault("booking.admission_timeout", 15*time.Second)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "vpcal-service")
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Load reads the optional config file at path, then the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VPCAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "VPCAL_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid key at once.
func (c *Config) Validate() error {
	var errs []error
	if n, err := strconv.Atoi(c.Port); err != nil || n <= 0 || n > 65535 {
		errs = append(errs, fmt.Errorf("port: %q is not a valid port", c.Port))
	}
	if _, err := tz.Load(c.DefaultTimeZone); err != nil {
		errs = append(errs, fmt.Errorf("default_time_zone: %w", err))
	}
	if c.Calendar.FetchTimeout <= 0 {
		errs = append(errs, errors.New("calendar.fetch_timeout: must be positive"))
	}
	if c.Booking.AdmissionTimeout <= 0 {
		errs = append(errs, errors.New("booking.admission_timeout: must be positive"))
	}
	if c.Slots.MaxDays <= 0 {
		errs = append(errs, errors.New("slots.max_days: must be positive"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio: must be within [0, 1]"))
	}
	for _, t := range c.Auth.StaticTokens {
		if user, token, ok := strings.Cut(strings.TrimSpace(t), ":"); !ok || user == "" || token == "" {
			errs = append(errs, fmt.Errorf("auth.static_tokens: %q is not user:token", t))
		}
	}
	return errors.Join(errs...)
}
