// Package config loads service configuration from a .env file, the
// environment, an optional YAML file and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Line      LineConfig      `mapstructure:"line"`
	Session   SessionConfig   `mapstructure:"session"`
	Logging   LoggingConfig   `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required,hostname_port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	// TrustProxy honours X-Forwarded-For and X-Real-IP from
	// TrustedProxyCount reverse proxies. Leave it off when clients connect
	// directly.
	TrustProxy        bool `mapstructure:"trust_proxy"`
	TrustedProxyCount int  `mapstructure:"trusted_proxy_count" validate:"gte=1"`
}

// LineConfig holds the LINE Login channel settings.
type LineConfig struct {
	ChannelID     string `mapstructure:"channel_id" validate:"required"`
	ChannelSecret string `mapstructure:"channel_secret" validate:"required"`
	CallbackURL   string `mapstructure:"callback_url" validate:"required,url"`
	// OIDC requests the openid scope and verifies the returned id_token.
	OIDC            bool          `mapstructure:"oidc"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout" validate:"gt=0"`
	PendingLoginTTL time.Duration `mapstructure:"pending_login_ttl" validate:"gte=0"`
}

type SessionConfig struct {
	Secret     string `mapstructure:"secret" validate:"required,min=16"`
	CookieName string `mapstructure:"cookie_name" validate:"required,alphanum"`
	// MaxAge is the lifetime of the session cookie.
	MaxAge time.Duration `mapstructure:"max_age" validate:"gt=0"`
	// LoginMaxAge, when positive, expires an authenticated identity this
	// long after login even if the cookie is still valid.
	LoginMaxAge  time.Duration `mapstructure:"login_max_age" validate:"gte=0"`
	SecureCookie bool          `mapstructure:"secure_cookie"`
}

type LoggingConfig struct {
	Level             string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format            string `mapstructure:"format" validate:"oneof=json console"`
	OutputPath        string `mapstructure:"output_path"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

// RateLimitConfig limits login and callback requests per client IP.
// A zero RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"rps" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" validate:"gte=0"`
}

// TelemetryConfig selects where traces and metrics are exported when
// Enabled is set.
type TelemetryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ServiceName    string        `mapstructure:"service_name" validate:"required"`
	TraceExporter  string        `mapstructure:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string        `mapstructure:"metric_exporter" validate:"oneof=otlp stdout none"`
	OTLPEndpoint   string        `mapstructure:"otlp_endpoint" validate:"omitempty,url"`
	MetricInterval time.Duration `mapstructure:"metric_interval" validate:"gt=0"`
}

// binding ties a configuration key to its default value and the
// environment variables it may be read from, in priority order.
type binding struct {
	key  string
	def  any
	envs []string
}

var bindings = []binding{
	{"server.addr", "127.0.0.1:8080", []string{"SERVER_ADDR"}},
	{"server.request_timeout", 60 * time.Second, []string{"SERVER_REQUEST_TIMEOUT"}},
	{"server.shutdown_timeout", 10 * time.Second, []string{"SERVER_SHUTDOWN_TIMEOUT"}},
	{"server.trust_proxy", false, []string{"SERVER_TRUST_PROXY"}},
	{"server.trusted_proxy_count", 1, []string{"SERVER_TRUSTED_PROXY_COUNT"}},
	{"line.channel_id", "", []string{"LINE_CHANNEL_ID"}},
	{"line.channel_secret", "", []string{"LINE_CHANNEL_SECRET"}},
	{"line.callback_url", "http://localhost:8080/callback", []string{"LINE_LOGIN_CALLBACK_URL", "LINE_CALLBACK_URL"}},
	{"line.oidc", false, []string{"LINE_OIDC"}},
	{"line.provider_timeout", 15 * time.Second, []string{"LINE_PROVIDER_TIMEOUT"}},
	{"line.pending_login_ttl", 10 * time.Minute, []string{"LINE_PENDING_LOGIN_TTL"}},
	{"session.secret", "", []string{"SESSION_SECRET", "FLASK_SECRET_KEY"}},
	{"session.cookie_name", "LINESESSION", []string{"SESSION_COOKIE_NAME"}},
	{"session.max_age", 24 * time.Hour, []string{"SESSION_MAX_AGE"}},
	{"session.login_max_age", time.Duration(0), []string{"SESSION_LOGIN_MAX_AGE"}},
	{"session.secure_cookie", false, []string{"SESSION_SECURE_COOKIE"}},
	{"log.level", "info", []string{"LOG_LEVEL"}},
	{"log.format", "json", []string{"LOG_FORMAT"}},
	{"log.output_path", "", []string{"LOG_OUTPUT_PATH"}},
	{"log.disable_stacktrace", false, []string{"LOG_DISABLE_STACKTRACE"}},
	{"ratelimit.rps", 5.0, []string{"RATELIMIT_RPS"}},
	{"ratelimit.burst", 10, []string{"RATELIMIT_BURST"}},
	{"telemetry.enabled", false, []string{"TELEMETRY_ENABLED"}},
	{"telemetry.service_name", "lineserve", []string{"TELEMETRY_SERVICE_NAME"}},
	{"telemetry.trace_exporter", "otlp", []string{"TELEMETRY_TRACE_EXPORTER"}},
	{"telemetry.metric_exporter", "otlp", []string{"TELEMETRY_METRIC_EXPORTER"}},
	{"telemetry.otlp_endpoint", "", []string{"TELEMETRY_OTLP_ENDPOINT"}},
	{"telemetry.metric_interval", 60 * time.Second, []string{"TELEMETRY_METRIC_INTERVAL"}},
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"addr":       "server.addr",
	"log-level":  "log.level",
	"log-format": "log.format",
	"oidc":       "line.oidc",
}

// RegisterFlags adds the service flags to flags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to a YAML configuration file")
	flags.String("env-file", ".env", "Path to a dotenv file loaded before reading the environment")
	flags.String("addr", "127.0.0.1:8080", "Listen address")
	flags.String("log-level", "info", "Log level (debug|info|warn|error)")
	flags.String("log-format", "json", "Log format (json|console)")
	flags.Bool("oidc", false, "Request the openid scope and verify id_tokens")
}

// Load reads configuration. flags may be nil; when set, only flags the user
// changed override the environment.
func Load(flags *pflag.FlagSet) (*Config, error) {
	envFile := ".env"
	configFile := ""
	if flags != nil {
		if f := flags.Lookup("env-file"); f != nil {
			envFile = f.Value.String()
		}
		if f := flags.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for _, b := range bindings {
		v.SetDefault(b.key, b.def)
		if err := v.BindEnv(append([]string{b.key}, b.envs...)...); err != nil {
			return nil, err
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg and reports every invalid field, naming the
// environment variable that sets it.
func (cfg *Config) Validate() error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s (%s) failed %q", fe.Namespace(), envName(fe.StructNamespace()), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

var structKeys = map[string]string{
	"Config.Server.Addr":                 "server.addr",
	"Config.Server.RequestTimeout":       "server.request_timeout",
	"Config.Server.ShutdownTimeout":      "server.shutdown_timeout",
	"Config.Server.TrustedProxyCount":    "server.trusted_proxy_count",
	"Config.Line.ChannelID":              "line.channel_id",
	"Config.Line.ChannelSecret":          "line.channel_secret",
	"Config.Line.CallbackURL":            "line.callback_url",
	"Config.Line.ProviderTimeout":        "line.provider_timeout",
	"Config.Line.PendingLoginTTL":        "line.pending_login_ttl",
	"Config.Session.Secret":              "session.secret",
	"Config.Session.CookieName":          "session.cookie_name",
	"Config.Session.MaxAge":              "session.max_age",
	"Config.Session.LoginMaxAge":         "session.login_max_age",
	"Config.Logging.Level":               "log.level",
	"Config.Logging.Format":              "log.format",
	"Config.RateLimit.RequestsPerSecond": "ratelimit.rps",
	"Config.RateLimit.Burst":             "ratelimit.burst",
	"Config.Telemetry.ServiceName":       "telemetry.service_name",
	"Config.Telemetry.TraceExporter":     "telemetry.trace_exporter",
	"Config.Telemetry.MetricExporter":    "telemetry.metric_exporter",
	"Config.Telemetry.OTLPEndpoint":      "telemetry.otlp_endpoint",
	"Config.Telemetry.MetricInterval":    "telemetry.metric_interval",
}

func envName(structNamespace string) string {
	key, ok := structKeys[structNamespace]
	if !ok {
		return structNamespace
	}
	for _, b := range bindings {
		if b.key == key {
			return b.envs[0]
		}
	}
	return key
}
