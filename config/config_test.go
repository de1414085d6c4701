package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setRequired sets the variables without defaults.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("LINE_CHANNEL_ID", "1234567890")
	t.Setenv("LINE_CHANNEL_SECRET", "channel-secret")
	t.Setenv("SESSION_SECRET", "0123456789abcdef")
}

// noEnvFile returns flags pointing at a dotenv file that does not exist.
func noEnvFile(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	args = append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...)
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, 60*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "http://localhost:8080/callback", cfg.Line.CallbackURL)
	assert.Equal(t, 15*time.Second, cfg.Line.ProviderTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Line.PendingLoginTTL)
	assert.False(t, cfg.Line.OIDC)
	assert.Equal(t, "LINESESSION", cfg.Session.CookieName)
	assert.Equal(t, 24*time.Hour, cfg.Session.MaxAge)
	assert.Zero(t, cfg.Session.LoginMaxAge)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 5.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, "lineserve", cfg.Telemetry.ServiceName)
}

func TestLoad_MissingChannelIDFailsFast(t *testing.T) {
	setRequired(t)
	t.Setenv("LINE_CHANNEL_ID", "")

	_, err := Load(noEnvFile(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LINE_CHANNEL_ID")
}

func TestLoad_ShortSessionSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("SESSION_SECRET", "short")

	_, err := Load(noEnvFile(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_SECRET")
}

func TestLoad_FlaskSecretAlias(t *testing.T) {
	setRequired(t)
	t.Setenv("SESSION_SECRET", "")
	t.Setenv("FLASK_SECRET_KEY", "flask-secret-0123456")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, "flask-secret-0123456", cfg.Session.Secret)
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("LINE_LOGIN_CALLBACK_URL", "https://example.com/callback")
	t.Setenv("SESSION_MAX_AGE", "2h")
	t.Setenv("SESSION_LOGIN_MAX_AGE", "30m")
	t.Setenv("LINE_OIDC", "true")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/callback", cfg.Line.CallbackURL)
	assert.Equal(t, 2*time.Hour, cfg.Session.MaxAge)
	assert.Equal(t, 30*time.Minute, cfg.Session.LoginMaxAge)
	assert.True(t, cfg.Line.OIDC)
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(noEnvFile(t, "--addr", "0.0.0.0:9000", "--log-level", "debug", "--oidc"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Line.OIDC)
}

func TestLoad_UnchangedFlagsKeepEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("SERVER_ADDR", "127.0.0.1:9999")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
}

func TestLoad_DotEnvFile(t *testing.T) {
	t.Setenv("LINE_CHANNEL_SECRET", "channel-secret")
	t.Setenv("SESSION_SECRET", "0123456789abcdef")
	// godotenv does not override variables that are already set, so the
	// channel id must be absent from the environment.
	t.Setenv("LINE_CHANNEL_ID", "")
	os.Unsetenv("LINE_CHANNEL_ID")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LINE_CHANNEL_ID=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("LINE_CHANNEL_ID") })

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{"--env-file", path}))

	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Line.ChannelID)
}

func TestLoad_ConfigFile(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "lineserve.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ratelimit:\n  rps: 2\n  burst: 3\nlog:\n  format: console\n"), 0o600))

	cfg, err := Load(noEnvFile(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 3, cfg.RateLimit.Burst)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	setRequired(t)
	t.Setenv("LOG_LEVEL", "loud")
	_, err := Load(noEnvFile(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestLoad_TrustProxy(t *testing.T) {
	setRequired(t)
	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)
	assert.False(t, cfg.Server.TrustProxy)
	assert.Equal(t, 1, cfg.Server.TrustedProxyCount)

	t.Setenv("SERVER_TRUST_PROXY", "true")
	t.Setenv("SERVER_TRUSTED_PROXY_COUNT", "2")
	cfg, err = Load(noEnvFile(t))
	require.NoError(t, err)
	assert.True(t, cfg.Server.TrustProxy)
	assert.Equal(t, 2, cfg.Server.TrustedProxyCount)

	t.Setenv("SERVER_TRUSTED_PROXY_COUNT", "0")
	_, err = Load(noEnvFile(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER_TRUSTED_PROXY_COUNT")
}

func TestLoad_Telemetry(t *testing.T) {
	setRequired(t)
	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, "otlp", cfg.Telemetry.TraceExporter)
	assert.Equal(t, "otlp", cfg.Telemetry.MetricExporter)
	assert.Equal(t, 60*time.Second, cfg.Telemetry.MetricInterval)

	t.Setenv("TELEMETRY_TRACE_EXPORTER", "stdout")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "http://collector:4318")
	cfg, err = Load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, "stdout", cfg.Telemetry.TraceExporter)
	assert.Equal(t, "http://collector:4318", cfg.Telemetry.OTLPEndpoint)

	t.Setenv("TELEMETRY_METRIC_EXPORTER", "prometheus")
	_, err = Load(noEnvFile(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TELEMETRY_METRIC_EXPORTER")
}
