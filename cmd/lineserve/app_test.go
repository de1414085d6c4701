package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mnehpets/lineserve/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:            "127.0.0.1:0",
			RequestTimeout:  5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Line: config.LineConfig{
			ChannelID:       "channel-1",
			ChannelSecret:   "secret",
			CallbackURL:     "http://localhost:8080/callback",
			ProviderTimeout: time.Second,
			PendingLoginTTL: 10 * time.Minute,
		},
		Session: config.SessionConfig{
			Secret:     "0123456789abcdef0123",
			CookieName: "LINESESSION",
			MaxAge:     time.Hour,
		},
		Logging:   config.LoggingConfig{Level: "error", Format: "json"},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 5, Burst: 10},
		Telemetry: config.TelemetryConfig{ServiceName: "lineserve"},
	}
}

func TestApp_StartsAndServes(t *testing.T) {
	var handler http.Handler
	app := fxtest.New(t, appOptions(testConfig()), fx.Populate(&handler))
	app.RequireStart()
	defer app.RequireStop()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "access.line.me")

	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "LINESESSION" {
			session = c
		}
	}
	require.NotNil(t, session)
	assert.False(t, session.Secure)
}

func TestApp_FailsWithoutChannelID(t *testing.T) {
	cfg := testConfig()
	cfg.Line.ChannelID = ""
	app := fx.New(appOptions(cfg))
	require.Error(t, app.Err())
	assert.Contains(t, app.Err().Error(), "channel id")
}

func TestRootCmd_Version(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, version, strings.TrimSpace(out.String()))
}

func TestRootCmd_CheckConfig(t *testing.T) {
	t.Setenv("LINE_CHANNEL_ID", "channel-1")
	t.Setenv("LINE_CHANNEL_SECRET", "secret")
	t.Setenv("SESSION_SECRET", "0123456789abcdef0123")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check-config", "--env-file", ""})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "configuration ok")
}

func TestRootCmd_CheckConfigMissingChannel(t *testing.T) {
	t.Setenv("LINE_CHANNEL_ID", "")
	t.Setenv("LINE_CHANNEL_SECRET", "secret")
	t.Setenv("SESSION_SECRET", "0123456789abcdef0123")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"check-config", "--env-file", ""})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LINE_CHANNEL_ID")
}

func TestNewInstrumentation_UsesTelemetryConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "bogus"
	_, err := newInstrumentation(fxtest.NewLifecycle(t), cfg)
	assert.ErrorContains(t, err, "bogus")

	cfg.Telemetry.MetricExporter = "none"
	lc := fxtest.NewLifecycle(t)
	inst, err := newInstrumentation(lc, cfg)
	require.NoError(t, err)
	assert.NotNil(t, inst.Metrics())
	lc.RequireStart().RequireStop()
}
