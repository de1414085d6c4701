package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedCorrelator(t *testing.T) (*Correlator, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	c := NewCorrelator(zap.New(core))
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0
	c.Now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls-1) * 25 * time.Millisecond)
	}
	return c, logs
}

func TestCorrelator_AssignsID(t *testing.T) {
	c, logs := newObservedCorrelator(t)

	var seen string
	h := c.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
		FromContext(r.Context()).Info("inner")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("hello"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/success", nil))

	id := rec.Header().Get(RequestIDHeader)
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, id, seen)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "inner", entries[0].Message)
	assert.Equal(t, id, entries[0].ContextMap()["correlation_id"])

	done := entries[1]
	assert.Equal(t, "request_completed", done.Message)
	fields := done.ContextMap()
	assert.Equal(t, id, fields["correlation_id"])
	assert.Equal(t, "GET", fields["method"])
	assert.Equal(t, "/success", fields["url"])
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
	assert.EqualValues(t, 5, fields["bytes"])
	assert.Equal(t, 25*time.Millisecond, fields["duration"])
}

func TestCorrelator_DefaultStatus(t *testing.T) {
	c, logs := newObservedCorrelator(t)
	h := c.Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, 1, logs.Len())
	assert.EqualValues(t, http.StatusOK, logs.All()[0].ContextMap()["status"])
}

func TestCorrelator_InboundRequestID(t *testing.T) {
	c, _ := newObservedCorrelator(t)
	h := c.Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	inbound := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, inbound)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, inbound, rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "not a uuid\nforged=1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	got := rec.Header().Get(RequestIDHeader)
	assert.NotEqual(t, "not a uuid\nforged=1", got)
	_, err := uuid.Parse(got)
	assert.NoError(t, err)
}

func TestCorrelator_DistinctIDs(t *testing.T) {
	c, _ := newObservedCorrelator(t)
	h := c.Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	ids := make(map[string]bool)
	for range 10 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		ids[rec.Header().Get(RequestIDHeader)] = true
	}
	assert.Len(t, ids, 10)
}

func TestCorrelator_RedactsSecrets(t *testing.T) {
	c, logs := newObservedCorrelator(t)
	h := c.Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/callback?code=secret-code&state=secret-state&lang=en", nil))

	url := logs.All()[0].ContextMap()["url"].(string)
	assert.NotContains(t, url, "secret-code")
	assert.NotContains(t, url, "secret-state")
	assert.Equal(t, "/callback?code=REDACTED&lang=en&state=REDACTED", url)
}

func TestSafeLog(t *testing.T) {
	assert.NotPanics(t, func() {
		SafeLog(func() { panic("encoder exploded") })
	})
	ran := false
	SafeLog(func() { ran = true })
	assert.True(t, ran)
}

func TestCorrelationID_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, CorrelationID(req.Context()))
	assert.NotNil(t, FromContext(req.Context()))
}
