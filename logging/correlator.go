package logging

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader carries the correlation id on requests and responses.
const RequestIDHeader = "X-Request-ID"

// RequestContext identifies one inbound request in log events.
type RequestContext struct {
	CorrelationID uuid.UUID
	StartTime     time.Time
}

type requestContextKey struct{}

// WithRequestContext returns a copy of ctx carrying rc.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the RequestContext stored in ctx.
func RequestContextFrom(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(RequestContext)
	return rc, ok
}

// CorrelationID returns the correlation id stored in ctx, or "".
func CorrelationID(ctx context.Context) string {
	rc, ok := RequestContextFrom(ctx)
	if !ok {
		return ""
	}
	return rc.CorrelationID.String()
}

// Correlator assigns each request a correlation id and start time, stores a
// child logger tagged with the id in the request context, and logs one
// request_completed event after the handler returns.
//
// A well-formed UUID in an inbound X-Request-ID header is reused so that ids
// stay stable across proxies; anything else is replaced.
type Correlator struct {
	Logger *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewCorrelator returns a Correlator logging to logger.
func NewCorrelator(logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{Logger: logger, Now: time.Now}
}

// Handler wraps next. It has the chi middleware signature.
func (c *Correlator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now
		if c.Now != nil {
			now = c.Now
		}
		rc := RequestContext{
			CorrelationID: requestID(r),
			StartTime:     now(),
		}
		logger := c.Logger.With(zap.String("correlation_id", rc.CorrelationID.String()))

		ctx := WithRequestContext(r.Context(), rc)
		ctx = WithLogger(ctx, logger)

		w.Header().Set(RequestIDHeader, rc.CorrelationID.String())
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			SafeLog(func() {
				logger.Info("request_completed",
					zap.String("method", r.Method),
					zap.String("url", redactedURL(r.URL)),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", now().Sub(rc.StartTime)),
				)
			})
		}()

		next.ServeHTTP(ww, r.WithContext(ctx))
	})
}

func requestID(r *http.Request) uuid.UUID {
	if v := r.Header.Get(RequestIDHeader); v != "" && len(v) <= 64 {
		if id, err := uuid.Parse(v); err == nil {
			return id
		}
	}
	return uuid.New()
}

// redactedParams are query parameters whose values never reach the logs.
var redactedParams = []string{"code", "state", "access_token", "id_token"}

func redactedURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.RawQuery == "" {
		return u.Path
	}
	q := u.Query()
	for _, name := range redactedParams {
		if q.Has(name) {
			q.Set(name, "REDACTED")
		}
	}
	return u.Path + "?" + q.Encode()
}

// SafeLog runs fn and swallows any panic it raises. Logging failures must
// not abort a request.
func SafeLog(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
