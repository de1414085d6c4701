// Package web serves the LINE Login pages and the user API.
package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/mnehpets/lineserve/auth"
	"github.com/mnehpets/lineserve/endpoint"
	"github.com/mnehpets/lineserve/instrumentation"
	"github.com/mnehpets/lineserve/logging"
	"github.com/mnehpets/lineserve/middleware"
	"go.uber.org/zap"
)

// Options are the dependencies of the router.
type Options struct {
	Controller *auth.Controller
	Sessions   *middleware.SessionProcessor
	// Limiter rate limits /login and /callback per client address. Nil
	// disables limiting.
	Limiter        *middleware.RateLimiter
	Inst           *instrumentation.Instrumentation
	Logger         *zap.Logger
	RequestTimeout time.Duration
	// HSTS sends Strict-Transport-Security; enable it behind TLS only.
	HSTS bool
	// ClientIP decides which forwarding headers key the rate limiter.
	ClientIP middleware.ClientIPResolver
}

// NewRouter returns the HTTP handler for the service.
func NewRouter(opts Options) (http.Handler, error) {
	if opts.Controller == nil {
		return nil, errors.New("web: nil controller")
	}
	if opts.Sessions == nil {
		return nil, errors.New("web: nil session processor")
	}
	tmpl, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	if opts.Inst == nil {
		opts.Inst = instrumentation.Noop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	h := &handlers{controller: opts.Controller, templates: tmpl}
	pageHeaders := middleware.NewSecurityHeadersProcessor(opts.HSTS)
	apiHeaders := middleware.NewAPISecurityHeadersProcessor(opts.HSTS)
	limited := func(route string) endpoint.Processor {
		return &middleware.RateLimitProcessor{Limiter: opts.Limiter, Route: route, Inst: opts.Inst, ClientIP: opts.ClientIP}
	}

	r := chi.NewRouter()
	r.Use(logging.NewCorrelator(opts.Logger).Handler)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(opts.RequestTimeout))

	r.Get("/", endpoint.HandleFunc(h.index, pageHeaders))
	r.Get("/login", endpoint.HandleFunc(h.login, limited("/login"), pageHeaders, opts.Sessions))
	r.Get("/callback", endpoint.HandleFunc(h.callback, limited("/callback"), pageHeaders, opts.Sessions))
	r.Get("/success", endpoint.HandleFunc(h.success, pageHeaders, opts.Sessions))
	r.Get("/logout", endpoint.HandleFunc(h.logout, pageHeaders, opts.Sessions))
	r.Get("/api/user", endpoint.HandleFunc(h.apiUser, apiHeaders, opts.Sessions))
	r.Get("/healthz", endpoint.HandleFunc(healthz, apiHeaders))
	return r, nil
}
