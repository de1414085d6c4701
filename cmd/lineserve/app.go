package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/mnehpets/lineserve/auth"
	"github.com/mnehpets/lineserve/config"
	"github.com/mnehpets/lineserve/instrumentation"
	"github.com/mnehpets/lineserve/logging"
	"github.com/mnehpets/lineserve/middleware"
	"github.com/mnehpets/lineserve/web"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// sessionKeyID names the current session cookie key.
const sessionKeyID = "v1"

// limiterIdle is how long an idle client's rate limit bucket is kept.
const limiterIdle = 30 * time.Minute

func appOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newInstrumentation,
			newProvider,
			newController,
			newSessions,
			newLimiter,
			newRouter,
			newHTTPServer,
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.StopTimeout(cfg.Server.ShutdownTimeout),
		fx.Invoke(func(*http.Server) {}),
	)
}

func newApp(cfg *config.Config) *fx.App {
	return fx.New(appOptions(cfg))
}

func newLogger(lc fx.Lifecycle, cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() {
		_ = logger.Sync()
	}))
	return logger, nil
}

func newInstrumentation(lc fx.Lifecycle, cfg *config.Config) (*instrumentation.Instrumentation, error) {
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Enabled:        cfg.Telemetry.Enabled,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		MetricInterval: cfg.Telemetry.MetricInterval,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(inst.Shutdown))
	return inst, nil
}

func newProvider(cfg *config.Config, inst *instrumentation.Instrumentation) *auth.LineProvider {
	opts := []auth.ProviderOption{
		auth.WithTimeout(cfg.Line.ProviderTimeout),
		auth.WithProviderInstrumentation(inst),
	}
	if cfg.Line.OIDC {
		opts = append(opts, auth.WithIDTokenVerifier(auth.NewLineVerifier(context.Background(), cfg.Line.ChannelID)))
	}
	return auth.NewLineProvider(cfg.Line.ChannelID, cfg.Line.ChannelSecret, cfg.Line.CallbackURL, opts...)
}

func newController(cfg *config.Config, p *auth.LineProvider, inst *instrumentation.Instrumentation) (*auth.Controller, error) {
	return auth.NewController(p,
		auth.WithPendingLoginTTL(cfg.Line.PendingLoginTTL),
		auth.WithLoginMaxAge(cfg.Session.LoginMaxAge),
		auth.WithInstrumentation(inst),
	)
}

func newSessions(cfg *config.Config) (*middleware.SessionProcessor, error) {
	key, err := middleware.DeriveKey(cfg.Session.Secret, "session")
	if err != nil {
		return nil, err
	}
	return middleware.NewSessionProcessor(sessionKeyID, map[string][]byte{sessionKeyID: key},
		middleware.WithCookieName(cfg.Session.CookieName),
		middleware.WithMaxAge(cfg.Session.MaxAge),
		middleware.WithCookieOptions(middleware.WithSecure(cfg.Session.SecureCookie)),
	)
}

// newLimiter returns nil when rate limiting is disabled. Idle buckets are
// dropped periodically while the app runs.
func newLimiter(lc fx.Lifecycle, cfg *config.Config) *middleware.RateLimiter {
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return nil
	}
	rl := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, 0)
	stop := make(chan struct{})
	lc.Append(fx.StartStopHook(
		func() {
			go func() {
				ticker := time.NewTicker(limiterIdle / 6)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						rl.Cleanup(limiterIdle)
					case <-stop:
						return
					}
				}
			}()
		},
		func() { close(stop) },
	))
	return rl
}

type routerParams struct {
	fx.In

	Config     *config.Config
	Controller *auth.Controller
	Sessions   *middleware.SessionProcessor
	Limiter    *middleware.RateLimiter
	Inst       *instrumentation.Instrumentation
	Logger     *zap.Logger
}

func newRouter(p routerParams) (http.Handler, error) {
	return web.NewRouter(web.Options{
		Controller:     p.Controller,
		Sessions:       p.Sessions,
		Limiter:        p.Limiter,
		Inst:           p.Inst,
		Logger:         p.Logger,
		RequestTimeout: p.Config.Server.RequestTimeout,
		HSTS:           p.Config.Session.SecureCookie,
		ClientIP: middleware.ClientIPResolver{
			TrustProxy:        p.Config.Server.TrustProxy,
			TrustedProxyCount: p.Config.Server.TrustedProxyCount,
		},
	})
}

func newHTTPServer(lc fx.Lifecycle, cfg *config.Config, handler http.Handler, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			logger.Info("server listening",
				zap.String("addr", ln.Addr().String()),
				zap.String("version", version),
				zap.Bool("oidc", cfg.Line.OIDC),
			)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return srv.Shutdown(ctx)
		},
	})
	return srv
}
