package auth

import (
	"context"
	"errors"

	"github.com/mnehpets/lineserve/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Event is a structured log record emitted by the login flow. The set of
// events is closed: every implementation lives in this file and has a
// fixed field set. None of them carries a token, code, state or secret.
type Event interface {
	Name() string
	Level() zapcore.Level
	Fields() []zap.Field
	event()
}

// LoginStarted is emitted when a pending login is stored.
type LoginStarted struct {
	OIDC bool
}

func (LoginStarted) Name() string         { return "login_started" }
func (LoginStarted) Level() zapcore.Level { return zapcore.InfoLevel }
func (e LoginStarted) Fields() []zap.Field {
	return []zap.Field{zap.Bool("oidc", e.OIDC)}
}
func (LoginStarted) event() {}

// LoginSucceeded is emitted when an identity is bound to the session.
type LoginSucceeded struct {
	UserID      string
	DisplayName string
}

func (LoginSucceeded) Name() string         { return "login_succeeded" }
func (LoginSucceeded) Level() zapcore.Level { return zapcore.InfoLevel }
func (e LoginSucceeded) Fields() []zap.Field {
	return []zap.Field{
		zap.String("user_id", e.UserID),
		zap.String("display_name", e.DisplayName),
	}
}
func (LoginSucceeded) event() {}

// LoginFailed is emitted when a callback ends without an identity.
type LoginFailed struct {
	Kind Kind
	// UpstreamStatus is the provider's HTTP status, when it answered.
	UpstreamStatus int
	// Diagnostic is the provider's response body or the error text.
	Diagnostic string
}

func (LoginFailed) Name() string { return "login_error" }
func (e LoginFailed) Level() zapcore.Level {
	if e.Kind == KindTransientProvider || e.Kind == KindInternal {
		return zapcore.ErrorLevel
	}
	return zapcore.WarnLevel
}
func (e LoginFailed) Fields() []zap.Field {
	fields := []zap.Field{zap.String("error_kind", e.Kind.String())}
	if e.UpstreamStatus != 0 {
		fields = append(fields, zap.Int("upstream_status", e.UpstreamStatus))
	}
	if e.Diagnostic != "" {
		fields = append(fields, zap.String("diagnostic", e.Diagnostic))
	}
	return fields
}
func (LoginFailed) event() {}

// LoggedOut is emitted on every logout. UserID and DisplayName are
// "Unknown" when the session held no identity.
type LoggedOut struct {
	UserID      string
	DisplayName string
}

func (LoggedOut) Name() string         { return "logout" }
func (LoggedOut) Level() zapcore.Level { return zapcore.InfoLevel }
func (e LoggedOut) Fields() []zap.Field {
	return []zap.Field{
		zap.String("user_id", e.UserID),
		zap.String("display_name", e.DisplayName),
	}
}
func (LoggedOut) event() {}

// UnauthorizedAccess is emitted when a protected route is requested
// without an identity.
type UnauthorizedAccess struct {
	Path string
}

func (UnauthorizedAccess) Name() string         { return "unauthorized_access" }
func (UnauthorizedAccess) Level() zapcore.Level { return zapcore.WarnLevel }
func (e UnauthorizedAccess) Fields() []zap.Field {
	return []zap.Field{zap.String("path", e.Path)}
}
func (UnauthorizedAccess) event() {}

// Emit writes e to the request-scoped logger in ctx, which already carries
// the correlation id. It never panics.
func Emit(ctx context.Context, e Event) {
	logging.SafeLog(func() {
		logger := logging.FromContext(ctx)
		if ce := logger.Check(e.Level(), e.Name()); ce != nil {
			ce.Write(append(e.Fields(), zap.String("event", e.Name()))...)
		}
	})
}

// failureEvent builds the LoginFailed event for err.
func failureEvent(err error) LoginFailed {
	ev := LoginFailed{Kind: KindOf(err)}
	var rej *ProviderRejection
	if errors.As(err, &rej) {
		ev.UpstreamStatus = rej.Status
		ev.Diagnostic = rej.Body
	} else if err != nil {
		ev.Diagnostic = err.Error()
	}
	return ev
}
