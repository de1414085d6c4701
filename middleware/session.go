package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/mnehpets/lineserve/auth"
	"github.com/mnehpets/lineserve/endpoint"
	"github.com/mnehpets/lineserve/logging"
	"go.uber.org/zap"
)

var ErrNilSession = errors.New("nil session")

// SessionIDBytes is the number of random bytes in a session ID.
const SessionIDBytes = 16

// DefaultSessionPeriod is the default session lifetime.
const DefaultSessionPeriod = 24 * time.Hour

// MaxExtendedPeriod bounds how long a session may live in total, even if
// continually extended.
const MaxExtendedPeriod = 90 * 24 * time.Hour

// DefaultCookieName is the default session cookie name.
const DefaultCookieName = "LINESESSION"

// sessionData is the sealed cookie payload.
type sessionData struct {
	ID      string              `cbor:"1,keyasint"`
	Pending *auth.PendingLogin  `cbor:"2,keyasint,omitempty"`
	Record  *auth.SessionRecord `cbor:"3,keyasint,omitempty"`
	Expires time.Time           `cbor:"4,keyasint"`
	// Period is the total lifetime in seconds, from issue to Expires.
	Period int `cbor:"5,keyasint"`
}

// CookieSession is the per-request handle on a cookie-backed session. It
// implements auth.Session. Changes are written back to the cookie just
// before the response headers are sent.
type CookieSession struct {
	data   *sessionData
	maxAge time.Duration
	now    func() time.Time
	dirty  bool
}

// ID returns the session identifier, or "" when there is no session.
func (s *CookieSession) ID() string {
	if s == nil || s.data == nil {
		return ""
	}
	return s.data.ID
}

// Expires returns the session expiry, or the zero time.
func (s *CookieSession) Expires() time.Time {
	if s == nil || s.data == nil {
		return time.Time{}
	}
	return s.data.Expires
}

func (s *CookieSession) PendingLogin() (auth.PendingLogin, bool) {
	if s == nil || s.data == nil || s.data.Pending == nil {
		return auth.PendingLogin{}, false
	}
	return *s.data.Pending, true
}

func (s *CookieSession) SetPendingLogin(p auth.PendingLogin) error {
	if s == nil {
		return ErrNilSession
	}
	if s.data == nil {
		sd, err := newSessionData(s.now(), s.maxAge)
		if err != nil {
			return err
		}
		s.data = sd
	}
	s.data.Pending = &p
	s.dirty = true
	return nil
}

func (s *CookieSession) ClearPendingLogin() {
	if s == nil || s.data == nil || s.data.Pending == nil {
		return
	}
	s.data.Pending = nil
	s.dirty = true
}

func (s *CookieSession) Record() (auth.SessionRecord, bool) {
	if s == nil || s.data == nil || s.data.Record == nil {
		return auth.SessionRecord{}, false
	}
	return *s.data.Record, true
}

// BindRecord replaces the session with a fresh one carrying rec. The
// session ID changes to prevent fixation.
func (s *CookieSession) BindRecord(rec auth.SessionRecord) error {
	if s == nil {
		return ErrNilSession
	}
	sd, err := newSessionData(s.now(), s.maxAge)
	if err != nil {
		return err
	}
	sd.Record = &rec
	s.data = sd
	s.dirty = true
	return nil
}

func (s *CookieSession) Clear() {
	if s == nil {
		return
	}
	if s.data != nil {
		s.data = nil
		s.dirty = true
	}
}

func newSessionData(now time.Time, maxAge time.Duration) (*sessionData, error) {
	b := make([]byte, SessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	if maxAge <= 0 {
		maxAge = DefaultSessionPeriod
	}
	// Truncation moves the issue time backwards so it is never in the future.
	now = now.Truncate(time.Second)
	return &sessionData{
		ID:      base64.RawURLEncoding.EncodeToString(b),
		Expires: now.Add(maxAge),
		Period:  int(maxAge.Seconds()),
	}, nil
}

// validate reports whether sd is valid at now. A valid session with less
// than extendThreshold left is extended to now+extendPeriod.
func (sd *sessionData) validate(now time.Time, extendThreshold, extendPeriod time.Duration) (ok, extended bool) {
	if sd == nil || sd.ID == "" {
		return false, false
	}
	if sd.Period <= 0 || sd.Period > int(MaxExtendedPeriod.Seconds()) {
		return false, false
	}
	if sd.Expires.IsZero() || !now.Before(sd.Expires) {
		return false, false
	}
	if extendThreshold <= 0 || extendPeriod < extendThreshold {
		return true, false
	}
	if sd.Expires.Sub(now) < extendThreshold {
		return true, sd.extendTo(now.Add(extendPeriod))
	}
	return true, false
}

// extendTo moves Expires forward, never past MaxExtendedPeriod after the
// session was issued.
func (sd *sessionData) extendTo(newExpires time.Time) bool {
	newExpires = newExpires.Truncate(time.Second)
	issuedAt := sd.Expires.Add(-time.Duration(sd.Period) * time.Second)
	if limit := issuedAt.Add(MaxExtendedPeriod); newExpires.After(limit) {
		newExpires = limit
	}
	if !newExpires.After(sd.Expires) {
		return false
	}
	sd.Period += int(newExpires.Sub(sd.Expires).Seconds())
	sd.Expires = newExpires
	return true
}

type sessionContextKey struct{}

// WithSession stores sess in ctx.
func WithSession(ctx context.Context, sess *CookieSession) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the session stored by SessionProcessor.
func SessionFromContext(ctx context.Context) (*CookieSession, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(*CookieSession)
	return sess, ok && sess != nil
}

// SessionProcessor loads the session cookie into the request context and
// writes it back when changed. A missing, tampered or expired cookie
// yields an empty session; the latter two are cleared in the client.
type SessionProcessor struct {
	cookie          SecureCookie
	maxAge          time.Duration
	extendThreshold time.Duration
	now             func() time.Time
}

// SessionProcessorOption configures a SessionProcessor.
type SessionProcessorOption func(*sessionProcessorConfig)

type sessionProcessorConfig struct {
	cookieName      string
	cookieOptions   []SecureCookieOption
	maxAge          time.Duration
	extendThreshold time.Duration
	now             func() time.Time
}

func WithCookieName(name string) SessionProcessorOption {
	return func(c *sessionProcessorConfig) { c.cookieName = name }
}

func WithCookieOptions(opts ...SecureCookieOption) SessionProcessorOption {
	return func(c *sessionProcessorConfig) { c.cookieOptions = append(c.cookieOptions, opts...) }
}

// WithMaxAge sets the session lifetime. Sessions idle longer than this
// expire.
func WithMaxAge(d time.Duration) SessionProcessorOption {
	return func(c *sessionProcessorConfig) { c.maxAge = d }
}

// WithExtendThreshold extends a session that has less than d left. The
// default is a quarter of the max age; zero disables extension.
func WithExtendThreshold(d time.Duration) SessionProcessorOption {
	return func(c *sessionProcessorConfig) { c.extendThreshold = d }
}

// WithSessionClock replaces time.Now.
func WithSessionClock(now func() time.Time) SessionProcessorOption {
	return func(c *sessionProcessorConfig) { c.now = now }
}

// NewSessionProcessor returns a SessionProcessor sealing cookies with the
// key keys[keyID].
func NewSessionProcessor(keyID string, keys map[string][]byte, opts ...SessionProcessorOption) (*SessionProcessor, error) {
	cfg := sessionProcessorConfig{
		cookieName:      DefaultCookieName,
		maxAge:          DefaultSessionPeriod,
		extendThreshold: -1,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxAge <= 0 {
		cfg.maxAge = DefaultSessionPeriod
	}
	if cfg.extendThreshold < 0 {
		cfg.extendThreshold = cfg.maxAge / 4
	}
	cookie, err := NewSecureCookie(cfg.cookieName, keyID, keys, cfg.cookieOptions...)
	if err != nil {
		return nil, err
	}
	return &SessionProcessor{
		cookie:          cookie,
		maxAge:          cfg.maxAge,
		extendThreshold: cfg.extendThreshold,
		now:             cfg.now,
	}, nil
}

// Process implements endpoint.Processor.
func (p *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	sess := &CookieSession{maxAge: p.maxAge, now: p.now}

	if c, err := r.Cookie(p.cookie.Name()); err == nil {
		var sd sessionData
		if err := p.cookie.Decode(c, &sd); err != nil {
			logging.FromContext(r.Context()).Debug("discarding session cookie", zap.Error(err))
			sess.dirty = true
		} else if ok, extended := sd.validate(p.now(), p.extendThreshold, p.maxAge); ok {
			sess.data = &sd
			sess.dirty = extended
		} else {
			sess.dirty = true
		}
	}

	endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		p.maybeSetCookie(r.Context(), w, sess)
	})

	*r = *r.WithContext(WithSession(r.Context(), sess))
	return next(w, r)
}

func (p *SessionProcessor) maybeSetCookie(ctx context.Context, w http.ResponseWriter, sess *CookieSession) {
	if !sess.dirty {
		return
	}
	if sess.data == nil {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	maxAge := int(sess.data.Expires.Sub(p.now()).Seconds())
	if maxAge <= 0 {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	c, err := p.cookie.Encode(*sess.data, maxAge)
	if err != nil {
		logging.FromContext(ctx).Error("failed to write session cookie", zap.Error(err))
		return
	}
	http.SetCookie(w, c)
}

var (
	_ endpoint.Processor = (*SessionProcessor)(nil)
	_ auth.Session       = (*CookieSession)(nil)
)
