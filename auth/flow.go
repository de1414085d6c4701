package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/mnehpets/lineserve/instrumentation"
	"golang.org/x/oauth2"
)

// CallbackParams are the query parameters LINE appends to the callback URL.
type CallbackParams struct {
	Code             string `query:"code"`
	State            string `query:"state"`
	Error            string `query:"error"`
	ErrorDescription string `query:"error_description"`
}

// Controller runs the authorization-code login flow against one provider.
//
// A session moves from unauthenticated to pending on InitiateLogin, and
// from pending to authenticated on a successful HandleCallback. Every
// callback consumes the pending login whatever its outcome. Logout returns
// the session to unauthenticated from any state.
type Controller struct {
	provider    Provider
	pendingTTL  time.Duration
	loginMaxAge time.Duration
	now         func() time.Time
	inst        *instrumentation.Instrumentation
	spent       spentStates
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithPendingLoginTTL bounds how long a pending login stays valid. A
// non-positive value disables expiry.
func WithPendingLoginTTL(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.pendingTTL = d
	}
}

// WithLoginMaxAge makes an identity expire d after login, independently of
// the session lifetime. Zero, the default, keeps it for as long as the
// session lives.
func WithLoginMaxAge(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.loginMaxAge = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.now = now
	}
}

// WithInstrumentation records login metrics.
func WithInstrumentation(inst *instrumentation.Instrumentation) ControllerOption {
	return func(c *Controller) {
		c.inst = inst
	}
}

// NewController returns a Controller for provider. It fails with
// KindConfiguration when the provider has no client id.
func NewController(provider Provider, opts ...ControllerOption) (*Controller, error) {
	if provider == nil {
		return nil, newError(KindConfiguration, "init", errors.New("nil provider"))
	}
	if provider.ClientID() == "" {
		return nil, newError(KindConfiguration, "init", errors.New("LINE channel id is not configured"))
	}
	c := &Controller{
		provider:   provider,
		pendingTTL: DefaultPendingLoginTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.inst == nil {
		c.inst = instrumentation.Noop()
	}
	return c, nil
}

// configured reports whether c can talk to a provider.
func (c *Controller) configured() bool {
	return c != nil && c.provider != nil && c.provider.ClientID() != ""
}

func (c *Controller) metrics() *instrumentation.Metrics {
	if c == nil || c.inst == nil {
		return nil
	}
	return c.inst.Metrics()
}

func (c *Controller) clock() time.Time {
	if c == nil || c.now == nil {
		return time.Now()
	}
	return c.now()
}

// spentUntil is how long a consumed state is remembered: until the pending
// login would have expired anyway.
func (c *Controller) spentUntil(p PendingLogin, now time.Time) time.Time {
	if c.pendingTTL <= 0 {
		return now.Add(DefaultPendingLoginTTL)
	}
	return p.CreatedAt.Add(c.pendingTTL)
}

func (c *Controller) oidc() (IDTokenVerifier, bool) {
	v, ok := c.provider.(IDTokenVerifier)
	if !ok || !v.OIDCEnabled() {
		return nil, false
	}
	return v, true
}

// InitiateLogin stores a fresh pending login in sess, replacing any
// previous one, and returns the provider authorization URL.
func (c *Controller) InitiateLogin(ctx context.Context, sess Session) (string, error) {
	if !c.configured() {
		return "", newError(KindConfiguration, "login", errors.New("LINE channel id is not configured"))
	}

	pending := PendingLogin{
		State:     GenerateState(),
		CreatedAt: c.clock(),
	}
	_, useOIDC := c.oidc()
	if useOIDC {
		pending.Nonce = GenerateState()
	}
	if err := sess.SetPendingLogin(pending); err != nil {
		return "", newError(KindInternal, "login", err)
	}

	c.metrics().RecordLoginStarted(ctx)
	Emit(ctx, LoginStarted{OIDC: useOIDC})
	return c.provider.AuthCodeURL(pending.State, pending.Nonce), nil
}

// HandleCallback validates the callback against the pending login in
// sess, exchanges the code, fetches the profile and binds the identity to
// sess. Checks run in order and stop at the first failure:
//
//  1. the state must match the pending login (KindStateMismatch)
//  2. the provider must not report an error (KindProviderDenied)
//  3. a code must be present (KindMissingAuthorizationCode)
//  4. the code must exchange for a token (KindTokenExchangeFailed)
//  5. the id_token must verify, in OIDC mode (KindIDTokenRejected)
//  6. the token must fetch a profile (KindProfileFetchFailed)
//
// Network failures and panics in steps 4 to 6 yield KindTransientProvider.
// No SessionRecord is written unless every step succeeds. An unconfigured
// Controller fails with KindConfiguration before touching sess.
func (c *Controller) HandleCallback(ctx context.Context, sess Session, params CallbackParams) (id UserIdentity, err error) {
	defer func() {
		if err != nil {
			c.metrics().RecordCallback(ctx, KindOf(err).String())
			Emit(ctx, failureEvent(err))
			return
		}
		c.metrics().RecordCallback(ctx, "success")
		Emit(ctx, LoginSucceeded{UserID: id.UserID, DisplayName: id.DisplayName})
	}()

	if !c.configured() {
		return UserIdentity{}, newError(KindConfiguration, "callback", errors.New("LINE channel id is not configured"))
	}

	pending, ok := sess.PendingLogin()
	sess.ClearPendingLogin()

	if !ok || params.State == "" {
		return UserIdentity{}, newError(KindStateMismatch, "callback", errors.New("no pending login or no state received"))
	}
	if subtle.ConstantTimeCompare([]byte(params.State), []byte(pending.State)) != 1 {
		return UserIdentity{}, newError(KindStateMismatch, "callback", errors.New("state does not match pending login"))
	}
	now := c.clock()
	if pending.expired(now, c.pendingTTL) {
		return UserIdentity{}, newError(KindStateMismatch, "callback", errors.New("pending login expired"))
	}
	if !c.spent.spend(pending.State, now, c.spentUntil(pending, now)) {
		return UserIdentity{}, newError(KindStateMismatch, "callback", errors.New("state already used"))
	}
	if params.Error != "" {
		return UserIdentity{}, newError(KindProviderDenied, "callback", &ProviderDenial{Code: params.Error, Description: params.ErrorDescription})
	}
	if params.Code == "" {
		return UserIdentity{}, newError(KindMissingAuthorizationCode, "callback", nil)
	}

	id, err = c.authenticate(ctx, params.Code, pending.Nonce)
	if err != nil {
		return UserIdentity{}, err
	}

	if err := sess.BindRecord(SessionRecord{Identity: id, LoginTime: c.clock()}); err != nil {
		return UserIdentity{}, newError(KindInternal, "callback", err)
	}
	return id, nil
}

// authenticate runs the provider calls. A panic inside a provider is
// reported as KindTransientProvider.
func (c *Controller) authenticate(ctx context.Context, code, nonce string) (id UserIdentity, err error) {
	defer func() {
		if r := recover(); r != nil {
			id = UserIdentity{}
			err = newError(KindTransientProvider, "callback", fmt.Errorf("provider panic: %v", r))
		}
	}()

	var token *oauth2.Token
	token, err = c.provider.ExchangeCodeForToken(ctx, code)
	if err != nil {
		return UserIdentity{}, classify("exchange", KindTokenExchangeFailed, err)
	}
	if token == nil || token.AccessToken == "" {
		return UserIdentity{}, newError(KindTokenExchangeFailed, "exchange", &ProviderRejection{})
	}

	if v, ok := c.oidc(); ok {
		if err := v.VerifyIDToken(ctx, token, nonce); err != nil {
			return UserIdentity{}, classify("verify", KindIDTokenRejected, err)
		}
	}

	id, err = c.provider.FetchProfile(ctx, token.AccessToken)
	if err != nil {
		return UserIdentity{}, classify("profile", KindProfileFetchFailed, err)
	}
	if id.UserID == "" {
		return UserIdentity{}, newError(KindProfileFetchFailed, "profile", &ProviderRejection{})
	}
	return id, nil
}

// Logout clears sess. It never fails and may be called on an empty
// session.
func (c *Controller) Logout(ctx context.Context, sess Session) {
	ev := LoggedOut{UserID: "Unknown", DisplayName: "Unknown"}
	if rec, ok := sess.Record(); ok {
		ev.UserID = rec.Identity.UserID
		if rec.Identity.DisplayName != "" {
			ev.DisplayName = rec.Identity.DisplayName
		}
	}
	sess.Clear()
	c.metrics().RecordLogout(ctx)
	Emit(ctx, ev)
}

// CurrentIdentity returns the record bound to sess, or an error of
// KindNotAuthenticated. A record older than the login max age is cleared.
func (c *Controller) CurrentIdentity(ctx context.Context, sess Session) (SessionRecord, error) {
	rec, ok := sess.Record()
	if !ok {
		return SessionRecord{}, newError(KindNotAuthenticated, "identity", nil)
	}
	if c != nil && c.loginMaxAge > 0 && c.clock().Sub(rec.LoginTime) > c.loginMaxAge {
		sess.Clear()
		return SessionRecord{}, newError(KindNotAuthenticated, "identity", errors.New("login expired"))
	}
	return rec, nil
}

// ProviderDenial is the error LINE reported on the callback.
type ProviderDenial struct {
	Code        string
	Description string
}

func (e *ProviderDenial) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (description: %s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider error: %s", e.Code)
}
