package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/lineserve/instrumentation"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
)

// LINE Login v2.1 endpoints.
const (
	LineAuthURL    = "https://access.line.me/oauth2/v2.1/authorize"
	LineTokenURL   = "https://api.line.me/oauth2/v2.1/token"
	LineProfileURL = "https://api.line.me/v2/profile"
	LineIssuer     = "https://access.line.me"
	LineJWKSURL    = "https://api.line.me/oauth2/v2.1/certs"
)

// maxProfileBytes bounds the profile response body we read.
const maxProfileBytes = 64 << 10

// Provider performs the calls to the identity provider. Failures are
// returned as *Error with one of the provider kinds.
type Provider interface {
	// ClientID returns the configured client id, or "".
	ClientID() string
	// AuthCodeURL returns the authorization URL for state. nonce is sent
	// only when not empty.
	AuthCodeURL(state, nonce string) string
	ExchangeCodeForToken(ctx context.Context, code string) (*oauth2.Token, error)
	FetchProfile(ctx context.Context, accessToken string) (UserIdentity, error)
}

// IDTokenVerifier is implemented by providers that can verify an OIDC
// id_token returned alongside the access token.
type IDTokenVerifier interface {
	OIDCEnabled() bool
	VerifyIDToken(ctx context.Context, token *oauth2.Token, nonce string) error
}

// LineProvider talks to LINE Login.
type LineProvider struct {
	config     *oauth2.Config
	profileURL string
	httpClient *http.Client
	timeout    time.Duration
	verifier   *oidc.IDTokenVerifier
	inst       *instrumentation.Instrumentation
}

// ProviderOption configures a LineProvider.
type ProviderOption func(*LineProvider)

// WithEndpoints overrides the LINE endpoints, e.g. to point at a test server.
func WithEndpoints(authURL, tokenURL, profileURL string) ProviderOption {
	return func(p *LineProvider) {
		p.config.Endpoint.AuthURL = authURL
		p.config.Endpoint.TokenURL = tokenURL
		p.profileURL = profileURL
	}
}

// WithHTTPClient sets the client used for outbound calls.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *LineProvider) {
		p.httpClient = c
	}
}

// WithTimeout bounds each outbound call. A call that exceeds it fails
// with KindTransientProvider.
func WithTimeout(d time.Duration) ProviderOption {
	return func(p *LineProvider) {
		p.timeout = d
	}
}

// WithIDTokenVerifier enables OIDC mode: the openid scope is requested
// and the id_token returned by the token endpoint is verified.
func WithIDTokenVerifier(v *oidc.IDTokenVerifier) ProviderOption {
	return func(p *LineProvider) {
		p.verifier = v
	}
}

// WithProviderInstrumentation records spans and metrics for each call.
func WithProviderInstrumentation(inst *instrumentation.Instrumentation) ProviderOption {
	return func(p *LineProvider) {
		p.inst = inst
	}
}

// NewLineProvider creates a provider for the given channel.
func NewLineProvider(clientID, clientSecret, callbackURL string, opts ...ProviderOption) *LineProvider {
	p := &LineProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   LineAuthURL,
				TokenURL:  LineTokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{"profile"},
		},
		profileURL: LineProfileURL,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.verifier != nil {
		p.config.Scopes = []string{"profile", oidc.ScopeOpenID}
	}
	if p.inst == nil {
		p.inst = instrumentation.Noop()
	}
	return p
}

// NewLineVerifier returns a verifier for id_tokens issued to clientID,
// fetching LINE's signing keys on demand.
func NewLineVerifier(ctx context.Context, clientID string) *oidc.IDTokenVerifier {
	keySet := oidc.NewRemoteKeySet(ctx, LineJWKSURL)
	return oidc.NewVerifier(LineIssuer, keySet, &oidc.Config{
		ClientID:             clientID,
		SupportedSigningAlgs: []string{oidc.ES256},
	})
}

func (p *LineProvider) ClientID() string {
	return p.config.ClientID
}

func (p *LineProvider) AuthCodeURL(state, nonce string) string {
	var opts []oauth2.AuthCodeOption
	if nonce != "" {
		opts = append(opts, oidc.Nonce(nonce))
	}
	return p.config.AuthCodeURL(state, opts...)
}

// ExchangeCodeForToken posts the code to the token endpoint with the
// client credentials in the form body.
func (p *LineProvider) ExchangeCodeForToken(ctx context.Context, code string) (tok *oauth2.Token, err error) {
	ctx, done := p.begin(ctx, "exchange")
	defer func() { done(err) }()

	tok, err = p.config.Exchange(ctx, code)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			rej := &ProviderRejection{Body: truncateBody(rerr.Body)}
			if rerr.Response != nil {
				rej.Status = rerr.Response.StatusCode
			}
			return nil, newError(KindTokenExchangeFailed, "exchange", rej)
		}
		return nil, classify("exchange", KindTokenExchangeFailed, err)
	}
	if tok.AccessToken == "" {
		return nil, newError(KindTokenExchangeFailed, "exchange", &ProviderRejection{Status: http.StatusOK})
	}
	return tok, nil
}

// FetchProfile reads the user's profile with accessToken as bearer.
func (p *LineProvider) FetchProfile(ctx context.Context, accessToken string) (id UserIdentity, err error) {
	ctx, done := p.begin(ctx, "profile")
	defer func() { done(err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.profileURL, nil)
	if err != nil {
		return UserIdentity{}, newError(KindProfileFetchFailed, "profile", err)
	}
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	resp, err := client.Do(req)
	if err != nil {
		return UserIdentity{}, classify("profile", KindProfileFetchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return UserIdentity{}, newError(KindTransientProvider, "profile", err)
	}
	if resp.StatusCode != http.StatusOK {
		return UserIdentity{}, newError(KindProfileFetchFailed, "profile",
			&ProviderRejection{Status: resp.StatusCode, Body: truncateBody(body)})
	}
	if err := json.Unmarshal(body, &id); err != nil || id.UserID == "" {
		return UserIdentity{}, newError(KindProfileFetchFailed, "profile",
			&ProviderRejection{Status: resp.StatusCode, Body: truncateBody(body)})
	}
	return id, nil
}

func (p *LineProvider) OIDCEnabled() bool {
	return p.verifier != nil
}

// VerifyIDToken checks the id_token carried by token and that its nonce
// matches. It is a no-op when OIDC mode is off.
func (p *LineProvider) VerifyIDToken(ctx context.Context, token *oauth2.Token, nonce string) (err error) {
	if p.verifier == nil {
		return nil
	}
	ctx, done := p.begin(ctx, "verify")
	defer func() { done(err) }()

	raw, ok := token.Extra("id_token").(string)
	if !ok || raw == "" {
		return newError(KindIDTokenRejected, "verify", errors.New("no id_token returned"))
	}
	idToken, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return classify("verify", KindIDTokenRejected, err)
	}
	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return newError(KindIDTokenRejected, "verify", errors.New("nonce mismatch"))
	}
	return nil
}

// begin starts a span, applies the call timeout and installs the HTTP
// client. The returned func ends the span and records metrics.
func (p *LineProvider) begin(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.inst.Tracer("provider").Start(ctx, "line."+op)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrProviderOperation, op))

	cancel := context.CancelFunc(func() {})
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
	}
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}

	return ctx, func(err error) {
		cancel()
		elapsed := float64(time.Since(start).Microseconds()) / 1000
		kind := ""
		if err != nil {
			kind = KindOf(err).String()
			var rej *ProviderRejection
			if errors.As(err, &rej) && rej.Status != 0 {
				instrumentation.SetSpanAttributes(span, attribute.Int(instrumentation.AttrProviderStatus, rej.Status))
			}
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		p.inst.Metrics().RecordProviderCall(ctx, op, elapsed, kind)
		span.End()
	}
}

var (
	_ Provider        = (*LineProvider)(nil)
	_ IDTokenVerifier = (*LineProvider)(nil)
)
