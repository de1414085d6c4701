package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// Kind classifies the ways a login attempt can end without an identity.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration means the provider client id is not configured.
	KindConfiguration
	// KindStateMismatch means the callback state is absent, unknown, expired
	// or already consumed.
	KindStateMismatch
	// KindMissingAuthorizationCode means the callback carried no code.
	KindMissingAuthorizationCode
	// KindProviderDenied means the provider redirected back with an error
	// parameter, typically because the user declined consent.
	KindProviderDenied
	// KindTokenExchangeFailed means the token endpoint rejected the code.
	KindTokenExchangeFailed
	// KindIDTokenRejected means the id_token failed verification.
	KindIDTokenRejected
	// KindProfileFetchFailed means the profile endpoint rejected the token.
	KindProfileFetchFailed
	// KindTransientProvider means a provider call failed for a reason other
	// than a rejection: network failure, timeout, or an unexpected panic.
	KindTransientProvider
	// KindNotAuthenticated means the session holds no identity.
	KindNotAuthenticated
	// KindInternal means the session could not be updated.
	KindInternal
)

var kindNames = map[Kind]string{
	KindUnknown:                  "unknown",
	KindConfiguration:            "configuration_error",
	KindStateMismatch:            "state_mismatch",
	KindMissingAuthorizationCode: "missing_authorization_code",
	KindProviderDenied:           "provider_denied",
	KindTokenExchangeFailed:      "token_exchange_failed",
	KindIDTokenRejected:          "id_token_rejected",
	KindProfileFetchFailed:       "profile_fetch_failed",
	KindTransientProvider:        "transient_provider_error",
	KindNotAuthenticated:         "not_authenticated",
	KindInternal:                 "internal_error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Status returns the HTTP status code used when an error of this kind
// reaches the HTTP boundary.
func (k Kind) Status() int {
	switch k {
	case KindStateMismatch, KindMissingAuthorizationCode, KindProviderDenied,
		KindTokenExchangeFailed, KindIDTokenRejected, KindProfileFetchFailed:
		return http.StatusBadRequest
	case KindNotAuthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error is returned by every Controller and Provider operation that fails.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "exchange" or "profile".
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return "auth: <nil>"
	}
	msg := "auth: " + e.Kind.String()
	if e.Op != "" {
		msg = "auth: " + e.Op + ": " + e.Kind.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is the sentinel for e's kind, so that
// errors.Is(err, ErrStateMismatch) works on wrapped errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for use with errors.Is.
var (
	ErrConfiguration            = &Error{Kind: KindConfiguration}
	ErrStateMismatch            = &Error{Kind: KindStateMismatch}
	ErrMissingAuthorizationCode = &Error{Kind: KindMissingAuthorizationCode}
	ErrProviderDenied           = &Error{Kind: KindProviderDenied}
	ErrTokenExchangeFailed      = &Error{Kind: KindTokenExchangeFailed}
	ErrIDTokenRejected          = &Error{Kind: KindIDTokenRejected}
	ErrProfileFetchFailed       = &Error{Kind: KindProfileFetchFailed}
	ErrTransientProvider        = &Error{Kind: KindTransientProvider}
	ErrNotAuthenticated         = &Error{Kind: KindNotAuthenticated}
)

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindUnknown
}

// ProviderRejection is the cause attached to exchange and profile
// failures where the provider answered with an unusable response. Body is
// kept for diagnostics and must not be shown to end users.
type ProviderRejection struct {
	Status int
	Body   string
}

func (r *ProviderRejection) Error() string {
	if r.Status == 0 {
		return "provider rejected request"
	}
	return fmt.Sprintf("provider rejected request: status %d", r.Status)
}

// maxDiagnosticBody bounds how much of an upstream body is retained.
const maxDiagnosticBody = 1024

func truncateBody(b []byte) string {
	if len(b) > maxDiagnosticBody {
		return string(b[:maxDiagnosticBody])
	}
	return string(b)
}

// classify converts an arbitrary provider call failure into an *Error.
// Errors that already carry a Kind are kept. Transport failures become
// KindTransientProvider; everything else becomes rejected.
func classify(op string, rejected Kind, err error) *Error {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e
	}
	if isTransient(err) {
		return newError(KindTransientProvider, op, err)
	}
	return newError(rejected, op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}
