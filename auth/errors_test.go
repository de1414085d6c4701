package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindStatus(t *testing.T) {
	tests := map[Kind]int{
		KindConfiguration:            http.StatusInternalServerError,
		KindStateMismatch:            http.StatusBadRequest,
		KindMissingAuthorizationCode: http.StatusBadRequest,
		KindProviderDenied:           http.StatusBadRequest,
		KindTokenExchangeFailed:      http.StatusBadRequest,
		KindIDTokenRejected:          http.StatusBadRequest,
		KindProfileFetchFailed:       http.StatusBadRequest,
		KindTransientProvider:        http.StatusInternalServerError,
		KindNotAuthenticated:         http.StatusUnauthorized,
		KindInternal:                 http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, kind.Status(), kind.String())
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newError(KindStateMismatch, "callback", errors.New("detail")))
	assert.ErrorIs(t, err, ErrStateMismatch)
	assert.NotErrorIs(t, err, ErrMissingAuthorizationCode)
	assert.Equal(t, KindStateMismatch, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, "auth: callback: state_mismatch: detail", errors.Unwrap(err).Error())
}

func TestClassify(t *testing.T) {
	transport := &url.Error{Op: "Get", URL: "https://api.line.me/v2/profile", Err: errors.New("reset")}
	assert.Equal(t, KindTransientProvider, classify("profile", KindProfileFetchFailed, transport).Kind)
	assert.Equal(t, KindProfileFetchFailed, classify("profile", KindProfileFetchFailed, errors.New("bad json")).Kind)

	kept := newError(KindIDTokenRejected, "verify", nil)
	assert.Same(t, kept, classify("exchange", KindTokenExchangeFailed, kept))
}

func TestTruncateBody(t *testing.T) {
	long := make([]byte, maxDiagnosticBody+10)
	assert.Len(t, truncateBody(long), maxDiagnosticBody)
	assert.Equal(t, "short", truncateBody([]byte("short")))
}
