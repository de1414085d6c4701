package web

import (
	"errors"

	"github.com/mnehpets/lineserve/auth"
	"github.com/mnehpets/lineserve/endpoint"
)

// userMessage is the short text shown for a failed login. Provider bodies
// and error details stay in the logs, except for transient failures where
// the cause is surfaced.
func userMessage(err error) string {
	switch auth.KindOf(err) {
	case auth.KindConfiguration:
		return "LINE_CHANNEL_ID is not configured"
	case auth.KindStateMismatch:
		return "login failed: state verification error"
	case auth.KindMissingAuthorizationCode:
		return "login failed: no authorization code received"
	case auth.KindProviderDenied:
		return "login failed: authorization was denied"
	case auth.KindTokenExchangeFailed:
		return "login failed: unable to obtain access token"
	case auth.KindIDTokenRejected:
		return "login failed: unable to verify identity token"
	case auth.KindProfileFetchFailed:
		return "login failed: unable to fetch user profile"
	case auth.KindTransientProvider:
		var e *auth.Error
		if errors.As(err, &e) && e.Err != nil {
			return "login failed: " + e.Err.Error()
		}
		return "login failed: provider unavailable"
	default:
		return "internal error"
	}
}

// httpError maps an auth error onto an endpoint error with the status of
// its kind.
func httpError(err error) error {
	return endpoint.Error(auth.KindOf(err).Status(), userMessage(err), err)
}
