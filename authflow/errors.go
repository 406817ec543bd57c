package authflow

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

var (
	// ErrConfiguration is returned when a required endpoint or setting is missing.
	ErrConfiguration = errors.New("configuration error")
	// ErrDiscovery is returned when the discovery document cannot be fetched or is incomplete.
	ErrDiscovery = errors.New("discovery failed")
	// ErrStateMismatch is returned when the callback state does not match the session.
	ErrStateMismatch = errors.New("state mismatch")
	// ErrMissingCode is returned when the callback carries no authorization code.
	ErrMissingCode = errors.New("authorization code missing")
	// ErrMissingVerifier is returned when the session holds no PKCE verifier.
	ErrMissingVerifier = errors.New("pkce verifier missing")
	// ErrProvider is returned when the identity provider reports an error on the callback.
	ErrProvider = errors.New("provider error")
	// ErrTokenExchange is returned when the code cannot be exchanged for tokens.
	ErrTokenExchange = errors.New("token exchange failed")
	// ErrUserInfo is returned when the userinfo endpoint call fails.
	ErrUserInfo = errors.New("userinfo fetch failed")
	// ErrIDTokenInvalid is returned when ID token verification is enabled and fails.
	ErrIDTokenInvalid = errors.New("id token invalid")
)

// ProviderError carries the error code the identity provider put on the callback.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error %s: %s", e.Code, e.Description)
	}
	return "provider error " + e.Code
}

func (e *ProviderError) Unwrap() error { return ErrProvider }

// CallbackErrorCode maps a HandleCallback failure to the value placed in the
// ?error= query parameter of the redirect back to the application.
func CallbackErrorCode(err error) string {
	var perr *ProviderError
	if errors.As(err, &perr) && perr.Code != "" {
		return perr.Code
	}
	switch {
	case errors.Is(err, ErrStateMismatch):
		return "invalid_state"
	case errors.Is(err, ErrMissingCode):
		return "no_code"
	case errors.Is(err, ErrMissingVerifier):
		return "missing_pkce_verifier"
	case errors.Is(err, ErrDiscovery), errors.Is(err, ErrConfiguration):
		return "oidc_config_not_available"
	case errors.Is(err, ErrIDTokenInvalid):
		return "id_token_invalid"
	case errors.Is(err, ErrTokenExchange):
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.ErrorCode != "" {
			return rerr.ErrorCode
		}
		return "token_exchange_failed"
	case err == nil:
		return ""
	default:
		return "authentication_failed"
	}
}
