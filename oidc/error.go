package oidc

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter      = errors.New("invalid parameter")
	ErrNilParameter          = errors.New("nil parameter")
	ErrStateNotFound         = errors.New("state not found")
	ErrStateProcessed        = errors.New("state already processed")
	ErrMissingIdToken        = errors.New("id_token is missing")
	ErrMissingExpiration     = errors.New("no token expiration could be determined")
	ErrSilentSigninTimeout   = errors.New("silent signin timed out")
	ErrWellKnownUnreachable  = errors.New("can't reach well-known oidc endpoint")
	ErrEndSessionUnsupported = errors.New("end_session_endpoint not supported by provider")
	ErrNotLoggedIn           = errors.New("not logged in")
	ErrRedirectOutsideApp    = errors.New("redirect url is outside of the app root")
	ErrNotEmbedded           = errors.New("not running in an embedded frame")
)

// InitializationError reports an infrastructure failure during engine boot:
// the discovery endpoint was unreachable, the token endpoint was unreachable,
// or the silent signin iframe timed out.  When auto-login is configured the
// error is fatal; otherwise it is surfaced on the not-logged-in result so the
// host application can render a retry UI.
type InitializationError struct {
	// Msg describes the failure for the host application.
	Msg string

	// Wrapped is the underlying cause, matchable with errors.Is against the
	// package sentinels (ErrSilentSigninTimeout, ErrWellKnownUnreachable, ...).
	Wrapped error
}

func (e *InitializationError) Error() string {
	if e.Wrapped == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Msg, e.Wrapped.Error())
}

func (e *InitializationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Wrapped
}

// AuthError is an error reported by the IdP on the callback (consent_required,
// login_required, interaction_required, ...).  It is a recoverable signal, not
// an infrastructure failure: the engine reacts by falling back to an
// interactive redirect.
type AuthError struct {
	Code        string
	Description string
	URI         string
}

func (e *AuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// interactionErrorCodes are the IdP error codes that mean "the user must be
// present", per OIDC core 3.1.2.6.
var interactionErrorCodes = map[string]bool{
	"consent_required":           true,
	"login_required":             true,
	"interaction_required":       true,
	"account_selection_required": true,
}

// RequiresInteraction reports whether the IdP error means the flow can be
// recovered by sending the user through an interactive redirect.
func (e *AuthError) RequiresInteraction() bool {
	return interactionErrorCodes[e.Code]
}
