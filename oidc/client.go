package oidc

import "context"

// Prompt is the OIDC prompt parameter value the engine selects per flow.
type Prompt string

const (
	// PromptDefault lets the IdP decide based on its existing session.
	PromptDefault Prompt = ""

	// PromptNone forbids any user interaction (silent attempts).
	PromptNone Prompt = "none"

	// PromptLogin forces re-authentication, used after an explicit logout.
	PromptLogin Prompt = "login"
)

// SigninRequest is the engine's instruction to the collaborator for building
// an authorization request.
type SigninRequest struct {
	// StateToken is the value for the OAuth state parameter.
	StateToken string

	// Prompt per the flow kind; see the Prompt constants.
	Prompt Prompt

	// ExtraQueryParams are appended to the authorization URL.
	ExtraQueryParams map[string]string
}

// SignoutRequest is the engine's instruction for building an
// end_session_endpoint redirect.
type SignoutRequest struct {
	StateToken string

	// IDTokenHint is the raw id_token, passed as id_token_hint.
	IDTokenHint string

	// PostLogoutRedirectURL is where the IdP should send the user afterwards.
	PostLogoutRedirectURL string
}

// Client is the OAuth2 HTTP collaborator the engine delegates wire exchanges
// to.  The engine treats it as an opaque capability: it builds authorization
// and end-session URLs, completes code exchanges, and runs refresh grants.
// Package oauthclient provides the default implementation; tests substitute
// fakes.
//
// Implementations must map a failure to reach the issuer's discovery document
// to ErrWellKnownUnreachable, which the engine reports distinctly from "user
// not logged in": it is a configuration or outage signal.
type Client interface {
	// SigninRedirectURL builds the authorization URL for a full-page login
	// redirect.
	SigninRedirectURL(ctx context.Context, req SigninRequest) (string, error)

	// SigninSilentURL builds the authorization URL for a hidden-iframe silent
	// signin (the engine sets Prompt to none).
	SigninSilentURL(ctx context.Context, req SigninRequest) (string, error)

	// CompleteSignin exchanges the callback's authorization code for tokens,
	// verifying the id_token against the attempt identified by the response's
	// state token.
	CompleteSignin(ctx context.Context, response AuthResponse) (RawTokens, error)

	// RefreshGrant redeems refreshToken at the token endpoint.
	RefreshGrant(ctx context.Context, refreshToken RefreshToken, extraParams map[string]string) (RawTokens, error)

	// SignoutRedirectURL builds the end_session_endpoint redirect.  When the
	// provider advertises no such endpoint it returns
	// ErrEndSessionUnsupported and the engine handles logout locally.
	SignoutRedirectURL(ctx context.Context, req SignoutRequest) (string, error)

	// RestoreSession returns tokens the collaborator still holds from earlier
	// in this browser session (its own ephemeral cache), if any.
	RestoreSession(ctx context.Context) (RawTokens, bool, error)
}
