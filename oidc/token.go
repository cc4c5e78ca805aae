package oidc

import (
	"encoding/json"
	"time"
)

// AccessToken is an oauth access_token
type AccessToken string

// RedactedAccessToken is the redacted string or json for an oauth access_token
const RedactedAccessToken = "[REDACTED: access_token]"

// String will redact the token
func (t AccessToken) String() string {
	return RedactedAccessToken
}

// MarshalJSON will redact the token
func (t AccessToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedAccessToken)
}

// RefreshToken is an oauth refresh_token
type RefreshToken string

// RedactedRefreshToken is the redacted string or json for an oauth refresh_token
const RedactedRefreshToken = "[REDACTED: refresh_token]"

// String will redact the token
func (t RefreshToken) String() string {
	return RedactedRefreshToken
}

// MarshalJSON will redact the token
func (t RefreshToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedRefreshToken)
}

// IDToken is an oidc id_token
type IDToken string

// RedactedIDToken is the redacted string or json for an oidc id_token
const RedactedIDToken = "[REDACTED: id_token]"

// String will redact the token
func (t IDToken) String() string {
	return RedactedIDToken
}

// MarshalJSON will redact the token
func (t IDToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedIDToken)
}

// RefreshGrant is the refresh-token half of a TokenBundle.  A zero ExpiresAt
// means the expiration is unknown.
type RefreshGrant struct {
	Token     RefreshToken
	ExpiresAt time.Time
}

// TokenBundle is the engine's normalized view of a token-endpoint response.
// Expiration times are absolute.  The bundle is replaced wholesale on every
// renewal; Refresh is nil when the IdP issued no refresh token.
type TokenBundle struct {
	AccessToken          AccessToken
	AccessTokenExpiresAt time.Time
	IDToken              IDToken
	DecodedIDToken       map[string]interface{}
	IssuedAt             time.Time
	Refresh              *RefreshGrant
}

// HasRefreshToken reports whether the bundle carries a refresh grant.
func (b *TokenBundle) HasRefreshToken() bool {
	return b != nil && b.Refresh != nil
}

// Subject returns the id_token "sub" claim, or "".
func (b *TokenBundle) Subject() string {
	if b == nil {
		return ""
	}
	sub, _ := b.DecodedIDToken["sub"].(string)
	return sub
}

// SessionID returns the IdP "sid" claim, or "".
func (b *TokenBundle) SessionID() string {
	if b == nil {
		return ""
	}
	sid, _ := b.DecodedIDToken["sid"].(string)
	return sid
}

// soonestExpiry returns the earlier of the access and (known) refresh
// expirations; renewal is scheduled against it.
func (b *TokenBundle) soonestExpiry() time.Time {
	expiry := b.AccessTokenExpiresAt
	if b.Refresh != nil && !b.Refresh.ExpiresAt.IsZero() && b.Refresh.ExpiresAt.Before(expiry) {
		expiry = b.Refresh.ExpiresAt
	}
	return expiry
}
