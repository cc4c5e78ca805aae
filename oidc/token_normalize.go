package oidc

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-hclog"
)

// RawTokens is the token-endpoint output as the Client collaborator hands it
// over, before normalization.  ExpiresIn/RefreshExpiresIn are relative
// seconds; ExpiresAt/RefreshExpiresAt are absolute; zero values mean "not
// present in the response".
type RawTokens struct {
	AccessToken      string
	IDToken          string
	RefreshToken     string
	ExpiresAt        time.Time
	ExpiresIn        time.Duration
	RefreshExpiresAt time.Time
	RefreshExpiresIn time.Duration
}

// NormalizeTokens turns a raw token-endpoint response into a TokenBundle.
//
// The id_token is decoded (not verified here; the collaborator verifies on
// exchange) and issuedAt is derived from its "iat" claim, falling back to
// the wall clock.  Access-token expiration is derived by trying, in order,
// the access token's own JWT "exp" claim, the response's absolute expires_at,
// then expires_in relative to issuedAt; a response carrying none of the three
// is a malformed-IdP condition reported as ErrMissingExpiration rather than a
// panic.  Refresh-token expiration follows the same chain with a final
// fallback to "no known expiration".
//
// previousDecoded, when structurally identical to the fresh id_token claims,
// is reused so consumers keep reference equality across renewals.
func NormalizeTokens(raw RawTokens, previousDecoded map[string]interface{}, logger hclog.Logger) (*TokenBundle, error) {
	const op = "oidc.NormalizeTokens"
	if raw.AccessToken == "" {
		return nil, fmt.Errorf("%s: access token is empty: %w", op, ErrInvalidParameter)
	}
	if raw.IDToken == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrMissingIdToken)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	idClaims, err := decodeJWTClaims(raw.IDToken)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to decode id_token: %w", op, err)
	}
	if previousDecoded != nil && reflect.DeepEqual(previousDecoded, idClaims) {
		idClaims = previousDecoded
	}

	issuedAt := time.Now()
	if iat, ok := numericClaim(idClaims, "iat"); ok {
		issuedAt = time.Unix(iat, 0)
	}

	accessExpiry, ok := deriveExpiry(raw.AccessToken, raw.ExpiresAt, raw.ExpiresIn, issuedAt)
	if !ok {
		return nil, fmt.Errorf("%s: token response carries no access token expiration: %w", op, ErrMissingExpiration)
	}

	bundle := &TokenBundle{
		AccessToken:          AccessToken(raw.AccessToken),
		AccessTokenExpiresAt: accessExpiry,
		IDToken:              IDToken(raw.IDToken),
		DecodedIDToken:       idClaims,
		IssuedAt:             issuedAt,
	}

	if raw.RefreshToken != "" {
		grant := &RefreshGrant{Token: RefreshToken(raw.RefreshToken)}
		if expiry, ok := deriveExpiry(raw.RefreshToken, raw.RefreshExpiresAt, raw.RefreshExpiresIn, issuedAt); ok {
			grant.ExpiresAt = expiry
		}
		bundle.Refresh = grant

		if !grant.ExpiresAt.IsZero() && grant.ExpiresAt.Before(accessExpiry) {
			// Unusual and likely a misconfigured deployment: the refresh
			// token outlives nothing.
			logger.Warn("refresh token expires before access token",
				"refresh_expires_at", grant.ExpiresAt,
				"access_expires_at", accessExpiry,
			)
		}
	}
	return bundle, nil
}

// deriveExpiry applies the three-tier fallback: the token's own JWT "exp"
// claim, then the absolute expiresAt, then expiresIn relative to issuedAt.
func deriveExpiry(token string, expiresAt time.Time, expiresIn time.Duration, issuedAt time.Time) (time.Time, bool) {
	if claims, err := decodeJWTClaims(token); err == nil {
		if exp, ok := numericClaim(claims, "exp"); ok {
			return time.Unix(exp, 0), true
		}
	}
	if !expiresAt.IsZero() {
		return expiresAt, true
	}
	if expiresIn > 0 {
		return issuedAt.Add(expiresIn), true
	}
	return time.Time{}, false
}

// decodeJWTClaims decodes a JWT's claims without verifying the signature.
// Signature and issuer checks are the collaborator's and the consuming app's
// responsibility; the engine only needs the timing claims.
func decodeJWTClaims(token string) (map[string]interface{}, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return map[string]interface{}(claims), nil
}

func numericClaim(claims map[string]interface{}, name string) (int64, bool) {
	switch v := claims[name].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
