package oidc

import (
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// StateTokenPrefix is the fixed prefix of every state token the engine
// generates.  It lets a callback URL's "state" parameter be recognized as
// ours with a plain string check, before any storage lookup.
const StateTokenPrefix = "b2lkYy1zcGEu"

const stateTokenRandomLen = 32

// StateTokenLength is the exact length of a generated state token.
const StateTokenLength = len(StateTokenPrefix) + stateTokenRandomLen

// NewStateToken generates a state token: the fixed prefix followed by 32
// URL-safe random characters.  A fresh token is generated for every
// login/logout/silent attempt and consumed exactly once by the callback
// dispatcher.
func NewStateToken() (string, error) {
	const op = "oidc.NewStateToken"
	// 24 random bytes encode to exactly 32 unpadded base64url characters.
	b, err := uuid.GenerateRandomBytes(24)
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate random bytes: %w", op, err)
	}
	return StateTokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// IsStateToken reports whether candidate has the shape of a token produced by
// NewStateToken.  Only the prefix and the total length are checked, which is
// enough to cheaply ignore foreign "state" values from unrelated OIDC screens.
func IsStateToken(candidate string) bool {
	if len(candidate) != StateTokenLength {
		return false
	}
	return candidate[:len(StateTokenPrefix)] == StateTokenPrefix
}

// NewInstanceID generates a random id identifying one engine instance (one
// tab).  Cross-tab messages are tagged with it so a tab can ignore its own
// echoes.
func NewInstanceID() (string, error) {
	const op = "oidc.NewInstanceID"
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate id: %w", op, err)
	}
	return id, nil
}
