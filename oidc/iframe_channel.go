package oidc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/oidcspa/engine/host"
)

const (
	// iframeMessagePrefix marks a silent-signin response among the frame
	// messages reaching the parent.
	iframeMessagePrefix = "oidc-spa.jwe."

	// iframeKeyStoragePrefix is the sessionStorage namespace holding the
	// per-attempt public encryption key, write-protected against tampering.
	iframeKeyStoragePrefix = "oidc-spa:iframe-jwk:"

	// silentSigninBaseTimeout is the floor for the iframe round trip on a
	// healthy connection.
	silentSigninBaseTimeout = 7 * time.Second

	// silentSigninAutoLoginExtra extends the timeout when the outcome
	// decides between staying on the page and a full redirect: a premature
	// timeout there costs the user a visible round trip.
	silentSigninAutoLoginExtra = 20 * time.Second
)

// IframeChannel attempts token renewal without user interaction: a hidden
// iframe is pointed at the IdP's authorize endpoint with prompt=none, and the
// callback page loaded inside it posts the auth response back to the parent.
//
// The postMessage hop is same-origin and technically readable by any other
// script on the page, so the response travels encrypted: the parent generates
// an ephemeral P-256 key pair per attempt, publishes only the public key in
// sessionStorage (write-protected), and the iframe answers with a compact
// JWE (ECDH-ES) only the holder of the private key can open.
type IframeChannel struct {
	env      host.Environment
	client   Client
	store    *StateStore
	configID string
	logger   hclog.Logger
}

func NewIframeChannel(env host.Environment, client Client, store *StateStore, configID string, logger hclog.Logger) (*IframeChannel, error) {
	const op = "oidc.NewIframeChannel"
	if client == nil {
		return nil, fmt.Errorf("%s: client is nil: %w", op, ErrNilParameter)
	}
	if store == nil {
		return nil, fmt.Errorf("%s: state store is nil: %w", op, ErrNilParameter)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &IframeChannel{
		env:      env,
		client:   client,
		store:    store,
		configID: configID,
		logger:   logger,
	}, nil
}

// Available reports whether the host can run a silent signin at all.
func (c *IframeChannel) Available() bool {
	return c.env.Frames != nil && c.env.Frame != nil
}

// SilentSignin runs one hidden-iframe authentication attempt and returns the
// recovered AuthResponse.  autoLogin extends the timeout.  On timeout the
// error matches ErrSilentSigninTimeout; a failure to build the authorize URL
// (discovery unreachable) propagates the collaborator's
// ErrWellKnownUnreachable, a configuration/outage signal distinct from "user
// not logged in".
func (c *IframeChannel) SilentSignin(ctx context.Context, extraParams map[string]string, autoLogin bool) (AuthResponse, error) {
	const op = "IframeChannel.SilentSignin"
	if !c.Available() {
		return nil, fmt.Errorf("%s: host has no iframe support: %w", op, ErrInvalidParameter)
	}

	token, err := NewStateToken()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := c.store.Put(token, IframeState{ConfigID: c.configID}); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer c.store.Clear(token)

	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate ephemeral key: %w", op, err)
	}
	keyStorageKey := iframeKeyStoragePrefix + token
	if err := c.publishPublicKey(keyStorageKey, &private.PublicKey); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// The attempt owns the key material for exactly its own lifetime.
	defer c.env.SessionStorage.RemoveProtected(keyStorageKey)

	authorizeURL, err := c.client.SigninSilentURL(ctx, SigninRequest{
		StateToken:       token,
		Prompt:           PromptNone,
		ExtraQueryParams: extraParams,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	responses := make(chan AuthResponse, 1)
	cancelSub := c.env.Frame.Subscribe(func(payload []byte) {
		response, ok := c.decryptResponse(private, token, payload)
		if !ok {
			return
		}
		select {
		case responses <- response:
		default:
		}
	})
	defer cancelSub()

	dispose := c.env.Frames.LaunchHidden(authorizeURL)
	defer dispose()

	timeout := silentSigninTimeout(c.env.Connectivity, autoLogin)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case response := <-responses:
		return response, nil
	case <-timer.C:
		c.logger.Debug("silent signin timed out", "timeout", timeout)
		return nil, fmt.Errorf("%s: after %s: %w", op, timeout, ErrSilentSigninTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

func (c *IframeChannel) publishPublicKey(storageKey string, pub *ecdsa.PublicKey) error {
	key, err := jwk.FromRaw(pub)
	if err != nil {
		return fmt.Errorf("unable to build jwk: %w", err)
	}
	b, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("unable to marshal jwk: %w", err)
	}
	c.env.SessionStorage.SetProtected(storageKey, string(b))
	c.env.SessionStorage.Protect(storageKey)
	return nil
}

func (c *IframeChannel) decryptResponse(private *ecdsa.PrivateKey, token string, payload []byte) (AuthResponse, bool) {
	msg := string(payload)
	if !strings.HasPrefix(msg, iframeMessagePrefix) {
		return nil, false
	}
	plaintext, err := jwe.Decrypt([]byte(strings.TrimPrefix(msg, iframeMessagePrefix)), jwe.WithKey(jwa.ECDH_ES, private))
	if err != nil {
		c.logger.Debug("dropping undecryptable iframe message", "error", err)
		return nil, false
	}
	var response AuthResponse
	if err := json.Unmarshal(plaintext, &response); err != nil {
		c.logger.Debug("dropping malformed iframe message", "error", err)
		return nil, false
	}
	if response.StateToken() != token {
		return nil, false
	}
	return response, true
}

// EncryptIframeResponse is the iframe-side half of the channel: it loads the
// attempt's public key from sessionStorage and returns the prefixed compact
// JWE the parent expects.  Called by the callback dispatcher when a callback
// lands inside an embedded frame.
func EncryptIframeResponse(session host.Storage, response AuthResponse) (string, error) {
	const op = "oidc.EncryptIframeResponse"
	token := response.StateToken()
	raw, ok := session.Get(iframeKeyStoragePrefix + token)
	if !ok {
		return "", fmt.Errorf("%s: no encryption key for attempt: %w", op, ErrStateNotFound)
	}
	key, err := jwk.ParseKey([]byte(raw))
	if err != nil {
		return "", fmt.Errorf("%s: unable to parse jwk: %w", op, err)
	}
	plaintext, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("%s: unable to marshal response: %w", op, err)
	}
	ciphertext, err := jwe.Encrypt(plaintext, jwe.WithKey(jwa.ECDH_ES, key), jwe.WithContentEncryption(jwa.A256GCM))
	if err != nil {
		return "", fmt.Errorf("%s: unable to encrypt response: %w", op, err)
	}
	return iframeMessagePrefix + string(ciphertext), nil
}

// silentSigninTimeout derives the iframe round-trip budget from network
// conditions when the host reports them, on top of a fixed floor.
func silentSigninTimeout(conn host.Connectivity, autoLogin bool) time.Duration {
	timeout := silentSigninBaseTimeout
	if conn != nil {
		if rtt := conn.RTT(); rtt > 0 {
			timeout += 10 * rtt
		}
		if downlink := conn.DownlinkMbps(); downlink > 0 && downlink < 1 {
			timeout += 5 * time.Second
		}
	}
	if autoLogin {
		timeout += silentSigninAutoLoginExtra
	}
	return timeout
}
