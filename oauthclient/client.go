// Package oauthclient is the default token-endpoint collaborator: the
// oidc.Client implementation the engine delegates wire exchanges to.  It
// performs issuer discovery, builds authorization and end-session URLs,
// exchanges authorization codes (PKCE) and redeems refresh grants.  Apps
// with unusual providers can substitute their own oidc.Client instead.
package oauthclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
	"golang.org/x/oauth2"

	"github.com/oidcspa/engine/host"
	"github.com/oidcspa/engine/internal/strutils"
	"github.com/oidcspa/engine/oidc"
)

// ErrInvalidCertificatePEM reports an unusable ProviderCA value.
var ErrInvalidCertificatePEM = errors.New("invalid certificate PEM")

const (
	// attemptKeyPrefix namespaces the per-attempt PKCE verifier and nonce in
	// session storage; they must survive the full-page round trip to the IdP.
	attemptKeyPrefix = "oidc-spa:attempt:"

	// sessionCacheKeyPrefix namespaces the ephemeral token cache that backs
	// RestoreSession.
	sessionCacheKeyPrefix = "oidc-spa:client-session:"
)

// Config configures the collaborator.
type Config struct {
	// IssuerURL is discovered for endpoints and keys.
	IssuerURL string

	// ClientID is the public client's identifier.  SPAs are public clients:
	// there is no client secret.
	ClientID string

	// RedirectURL is the callback URL registered with the IdP.
	RedirectURL string

	// Scopes are requested in addition to openid, which is always included.
	Scopes []string

	// ProviderCA is an optional PEM-encoded CA bundle trusted for the
	// issuer's endpoints instead of the system chain.
	ProviderCA string

	Logger hclog.Logger
}

// Client is the default oidc.Client.  Discovery runs lazily on first use and
// the result is cached for the Client's lifetime.
type Client struct {
	cfg        Config
	httpClient *http.Client
	session    host.Storage
	logger     hclog.Logger

	mu         sync.Mutex
	provider   *gooidc.Provider
	endSession string
}

var _ oidc.Client = (*Client)(nil)

// New creates a Client.  session holds the per-attempt PKCE material and the
// ephemeral token cache; in a browser embedding it is the tab's
// sessionStorage.
func New(cfg Config, session host.Storage) (*Client, error) {
	const op = "oauthclient.New"
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("%s: issuer url is empty: %w", op, oidc.ErrInvalidParameter)
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("%s: client id is empty: %w", op, oidc.ErrInvalidParameter)
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("%s: redirect url is empty: %w", op, oidc.ErrInvalidParameter)
	}
	if session == nil {
		return nil, fmt.Errorf("%s: session storage is nil: %w", op, oidc.ErrNilParameter)
	}
	httpClient, err := newHTTPClient(cfg.ProviderCA)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		session:    session,
		logger:     logger,
	}, nil
}

// newHTTPClient builds the pooled client used for every issuer request,
// trusting caPEM instead of the system chain when provided.
func newHTTPClient(caPEM string) (*http.Client, error) {
	tr := cleanhttp.DefaultPooledTransport()
	if caPEM != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(caPEM)); !ok {
			return nil, ErrInvalidCertificatePEM
		}
		tr.TLSClientConfig = &tls.Config{
			RootCAs: certPool,
		}
	}
	return &http.Client{
		Transport: tr,
	}, nil
}

// discover runs issuer discovery once and caches the provider.  A failure to
// fetch the discovery document maps to ErrWellKnownUnreachable, which the
// engine treats as a configuration/outage signal distinct from "user not
// logged in".
func (c *Client) discover(ctx context.Context) (*gooidc.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provider != nil {
		return c.provider, nil
	}
	provider, err := gooidc.NewProvider(gooidc.ClientContext(ctx, c.httpClient), c.cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", oidc.ErrWellKnownUnreachable, err)
	}
	var claims struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&claims); err == nil {
		c.endSession = claims.EndSessionEndpoint
	}
	c.provider = provider
	return provider, nil
}

func (c *Client) oauth2Config(provider *gooidc.Provider) oauth2.Config {
	scopes := strutils.RemoveDuplicatesStable(append([]string{gooidc.ScopeOpenID}, c.cfg.Scopes...), false)
	return oauth2.Config{
		ClientID:    c.cfg.ClientID,
		Endpoint:    provider.Endpoint(),
		RedirectURL: c.cfg.RedirectURL,
		Scopes:      scopes,
	}
}

// attemptRecord is the PKCE material persisted across the IdP round trip,
// keyed by the attempt's state token.
type attemptRecord struct {
	Verifier string `json:"verifier"`
	Nonce    string `json:"nonce"`
}

func (c *Client) saveAttempt(stateToken string, record attemptRecord) error {
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("unable to marshal attempt record: %w", err)
	}
	c.session.Set(attemptKeyPrefix+stateToken, string(b))
	return nil
}

func (c *Client) takeAttempt(stateToken string) (attemptRecord, bool) {
	key := attemptKeyPrefix + stateToken
	raw, ok := c.session.Get(key)
	if !ok {
		return attemptRecord{}, false
	}
	c.session.Remove(key)
	var record attemptRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return attemptRecord{}, false
	}
	return record, true
}

// authorizationURL builds one authorization request URL, generating and
// persisting fresh PKCE material for the attempt.
func (c *Client) authorizationURL(ctx context.Context, req oidc.SigninRequest) (string, error) {
	provider, err := c.discover(ctx)
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()
	nonce, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("unable to generate nonce: %w", err)
	}
	if err := c.saveAttempt(req.StateToken, attemptRecord{Verifier: verifier, Nonce: nonce}); err != nil {
		return "", err
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", nonce),
	}
	if req.Prompt != oidc.PromptDefault {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", string(req.Prompt)))
	}
	for k, v := range req.ExtraQueryParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	oauthCfg := c.oauth2Config(provider)
	return oauthCfg.AuthCodeURL(req.StateToken, opts...), nil
}

// SigninRedirectURL builds the authorization URL for a full-page login.
func (c *Client) SigninRedirectURL(ctx context.Context, req oidc.SigninRequest) (string, error) {
	const op = "Client.SigninRedirectURL"
	u, err := c.authorizationURL(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// SigninSilentURL builds the authorization URL for a hidden-iframe attempt.
func (c *Client) SigninSilentURL(ctx context.Context, req oidc.SigninRequest) (string, error) {
	const op = "Client.SigninSilentURL"
	if req.Prompt == oidc.PromptDefault {
		req.Prompt = oidc.PromptNone
	}
	u, err := c.authorizationURL(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// CompleteSignin exchanges the callback's authorization code for tokens and
// verifies the id_token, nonce included, against the attempt the response's
// state token identifies.
func (c *Client) CompleteSignin(ctx context.Context, response oidc.AuthResponse) (oidc.RawTokens, error) {
	const op = "Client.CompleteSignin"
	if authErr := response.AuthError(); authErr != nil {
		return oidc.RawTokens{}, fmt.Errorf("%s: %w", op, authErr)
	}
	if response.Code() == "" {
		return oidc.RawTokens{}, fmt.Errorf("%s: response carries no authorization code: %w", op, oidc.ErrInvalidParameter)
	}
	attempt, ok := c.takeAttempt(response.StateToken())
	if !ok {
		return oidc.RawTokens{}, fmt.Errorf("%s: no attempt for state token: %w", op, oidc.ErrStateNotFound)
	}

	provider, err := c.discover(ctx)
	if err != nil {
		return oidc.RawTokens{}, fmt.Errorf("%s: %w", op, err)
	}
	ctx = gooidc.ClientContext(ctx, c.httpClient)
	oauthCfg := c.oauth2Config(provider)
	token, err := oauthCfg.Exchange(ctx, response.Code(), oauth2.VerifierOption(attempt.Verifier))
	if err != nil {
		return oidc.RawTokens{}, fmt.Errorf("%s: code exchange failed: %w", op, err)
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return oidc.RawTokens{}, fmt.Errorf("%s: %w", op, oidc.ErrMissingIdToken)
	}
	idToken, err := provider.Verifier(&gooidc.Config{ClientID: c.cfg.ClientID}).Verify(ctx, rawIDToken)
	if err != nil {
		return oidc.RawTokens{}, fmt.Errorf("%s: id_token verification failed: %w", op, err)
	}
	if idToken.Nonce != attempt.Nonce {
		return oidc.RawTokens{}, fmt.Errorf("%s: id_token nonce mismatch: %w", op, oidc.ErrInvalidParameter)
	}

	raw := rawTokensFromOAuth2(token, rawIDToken)
	c.cacheSession(raw)
	return raw, nil
}

// tokenResponse is the token endpoint's JSON body for the refresh grant.
// refresh_expires_in is a common extension (Keycloak among others).
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	IDToken          string `json:"id_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// RefreshGrant redeems refreshToken directly at the token endpoint.  The
// request is built by hand rather than through an oauth2.TokenSource because
// the engine passes caller-supplied extra parameters through to the grant.
func (c *Client) RefreshGrant(ctx context.Context, refreshToken oidc.RefreshToken, extraParams map[string]string) (oidc.RawTokens, error) {
	const op = "Client.RefreshGrant"
	provider, err := c.discover(ctx)
	if err != nil {
		return oidc.RawTokens{}, fmt.Errorf("%s: %w", op, err)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {string(refreshToken)},
		"client_id":     {c.cfg.ClientID},
	}
	for k, v := range extraParams {
		form.Set(k, v)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.Endpoint().TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return oidc.RawTokens{}, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return oidc.RawTokens{}, fmt.Errorf("%s: token endpoint request failed: %w", op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return oidc.RawTokens{}, fmt.Errorf("%s: unable to read token response: %w", op, err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return oidc.RawTokens{}, fmt.Errorf("%s: malformed token response: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK || tr.Error != "" {
		return oidc.RawTokens{}, fmt.Errorf("%s: %w", op, &oidc.AuthError{Code: tr.Error, Description: tr.ErrorDescription})
	}
	if tr.AccessToken == "" {
		return oidc.RawTokens{}, fmt.Errorf("%s: token response carries no access token: %w", op, oidc.ErrInvalidParameter)
	}

	raw := oidc.RawTokens{
		AccessToken:  tr.AccessToken,
		IDToken:      tr.IDToken,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		raw.ExpiresIn = time.Duration(tr.ExpiresIn) * time.Second
	}
	if tr.RefreshExpiresIn > 0 {
		raw.RefreshExpiresIn = time.Duration(tr.RefreshExpiresIn) * time.Second
	}
	// Rotation is optional: a grant that returns no new tokens keeps the old
	// ones.
	if raw.IDToken == "" {
		if cached, ok := c.readCachedSession(); ok {
			raw.IDToken = cached.IDToken
		}
	}
	if raw.RefreshToken == "" {
		raw.RefreshToken = string(refreshToken)
	}
	c.cacheSession(raw)
	return raw, nil
}

// SignoutRedirectURL builds the end_session_endpoint redirect.  The local
// session cache is dropped unconditionally: the caller has decided to log
// out, and a later RestoreSession must not resurrect the session even when
// the provider advertises no end_session_endpoint.
func (c *Client) SignoutRedirectURL(ctx context.Context, req oidc.SignoutRequest) (string, error) {
	const op = "Client.SignoutRedirectURL"
	c.clearCachedSession()

	if _, err := c.discover(ctx); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	c.mu.Lock()
	endSession := c.endSession
	c.mu.Unlock()
	if endSession == "" {
		return "", fmt.Errorf("%s: %w", op, oidc.ErrEndSessionUnsupported)
	}

	u, err := url.Parse(endSession)
	if err != nil {
		return "", fmt.Errorf("%s: malformed end_session_endpoint: %w", op, err)
	}
	q := u.Query()
	q.Set("state", req.StateToken)
	if req.IDTokenHint != "" {
		q.Set("id_token_hint", req.IDTokenHint)
	}
	if req.PostLogoutRedirectURL != "" {
		q.Set("post_logout_redirect_uri", req.PostLogoutRedirectURL)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// cachedSession is the ephemeral per-tab token cache backing RestoreSession,
// with expirations resolved to absolute times so a reload can rebuild the
// bundle.
type cachedSession struct {
	AccessToken      string    `json:"accessToken"`
	IDToken          string    `json:"idToken"`
	RefreshToken     string    `json:"refreshToken,omitempty"`
	ExpiresAt        time.Time `json:"expiresAt,omitempty"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt,omitempty"`
}

// RestoreSession returns tokens cached earlier in this browser session, if
// any survive.  An expired access token with no refresh token is useless and
// reported as absent.
func (c *Client) RestoreSession(ctx context.Context) (oidc.RawTokens, bool, error) {
	cached, ok := c.readCachedSession()
	if !ok {
		return oidc.RawTokens{}, false, nil
	}
	if !cached.ExpiresAt.IsZero() && cached.ExpiresAt.Before(time.Now()) && cached.RefreshToken == "" {
		c.clearCachedSession()
		return oidc.RawTokens{}, false, nil
	}
	return oidc.RawTokens{
		AccessToken:      cached.AccessToken,
		IDToken:          cached.IDToken,
		RefreshToken:     cached.RefreshToken,
		ExpiresAt:        cached.ExpiresAt,
		RefreshExpiresAt: cached.RefreshExpiresAt,
	}, true, nil
}

func (c *Client) sessionCacheKey() string {
	return sessionCacheKeyPrefix + c.cfg.ClientID
}

func (c *Client) cacheSession(raw oidc.RawTokens) {
	cached := cachedSession{
		AccessToken:      raw.AccessToken,
		IDToken:          raw.IDToken,
		RefreshToken:     raw.RefreshToken,
		ExpiresAt:        raw.ExpiresAt,
		RefreshExpiresAt: raw.RefreshExpiresAt,
	}
	if cached.ExpiresAt.IsZero() && raw.ExpiresIn > 0 {
		cached.ExpiresAt = time.Now().Add(raw.ExpiresIn)
	}
	if cached.RefreshExpiresAt.IsZero() && raw.RefreshExpiresIn > 0 {
		cached.RefreshExpiresAt = time.Now().Add(raw.RefreshExpiresIn)
	}
	b, err := json.Marshal(cached)
	if err != nil {
		c.logger.Warn("unable to cache session", "error", err)
		return
	}
	c.session.Set(c.sessionCacheKey(), string(b))
}

func (c *Client) readCachedSession() (cachedSession, bool) {
	raw, ok := c.session.Get(c.sessionCacheKey())
	if !ok {
		return cachedSession{}, false
	}
	var cached cachedSession
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		c.clearCachedSession()
		return cachedSession{}, false
	}
	return cached, true
}

func (c *Client) clearCachedSession() {
	c.session.Remove(c.sessionCacheKey())
}

func rawTokensFromOAuth2(token *oauth2.Token, rawIDToken string) oidc.RawTokens {
	raw := oidc.RawTokens{
		AccessToken:  token.AccessToken,
		IDToken:      rawIDToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if refreshExpiresIn, ok := token.Extra("refresh_expires_in").(float64); ok && refreshExpiresIn > 0 {
		raw.RefreshExpiresAt = time.Now().Add(time.Duration(refreshExpiresIn) * time.Second)
	}
	return raw
}
