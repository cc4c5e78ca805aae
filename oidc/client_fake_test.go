package oidc

import (
	"context"
	"net/url"
	"sync"
	"time"
)

// fakeClient is the in-memory oidc.Client used across the package's tests.
// URL builders are deterministic; exchange behaviors are injectable.
type fakeClient struct {
	mu          sync.Mutex
	signinReqs  []SigninRequest
	signoutReqs []SignoutRequest

	urlErr         error
	completeFn     func(ctx context.Context, response AuthResponse) (RawTokens, error)
	refreshFn      func(ctx context.Context, refreshToken RefreshToken, extraParams map[string]string) (RawTokens, error)
	restoreFn      func(ctx context.Context) (RawTokens, bool, error)
	signoutErr     error
	completedCount int
	refreshCount   int
}

func newFakeClient() *fakeClient {
	return &fakeClient{}
}

// fakeRawTokens is a well-formed token-endpoint response the engine can
// normalize: opaque tokens with relative expirations.
func fakeRawTokens(idToken string) RawTokens {
	return RawTokens{
		AccessToken:      "fake-access-token",
		IDToken:          idToken,
		RefreshToken:     "fake-refresh-token",
		ExpiresIn:        5 * time.Minute,
		RefreshExpiresIn: time.Hour,
	}
}

func (c *fakeClient) authorizeURL(req SigninRequest) string {
	q := url.Values{"state": {req.StateToken}}
	if req.Prompt != PromptDefault {
		q.Set("prompt", string(req.Prompt))
	}
	for k, v := range req.ExtraQueryParams {
		q.Set(k, v)
	}
	return "https://idp.example.com/authorize?" + q.Encode()
}

func (c *fakeClient) SigninRedirectURL(_ context.Context, req SigninRequest) (string, error) {
	c.mu.Lock()
	c.signinReqs = append(c.signinReqs, req)
	c.mu.Unlock()
	if c.urlErr != nil {
		return "", c.urlErr
	}
	return c.authorizeURL(req), nil
}

func (c *fakeClient) SigninSilentURL(_ context.Context, req SigninRequest) (string, error) {
	c.mu.Lock()
	c.signinReqs = append(c.signinReqs, req)
	c.mu.Unlock()
	if c.urlErr != nil {
		return "", c.urlErr
	}
	return c.authorizeURL(req), nil
}

func (c *fakeClient) CompleteSignin(ctx context.Context, response AuthResponse) (RawTokens, error) {
	c.mu.Lock()
	c.completedCount++
	fn := c.completeFn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, response)
	}
	return fakeRawTokens(""), ErrStateNotFound
}

func (c *fakeClient) RefreshGrant(ctx context.Context, refreshToken RefreshToken, extraParams map[string]string) (RawTokens, error) {
	c.mu.Lock()
	c.refreshCount++
	fn := c.refreshFn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, refreshToken, extraParams)
	}
	return RawTokens{}, ErrNotLoggedIn
}

func (c *fakeClient) SignoutRedirectURL(_ context.Context, req SignoutRequest) (string, error) {
	c.mu.Lock()
	c.signoutReqs = append(c.signoutReqs, req)
	c.mu.Unlock()
	if c.signoutErr != nil {
		return "", c.signoutErr
	}
	q := url.Values{"state": {req.StateToken}}
	if req.IDTokenHint != "" {
		q.Set("id_token_hint", req.IDTokenHint)
	}
	if req.PostLogoutRedirectURL != "" {
		q.Set("post_logout_redirect_uri", req.PostLogoutRedirectURL)
	}
	return "https://idp.example.com/logout?" + q.Encode(), nil
}

func (c *fakeClient) RestoreSession(ctx context.Context) (RawTokens, bool, error) {
	if c.restoreFn != nil {
		return c.restoreFn(ctx)
	}
	return RawTokens{}, false, nil
}

func (c *fakeClient) lastSigninReq() (SigninRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.signinReqs) == 0 {
		return SigninRequest{}, false
	}
	return c.signinReqs[len(c.signinReqs)-1], true
}

func (c *fakeClient) lastSignoutReq() (SignoutRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.signoutReqs) == 0 {
		return SignoutRequest{}, false
	}
	return c.signoutReqs[len(c.signoutReqs)-1], true
}

func (c *fakeClient) completions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completedCount
}

func (c *fakeClient) refreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshCount
}
