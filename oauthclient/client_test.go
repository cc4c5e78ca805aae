package oauthclient

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oidcspa/engine/host"
	"github.com/oidcspa/engine/oidc"
)

// fakeIdP is a minimal OIDC provider: discovery document, JWKS and a
// test-injected token endpoint.
type fakeIdP struct {
	srv          *httptest.Server
	key          *rsa.PrivateKey
	endSession   bool
	tokenHandler http.HandlerFunc
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &fakeIdP{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		doc := map[string]interface{}{
			"issuer":                 p.srv.URL,
			"authorization_endpoint": p.srv.URL + "/authorize",
			"token_endpoint":         p.srv.URL + "/token",
			"jwks_uri":               p.srv.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		}
		if p.endSession {
			doc["end_session_endpoint"] = p.srv.URL + "/logout"
		}
		writeJSON(w, doc)
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, _ *http.Request) {
		pub, err := jwk.FromRaw(p.key.Public())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = pub.Set(jwk.KeyIDKey, "test-key")
		_ = pub.Set(jwk.AlgorithmKey, jwa.RS256)
		set := jwk.NewSet()
		_ = set.AddKey(pub)
		writeJSON(w, set)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if p.tokenHandler != nil {
			p.tokenHandler(w, r)
			return
		}
		http.Error(w, "no token handler installed", http.StatusInternalServerError)
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// signIDToken issues an RS256 id_token the provider's JWKS verifies.
func (p *fakeIdP) signIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = p.srv.URL
	}
	if _, ok := claims["aud"]; !ok {
		claims["aud"] = "client-1"
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(p.key)
	require.NoError(t, err)
	return signed
}

func testClient(t *testing.T, idp *fakeIdP, scopes ...string) (*Client, *host.MemoryStorage) {
	t.Helper()
	session := host.NewMemoryStorage()
	client, err := New(Config{
		IssuerURL:   idp.srv.URL,
		ClientID:    "client-1",
		RedirectURL: "https://app.example.com/callback",
		Scopes:      scopes,
	}, session)
	require.NoError(t, err)
	return client, session
}

// savedAttempt reads back the PKCE material SigninRedirectURL persisted for a
// state token.
func savedAttempt(t *testing.T, session host.Storage, stateToken string) attemptRecord {
	t.Helper()
	raw, ok := session.Get(attemptKeyPrefix + stateToken)
	require.True(t, ok, "no attempt persisted for %s", stateToken)
	var record attemptRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &record))
	return record
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	session := host.NewMemoryStorage()
	valid := Config{
		IssuerURL:   "https://idp.example.com",
		ClientID:    "client-1",
		RedirectURL: "https://app.example.com/callback",
	}

	tests := []struct {
		name      string
		modify    func(*Config)
		session   host.Storage
		wantIsErr error
	}{
		{"missing-issuer", func(c *Config) { c.IssuerURL = "" }, session, oidc.ErrInvalidParameter},
		{"missing-client-id", func(c *Config) { c.ClientID = "" }, session, oidc.ErrInvalidParameter},
		{"missing-redirect-url", func(c *Config) { c.RedirectURL = "" }, session, oidc.ErrInvalidParameter},
		{"nil-session", func(*Config) {}, nil, oidc.ErrNilParameter},
		{"garbage-provider-ca", func(c *Config) { c.ProviderCA = "not a pem" }, session, ErrInvalidCertificatePEM},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tt.modify(&cfg)
			_, err := New(cfg, tt.session)
			require.ErrorIs(t, err, tt.wantIsErr)
		})
	}

	c, err := New(valid, session)
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestClient_Discovery_Unreachable(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	client, err := New(Config{
		IssuerURL:   deadURL,
		ClientID:    "client-1",
		RedirectURL: "https://app.example.com/callback",
	}, host.NewMemoryStorage())
	require.NoError(err)

	_, err = client.SigninRedirectURL(context.Background(), oidc.SigninRequest{StateToken: "state-1"})
	require.ErrorIs(err, oidc.ErrWellKnownUnreachable)
}

func TestClient_SigninRedirectURL(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	idp := newFakeIdP(t)
	client, session := testClient(t, idp, "profile", "openid", "email")

	rawURL, err := client.SigninRedirectURL(context.Background(), oidc.SigninRequest{
		StateToken:       "state-1",
		ExtraQueryParams: map[string]string{"kc_idp_hint": "github"},
	})
	require.NoError(err)

	u, err := url.Parse(rawURL)
	require.NoError(err)
	q := u.Query()
	assert.Equal("/authorize", u.Path)
	assert.Equal("code", q.Get("response_type"))
	assert.Equal("client-1", q.Get("client_id"))
	assert.Equal("https://app.example.com/callback", q.Get("redirect_uri"))
	assert.Equal("state-1", q.Get("state"))
	// openid always leads; caller duplicates are removed.
	assert.Equal("openid profile email", q.Get("scope"))
	assert.Equal("S256", q.Get("code_challenge_method"))
	assert.NotEmpty(q.Get("code_challenge"))
	assert.NotEmpty(q.Get("nonce"))
	assert.Empty(q.Get("prompt"))
	assert.Equal("github", q.Get("kc_idp_hint"))

	// The persisted attempt matches what went onto the URL.
	attempt := savedAttempt(t, session, "state-1")
	assert.Equal(q.Get("nonce"), attempt.Nonce)
	sum := sha256.Sum256([]byte(attempt.Verifier))
	assert.Equal(base64.RawURLEncoding.EncodeToString(sum[:]), q.Get("code_challenge"))
}

func TestClient_SigninSilentURL_DefaultsToPromptNone(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	idp := newFakeIdP(t)
	client, _ := testClient(t, idp)

	rawURL, err := client.SigninSilentURL(context.Background(), oidc.SigninRequest{StateToken: "state-1"})
	require.NoError(err)
	u, err := url.Parse(rawURL)
	require.NoError(err)
	require.Equal("none", u.Query().Get("prompt"))
}

func TestClient_CompleteSignin(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	idp := newFakeIdP(t)
	client, session := testClient(t, idp)

	rawURL, err := client.SigninRedirectURL(context.Background(), oidc.SigninRequest{StateToken: "state-1"})
	require.NoError(err)
	u, err := url.Parse(rawURL)
	require.NoError(err)
	challenge := u.Query().Get("code_challenge")
	attempt := savedAttempt(t, session, "state-1")

	idToken := idp.signIDToken(t, jwt.MapClaims{
		"sub":   "user-1",
		"nonce": attempt.Nonce,
		"iat":   time.Now().Unix(),
	})
	idp.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(r.ParseForm())
		assert.Equal("authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal("auth-code-1", r.PostForm.Get("code"))
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		assert.Equal(challenge, base64.RawURLEncoding.EncodeToString(sum[:]))
		writeJSON(w, map[string]interface{}{
			"access_token":       "access-1",
			"token_type":         "Bearer",
			"expires_in":         300,
			"refresh_token":      "refresh-1",
			"refresh_expires_in": 3600,
			"id_token":           idToken,
		})
	}

	raw, err := client.CompleteSignin(context.Background(), oidc.AuthResponse{"state": "state-1", "code": "auth-code-1"})
	require.NoError(err)
	assert.Equal("access-1", raw.AccessToken)
	assert.Equal(idToken, raw.IDToken)
	assert.Equal("refresh-1", raw.RefreshToken)
	assert.WithinDuration(time.Now().Add(300*time.Second), raw.ExpiresAt, 10*time.Second)
	assert.WithinDuration(time.Now().Add(time.Hour), raw.RefreshExpiresAt, 10*time.Second)

	// The attempt is single-use.
	_, ok := session.Get(attemptKeyPrefix + "state-1")
	assert.False(ok)

	// And the session is now restorable within the tab.
	restored, found, err := client.RestoreSession(context.Background())
	require.NoError(err)
	require.True(found)
	assert.Equal("access-1", restored.AccessToken)
	assert.Equal(idToken, restored.IDToken)
}

func TestClient_CompleteSignin_NonceMismatch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	idp := newFakeIdP(t)
	client, _ := testClient(t, idp)

	_, err := client.SigninRedirectURL(context.Background(), oidc.SigninRequest{StateToken: "state-1"})
	require.NoError(err)

	idToken := idp.signIDToken(t, jwt.MapClaims{
		"sub":   "user-1",
		"nonce": "injected-by-attacker",
		"iat":   time.Now().Unix(),
	})
	idp.tokenHandler = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]interface{}{
			"access_token": "access-1",
			"token_type":   "Bearer",
			"id_token":     idToken,
		})
	}

	_, err = client.CompleteSignin(context.Background(), oidc.AuthResponse{"state": "state-1", "code": "auth-code-1"})
	require.ErrorIs(err, oidc.ErrInvalidParameter)
	require.ErrorContains(err, "nonce mismatch")
}

func TestClient_CompleteSignin_NoAttempt(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	idp := newFakeIdP(t)
	client, _ := testClient(t, idp)

	_, err := client.CompleteSignin(context.Background(), oidc.AuthResponse{"state": "never-issued", "code": "auth-code-1"})
	require.ErrorIs(err, oidc.ErrStateNotFound)
}

func TestClient_CompleteSignin_IdPError(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	idp := newFakeIdP(t)
	client, _ := testClient(t, idp)

	_, err := client.CompleteSignin(context.Background(), oidc.AuthResponse{
		"state":             "state-1",
		"error":             "access_denied",
		"error_description": "user cancelled",
	})
	require.Error(err)
	var authErr *oidc.AuthError
	require.ErrorAs(err, &authErr)
	require.Equal("access_denied", authErr.Code)
}

func TestClient_RefreshGrant(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	idp := newFakeIdP(t)
	client, _ := testClient(t, idp)

	idToken := idp.signIDToken(t, jwt.MapClaims{"sub": "user-1"})
	idp.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(r.ParseForm())
		assert.Equal("refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal("refresh-old", r.PostForm.Get("refresh_token"))
		assert.Equal("client-1", r.PostForm.Get("client_id"))
		assert.Equal("essential", r.PostForm.Get("claims"))
		writeJSON(w, map[string]interface{}{
			"access_token":       "access-2",
			"token_type":         "Bearer",
			"expires_in":         120,
			"refresh_token":      "refresh-new",
			"refresh_expires_in": 1800,
			"id_token":           idToken,
		})
	}

	raw, err := client.RefreshGrant(context.Background(), "refresh-old", map[string]string{"claims": "essential"})
	require.NoError(err)
	assert.Equal("access-2", raw.AccessToken)
	assert.Equal(idToken, raw.IDToken)
	assert.Equal("refresh-new", raw.RefreshToken)
	assert.Equal(120*time.Second, raw.ExpiresIn)
	assert.Equal(1800*time.Second, raw.RefreshExpiresIn)
}

func TestClient_RefreshGrant_WithoutRotationKeepsOldTokens(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	idp := newFakeIdP(t)
	client, _ := testClient(t, idp)

	idToken := idp.signIDToken(t, jwt.MapClaims{"sub": "user-1"})
	idp.tokenHandler = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]interface{}{
			"access_token":       "access-1",
			"token_type":         "Bearer",
			"expires_in":         300,
			"refresh_token":      "refresh-1",
			"refresh_expires_in": 3600,
			"id_token":           idToken,
		})
	}
	first, err := client.RefreshGrant(context.Background(), "refresh-0", nil)
	require.NoError(err)

	// The IdP rotates nothing on the second grant: only a new access token.
	idp.tokenHandler = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]interface{}{
			"access_token": "access-2",
			"token_type":   "Bearer",
			"expires_in":   300,
		})
	}
	second, err := client.RefreshGrant(context.Background(), oidc.RefreshToken(first.RefreshToken), nil)
	require.NoError(err)
	assert.Equal("access-2", second.AccessToken)
	assert.Equal(idToken, second.IDToken, "previous id_token is kept")
	assert.Equal("refresh-1", second.RefreshToken, "previous refresh token is kept")
}

func TestClient_RefreshGrant_IdPError(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	idp := newFakeIdP(t)
	client, _ := testClient(t, idp)

	idp.tokenHandler = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error":             "invalid_grant",
			"error_description": "session not active",
		})
	}

	_, err := client.RefreshGrant(context.Background(), "refresh-stale", nil)
	require.Error(err)
	var authErr *oidc.AuthError
	require.ErrorAs(err, &authErr)
	require.Equal("invalid_grant", authErr.Code)
}

func TestClient_SignoutRedirectURL(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	idp := newFakeIdP(t)
	idp.endSession = true
	client, session := testClient(t, idp)

	// Seed a cached session so the logout can be seen dropping it.
	client.cacheSession(oidc.RawTokens{AccessToken: "access-1", IDToken: "id-1", ExpiresIn: time.Hour})
	_, ok := session.Get(client.sessionCacheKey())
	require.True(ok)

	rawURL, err := client.SignoutRedirectURL(context.Background(), oidc.SignoutRequest{
		StateToken:            "state-1",
		IDTokenHint:           "id-1",
		PostLogoutRedirectURL: "https://app.example.com/",
	})
	require.NoError(err)
	u, err := url.Parse(rawURL)
	require.NoError(err)
	assert.Equal("/logout", u.Path)
	assert.Equal("state-1", u.Query().Get("state"))
	assert.Equal("id-1", u.Query().Get("id_token_hint"))
	assert.Equal("https://app.example.com/", u.Query().Get("post_logout_redirect_uri"))

	_, ok = session.Get(client.sessionCacheKey())
	assert.False(ok, "session cache survives logout")
}

func TestClient_SignoutRedirectURL_Unsupported(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	idp := newFakeIdP(t)
	client, session := testClient(t, idp)

	client.cacheSession(oidc.RawTokens{AccessToken: "access-1", IDToken: "id-1", ExpiresIn: time.Hour})

	_, err := client.SignoutRedirectURL(context.Background(), oidc.SignoutRequest{StateToken: "state-1"})
	require.ErrorIs(err, oidc.ErrEndSessionUnsupported)

	// Even so the local session is gone: the caller decided to log out.
	_, ok := session.Get(client.sessionCacheKey())
	require.False(ok)
}

func TestClient_RestoreSession(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	idp := newFakeIdP(t)
	client, session := testClient(t, idp)

	// Nothing cached yet.
	_, found, err := client.RestoreSession(context.Background())
	require.NoError(err)
	assert.False(found)

	// A live cached session round-trips.
	client.cacheSession(oidc.RawTokens{
		AccessToken:  "access-1",
		IDToken:      "id-1",
		RefreshToken: "refresh-1",
		ExpiresIn:    time.Hour,
	})
	raw, found, err := client.RestoreSession(context.Background())
	require.NoError(err)
	require.True(found)
	assert.Equal("access-1", raw.AccessToken)
	assert.Equal("refresh-1", raw.RefreshToken)
	assert.WithinDuration(time.Now().Add(time.Hour), raw.ExpiresAt, 10*time.Second)

	// An expired access token with no refresh token is useless: absent, and
	// the stale entry is dropped.
	client.cacheSession(oidc.RawTokens{
		AccessToken: "access-stale",
		IDToken:     "id-1",
		ExpiresAt:   time.Now().Add(-time.Minute),
	})
	_, found, err = client.RestoreSession(context.Background())
	require.NoError(err)
	assert.False(found)
	_, ok := session.Get(client.sessionCacheKey())
	assert.False(ok)
}
