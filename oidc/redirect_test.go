package oidc

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oidcspa/engine/host"
)

func testRedirectConfig() *Config {
	return &Config{
		IssuerURI:  "https://idp.example.com",
		ClientID:   "client-1",
		AppRootURL: "https://app.example.com/",
	}
}

func testRedirectFlow(t *testing.T) (*RedirectFlow, host.Environment, *fakeClient, *StateStore) {
	t.Helper()
	hub := host.NewMemoryHub()
	env := host.NewMemoryEnvironment(hub, "https://app.example.com/")
	client := newFakeClient()
	store, err := NewStateStore(env.LocalStorage, env.Cookies, "/")
	require.NoError(t, err)
	flow, err := NewRedirectFlow(env, client, testRedirectConfig(), store)
	require.NoError(t, err)
	return flow, env, client, store
}

// awaitAssign polls until the navigator has been handed a URL.
func awaitAssign(t *testing.T, nav *host.MemoryNavigator) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if u := nav.LastAssigned(); u != "" {
			return u
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no navigation was issued")
	return ""
}

func TestRedirectFlow_Login(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	flow, env, _, store := testRedirectFlow(t)
	nav := env.Navigator.(*host.MemoryNavigator)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- flow.Login(ctx, loginInteractive, getLoginOpts(
			WithRedirectURL("/protected"),
			WithConsentRedirectURL("/consent"),
			WithExtraQueryParams(map[string]string{"kc_idp_hint": "github"}),
		))
	}()

	assigned := awaitAssign(t, nav)
	u, err := url.Parse(assigned)
	require.NoError(err)
	token := u.Query().Get("state")
	require.True(IsStateToken(token))
	assert.Empty(u.Query().Get("prompt"), "interactive login lets the IdP decide")
	assert.Equal("github", u.Query().Get("kc_idp_hint"))

	record, err := store.Get(token)
	require.NoError(err)
	login, ok := record.(RedirectLoginState)
	require.True(ok)
	assert.Equal("https://app.example.com/protected", login.RedirectURL)
	assert.Equal("https://app.example.com/consent", login.ConsentRedirectURL)
	assert.Equal("github", login.ExtraQueryParams["kc_idp_hint"])
	assert.False(login.Processed)

	// Login only returns when ctx is done: the navigation replaces the page.
	select {
	case <-errCh:
		t.Fatal("login returned before ctx was done")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	require.ErrorIs(<-errCh, context.Canceled)
}

func TestRedirectFlow_Login_ForcedUsesPromptLogin(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	flow, env, _, _ := testRedirectFlow(t)
	nav := env.Navigator.(*host.MemoryNavigator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = flow.Login(ctx, loginForced, loginDefaults()) }()

	assigned := awaitAssign(t, nav)
	u, err := url.Parse(assigned)
	require.NoError(err)
	assert.Equal("login", u.Query().Get("prompt"))
}

func TestRedirectFlow_Login_SecondCallIsNoOp(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	flow, env, client, _ := testRedirectFlow(t)
	nav := env.Navigator.(*host.MemoryNavigator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = flow.Login(ctx, loginInteractive, loginDefaults()) }()
	awaitAssign(t, nav)

	// A redirect is already on its way; the second call must not build
	// another authorization request.
	second, secondCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer secondCancel()
	err := flow.Login(second, loginInteractive, loginDefaults())
	require.ErrorIs(err, context.DeadlineExceeded)
	require.Len(nav.Assigned(), 1)
	client.mu.Lock()
	require.Len(client.signinReqs, 1)
	client.mu.Unlock()
}

func TestRedirectFlow_Login_RejectsRedirectOutsideApp(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	flow, _, _, _ := testRedirectFlow(t)

	err := flow.Login(context.Background(), loginInteractive, getLoginOpts(
		WithRedirectURL("https://evil.example.org/phish"),
	))
	require.ErrorIs(err, ErrRedirectOutsideApp)

	// The in-flight flag was reset: a valid login can still proceed.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = flow.Login(ctx, loginInteractive, loginDefaults())
	require.ErrorIs(err, context.DeadlineExceeded)
}

func TestRedirectFlow_Login_WaitsForOnline(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	flow, env, _, _ := testRedirectFlow(t)
	nav := env.Navigator.(*host.MemoryNavigator)
	conn := env.Connectivity.(*host.StaticConnectivity)
	conn.SetOnline(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = flow.Login(ctx, loginInteractive, loginDefaults()) }()

	time.Sleep(50 * time.Millisecond)
	require.Empty(nav.LastAssigned(), "no redirect while offline")

	conn.SetOnline(true)
	awaitAssign(t, nav)
}

func TestRedirectFlow_Login_TransformRecordsFinalParams(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	hub := host.NewMemoryHub()
	env := host.NewMemoryEnvironment(hub, "https://app.example.com/")
	client := newFakeClient()
	store, err := NewStateStore(env.LocalStorage, env.Cookies, "/")
	require.NoError(err)

	cfg := testRedirectConfig()
	cfg.ExtraQueryParams = map[string]string{"ui_locales": "en"}
	flow, err := NewRedirectFlow(env, client, cfg, store)
	require.NoError(err)
	nav := env.Navigator.(*host.MemoryNavigator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = flow.Login(ctx, loginInteractive, getLoginOpts(
			WithTransformURL(func(u string) string {
				parsed, err := url.Parse(u)
				require.NoError(err)
				q := parsed.Query()
				q.Set("ui_locales", "fr")
				parsed.RawQuery = q.Encode()
				return parsed.String()
			}),
		))
	}()

	assigned := awaitAssign(t, nav)
	u, err := url.Parse(assigned)
	require.NoError(err)
	assert.Equal("fr", u.Query().Get("ui_locales"))

	record, err := store.Get(u.Query().Get("state"))
	require.NoError(err)
	login, ok := record.(RedirectLoginState)
	require.True(ok)
	// The transformed value, not the configured one, is what a
	// consent_required bounce must report back.
	assert.Equal("fr", login.ExtraQueryParams["ui_locales"])
}

func TestRedirectFlow_PageShowGuard(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		kind        loginKind
		wantReloads int
	}{
		{"interactive-resets-flag", loginInteractive, 0},
		{"auto-forces-reload", loginAuto, 1},
		{"forced-forces-reload", loginForced, 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			flow, env, _, _ := testRedirectFlow(t)
			nav := env.Navigator.(*host.MemoryNavigator)
			lifecycle := env.Lifecycle.(*host.MemoryLifecycle)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() { _ = flow.Login(ctx, tt.kind, loginDefaults()) }()
			awaitAssign(t, nav)

			// Fresh pageshow events never trigger the guard.
			lifecycle.EmitPageShow(false)
			assert.Equal(0, nav.Reloads())

			lifecycle.EmitPageShow(true)
			assert.Equal(tt.wantReloads, nav.Reloads())

			if tt.kind == loginInteractive {
				// The flag was restored: a new login attempt starts over.
				retry, retryCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				defer retryCancel()
				err := flow.Login(retry, loginInteractive, loginDefaults())
				require.ErrorIs(err, context.DeadlineExceeded)
				require.Len(nav.Assigned(), 2)
			}
		})
	}
}

func TestRedirectFlow_Logout(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	flow, env, client, store := testRedirectFlow(t)
	nav := env.Navigator.(*host.MemoryNavigator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = flow.Logout(ctx, "raw-id-token", "idp-session", logoutDefaults()) }()

	assigned := awaitAssign(t, nav)
	u, err := url.Parse(assigned)
	require.NoError(err)
	require.Equal("idp.example.com", u.Host)
	assert.Equal("raw-id-token", u.Query().Get("id_token_hint"))
	assert.Equal("https://app.example.com/", u.Query().Get("post_logout_redirect_uri"))

	token := u.Query().Get("state")
	record, err := store.Get(token)
	require.NoError(err)
	logout, ok := record.(RedirectLogoutState)
	require.True(ok)
	assert.Equal("idp-session", logout.SessionID)

	req, ok := client.lastSignoutReq()
	require.True(ok)
	assert.Equal(token, req.StateToken)
}

func TestRedirectFlow_Logout_NoEndSessionEndpoint(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	flow, env, client, _ := testRedirectFlow(t)
	client.signoutErr = ErrEndSessionUnsupported
	nav := env.Navigator.(*host.MemoryNavigator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = flow.Logout(ctx, "", "", getLogoutOpts(WithRedirectURL("/goodbye"))) }()

	// The logout resolves locally instead of failing.
	assigned := awaitAssign(t, nav)
	assert.Equal("https://app.example.com/goodbye", assigned)
}
