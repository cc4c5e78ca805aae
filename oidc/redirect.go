package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/oidcspa/engine/host"
)

// loginKind selects prompt and bfcache behavior for a redirect.
type loginKind int

const (
	// loginInteractive is a user-triggered login; the IdP decides whether to
	// show a login screen based on its own session.
	loginInteractive loginKind = iota

	// loginAuto is an engine-triggered login (auto-login boot, renewal
	// fallback); a bfcache resurrection of the page must force a reload
	// because the flow cannot be left half-done.
	loginAuto

	// loginForced follows an explicit logout and forces re-authentication
	// with prompt=login.
	loginForced
)

// RedirectFlow builds and issues the full-page navigations to the IdP:
// login, step-up (goToAuthServer) and logout.  A navigation ends the page's
// life, so every entry point here blocks after handing the URL to the
// Navigator and only returns when ctx is done.
type RedirectFlow struct {
	env    host.Environment
	client Client
	cfg    *Config
	store  *StateStore
	logger hclog.Logger

	mu            sync.Mutex
	loginInFlight bool
}

func NewRedirectFlow(env host.Environment, client Client, cfg *Config, store *StateStore) (*RedirectFlow, error) {
	const op = "oidc.NewRedirectFlow"
	if client == nil {
		return nil, fmt.Errorf("%s: client is nil: %w", op, ErrNilParameter)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if store == nil {
		return nil, fmt.Errorf("%s: state store is nil: %w", op, ErrNilParameter)
	}
	return &RedirectFlow{
		env:    env,
		client: client,
		cfg:    cfg,
		store:  store,
		logger: cfg.logger(),
	}, nil
}

// Login issues a full-page login redirect.  It does not return under normal
// operation: the navigation replaces the page.  It returns early only when
// ctx is done, including the case where another login is already in flight,
// which makes the second call a no-op that waits out the imminent navigation.
func (f *RedirectFlow) Login(ctx context.Context, kind loginKind, opts loginOptions) error {
	const op = "RedirectFlow.Login"

	f.mu.Lock()
	if f.loginInFlight {
		f.mu.Unlock()
		// A redirect is already on its way; there is nothing useful a second
		// navigation could do.
		<-ctx.Done()
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	f.loginInFlight = true
	f.mu.Unlock()

	if err := f.prepareNavigation(ctx, kind); err != nil {
		f.resetInFlight()
		return fmt.Errorf("%s: %w", op, err)
	}

	redirectURL, err := f.cfg.ResolveURL(f.postLoginRedirectURL(opts))
	if err != nil {
		f.resetInFlight()
		return fmt.Errorf("%s: %w", op, err)
	}
	consentURL := ""
	if opts.withConsentRedirectURL != "" {
		if consentURL, err = f.cfg.ResolveURL(opts.withConsentRedirectURL); err != nil {
			f.resetInFlight()
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	token, err := NewStateToken()
	if err != nil {
		f.resetInFlight()
		return fmt.Errorf("%s: %w", op, err)
	}

	merged := mergeQueryParams(f.cfg.ExtraQueryParams, opts.withExtraQueryParams)
	authorizeURL, err := f.client.SigninRedirectURL(ctx, SigninRequest{
		StateToken:       token,
		Prompt:           promptForKind(kind),
		ExtraQueryParams: merged,
	})
	if err != nil {
		f.resetInFlight()
		return fmt.Errorf("%s: %w", op, err)
	}
	authorizeURL, recorded := f.applyTransforms(authorizeURL, merged, opts.withTransformURL)

	record := RedirectLoginState{
		ConfigID:           f.cfg.ConfigID(),
		RedirectURL:        redirectURL,
		ConsentRedirectURL: consentURL,
		ExtraQueryParams:   recorded,
	}
	if err := f.store.Put(token, record); err != nil {
		f.resetInFlight()
		return fmt.Errorf("%s: %w", op, err)
	}

	f.armPageShowGuard(kind)
	f.logger.Debug("issuing login redirect", "kind", int(kind))
	f.env.Navigator.Assign(authorizeURL)

	<-ctx.Done()
	return fmt.Errorf("%s: %w", op, ctx.Err())
}

// Logout issues the end_session_endpoint redirect.  When the provider has no
// such endpoint, it navigates locally to the post-logout URL instead; the
// caller has already marked the session explicitly logged out either way.
// Like Login, it only returns when ctx is done.
func (f *RedirectFlow) Logout(ctx context.Context, idTokenHint string, sessionID string, opts logoutOptions) error {
	const op = "RedirectFlow.Logout"

	if err := f.prepareNavigation(ctx, loginInteractive); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	redirectURL, err := f.cfg.ResolveURL(f.postLogoutRedirectURL(opts))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	token, err := NewStateToken()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	record := RedirectLogoutState{
		ConfigID:    f.cfg.ConfigID(),
		RedirectURL: redirectURL,
		SessionID:   sessionID,
	}
	if err := f.store.Put(token, record); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	signoutURL, err := f.client.SignoutRedirectURL(ctx, SignoutRequest{
		StateToken:            token,
		IDTokenHint:           idTokenHint,
		PostLogoutRedirectURL: redirectURL,
	})
	switch {
	case errors.Is(err, ErrEndSessionUnsupported):
		// Not fatal: resolve the logout locally.
		f.logger.Warn("provider advertises no end_session_endpoint, logging out locally")
		f.store.Clear(token)
		f.env.Navigator.Assign(redirectURL)
	case err != nil:
		return fmt.Errorf("%s: %w", op, err)
	default:
		f.env.Navigator.Assign(signoutURL)
	}

	<-ctx.Done()
	return fmt.Errorf("%s: %w", op, ctx.Err())
}

// GoToAuthServer sends an already-logged-in user back to the IdP for step-up
// authentication or account actions.  Only returns when ctx is done.
func (f *RedirectFlow) GoToAuthServer(ctx context.Context, opts loginOptions) error {
	const op = "RedirectFlow.GoToAuthServer"

	if err := f.prepareNavigation(ctx, loginInteractive); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	redirectURL, err := f.cfg.ResolveURL(f.postLoginRedirectURL(opts))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	token, err := NewStateToken()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	merged := mergeQueryParams(f.cfg.ExtraQueryParams, opts.withExtraQueryParams)
	authorizeURL, err := f.client.SigninRedirectURL(ctx, SigninRequest{
		StateToken:       token,
		Prompt:           PromptDefault,
		ExtraQueryParams: merged,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	authorizeURL, recorded := f.applyTransforms(authorizeURL, merged, opts.withTransformURL)

	record := RedirectLoginState{
		ConfigID:         f.cfg.ConfigID(),
		RedirectURL:      redirectURL,
		ExtraQueryParams: recorded,
	}
	if err := f.store.Put(token, record); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	f.env.Navigator.Assign(authorizeURL)
	<-ctx.Done()
	return fmt.Errorf("%s: %w", op, ctx.Err())
}

// prepareNavigation holds the redirect until the browser is online and the
// document is visible.  A redirect issued from a backgrounded tab can be
// silently dropped by the browser; an offline redirect just strands the user
// on an error page.
func (f *RedirectFlow) prepareNavigation(ctx context.Context, kind loginKind) error {
	if f.env.Connectivity != nil && !f.env.Connectivity.Online() {
		f.logger.Debug("offline, waiting before redirect")
		if err := f.env.Connectivity.AwaitOnline(ctx); err != nil {
			return err
		}
	}
	// Auto flows run headless by design and must not wait for a foreground
	// tab that may never come.
	if kind != loginAuto && f.env.Visibility != nil && !f.env.Visibility.Visible() {
		f.logger.Debug("document hidden, deferring redirect until visible")
		if err := f.env.Visibility.AwaitVisible(ctx); err != nil {
			return err
		}
	}
	return nil
}

// armPageShowGuard handles the page being resurrected from the back/forward
// cache after the redirect left it: auto flows force a reload (the flow must
// re-run from scratch), interactive flows just clear the in-flight flag so
// the user can try again.
func (f *RedirectFlow) armPageShowGuard(kind loginKind) {
	if f.env.Lifecycle == nil {
		return
	}
	var cancel func()
	cancel = f.env.Lifecycle.OnPageShow(func(persisted bool) {
		if !persisted {
			return
		}
		if cancel != nil {
			cancel()
		}
		if kind == loginAuto || kind == loginForced {
			f.logger.Debug("bfcache resurrection during auto login, reloading")
			f.env.Navigator.Reload()
			return
		}
		f.resetInFlight()
	})
}

// applyTransforms runs the global then the per-call URL transform and records
// every merged parameter's final value, so a consent_required bounce can
// report the exact caller-requested parameters back as backFromAuthServer.
func (f *RedirectFlow) applyTransforms(authorizeURL string, merged map[string]string, localTransform func(string) string) (string, map[string]string) {
	transformed := authorizeURL
	if f.cfg.TransformURLBeforeRedirect != nil {
		transformed = f.cfg.TransformURLBeforeRedirect(transformed)
	}
	if localTransform != nil {
		transformed = localTransform(transformed)
	}

	recorded := make(map[string]string, len(merged))
	for k, v := range merged {
		recorded[k] = v
	}
	if transformed != authorizeURL {
		if u, err := url.Parse(transformed); err == nil {
			q := u.Query()
			for k := range merged {
				if q.Has(k) {
					recorded[k] = q.Get(k)
				}
			}
		}
	}
	if len(recorded) == 0 {
		recorded = nil
	}
	return transformed, recorded
}

func (f *RedirectFlow) postLoginRedirectURL(opts loginOptions) string {
	if opts.withRedirectURL != "" {
		return opts.withRedirectURL
	}
	if f.cfg.PostLoginRedirectPath != "" {
		return f.cfg.PostLoginRedirectPath
	}
	return f.cfg.AppRootURL
}

func (f *RedirectFlow) postLogoutRedirectURL(opts logoutOptions) string {
	if opts.withRedirectURL != "" {
		return opts.withRedirectURL
	}
	return f.cfg.AppRootURL
}

func (f *RedirectFlow) resetInFlight() {
	f.mu.Lock()
	f.loginInFlight = false
	f.mu.Unlock()
}

func promptForKind(kind loginKind) Prompt {
	switch kind {
	case loginForced:
		return PromptLogin
	default:
		return PromptDefault
	}
}

// mergeQueryParams layers call params over config params.
func mergeQueryParams(global, local map[string]string) map[string]string {
	if len(global) == 0 && len(local) == 0 {
		return nil
	}
	merged := make(map[string]string, len(global)+len(local))
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range local {
		merged[k] = v
	}
	return merged
}

type loginOptions struct {
	withExtraQueryParams   map[string]string
	withTransformURL       func(string) string
	withRedirectURL        string
	withConsentRedirectURL string
}

func loginDefaults() loginOptions {
	return loginOptions{}
}

func getLoginOpts(opt ...Option) loginOptions {
	opts := loginDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

type logoutOptions struct {
	withRedirectURL string
}

func logoutDefaults() logoutOptions {
	return logoutOptions{}
}

func getLogoutOpts(opt ...Option) logoutOptions {
	opts := logoutDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
