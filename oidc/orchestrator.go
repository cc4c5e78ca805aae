package oidc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/oidcspa/engine/host"
)

// SessionStatus is the engine's terminal boot outcome.
type SessionStatus int

const (
	StatusNotLoggedIn SessionStatus = iota
	StatusLoggedIn
)

// BackFromAuthServer reports that the page was just re-entered from an IdP
// bounce that requires application handling (consent_required), along with
// the exact extra parameters the original caller requested.
type BackFromAuthServer struct {
	Result           *AuthError
	ExtraQueryParams map[string]string
}

// autoLogoutNotifyWindow is how far before the auto-logout deadline the
// countdown subscribers start being notified.
const autoLogoutNotifyWindow = 60 * time.Second

// Engine is one explicitly constructed, explicitly lifetime-scoped session
// engine per configuration identity.  All previously-ambient state (in-flight
// process list, instance id, lock flags) lives on it; nothing in this package
// is package-level mutable.
//
// Construction runs the boot sequence: complete a queued redirect response,
// else restore the collaborator's ephemeral session, else attempt a silent
// iframe signin, else (when auto-login applies) issue a full login
// redirect.  After New returns, the engine is in StatusLoggedIn or
// StatusNotLoggedIn (possibly with a pending navigation).
type Engine struct {
	cfg    *Config
	env    host.Environment
	client Client
	logger hclog.Logger

	store       *StateStore
	lock        *ProcessLock
	flow        *RedirectFlow
	iframe      *IframeChannel
	tokens      *TokenManager
	persistence *SessionPersistence
	crosstab    *CrossTabSync

	backgroundCtx       context.Context
	backgroundCtxCancel context.CancelFunc

	mu                sync.Mutex
	status            SessionStatus
	initErr           *InitializationError
	backFrom          *BackFromAuthServer
	newBrowserSession bool
	logoutInFlight    bool
	lastActivity      time.Time

	countdownMu   sync.Mutex
	countdownSubs map[int]func(remaining time.Duration)
	nextCountdown int
}

// New creates and boots an Engine.  The callback dispatcher (package
// callback) must have run first on callback pages; New assumes the current
// page is an application page.  Supported options: WithLogger,
// WithExpiryMargin.
//
// See Engine.Close, which must be called to release engine resources.
func New(ctx context.Context, cfg *Config, env host.Environment, client Client, opt ...Option) (*Engine, error) {
	const op = "oidc.New"
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if client == nil {
		return nil, fmt.Errorf("%s: client is nil: %w", op, ErrNilParameter)
	}
	if env.LocalStorage == nil || env.SessionStorage == nil || env.Navigator == nil {
		return nil, fmt.Errorf("%s: host environment is incomplete: %w", op, ErrNilParameter)
	}
	opts := getEngineOpts(opt...)
	logger := opts.withLogger
	if logger == nil {
		logger = cfg.logger()
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:                 cfg,
		env:                 env,
		client:              client,
		logger:              logger,
		lock:                NewProcessLock(),
		backgroundCtx:       bgCtx,
		backgroundCtxCancel: bgCancel,
		countdownSubs:       make(map[int]func(time.Duration)),
		lastActivity:        time.Now(),
	}

	var err error
	if e.store, err = NewStateStore(env.LocalStorage, env.Cookies, cfg.AppRootPath(), WithLogger(logger)); err != nil {
		e.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if e.flow, err = NewRedirectFlow(env, client, cfg, e.store); err != nil {
		e.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if e.iframe, err = NewIframeChannel(env, client, e.store, cfg.ConfigID(), logger); err != nil {
		e.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if e.persistence, err = NewSessionPersistence(env.LocalStorage, env.SessionStorage, cfg.ConfigID()); err != nil {
		e.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if e.tokens, err = NewTokenManager(e.renewOnce, e.silentRenewAvailable, opts.withExpiryMargin, logger); err != nil {
		e.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := e.boot(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return e, nil
}

// boot runs the initial transition sequence.  Only a fatal condition (token
// endpoint down with auto-login configured) yields an error; every other
// failure settles in StatusNotLoggedIn with the cause surfaced on
// InitializationError().
func (e *Engine) boot(ctx context.Context) error {
	// (1) A redirect-based AuthResponse queued by the callback dispatcher
	// takes priority: the user just came back from the IdP.
	response, found, err := TakeRedirectResponse(e.env.SessionStorage, e.cfg.ConfigID())
	if err != nil {
		e.logger.Warn("dropping unreadable redirect response queue", "error", err)
	}
	if found {
		if done, err := e.completeRedirect(ctx, response); done {
			return err
		}
	}

	var initCauses error

	// (2) The collaborator may still hold tokens from earlier in this
	// browser session.
	raw, ok, err := e.client.RestoreSession(ctx)
	if err != nil {
		e.logger.Debug("ephemeral session restore failed", "error", err)
		initCauses = multierror.Append(initCauses, err)
	}
	if err == nil && ok {
		if bundle, err := NormalizeTokens(raw, nil, e.logger); err == nil {
			e.becomeLoggedIn(bundle, false)
			return nil
		}
	}

	// (3) Silent signin, governed by the persisted auth state: attempted for
	// a previously-logged-in user or under auto-login, skipped after an
	// explicit logout and for first-time visitors.
	persisted, err := e.persistence.Read()
	if err != nil {
		e.logger.Warn("unreadable persisted auth state", "error", err)
	}
	_, wasLoggedIn := persisted.(LoggedIn)
	_, explicitlyOut := persisted.(ExplicitlyLoggedOut)

	if (wasLoggedIn || e.cfg.AutoLogin) && !explicitlyOut && !e.cfg.DisableSilentSignin && e.iframe.Available() {
		response, err := e.iframe.SilentSignin(ctx, e.cfg.ExtraQueryParams, e.cfg.AutoLogin)
		switch {
		case err == nil:
			if authErr := response.AuthError(); authErr != nil {
				if authErr.RequiresInteraction() {
					return e.settleNotLoggedIn(nil, true)
				}
				initCauses = multierror.Append(initCauses, authErr)
			} else if raw, err := e.client.CompleteSignin(ctx, response); err == nil {
				if bundle, err := NormalizeTokens(raw, nil, e.logger); err == nil {
					e.becomeLoggedIn(bundle, true)
					return nil
				}
			} else {
				initCauses = multierror.Append(initCauses, err)
			}
		case errors.Is(err, ErrSilentSigninTimeout), errors.Is(err, ErrWellKnownUnreachable):
			initCauses = multierror.Append(initCauses, err)
		default:
			initCauses = multierror.Append(initCauses, err)
		}
	}

	var initErr *InitializationError
	if initCauses != nil {
		initErr = &InitializationError{Msg: "engine initialization failed", Wrapped: initCauses}
	}
	return e.settleNotLoggedIn(initErr, !explicitlyOut)
}

// completeRedirect finishes a redirect-based flow.  The bool result reports
// whether boot is done (either logged in, or fatally failed); false means
// fall through to the rest of the chain (IdP-side error).
func (e *Engine) completeRedirect(ctx context.Context, response AuthResponse) (bool, error) {
	if authErr := response.AuthError(); authErr != nil {
		e.logger.Debug("redirect returned an IdP error", "code", authErr.Code)
		e.mu.Lock()
		e.backFrom = &BackFromAuthServer{
			Result:           authErr,
			ExtraQueryParams: e.recordedExtraParams(response.StateToken()),
		}
		e.mu.Unlock()
		return false, nil
	}
	raw, err := e.client.CompleteSignin(ctx, response)
	if err != nil {
		if e.cfg.AutoLogin {
			return true, &InitializationError{Msg: "unable to complete login redirect", Wrapped: err}
		}
		e.logger.Error("unable to complete login redirect", "error", err)
		return true, e.settleNotLoggedIn(&InitializationError{Msg: "unable to complete login redirect", Wrapped: err}, false)
	}
	bundle, err := NormalizeTokens(raw, nil, e.logger)
	if err != nil {
		return true, e.settleNotLoggedIn(&InitializationError{Msg: "malformed token response", Wrapped: err}, false)
	}
	e.becomeLoggedIn(bundle, true)
	return true, nil
}

func (e *Engine) recordedExtraParams(stateToken string) map[string]string {
	if !IsStateToken(stateToken) {
		return nil
	}
	record, err := e.store.Get(stateToken)
	if err != nil {
		return nil
	}
	if login, ok := record.(RedirectLoginState); ok {
		return login.ExtraQueryParams
	}
	return nil
}

// becomeLoggedIn is the terminal-with-side-effects transition: store tokens,
// schedule renewal, start cross-tab sync, persist the logged-in marker and
// arm the auto-logout countdown.
func (e *Engine) becomeLoggedIn(bundle *TokenBundle, freshLogin bool) {
	e.mu.Lock()
	e.status = StatusLoggedIn
	e.initErr = nil
	e.mu.Unlock()

	e.tokens.SetTokens(bundle)

	e.mu.Lock()
	e.newBrowserSession = e.persistence.IsNewBrowserSession(bundle.Subject())
	e.mu.Unlock()

	if err := e.persistence.Persist(LoggedIn{Until: e.sessionDeadline(bundle)}); err != nil {
		e.logger.Warn("unable to persist auth state", "error", err)
	}

	if e.crosstab != nil {
		e.crosstab.Close()
		e.crosstab = nil
	}
	tabSync, err := NewCrossTabSync(e.env.Channels, e.cfg.ConfigID(), bundle.SessionID(), e.logger)
	if err != nil {
		e.logger.Warn("cross-tab sync unavailable", "error", err)
	} else {
		e.crosstab = tabSync
		tabSync.Start(e.onPeerLogin, e.onPeerLogout)
		if freshLogin {
			tabSync.NotifyLogin()
		}
	}

	go e.autoLogoutLoop()
}

func (e *Engine) settleNotLoggedIn(initErr *InitializationError, allowAutoLogin bool) error {
	e.mu.Lock()
	e.status = StatusNotLoggedIn
	e.initErr = initErr
	e.mu.Unlock()
	e.persistence.ForgetBrowserSession()

	// A not-logged-in tab still listens for sibling logins so it can pick
	// the new session up with a reload.
	if e.crosstab == nil {
		tabSync, err := NewCrossTabSync(e.env.Channels, e.cfg.ConfigID(), "", e.logger)
		if err != nil {
			e.logger.Warn("cross-tab sync unavailable", "error", err)
		} else {
			e.crosstab = tabSync
			tabSync.Start(e.onPeerLogin, e.onPeerLogout)
		}
	}

	if e.cfg.AutoLogin {
		if initErr != nil {
			// Auto-login has no retry UI to fall back on; surface fatally.
			return initErr
		}
		if allowAutoLogin {
			// Terminal for this page load: the navigation is on its way.
			go func() {
				if err := e.flow.Login(e.backgroundCtx, loginAuto, loginDefaults()); err != nil && !errors.Is(err, context.Canceled) {
					e.logger.Error("auto-login redirect failed", "error", err)
				}
			}()
		}
	}
	return nil
}

// sessionDeadline is the minimum of refresh-token expiry and the configured
// idle lifetime, or zero when neither bounds the session.
func (e *Engine) sessionDeadline(bundle *TokenBundle) time.Time {
	var deadline time.Time
	if bundle.Refresh != nil && !bundle.Refresh.ExpiresAt.IsZero() {
		deadline = bundle.Refresh.ExpiresAt
	}
	if e.cfg.IdleSessionLifetime > 0 {
		idle := time.Now().Add(e.cfg.IdleSessionLifetime)
		if deadline.IsZero() || idle.Before(deadline) {
			deadline = idle
		}
	}
	return deadline
}

// Status returns the engine's current state.
func (e *Engine) Status() SessionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// InitializationError returns the boot failure surfaced on a not-logged-in
// engine, or nil.  It is never non-nil on a logged-in engine.
func (e *Engine) InitializationError() *InitializationError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initErr
}

// BackFromAuthServer reports the consent-required bounce context, if the page
// was just re-entered from one.
func (e *Engine) BackFromAuthServer() *BackFromAuthServer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backFrom
}

// IsNewBrowserSession reports whether this page load started a new browser
// session for the logged-in subject.
func (e *Engine) IsNewBrowserSession() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.newBrowserSession
}

// Login sends the user to the IdP for an interactive login.  It does not
// return under normal operation (the navigation replaces the page) and
// returns ctx.Err() once ctx is done.  Calling it while already logged in is
// an error; calling it while another login is in flight is a no-op that also
// blocks until ctx is done.  Supported options: WithExtraQueryParams,
// WithTransformURL, WithRedirectURL, WithConsentRedirectURL.
func (e *Engine) Login(ctx context.Context, opt ...Option) error {
	const op = "Engine.Login"
	if e.Status() == StatusLoggedIn {
		return fmt.Errorf("%s: already logged in: %w", op, ErrInvalidParameter)
	}
	kind := loginInteractive
	if persisted, err := e.persistence.Read(); err == nil {
		if _, out := persisted.(ExplicitlyLoggedOut); out {
			// Force a fresh authentication screen after an explicit logout.
			kind = loginForced
		}
	}
	return e.flow.Login(ctx, kind, getLoginOpts(opt...))
}

// Logout marks the session explicitly logged out, notifies sibling tabs,
// waits for in-flight login/refresh processes to drain, and navigates to the
// IdP's end_session_endpoint (or locally when the IdP has none).  Like Login
// it only returns when ctx is done; a concurrent second call is a no-op with
// the same blocking behavior.  Supported options: WithRedirectURL.
func (e *Engine) Logout(ctx context.Context, opt ...Option) error {
	const op = "Engine.Logout"

	e.mu.Lock()
	if e.logoutInFlight {
		e.mu.Unlock()
		<-ctx.Done()
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	e.logoutInFlight = true
	e.mu.Unlock()

	// Fence off new login/refresh processes and wait for running ones to
	// reach a safe point; the barrier is never released because navigation
	// follows.
	if _, err := e.lock.Barrier(ctx); err != nil {
		e.mu.Lock()
		e.logoutInFlight = false
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", op, err)
	}

	bundle := e.tokens.Current()
	idTokenHint, sessionID := "", ""
	if bundle != nil {
		idTokenHint = string(bundle.IDToken)
		sessionID = bundle.SessionID()
	}

	if err := e.persistence.Persist(ExplicitlyLoggedOut{}); err != nil {
		e.logger.Warn("unable to persist logout state", "error", err)
	}
	e.persistence.ForgetBrowserSession()
	if e.crosstab != nil {
		e.crosstab.NotifyLogout()
	}

	return e.flow.Logout(ctx, idTokenHint, sessionID, getLogoutOpts(opt...))
}

// GoToAuthServer sends an already-logged-in user back to the IdP for step-up
// authentication or account actions.  Only returns when ctx is done.
// Supported options: WithExtraQueryParams, WithTransformURL, WithRedirectURL.
func (e *Engine) GoToAuthServer(ctx context.Context, opt ...Option) error {
	const op = "Engine.GoToAuthServer"
	if e.Status() != StatusLoggedIn {
		return fmt.Errorf("%s: %w", op, ErrNotLoggedIn)
	}
	return e.flow.GoToAuthServer(ctx, getLoginOpts(opt...))
}

// RenewTokens forces a renewal.  Concurrent calls with identical extra
// parameters share one attempt; different parameters queue.  Supported
// options: WithExtraQueryParams.
func (e *Engine) RenewTokens(ctx context.Context, opt ...Option) error {
	const op = "Engine.RenewTokens"
	if e.Status() != StatusLoggedIn {
		return fmt.Errorf("%s: %w", op, ErrNotLoggedIn)
	}
	opts := getRenewOpts(opt...)
	if err := e.tokens.RenewTokens(ctx, opts.withExtraQueryParams); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetTokens returns the current bundle, renewing first when it is inside the
// expiry margin.
func (e *Engine) GetTokens(ctx context.Context) (*TokenBundle, error) {
	return e.tokens.GetTokens(ctx)
}

// GetDecodedIDToken returns the decoded id_token claims of the current
// bundle.
func (e *Engine) GetDecodedIDToken() (map[string]interface{}, error) {
	const op = "Engine.GetDecodedIDToken"
	bundle := e.tokens.Current()
	if bundle == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNotLoggedIn)
	}
	return bundle.DecodedIDToken, nil
}

// SubscribeToTokensChange registers fn for every bundle replacement and
// returns an unsubscribe function.
func (e *Engine) SubscribeToTokensChange(fn func(*TokenBundle)) (cancel func()) {
	return e.tokens.Subscribe(fn)
}

// SubscribeToAutoLogoutCountdown registers fn to receive the remaining time
// once the session is within a minute of its auto-logout deadline.
func (e *Engine) SubscribeToAutoLogoutCountdown(fn func(remaining time.Duration)) (cancel func()) {
	e.countdownMu.Lock()
	id := e.nextCountdown
	e.nextCountdown++
	e.countdownSubs[id] = fn
	e.countdownMu.Unlock()
	return func() {
		e.countdownMu.Lock()
		delete(e.countdownSubs, id)
		e.countdownMu.Unlock()
	}
}

// RecordActivity marks the user as active, pushing back the idle deadline.
func (e *Engine) RecordActivity() {
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

// renewOnce is the actual renewal body handed to the TokenManager.  It runs
// inside the process lock and tries, in order: the refresh-token grant, the
// silent iframe, and finally a full login redirect, the only remaining way
// to recover without user interaction having failed.
func (e *Engine) renewOnce(ctx context.Context, extraParams map[string]string) (*TokenBundle, error) {
	const op = "Engine.renewOnce"
	release, err := e.lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer release()

	previous := e.tokens.Current()
	var prevDecoded map[string]interface{}
	if previous != nil {
		prevDecoded = previous.DecodedIDToken
	}

	if previous != nil && previous.HasRefreshToken() {
		raw, err := e.client.RefreshGrant(ctx, previous.Refresh.Token, extraParams)
		if err == nil {
			bundle, err := NormalizeTokens(raw, prevDecoded, e.logger)
			if err == nil {
				e.refreshPersistedDeadline(bundle)
				return bundle, nil
			}
			e.logger.Warn("malformed refresh response", "error", err)
		} else {
			e.logger.Debug("refresh grant failed, falling back to iframe", "error", err)
		}
	}

	if e.silentRenewAvailable() {
		response, err := e.iframe.SilentSignin(ctx, extraParams, false)
		if err == nil && response.AuthError() == nil {
			raw, err := e.client.CompleteSignin(ctx, response)
			if err == nil {
				bundle, err := NormalizeTokens(raw, prevDecoded, e.logger)
				if err == nil {
					e.refreshPersistedDeadline(bundle)
					return bundle, nil
				}
			}
			e.logger.Debug("silent renewal exchange failed", "error", err)
		} else if err != nil {
			e.logger.Debug("silent renewal failed", "error", err)
		}
	}

	// No non-interactive path left: continue through a full-page login.
	e.logger.Warn("all silent renewal paths failed, issuing login redirect")
	go func() {
		if err := e.flow.Login(e.backgroundCtx, loginAuto, loginDefaults()); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("renewal login redirect failed", "error", err)
		}
	}()
	return nil, fmt.Errorf("%s: login redirect issued: %w", op, ErrNotLoggedIn)
}

func (e *Engine) refreshPersistedDeadline(bundle *TokenBundle) {
	if err := e.persistence.Persist(LoggedIn{Until: e.sessionDeadline(bundle)}); err != nil {
		e.logger.Warn("unable to persist auth state", "error", err)
	}
}

func (e *Engine) silentRenewAvailable() bool {
	return !e.cfg.DisableSilentSignin && e.iframe != nil && e.iframe.Available()
}

// onPeerLogin reacts to a sibling tab's login: a not-logged-in tab reloads,
// since it cannot merge external login state without the backend round trip
// the sibling already performed.
func (e *Engine) onPeerLogin() {
	if e.Status() == StatusLoggedIn {
		return
	}
	e.logger.Debug("sibling tab logged in, reloading")
	e.env.Navigator.Reload()
}

// onPeerLogout reacts to a sibling tab's logout: drain our own in-flight
// processes through the lock, then reload, so we never reload mid-renewal.
func (e *Engine) onPeerLogout() {
	if e.Status() != StatusLoggedIn {
		return
	}
	e.logger.Debug("sibling tab logged out, reloading after drain")
	go func() {
		if _, err := e.lock.Barrier(e.backgroundCtx); err != nil {
			return
		}
		e.env.Navigator.Reload()
	}()
}

// autoLogoutLoop ticks toward the session deadline: the sooner of the
// refresh-token expiry and the idle deadline.  Activity (RecordActivity)
// pushes the idle half back.  Subscribers are notified inside the final
// minute; reaching zero logs the user out.
func (e *Engine) autoLogoutLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.backgroundCtx.Done():
			return
		case <-ticker.C:
		}

		deadline := e.currentDeadline()
		if deadline.IsZero() {
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			e.logger.Info("auto-logout deadline reached")
			logoutCtx, cancel := context.WithTimeout(e.backgroundCtx, 30*time.Second)
			_ = e.Logout(logoutCtx)
			cancel()
			return
		}
		if remaining <= autoLogoutNotifyWindow {
			e.notifyCountdown(remaining)
		}
	}
}

func (e *Engine) currentDeadline() time.Time {
	bundle := e.tokens.Current()
	if bundle == nil {
		return time.Time{}
	}
	var deadline time.Time
	if bundle.Refresh != nil && !bundle.Refresh.ExpiresAt.IsZero() {
		deadline = bundle.Refresh.ExpiresAt
	}
	if e.cfg.IdleSessionLifetime > 0 {
		e.mu.Lock()
		idle := e.lastActivity.Add(e.cfg.IdleSessionLifetime)
		e.mu.Unlock()
		if deadline.IsZero() || idle.Before(deadline) {
			deadline = idle
		}
	}
	return deadline
}

func (e *Engine) notifyCountdown(remaining time.Duration) {
	e.countdownMu.Lock()
	subs := make([]func(time.Duration), 0, len(e.countdownSubs))
	for _, fn := range e.countdownSubs {
		subs = append(subs, fn)
	}
	e.countdownMu.Unlock()
	for _, fn := range subs {
		fn(remaining)
	}
}

// Close releases the engine's background resources and must be called for
// every Engine created.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.backgroundCtxCancel()
	if e.tokens != nil {
		e.tokens.Close()
	}
	if e.crosstab != nil {
		e.crosstab.Close()
	}
	return nil
}

type engineOptions struct {
	withLogger       hclog.Logger
	withExpiryMargin time.Duration
}

func engineDefaults() engineOptions {
	return engineOptions{}
}

func getEngineOpts(opt ...Option) engineOptions {
	opts := engineDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
