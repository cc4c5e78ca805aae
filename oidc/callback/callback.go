// Package callback handles the page loads that land on an OAuth2 redirect
// URI.  The Dispatcher runs once, before any Engine is constructed: it
// recognizes the engine's own state tokens in the URL, resolves the matching
// state record and routes the auth response: posted encrypted to the parent
// frame for silent signin attempts, queued and navigated away from for
// full-page redirects.  Pages that are not callbacks pass through untouched.
package callback

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/oidcspa/engine/host"
	"github.com/oidcspa/engine/oidc"
)

const (
	// historyTrackerKey holds the back/forward replay state machine in the
	// tab's session storage.
	historyTrackerKey = "oidc-spa:callback-history"

	// replayFallbackDelay bounds a history replay: when the page is still on
	// the callback URL after this long, there was no history entry to go to
	// and the dispatcher hard-navigates instead.
	replayFallbackDelay = 1500 * time.Millisecond

	consentRequiredError = "consent_required"
)

// Result is the dispatch outcome.  Handled means the page load was a
// callback and the dispatcher has taken it over: a navigation or a parent
// post is on its way and the caller should not boot an engine.
type Result struct {
	Handled bool
}

// Dispatcher routes callback page loads.  One Dispatcher is created per page
// load; Dispatch is memoized so init code paths can call it defensively.
type Dispatcher struct {
	env    host.Environment
	store  *oidc.StateStore
	logger hclog.Logger

	once   sync.Once
	result Result
	err    error
}

// NewDispatcher creates a Dispatcher over the host environment.  appRootPath
// scopes the state-record cookie mirror, and must match the path the engine
// configuration resolves to.
func NewDispatcher(env host.Environment, appRootPath string, logger hclog.Logger) (*Dispatcher, error) {
	const op = "callback.NewDispatcher"
	if env.Navigator == nil || env.SessionStorage == nil || env.LocalStorage == nil {
		return nil, fmt.Errorf("%s: host environment is incomplete: %w", op, oidc.ErrNilParameter)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	store, err := oidc.NewStateStore(env.LocalStorage, env.Cookies, appRootPath, oidc.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Dispatcher{
		env:    env,
		store:  store,
		logger: logger,
	}, nil
}

// Dispatch inspects the current URL and handles it when it is one of the
// engine's own callbacks.  Subsequent calls return the first call's result.
func (d *Dispatcher) Dispatch() (Result, error) {
	d.once.Do(func() {
		d.result, d.err = d.dispatch()
	})
	return d.result, d.err
}

func (d *Dispatcher) dispatch() (Result, error) {
	const op = "Dispatcher.Dispatch"

	current, err := url.Parse(d.env.Navigator.CurrentURL())
	if err != nil {
		return Result{}, fmt.Errorf("%s: unparsable current url: %w", op, err)
	}

	params, ok := callbackParams(current)
	if !ok {
		// Not a callback.  If a replay is in progress, note that the user has
		// actually left the callback URL, so the next stale hit retries the
		// same direction instead of flipping.
		d.markExitedCallback()
		return Result{Handled: false}, nil
	}

	token := params["state"]
	record, err := d.store.Get(token)
	switch {
	case errors.Is(err, oidc.ErrStateNotFound):
		d.replayHistory(current)
		return Result{Handled: true}, nil
	case err != nil:
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	if login, ok := record.(oidc.RedirectLoginState); ok && login.Processed {
		d.replayHistory(current)
		return Result{Handled: true}, nil
	}

	response := oidc.AuthResponse(params)
	switch record := record.(type) {
	case oidc.IframeState:
		if err := d.dispatchIframe(response); err != nil {
			return Result{Handled: true}, fmt.Errorf("%s: %w", op, err)
		}
		return Result{Handled: true}, nil
	case oidc.RedirectLoginState:
		if err := d.dispatchRedirectLogin(token, record, response); err != nil {
			return Result{Handled: true}, fmt.Errorf("%s: %w", op, err)
		}
		return Result{Handled: true}, nil
	case oidc.RedirectLogoutState:
		d.dispatchRedirectLogout(token, record)
		return Result{Handled: true}, nil
	default:
		return Result{}, fmt.Errorf("%s: unknown state record %T: %w", op, record, oidc.ErrInvalidParameter)
	}
}

// dispatchIframe posts the encrypted response to the parent frame.  Posting
// from a top-level window would hand the response to nobody and is refused:
// an IframeState record reaching a top-level load means the silent-signin
// iframe was broken out of.
func (d *Dispatcher) dispatchIframe(response oidc.AuthResponse) error {
	if d.env.Frame == nil || !d.env.Frame.IsEmbedded() {
		d.logger.Error("refusing to dispatch a silent-signin response outside an embedded frame")
		return oidc.ErrNotEmbedded
	}
	msg, err := oidc.EncryptIframeResponse(d.env.SessionStorage, response)
	if err != nil {
		return err
	}
	d.env.Frame.PostToParent([]byte(msg))
	return nil
}

// dispatchRedirectLogin finishes the navigation half of a full-page login:
// mark the record consumed, queue the response for the engine that will boot
// on the target page, and leave the callback URL through location.href so it
// is not kept in history.
func (d *Dispatcher) dispatchRedirectLogin(token string, record oidc.RedirectLoginState, response oidc.AuthResponse) error {
	if err := d.store.MarkProcessed(token); err != nil {
		return err
	}
	if err := oidc.PushRedirectResponse(d.env.SessionStorage, record.ConfigID, response); err != nil {
		return err
	}

	target := record.RedirectURL
	if authErr := response.AuthError(); authErr != nil && authErr.Code == consentRequiredError && record.ConsentRedirectURL != "" {
		target = record.ConsentRedirectURL
	}

	// A bfcache resurrection of this page would re-run nothing; force a real
	// reload so the (now processed) record goes down the replay path.
	if d.env.Lifecycle != nil {
		d.env.Lifecycle.OnPageShow(func(persisted bool) {
			if persisted {
				d.env.Navigator.Reload()
			}
		})
	}

	d.logger.Debug("dispatching redirect login callback", "target", target)
	d.env.Navigator.Assign(target)
	return nil
}

func (d *Dispatcher) dispatchRedirectLogout(token string, record oidc.RedirectLogoutState) {
	d.store.Clear(token)
	d.logger.Debug("dispatching redirect logout callback", "target", record.RedirectURL)
	d.env.Navigator.Assign(record.RedirectURL)
}

// historyTracker is the persisted back/forward replay state machine: the
// direction of the previous replay, and whether the user has actually left
// the callback URL since then.
type historyTracker struct {
	PreviousHistoryMethod string `json:"previousHistoryMethod"`
	HasExitedCallback     bool   `json:"hasExitedCallback"`
}

const (
	historyBack    = "back"
	historyForward = "forward"
)

// replayHistory resolves a stale callback revisit (missing or already
// processed record) by moving through browser history, flipping direction on
// successive stale hits that never left the callback URL.  A timer guards
// the case where there is no history entry in the chosen direction: the page
// would stay stranded on the callback URL, so the dispatcher hard-navigates
// to the same URL stripped of its callback parameters.
func (d *Dispatcher) replayHistory(current *url.URL) {
	tracker := d.readTracker()

	direction := historyBack
	if tracker != nil {
		direction = tracker.PreviousHistoryMethod
		if !tracker.HasExitedCallback {
			direction = flip(direction)
		}
	}
	d.writeTracker(historyTracker{PreviousHistoryMethod: direction, HasExitedCallback: false})

	d.logger.Debug("replaying history to leave stale callback", "direction", direction)
	if direction == historyForward {
		d.env.Navigator.HistoryForward()
	} else {
		d.env.Navigator.HistoryBack()
	}

	stranded := current.String()
	fallback := stripCallbackParams(current)
	time.AfterFunc(replayFallbackDelay, func() {
		if d.env.Navigator.CurrentURL() != stranded {
			return
		}
		d.logger.Debug("history replay went nowhere, stripping callback parameters")
		d.env.Navigator.Assign(fallback)
	})
}

func (d *Dispatcher) readTracker() *historyTracker {
	raw, ok := d.env.SessionStorage.Get(historyTrackerKey)
	if !ok {
		return nil
	}
	var tracker historyTracker
	if err := json.Unmarshal([]byte(raw), &tracker); err != nil {
		d.env.SessionStorage.Remove(historyTrackerKey)
		return nil
	}
	return &tracker
}

func (d *Dispatcher) writeTracker(tracker historyTracker) {
	b, err := json.Marshal(tracker)
	if err != nil {
		return
	}
	d.env.SessionStorage.Set(historyTrackerKey, string(b))
}

func (d *Dispatcher) markExitedCallback() {
	tracker := d.readTracker()
	if tracker == nil || tracker.HasExitedCallback {
		return
	}
	tracker.HasExitedCallback = true
	d.writeTracker(*tracker)
}

func flip(direction string) string {
	if direction == historyBack {
		return historyForward
	}
	return historyBack
}

// callbackParams extracts the auth response parameters when the URL is one
// of the engine's own callbacks.  The fragment is authoritative (default
// response mode); the query is consulted second, and only when the page is
// not a foreign OIDC authorization screen that merely happens to carry a
// state parameter of the right shape.
func callbackParams(current *url.URL) (map[string]string, bool) {
	if fragment := parseValues(current.Fragment); oidc.IsStateToken(fragment.Get("state")) {
		return flatten(fragment), true
	}
	query := current.Query()
	if !oidc.IsStateToken(query.Get("state")) {
		return nil, false
	}
	if query.Has("client_id") && query.Has("response_type") && query.Has("redirect_uri") {
		// An authorization *request* to some other provider, not a response.
		return nil, false
	}
	return flatten(query), true
}

func parseValues(fragment string) url.Values {
	values, err := url.ParseQuery(strings.TrimPrefix(fragment, "#"))
	if err != nil {
		return url.Values{}
	}
	return values
}

func flatten(values url.Values) map[string]string {
	params := make(map[string]string, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}
	return params
}

// callbackParamNames are the response parameters stripped when falling back
// to a hard navigation off a stale callback URL.
var callbackParamNames = []string{"state", "code", "error", "error_description", "error_uri", "session_state", "iss"}

func stripCallbackParams(current *url.URL) string {
	stripped := *current
	query := stripped.Query()
	for _, name := range callbackParamNames {
		query.Del(name)
	}
	stripped.RawQuery = query.Encode()

	fragment := parseValues(stripped.Fragment)
	if oidc.IsStateToken(fragment.Get("state")) {
		for _, name := range callbackParamNames {
			fragment.Del(name)
		}
		stripped.Fragment = fragment.Encode()
		if len(fragment) == 0 {
			stripped.Fragment = ""
		}
	}
	return stripped.String()
}
