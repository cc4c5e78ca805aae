package oidc

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// DefaultExpiryMargin is how long before the sooner of access- and
// refresh-token expiry a renewal is scheduled.
const DefaultExpiryMargin = 30 * time.Second

// maxTimerDelay is the 32-bit millisecond ceiling of the underlying timer in
// the original host environment; longer delays are clamped and simply fire a
// renewal that reschedules.
const maxTimerDelay = time.Duration(math.MaxInt32) * time.Millisecond

// renewFunc runs one actual renewal attempt (refresh grant, iframe fallback,
// or redirect continuation) and returns the new bundle.  Injected by the
// engine.
type renewFunc func(ctx context.Context, extraParams map[string]string) (*TokenBundle, error)

// renewalAttempt is one deduplicated renewal.  Callers with byte-identical
// extra parameters join the same attempt; callers with different parameters
// queue behind it, never concurrent with each other.
type renewalAttempt struct {
	key    string
	params map[string]string
	done   chan struct{}
	bundle *TokenBundle
	err    error
}

// TokenManager owns the current token bundle: it hands it out, notifies
// subscribers on change, schedules proactive renewal and serializes
// concurrent renewal requests.
type TokenManager struct {
	renew          renewFunc
	logger         hclog.Logger
	margin         time.Duration
	canSilentRenew func() bool

	mu       sync.Mutex
	bundle   *TokenBundle
	inflight *renewalAttempt
	pending  []*renewalAttempt
	timer    *time.Timer
	subs     map[int]func(*TokenBundle)
	nextSub  int
	closed   bool
}

func NewTokenManager(renew renewFunc, canSilentRenew func() bool, margin time.Duration, logger hclog.Logger) (*TokenManager, error) {
	const op = "oidc.NewTokenManager"
	if renew == nil {
		return nil, fmt.Errorf("%s: renew func is nil: %w", op, ErrNilParameter)
	}
	if margin <= 0 {
		margin = DefaultExpiryMargin
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if canSilentRenew == nil {
		canSilentRenew = func() bool { return false }
	}
	return &TokenManager{
		renew:          renew,
		logger:         logger,
		margin:         margin,
		canSilentRenew: canSilentRenew,
		subs:           make(map[int]func(*TokenBundle)),
	}, nil
}

// Current returns the bundle as-is, which may be nil or stale.
func (m *TokenManager) Current() *TokenBundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bundle
}

// GetTokens returns the current bundle, renewing first when it is inside the
// expiry margin.
func (m *TokenManager) GetTokens(ctx context.Context) (*TokenBundle, error) {
	const op = "TokenManager.GetTokens"
	m.mu.Lock()
	bundle := m.bundle
	m.mu.Unlock()
	if bundle == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNotLoggedIn)
	}
	if time.Until(bundle.AccessTokenExpiresAt) > m.margin {
		return bundle, nil
	}
	if err := m.RenewTokens(ctx, nil); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m.mu.Lock()
	bundle = m.bundle
	m.mu.Unlock()
	return bundle, nil
}

// SetTokens replaces the bundle wholesale, notifies subscribers and
// reschedules the renewal timer.
func (m *TokenManager) SetTokens(bundle *TokenBundle) {
	m.mu.Lock()
	m.bundle = bundle
	subs := make([]func(*TokenBundle), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(bundle)
	}
	m.schedule(bundle)
}

// Subscribe registers fn for token changes and returns a cancel function.
func (m *TokenManager) Subscribe(fn func(*TokenBundle)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// RenewTokens renews the bundle.  Concurrent calls with identical extra
// parameters attach to the same in-flight attempt; calls with different
// parameters run after the current attempt settles, in arrival order.
func (m *TokenManager) RenewTokens(ctx context.Context, extraParams map[string]string) error {
	const op = "TokenManager.RenewTokens"
	key := canonicalParams(extraParams)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%s: manager is closed: %w", op, ErrInvalidParameter)
	}
	var attempt *renewalAttempt
	runNow := false
	switch {
	case m.inflight != nil && m.inflight.key == key:
		attempt = m.inflight
	case m.inflight != nil:
		for _, p := range m.pending {
			if p.key == key {
				attempt = p
				break
			}
		}
		if attempt == nil {
			attempt = &renewalAttempt{key: key, params: extraParams, done: make(chan struct{})}
			m.pending = append(m.pending, attempt)
		}
	default:
		attempt = &renewalAttempt{key: key, params: extraParams, done: make(chan struct{})}
		m.inflight = attempt
		runNow = true
	}
	m.mu.Unlock()

	if runNow {
		go m.run(attempt)
	}

	select {
	case <-attempt.done:
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	if attempt.err != nil {
		return fmt.Errorf("%s: %w", op, attempt.err)
	}
	return nil
}

// run executes attempt and then drains the pending queue, one attempt at a
// time.
func (m *TokenManager) run(attempt *renewalAttempt) {
	for {
		bundle, err := m.renew(context.Background(), attempt.params)
		attempt.bundle, attempt.err = bundle, err
		if err == nil && bundle != nil {
			m.SetTokens(bundle)
		}
		close(attempt.done)

		m.mu.Lock()
		if len(m.pending) == 0 {
			m.inflight = nil
			m.mu.Unlock()
			return
		}
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.inflight = next
		m.mu.Unlock()
		attempt = next
	}
}

// schedule arms the proactive renewal timer: margin before the sooner of the
// access- and refresh-token expirations, clamped to the timer range.  Inside
// the margin nothing is scheduled (renewal happens organically on the next
// GetTokens), and without any silent renewal path nothing could be scheduled
// productively.
func (m *TokenManager) schedule(bundle *TokenBundle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.closed || bundle == nil {
		return
	}
	if !bundle.HasRefreshToken() && !m.canSilentRenew() {
		m.logger.Debug("no renewal path available, not scheduling")
		return
	}
	delay := time.Until(bundle.soonestExpiry()) - m.margin
	if delay <= 0 {
		m.logger.Debug("already within expiry margin, not scheduling")
		return
	}
	if delay > maxTimerDelay {
		delay = maxTimerDelay
	}
	m.logger.Debug("scheduling token renewal", "delay", delay)
	m.timer = time.AfterFunc(delay, func() {
		if err := m.RenewTokens(context.Background(), nil); err != nil {
			m.logger.Error("scheduled token renewal failed", "error", err)
		}
	})
}

// Close stops the renewal timer and rejects further renewals.
func (m *TokenManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// canonicalParams produces a deterministic key for a parameter set, so that
// "byte-identical extra parameters" is well defined for deduplication.
func canonicalParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
		b.WriteByte('&')
	}
	return b.String()
}

type renewOptions struct {
	withExtraQueryParams map[string]string
}

func renewDefaults() renewOptions {
	return renewOptions{}
}

func getRenewOpts(opt ...Option) renewOptions {
	opts := renewDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
