package oidc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oidcspa/engine/host"
)

const (
	authStateKeyPrefix = "oidc-spa:auth-state:"
	subjectKeyPrefix   = "oidc-spa:subject-id:"

	stateDescriptionLoggedIn  = "logged in"
	stateDescriptionLoggedOut = "explicitly logged out"
)

// PersistedAuthState is the single bit (plus optional deadline) that governs
// what the engine attempts at next boot: silent auto-login for LoggedIn, and
// nothing for ExplicitlyLoggedOut.  It is a sealed sum type.
type PersistedAuthState interface {
	persistedAuthState()
}

// LoggedIn records that the user was logged in.  Until, when non-zero, is the
// minimum of the refresh-token expiry and the configured idle lifetime;
// entries past it are purged lazily on read.
type LoggedIn struct {
	Until time.Time
}

// ExplicitlyLoggedOut records that the user logged out on purpose, which
// suppresses auto-login until the next interactive login.
type ExplicitlyLoggedOut struct{}

func (LoggedIn) persistedAuthState()            {}
func (ExplicitlyLoggedOut) persistedAuthState() {}

type authStateEnvelope struct {
	StateDescription string `json:"stateDescription"`
	UntilTime        int64  `json:"untilTime,omitempty"`
}

// SessionPersistence tracks "logged in" vs "explicitly logged out" across
// reloads, and detects new-browser-session transitions via a sessionStorage
// subject-id cache.
type SessionPersistence struct {
	local    host.Storage
	session  host.Storage
	configID string
	now      func() time.Time
}

func NewSessionPersistence(local, session host.Storage, configID string) (*SessionPersistence, error) {
	const op = "oidc.NewSessionPersistence"
	if local == nil || session == nil {
		return nil, fmt.Errorf("%s: storage is nil: %w", op, ErrNilParameter)
	}
	if configID == "" {
		return nil, fmt.Errorf("%s: config id is empty: %w", op, ErrInvalidParameter)
	}
	return &SessionPersistence{
		local:    local,
		session:  session,
		configID: configID,
		now:      time.Now,
	}, nil
}

// Persist writes state for the configuration identity.
func (p *SessionPersistence) Persist(state PersistedAuthState) error {
	const op = "SessionPersistence.Persist"
	var env authStateEnvelope
	switch v := state.(type) {
	case LoggedIn:
		env.StateDescription = stateDescriptionLoggedIn
		if !v.Until.IsZero() {
			env.UntilTime = v.Until.UnixMilli()
		}
	case ExplicitlyLoggedOut:
		env.StateDescription = stateDescriptionLoggedOut
	default:
		return fmt.Errorf("%s: unknown auth state variant %T: %w", op, state, ErrInvalidParameter)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%s: unable to marshal auth state: %w", op, err)
	}
	p.local.Set(authStateKeyPrefix+p.configID, string(b))
	return nil
}

// Read returns the persisted state, or nil when absent.  A LoggedIn entry
// whose deadline has elapsed is deleted and treated as absent.
func (p *SessionPersistence) Read() (PersistedAuthState, error) {
	const op = "SessionPersistence.Read"
	key := authStateKeyPrefix + p.configID
	raw, ok := p.local.Get(key)
	if !ok {
		return nil, nil
	}
	var env authStateEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("%s: malformed auth state: %w", op, err)
	}
	switch env.StateDescription {
	case stateDescriptionLoggedIn:
		state := LoggedIn{}
		if env.UntilTime != 0 {
			state.Until = time.UnixMilli(env.UntilTime)
			if state.Until.Before(p.now()) {
				p.local.Remove(key)
				return nil, nil
			}
		}
		return state, nil
	case stateDescriptionLoggedOut:
		return ExplicitlyLoggedOut{}, nil
	default:
		return nil, fmt.Errorf("%s: unknown auth state %q: %w", op, env.StateDescription, ErrInvalidParameter)
	}
}

// Clear removes the persisted state.
func (p *SessionPersistence) Clear() {
	p.local.Remove(authStateKeyPrefix + p.configID)
}

// IsNewBrowserSession compares subjectID against the one cached in
// sessionStorage.  A mismatch or absence means a new browser session; the
// fresh subject is cached either way.
func (p *SessionPersistence) IsNewBrowserSession(subjectID string) bool {
	key := subjectKeyPrefix + p.configID
	cached, ok := p.session.Get(key)
	p.session.Set(key, subjectID)
	return !ok || cached != subjectID
}

// ForgetBrowserSession clears the cached subject id.  Called whenever the
// user becomes not-logged-in.
func (p *SessionPersistence) ForgetBrowserSession() {
	p.session.Remove(subjectKeyPrefix + p.configID)
}
