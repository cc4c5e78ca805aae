package oidc

import (
	"encoding/json"
	"fmt"
	"time"
)

// StateRecord is the per-attempt context persisted under a state token while
// a flow is round-tripped through the IdP.  It is a sealed sum type:
// IframeState, RedirectLoginState and RedirectLogoutState are the only
// variants, and code switching on a StateRecord can rely on that.
type StateRecord interface {
	// RecordConfigID is the configuration identity the attempt belongs to.
	RecordConfigID() string

	stateContext() string
}

// IframeState marks a silent (hidden iframe) signin attempt.
type IframeState struct {
	ConfigID string
}

// RedirectLoginState marks a full-page login redirect.  RedirectURL is where
// the user lands once the callback completes; ConsentRedirectURL replaces it
// when the IdP answers with error=consent_required.  Processed flips to true
// the first time the callback dispatcher consumes the record, guarding
// against replays from bfcache or history navigation.
type RedirectLoginState struct {
	ConfigID           string
	RedirectURL        string
	ConsentRedirectURL string
	ExtraQueryParams   map[string]string
	Processed          bool
}

// RedirectLogoutState marks a full-page logout redirect.  SessionID, when
// known, scopes the cross-tab logout propagation to one IdP session.
type RedirectLogoutState struct {
	ConfigID    string
	RedirectURL string
	SessionID   string
}

func (s IframeState) RecordConfigID() string         { return s.ConfigID }
func (s RedirectLoginState) RecordConfigID() string  { return s.ConfigID }
func (s RedirectLogoutState) RecordConfigID() string { return s.ConfigID }

const (
	contextIframe         = "iframe"
	contextRedirectLogin  = "redirect"
	contextRedirectLogout = "redirect-logout"
)

func (IframeState) stateContext() string         { return contextIframe }
func (RedirectLoginState) stateContext() string  { return contextRedirectLogin }
func (RedirectLogoutState) stateContext() string { return contextRedirectLogout }

// stateEnvelope is the persisted JSON shape for every StateRecord variant,
// tagged by the context discriminator.
type stateEnvelope struct {
	Context            string            `json:"context"`
	ConfigID           string            `json:"configId"`
	CreatedAt          int64             `json:"createdAt"`
	RedirectURL        string            `json:"redirectUrl,omitempty"`
	ConsentRedirectURL string            `json:"redirectUrlConsentCase,omitempty"`
	ExtraQueryParams   map[string]string `json:"extraQueryParams,omitempty"`
	Processed          bool              `json:"processed,omitempty"`
	SessionID          string            `json:"sessionId,omitempty"`
}

func encodeStateRecord(r StateRecord, createdAt time.Time) (string, error) {
	const op = "oidc.encodeStateRecord"
	env := stateEnvelope{
		Context:   r.stateContext(),
		ConfigID:  r.RecordConfigID(),
		CreatedAt: createdAt.UnixMilli(),
	}
	switch v := r.(type) {
	case IframeState:
	case RedirectLoginState:
		env.RedirectURL = v.RedirectURL
		env.ConsentRedirectURL = v.ConsentRedirectURL
		env.ExtraQueryParams = v.ExtraQueryParams
		env.Processed = v.Processed
	case RedirectLogoutState:
		env.RedirectURL = v.RedirectURL
		env.SessionID = v.SessionID
	default:
		return "", fmt.Errorf("%s: unknown state record variant %T: %w", op, r, ErrInvalidParameter)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("%s: unable to marshal state record: %w", op, err)
	}
	return string(b), nil
}

func decodeStateRecord(raw string) (StateRecord, time.Time, error) {
	const op = "oidc.decodeStateRecord"
	var env stateEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, time.Time{}, fmt.Errorf("%s: unable to unmarshal state record: %w", op, err)
	}
	createdAt := time.UnixMilli(env.CreatedAt)
	switch env.Context {
	case contextIframe:
		return IframeState{ConfigID: env.ConfigID}, createdAt, nil
	case contextRedirectLogin:
		return RedirectLoginState{
			ConfigID:           env.ConfigID,
			RedirectURL:        env.RedirectURL,
			ConsentRedirectURL: env.ConsentRedirectURL,
			ExtraQueryParams:   env.ExtraQueryParams,
			Processed:          env.Processed,
		}, createdAt, nil
	case contextRedirectLogout:
		return RedirectLogoutState{
			ConfigID:    env.ConfigID,
			RedirectURL: env.RedirectURL,
			SessionID:   env.SessionID,
		}, createdAt, nil
	default:
		return nil, time.Time{}, fmt.Errorf("%s: unknown state record context %q: %w", op, env.Context, ErrInvalidParameter)
	}
}
