package oidc

import (
	"encoding/json"
	"fmt"

	"github.com/oidcspa/engine/host"
)

// AuthResponse is the full set of query/fragment parameters the IdP returned
// on a callback, state parameter included.  It is produced once by the
// callback dispatcher and consumed once, then discarded.
type AuthResponse map[string]string

// StateToken returns the response's "state" parameter.
func (r AuthResponse) StateToken() string { return r["state"] }

// Code returns the authorization code, or "".
func (r AuthResponse) Code() string { return r["code"] }

// AuthError returns the IdP-reported error, or nil.
func (r AuthResponse) AuthError() *AuthError {
	code, ok := r["error"]
	if !ok || code == "" {
		return nil
	}
	return &AuthError{
		Code:        code,
		Description: r["error_description"],
		URI:         r["error_uri"],
	}
}

// redirectResponseQueueKey is the per-tab sessionStorage key holding redirect
// responses awaiting completion.  It is a list: multiple configurations can
// be mid-flight in the same tab.
const redirectResponseQueueKey = "oidc-spa:redirect-responses"

// queuedRedirectResponse pairs a dispatched AuthResponse with the
// configuration identity its state record belonged to.
type queuedRedirectResponse struct {
	ConfigID string       `json:"configId"`
	Response AuthResponse `json:"response"`
}

// PushRedirectResponse appends an AuthResponse for configID to the tab's
// redirect-response queue.  Called by the callback dispatcher just before it
// navigates back into the app.
func PushRedirectResponse(storage host.Storage, configID string, response AuthResponse) error {
	const op = "oidc.PushRedirectResponse"
	queue, err := readRedirectQueue(storage)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	queue = append(queue, queuedRedirectResponse{ConfigID: configID, Response: response})
	return writeRedirectQueue(storage, queue, op)
}

// TakeRedirectResponse removes and returns the queued response for configID,
// if any.  An entry queued without a known configID (cookie-mirror recovery)
// matches any configuration.
func TakeRedirectResponse(storage host.Storage, configID string) (AuthResponse, bool, error) {
	const op = "oidc.TakeRedirectResponse"
	queue, err := readRedirectQueue(storage)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	for i, entry := range queue {
		if entry.ConfigID != configID && entry.ConfigID != "" {
			continue
		}
		queue = append(queue[:i], queue[i+1:]...)
		if err := writeRedirectQueue(storage, queue, op); err != nil {
			return nil, false, err
		}
		return entry.Response, true, nil
	}
	return nil, false, nil
}

func readRedirectQueue(storage host.Storage) ([]queuedRedirectResponse, error) {
	raw, ok := storage.Get(redirectResponseQueueKey)
	if !ok || raw == "" {
		return nil, nil
	}
	var queue []queuedRedirectResponse
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		return nil, fmt.Errorf("malformed redirect response queue: %w", err)
	}
	return queue, nil
}

func writeRedirectQueue(storage host.Storage, queue []queuedRedirectResponse, op string) error {
	if len(queue) == 0 {
		storage.Remove(redirectResponseQueueKey)
		return nil
	}
	b, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("%s: unable to marshal redirect response queue: %w", op, err)
	}
	storage.Set(redirectResponseQueueKey, string(b))
	return nil
}
