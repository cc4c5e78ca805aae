package oidc

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/oidcspa/engine/host"
)

const (
	// stateStorageKeyPrefix prefixes the localStorage key of every persisted
	// state record.
	stateStorageKeyPrefix = "oidc."

	// stateCookieNamePrefix prefixes the name of the optional cookie mirror.
	stateCookieNamePrefix = "oidc_"

	// stateSweepHorizon is how long a state record may sit in storage before
	// a write sweeps it away.  No legitimate IdP round trip takes this long.
	stateSweepHorizon = 15 * time.Minute

	// stateCookieMaxAge is deliberately much longer than the sweep horizon:
	// the cookie is a fallback channel for storage-partitioned browsers and
	// expiring it early would defeat that purpose.
	stateCookieMaxAge = 5 * 24 * time.Hour

	// cookieFieldSeparator separates the fields of the cookie mirror value:
	// <epochSeconds>%_<redirectUrl>[%_<redirectUrlConsentCase>]
	cookieFieldSeparator = "%_"
)

// StateStore persists one StateRecord per state token in the host's
// localStorage, with an optional cookie mirror for redirect-login records so
// a callback loaded in a different storage partition can still find its
// context.  Entries older than the sweep horizon are removed on every write.
type StateStore struct {
	storage     host.Storage
	cookies     host.CookieJar
	appRootPath string
	logger      hclog.Logger
	now         func() time.Time
}

// NewStateStore creates a StateStore over storage.  appRootPath scopes the
// cookie mirror's Path attribute.  Supported options: WithLogger.
func NewStateStore(storage host.Storage, cookies host.CookieJar, appRootPath string, opt ...Option) (*StateStore, error) {
	const op = "oidc.NewStateStore"
	if storage == nil {
		return nil, fmt.Errorf("%s: storage is nil: %w", op, ErrNilParameter)
	}
	opts := getStateStoreOpts(opt...)
	return &StateStore{
		storage:     storage,
		cookies:     cookies,
		appRootPath: appRootPath,
		logger:      opts.withLogger,
		now:         time.Now,
	}, nil
}

// Put persists record under token and sweeps expired entries.
func (s *StateStore) Put(token string, record StateRecord) error {
	const op = "StateStore.Put"
	if !IsStateToken(token) {
		return fmt.Errorf("%s: %q is not a state token: %w", op, token, ErrInvalidParameter)
	}
	if record == nil {
		return fmt.Errorf("%s: record is nil: %w", op, ErrNilParameter)
	}
	s.sweep()
	now := s.now()
	raw, err := encodeStateRecord(record, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.storage.Set(stateStorageKeyPrefix+token, raw)

	if login, ok := record.(RedirectLoginState); ok && s.cookies != nil {
		s.cookies.Set(host.Cookie{
			Name:   stateCookieNamePrefix + token,
			Value:  encodeStateCookie(now, login),
			Path:   s.appRootPath,
			MaxAge: stateCookieMaxAge,
		})
	}
	return nil
}

// Get returns the record stored under token.  When localStorage has no entry
// (third-party storage partitioning can hide it from a top-level callback)
// the cookie mirror is consulted before giving up with ErrStateNotFound.
func (s *StateStore) Get(token string) (StateRecord, error) {
	const op = "StateStore.Get"
	if !IsStateToken(token) {
		return nil, fmt.Errorf("%s: %q is not a state token: %w", op, token, ErrInvalidParameter)
	}
	if raw, ok := s.storage.Get(stateStorageKeyPrefix + token); ok {
		record, _, err := decodeStateRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return record, nil
	}
	if s.cookies != nil {
		if value, ok := s.cookies.Get(stateCookieNamePrefix + token); ok {
			record, err := decodeStateCookie(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			s.logger.Debug("state record recovered from cookie mirror", "token", token)
			return record, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", op, ErrStateNotFound)
}

// MarkProcessed flips the Processed flag of a redirect-login record, the
// replay guard consulted on every revisit of the callback URL.
func (s *StateStore) MarkProcessed(token string) error {
	const op = "StateStore.MarkProcessed"
	record, err := s.Get(token)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	login, ok := record.(RedirectLoginState)
	if !ok {
		return fmt.Errorf("%s: record is not a redirect login: %w", op, ErrInvalidParameter)
	}
	login.Processed = true
	raw, err := encodeStateRecord(login, s.now())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.storage.Set(stateStorageKeyPrefix+token, raw)
	return nil
}

// Clear removes the record stored under token, and its cookie mirror.
func (s *StateStore) Clear(token string) {
	s.storage.Remove(stateStorageKeyPrefix + token)
	if s.cookies != nil {
		s.cookies.Delete(stateCookieNamePrefix+token, s.appRootPath)
	}
}

func (s *StateStore) sweep() {
	horizon := s.now().Add(-stateSweepHorizon)
	for _, key := range s.storage.Keys() {
		if !strings.HasPrefix(key, stateStorageKeyPrefix) {
			continue
		}
		raw, ok := s.storage.Get(key)
		if !ok {
			continue
		}
		_, createdAt, err := decodeStateRecord(raw)
		if err != nil || createdAt.Before(horizon) {
			s.storage.Remove(key)
		}
	}
}

func encodeStateCookie(now time.Time, login RedirectLoginState) string {
	fields := []string{
		strconv.FormatInt(now.Unix(), 10),
		login.RedirectURL,
	}
	if login.ConsentRedirectURL != "" {
		fields = append(fields, login.ConsentRedirectURL)
	}
	return strings.Join(fields, cookieFieldSeparator)
}

func decodeStateCookie(value string) (RedirectLoginState, error) {
	const op = "oidc.decodeStateCookie"
	fields := strings.Split(value, cookieFieldSeparator)
	if len(fields) < 2 {
		return RedirectLoginState{}, fmt.Errorf("%s: malformed cookie value: %w", op, ErrInvalidParameter)
	}
	if _, err := strconv.ParseInt(fields[0], 10, 64); err != nil {
		return RedirectLoginState{}, fmt.Errorf("%s: malformed cookie timestamp: %w", op, ErrInvalidParameter)
	}
	login := RedirectLoginState{RedirectURL: fields[1]}
	if len(fields) > 2 {
		login.ConsentRedirectURL = fields[2]
	}
	return login, nil
}

type stateStoreOptions struct {
	withLogger hclog.Logger
}

func stateStoreDefaults() stateStoreOptions {
	return stateStoreOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

func getStateStoreOpts(opt ...Option) stateStoreOptions {
	opts := stateStoreDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
