package oidc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Config describes one logical OIDC client configuration.  The pair
// (IssuerURI, ClientID) is its identity: ConfigID() derives the join key used
// by state records, persisted auth state and cross-tab channel names.
type Config struct {
	// IssuerURI is the IdP's issuer, the base of OIDC discovery.
	IssuerURI string

	// ClientID is the relying party id registered with the IdP.
	ClientID string

	// AppRootURL is the fully-qualified root the application is served
	// under.  Every redirect target must lie under it: OIDC redirect URIs
	// are pre-registered with the IdP, so a target outside the root is a
	// configuration error, never a valid request.
	AppRootURL string

	// PostLoginRedirectPath is the default in-app path the user lands on
	// after a login redirect completes.  Defaults to the app root.
	PostLoginRedirectPath string

	// Scopes are requested in addition to the mandatory "openid".
	Scopes []string

	// ExtraQueryParams is the global layer of extra authorization request
	// parameters; a per-call layer can be supplied through options.
	ExtraQueryParams map[string]string

	// TransformURLBeforeRedirect, when set, rewrites the authorization URL
	// just before navigation (global layer; applied before any per-call
	// transform).
	TransformURLBeforeRedirect func(url string) string

	// AutoLogin makes the engine redirect to the IdP whenever the user is
	// not logged in, instead of settling in the not-logged-in state.
	AutoLogin bool

	// DisableSilentSignin skips the hidden-iframe silent signin attempt at
	// boot (for IdPs that do not tolerate prompt=none in an iframe).
	DisableSilentSignin bool

	// IdleSessionLifetime bounds how long a session survives without
	// activity.  Zero means only the refresh-token expiry bounds it.
	IdleSessionLifetime time.Duration

	// Logger is optional; a null logger is used when nil.
	Logger hclog.Logger
}

// Validate the configuration.  It verifies shapes only; it does not verify
// the issuer is discoverable via an http request.
func (c *Config) Validate() error {
	const op = "Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter)
	}
	if c.IssuerURI == "" {
		return fmt.Errorf("%s: issuer is empty: %w", op, ErrInvalidParameter)
	}
	u, err := url.Parse(c.IssuerURI)
	if err != nil {
		return fmt.Errorf("%s: issuer %s is invalid: %w", op, c.IssuerURI, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%s: issuer %s scheme is not http or https: %w", op, c.IssuerURI, ErrInvalidParameter)
	}
	if c.AppRootURL == "" {
		return fmt.Errorf("%s: app root url is empty: %w", op, ErrInvalidParameter)
	}
	root, err := url.Parse(c.AppRootURL)
	if err != nil {
		return fmt.Errorf("%s: app root url %s is invalid: %w", op, c.AppRootURL, err)
	}
	if !root.IsAbs() {
		return fmt.Errorf("%s: app root url %s is not absolute: %w", op, c.AppRootURL, ErrInvalidParameter)
	}
	if c.IdleSessionLifetime < 0 {
		return fmt.Errorf("%s: idle session lifetime is negative: %w", op, ErrInvalidParameter)
	}
	return nil
}

// ConfigID derives the deterministic identity of this configuration.
func (c *Config) ConfigID() string {
	sum := sha256.Sum256([]byte(c.IssuerURI + " " + c.ClientID))
	return hex.EncodeToString(sum[:10])
}

// AppRootPath returns the path component of the app root, used to scope the
// state cookie mirror.
func (c *Config) AppRootPath() string {
	u, err := url.Parse(c.AppRootURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// ContainsURL reports whether target lies under the app root: same scheme and
// host, and a path at or below the root's path.
func (c *Config) ContainsURL(target string) bool {
	root, err := url.Parse(c.AppRootURL)
	if err != nil {
		return false
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	if !u.IsAbs() {
		// In-app relative paths are resolved against the root and are by
		// construction inside it.
		return strings.HasPrefix(u.Path, "/") || u.Path == ""
	}
	if u.Scheme != root.Scheme || u.Host != root.Host {
		return false
	}
	rootPath := strings.TrimSuffix(root.Path, "/")
	if rootPath == "" {
		return true
	}
	// Segment boundary: /app contains /app and /app/x, never /apple.
	return u.Path == rootPath || strings.HasPrefix(u.Path, rootPath+"/")
}

// ResolveURL resolves an in-app path or URL against the app root.
func (c *Config) ResolveURL(target string) (string, error) {
	const op = "Config.ResolveURL"
	root, err := url.Parse(c.AppRootURL)
	if err != nil {
		return "", fmt.Errorf("%s: app root url is invalid: %w", op, err)
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%s: target url %q is invalid: %w", op, target, err)
	}
	resolved := root.ResolveReference(u).String()
	if !c.ContainsURL(resolved) {
		return "", fmt.Errorf("%s: %q: %w", op, target, ErrRedirectOutsideApp)
	}
	return resolved, nil
}

func (c *Config) logger() hclog.Logger {
	if c.Logger == nil {
		return hclog.NewNullLogger()
	}
	return c.Logger
}
