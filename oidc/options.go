package oidc

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// WithLogger provides an optional logger.  Valid for: NewEngine,
// NewStateStore.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *engineOptions:
			v.withLogger = l
		case *stateStoreOptions:
			v.withLogger = l
		}
	}
}

// WithExpiryMargin overrides the renewal margin: tokens are renewed this long
// before they expire.  Valid for: NewEngine.
func WithExpiryMargin(d time.Duration) Option {
	return func(o interface{}) {
		if v, ok := o.(*engineOptions); ok {
			v.withExpiryMargin = d
		}
	}
}

// WithExtraQueryParams provides extra authorization request parameters.
// Valid for: Engine.Login, Engine.RenewTokens, Engine.GoToAuthServer.
func WithExtraQueryParams(params map[string]string) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *loginOptions:
			v.withExtraQueryParams = params
		case *renewOptions:
			v.withExtraQueryParams = params
		}
	}
}

// WithTransformURL provides a hook applied to the authorization URL just
// before navigation.  Valid for: Engine.Login, Engine.GoToAuthServer.
func WithTransformURL(fn func(url string) string) Option {
	return func(o interface{}) {
		if v, ok := o.(*loginOptions); ok {
			v.withTransformURL = fn
		}
	}
}

// WithConsentRedirectURL overrides the in-app URL used instead of the normal
// redirect URL when the IdP answers with error=consent_required.  Valid for:
// Engine.Login.
func WithConsentRedirectURL(url string) Option {
	return func(o interface{}) {
		if v, ok := o.(*loginOptions); ok {
			v.withConsentRedirectURL = url
		}
	}
}

// WithRedirectURL overrides the in-app URL the user lands on once the flow
// completes.  Valid for: Engine.Login, Engine.Logout, Engine.GoToAuthServer.
func WithRedirectURL(url string) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *loginOptions:
			v.withRedirectURL = url
		case *logoutOptions:
			v.withRedirectURL = url
		}
	}
}
