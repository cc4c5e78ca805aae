// Package host defines the capabilities the session engine needs from its
// hosting environment.  In a browser embedding these map onto localStorage,
// sessionStorage, document.cookie, location/history, BroadcastChannel,
// window.postMessage and the connectivity/visibility APIs.  The engine never
// touches an ambient global: every capability is injected through an
// Environment, which is what makes the protocol machinery testable without a
// browser.  In-memory implementations suitable for tests and headless
// embeddings live in memory.go.
package host

import (
	"context"
	"time"
)

// Storage is a string key/value store with the semantics of the Web Storage
// API: writes are visible to subsequent reads in the same environment, and
// Keys returns a snapshot of the currently present keys.
type Storage interface {
	Get(key string) (value string, ok bool)
	Set(key, value string)
	Remove(key string)
	Keys() []string
}

// GuardedStorage is a Storage whose writes can be restricted per key.  Once a
// key is protected, Set and Remove on it are silently rejected; only
// SetProtected and RemoveProtected mutate it.  The engine uses this for
// ephemeral key material that co-resident code must not be able to overwrite.
type GuardedStorage interface {
	Storage

	// Protect marks key so that plain Set/Remove calls no longer affect it.
	Protect(key string)

	// SetProtected writes key regardless of protection.
	SetProtected(key, value string)

	// RemoveProtected deletes key and lifts its protection.
	RemoveProtected(key string)
}

// Cookie is a single cookie as the engine writes it.  Only the attributes the
// engine uses are modeled.
type Cookie struct {
	Name   string
	Value  string
	Path   string
	MaxAge time.Duration
}

// CookieJar gives access to the document's cookies.
type CookieJar interface {
	Set(c Cookie)
	Get(name string) (value string, ok bool)
	Delete(name string, path string)
}

// Navigator abstracts the page's location and history.  Assign and Reload are
// full navigations: in a browser the current JavaScript realm dies.  The
// engine treats them as points of no return and parks the calling goroutine
// afterwards.
type Navigator interface {
	// CurrentURL returns the full current URL including query and fragment.
	CurrentURL() string

	// Assign navigates to url (location.href = url).
	Assign(url string)

	// Reload re-runs the current page from the network.
	Reload()

	HistoryBack()
	HistoryForward()
}

// Channel is one end of a named broadcast channel.  Messages posted by one
// member are delivered to every member with the same name.  Whether a post
// echoes back to the poster's own Subscribe callbacks is implementation
// defined: callers must deduplicate with an instance id, exactly as they
// must with BroadcastChannel.
type Channel interface {
	Post(payload []byte)

	// Subscribe registers fn for incoming messages and returns a cancel
	// function.  fn may be invoked from another goroutine.
	Subscribe(fn func(payload []byte)) (cancel func())

	Close()
}

// ChannelFactory opens broadcast channels by name.
type ChannelFactory interface {
	Open(name string) Channel
}

// FrameMessenger models window.postMessage between an embedded frame and its
// parent.  PostToParent fails silently when the environment is not embedded,
// mirroring the browser; callers must check IsEmbedded first when posting
// would otherwise leak data.
type FrameMessenger interface {
	// IsEmbedded reports whether this environment is a non-top frame.
	IsEmbedded() bool

	// PostToParent delivers payload to the parent environment's subscribers.
	PostToParent(payload []byte)

	// Subscribe registers fn for messages posted by child frames and returns
	// a cancel function.
	Subscribe(fn func(payload []byte)) (cancel func())
}

// FrameLauncher creates hidden same-origin iframes.  The engine points one at
// the IdP's authorize endpoint for silent signin; the page loaded inside it
// answers through FrameMessenger.PostToParent.
type FrameLauncher interface {
	// LaunchHidden starts loading url in a hidden frame and returns a
	// dispose function that tears the frame down.
	LaunchHidden(url string) (dispose func())
}

// Connectivity reports the host's network state.  Downlink and RTT mirror the
// Network Information API and return zero values when unknown.
type Connectivity interface {
	Online() bool

	// AwaitOnline blocks until the host is online or ctx is done.
	AwaitOnline(ctx context.Context) error

	// DownlinkMbps is the estimated bandwidth in megabits per second, or 0.
	DownlinkMbps() float64

	// RTT is the estimated round-trip time, or 0.
	RTT() time.Duration
}

// Visibility reports whether the document is visible (foreground tab).
type Visibility interface {
	Visible() bool

	// AwaitVisible blocks until the document is visible or ctx is done.
	AwaitVisible(ctx context.Context) error
}

// PageLifecycle delivers pageshow events.  persisted is true when the page
// was resurrected from the back/forward cache rather than loaded fresh.
type PageLifecycle interface {
	OnPageShow(fn func(persisted bool)) (cancel func())
}

// Environment bundles every capability the engine consumes.  One Environment
// corresponds to one tab (or one hidden iframe).
type Environment struct {
	LocalStorage   Storage
	SessionStorage GuardedStorage
	Cookies        CookieJar
	Navigator      Navigator
	Channels       ChannelFactory
	Frame          FrameMessenger
	Frames         FrameLauncher
	Connectivity   Connectivity
	Visibility     Visibility
	Lifecycle      PageLifecycle
}
