package host

import (
	"context"
	"sync"
	"time"
)

// MemoryStorage is an in-memory, mutex-guarded Storage with write protection.
// It implements GuardedStorage and is safe for concurrent use.
type MemoryStorage struct {
	mu        sync.RWMutex
	values    map[string]string
	protected map[string]bool
}

var _ GuardedStorage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		values:    make(map[string]string),
		protected: make(map[string]bool),
	}
}

func (s *MemoryStorage) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *MemoryStorage) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.protected[key] {
		return
	}
	s.values[key] = value
}

func (s *MemoryStorage) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.protected[key] {
		return
	}
	delete(s.values, key)
}

func (s *MemoryStorage) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}

func (s *MemoryStorage) Protect(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protected[key] = true
}

func (s *MemoryStorage) SetProtected(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *MemoryStorage) RemoveProtected(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.protected, key)
}

// MemoryCookieJar is an in-memory CookieJar.  MaxAge is honored lazily: an
// expired cookie is dropped on the next Get.
type MemoryCookieJar struct {
	mu      sync.Mutex
	cookies map[string]memoryCookie
	now     func() time.Time
}

type memoryCookie struct {
	Cookie
	expiresAt time.Time
}

var _ CookieJar = (*MemoryCookieJar)(nil)

func NewMemoryCookieJar() *MemoryCookieJar {
	return &MemoryCookieJar{
		cookies: make(map[string]memoryCookie),
		now:     time.Now,
	}
}

func (j *MemoryCookieJar) Set(c Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	mc := memoryCookie{Cookie: c}
	if c.MaxAge > 0 {
		mc.expiresAt = j.now().Add(c.MaxAge)
	}
	j.cookies[c.Name] = mc
}

func (j *MemoryCookieJar) Get(name string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	c, ok := j.cookies[name]
	if !ok {
		return "", false
	}
	if !c.expiresAt.IsZero() && c.expiresAt.Before(j.now()) {
		delete(j.cookies, name)
		return "", false
	}
	return c.Value, true
}

func (j *MemoryCookieJar) Delete(name string, _ string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.cookies, name)
}

// MemoryNavigator records navigations instead of performing them.  Tests set
// the current URL directly and inspect the recorded history of Assign,
// Reload, HistoryBack and HistoryForward calls.
type MemoryNavigator struct {
	mu         sync.Mutex
	currentURL string
	assigned   []string
	reloads    int
	backs      int
	forwards   int
}

var _ Navigator = (*MemoryNavigator)(nil)

func NewMemoryNavigator(currentURL string) *MemoryNavigator {
	return &MemoryNavigator{currentURL: currentURL}
}

func (n *MemoryNavigator) CurrentURL() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentURL
}

func (n *MemoryNavigator) SetCurrentURL(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.currentURL = url
}

func (n *MemoryNavigator) Assign(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assigned = append(n.assigned, url)
	n.currentURL = url
}

func (n *MemoryNavigator) Reload() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reloads++
}

func (n *MemoryNavigator) HistoryBack() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.backs++
}

func (n *MemoryNavigator) HistoryForward() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forwards++
}

// Assigned returns a copy of every URL passed to Assign, in order.
func (n *MemoryNavigator) Assigned() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.assigned))
	copy(out, n.assigned)
	return out
}

// LastAssigned returns the most recent Assign target, or "".
func (n *MemoryNavigator) LastAssigned() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.assigned) == 0 {
		return ""
	}
	return n.assigned[len(n.assigned)-1]
}

func (n *MemoryNavigator) Reloads() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reloads
}

func (n *MemoryNavigator) HistoryMoves() (backs, forwards int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.backs, n.forwards
}

// MemoryHub connects the broadcast channels and frame messengers of multiple
// in-memory environments, the way a browser connects its tabs.  Channels with
// the same name share messages; frame messengers created with a parent
// deliver PostToParent into the parent's subscriber list.
type MemoryHub struct {
	mu      sync.Mutex
	members map[string][]*memoryChannel
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{members: make(map[string][]*memoryChannel)}
}

// ChannelFactory returns a factory whose channels are wired through the hub.
func (h *MemoryHub) ChannelFactory() ChannelFactory {
	return &memoryChannelFactory{hub: h}
}

type memoryChannelFactory struct {
	hub *MemoryHub
}

func (f *memoryChannelFactory) Open(name string) Channel {
	ch := &memoryChannel{hub: f.hub, name: name}
	f.hub.mu.Lock()
	f.hub.members[name] = append(f.hub.members[name], ch)
	f.hub.mu.Unlock()
	return ch
}

type memoryChannel struct {
	hub    *MemoryHub
	name   string
	mu     sync.Mutex
	subs   []func([]byte)
	closed bool
}

func (c *memoryChannel) Post(payload []byte) {
	c.hub.mu.Lock()
	peers := append([]*memoryChannel(nil), c.hub.members[c.name]...)
	c.hub.mu.Unlock()
	for _, p := range peers {
		if p == c {
			continue
		}
		p.deliver(payload)
	}
}

func (c *memoryChannel) deliver(payload []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	subs := append(make([]func([]byte), 0, len(c.subs)), c.subs...)
	c.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(payload)
		}
	}
}

func (c *memoryChannel) Subscribe(fn func([]byte)) func() {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	i := len(c.subs) - 1
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.subs[i] = nil
		c.mu.Unlock()
	}
}

func (c *memoryChannel) Close() {
	c.mu.Lock()
	c.closed = true
	c.subs = nil
	c.mu.Unlock()
	c.hub.mu.Lock()
	peers := c.hub.members[c.name]
	for i, p := range peers {
		if p == c {
			c.hub.members[c.name] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	c.hub.mu.Unlock()
}

// MemoryFrameMessenger is an in-memory FrameMessenger.  A messenger created
// with NewChildFrame(parent) reports embedded and posts into the parent's
// subscribers; a top-level messenger reports not embedded and drops posts.
type MemoryFrameMessenger struct {
	mu     sync.Mutex
	parent *MemoryFrameMessenger
	subs   []func([]byte)
}

var _ FrameMessenger = (*MemoryFrameMessenger)(nil)

func NewTopFrame() *MemoryFrameMessenger {
	return &MemoryFrameMessenger{}
}

// NewChildFrame returns a messenger embedded under parent.
func NewChildFrame(parent *MemoryFrameMessenger) *MemoryFrameMessenger {
	return &MemoryFrameMessenger{parent: parent}
}

func (m *MemoryFrameMessenger) IsEmbedded() bool { return m.parent != nil }

func (m *MemoryFrameMessenger) PostToParent(payload []byte) {
	if m.parent == nil {
		return
	}
	m.parent.mu.Lock()
	subs := append(make([]func([]byte), 0, len(m.parent.subs)), m.parent.subs...)
	m.parent.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(payload)
		}
	}
}

func (m *MemoryFrameMessenger) Subscribe(fn func([]byte)) func() {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	i := len(m.subs) - 1
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.subs[i] = nil
		m.mu.Unlock()
	}
}

// MemoryFrameLauncher invokes a test-provided callback for every hidden
// frame launch, standing in for the IdP page that would load inside it.
type MemoryFrameLauncher struct {
	onLaunch func(url string)
}

var _ FrameLauncher = (*MemoryFrameLauncher)(nil)

func NewMemoryFrameLauncher(onLaunch func(url string)) *MemoryFrameLauncher {
	return &MemoryFrameLauncher{onLaunch: onLaunch}
}

func (l *MemoryFrameLauncher) LaunchHidden(url string) func() {
	if l.onLaunch != nil {
		go l.onLaunch(url)
	}
	return func() {}
}

// StaticConnectivity is a Connectivity with fixed readings.  Toggle the
// online state with SetOnline; AwaitOnline waiters are released on the
// transition to online.
type StaticConnectivity struct {
	mu       sync.Mutex
	online   bool
	downlink float64
	rtt      time.Duration
	waiters  []chan struct{}
}

var _ Connectivity = (*StaticConnectivity)(nil)

func NewStaticConnectivity(online bool) *StaticConnectivity {
	return &StaticConnectivity{online: online}
}

func (c *StaticConnectivity) SetNetworkEstimates(downlinkMbps float64, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downlink = downlinkMbps
	c.rtt = rtt
}

func (c *StaticConnectivity) SetOnline(online bool) {
	c.mu.Lock()
	c.online = online
	var waiters []chan struct{}
	if online {
		waiters = c.waiters
		c.waiters = nil
	}
	c.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

func (c *StaticConnectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *StaticConnectivity) AwaitOnline(ctx context.Context) error {
	c.mu.Lock()
	if c.online {
		c.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *StaticConnectivity) DownlinkMbps() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downlink
}

func (c *StaticConnectivity) RTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt
}

// StaticVisibility is a Visibility with a settable state.
type StaticVisibility struct {
	mu      sync.Mutex
	visible bool
	waiters []chan struct{}
}

var _ Visibility = (*StaticVisibility)(nil)

func NewStaticVisibility(visible bool) *StaticVisibility {
	return &StaticVisibility{visible: visible}
}

func (v *StaticVisibility) SetVisible(visible bool) {
	v.mu.Lock()
	v.visible = visible
	var waiters []chan struct{}
	if visible {
		waiters = v.waiters
		v.waiters = nil
	}
	v.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

func (v *StaticVisibility) Visible() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible
}

func (v *StaticVisibility) AwaitVisible(ctx context.Context) error {
	v.mu.Lock()
	if v.visible {
		v.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	v.waiters = append(v.waiters, w)
	v.mu.Unlock()
	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MemoryLifecycle is a PageLifecycle whose pageshow events are fired by
// tests via EmitPageShow.
type MemoryLifecycle struct {
	mu   sync.Mutex
	subs []func(bool)
}

var _ PageLifecycle = (*MemoryLifecycle)(nil)

func NewMemoryLifecycle() *MemoryLifecycle { return &MemoryLifecycle{} }

func (l *MemoryLifecycle) OnPageShow(fn func(persisted bool)) func() {
	l.mu.Lock()
	l.subs = append(l.subs, fn)
	i := len(l.subs) - 1
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		l.subs[i] = nil
		l.mu.Unlock()
	}
}

func (l *MemoryLifecycle) EmitPageShow(persisted bool) {
	l.mu.Lock()
	subs := append(make([]func(bool), 0, len(l.subs)), l.subs...)
	l.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(persisted)
		}
	}
}

// NewMemoryEnvironment assembles a fully in-memory Environment for one tab:
// online, visible, top-level, with its channels wired through hub.  Pass the
// same hub to every tab that should see the others' broadcasts.
func NewMemoryEnvironment(hub *MemoryHub, currentURL string) Environment {
	return Environment{
		LocalStorage:   NewMemoryStorage(),
		SessionStorage: NewMemoryStorage(),
		Cookies:        NewMemoryCookieJar(),
		Navigator:      NewMemoryNavigator(currentURL),
		Channels:       hub.ChannelFactory(),
		Frame:          NewTopFrame(),
		Frames:         NewMemoryFrameLauncher(nil),
		Connectivity:   NewStaticConnectivity(true),
		Visibility:     NewStaticVisibility(true),
		Lifecycle:      NewMemoryLifecycle(),
	}
}

// SharedLocalStorage rewires env (and any later tabs built from the same
// pointer) to share one localStorage, the way same-origin tabs do.
func SharedLocalStorage(envs ...*Environment) {
	if len(envs) == 0 {
		return
	}
	shared := envs[0].LocalStorage
	for _, e := range envs[1:] {
		e.LocalStorage = shared
	}
}
