package oidc

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/oidcspa/engine/host"
)

const (
	loginChannelPrefix  = "oidc-spa:login-propagation:"
	logoutChannelPrefix = "oidc-spa:logout-propagation:"
)

// crossTabMessage is the payload exchanged between tabs.  InstanceID lets a
// tab drop its own echoes; broadcast delivery is at-least-once and
// order-independent, so the receiver must tolerate duplicates.
type crossTabMessage struct {
	InstanceID string `json:"instanceId"`
}

// CrossTabSync propagates login and logout between same-origin tabs over two
// named broadcast channels.  Login propagation is scoped per configuration
// identity; logout propagation is scoped per IdP session when one is known,
// so that logging out of one session in a multi-account setup leaves sibling
// tabs on another session alone.
type CrossTabSync struct {
	configID   string
	instanceID string
	channels   host.ChannelFactory
	logger     hclog.Logger

	loginCh  host.Channel
	logoutCh host.Channel
	cancels  []func()
}

// NewCrossTabSync creates the sync for one tab.  sessionID may be empty, in
// which case logout propagation falls back to configID scope.
func NewCrossTabSync(channels host.ChannelFactory, configID, sessionID string, logger hclog.Logger) (*CrossTabSync, error) {
	const op = "oidc.NewCrossTabSync"
	if channels == nil {
		return nil, fmt.Errorf("%s: channel factory is nil: %w", op, ErrNilParameter)
	}
	if configID == "" {
		return nil, fmt.Errorf("%s: config id is empty: %w", op, ErrInvalidParameter)
	}
	instanceID, err := NewInstanceID()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	logoutScope := sessionID
	if logoutScope == "" {
		logoutScope = configID
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &CrossTabSync{
		configID:   configID,
		instanceID: instanceID,
		channels:   channels,
		logger:     logger,
		loginCh:    channels.Open(loginChannelPrefix + configID),
		logoutCh:   channels.Open(logoutChannelPrefix + logoutScope),
	}, nil
}

// Start registers the peer notification handlers.  onPeerLogin fires when a
// sibling tab completed a login; onPeerLogout when a sibling logged out.
// Both may be invoked from another goroutine.
func (c *CrossTabSync) Start(onPeerLogin, onPeerLogout func()) {
	c.cancels = append(c.cancels,
		c.loginCh.Subscribe(c.filterEchoes(onPeerLogin)),
		c.logoutCh.Subscribe(c.filterEchoes(onPeerLogout)),
	)
}

// NotifyLogin tells sibling tabs this tab just logged in.
func (c *CrossTabSync) NotifyLogin() {
	c.post(c.loginCh)
}

// NotifyLogout tells sibling tabs this tab just logged out.
func (c *CrossTabSync) NotifyLogout() {
	c.post(c.logoutCh)
}

// Close tears down subscriptions and channels.
func (c *CrossTabSync) Close() {
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
	c.loginCh.Close()
	c.logoutCh.Close()
}

func (c *CrossTabSync) post(ch host.Channel) {
	b, err := json.Marshal(crossTabMessage{InstanceID: c.instanceID})
	if err != nil {
		c.logger.Error("unable to marshal cross-tab message", "error", err)
		return
	}
	ch.Post(b)
}

func (c *CrossTabSync) filterEchoes(fn func()) func([]byte) {
	return func(payload []byte) {
		var msg crossTabMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Debug("dropping malformed cross-tab message", "error", err)
			return
		}
		if msg.InstanceID == c.instanceID {
			return
		}
		fn()
	}
}
