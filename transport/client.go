// Package transport provides the broker-facing publish/subscribe client.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/synthiot/errors"
	"github.com/c360/synthiot/metric"
	"github.com/c360/synthiot/pkg/retry"
	"github.com/c360/synthiot/topic"
)

// Payloads of the birth message and last will installed by WithStatusTopic
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// DefaultOwner is the handler owner used by SetMessageCallback
const DefaultOwner = "default"

type topicCallback struct {
	pattern string
	fn      MessageHandler
}

type ownedHandler struct {
	owner string
	fn    MessageHandler
}

// Client manages one broker session at a time over a pluggable Dialer.
//
// The subscription set survives disconnects and is replayed on every
// successful connect, including a Connect with a different client id.
// Inbound messages go to the first per-topic callback whose pattern matches;
// when none matches, every global handler runs in registration order.
// Callbacks always run without any client lock held.
type Client struct {
	dialer  Dialer
	logger  *slog.Logger
	metrics *metric.Metrics
	status  atomic.Int32

	mu             sync.RWMutex
	conn           Conn
	generation     uint64
	host           string
	port           int
	clientID       string
	wantConnected  bool
	keepAlive      time.Duration
	cleanSession   bool
	autoReconnect  bool
	defaultQoS     byte
	lastWill       *LastWill
	statusTopic    string
	connectTimeout time.Duration
	username       string
	password       string
	tlsConfig      *tls.Config
	subs           []string
	subSet         map[string]struct{}

	// copy-on-write; delivery reads the slices under RLock without copying
	cbMu           sync.RWMutex
	topicCallbacks []topicCallback
	handlers       []ownedHandler

	connectMu    sync.Mutex
	limiter      *rate.Limiter
	backoff      *retry.Backoff
	reconnectMin time.Duration
	reconnectMax time.Duration

	onConnect        func()
	onConnectionLost func(error)
}

// NewClient creates a disconnected client
func NewClient(dialer Dialer, opts ...Option) (*Client, error) {
	if dialer == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: nil dialer", errors.ErrInvalidConfig),
			"Client", "NewClient", "validate dialer")
	}

	c := &Client{
		dialer:         dialer,
		logger:         slog.Default().With("component", "transport"),
		keepAlive:      60 * time.Second,
		cleanSession:   true,
		autoReconnect:  true,
		connectTimeout: 10 * time.Second,
		reconnectMin:   time.Second,
		reconnectMax:   time.Minute,
		subSet:         make(map[string]struct{}),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.backoff = retry.NewBackoff(retry.Config{
		InitialDelay: c.reconnectMin,
		MaxDelay:     c.reconnectMax,
		Multiplier:   2,
	})
	c.limiter = rate.NewLimiter(rate.Every(c.reconnectMin), 1)
	c.setStatus(StatusDisconnected)
	return c, nil
}

// Status returns the current connection status
func (c *Client) Status() Status {
	return Status(c.status.Load())
}

func (c *Client) setStatus(s Status) {
	c.status.Store(int32(s))
	c.metrics.RecordConnectionState(int(s))
}

// IsConnected reports whether a live session exists
func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected
}

// ClientID returns the id used for the current or last session
func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Connect opens a session to host:port. An empty clientID is replaced by a
// generated one. Any live session is closed first; subscriptions carry over.
func (c *Client) Connect(ctx context.Context, host string, port int, clientID string) error {
	if host == "" || port <= 0 || port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("%w: broker address %s:%d", errors.ErrInvalidValue, host, port),
			"Client", "Connect", "validate address")
	}
	if clientID == "" {
		clientID = "synthiot-" + uuid.NewString()
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	old := c.conn
	c.conn = nil
	c.generation++
	c.host, c.port, c.clientID = host, port, clientID
	c.wantConnected = true
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	return c.dial(ctx, StatusConnecting)
}

// dial must be called with connectMu held.
func (c *Client) dial(ctx context.Context, via Status) error {
	c.setStatus(via)

	c.mu.Lock()
	c.generation++
	gen := c.generation
	opts := DialOptions{
		Host:           c.host,
		Port:           c.port,
		ClientID:       c.clientID,
		KeepAlive:      c.keepAlive,
		CleanSession:   c.cleanSession,
		ConnectTimeout: c.connectTimeout,
		Username:       c.username,
		Password:       c.password,
		Logger:         c.logger,
	}
	if c.tlsConfig != nil {
		opts.TLS = c.tlsConfig.Clone()
	}
	if c.lastWill != nil {
		will := *c.lastWill
		opts.LastWill = &will
	}
	c.mu.Unlock()

	if c.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}

	conn, err := c.dialer.Dial(ctx, opts, ConnEvents{
		OnMessage:        c.deliver,
		OnConnectionLost: func(err error) { c.handleConnectionLost(gen, err) },
		OnAsyncError:     c.handleAsyncError,
	})
	if err == nil && !conn.IsConnected() {
		conn.Close()
		err = errors.ErrConnectionLost
	}
	if err != nil {
		if via == StatusReconnecting {
			c.setStatus(StatusReconnecting)
		} else {
			c.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(err, "Client", "Connect",
			fmt.Sprintf("connect to %s:%d", opts.Host, opts.Port))
	}

	c.mu.Lock()
	c.conn = conn
	subs := append([]string(nil), c.subs...)
	qos := c.defaultQoS
	birth := c.statusTopic
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.backoff.Reset()
	c.limiter.SetLimit(rate.Every(c.reconnectMin))

	for _, filter := range subs {
		if err := conn.Subscribe(filter, qos); err != nil {
			c.logger.Warn("failed to replay subscription", "filter", filter, "error", err)
		}
	}
	if birth != "" {
		if err := conn.Publish(birth, 1, true, []byte(PayloadOnline)); err != nil {
			c.logger.Warn("failed to publish birth message", "topic", birth, "error", err)
		}
	}

	c.logger.Info("connected to broker",
		"host", opts.Host, "port", opts.Port, "client_id", opts.ClientID, "subscriptions", len(subs))

	if c.onConnect != nil {
		c.onConnect()
	}
	return nil
}

func (c *Client) handleConnectionLost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.generation || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	reconnect := c.autoReconnect && c.wantConnected
	c.mu.Unlock()

	conn.Close()
	if reconnect {
		c.setStatus(StatusReconnecting)
	} else {
		c.setStatus(StatusDisconnected)
	}

	c.logger.Warn("broker connection lost", "error", cause, "auto_reconnect", reconnect)
	if c.onConnectionLost != nil {
		c.onConnectionLost(cause)
	}
}

// Disconnect closes the session and stops reconnect attempts until the next
// Connect. Subscriptions and callbacks are kept.
func (c *Client) Disconnect() {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	c.wantConnected = false
	conn := c.conn
	c.conn = nil
	c.generation++
	statusTopic := c.statusTopic
	c.mu.Unlock()

	if conn == nil {
		c.setStatus(StatusDisconnected)
		return
	}

	c.setStatus(StatusDisconnecting)
	if statusTopic != "" {
		// the broker only sends the will on an ungraceful drop
		_ = conn.Publish(statusTopic, 1, true, []byte(PayloadOffline))
	}
	conn.Close()
	c.setStatus(StatusDisconnected)
	c.logger.Info("disconnected from broker")
}

// Update is the periodic tick. While the session is down and a reconnect
// is wanted, it attempts one reconnect if the pacing limiter allows it.
func (c *Client) Update(ctx context.Context) {
	if c.IsConnected() {
		return
	}

	c.mu.RLock()
	wanted := c.wantConnected && c.autoReconnect && c.host != ""
	c.mu.RUnlock()
	if !wanted || !c.limiter.Allow() {
		return
	}

	if !c.connectMu.TryLock() {
		return
	}
	defer c.connectMu.Unlock()

	if c.IsConnected() {
		return
	}

	if err := c.dial(ctx, StatusReconnecting); err != nil {
		next := c.backoff.Next()
		c.limiter.SetLimit(rate.Every(next))
		c.logger.Debug("reconnect attempt failed", "error", err, "next_attempt_in", next)
		return
	}
	c.metrics.RecordReconnect()
}

// Subscribe adds filter to the subscription set. It is a no-op for a filter
// already in the set. While disconnected the filter is only recorded and is
// sent on the next connect.
func (c *Client) Subscribe(filter string) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return errors.WrapInvalid(err, "Client", "Subscribe", "validate filter")
	}

	c.mu.Lock()
	if _, ok := c.subSet[filter]; ok {
		c.mu.Unlock()
		return nil
	}
	c.subSet[filter] = struct{}{}
	c.subs = append(c.subs, filter)
	conn := c.conn
	qos := c.defaultQoS
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Subscribe(filter, qos); err != nil {
		// a live session rejected the filter; while disconnected it stays
		// in the set and is replayed on reconnect
		if conn.IsConnected() {
			c.forget(filter)
		}
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
			"Client", "Subscribe", "subscribe "+filter)
	}
	return nil
}

// forget drops filter from the subscription set so a later Subscribe retries it
func (c *Client) forget(filter string) {
	c.mu.Lock()
	c.forgetLocked(filter)
	c.mu.Unlock()
}

// forgetLocked reports whether filter was in the set. c.mu must be held.
func (c *Client) forgetLocked(filter string) bool {
	if _, ok := c.subSet[filter]; !ok {
		return false
	}
	delete(c.subSet, filter)
	for i, s := range c.subs {
		if s == filter {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			break
		}
	}
	return true
}

func (c *Client) handleAsyncError(op, target string, err error) {
	c.logger.Warn("broker operation failed", "op", op, "target", target, "error", err)
	if op == "subscribe" {
		c.forget(target)
	}
}

// Unsubscribe removes filter from the subscription set
func (c *Client) Unsubscribe(filter string) error {
	c.mu.Lock()
	if !c.forgetLocked(filter) {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Unsubscribe(filter); err != nil {
		return errors.WrapTransient(err, "Client", "Unsubscribe", "unsubscribe "+filter)
	}
	return nil
}

// Subscriptions returns the subscription set in subscribe order
func (c *Client) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.subs...)
}

// Publish sends payload with the default QoS and no retain flag. Messages
// are never queued: publishing while disconnected fails with ErrNotConnected.
func (c *Client) Publish(name string, payload []byte) error {
	return c.PublishWith(name, payload, c.DefaultQoS(), false)
}

// PublishWith sends payload with an explicit QoS and retain flag
func (c *Client) PublishWith(name string, payload []byte, qos byte, retain bool) error {
	if err := topic.ValidateName(name); err != nil {
		c.metrics.RecordPublish(false)
		return errors.WrapInvalid(err, "Client", "Publish", "validate topic")
	}
	if qos > 2 {
		c.metrics.RecordPublish(false)
		return errors.WrapInvalid(fmt.Errorf("%w: QoS %d", errors.ErrInvalidValue, qos),
			"Client", "Publish", "validate QoS")
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !c.IsConnected() {
		c.metrics.RecordPublish(false)
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "Publish", "publish to "+name)
	}
	if err := conn.Publish(name, qos, retain, payload); err != nil {
		c.metrics.RecordPublish(false)
		return errors.WrapTransient(err, "Client", "Publish", "publish to "+name)
	}
	c.metrics.RecordPublish(true)
	return nil
}

// SetMessageCallback installs the default global handler. A nil fn removes it.
func (c *Client) SetMessageCallback(fn MessageHandler) {
	if fn == nil {
		c.RemoveMessageHandler(DefaultOwner)
		return
	}
	c.AddMessageHandler(DefaultOwner, fn)
}

// AddMessageHandler installs or replaces the global handler for owner.
// A replaced handler keeps its position.
func (c *Client) AddMessageHandler(owner string, fn MessageHandler) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	next := make([]ownedHandler, 0, len(c.handlers)+1)
	replaced := false
	for _, h := range c.handlers {
		if h.owner == owner {
			h.fn = fn
			replaced = true
		}
		next = append(next, h)
	}
	if !replaced {
		next = append(next, ownedHandler{owner: owner, fn: fn})
	}
	c.handlers = next
}

// RemoveMessageHandler removes the global handler for owner
func (c *Client) RemoveMessageHandler(owner string) bool {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	next := make([]ownedHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		if h.owner != owner {
			next = append(next, h)
		}
	}
	removed := len(next) != len(c.handlers)
	c.handlers = next
	return removed
}

// SetTopicCallback installs fn for pattern and subscribes the pattern
func (c *Client) SetTopicCallback(pattern string, fn MessageHandler) error {
	if err := topic.ValidateFilter(pattern); err != nil {
		return errors.WrapInvalid(err, "Client", "SetTopicCallback", "validate pattern")
	}
	if fn == nil {
		c.RemoveTopicCallback(pattern)
		return nil
	}

	c.cbMu.Lock()
	next := make([]topicCallback, 0, len(c.topicCallbacks)+1)
	replaced := false
	for _, tc := range c.topicCallbacks {
		if tc.pattern == pattern {
			tc.fn = fn
			replaced = true
		}
		next = append(next, tc)
	}
	if !replaced {
		next = append(next, topicCallback{pattern: pattern, fn: fn})
	}
	c.topicCallbacks = next
	c.cbMu.Unlock()

	return c.Subscribe(pattern)
}

// RemoveTopicCallback removes the callback for pattern. The subscription is
// left in place since global handlers may still rely on it.
func (c *Client) RemoveTopicCallback(pattern string) bool {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	next := make([]topicCallback, 0, len(c.topicCallbacks))
	for _, tc := range c.topicCallbacks {
		if tc.pattern != pattern {
			next = append(next, tc)
		}
	}
	removed := len(next) != len(c.topicCallbacks)
	c.topicCallbacks = next
	return removed
}

// SetConnectionOptions updates session settings. keepAlive and cleanSession
// are negotiated at connect time and apply from the next connect;
// autoReconnect applies immediately.
func (c *Client) SetConnectionOptions(keepAlive time.Duration, cleanSession, autoReconnect bool) error {
	if keepAlive < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: keep alive %v", errors.ErrInvalidValue, keepAlive),
			"Client", "SetConnectionOptions", "validate keep alive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepAlive = keepAlive
	c.cleanSession = cleanSession
	c.autoReconnect = autoReconnect
	return nil
}

// SetLastWill replaces the last will used from the next connect
func (c *Client) SetLastWill(will LastWill) error {
	if err := topic.ValidateName(will.Topic); err != nil {
		return errors.WrapInvalid(err, "Client", "SetLastWill", "validate topic")
	}
	if will.QoS > 2 {
		return errors.WrapInvalid(fmt.Errorf("%w: QoS %d", errors.ErrInvalidValue, will.QoS),
			"Client", "SetLastWill", "validate QoS")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastWill = &will
	return nil
}

// ClearLastWill removes the last will from the next connect
func (c *Client) ClearLastWill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastWill = nil
}

// SetDefaultQoS sets the QoS used by Publish and new subscriptions
func (c *Client) SetDefaultQoS(qos byte) error {
	if qos > 2 {
		return errors.WrapInvalid(fmt.Errorf("%w: QoS %d", errors.ErrInvalidValue, qos),
			"Client", "SetDefaultQoS", "validate QoS")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultQoS = qos
	return nil
}

// DefaultQoS returns the QoS used by Publish
func (c *Client) DefaultQoS() byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultQoS
}

func (c *Client) deliver(name string, payload []byte) {
	c.metrics.RecordMessageReceived()

	c.cbMu.RLock()
	var matched MessageHandler
	for _, tc := range c.topicCallbacks {
		if topic.Match(tc.pattern, name) {
			matched = tc.fn
			break
		}
	}
	handlers := c.handlers
	c.cbMu.RUnlock()

	if matched != nil {
		c.invoke("topic_callback", matched, name, payload)
		return
	}
	for _, h := range handlers {
		c.invoke(h.owner, h.fn, name, payload)
	}
}

func (c *Client) invoke(owner string, fn MessageHandler, name string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler failed",
				"owner", owner, "topic", name, "error", errors.FromPanic(r, "Client", "deliver"))
		}
	}()
	fn(name, payload)
}
