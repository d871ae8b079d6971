package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c360/synthiot/errors"
	"github.com/c360/synthiot/topic"
)

// MemoryBroker is an in-process broker with MQTT filter matching, retained
// messages and last will. Delivery is synchronous on the publishing
// goroutine, which makes it the backend of choice for tests and for running
// the engine without an external broker.
type MemoryBroker struct {
	mu       sync.Mutex
	sessions []*memoryConn
	retained map[string][]byte
	history  []Message
	refuse   bool
}

// NewMemoryBroker creates an empty broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{retained: make(map[string][]byte)}
}

// Dial opens a session. A live session with the same client id is taken
// over, as an MQTT broker would do.
func (b *MemoryBroker) Dial(ctx context.Context, opts DialOptions, events ConnEvents) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.refuse {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: memory broker refusing connections", errors.ErrConnectionRefused)
	}

	conn := &memoryConn{
		broker:   b,
		clientID: opts.ClientID,
		will:     opts.LastWill,
		events:   events,
		subs:     make(map[string]byte),
	}
	conn.connected.Store(true)

	var takenOver *memoryConn
	for i, s := range b.sessions {
		if s.clientID == opts.ClientID {
			takenOver = s
			b.sessions = append(b.sessions[:i:i], b.sessions[i+1:]...)
			break
		}
	}
	b.sessions = append(b.sessions, conn)
	b.mu.Unlock()

	if takenOver != nil {
		takenOver.connected.Store(false)
		if takenOver.events.OnConnectionLost != nil {
			takenOver.events.OnConnectionLost(errors.ErrConnectionLost)
		}
	}
	return conn, nil
}

// Publish injects a message as if a device had sent it
func (b *MemoryBroker) Publish(name string, payload []byte, retain bool) {
	b.route(Message{Topic: name, Payload: payload, Retain: retain})
}

// SetRefuse makes subsequent Dial calls fail
func (b *MemoryBroker) SetRefuse(refuse bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse = refuse
}

// DropConnections severs every session ungracefully: last wills are
// published and each client sees a connection loss.
func (b *MemoryBroker) DropConnections() {
	b.mu.Lock()
	dropped := b.sessions
	b.sessions = nil
	b.mu.Unlock()

	for _, s := range dropped {
		s.connected.Store(false)
		if s.will != nil {
			b.route(Message{Topic: s.will.Topic, Payload: []byte(s.will.Payload), QoS: s.will.QoS, Retain: s.will.Retain})
		}
		if s.events.OnConnectionLost != nil {
			s.events.OnConnectionLost(errors.ErrConnectionLost)
		}
	}
}

// Messages returns every message routed through the broker
func (b *MemoryBroker) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.history...)
}

// Retained returns the retained payload for a topic
func (b *MemoryBroker) Retained(name string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.retained[name]
	return p, ok
}

// SessionCount returns the number of live sessions
func (b *MemoryBroker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Subscriptions returns the filters held by a client's live session
func (b *MemoryBroker) Subscriptions(clientID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		if s.clientID == clientID {
			return s.filters()
		}
	}
	return nil
}

func (b *MemoryBroker) route(msg Message) {
	b.mu.Lock()
	b.history = append(b.history, msg)
	if msg.Retain {
		if len(msg.Payload) == 0 {
			delete(b.retained, msg.Topic)
		} else {
			b.retained[msg.Topic] = append([]byte(nil), msg.Payload...)
		}
	}
	targets := make([]*memoryConn, 0, len(b.sessions))
	for _, s := range b.sessions {
		if s.matches(msg.Topic) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		if s.connected.Load() && s.events.OnMessage != nil {
			s.events.OnMessage(msg.Topic, msg.Payload)
		}
	}
}

func (b *MemoryBroker) remove(conn *memoryConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.sessions {
		if s == conn {
			b.sessions = append(b.sessions[:i:i], b.sessions[i+1:]...)
			return
		}
	}
}

type memoryConn struct {
	broker    *MemoryBroker
	clientID  string
	will      *LastWill
	events    ConnEvents
	connected atomic.Bool

	mu   sync.Mutex
	subs map[string]byte
}

func (c *memoryConn) matches(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for filter := range c.subs {
		if topic.Match(filter, name) {
			return true
		}
	}
	return false
}

func (c *memoryConn) filters() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for f := range c.subs {
		out = append(out, f)
	}
	return out
}

func (c *memoryConn) Subscribe(filter string, qos byte) error {
	if !c.connected.Load() {
		return errors.ErrNotConnected
	}
	c.mu.Lock()
	c.subs[filter] = qos
	c.mu.Unlock()

	c.broker.mu.Lock()
	var retained []Message
	for name, payload := range c.broker.retained {
		if topic.Match(filter, name) {
			retained = append(retained, Message{Topic: name, Payload: payload, Retain: true})
		}
	}
	c.broker.mu.Unlock()

	for _, msg := range retained {
		if c.events.OnMessage != nil {
			c.events.OnMessage(msg.Topic, msg.Payload)
		}
	}
	return nil
}

func (c *memoryConn) Unsubscribe(filter string) error {
	if !c.connected.Load() {
		return errors.ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, filter)
	return nil
}

func (c *memoryConn) Publish(name string, qos byte, retain bool, payload []byte) error {
	if !c.connected.Load() {
		return errors.ErrNotConnected
	}
	c.broker.route(Message{Topic: name, Payload: append([]byte(nil), payload...), QoS: qos, Retain: retain})
	return nil
}

func (c *memoryConn) IsConnected() bool {
	return c.connected.Load()
}

func (c *memoryConn) Close() {
	if c.connected.Swap(false) {
		c.broker.remove(c)
	}
}
