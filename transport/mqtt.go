package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/synthiot/errors"
	"github.com/c360/synthiot/pkg/goid"
)

// MQTTDialer opens MQTT 3.1.1 sessions with the Eclipse Paho client.
// Paho's own reconnect logic is disabled; the Client drives reconnects and
// replays subscriptions itself.
//
// Messages are delivered in order on paho's router goroutine, which must
// not block on tokens. Subscribe, Unsubscribe and Publish called from a
// message handler therefore return once the packet is queued; failures
// arrive later through ConnEvents.OnAsyncError.
type MQTTDialer struct {
	// Scheme of the broker URL, "tcp" when empty or "ssl" when TLS is set
	Scheme string
	// OperationTimeout bounds subscribe/publish acknowledgements, 5s when zero
	OperationTimeout time.Duration
}

// Dial connects to the broker described by opts
func (d MQTTDialer) Dial(ctx context.Context, opts DialOptions, events ConnEvents) (Conn, error) {
	scheme := d.Scheme
	if scheme == "" {
		scheme = "tcp"
		if opts.TLS != nil {
			scheme = "ssl"
		}
	}
	timeout := d.OperationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	o := mqtt.NewClientOptions()
	o.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, opts.Host, opts.Port))
	o.SetClientID(opts.ClientID)
	o.SetKeepAlive(opts.KeepAlive)
	o.SetCleanSession(opts.CleanSession)
	o.SetAutoReconnect(false)
	o.SetConnectRetry(false)
	o.SetOrderMatters(true)
	if opts.ConnectTimeout > 0 {
		o.SetConnectTimeout(opts.ConnectTimeout)
	}
	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}
	if opts.TLS != nil {
		o.SetTLSConfig(opts.TLS)
	}
	if opts.LastWill != nil {
		o.SetWill(opts.LastWill.Topic, opts.LastWill.Payload, opts.LastWill.QoS, opts.LastWill.Retain)
	}
	conn := &mqttConn{timeout: timeout, onAsyncError: events.OnAsyncError}
	o.SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
		conn.router.Store(goid.ID())
		if events.OnMessage != nil {
			events.OnMessage(m.Topic(), m.Payload())
		}
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if events.OnConnectionLost != nil {
			events.OnConnectionLost(err)
		}
	})

	cli := mqtt.NewClient(o)
	tok := cli.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		cli.Disconnect(0)
		return nil, fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrConnectionRefused, err)
	}

	conn.cli = cli
	return conn, nil
}

type mqttConn struct {
	cli          mqtt.Client
	timeout      time.Duration
	router       atomic.Int64 // goroutine running the publish handler
	onAsyncError func(op, target string, err error)
}

func (c *mqttConn) wait(tok mqtt.Token, op string) error {
	if !tok.WaitTimeout(c.timeout) {
		return fmt.Errorf("%s: %w", op, errors.ErrConnectionTimeout)
	}
	return tok.Error()
}

// complete waits for tok unless called from the router goroutine, where
// the result is reported asynchronously instead
func (c *mqttConn) complete(tok mqtt.Token, op, target string) error {
	if c.router.Load() != goid.ID() {
		return c.wait(tok, op)
	}
	go func() {
		if err := c.wait(tok, op); err != nil && c.onAsyncError != nil {
			c.onAsyncError(op, target, err)
		}
	}()
	return nil
}

func (c *mqttConn) Subscribe(filter string, qos byte) error {
	// a nil handler routes through the default publish handler
	return c.complete(c.cli.Subscribe(filter, qos, nil), "subscribe", filter)
}

func (c *mqttConn) Unsubscribe(filter string) error {
	return c.complete(c.cli.Unsubscribe(filter), "unsubscribe", filter)
}

func (c *mqttConn) Publish(name string, qos byte, retain bool, payload []byte) error {
	return c.complete(c.cli.Publish(name, qos, retain, payload), "publish", name)
}

func (c *mqttConn) IsConnected() bool {
	return c.cli.IsConnectionOpen()
}

func (c *mqttConn) Close() {
	if c.cli.IsConnected() {
		c.cli.Disconnect(250)
	}
}
