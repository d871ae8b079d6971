package transport

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/synthiot/metric"
)

// Option is a functional option for configuring the Client
type Option func(*Client) error

// WithLogger sets the logger (nil keeps slog.Default)
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger.With("component", "transport")
		}
		return nil
	}
}

// WithMetrics attaches the core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithKeepAlive sets the keep-alive interval used on the next connect
func WithKeepAlive(d time.Duration) Option {
	return func(c *Client) error {
		if d < 0 {
			return fmt.Errorf("keep alive cannot be negative: %v", d)
		}
		c.keepAlive = d
		return nil
	}
}

// WithCleanSession sets the clean-session flag used on the next connect
func WithCleanSession(clean bool) Option {
	return func(c *Client) error {
		c.cleanSession = clean
		return nil
	}
}

// WithAutoReconnect enables or disables reconnect attempts from Update
func WithAutoReconnect(enabled bool) Option {
	return func(c *Client) error {
		c.autoReconnect = enabled
		return nil
	}
}

// WithDefaultQoS sets the QoS used by Publish and Subscribe
func WithDefaultQoS(qos byte) Option {
	return func(c *Client) error {
		if qos > 2 {
			return fmt.Errorf("invalid QoS %d", qos)
		}
		c.defaultQoS = qos
		return nil
	}
}

// WithLastWill registers a last-will message
func WithLastWill(will LastWill) Option {
	return func(c *Client) error {
		if will.Topic == "" {
			return fmt.Errorf("last will topic is required")
		}
		if will.QoS > 2 {
			return fmt.Errorf("invalid last will QoS %d", will.QoS)
		}
		c.lastWill = &will
		return nil
	}
}

// WithStatusTopic publishes a retained "online" birth message on every
// connect and installs a retained "offline" last will on the same topic.
func WithStatusTopic(topic string) Option {
	return func(c *Client) error {
		if topic == "" {
			return nil
		}
		c.statusTopic = topic
		c.lastWill = &LastWill{Topic: topic, Payload: PayloadOffline, QoS: 1, Retain: true}
		return nil
	}
}

// WithReconnectInterval bounds the pacing of reconnect attempts. The
// interval starts at min and doubles after each failed attempt up to max.
func WithReconnectInterval(min, max time.Duration) Option {
	return func(c *Client) error {
		if min <= 0 || max < min {
			return fmt.Errorf("invalid reconnect interval [%v, %v]", min, max)
		}
		c.reconnectMin = min
		c.reconnectMax = max
		return nil
	}
}

// WithConnectTimeout bounds a single connect attempt
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.connectTimeout = d
		return nil
	}
}

// WithCredentials sets username and password for the broker
func WithCredentials(username, password string) Option {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithTLS secures every session with cfg. MQTT switches to the ssl://
// scheme; NATS requires the server to offer TLS.
func WithTLS(cfg *tls.Config) Option {
	return func(c *Client) error {
		c.tlsConfig = cfg
		return nil
	}
}

// WithOnConnect sets a callback run after every successful connect
func WithOnConnect(fn func()) Option {
	return func(c *Client) error {
		c.onConnect = fn
		return nil
	}
}

// WithOnConnectionLost sets a callback run when a live session drops
func WithOnConnectionLost(fn func(error)) Option {
	return func(c *Client) error {
		c.onConnectionLost = fn
		return nil
	}
}
