package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/c360/synthiot/errors"
	"github.com/c360/synthiot/topic"
)

// NATSDialer opens sessions against a NATS server. Topics map to subjects
// with '/' as '.', '+' as '*' and '#' as '>'. NATS has no retained
// messages, last will or QoS: retain and QoS are ignored and a configured
// last will is logged and dropped.
type NATSDialer struct{}

// Dial connects to the server described by opts
func (NATSDialer) Dial(ctx context.Context, opts DialOptions, events ConnEvents) (Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LastWill != nil {
		logger.Warn("last will is not supported by the NATS backend", "topic", opts.LastWill.Topic)
	}

	nopts := []nats.Option{
		nats.Name(opts.ClientID),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if events.OnConnectionLost != nil {
				if err == nil {
					err = errors.ErrConnectionLost
				}
				events.OnConnectionLost(err)
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("NATS async error", "subject", subject, "error", err)
		}),
	}
	if opts.ConnectTimeout > 0 {
		nopts = append(nopts, nats.Timeout(opts.ConnectTimeout))
	}
	if opts.KeepAlive > 0 {
		nopts = append(nopts, nats.PingInterval(opts.KeepAlive))
	}
	if opts.Username != "" {
		nopts = append(nopts, nats.UserInfo(opts.Username, opts.Password))
	}
	if opts.TLS != nil {
		nopts = append(nopts, nats.Secure(opts.TLS))
	}

	url := fmt.Sprintf("nats://%s:%d", opts.Host, opts.Port)

	type result struct {
		nc  *nats.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(url, nopts...)
		done <- result{nc, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrConnectionRefused, r.err)
		}
		return &natsConn{nc: r.nc, events: events, subs: make(map[string][]*nats.Subscription)}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, ctx.Err())
	}
}

type natsConn struct {
	nc     *nats.Conn
	events ConnEvents

	mu   sync.Mutex
	subs map[string][]*nats.Subscription
}

func (c *natsConn) Subscribe(filter string, _ byte) error {
	subjects, err := topic.ToSubjects(filter)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[filter]; ok {
		return nil
	}

	handler := func(m *nats.Msg) {
		if c.events.OnMessage != nil {
			c.events.OnMessage(topic.FromSubject(m.Subject), m.Data)
		}
	}

	subs := make([]*nats.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := c.nc.Subscribe(subject, handler)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return err
		}
		subs = append(subs, sub)
	}
	c.subs[filter] = subs
	return nil
}

func (c *natsConn) Unsubscribe(filter string) error {
	c.mu.Lock()
	subs := c.subs[filter]
	delete(c.subs, filter)
	c.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *natsConn) Publish(name string, _ byte, _ bool, payload []byte) error {
	subject, err := topic.ToSubject(name)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, payload)
}

func (c *natsConn) IsConnected() bool {
	return c.nc.IsConnected()
}

func (c *natsConn) Close() {
	c.nc.Close()
}
