package transport

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"
)

// MessageHandler receives an inbound message. It is invoked on the backend's
// delivery goroutine and must not retain payload after returning.
type MessageHandler func(topic string, payload []byte)

// Message is a published message as seen by a broker
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// LastWill is published by the broker on the client's behalf after an
// ungraceful disconnect.
type LastWill struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain"`
}

// DialOptions carries everything a backend needs to open one session
type DialOptions struct {
	Host           string
	Port           int
	ClientID       string
	KeepAlive      time.Duration
	CleanSession   bool
	ConnectTimeout time.Duration
	Username       string
	Password       string
	LastWill       *LastWill
	// TLS, when set, secures the session
	TLS    *tls.Config
	Logger *slog.Logger
}

// ConnEvents are the upcalls a backend makes into the client
type ConnEvents struct {
	OnMessage        MessageHandler
	OnConnectionLost func(err error)
	// OnAsyncError reports a subscribe, unsubscribe or publish that was
	// issued without waiting for the broker and later failed. op is one
	// of "subscribe", "unsubscribe" or "publish".
	OnAsyncError func(op, target string, err error)
}

// Conn is a live broker session. Implementations must be safe for
// concurrent use; Subscribe is called again for every retained filter after
// a reconnect.
type Conn interface {
	Subscribe(filter string, qos byte) error
	Unsubscribe(filter string) error
	Publish(topic string, qos byte, retain bool, payload []byte) error
	IsConnected() bool
	Close()
}

// Dialer opens broker sessions
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions, events ConnEvents) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, opts DialOptions, events ConnEvents) (Conn, error)

// Dial calls f
func (f DialerFunc) Dial(ctx context.Context, opts DialOptions, events ConnEvents) (Conn, error) {
	return f(ctx, opts, events)
}
