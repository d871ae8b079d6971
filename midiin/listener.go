// Package midiin feeds MIDI control change input into the parameter
// manager's CC map. It does not import a MIDI driver; the binary that
// opens hardware ports registers one (for example rtmididrv) with a
// blank import.
package midiin

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/c360/synthiot/errors"
)

// ControlChangeHandler receives decoded CC messages. *param.Manager
// implements it.
type ControlChangeHandler interface {
	HandleControlChange(channel, cc, value uint8) bool
}

// Listener decodes MIDI input and forwards control changes
type Listener struct {
	handler ControlChangeHandler
	logger  *slog.Logger

	mu   sync.Mutex
	port string
	stop func()
}

// NewListener creates a listener forwarding to h
func NewListener(h ControlChangeHandler, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{handler: h, logger: logger.With("component", "midiin")}
}

// InPorts lists the input ports of the registered driver
func InPorts() []string {
	ports := midi.GetInPorts()
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		names = append(names, p.String())
	}
	return names
}

// Open attaches to the input port called name. Without an exact match it
// takes the first port whose name contains name, so an empty name selects
// the first port.
func (l *Listener) Open(name string) error {
	ports := midi.GetInPorts()
	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = p.String()
	}
	i := choosePort(names, name)
	if i < 0 {
		return errors.WrapInvalid(fmt.Errorf("midi input %q not found among %d ports", name, len(ports)), "Listener", "Open", "find port")
	}
	return l.Attach(ports[i])
}

// choosePort returns the index of the port to open, -1 if none fits
func choosePort(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	for i, n := range names {
		if strings.Contains(n, name) {
			return i
		}
	}
	return -1
}

// Attach starts listening on an already resolved port, replacing any
// previous one
func (l *Listener) Attach(in drivers.In) error {
	stop, err := midi.ListenTo(in, func(msg midi.Message, _ int32) {
		l.Handle(msg)
	})
	if err != nil {
		return errors.WrapTransient(err, "Listener", "Attach", "listen to port")
	}

	l.mu.Lock()
	prev := l.stop
	l.stop = stop
	l.port = in.String()
	l.mu.Unlock()

	if prev != nil {
		prev()
	}
	l.logger.Info("midi input attached", "port", in.String())
	return nil
}

// Port returns the name of the attached port
func (l *Listener) Port() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// Handle forwards msg when it is a control change. It reports whether a
// parameter was updated.
func (l *Listener) Handle(msg midi.Message) bool {
	var channel, cc, value uint8
	if !msg.GetControlChange(&channel, &cc, &value) {
		return false
	}
	applied := l.handler.HandleControlChange(channel, cc, value)
	if !applied {
		l.logger.Debug("unmapped control change", "channel", channel, "cc", cc, "value", value)
	}
	return applied
}

// Close stops listening
func (l *Listener) Close() {
	l.mu.Lock()
	stop := l.stop
	l.stop = nil
	l.port = ""
	l.mu.Unlock()

	if stop != nil {
		stop()
	}
}
