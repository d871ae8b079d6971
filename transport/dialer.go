package transport

import (
	"fmt"
	"strings"

	"github.com/c360/synthiot/errors"
)

// Backend names accepted by NewDialer
const (
	BackendMQTT   = "mqtt"
	BackendNATS   = "nats"
	BackendMemory = "memory"
)

// NewDialer returns the dialer for a configured backend name
func NewDialer(backend string) (Dialer, error) {
	switch strings.ToLower(backend) {
	case "", BackendMQTT:
		return MQTTDialer{}, nil
	case BackendNATS:
		return NATSDialer{}, nil
	case BackendMemory:
		return NewMemoryBroker(), nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: transport backend %q", errors.ErrUnsupported, backend),
			"transport", "NewDialer", "select backend")
	}
}
