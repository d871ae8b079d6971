package transport

// Status represents the state of the broker session
type Status int32

// Possible connection statuses
const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnecting
	StatusReconnecting
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
