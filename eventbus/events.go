// Package eventbus dispatches typed events to listeners, immediately or at
// a scheduled wall-clock or musical time.
package eventbus

import (
	"fmt"
	"time"
)

// Reserved event kinds
const (
	KindStateChange     = "state_change"
	KindPatternControl  = "pattern_control"
	KindParameterChange = "parameter_change"
	KindIoTMessage      = "iot_message"
)

// Event is the closed set of events carried by the bus: StateChangeEvent,
// PatternEvent, ParameterEvent and IoTEvent. Events are values; the bus
// stores a copy when scheduling.
type Event interface {
	Kind() string
	Timestamp() time.Time
	sealed()
}

// StateChangeEvent requests a transition of the host's state machine
type StateChangeEvent struct {
	TargetState string
	At          time.Time
}

// NewStateChangeEvent creates a StateChangeEvent timestamped now
func NewStateChangeEvent(target string) StateChangeEvent {
	return StateChangeEvent{TargetState: target, At: time.Now()}
}

func (StateChangeEvent) Kind() string           { return KindStateChange }
func (e StateChangeEvent) Timestamp() time.Time { return e.At }
func (StateChangeEvent) sealed()                {}

// PatternAction is a sequencer pattern transport command
type PatternAction int

// Pattern actions
const (
	PatternStart PatternAction = iota
	PatternStop
	PatternPause
	PatternResume
	PatternRestart
)

func (a PatternAction) String() string {
	switch a {
	case PatternStart:
		return "start"
	case PatternStop:
		return "stop"
	case PatternPause:
		return "pause"
	case PatternResume:
		return "resume"
	case PatternRestart:
		return "restart"
	default:
		return fmt.Sprintf("PatternAction(%d)", int(a))
	}
}

// PatternEvent controls sequencer pattern playback
type PatternEvent struct {
	PatternID string
	Action    PatternAction
	At        time.Time
}

// NewPatternEvent creates a PatternEvent timestamped now
func NewPatternEvent(patternID string, action PatternAction) PatternEvent {
	return PatternEvent{PatternID: patternID, Action: action, At: time.Now()}
}

func (PatternEvent) Kind() string           { return KindPatternControl }
func (e PatternEvent) Timestamp() time.Time { return e.At }
func (PatternEvent) sealed()                {}

// ParameterEvent reports a parameter value
type ParameterEvent struct {
	ParameterID string
	Value       float64
	At          time.Time
}

// NewParameterEvent creates a ParameterEvent timestamped now
func NewParameterEvent(parameterID string, value float64) ParameterEvent {
	return ParameterEvent{ParameterID: parameterID, Value: value, At: time.Now()}
}

func (ParameterEvent) Kind() string           { return KindParameterChange }
func (e ParameterEvent) Timestamp() time.Time { return e.At }
func (ParameterEvent) sealed()                {}

// IoTEvent carries a broker message routed to an event kind. Value holds
// the converter's output; Payload the raw message.
type IoTEvent struct {
	EventKind string
	Topic     string
	Payload   string
	Value     any
	At        time.Time
}

// NewIoTEvent creates an IoTEvent timestamped now. An empty kind becomes
// iot_message.
func NewIoTEvent(kind, topic, payload string, value any) IoTEvent {
	if kind == "" {
		kind = KindIoTMessage
	}
	return IoTEvent{EventKind: kind, Topic: topic, Payload: payload, Value: value, At: time.Now()}
}

// Kind returns the mapped kind, iot_message when unset
func (e IoTEvent) Kind() string {
	if e.EventKind == "" {
		return KindIoTMessage
	}
	return e.EventKind
}

func (e IoTEvent) Timestamp() time.Time { return e.At }
func (IoTEvent) sealed()                {}
