package param

import (
	"fmt"
	"sort"

	"github.com/c360/synthiot/errors"
)

type midiKey struct {
	cc      uint8
	channel uint8
}

// MIDIMapping binds a control change number on a channel to a parameter
type MIDIMapping struct {
	CC      uint8  `json:"cc" yaml:"cc"`
	Channel uint8  `json:"channel" yaml:"channel"`
	Path    string `json:"parameter" yaml:"parameter"`
}

func validMIDI(cc, channel uint8) error {
	if cc > 127 || channel > 15 {
		return errors.WrapInvalid(fmt.Errorf("%w: cc %d channel %d", errors.ErrInvalidValue, cc, channel),
			"Manager", "MapMIDI", "validate controller")
	}
	return nil
}

func (m *Manager) automatable(path, method string) (Parameter, error) {
	p, err := m.Lookup(path)
	if err != nil {
		return nil, err
	}
	if !p.IsAutomatable() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrNotAutomatable, path), "Manager", method, "check automatable")
	}
	return p, nil
}

// MapMIDI binds (cc, channel) to the parameter at path, replacing any
// previous binding of that controller
func (m *Manager) MapMIDI(cc, channel uint8, path string) error {
	if err := validMIDI(cc, channel); err != nil {
		return err
	}
	p, err := m.automatable(path, "MapMIDI")
	if err != nil {
		return err
	}
	m.midiMu.Lock()
	m.midi[midiKey{cc: cc, channel: channel}] = p
	m.midiMu.Unlock()
	return nil
}

// UnmapMIDI removes the binding of (cc, channel)
func (m *Manager) UnmapMIDI(cc, channel uint8) bool {
	m.midiMu.Lock()
	defer m.midiMu.Unlock()

	k := midiKey{cc: cc, channel: channel}
	if _, ok := m.midi[k]; !ok {
		return false
	}
	delete(m.midi, k)
	return true
}

// LearnMIDI arms MIDI learn: the next control change received binds to
// the parameter at path
func (m *Manager) LearnMIDI(path string) error {
	p, err := m.automatable(path, "LearnMIDI")
	if err != nil {
		return err
	}
	m.midiMu.Lock()
	m.learn = p
	m.midiMu.Unlock()
	return nil
}

// CancelLearn disarms MIDI learn
func (m *Manager) CancelLearn() {
	m.midiMu.Lock()
	m.learn = nil
	m.midiMu.Unlock()
}

// HandleControlChange applies a CC value (0..127) to the mapped parameter
// as a normalized value. It reports whether a parameter was updated.
func (m *Manager) HandleControlChange(channel, cc, value uint8) bool {
	k := midiKey{cc: cc, channel: channel}

	m.midiMu.Lock()
	if m.learn != nil {
		m.midi[k] = m.learn
		m.logger.Info("midi learn bound", "cc", cc, "channel", channel, "parameter", m.learn.Path())
		m.learn = nil
	}
	p := m.midi[k]
	m.midiMu.Unlock()

	if p == nil {
		return false
	}
	if value > 127 {
		value = 127
	}
	p.SetNormalizedValue(float64(value)/127, true)
	return true
}

// MIDIMappings returns the current bindings ordered by channel then cc
func (m *Manager) MIDIMappings() []MIDIMapping {
	m.midiMu.RLock()
	out := make([]MIDIMapping, 0, len(m.midi))
	for k, p := range m.midi {
		out = append(out, MIDIMapping{CC: k.cc, Channel: k.channel, Path: p.Path()})
	}
	m.midiMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].CC < out[j].CC
	})
	return out
}
