package midiin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"

	"github.com/c360/synthiot/param"
)

func TestListener_ForwardsControlChange(t *testing.T) {
	m := param.NewManager()
	cutoff, err := m.Root().AddFloat("cutoff", "Cutoff", 0, 127, 0)
	require.NoError(t, err)
	require.NoError(t, m.MapMIDI(74, 2, "cutoff"))

	l := NewListener(m, nil)

	assert.True(t, l.Handle(midi.ControlChange(2, 74, 127)))
	assert.Equal(t, 127.0, cutoff.Value())

	assert.False(t, l.Handle(midi.ControlChange(3, 74, 0)), "other channel")
	assert.False(t, l.Handle(midi.NoteOn(2, 60, 100)), "not a control change")
	assert.Equal(t, 127.0, cutoff.Value())
}

func TestListener_OpenUnknownPort(t *testing.T) {
	l := NewListener(param.NewManager(), nil)
	assert.Error(t, l.Open("no such port"))
	assert.Empty(t, l.Port())
	l.Close()
}

func TestChoosePort(t *testing.T) {
	ports := []string{"Midi Through Port-0", "nanoKONTROL2 MIDI 1", "nanoKONTROL2"}

	assert.Equal(t, 2, choosePort(ports, "nanoKONTROL2"), "exact name wins over an earlier partial match")
	assert.Equal(t, 1, choosePort(ports, "KONTROL"), "first port containing the text")
	assert.Equal(t, 0, choosePort(ports, ""), "empty name selects the first port")
	assert.Equal(t, -1, choosePort(ports, "Launchpad"))
	assert.Equal(t, -1, choosePort(nil, ""))
}
