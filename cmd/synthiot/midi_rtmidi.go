//go:build rtmidi

package main

// Hardware MIDI input needs cgo and the RtMidi library: build with
// -tags rtmidi.
import _ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
