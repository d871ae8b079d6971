package eventbus

import (
	"math"
	"sync"
	"time"
)

type meterSegment struct {
	startTick   int64
	startBar    int
	beatsPerBar int
}

// TempoClock is a musical time source advanced by the host. It keeps an
// absolute tick count so meter changes do not renumber past bars.
type TempoClock struct {
	mu           sync.Mutex
	tempo        float64
	ticksPerBeat int
	ticks        float64
	segments     []meterSegment
}

// NewTempoClock creates a clock at bar 0. Non-positive arguments fall back
// to 120 BPM, 4 beats per bar and 480 ticks per beat.
func NewTempoClock(tempo float64, beatsPerBar, ticksPerBeat int) *TempoClock {
	if tempo <= 0 {
		tempo = 120
	}
	if beatsPerBar <= 0 {
		beatsPerBar = 4
	}
	if ticksPerBeat <= 0 {
		ticksPerBeat = 480
	}
	return &TempoClock{
		tempo:        tempo,
		ticksPerBeat: ticksPerBeat,
		segments:     []meterSegment{{beatsPerBar: beatsPerBar}},
	}
}

// Advance moves the clock forward by dt at the current tempo
func (c *TempoClock) Advance(dt time.Duration) {
	if dt <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks += dt.Seconds() * c.tempo / 60 * float64(c.ticksPerBeat)
}

// SetTempo changes the tempo in beats per minute
func (c *TempoClock) SetTempo(bpm float64) {
	if bpm <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tempo = bpm
}

// SetMeter changes beats per bar. The change applies at the start of the
// next bar, or immediately when the clock sits exactly on a bar line.
func (c *TempoClock) SetMeter(beatsPerBar int) {
	if beatsPerBar <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	abs := int64(math.Floor(c.ticks))
	seg := c.segmentAt(abs)
	barTicks := int64(seg.beatsPerBar * c.ticksPerBeat)
	bars := (abs - seg.startTick) / barTicks
	barStart := seg.startTick + bars*barTicks
	bar := seg.startBar + int(bars)
	if barStart != abs {
		barStart += barTicks
		bar++
	}

	kept := c.segments[:0]
	for _, s := range c.segments {
		if s.startTick < barStart {
			kept = append(kept, s)
		}
	}
	c.segments = append(kept, meterSegment{startTick: barStart, startBar: bar, beatsPerBar: beatsPerBar})
}

func (c *TempoClock) segmentAt(abs int64) meterSegment {
	seg := c.segments[0]
	for _, s := range c.segments[1:] {
		if s.startTick > abs {
			break
		}
		seg = s
	}
	return seg
}

// Position returns the current musical position
func (c *TempoClock) Position() MusicalPosition {
	c.mu.Lock()
	defer c.mu.Unlock()

	abs := int64(math.Floor(c.ticks))
	seg := c.segmentAt(abs)
	barTicks := int64(seg.beatsPerBar * c.ticksPerBeat)
	rel := abs - seg.startTick
	inBar := rel % barTicks
	return MusicalPosition{
		Bar:          seg.startBar + int(rel/barTicks),
		Beat:         int(inBar / int64(c.ticksPerBeat)),
		Tick:         int(inBar % int64(c.ticksPerBeat)),
		Tempo:        c.tempo,
		BeatsPerBar:  seg.beatsPerBar,
		TicksPerBeat: c.ticksPerBeat,
		Absolute:     abs,
	}
}

// Reset rewinds to bar 0 keeping the latest meter
func (c *TempoClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	last := c.segments[len(c.segments)-1]
	c.ticks = 0
	c.segments = []meterSegment{{beatsPerBar: last.beatsPerBar}}
}
