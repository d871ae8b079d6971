package eventbus

// MusicalPosition is a point on the host's musical timeline. When the meter
// (BeatsPerBar and TicksPerBeat) is known, positions compare by absolute
// tick count, which stays correct across meter changes; otherwise they
// compare lexicographically on (Bar, Beat, Tick).
type MusicalPosition struct {
	Bar   int
	Beat  int
	Tick  int
	Tempo float64

	BeatsPerBar  int
	TicksPerBeat int
	// Absolute is the total tick count since the start of the timeline.
	// Providers that track meter changes set it; when zero it is derived
	// from the current meter.
	Absolute int64
}

// HasMeter reports whether the position carries a usable meter
func (p MusicalPosition) HasMeter() bool {
	return p.BeatsPerBar > 0 && p.TicksPerBeat > 0
}

// AbsoluteTicks returns the absolute tick count, or false without a meter
func (p MusicalPosition) AbsoluteTicks() (int64, bool) {
	if !p.HasMeter() {
		return 0, false
	}
	if p.Absolute != 0 {
		return p.Absolute, true
	}
	return p.tupleTicks(p.BeatsPerBar, p.TicksPerBeat), true
}

func (p MusicalPosition) tupleTicks(beatsPerBar, ticksPerBeat int) int64 {
	return (int64(p.Bar)*int64(beatsPerBar)+int64(p.Beat))*int64(ticksPerBeat) + int64(p.Tick)
}

// CompareTuple orders positions lexicographically on (Bar, Beat, Tick)
func CompareTuple(a, b MusicalPosition) int {
	switch {
	case a.Bar != b.Bar:
		return cmpInt(a.Bar, b.Bar)
	case a.Beat != b.Beat:
		return cmpInt(a.Beat, b.Beat)
	default:
		return cmpInt(a.Tick, b.Tick)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// musicalTarget is a scheduled position. abs is anchored to the timeline
// when a meter was known at scheduling time.
type musicalTarget struct {
	pos    MusicalPosition
	abs    int64
	hasAbs bool
}

// anchor resolves target against the current provider position so later
// meter changes do not move it.
func anchor(target, now MusicalPosition) musicalTarget {
	nowAbs, ok := now.AbsoluteTicks()
	if !ok {
		return musicalTarget{pos: target}
	}
	delta := target.tupleTicks(now.BeatsPerBar, now.TicksPerBeat) - now.tupleTicks(now.BeatsPerBar, now.TicksPerBeat)
	return musicalTarget{pos: target, abs: nowAbs + delta, hasAbs: true}
}

func (t musicalTarget) due(now MusicalPosition) bool {
	if t.hasAbs {
		if nowAbs, ok := now.AbsoluteTicks(); ok {
			return nowAbs >= t.abs
		}
	}
	return CompareTuple(now, t.pos) >= 0
}
