package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/synthiot/metric"
)

type countingListener struct {
	mu     sync.Mutex
	events []Event
}

func (l *countingListener) OnEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *countingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func TestEvents_Kinds(t *testing.T) {
	tests := []struct {
		event Event
		kind  string
	}{
		{NewStateChangeEvent("combat"), KindStateChange},
		{NewPatternEvent("p1", PatternStart), KindPatternControl},
		{NewParameterEvent("filter_cutoff", 0.5), KindParameterChange},
		{NewIoTEvent("", "env/temp", "22.5", 22.5), KindIoTMessage},
		{NewIoTEvent("temperature_update", "env/temp", "22.5", 22.5), "temperature_update"},
		{IoTEvent{Topic: "x"}, KindIoTMessage},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.event.Kind())
		})
	}

	assert.False(t, NewStateChangeEvent("x").Timestamp().IsZero())
	assert.Equal(t, "restart", PatternRestart.String())
	assert.Equal(t, "PatternAction(9)", PatternAction(9).String())
}

func TestBus_DispatchInRegistrationOrder(t *testing.T) {
	b := NewBus()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		b.AddEventCallback(KindStateChange, func(Event) { order = append(order, i) })
	}

	b.DispatchEvent(NewStateChangeEvent("menu"))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestBus_AddListenerIdempotent(t *testing.T) {
	b := NewBus()
	l := &countingListener{}

	b.AddEventListener(KindStateChange, l)
	b.AddEventListener(KindStateChange, l)
	assert.Equal(t, 1, b.ListenerCount(KindStateChange))

	b.DispatchEvent(NewStateChangeEvent("x"))
	assert.Equal(t, 1, l.count())

	// func values are never deduplicated and never panic on comparison
	b.AddEventListener(KindStateChange, ListenerFunc(func(Event) {}))
	b.AddEventListener(KindStateChange, ListenerFunc(func(Event) {}))
	assert.Equal(t, 3, b.ListenerCount(KindStateChange))
}

func TestBus_RemoveListener(t *testing.T) {
	b := NewBus()
	l := &countingListener{}
	b.AddEventListener(KindStateChange, l)

	handle := b.AddEventCallback(KindStateChange, func(Event) {})
	assert.True(t, b.RemoveEventListener(KindStateChange, handle))
	assert.False(t, b.RemoveEventListener(KindStateChange, handle))
	assert.True(t, b.RemoveEventListener(KindStateChange, l))
	assert.Equal(t, 0, b.ListenerCount(KindStateChange))

	b.DispatchEvent(NewStateChangeEvent("x"))
	assert.Equal(t, 0, l.count())
}

func TestBus_OnTyped(t *testing.T) {
	b := NewBus()
	var got []ParameterEvent
	On(b, KindParameterChange, func(e ParameterEvent) { got = append(got, e) })

	b.DispatchEvent(NewParameterEvent("volume", 0.8))
	require.Len(t, got, 1)
	assert.Equal(t, "volume", got[0].ParameterID)
	assert.Equal(t, 0.8, got[0].Value)

	// a different variant carrying the same kind is skipped
	b.DispatchEvent(NewIoTEvent(KindParameterChange, "t", "p", nil))
	assert.Len(t, got, 1)
}

func TestBus_ListenerPanicIsolated(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	b := NewBus(WithMetrics(registry.CoreMetrics()))

	after := &countingListener{}
	b.AddEventCallback(KindStateChange, func(Event) { panic("listener bug") })
	b.AddEventListener(KindStateChange, after)

	assert.NotPanics(t, func() { b.DispatchEvent(NewStateChangeEvent("x")) })
	assert.Equal(t, 1, after.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().ListenerFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().EventsDispatched.WithLabelValues(KindStateChange)))
}

func TestBus_ReentrantListener(t *testing.T) {
	b := NewBus()
	inner := &countingListener{}

	b.AddEventCallback(KindStateChange, func(Event) {
		b.AddEventListener(KindPatternControl, inner)
		b.DispatchEvent(NewPatternEvent("p", PatternStop))
	})

	done := make(chan struct{})
	go func() {
		b.DispatchEvent(NewStateChangeEvent("x"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("re-entrant dispatch deadlocked")
	}
	assert.Equal(t, 1, inner.count())
}

func TestBus_ListenerAddedDuringDispatchNotCalled(t *testing.T) {
	b := NewBus()
	late := &countingListener{}
	b.AddEventCallback(KindStateChange, func(Event) {
		b.AddEventListener(KindStateChange, late)
	})

	b.DispatchEvent(NewStateChangeEvent("x"))
	assert.Equal(t, 0, late.count())
	b.DispatchEvent(NewStateChangeEvent("y"))
	assert.Equal(t, 1, late.count())
}

func TestBus_ScheduleEvent(t *testing.T) {
	b := NewBus()
	l := &countingListener{}
	b.AddEventListener(KindStateChange, l)

	b.ScheduleEvent(NewStateChangeEvent("later"), 100*time.Millisecond)
	assert.Equal(t, 1, b.PendingCount())

	b.Update(50 * time.Millisecond)
	assert.Equal(t, 0, l.count())

	b.Update(50 * time.Millisecond)
	assert.Equal(t, 1, l.count())
	assert.Equal(t, 0, b.PendingCount())

	b.Update(time.Second)
	assert.Equal(t, 1, l.count())
	assert.Equal(t, 1100*time.Millisecond, b.Elapsed())
}

func TestBus_ScheduleOrderingAndFIFOTies(t *testing.T) {
	b := NewBus()
	var order []string
	b.AddEventCallback(KindStateChange, func(e Event) {
		order = append(order, e.(StateChangeEvent).TargetState)
	})

	b.ScheduleEvent(NewStateChangeEvent("c"), 30*time.Millisecond)
	b.ScheduleEvent(NewStateChangeEvent("a1"), 10*time.Millisecond)
	b.ScheduleEvent(NewStateChangeEvent("b"), 20*time.Millisecond)
	b.ScheduleEvent(NewStateChangeEvent("a2"), 10*time.Millisecond)
	b.ScheduleEvent(NewStateChangeEvent("a3"), 10*time.Millisecond)

	b.Update(time.Second)
	assert.Equal(t, []string{"a1", "a2", "a3", "b", "c"}, order)
}

func TestBus_CancelScheduled(t *testing.T) {
	b := NewBus()
	l := &countingListener{}
	b.AddEventListener(KindStateChange, l)

	keep := b.ScheduleEvent(NewStateChangeEvent("keep"), 10*time.Millisecond)
	drop := b.ScheduleEvent(NewStateChangeEvent("drop"), 10*time.Millisecond)

	assert.True(t, b.CancelScheduledEvent(drop))
	assert.False(t, b.CancelScheduledEvent(drop))
	assert.False(t, b.CancelScheduledEvent(9999))

	b.Update(20 * time.Millisecond)
	require.Equal(t, 1, l.count())
	assert.Equal(t, "keep", l.events[0].(StateChangeEvent).TargetState)

	// already dispatched
	assert.False(t, b.CancelScheduledEvent(keep))
}

func TestBus_CancelFromListener(t *testing.T) {
	b := NewBus()
	var second uint64
	fired := 0
	b.AddEventCallback(KindStateChange, func(e Event) {
		fired++
		if e.(StateChangeEvent).TargetState == "first" {
			// second was already collected for this tick
			assert.False(t, b.CancelScheduledEvent(second))
		}
	})

	b.ScheduleEvent(NewStateChangeEvent("first"), 0)
	second = b.ScheduleEvent(NewStateChangeEvent("second"), 0)
	b.Update(time.Millisecond)
	assert.Equal(t, 2, fired)
}

func TestBus_ScheduledEventIsCopy(t *testing.T) {
	b := NewBus()
	var got IoTEvent
	On(b, "sensor_update", func(e IoTEvent) { got = e })

	ev := NewIoTEvent("sensor_update", "a", "1", 1.0)
	b.ScheduleEvent(ev, 0)
	ev.Payload = "mutated"

	b.Update(0)
	assert.Equal(t, "1", got.Payload)
}

func TestBus_ScheduleFromListener(t *testing.T) {
	b := NewBus()
	count := 0
	b.AddEventCallback(KindStateChange, func(Event) {
		count++
		if count == 1 {
			b.ScheduleEvent(NewStateChangeEvent("again"), 0)
		}
	})

	b.ScheduleEvent(NewStateChangeEvent("first"), 0)
	b.Update(0)
	assert.Equal(t, 1, count)
	b.Update(0)
	assert.Equal(t, 2, count)
}

func TestBus_MusicalEventFiresOnce(t *testing.T) {
	b := NewBus()
	pos := MusicalPosition{Bar: 0, Beat: 0, Tick: 0, Tempo: 120}
	b.SetTimeProvider(func() MusicalPosition { return pos })

	l := &countingListener{}
	b.AddEventListener(KindStateChange, l)
	b.ScheduleMusicalEvent(NewStateChangeEvent("combat"), 1, 0, 0)

	steps := []MusicalPosition{
		{Bar: 0, Beat: 2, Tick: 0},
		{Bar: 0, Beat: 3, Tick: 479},
		{Bar: 1, Beat: 0, Tick: 0},
		{Bar: 1, Beat: 0, Tick: 240},
		{Bar: 2, Beat: 0, Tick: 0},
	}
	expected := []int{0, 0, 1, 1, 1}
	for i, step := range steps {
		pos = step
		b.Update(10 * time.Millisecond)
		assert.Equal(t, expected[i], l.count(), "step %d", i)
	}
}

func TestBus_MusicalWithTempoClock(t *testing.T) {
	b := NewBus()
	clock := NewTempoClock(120, 4, 480)
	b.SetTimeProvider(clock.Position)

	l := &countingListener{}
	b.AddEventListener(KindStateChange, l)
	b.ScheduleMusicalEvent(NewStateChangeEvent("combat"), 1, 0, 0)

	target := MusicalPosition{Bar: 1}
	for i := 0; i < 40; i++ {
		clock.Advance(100 * time.Millisecond)
		b.Update(100 * time.Millisecond)

		if CompareTuple(clock.Position(), target) >= 0 {
			assert.Equal(t, 1, l.count(), "tick %d", i)
		} else {
			assert.Equal(t, 0, l.count(), "tick %d", i)
		}
	}
}

func TestBus_MusicalAfterWallClockInSameTick(t *testing.T) {
	b := NewBus()
	b.SetTimeProvider(func() MusicalPosition { return MusicalPosition{Bar: 4} })

	var order []string
	b.AddEventCallback(KindStateChange, func(e Event) {
		order = append(order, e.(StateChangeEvent).TargetState)
	})

	b.ScheduleMusicalEvent(NewStateChangeEvent("m2"), 2, 0, 0)
	b.ScheduleMusicalEvent(NewStateChangeEvent("m1"), 1, 3, 0)
	b.ScheduleEvent(NewStateChangeEvent("w"), 0)

	b.Update(time.Millisecond)
	assert.Equal(t, []string{"w", "m1", "m2"}, order)
}

func TestBus_MusicalWithoutProviderWaits(t *testing.T) {
	b := NewBus()
	l := &countingListener{}
	b.AddEventListener(KindStateChange, l)

	b.ScheduleMusicalEvent(NewStateChangeEvent("x"), 0, 0, 0)
	b.Update(time.Second)
	assert.Equal(t, 0, l.count())
	assert.Equal(t, 1, b.PendingCount())

	b.SetTimeProvider(func() MusicalPosition { return MusicalPosition{} })
	b.Update(0)
	assert.Equal(t, 1, l.count())
}

func TestBus_MusicalAbsoluteAcrossMeterChange(t *testing.T) {
	b := NewBus()
	clock := NewTempoClock(120, 4, 4)
	b.SetTimeProvider(clock.Position)

	l := &countingListener{}
	b.AddEventListener(KindStateChange, l)

	// anchored at 2 bars of 4/4 = 32 ticks
	b.ScheduleMusicalEvent(NewStateChangeEvent("x"), 2, 0, 0)

	// switch to 3/4 on the current bar line; tuple (2,0,0) would now be
	// tick 24, but the scheduled point stays at tick 32
	clock.SetMeter(3)

	tick := 125 * time.Millisecond // 120 BPM with 4 ticks per beat
	for i := 0; i < 31; i++ {
		clock.Advance(tick)
		b.Update(0)
	}
	assert.Equal(t, 0, l.count(), "fired before absolute target")

	for i := 0; i < 40; i++ {
		clock.Advance(tick)
		b.Update(0)
	}
	assert.Equal(t, 1, l.count())
}

func TestBus_ClearAndClose(t *testing.T) {
	b := NewBus()
	l := &countingListener{}
	b.AddEventListener(KindStateChange, l)
	id := b.ScheduleEvent(NewStateChangeEvent("x"), 0)

	b.Clear()
	assert.Equal(t, 0, b.PendingCount())
	assert.False(t, b.CancelScheduledEvent(id))
	b.Update(time.Second)
	b.DispatchEvent(NewStateChangeEvent("y"))
	assert.Equal(t, 0, l.count())

	b.SetTimeProvider(func() MusicalPosition { return MusicalPosition{} })
	b.ScheduleMusicalEvent(NewStateChangeEvent("m"), 0, 0, 0)
	b.Close()
	assert.Equal(t, 0, b.PendingCount())
}

func TestBus_ConcurrentScheduleAndCancel(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	fired := map[string]int{}
	b.AddEventCallback(KindStateChange, func(e Event) {
		mu.Lock()
		fired[e.(StateChangeEvent).TargetState]++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	cancelled := make(chan string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := string(rune('A'+i%26)) + string(rune('a'+i/26))
			id := b.ScheduleEvent(NewStateChangeEvent(name), time.Millisecond)
			if i%2 == 0 && b.CancelScheduledEvent(id) {
				cancelled <- name
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			b.Update(time.Millisecond)
		}
	}()
	wg.Wait()
	b.Update(time.Second)
	close(cancelled)

	for name := range cancelled {
		assert.Equal(t, 0, fired[name], name)
	}
	for name, n := range fired {
		assert.Equal(t, 1, n, name)
	}
	assert.Equal(t, 0, b.PendingCount())
}
