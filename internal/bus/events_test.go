package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger(), 0)

	var received int32
	eb.On(EventMentionReplied, func(e Event) {
		if e.MentionID == "m1" {
			atomic.AddInt32(&received, 1)
		}
	})

	eb.Emit(Event{Type: EventMentionReplied, MentionID: "m1"})
	eb.Emit(Event{Type: EventMentionSkipped, MentionID: "m1"})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger(), 0)

	var count int32
	eb.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventCycleStarted})
	eb.Emit(Event{Type: EventCycleFinished})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testEBLogger(), 0)

	var a, b int32
	idA := eb.On(EventCycleStarted, func(Event) { atomic.AddInt32(&a, 1) })
	eb.On(EventCycleStarted, func(Event) { atomic.AddInt32(&b, 1) })

	eb.Emit(Event{Type: EventCycleStarted})
	eb.Off(EventCycleStarted, idA)
	eb.Emit(Event{Type: EventCycleStarted})

	if atomic.LoadInt32(&a) != 1 || atomic.LoadInt32(&b) != 2 {
		t.Errorf("a=%d b=%d, want 1 and 2", a, b)
	}
}

func TestEventBus_HandlerIDsUnique(t *testing.T) {
	eb := NewEventBus(testEBLogger(), 0)
	first := eb.On("x", func(Event) {})
	eb.Off("x", first)
	second := eb.On("x", func(Event) {})
	if first == second {
		t.Error("handler ids reused after Off")
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger(), 0)

	var called int32
	eb.On(EventMentionFailed, func(Event) { panic("boom") })
	eb.On(EventMentionFailed, func(Event) { atomic.AddInt32(&called, 1) })

	eb.Emit(Event{Type: EventMentionFailed})

	if atomic.LoadInt32(&called) != 1 {
		t.Error("second handler should run after the first panics")
	}
}

func TestEventBus_Replay(t *testing.T) {
	eb := NewEventBus(testEBLogger(), 0)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	eb.Emit(Event{Type: EventCycleStarted, Timestamp: base})
	eb.Emit(Event{Type: EventMentionReplied, Timestamp: base.Add(time.Minute)})
	eb.Emit(Event{Type: EventCycleFinished, Timestamp: base.Add(2 * time.Minute)})

	if got := eb.Replay("*", base.Add(time.Minute)); len(got) != 2 {
		t.Errorf("expected 2 events since +1m, got %d", len(got))
	}
	if got := eb.Replay(EventCycleStarted, time.Time{}); len(got) != 1 {
		t.Errorf("expected 1 cycle.started, got %d", len(got))
	}
}

func TestEventBus_HistoryBounded(t *testing.T) {
	eb := NewEventBus(testEBLogger(), 3)
	for range 5 {
		eb.Emit(Event{Type: EventMentionReceived})
	}
	if eb.HistoryLen() != 3 {
		t.Errorf("history len = %d, want 3", eb.HistoryLen())
	}
}
