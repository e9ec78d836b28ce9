// Package bus is the in-process event stream the pipeline publishes to.
// The ops server and metrics subscribe to it.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultMaxHistory = 1000

// Event is one pipeline occurrence.
type Event struct {
	Type      string         `json:"type"`
	CycleID   string         `json:"cycle_id,omitempty"`
	MentionID string         `json:"mention_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Handler func(Event)

// EventBus is a topic-based publish/subscribe bus with a bounded history.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

type namedHandler struct {
	ID      string
	Handler Handler
}

// NewEventBus creates a bus keeping the last maxHistory events; 0 uses the
// default.
func NewEventBus(logger *slog.Logger, maxHistory int) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: maxHistory,
	}
}

// On registers a handler for an event type, or "*" for all. The returned
// id is used with Off.
func (eb *EventBus) On(eventType string, handler Handler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eventType + "-" + uuid.NewString()
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit records the event and calls handlers synchronously. A panicking
// handler is logged and does not affect the others.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns past events of a type ("*" for all) at or after since.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

const (
	EventCycleStarted     = "cycle.started"
	EventCycleFinished    = "cycle.finished"
	EventCycleSkipped     = "cycle.skipped"
	EventCycleFailed      = "cycle.failed"
	EventMentionReceived  = "mention.received"
	EventMentionSkipped   = "mention.skipped"
	EventMentionParsed    = "mention.parsed"
	EventMentionReplied   = "mention.replied"
	EventMentionFailed    = "mention.failed"
	EventMentionPanic     = "mention.panic"
	EventMentionReprocess = "mention.reprocess"
)
