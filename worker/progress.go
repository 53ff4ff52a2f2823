package worker

import (
	"sync"

	"mailtriage/models"
)

const subscriberBuffer = 64

const (
	EventResult = "result"
	EventRun    = "run"
)

// ProgressEvent is pushed to subscribers as runs advance.
type ProgressEvent struct {
	Type   string                   `json:"type"`
	Result *models.ProcessingResult `json:"result,omitempty"`
	Run    *models.AutoProcessRun   `json:"run,omitempty"`
}

// ProgressHub fans processing events out to subscribers. Slow subscribers
// miss events rather than stall a run.
type ProgressHub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan ProgressEvent
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{subs: make(map[int]chan ProgressEvent)}
}

// Subscribe returns an event channel and a function that closes it.
func (h *ProgressHub) Subscribe() (<-chan ProgressEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan ProgressEvent, subscriberBuffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Observe publishes a per-message result.
func (h *ProgressHub) Observe(result models.ProcessingResult) {
	h.publish(ProgressEvent{Type: EventResult, Result: &result})
}

// PublishRun publishes a run status change.
func (h *ProgressHub) PublishRun(run models.AutoProcessRun) {
	h.publish(ProgressEvent{Type: EventRun, Run: &run})
}

func (h *ProgressHub) publish(event ProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
