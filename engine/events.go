package engine

import (
	"sync"
	"time"
)

const (
	EventEnrolled          = "enrollment.created"
	EventEnrollmentStatus  = "enrollment.status_changed"
	EventStepScheduled     = "execution.scheduled"
	EventStepPendingReview = "execution.pending_review"
	EventStepSent          = "execution.sent"
	EventStepFailed        = "execution.failed"
	EventStepSkipped       = "execution.skipped"
	EventEngagement        = "execution.engagement"
	EventGenerationFailed  = "execution.generation_failed"
)

// Event is a notification about a state change, streamed to operators.
type Event struct {
	Type         string    `json:"type"`
	TenantID     uint      `json:"tenant_id"`
	SequenceID   uint      `json:"sequence_id,omitempty"`
	EnrollmentID uint      `json:"enrollment_id,omitempty"`
	ExecutionID  uint      `json:"execution_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	Message      string    `json:"message,omitempty"`
	At           time.Time `json:"at"`
}

// Hub fans events out to per-tenant subscribers. Slow subscribers lose
// events rather than block the engine.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint]map[chan Event]struct{})}
}

// Subscribe returns a channel of the tenant's events and a func that
// unsubscribes and closes it.
func (h *Hub) Subscribe(tenantID uint, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = make(map[chan Event]struct{})
	}
	h.subs[tenantID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[tenantID], ch)
			if len(h.subs[tenantID]) == 0 {
				delete(h.subs, tenantID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.TenantID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers reports the number of live subscriptions for a tenant.
func (h *Hub) Subscribers(tenantID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenantID])
}
