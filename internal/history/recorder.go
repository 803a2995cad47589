// Package history keeps a bounded log of connection state transitions.
package history

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"netkeep/internal/models"
)

const DefaultLimit = 1024

// Subscriber is implemented by connection.Manager.
type Subscriber interface {
	Subscribe(cb func(models.ConnectionState)) (unsubscribe func())
}

// Recorder stores status changes. Observations that keep the same status
// are dropped.
type Recorder struct {
	clock clockwork.Clock
	limit int

	mu          sync.RWMutex
	transitions []models.StateTransition
}

func NewRecorder(limit int, clock clockwork.Clock) *Recorder {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Recorder{clock: clock, limit: limit}
}

// Attach subscribes the recorder to s and returns the unsubscribe func.
func (r *Recorder) Attach(s Subscriber) func() {
	return s.Subscribe(r.Observe)
}

// Observe records st if its status differs from the last one seen.
func (r *Recorder) Observe(st models.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var from models.ConnectionStatus
	if n := len(r.transitions); n > 0 {
		from = r.transitions[n-1].To
		if from == st.Status {
			return
		}
	}
	r.transitions = append(r.transitions, models.StateTransition{
		From:       from,
		To:         st.Status,
		At:         r.clock.Now(),
		RetryCount: st.RetryCount,
		Error:      st.LastError,
	})
	if over := len(r.transitions) - r.limit; over > 0 {
		r.transitions = append(r.transitions[:0:0], r.transitions[over:]...)
	}
}

// Transitions returns the recorded transitions, oldest first.
func (r *Recorder) Transitions() []models.StateTransition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.StateTransition, len(r.transitions))
	copy(out, r.transitions)
	return out
}

// Since returns transitions at or after t.
func (r *Recorder) Since(t time.Time) []models.StateTransition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.StateTransition, 0)
	for _, tr := range r.transitions {
		if !tr.At.Before(t) {
			out = append(out, tr)
		}
	}
	return out
}
