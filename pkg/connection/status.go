package connection

import (
	"sync"
	"time"
)

const statusBuffer = 16

// Status is a snapshot of an attempt's progress.
type Status struct {
	Attempt            string
	Stage              Stage
	Detail             string
	LastTransitionTime time.Time
}

// StatusReporter fans out stage transitions to a UI and stamps transition
// times. It is safe for concurrent use.
type StatusReporter struct {
	mu      sync.Mutex
	current Status
	now     func() time.Time

	updates chan Status
}

type StatusOption func(*StatusReporter)

// WithClock overrides the clock used to stamp transitions.
func WithClock(now func() time.Time) StatusOption {
	return func(r *StatusReporter) {
		if now != nil {
			r.now = now
		}
	}
}

func NewStatusReporter(opts ...StatusOption) *StatusReporter {
	r := &StatusReporter{
		now:     time.Now,
		updates: make(chan Status, statusBuffer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.current = Status{Stage: Idle, LastTransitionTime: r.now()}
	return r
}

// Updates delivers transitions. Updates are dropped when nobody reads them.
func (r *StatusReporter) Updates() <-chan Status {
	return r.updates
}

func (r *StatusReporter) Current() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Publish records next and broadcasts it unless it repeats the current
// status.
func (r *StatusReporter) Publish(next Status) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	if next.Attempt == r.current.Attempt && next.Stage == r.current.Stage && next.Detail == r.current.Detail {
		return r.current
	}
	if next.LastTransitionTime.IsZero() {
		next.LastTransitionTime = r.now()
	}

	r.current = next
	select {
	case r.updates <- next:
	default:
	}
	return r.current
}

func (r *StatusReporter) transition(attempt string, stage Stage, detail string) {
	if r == nil {
		return
	}
	r.Publish(Status{Attempt: attempt, Stage: stage, Detail: detail})
}
