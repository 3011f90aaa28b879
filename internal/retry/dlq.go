// Package retry implements the dead-letter queue for the retry engine
// (spec 4.D): tasks that exhaust their retry budget, or whose circuit is
// open, land here exactly once.
package retry

import (
	"context"
	"sync"
	"time"
)

// Task is the RetryTask entity (spec section 3).
type Task struct {
	TransactionID string
	PSPName       string
	Payload       []byte
	Attempt       int
	NextAttemptAt time.Time
	LastError     string
}

// DeadLetter is a RetryTask moved to the DLQ after exhaustion.
type DeadLetter struct {
	Task
	MovedAt time.Time
}

// DLQ stores exhausted retry tasks. Queue moves atomically with respect to
// the retry scheduler: a task is enqueued here exactly once per exhaustion
// event (invariant 9).
type DLQ interface {
	Enqueue(ctx context.Context, task Task) error
	List(ctx context.Context) ([]DeadLetter, error)
}

// MemDLQ is an in-process DLQ. cmd/gateway and cmd/worker each wire their
// own instance, so entries live only in the memory of the process that
// enqueued them.
type MemDLQ struct {
	mu      sync.Mutex
	entries []DeadLetter
}

func NewMemDLQ() *MemDLQ { return &MemDLQ{} }

func (d *MemDLQ) Enqueue(_ context.Context, task Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, DeadLetter{Task: task, MovedAt: time.Now().UTC()})
	return nil
}

func (d *MemDLQ) List(_ context.Context) ([]DeadLetter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetter, len(d.entries))
	copy(out, d.entries)
	return out, nil
}
