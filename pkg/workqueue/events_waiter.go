package workqueue

import (
	"context"
	"sync"
)

// EventsWaiter tracks the tasks outstanding across queues and wakes
// waiters when all of them finished or one failed.
type EventsWaiter struct {
	mu          sync.Mutex
	outstanding int
	err         error
	changed     chan struct{}
}

func NewEventsWaiter() *EventsWaiter {
	return &EventsWaiter{changed: make(chan struct{})}
}

// Outstanding is the number of tasks added and not yet finished.
func (w *EventsWaiter) Outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outstanding
}

// Wait blocks until no task is outstanding or a task fails. It returns
// the first task error seen since the previous Wait, and clears it.
func (w *EventsWaiter) Wait(ctx context.Context) error {
	for {
		w.mu.Lock()
		if err := w.err; err != nil {
			w.err = nil
			w.mu.Unlock()
			return err
		}
		if w.outstanding == 0 {
			w.mu.Unlock()
			return nil
		}
		ch := w.changed
		w.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *EventsWaiter) add(n int) {
	w.mu.Lock()
	w.outstanding += n
	w.mu.Unlock()
}

func (w *EventsWaiter) done(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outstanding--
	if err != nil && w.err == nil {
		w.err = err
	}
	if err != nil || w.outstanding == 0 {
		w.notifyLocked()
	}
}

func (w *EventsWaiter) cancel(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outstanding -= n
	if w.outstanding == 0 {
		w.notifyLocked()
	}
}

func (w *EventsWaiter) notifyLocked() {
	close(w.changed)
	w.changed = make(chan struct{})
}
