package workqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/openfroyo/graphexec/pkg/telemetry"
)

// spinRounds is how many times an idle worker yields before it blocks.
const spinRounds = 64

var (
	// ErrClosed is returned when adding to a released queue.
	ErrClosed = errors.New("workqueue: queue released")

	// ErrNotTracked is returned by WaitEmpty on a queue without task
	// tracking.
	ErrNotTracked = errors.New("workqueue: queue does not track tasks")
)

// Task is a unit of work. A panic inside a task is reported as an error.
type Task func() error

// Options configures one WorkQueue.
type Options struct {
	Name       string `json:"name" yaml:"name"`
	NumThreads int    `json:"num_threads" yaml:"num_threads" validate:"gte=0"`

	// AllowSpinning lets idle workers yield for a while before blocking.
	AllowSpinning bool `json:"allow_spinning" yaml:"allow_spinning"`

	// AlwaysSpinning keeps idle workers yielding and never blocking.
	AlwaysSpinning bool `json:"always_spinning" yaml:"always_spinning"`

	// TrackTask enables WaitEmpty.
	TrackTask bool `json:"track_task" yaml:"track_task"`

	// Detached makes Release return without joining the workers.
	Detached bool `json:"detached" yaml:"detached"`

	// Priority orders tasks by their priority, lower first. Without it
	// tasks run in submission order.
	Priority bool `json:"priority" yaml:"priority"`

	// EventsWaiter, when set, is notified of every task completion.
	EventsWaiter *EventsWaiter `json:"-" yaml:"-"`

	// Observer is called after each task with the lane name.
	Observer func(lane string, d time.Duration, err error) `json:"-" yaml:"-"`

	Logger *telemetry.Logger `json:"-" yaml:"-"`
}

type item struct {
	task     Task
	priority int
	seq      uint64
}

type taskHeap []item

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(item)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// WorkQueue runs tasks on a fixed set of worker goroutines.
type WorkQueue struct {
	opts   Options
	logger *telemetry.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   taskHeap
	seq     uint64
	running int
	closed  bool
	idle    chan struct{}

	wg sync.WaitGroup
}

// New starts a WorkQueue with opts.NumThreads workers (at least one).
func New(opts Options) *WorkQueue {
	if opts.NumThreads <= 0 {
		opts.NumThreads = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	q := &WorkQueue{
		opts:   opts,
		logger: logger.WithLane(opts.Name),
	}
	q.cond = sync.NewCond(&q.mu)
	q.wg.Add(opts.NumThreads)
	for i := 0; i < opts.NumThreads; i++ {
		go q.worker()
	}
	q.logger.Debugf("started %d workers", opts.NumThreads)
	return q
}

func (q *WorkQueue) Name() string { return q.opts.Name }

func (q *WorkQueue) NumThreads() int { return q.opts.NumThreads }

// AddTask queues fn.
func (q *WorkQueue) AddTask(fn Task) error {
	return q.AddTaskWithPriority(0, fn)
}

// AddTaskWithPriority queues fn. The priority is ignored unless the
// queue was created with Priority set.
func (q *WorkQueue) AddTaskWithPriority(priority int, fn Task) error {
	if fn == nil {
		return fmt.Errorf("workqueue %s: nil task", q.opts.Name)
	}
	if !q.opts.Priority {
		priority = 0
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if w := q.opts.EventsWaiter; w != nil {
		w.add(1)
	}
	q.seq++
	heap.Push(&q.tasks, item{task: fn, priority: priority, seq: q.seq})
	q.mu.Unlock()
	q.cond.Signal()
	return nil
}

// PendingTasks is the number of queued tasks not yet picked up.
func (q *WorkQueue) PendingTasks() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// WaitEmpty blocks until no task is queued or running.
func (q *WorkQueue) WaitEmpty(ctx context.Context) error {
	if !q.opts.TrackTask {
		return ErrNotTracked
	}
	q.mu.Lock()
	if len(q.tasks) == 0 && q.running == 0 {
		q.mu.Unlock()
		return nil
	}
	if q.idle == nil {
		q.idle = make(chan struct{})
	}
	ch := q.idle
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel drops every queued task. Running tasks are not interrupted.
func (q *WorkQueue) Cancel() int {
	q.mu.Lock()
	n := len(q.tasks)
	q.tasks = nil
	q.signalIdleLocked()
	q.mu.Unlock()
	if w := q.opts.EventsWaiter; w != nil && n > 0 {
		w.cancel(n)
	}
	if n > 0 {
		q.logger.Debugf("cancelled %d queued tasks", n)
	}
	return n
}

// Release stops the workers once the queue drains. Unless the queue is
// detached it waits for them to exit.
func (q *WorkQueue) Release() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	if !q.opts.Detached {
		q.wg.Wait()
	}
}

func (q *WorkQueue) signalIdleLocked() {
	if len(q.tasks) == 0 && q.running == 0 && q.idle != nil {
		close(q.idle)
		q.idle = nil
	}
}

func (q *WorkQueue) next() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	spins := 0
	for len(q.tasks) == 0 && !q.closed {
		if q.opts.AlwaysSpinning || (q.opts.AllowSpinning && spins < spinRounds) {
			spins++
			q.mu.Unlock()
			runtime.Gosched()
			q.mu.Lock()
			continue
		}
		q.cond.Wait()
	}
	if len(q.tasks) == 0 {
		return item{}, false
	}
	it := heap.Pop(&q.tasks).(item)
	q.running++
	return it, true
}

func (q *WorkQueue) worker() {
	defer q.wg.Done()
	for {
		it, ok := q.next()
		if !ok {
			return
		}
		start := time.Now()
		err := runTask(it.task)
		d := time.Since(start)
		if err != nil {
			q.logger.WithError(err).Debug("task failed")
		}

		q.mu.Lock()
		q.running--
		q.signalIdleLocked()
		q.mu.Unlock()

		if q.opts.Observer != nil {
			q.opts.Observer(q.opts.Name, d, err)
		}
		if w := q.opts.EventsWaiter; w != nil {
			w.done(err)
		}
	}
}

func runTask(fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn()
}
