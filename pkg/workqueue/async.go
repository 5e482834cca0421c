package workqueue

import (
	"github.com/openfroyo/graphexec/pkg/framework"
)

// Lane names.
const (
	HostLane   = "HostTasks"
	DeviceLane = "DeviceKernelLaunch"
)

const (
	hostIndex   = 0
	deviceIndex = 1
)

// ConstructWorkQueueOptions returns the options of the host and device
// lanes. Both spin before blocking, do not track tasks, are detached and
// report to waiter.
func ConstructWorkQueueOptions(hostThreads, deviceThreads int, waiter *EventsWaiter) []Options {
	return []Options{
		{
			Name:           HostLane,
			NumThreads:     hostThreads,
			AllowSpinning:  true,
			AlwaysSpinning: false,
			TrackTask:      false,
			Detached:       true,
			EventsWaiter:   waiter,
		},
		{
			Name:           DeviceLane,
			NumThreads:     deviceThreads,
			AllowSpinning:  true,
			AlwaysSpinning: false,
			TrackTask:      false,
			Detached:       true,
			EventsWaiter:   waiter,
		},
	}
}

// AsyncWorkQueue routes instructions to the host or device lane by their
// scheduling class.
type AsyncWorkQueue struct {
	lanes  []*WorkQueue
	waiter *EventsWaiter
}

// NewAsyncWorkQueue starts both lanes. Each configure func is applied to
// the options of every lane before it starts.
func NewAsyncWorkQueue(hostThreads, deviceThreads int, waiter *EventsWaiter, configure ...func(*Options)) *AsyncWorkQueue {
	if waiter == nil {
		waiter = NewEventsWaiter()
	}
	opts := ConstructWorkQueueOptions(hostThreads, deviceThreads, waiter)
	q := &AsyncWorkQueue{waiter: waiter}
	for i := range opts {
		for _, fn := range configure {
			fn(&opts[i])
		}
		q.lanes = append(q.lanes, New(opts[i]))
	}
	return q
}

// LaneFor is the index of the lane that runs ops of type t.
func LaneFor(t framework.OpFuncType) int {
	if t == framework.GPUAsync {
		return deviceIndex
	}
	return hostIndex
}

// AddTask queues fn on the lane for t.
func (q *AsyncWorkQueue) AddTask(t framework.OpFuncType, fn Task) error {
	return q.lanes[LaneFor(t)].AddTask(fn)
}

// AddTaskWithPriority queues fn with a priority on the lane for t.
func (q *AsyncWorkQueue) AddTaskWithPriority(t framework.OpFuncType, priority int, fn Task) error {
	return q.lanes[LaneFor(t)].AddTaskWithPriority(priority, fn)
}

func (q *AsyncWorkQueue) Waiter() *EventsWaiter { return q.waiter }

// Lane returns the host (0) or device (1) queue.
func (q *AsyncWorkQueue) Lane(i int) *WorkQueue { return q.lanes[i] }

// Cancel drops the queued tasks of both lanes.
func (q *AsyncWorkQueue) Cancel() int {
	n := 0
	for _, l := range q.lanes {
		n += l.Cancel()
	}
	return n
}

func (q *AsyncWorkQueue) Release() {
	for _, l := range q.lanes {
		l.Release()
	}
}
