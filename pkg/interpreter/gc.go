package interpreter

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/openfroyo/graphexec/pkg/framework"
)

// OpInOutInfo answers whether an op reads the storage of an input
// argument. It is built on first use.
type OpInOutInfo struct {
	built        bool
	noNeedBuffer map[string]bool
	otherArgs    map[string]struct{}
}

func (i *OpInOutInfo) IsBuilt() bool { return i.built }

// Build records the op's no-need-buffer params and every argument bound
// to a param that does need its buffer.
func (i *OpInOutInfo) Build(op *Operator) {
	i.built = true
	if op.Info == nil || len(op.Info.NoNeedBufferInputs) == 0 {
		return
	}
	i.noNeedBuffer = op.Info.NoNeedBufferInputs
	i.otherArgs = make(map[string]struct{})
	for param, names := range op.Inputs {
		if i.noNeedBuffer[param] {
			continue
		}
		for _, n := range names {
			i.otherArgs[n] = struct{}{}
		}
	}
	for _, names := range op.Outputs {
		for _, n := range names {
			i.otherArgs[n] = struct{}{}
		}
	}
}

// IsInArgBufferNeeded reports whether the op reads name's storage.
func (i *OpInOutInfo) IsInArgBufferNeeded(name string) bool {
	if len(i.noNeedBuffer) == 0 {
		return true
	}
	_, ok := i.otherArgs[name]
	return ok
}

func varCanBeDeleted(name string, block *framework.BlockDesc) bool {
	desc := block.FindVar(name)
	if desc == nil || desc.Persistable {
		return false
	}
	return desc.Type.Reclaimable()
}

// GetUnusedVars maps each op to the variables whose last use it is. Only
// declared, non-persistable variables of a reclaimable kind are tracked;
// an input whose storage the op never reads does not count as a use.
// Names are sorted.
func GetUnusedVars(block *framework.BlockDesc, ops []*Operator) map[*Operator][]string {
	lastUse := make(map[string]int)
	for i, op := range ops {
		var info OpInOutInfo
		for _, param := range framework.SortedParams(op.Inputs) {
			for _, name := range op.Inputs[param] {
				if !varCanBeDeleted(name, block) {
					continue
				}
				if !info.IsBuilt() {
					info.Build(op)
				}
				if info.IsInArgBufferNeeded(name) {
					lastUse[name] = i
				}
			}
		}
		for _, names := range op.Outputs {
			for _, name := range names {
				if varCanBeDeleted(name, block) {
					lastUse[name] = i
				}
			}
		}
	}

	result := make(map[*Operator][]string)
	for name, i := range lastUse {
		result[ops[i]] = append(result[ops[i]], name)
	}
	for _, names := range result {
		sort.Strings(names)
	}
	return result
}

// Control flow ops whose sub-blocks are replayed by a grad op.
var controlFlowGradPairs = map[string]string{
	"conditional_block": "conditional_block_grad",
	"while":             "while_grad",
	"recurrent":         "recurrent_grad",
}

// prepareSafeEagerDeletion protects the variables a control flow op
// shares with its grad op: they are recorded on the forward op as
// skip_eager_deletion_vars and returned for the build's skip set.
func prepareSafeEagerDeletion(ops []*Operator) []string {
	grads := make(map[string][]*Operator)
	for _, op := range ops {
		grads[op.Type] = append(grads[op.Type], op)
	}
	var skip []string
	for _, fwd := range ops {
		gradType, ok := controlFlowGradPairs[fwd.Type]
		if !ok {
			continue
		}
		used := make(map[string]struct{})
		for _, g := range grads[gradType] {
			for _, n := range g.InputArgumentNames() {
				used[n] = struct{}{}
			}
		}
		var shared []string
		for _, n := range append(fwd.InputArgumentNames(), fwd.OutputArgumentNames()...) {
			if _, ok := used[n]; ok {
				shared = append(shared, n)
				delete(used, n)
			}
		}
		if len(shared) == 0 {
			continue
		}
		sort.Strings(shared)
		fwd.Attrs[AttrSkipEagerDeletionVars] = shared
		skip = append(skip, shared...)
	}
	return skip
}

// GarbageQueue frees reclaimed storage on a background goroutine so the
// build loop only detaches holders.
type GarbageQueue struct {
	batches chan []*framework.Allocation
	wg      sync.WaitGroup
	freed   atomic.Int64
	once    sync.Once
}

// NewGarbageQueue starts the releaser. depth bounds the pending batches.
func NewGarbageQueue(depth int) *GarbageQueue {
	if depth <= 0 {
		depth = 16
	}
	q := &GarbageQueue{batches: make(chan []*framework.Allocation, depth)}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for batch := range q.batches {
			for _, a := range batch {
				a.Free()
				q.freed.Add(1)
			}
		}
	}()
	return q
}

// Push hands a batch to the releaser.
func (q *GarbageQueue) Push(batch []*framework.Allocation) {
	if len(batch) == 0 {
		return
	}
	q.batches <- batch
}

// Close waits for every pushed batch to be freed and returns the number
// of allocations released. Close is idempotent.
func (q *GarbageQueue) Close() int64 {
	q.once.Do(func() { close(q.batches) })
	q.wg.Wait()
	return q.freed.Load()
}
