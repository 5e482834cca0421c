package interpreter

import (
	"context"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/workqueue"
)

// Replay runs the instructions of r once more, in order, through q. Each
// instruction goes to the lane of its scheduling class and completes
// before the next one is queued.
func (r *BuildResult) Replay(ctx context.Context, q *workqueue.AsyncWorkQueue) error {
	if r.StaticBuild {
		return framework.NewConfigurationError("a planned build has no real storage to replay", nil).
			WithCode(framework.ErrCodeInvalidArgument)
	}
	return Replay(ctx, q, r.Instructions)
}

// Replay runs instrs in order through q.
func Replay(ctx context.Context, q *workqueue.AsyncWorkQueue, instrs []*Instruction) error {
	waiter := q.Waiter()
	for _, instr := range instrs {
		if err := ctx.Err(); err != nil {
			return err
		}
		instr := instr
		task := func() error {
			if err := instr.Run(); err != nil {
				return withOp(err, instr.Op)
			}
			return nil
		}
		if err := q.AddTaskWithPriority(instr.Type, instr.SchedulingPriority, task); err != nil {
			return err
		}
		if err := waiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				q.Cancel()
			}
			return err
		}
	}
	return nil
}
