package stores

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/interpreter"
)

// NewBuild converts the outcome of one Builder.Build call into a record.
// res may be nil when the build failed before producing instructions;
// buildErr is the error Build returned, if any.
func NewBuild(id, program string, place framework.Place, cfg interpreter.ExecutionConfig, res *interpreter.BuildResult, buildErr error) (*Build, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	b := &Build{BuildRecord: BuildRecord{
		ID:          id,
		Program:     program,
		Place:       place.String(),
		Status:      BuildStatusSucceeded,
		StaticBuild: cfg.StaticBuild,
		Config:      string(cfgJSON),
		CreatedAt:   time.Now().UTC(),
	}}

	if buildErr != nil {
		b.Status = BuildStatusFailed
		msg := buildErr.Error()
		b.Error = &msg
		var be *framework.BuildError
		if errors.As(buildErr, &be) {
			class := string(be.Class)
			b.ErrorClass = &class
			if be.Code != "" {
				code := be.Code
				b.ErrorCode = &code
			}
		}
	}
	if res == nil {
		return b, nil
	}

	b.Reclaimed = res.Reclaimed
	b.Duration = res.Duration
	for _, instr := range res.Instructions {
		b.Instructions = append(b.Instructions, InstructionRecord{
			Seq:                instr.Index,
			OpIndex:            instr.OpIndex,
			OpType:             instr.Op.Type,
			KernelKind:         instr.KernelKind(),
			KernelName:         instr.KernelName(),
			FuncType:           instr.Type.String(),
			Path:               string(instr.Path),
			KernelKey:          instr.Key.String(),
			ExecutionStream:    instr.ExecutionStream,
			StreamPriority:     instr.StreamPriority,
			SchedulingPriority: instr.SchedulingPriority,
			CommRing:           instr.CommRing,
			Inputs:             instr.Inputs,
			Outputs:            instr.Outputs,
		})
	}
	b.InstructionCount = len(b.Instructions)
	b.Reclaims = append(reclaimRecords(ReclaimReleased, res.ReclaimSets), reclaimRecords(ReclaimUnused, res.UnusedVars)...)
	for i, w := range res.Warnings {
		b.Warnings = append(b.Warnings, WarningRecord{Seq: i, Kind: w.Kind, Key: w.Key, Message: w.Message})
	}
	return b, nil
}

func reclaimRecords(kind ReclaimKind, sets map[int][]string) []ReclaimRecord {
	ops := make([]int, 0, len(sets))
	for op := range sets {
		ops = append(ops, op)
	}
	sort.Ints(ops)
	out := make([]ReclaimRecord, 0, len(ops))
	for _, op := range ops {
		out = append(out, ReclaimRecord{OpIndex: op, Kind: kind, Vars: sets[op]})
	}
	return out
}
