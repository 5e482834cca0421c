package interpreter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/graphexec/pkg/device"
	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
)

func opSet(names ...string) map[string]struct{} {
	return stringSet(names)
}

// OpsNeedSetOutputDtypeWhenRegisterPhiKernel lists kernels whose
// registration leaves the output dtype unset.
var OpsNeedSetOutputDtypeWhenRegisterPhiKernel = opSet(
	"abs",
	"adam",
	"adamw",
	"all_close",
	"all_raw",
	"any_raw",
	"arg_sort",
	"atan2",
	"auc",
	"clip_by_norm",
	"complex",
	"conv3d_coo",
	"distribute_fpn_proposals",
	"eig",
	"eig_grad",
	"eigh",
	"ftt_c2r",
	"ftt_r2c",
	"fused_matmul",
	"generate_proposals",
	"graph_sample_neighbors",
	"group_norm",
	"histogram",
	"instance_norm",
	"is_empty",
	"kthvalue",
	"lamb",
	"layer_norm",
	"layer_norm_grad",
	"less_equal",
	"less_than",
	"merged_adam",
	"mode",
	"momentum",
	"multiclass_nms3",
	"multinomial",
	"nanmedian",
	"rnn",
	"search_sort",
	"select",
	"send_recv",
	"send_ue_recv",
	"sync_batch_norm_grad",
	"unique",
	"unique_consecutive_flattened_tensor",
	"unique_raw",
	"viterbi_devode",
)

// OpsWithAvailablePhiInferMeta can infer their output dtype from shape
// inference.
var OpsWithAvailablePhiInferMeta = opSet(
	"abs", "adam", "adamw", "layer_norm", "layer_norm_grad", "merged_adam")

// OpsWithFluidKernelNeedMoveToPhi have output dtypes or backends that
// cannot be determined without running them.
var OpsWithFluidKernelNeedMoveToPhi = opSet(
	"fused_batch_norm_act", "fused_batch_norm_act_grad")

func contains(s map[string]struct{}, name string) bool {
	_, ok := s[name]
	return ok
}

// StaticBuildBlocker explains why an op prevents planning mode.
type StaticBuildBlocker struct {
	OpType             string `json:"op_type" yaml:"op_type"`
	HasLegacyKernel    bool   `json:"has_legacy_kernel" yaml:"has_legacy_kernel"`
	HasStructureKernel bool   `json:"has_structure_kernel" yaml:"has_structure_kernel"`
	NeedMoveToPhi      bool   `json:"need_move_to_phi" yaml:"need_move_to_phi"`
	NeedSetDtype       bool   `json:"need_set_dtype" yaml:"need_set_dtype"`
}

func (b StaticBuildBlocker) String() string {
	return fmt.Sprintf("%s [has_legacy_kernel = %t, has_structure_kernel = %t, need_move_to_phi = %t, need_set_dtype = %t]",
		b.OpType, b.HasLegacyKernel, b.HasStructureKernel, b.NeedMoveToPhi, b.NeedSetDtype)
}

// BlockCanBeStaticBuilt reports whether every op of block can be planned
// without running kernels. Blockers are deduplicated by op type and
// sorted.
func BlockCanBeStaticBuilt(block *framework.BlockDesc, reg *kernels.Registry) (bool, []StaticBuildBlocker) {
	found := make(map[string]StaticBuildBlocker)
	for _, op := range block.Ops {
		hasLegacy := reg.HasLegacyKernel(op.Type)
		hasStructure := reg.HasStructuredKernel(op.Type)
		needMove := (hasLegacy || hasStructure) && contains(OpsWithFluidKernelNeedMoveToPhi, op.Type)
		needDtype := !hasLegacy && !hasStructure &&
			contains(OpsNeedSetOutputDtypeWhenRegisterPhiKernel, op.Type) &&
			!contains(OpsWithAvailablePhiInferMeta, op.Type)
		if needMove || needDtype {
			found[op.Type] = StaticBuildBlocker{
				OpType:             op.Type,
				HasLegacyKernel:    hasLegacy,
				HasStructureKernel: hasStructure,
				NeedMoveToPhi:      needMove,
				NeedSetDtype:       needDtype,
			}
		}
	}
	blockers := make([]StaticBuildBlocker, 0, len(found))
	for _, b := range found {
		blockers = append(blockers, b)
	}
	sort.Slice(blockers, func(i, j int) bool { return blockers[i].OpType < blockers[j].OpType })
	return len(blockers) == 0, blockers
}

// FormatBlockers renders blockers one per line.
func FormatBlockers(blockers []StaticBuildBlocker) string {
	var b strings.Builder
	b.WriteString("the following ops are unable to static build:\n")
	for _, bl := range blockers {
		b.WriteString(bl.String())
		b.WriteString("\n")
	}
	return b.String()
}

// FakeInitializeTensor attaches zero-size fake storage of dtype on place.
// Host places use the host allocator; any other place must be the device
// context's.
func FakeInitializeTensor(dc *device.Context, dtype framework.DataType, place framework.Place, t *framework.DenseTensor) error {
	if t == nil {
		return fmt.Errorf("fake initialize: nil tensor")
	}
	if place.IsCPU() {
		return dc.HostAlloc(t, dtype, 0, true)
	}
	if place != dc.Place() {
		return framework.NewUnsupportedDeviceError(
			fmt.Sprintf("place %s for fake alloc is not the device context place %s", place, dc.Place()), nil).
			WithCode(framework.ErrCodeUnavailable)
	}
	return dc.Alloc(t, dtype, 0, true)
}

func backendPlace(kind framework.PlaceKind, dc *device.Context) framework.Place {
	switch {
	case kind == framework.PlaceUndefined || kind == framework.PlaceCustom:
		return dc.Place()
	case kind == framework.PlaceCPU:
		return framework.CPUPlace()
	case kind == dc.Place().Kind:
		return dc.Place()
	}
	return framework.Place{Kind: kind}
}

// FakeInitializeOutputsForFunctionKernel fake-initializes the outputs of
// a function kernel from its declared output defs. Missing and already
// initialized outputs are skipped. Dtypes left undefined by the kernel,
// or by kernels known not to set them, come from shape inference.
func FakeInitializeOutputsForFunctionKernel(k *kernels.StructuredKernel, sig *kernels.Signature, outputs VariableValueMap, dc *device.Context) error {
	name := sig.Name
	needSet := contains(OpsNeedSetOutputDtypeWhenRegisterPhiKernel, name)
	if needSet && !contains(OpsWithAvailablePhiInferMeta, name) {
		return framework.NewConfigurationError(
			fmt.Sprintf("cannot static build %s: its kernel does not set the output dtype", name), nil).
			WithOp(name).
			WithCode(framework.ErrCodeNotStaticBuild)
	}
	defs := k.OutputDefs
	if len(sig.Outputs) != len(defs) {
		return framework.NewConfigurationError(
			fmt.Sprintf("kernel %s declares %d outputs, signature names %d", name, len(defs), len(sig.Outputs)), nil).
			WithOp(name).
			WithCode(framework.ErrCodeInvalidArgument)
	}

	start := 0
	for _, param := range sig.Outputs {
		vars := outputs[param]
		if len(vars) == 0 {
			start++
			continue
		}
		for offset, v := range vars {
			t := framework.TensorFromVar(v)
			if t == nil || t.Initialized() {
				continue
			}
			idx := start + offset
			if idx >= len(defs) {
				return framework.NewConfigurationError(
					fmt.Sprintf("kernel %s has no output def for %s[%d]", name, param, offset), nil).
					WithOp(name).
					WithCode(framework.ErrCodeInvalidArgument)
			}
			def := defs[idx]
			dtype := def.DType
			if dtype == framework.Undefined || needSet {
				dtype = t.DType()
			}
			if err := FakeInitializeTensor(dc, dtype, backendPlace(def.Backend, dc), t); err != nil {
				return err
			}
		}
		start += len(vars)
	}
	return nil
}

// FakeInitializeOutputsForStructureKernel fake-initializes every
// uninitialized output with the kernel key's dtype on the context place.
// fetch_v2 is left alone.
func FakeInitializeOutputsForStructureKernel(key framework.KernelKey, ctx *kernels.ExecContext) error {
	if ctx.OpType == OpFetch {
		return nil
	}
	for _, param := range framework.SortedParams(ctx.Outputs) {
		for _, v := range ctx.Outputs[param] {
			t := framework.TensorFromVar(v)
			if t == nil || t.Initialized() {
				continue
			}
			if err := FakeInitializeTensor(ctx.Device, key.DType, ctx.Place(), t); err != nil {
				return err
			}
		}
	}
	return nil
}
