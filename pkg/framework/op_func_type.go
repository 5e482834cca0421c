package framework

// OpFuncType is the scheduling class of an instruction.
type OpFuncType int

const (
	// CPUSync runs on the host lane and completes before returning.
	CPUSync OpFuncType = iota
	// GPUSync launches device work and blocks the host until it is done.
	GPUSync
	// GPUAsync launches device work without waiting for completion.
	GPUAsync
)

func (t OpFuncType) String() string {
	switch t {
	case CPUSync:
		return "cpu_sync"
	case GPUSync:
		return "gpu_sync"
	case GPUAsync:
		return "gpu_async"
	default:
		return "unknown"
	}
}

func (t OpFuncType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}
