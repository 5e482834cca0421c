package policy

import (
	"time"
)

// PackagePath is the Rego package every denylist policy must declare.
const PackagePath = "graphexec.denylist"

// DenyQuery collects the reasons for denying the kernel in input.
const DenyQuery = "data." + PackagePath + ".deny"

// Policy represents a denylist rule set with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was read.
	LoadedAt time.Time `json:"loaded_at"`
}

// Entry denies one kernel on one backend. Backend "*" matches every place.
type Entry struct {
	Kernel  string `json:"kernel" yaml:"kernel"`
	Backend string `json:"backend" yaml:"backend"`
}

// Input is the document a policy sees as input.
type Input struct {
	// Kernel is the structured kernel name.
	Kernel string `json:"kernel"`

	// Backend is the place kind: cpu, gpu, npu, xpu, ipu or custom.
	Backend string `json:"backend"`

	// Device is the device index of the place.
	Device int `json:"device"`

	// Place is the printed place, e.g. "gpu:0".
	Place string `json:"place"`
}

// Decision is the outcome of one denylist evaluation.
type Decision struct {
	Kernel  string   `json:"kernel"`
	Place   string   `json:"place"`
	Denied  bool     `json:"denied"`
	Reasons []string `json:"reasons,omitempty"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}
