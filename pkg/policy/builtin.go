package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		entriesPolicy(),
	}
}

// entriesPolicy denies the kernels listed in data.graphexec.entries.
func entriesPolicy() Policy {
	return Policy{
		Name:        "entries",
		Description: "Denies kernels listed as {kernel, backend} entries; backend \"*\" matches every place",
		LoadedAt:    time.Now(),
		Rego: `package graphexec.denylist

import rego.v1

deny contains msg if {
	some entry in data.graphexec.entries
	entry.kernel == input.kernel
	entry_backend_matches(entry.backend)
	msg := sprintf("kernel %s is denied on %s", [input.kernel, input.backend])
}

entry_backend_matches(backend) if backend == input.backend

entry_backend_matches(backend) if backend == "*"
`,
	}
}
