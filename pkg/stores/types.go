package stores

import (
	"context"
	"database/sql"
	"time"
)

// BuildStatus is the outcome of a build
type BuildStatus string

const (
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
)

// ReclaimKind tells planned reclaims from performed ones
type ReclaimKind string

const (
	// ReclaimUnused is the lifetime analyzer's plan.
	ReclaimUnused ReclaimKind = "unused"
	// ReclaimReleased is what a build actually freed.
	ReclaimReleased ReclaimKind = "released"
)

// BuildRecord is one row of the builds table
type BuildRecord struct {
	ID               string        `json:"id"`
	Program          string        `json:"program"`
	Place            string        `json:"place"`
	Status           BuildStatus   `json:"status"`
	StaticBuild      bool          `json:"static_build"`
	InstructionCount int           `json:"instruction_count"`
	Reclaimed        int64         `json:"reclaimed"`
	Error            *string       `json:"error,omitempty"`
	ErrorClass       *string       `json:"error_class,omitempty"`
	ErrorCode        *string       `json:"error_code,omitempty"`
	Config           string        `json:"config"` // JSON blob
	Duration         time.Duration `json:"duration"`
	CreatedAt        time.Time     `json:"created_at"`
}

// InstructionRecord is one built instruction
type InstructionRecord struct {
	Seq                int              `json:"seq"`
	OpIndex            int              `json:"op_index"`
	OpType             string           `json:"op_type"`
	KernelKind         string           `json:"kernel_kind"`
	KernelName         string           `json:"kernel_name"`
	FuncType           string           `json:"func_type"`
	Path               string           `json:"path"`
	KernelKey          string           `json:"kernel_key"`
	ExecutionStream    string           `json:"execution_stream,omitempty"`
	StreamPriority     int              `json:"stream_priority"`
	SchedulingPriority int              `json:"scheduling_priority"`
	CommRing           int              `json:"comm_ring"`
	Inputs             map[string][]int `json:"inputs"`
	Outputs            map[string][]int `json:"outputs"`
}

// ReclaimRecord lists the variables reclaimed after one op
type ReclaimRecord struct {
	OpIndex int         `json:"op_index"`
	Kind    ReclaimKind `json:"kind"`
	Vars    []string    `json:"vars"`
}

// WarningRecord is one warning raised by a build
type WarningRecord struct {
	Seq     int    `json:"seq"`
	Kind    string `json:"kind"`
	Key     string `json:"key"`
	Message string `json:"message"`
}

// Build is a build record with its instructions, reclaim sets and
// warnings
type Build struct {
	BuildRecord
	Instructions []InstructionRecord `json:"instructions"`
	Reclaims     []ReclaimRecord     `json:"reclaims"`
	Warnings     []WarningRecord     `json:"warnings,omitempty"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Build operations
	SaveBuild(ctx context.Context, build *Build) error
	GetBuild(ctx context.Context, id string) (*Build, error)
	ListBuilds(ctx context.Context, status *BuildStatus, limit, offset int) ([]*BuildRecord, error)
	DeleteBuild(ctx context.Context, id string) error

	// Utility
	HealthCheck(ctx context.Context) error
}
