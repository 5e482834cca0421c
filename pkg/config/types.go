package config

import (
	"fmt"
	"strings"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/interpreter"
)

// ProgramConfig is a program file: one block of ops, the variables it
// declares, the values fed before the build and the settings of the build.
type ProgramConfig struct {
	// Name identifies the program in logs and stored build records.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Place is the default place of the build, e.g. "cpu" or "gpu:0".
	Place string `json:"place,omitempty" yaml:"place,omitempty" validate:"omitempty,place"`

	Vars  []VarConfig `json:"vars,omitempty" yaml:"vars,omitempty" validate:"dive"`
	Ops   []OpConfig  `json:"ops" yaml:"ops" validate:"required,min=1,dive"`
	Feeds []FeedConfig `json:"feeds,omitempty" yaml:"feeds,omitempty" validate:"dive"`

	// Fetch names the variables copied into the fetch list after the
	// build.
	Fetch []string `json:"fetch,omitempty" yaml:"fetch,omitempty" validate:"dive,required"`

	// Comm declares the communication rings available to collective ops.
	Comm []CommConfig `json:"comm,omitempty" yaml:"comm,omitempty" validate:"dive"`

	// Checkers are scripted attribute checkers added to op types.
	Checkers []CheckerConfig `json:"checkers,omitempty" yaml:"checkers,omitempty" validate:"dive"`

	Execution interpreter.ExecutionConfig `json:"execution" yaml:"execution"`

	// Source is the file the program was loaded from.
	Source string `json:"-" yaml:"-"`
}

// VarConfig declares one variable of the block.
type VarConfig struct {
	Name        string  `json:"name" yaml:"name" validate:"required"`
	Type        string  `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,payload_kind"`
	Persistable bool    `json:"persistable,omitempty" yaml:"persistable,omitempty"`
	DType       string  `json:"dtype,omitempty" yaml:"dtype,omitempty" validate:"omitempty,dtype"`
	Shape       []int64 `json:"shape,omitempty" yaml:"shape,omitempty" validate:"dive,gte=-1"`
}

// OpConfig is one operator of the block.
type OpConfig struct {
	Type     string                 `json:"type" yaml:"type" validate:"required"`
	Inputs   map[string][]string    `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs  map[string][]string    `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Attrs    map[string]interface{} `json:"attrs,omitempty" yaml:"attrs,omitempty"`
	DistAttr *framework.DistAttr    `json:"dist_attr,omitempty" yaml:"dist_attr,omitempty"`
}

// FeedConfig writes values into a dense tensor before the build.
type FeedConfig struct {
	Var string `json:"var" yaml:"var" validate:"required"`

	// DType defaults to float32.
	DType string `json:"dtype,omitempty" yaml:"dtype,omitempty" validate:"omitempty,dtype"`

	// Shape defaults to a vector of len(Values).
	Shape  []int64   `json:"shape,omitempty" yaml:"shape,omitempty" validate:"dive,gte=0"`
	Values []float64 `json:"values" yaml:"values" validate:"required,min=1"`

	// Place defaults to the program place.
	Place string `json:"place,omitempty" yaml:"place,omitempty" validate:"omitempty,place"`
}

// CommConfig declares a communication ring.
type CommConfig struct {
	RingID  int    `json:"ring_id" yaml:"ring_id" validate:"gte=0"`
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`
	Rank    int    `json:"rank,omitempty" yaml:"rank,omitempty" validate:"gte=0"`
	Ranks   int    `json:"ranks,omitempty" yaml:"ranks,omitempty" validate:"gte=0"`
}

// CheckerConfig binds a Starlark checker to an op type. Exactly one of
// Script and File is set; File is relative to the program file.
type CheckerConfig struct {
	Op     string `json:"op" yaml:"op" validate:"required"`
	Script string `json:"script,omitempty" yaml:"script,omitempty" validate:"required_without=File,excluded_with=File"`
	File   string `json:"file,omitempty" yaml:"file,omitempty" validate:"required_without=Script"`
}

// ValidationError is one problem found while loading a program.
type ValidationError struct {
	File     string `json:"file,omitempty" yaml:"file,omitempty"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
	Line     int    `json:"line,omitempty" yaml:"line,omitempty"`
	Column   int    `json:"column,omitempty" yaml:"column,omitempty"`
	Message  string `json:"message" yaml:"message"`
	Severity string `json:"severity" yaml:"severity"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// invalid wraps validation problems into a configuration error. The
// problems are available under the "errors" detail.
func invalid(source string, errs []ValidationError) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.String()
	}
	return framework.NewConfigurationError(
		fmt.Sprintf("invalid program %s: %s", source, strings.Join(msgs, "; ")), nil).
		WithCode(framework.ErrCodeInvalidArgument).
		WithDetail("errors", errs)
}
