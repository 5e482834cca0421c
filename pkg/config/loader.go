package config

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/interpreter"
)

// Format is the encoding of a program file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
)

// FormatOf picks the format from the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	}
	return "", framework.NewConfigurationError(fmt.Sprintf("unsupported program file %s: want .yaml, .yml or .cue", path), nil).
		WithCode(framework.ErrCodeInvalidArgument)
}

// Loader decodes and validates program files.
type Loader struct {
	// cue values are not safe for concurrent use
	mu       sync.Mutex
	schema   *schema
	validate *validator.Validate
}

// NewLoader compiles the program schema and registers the dtype, place
// and payload_kind validation tags.
func NewLoader() (*Loader, error) {
	s, err := newSchema()
	if err != nil {
		return nil, err
	}
	v := validator.New()
	for tag, fn := range map[string]validator.Func{
		"dtype":        parses(framework.ParseDataType),
		"place":        parses(framework.ParsePlace),
		"payload_kind": parses(framework.ParsePayloadKind),
	} {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return nil, fmt.Errorf("register %s validation: %w", tag, err)
		}
	}
	return &Loader{schema: s, validate: v}, nil
}

func parses[T any](parse func(string) (T, error)) validator.Func {
	return func(fl validator.FieldLevel) bool {
		_, err := parse(fl.Field().String())
		return err == nil
	}
}

// LoadFile reads path and decodes it by extension.
func (l *Loader) LoadFile(path string) (*ProgramConfig, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	return l.Load(data, format, path)
}

// Load decodes data and validates the result. source names the input in
// errors. Execution settings the program leaves out keep their defaults.
func (l *Loader) Load(data []byte, format Format, source string) (*ProgramConfig, error) {
	pc := ProgramConfig{Execution: interpreter.DefaultExecutionConfig()}
	var err error
	switch format {
	case FormatYAML:
		err = decodeYAML(data, source, &pc)
	case FormatCUE:
		err = l.decodeCUE(data, source, l.schema.program, &pc)
	default:
		return nil, framework.NewConfigurationError(fmt.Sprintf("unknown program format %q", format), nil).
			WithCode(framework.ErrCodeInvalidArgument)
	}
	if err != nil {
		return nil, err
	}
	pc.Source = source
	if err := l.Validate(&pc); err != nil {
		return nil, err
	}
	return &pc, nil
}

func decodeYAML(data []byte, source string, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		var te *yaml.TypeError
		if stderrors.As(err, &te) {
			errs := make([]ValidationError, len(te.Errors))
			for i, msg := range te.Errors {
				errs[i] = ValidationError{File: source, Message: msg, Severity: "error"}
			}
			return invalid(source, errs)
		}
		return invalid(source, []ValidationError{{File: source, Message: err.Error(), Severity: "error"}})
	}
	return nil
}

// decodeCUE evaluates data against def and decodes the concrete result.
// Numbers inside attrs stay json.Number so integers keep their type.
func (l *Loader) decodeCUE(data []byte, source string, def cue.Value, out interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	val := l.schema.ctx.CompileBytes(data, cue.Filename(source))
	if err := val.Err(); err != nil {
		return invalid(source, convertCUEErrors(source, err))
	}
	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return invalid(source, convertCUEErrors(source, err))
	}
	raw, err := unified.MarshalJSON()
	if err != nil {
		return invalid(source, convertCUEErrors(source, err))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return invalid(source, []ValidationError{{File: source, Message: err.Error(), Severity: "error"}})
	}
	return nil
}

// convertCUEErrors flattens a CUE error list. Each error is located at
// its first position inside source, or its first position at all.
func convertCUEErrors(source string, err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			File:     source,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		}
		positions := errors.Positions(e)
		for i, pos := range positions {
			if pos.Filename() == source || i == len(positions)-1 {
				ve.File = pos.Filename()
				ve.Line = pos.Line()
				ve.Column = pos.Column()
				break
			}
		}
		out = append(out, ve)
	}
	return out
}

// Validate checks struct constraints of pc, including its execution
// settings, and the semantic rules struct tags cannot express.
func (l *Loader) Validate(pc *ProgramConfig) error {
	var errs []ValidationError
	if err := l.validate.Struct(pc); err != nil {
		var verrs validator.ValidationErrors
		if !stderrors.As(err, &verrs) {
			return fmt.Errorf("validate program: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				File:     pc.Source,
				Path:     fe.Namespace(),
				Message:  validationMessage(fe),
				Severity: "error",
			})
		}
	}
	seen := make(map[string]int, len(pc.Vars))
	for i, v := range pc.Vars {
		if j, dup := seen[v.Name]; dup {
			errs = append(errs, ValidationError{
				File:     pc.Source,
				Path:     fmt.Sprintf("vars[%d]", i),
				Message:  fmt.Sprintf("variable %s is already declared by vars[%d]", v.Name, j),
				Severity: "error",
			})
			continue
		}
		seen[v.Name] = i
	}
	for i, f := range pc.Feeds {
		if n := numel(f.Shape); len(f.Shape) > 0 && n != len(f.Values) {
			errs = append(errs, ValidationError{
				File:     pc.Source,
				Path:     fmt.Sprintf("feeds[%d]", i),
				Message:  fmt.Sprintf("shape %v holds %d values, got %d", f.Shape, n, len(f.Values)),
				Severity: "error",
			})
		}
	}
	if len(errs) > 0 {
		return invalid(pc.Source, errs)
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "dtype":
		return fmt.Sprintf("%q is not a data type", fe.Value())
	case "place":
		return fmt.Sprintf("%q is not a place", fe.Value())
	case "payload_kind":
		return fmt.Sprintf("%q is not a variable type", fe.Value())
	}
	if fe.Param() != "" {
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("failed %s", fe.Tag())
}

func numel(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// LoadExecutionConfig reads build settings from a standalone YAML or CUE
// file. Unset fields keep their defaults.
func (l *Loader) LoadExecutionConfig(path string) (interpreter.ExecutionConfig, error) {
	cfg := interpreter.DefaultExecutionConfig()
	format, err := FormatOf(path)
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read execution config: %w", err)
	}
	switch format {
	case FormatYAML:
		err = decodeYAML(data, path, &cfg)
	case FormatCUE:
		err = l.decodeCUE(data, path, l.schema.execution, &cfg)
	}
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, framework.NewConfigurationError("invalid execution config "+path, err).
			WithCode(framework.ErrCodeInvalidArgument)
	}
	return cfg, nil
}
