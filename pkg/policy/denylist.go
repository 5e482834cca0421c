package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
)

// DefaultEvalTimeout bounds one Denied call.
const DefaultEvalTimeout = time.Second

// RegoDenylist is a kernels.Denylist whose decisions come from Rego
// policies in package graphexec.denylist. A kernel is denied when the
// policies' deny set is non-empty for it.
//
// Decisions are cached per kernel and place until the policies or the
// entries change.
type RegoDenylist struct {
	mu       sync.RWMutex
	logger   zerolog.Logger
	policies []Policy
	entries  []Entry
	query    rego.PreparedEvalQuery
	cache    map[cacheKey]Decision
	gen      uint64
	timeout  time.Duration
}

type cacheKey struct {
	kernel string
	place  framework.Place
}

var _ kernels.Denylist = (*RegoDenylist)(nil)

// NewRegoDenylist compiles the built-in policies together with policies.
func NewRegoDenylist(ctx context.Context, logger zerolog.Logger, policies ...Policy) (*RegoDenylist, error) {
	d := &RegoDenylist{
		logger:  logger.With().Str("component", "denylist").Logger(),
		timeout: DefaultEvalTimeout,
	}
	if err := d.Update(ctx, policies); err != nil {
		return nil, err
	}
	return d, nil
}

// Update replaces the user policies. On error the previous policies stay
// in force.
func (d *RegoDenylist) Update(ctx context.Context, policies []Policy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	query, err := prepare(ctx, policies, d.entries)
	if err != nil {
		return err
	}
	d.policies = append([]Policy(nil), policies...)
	d.query = query
	d.cache = make(map[cacheKey]Decision)
	d.gen++

	d.logger.Info().
		Int("policies", len(policies)).
		Msg("Denylist policies loaded")
	return nil
}

// SetEntries replaces the static entries the built-in policy reads.
func (d *RegoDenylist) SetEntries(ctx context.Context, entries []Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	query, err := prepare(ctx, d.policies, entries)
	if err != nil {
		return err
	}
	d.entries = append([]Entry(nil), entries...)
	d.query = query
	d.cache = make(map[cacheKey]Decision)
	d.gen++
	return nil
}

// Policies returns the built-in and user policies in force.
func (d *RegoDenylist) Policies() []Policy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(GetBuiltinPolicies(), d.policies...)
}

// Denied evaluates the policies for kernelName on place. Evaluation
// errors are logged and do not deny.
func (d *RegoDenylist) Denied(kernelName string, place framework.Place) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	dec, err := d.Decide(ctx, kernelName, place)
	if err != nil {
		d.logger.Error().Err(err).
			Str("kernel", kernelName).
			Str("place", place.String()).
			Msg("Denylist evaluation failed")
		return false
	}
	return dec.Denied
}

// Decide evaluates the policies for kernelName on place and reports why.
func (d *RegoDenylist) Decide(ctx context.Context, kernelName string, place framework.Place) (Decision, error) {
	key := cacheKey{kernel: kernelName, place: place}
	d.mu.RLock()
	if dec, ok := d.cache[key]; ok {
		d.mu.RUnlock()
		return dec, nil
	}
	query, gen := d.query, d.gen
	d.mu.RUnlock()

	start := time.Now()
	input := map[string]interface{}{
		"kernel":  kernelName,
		"backend": place.Kind.String(),
		"device":  place.Device,
		"place":   place.String(),
	}
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("policy evaluation error: %w", err)
	}

	dec := Decision{Kernel: kernelName, Place: place.String()}
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, reason := range denySet {
			dec.Reasons = append(dec.Reasons, reasonText(reason))
		}
	}
	sort.Strings(dec.Reasons)
	dec.Denied = len(dec.Reasons) > 0
	dec.Duration = time.Since(start)

	d.logger.Debug().
		Str("kernel", kernelName).
		Str("place", place.String()).
		Bool("denied", dec.Denied).
		Dur("duration", dec.Duration).
		Msg("Denylist evaluated")

	d.mu.Lock()
	if d.gen == gen {
		d.cache[key] = dec
	}
	d.mu.Unlock()
	return dec, nil
}

// reasonText extracts a message from one element of the deny set.
func reasonText(v interface{}) string {
	switch r := v.(type) {
	case string:
		return r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", v)
}

// prepare parses every module, checks its package and compiles the deny
// query against a store holding entries.
func prepare(ctx context.Context, policies []Policy, entries []Entry) (rego.PreparedEvalQuery, error) {
	all := append(GetBuiltinPolicies(), policies...)
	opts := []func(*rego.Rego){rego.Query(DenyQuery)}
	seen := make(map[string]bool, len(all))
	for i := range all {
		p := &all[i]
		if seen[p.Name] {
			return rego.PreparedEvalQuery{}, framework.NewConfigurationError(fmt.Sprintf("duplicate policy name %q", p.Name), nil).
				WithCode(framework.ErrCodeInvalidArgument)
		}
		seen[p.Name] = true

		module, err := ast.ParseModule(p.Name, p.Rego)
		if err != nil {
			return rego.PreparedEvalQuery{}, framework.NewConfigurationError("failed to parse policy "+p.Name, err).
				WithCode(framework.ErrCodeInvalidArgument)
		}
		if module == nil {
			return rego.PreparedEvalQuery{}, framework.NewConfigurationError("policy "+p.Name+" is empty", nil).
				WithCode(framework.ErrCodeInvalidArgument)
		}
		if got := module.Package.Path.String(); got != "data."+PackagePath {
			return rego.PreparedEvalQuery{}, framework.NewConfigurationError(
				fmt.Sprintf("policy %s declares package %s, want %s", p.Name, got, PackagePath), nil).
				WithCode(framework.ErrCodeInvalidArgument)
		}
		opts = append(opts, rego.ParsedModule(module))
	}

	docs := make([]interface{}, len(entries))
	for i, e := range entries {
		docs[i] = map[string]interface{}{"kernel": e.Kernel, "backend": e.Backend}
	}
	store := inmem.NewFromObject(map[string]interface{}{
		"graphexec": map[string]interface{}{"entries": docs},
	})
	opts = append(opts, rego.Store(store))

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, framework.NewConfigurationError("failed to prepare denylist query", err).
			WithCode(framework.ErrCodeInvalidArgument)
	}
	return query, nil
}
