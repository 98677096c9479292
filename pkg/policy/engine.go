package policy

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/tengil/tengil/pkg/engine"
)

// Options configures the data every policy can read under data.tengil.
type Options struct {
	ProtectedPools      []string
	ProtectedContainers []string
}

// Engine evaluates Rego policies over plans. It implements engine.PolicyGate.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	store           storage.Store
	logger          zerolog.Logger
	builtinPolicies []Policy
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

var _ engine.PolicyGate = (*Engine)(nil)

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts Options) (*Engine, error) {
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		store:           inmem.NewFromObject(dataObject(opts)),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

func dataObject(opts Options) map[string]interface{} {
	return map[string]interface{}{
		"tengil": map[string]interface{}{
			"protected_pools":      stringList(opts.ProtectedPools),
			"protected_containers": stringList(opts.ProtectedContainers),
		},
	}
}

func stringList(in []string) []interface{} {
	out := make([]interface{}, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

// EvaluatePlan runs every enabled policy over the plan and returns all
// findings, blocking and advisory. A policy that fails to evaluate is an
// error: the gate never silently lets a plan through.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan, desired *engine.Desired) ([]engine.PolicyViolation, error) {
	result, err := e.Evaluate(ctx, plan, desired, "apply")
	if err != nil {
		return nil, err
	}

	violations := make([]engine.PolicyViolation, 0, len(result.Violations)+len(result.Warnings))
	violations = append(violations, result.Violations...)
	violations = append(violations, result.Warnings...)
	return violations, nil
}

// Evaluate runs every enabled policy over the plan and splits the findings
// into blocking violations and warnings.
func (e *Engine) Evaluate(ctx context.Context, plan *engine.Plan, desired *engine.Desired, operation string) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if plan == nil {
		plan = &engine.Plan{}
	}
	hostname, _ := os.Hostname()
	input := &Input{
		Plan:    plan,
		Desired: desired,
		Context: Context{
			Timestamp: startTime.UTC(),
			Operation: operation,
			Hostname:  hostname,
		},
	}

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("plan", plan.ID).
				Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}

		for _, v := range violations {
			if v.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Duration = time.Since(startTime)
	e.logger.Debug().
		Str("plan_id", plan.ID).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// LoadPolicies loads and compiles policy files. A file that fails to compile
// aborts the load and leaves the previously loaded set untouched.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := e.compile(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		if existing, ok := e.policies[cp.policy.Name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", cp.policy.Name)
		}
	}
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded successfully")

	return nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]engine.PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []engine.PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Resource.ID != violations[j].Resource.ID {
			return violations[i].Resource.ID < violations[j].Resource.ID
		}
		return violations[i].Rule < violations[j].Rule
	})
	return violations, nil
}

// createViolation converts one element of a deny set. Elements may be a
// plain message string or an object with rule, message, severity and
// resource fields.
func createViolation(policy *Policy, result interface{}) engine.PolicyViolation {
	violation := engine.PolicyViolation{
		Policy:   policy.Name,
		Rule:     "deny",
		Severity: string(policy.Severity),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if rule, ok := v["rule"].(string); ok && rule != "" {
			violation.Rule = rule
		}
		if sev, ok := v["severity"].(string); ok && sev != "" {
			violation.Severity = sev
		}
		if res, ok := v["resource"].(map[string]interface{}); ok {
			if t, ok := res["type"].(string); ok {
				violation.Resource.Type = engine.ResourceType(t)
			}
			if id, ok := res["id"].(string); ok {
				violation.Resource.ID = id
			}
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses the module and prepares the query for its deny set.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		cp, err := e.compile(ctx, &e.builtinPolicies[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtinPolicies[i].Name, err)
		}
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Debug().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// ReloadPolicies drops loaded files, restores the built-ins and reloads
// the given paths.
func (e *Engine) ReloadPolicies(ctx context.Context, paths []string) error {
	e.mu.Lock()
	e.policies = make(map[string]*compiledPolicy)
	e.builtinPolicies = GetBuiltinPolicies()
	err := e.loadBuiltinPolicies(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	return e.LoadPolicies(ctx, paths)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}
