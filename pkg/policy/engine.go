package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/skiff/pkg/engine"
)

// Engine evaluates Rego admission policies. It implements engine.AdmissionPolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	disabled map[string]bool
	logger   zerolog.Logger
	loader   *Loader
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		disabled: make(map[string]bool),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStore(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// Admit implements engine.AdmissionPolicy. Blocking violations are joined into a single
// policy error; non-blocking ones are logged.
func (e *Engine) Admit(ctx context.Context, target engine.Target, job *engine.JobDescriptor) error {
	result, err := e.Evaluate(ctx, NewInput(target, job))
	if err != nil {
		return engine.NewPolicyError(fmt.Sprintf("policy evaluation failed: %v", err)).WithTarget(target.ID)
	}

	for _, v := range result.Violations {
		if !v.Severity.Blocking() {
			e.logger.Warn().
				Str("policy", v.Policy).
				Str("target", target.ID).
				Str("severity", string(v.Severity)).
				Msg(v.Message)
		}
	}
	if result.Allowed {
		return nil
	}

	blocking := result.Blocking()
	msgs := make([]string, 0, len(blocking))
	for _, v := range blocking {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return engine.NewPolicyError("Denied by policy: " + strings.Join(msgs, "; ")).WithTarget(target.ID)
}

// Evaluate runs every enabled policy against input.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.namesLocked() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("target", input.Target.ID).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("Policy %s evaluation failed: %v", name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Severity.Blocking() {
			result.Allowed = false
			break
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("target", input.Target.ID).
		Str("fun", input.Job.Fun).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Admission policy evaluated")
	return result, nil
}

// evaluatePolicy runs a compiled policy's deny query.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}
	return violations, nil
}

// createViolation creates a Violation from one deny entry, either a string or an object
// with message and severity.
func createViolation(policy *Policy, result interface{}, input *Input) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Target:   input.Target.ID,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok && sev != "" {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

// compileAndStore parses a policy and prepares its deny query.
func (e *Engine) compileAndStore(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	if e.disabled[policy.Name] {
		policy.Enabled = false
	}
	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled")
	return nil
}

// LoadPolicies loads policy files and directories, adding them to the built-in set.
// A policy that fails to compile aborts the load.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replace(ctx, policies)
}

// Watch reloads the policies under paths whenever they change, until ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replace(ctx, policies)
	})
}

// replace swaps the loaded policies for policies, keeping the built-ins. The previous set
// stays active when any policy fails to compile.
func (e *Engine) replace(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.policies
	e.policies = make(map[string]*compiledPolicy, len(prev)+len(policies))
	for name, cp := range prev {
		if cp.policy.Builtin {
			e.policies[name] = cp
		}
	}
	for i := range policies {
		if err := e.compileAndStore(ctx, &policies[i]); err != nil {
			e.policies = prev
			e.logger.Error().Err(err).Str("policy", policies[i].Name).Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := e.namesLocked()
	policies := make([]Policy, 0, len(names))
	for _, name := range names {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// DisablePolicy disables a policy by name. It stays disabled across reloads.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = false
	e.disabled[name] = true
	e.logger.Info().Str("policy", name).Msg("Policy disabled")
	return nil
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = true
	delete(e.disabled, name)
	e.logger.Info().Str("policy", name).Msg("Policy enabled")
	return nil
}

func (e *Engine) namesLocked() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
