// Package policy evaluates plan admission rules written in Rego. Built-in
// rules guard production rollouts; deployments may layer their own rules on
// top by loading .rego files from disk.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
)

// Admitter evaluates admission policies against compiled plans. It
// implements engine.PlanAdmitter.
type Admitter struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

var _ engine.PlanAdmitter = (*Admitter)(nil)

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewAdmitter creates an admitter preloaded with the built-in policies.
func NewAdmitter(logger zerolog.Logger) (*Admitter, error) {
	a := &Admitter{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-admitter").Logger(),
	}
	for _, p := range builtinPolicies() {
		if err := a.compile(context.Background(), p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	return a, nil
}

// LoadPolicies compiles and registers policies from .rego files at the given
// paths. A policy whose name matches an existing one replaces it.
func (a *Admitter) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(a.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	for _, p := range policies {
		if err := a.compile(ctx, p); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}
	a.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

func (a *Admitter) compile(ctx context.Context, p Policy) error {
	query := fmt.Sprintf("data.%s.deny", packageName(p.Rego))
	prepared, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.policies[p.Name] = &compiledPolicy{policy: p, query: prepared}
	a.mu.Unlock()
	return nil
}

// AdmitPlan evaluates every enabled policy against the plan. Error-severity
// findings come back as denials, warning-severity findings as warnings.
func (a *Admitter) AdmitPlan(ctx context.Context, plan *engine.Plan, devices []engine.Device) (denials, warnings []string, err error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	input := AdmissionInput{Plan: plan, Devices: devices}

	for _, cp := range a.policies {
		if !cp.policy.Enabled {
			continue
		}
		findings, evalErr := a.evaluate(ctx, cp, input)
		if evalErr != nil {
			return nil, nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, evalErr)
		}
		for _, f := range findings {
			severity := Severity(f.Severity)
			if severity == "" {
				severity = cp.policy.Severity
			}
			msg := fmt.Sprintf("%s: %s", cp.policy.Name, f.Message)
			if severity == SeverityError {
				denials = append(denials, msg)
			} else {
				warnings = append(warnings, msg)
			}
		}
	}

	a.logger.Debug().
		Str("plan_id", plan.ID).
		Int("denials", len(denials)).
		Int("warnings", len(warnings)).
		Msg("Plan admission evaluated")
	return denials, warnings, nil
}

func (a *Admitter) evaluate(ctx context.Context, cp *compiledPolicy, input AdmissionInput) ([]finding, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var findings []finding
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				obj, ok := d.(map[string]interface{})
				if !ok {
					continue
				}
				f := finding{}
				if m, ok := obj["message"].(string); ok {
					f.Message = m
				}
				if s, ok := obj["severity"].(string); ok {
					f.Severity = s
				}
				findings = append(findings, f)
			}
		}
	}
	return findings, nil
}

// packageName extracts the package name from Rego source.
func packageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "rosfleet.admission"
}
