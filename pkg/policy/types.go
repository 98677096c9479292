package policy

import (
	"time"

	"github.com/tengil/tengil/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is printed but never blocks an apply.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the apply.
	SeverityError Severity = "error"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module must define a
	// "deny" set in its package.
	Rego string `json:"rego"`

	// Severity is used for violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with tengil.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata (e.g. the source file).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Source is the file the policy was loaded from, or "builtin".
func (p *Policy) Source() string {
	if src, ok := p.Metadata["source"].(string); ok && src != "" {
		return src
	}
	if p.Builtin {
		return "builtin"
	}
	return ""
}

// Input is the document every policy sees as `input`.
type Input struct {
	// Plan is the plan about to be applied.
	Plan *engine.Plan `json:"plan"`

	// Desired is the resolved desired state, when known.
	Desired *engine.Desired `json:"desired,omitempty"`

	// Context provides additional evaluation context.
	Context Context `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is "plan" or "apply".
	Operation string `json:"operation"`

	// Hostname is the host being reconciled.
	Hostname string `json:"hostname,omitempty"`
}

// Data is exposed to policies as data.tengil.
type Data struct {
	// ProtectedPools may not receive dataset or share changes.
	ProtectedPools []string `json:"protected_pools"`

	// ProtectedContainers lists container names or ids that may not be
	// recreated.
	ProtectedContainers []string `json:"protected_containers"`
}

// Result is the outcome of evaluating every enabled policy over one plan.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists blocking findings.
	Violations []engine.PolicyViolation `json:"violations,omitempty"`

	// Warnings lists findings that do not block.
	Warnings []engine.PolicyViolation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}
