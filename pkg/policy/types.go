package policy

import (
	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
)

// Severity classifies the outcome of a matched admission rule.
type Severity string

const (
	// SeverityWarning records the finding on the plan without blocking it.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the plan from compiling.
	SeverityError Severity = "error"
)

// Policy is one admission rule with its Rego source.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Each policy populates a
	// `deny` set of objects carrying `message` and `severity`.
	Rego string `json:"rego"`

	// Severity is the default when a finding carries none of its own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`
}

// AdmissionInput is the document policies evaluate against.
type AdmissionInput struct {
	// Plan is the compiled plan under review.
	Plan *engine.Plan `json:"plan"`

	// Devices are the resolved plan devices, directory metadata included.
	Devices []engine.Device `json:"devices"`
}

// finding is one entry of a policy's deny set.
type finding struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}
