package engine

import (
	"encoding/json"
	"fmt"
)

// PlanStatus represents the lifecycle state of a change plan.
type PlanStatus string

const (
	// PlanStatusDraft indicates the plan is compiled but not yet approved.
	PlanStatusDraft PlanStatus = "draft"

	// PlanStatusApproved indicates the plan carries a valid approval and may be applied.
	PlanStatusApproved PlanStatus = "approved"

	// PlanStatusExecuting indicates a job is currently applying the plan.
	PlanStatusExecuting PlanStatus = "executing"

	// PlanStatusCompleted indicates every device reached its desired state.
	PlanStatusCompleted PlanStatus = "completed"

	// PlanStatusFailed indicates execution halted (or the plan was rejected)
	// and completed changes were left in place.
	PlanStatusFailed PlanStatus = "failed"

	// PlanStatusRolledBack indicates execution halted and every touched
	// device was restored to its pre-change state.
	PlanStatusRolledBack PlanStatus = "rolled_back"

	// PlanStatusPartiallyRolledBack indicates rollback was attempted but at
	// least one device could not be restored.
	PlanStatusPartiallyRolledBack PlanStatus = "partially_rolled_back"

	// PlanStatusCancelled indicates execution was cancelled by an operator.
	PlanStatusCancelled PlanStatus = "cancelled"
)

// IsTerminal reports whether the plan status is final.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanStatusCompleted, PlanStatusFailed, PlanStatusRolledBack,
		PlanStatusPartiallyRolledBack, PlanStatusCancelled:
		return true
	}
	return false
}

// Validate checks if the plan status is valid.
func (s PlanStatus) Validate() error {
	switch s {
	case PlanStatusDraft, PlanStatusApproved, PlanStatusExecuting,
		PlanStatusCompleted, PlanStatusFailed, PlanStatusRolledBack,
		PlanStatusPartiallyRolledBack, PlanStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid plan status: %s", s)
	}
}

// JobStatus represents the state of one execution attempt of a plan.
type JobStatus string

const (
	// JobStatusPending indicates the job is queued for a worker to claim.
	JobStatusPending JobStatus = "pending"

	// JobStatusRunning indicates a worker holds the job lease and is executing.
	JobStatusRunning JobStatus = "running"

	// JobStatusCompleted indicates the job finished with every device succeeding or skipped.
	JobStatusCompleted JobStatus = "completed"

	// JobStatusFailed indicates the job halted on failures or a degraded health check.
	JobStatusFailed JobStatus = "failed"

	// JobStatusCancelled indicates the job stopped at a device or batch
	// boundary after a cancellation request.
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the job status is final.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsActive reports whether the job may still make progress.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// Validate checks if the job status is valid.
func (s JobStatus) Validate() error {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted,
		JobStatusFailed, JobStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid job status: %s", s)
	}
}

// DeviceOutcome records what happened to a single device within a plan or job.
type DeviceOutcome string

const (
	// DeviceOutcomePending indicates the device has not been attempted yet.
	DeviceOutcomePending DeviceOutcome = "pending"

	// DeviceOutcomeSkip indicates the device was already at the desired
	// state when the plan was compiled; it is never touched or snapshotted.
	DeviceOutcomeSkip DeviceOutcome = "skip"

	// DeviceOutcomeSuccess indicates the forward operation was applied.
	DeviceOutcomeSuccess DeviceOutcome = "success"

	// DeviceOutcomeError indicates the forward operation failed.
	DeviceOutcomeError DeviceOutcome = "error"

	// DeviceOutcomeSkippedCircuitOpen indicates the device's circuit was
	// open and no call was attempted.
	DeviceOutcomeSkippedCircuitOpen DeviceOutcome = "skipped_circuit_open"

	// DeviceOutcomeRolledBack indicates the inverse operation restored the
	// device to its snapshot.
	DeviceOutcomeRolledBack DeviceOutcome = "rolled_back"

	// DeviceOutcomeRollbackFailed indicates the forward change could not be
	// undone; the device is left in the changed state.
	DeviceOutcomeRollbackFailed DeviceOutcome = "rollback_failed"
)

// Validate checks if the device outcome is valid.
func (o DeviceOutcome) Validate() error {
	switch o {
	case DeviceOutcomePending, DeviceOutcomeSkip, DeviceOutcomeSuccess,
		DeviceOutcomeError, DeviceOutcomeSkippedCircuitOpen,
		DeviceOutcomeRolledBack, DeviceOutcomeRollbackFailed:
		return nil
	default:
		return fmt.Errorf("invalid device outcome: %s", o)
	}
}

// CircuitState represents the per-device circuit breaker state.
type CircuitState string

const (
	// CircuitClosed allows calls to the device.
	CircuitClosed CircuitState = "closed"

	// CircuitOpen short-circuits calls until the backoff interval elapses.
	CircuitOpen CircuitState = "open"

	// CircuitHalfOpen allows exactly one trial call.
	CircuitHalfOpen CircuitState = "half-open"
)

// HealthState is a health checker's verdict for one device.
type HealthState string

const (
	// HealthHealthy indicates the device responded normally.
	HealthHealthy HealthState = "healthy"

	// HealthDegraded indicates the device responded but is impaired.
	HealthDegraded HealthState = "degraded"

	// HealthUnreachable indicates the device did not respond.
	HealthUnreachable HealthState = "unreachable"
)

// Environment is the deployment tier a device belongs to.
type Environment string

const (
	// EnvironmentLab is the lowest-risk tier.
	EnvironmentLab Environment = "lab"

	// EnvironmentStaging is the pre-production tier.
	EnvironmentStaging Environment = "staging"

	// EnvironmentProd is the production tier.
	EnvironmentProd Environment = "prod"
)

// RiskTier returns the relative blast-radius weight of the environment.
func (e Environment) RiskTier() int {
	switch e {
	case EnvironmentLab:
		return 1
	case EnvironmentStaging:
		return 2
	case EnvironmentProd:
		return 3
	default:
		return 3
	}
}

// Validate checks if the environment is valid.
func (e Environment) Validate() error {
	switch e {
	case EnvironmentLab, EnvironmentStaging, EnvironmentProd:
		return nil
	default:
		return fmt.Errorf("invalid environment: %s", e)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe serialization.
func (s PlanStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements JSON unmarshaling with validation.
func (s *PlanStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PlanStatus(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe serialization.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements JSON unmarshaling with validation.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = JobStatus(str)
	return s.Validate()
}
