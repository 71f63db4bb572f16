package engine

import (
	"context"
	"encoding/json"
	"time"
)

// DeviceDirectory is the read-only view of device identity, environment, and
// capabilities consumed by the compiler and executor.
type DeviceDirectory interface {
	// GetDevice returns a device by ID, or a DEVICE_NOT_FOUND error.
	GetDevice(ctx context.Context, id string) (*Device, error)

	// ListDevices returns devices matching the filter.
	ListDevices(ctx context.Context, filter DeviceFilter) ([]Device, error)
}

// DeviceFilter selects a subset of the directory.
type DeviceFilter struct {
	// Environment restricts to one tier when set.
	Environment Environment `json:"environment,omitempty"`

	// Capability restricts to devices supporting the topic when set.
	Capability string `json:"capability,omitempty"`
}

// ChangeProvider computes current-vs-desired diffs and forward/inverse
// operation pairs for one change topic. Providers are a fixed set, one per
// topic; there is no runtime registration.
type ChangeProvider interface {
	// Topic returns the change topic this provider manages.
	Topic() ChangeTopic

	// Diff reads the device's current state and returns the frozen
	// forward/inverse pair for the desired state.
	Diff(ctx context.Context, device Device, desired json.RawMessage) (*DeviceChange, error)

	// CaptureState reads the device's current topic state, used to snapshot
	// immediately before a forward operation is applied.
	CaptureState(ctx context.Context, device Device) (json.RawMessage, error)

	// Inverse builds the operation that restores a previously captured state.
	Inverse(device Device, prior json.RawMessage) (Operation, error)
}

// DeviceClient performs a single configuration call against a device with a
// bounded timeout. Single-call retry behavior lives below this interface; the
// engine's own retry discipline is the per-device circuit breaker.
type DeviceClient interface {
	Execute(ctx context.Context, device Device, op Operation, timeout time.Duration) (json.RawMessage, error)
}

// HealthChecker reports post-batch device health. The executor treats the
// check as a synchronization barrier: every batch outcome is recorded before
// the check runs.
type HealthChecker interface {
	Check(ctx context.Context, devices []Device) (map[string]HealthState, error)
}

// PlanAdmitter evaluates admission policies against a compiled plan before
// it is persisted.
type PlanAdmitter interface {
	// AdmitPlan returns deny messages (blocking) and warnings (advisory).
	AdmitPlan(ctx context.Context, plan *Plan, devices []Device) (denials, warnings []string, err error)
}

// Store is the durable, transactional system of record for plans, jobs,
// snapshots, circuit state, leases, and the audit trail. All status mutation
// goes through conditional updates keyed by record version; a lost race
// surfaces as a CONCURRENT_MODIFICATION conflict error.
type Store interface {
	// Plan records.
	CreatePlan(ctx context.Context, plan *Plan) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
	UpdatePlan(ctx context.Context, plan *Plan) error
	ListPlans(ctx context.Context, limit, offset int) ([]*Plan, error)

	// Job records.
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	UpdateJob(ctx context.Context, job *Job) error
	ListJobsByPlan(ctx context.Context, planID string) ([]*Job, error)

	// ActiveJobForPlan returns the pending or running job for a plan, or a
	// NOT_FOUND error when none exists. At most one job per plan is active.
	ActiveJobForPlan(ctx context.Context, planID string) (*Job, error)

	// NextPendingJob returns the oldest claimable job, or a NOT_FOUND error
	// when the queue is empty. A job is claimable when it is pending with no
	// unexpired lease, or running with an expired lease (its worker died and
	// the job awaits reclaim).
	NextPendingJob(ctx context.Context) (*Job, error)

	// Job leases. Acquisition and renewal are conditional compare-and-swap
	// updates; a held, unexpired lease yields a LEASE_HELD conflict error.
	AcquireJobLease(ctx context.Context, jobID, owner string, ttl time.Duration) (*JobLease, error)
	RenewJobLease(ctx context.Context, jobID, owner string, ttl time.Duration) error
	ReleaseJobLease(ctx context.Context, jobID, owner string) error

	// Snapshots. SaveSnapshot is first-write-wins per (job, device): a
	// second call is a no-op preserving the original pre-change state.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	GetSnapshot(ctx context.Context, jobID, deviceID string) (*Snapshot, error)
	ListSnapshotsByJob(ctx context.Context, jobID string) ([]*Snapshot, error)

	// Per-device circuit breaker state.
	GetDeviceFailureState(ctx context.Context, deviceID string) (*DeviceFailureState, error)
	UpsertDeviceFailureState(ctx context.Context, state *DeviceFailureState) error

	// ConsumeApprovalNonce records a token nonce as used; a replay returns a
	// TOKEN_ALREADY_USED error.
	ConsumeApprovalNonce(ctx context.Context, nonce, planID string) error

	// Audit trail.
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, targetID string, limit, offset int) ([]*AuditEntry, error)

	// Ping verifies the store is reachable; workers surface failures as
	// readiness, not silent retries.
	Ping(ctx context.Context) error
}
