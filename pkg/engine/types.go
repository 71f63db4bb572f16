package engine

import (
	"encoding/json"
	"time"
)

// Device is the directory's read-only view of a managed router.
// The orchestration engine references devices but never mutates them.
type Device struct {
	// ID is the unique device identifier.
	ID string `json:"id"`

	// Address is the management address (host or host:port).
	Address string `json:"address"`

	// Environment is the deployment tier (lab, staging, prod).
	Environment Environment `json:"environment"`

	// Capabilities lists the change topics this device supports (e.g. "dns", "ntp").
	Capabilities []string `json:"capabilities,omitempty"`

	// MaxConcurrent caps parallel management operations against this device.
	// The executor holds the cap structurally: a device appears in exactly
	// one batch per plan and is handled by a single pool worker, so at most
	// one operation is ever in flight against it. The field records the
	// device's advertised limit for clients that multiplex calls.
	MaxConcurrent int `json:"max_concurrent"`

	// Healthy is the last-known reachability verdict from the directory.
	Healthy bool `json:"healthy"`
}

// HasCapability reports whether the device supports the given change topic.
func (d Device) HasCapability(topic ChangeTopic) bool {
	for _, c := range d.Capabilities {
		if c == string(topic) {
			return true
		}
	}
	return false
}

// ChangeTopic names a configuration area a change provider manages.
type ChangeTopic string

const (
	// TopicDNS covers the device's DNS resolver configuration.
	TopicDNS ChangeTopic = "dns"

	// TopicNTP covers the device's NTP client configuration.
	TopicNTP ChangeTopic = "ntp"
)

// Operation is a single device-scoped configuration call.
type Operation struct {
	// Path is the REST path relative to the device API root (e.g. "/ip/dns").
	Path string `json:"path"`

	// Method is the HTTP method (GET, PATCH, PUT, POST).
	Method string `json:"method"`

	// Body is the request payload, if any.
	Body json.RawMessage `json:"body,omitempty"`
}

// DeviceChange is the frozen forward/inverse operation pair for one device,
// produced by a change provider's diff at compile time.
type DeviceChange struct {
	// DeviceID is the device this change applies to.
	DeviceID string `json:"device_id"`

	// Forward applies the desired state.
	Forward Operation `json:"forward"`

	// Inverse restores the state observed at diff time.
	Inverse Operation `json:"inverse"`

	// AlreadyApplied indicates the device was at the desired state when diffed.
	AlreadyApplied bool `json:"already_applied"`
}

// Batch is an ordered subset of a plan's devices executed together before a
// health-check gate.
type Batch struct {
	// Index is the batch position in plan order.
	Index int `json:"index"`

	// DeviceIDs lists the batch members in input order.
	DeviceIDs []string `json:"device_ids"`
}

// Plan is a frozen, fingerprinted description of a multi-device change.
// Once compiled, its content never changes; any edit requires recompilation,
// which produces a new fingerprint and invalidates prior approvals.
type Plan struct {
	// ID is the unique plan identifier.
	ID string `json:"id"`

	// Fingerprint is the deterministic hash of the plan's frozen inputs.
	Fingerprint string `json:"fingerprint"`

	// Status is the plan lifecycle state.
	Status PlanStatus `json:"status"`

	// Topic is the change topic this plan applies.
	Topic ChangeTopic `json:"topic"`

	// Desired is the topic-specific target state shared by every device.
	Desired json.RawMessage `json:"desired"`

	// Batches are the ordered execution groups.
	Batches []Batch `json:"batches"`

	// BatchSize is the requested devices-per-batch.
	BatchSize int `json:"batch_size"`

	// PauseBetweenBatches is the soak period after each successful batch.
	PauseBetweenBatches time.Duration `json:"pause_between_batches"`

	// RollbackOnFailure controls whether a halt triggers automatic rollback
	// of every device touched so far.
	RollbackOnFailure bool `json:"rollback_on_failure"`

	// RiskScores annotates each device with a review-time risk estimate.
	// Scores are informational; they never reorder batches.
	RiskScores map[string]int `json:"risk_scores"`

	// DeviceChanges holds the frozen forward/inverse pair per device.
	DeviceChanges map[string]DeviceChange `json:"device_changes"`

	// DeviceStatuses records the per-device outcome, keyed by device ID.
	DeviceStatuses map[string]DeviceOutcome `json:"device_statuses"`

	// PolicyWarnings lists advisory admission-policy findings recorded at compile time.
	PolicyWarnings []string `json:"policy_warnings,omitempty"`

	// RejectReason is set when an operator rejects the plan.
	RejectReason string `json:"reject_reason,omitempty"`

	// CreatedBy is the requesting operator.
	CreatedBy string `json:"created_by,omitempty"`

	// CreatedAt is when the plan was compiled.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the plan record last changed.
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the record version for optimistic locking.
	Version int64 `json:"version"`
}

// DeviceIDs returns every device in the plan, in batch order.
func (p *Plan) DeviceIDs() []string {
	ids := make([]string, 0, len(p.DeviceChanges))
	for _, b := range p.Batches {
		ids = append(ids, b.DeviceIDs...)
	}
	return ids
}

// RiskSummary aggregates per-device risk scores for operator review.
type RiskSummary struct {
	// Total is the sum of all device scores.
	Total int `json:"total"`

	// Max is the highest single-device score.
	Max int `json:"max"`

	// ByDevice is the per-device breakdown.
	ByDevice map[string]int `json:"by_device"`
}

// ApprovalToken binds a plan fingerprint to a signed, expiring, single-use
// authorization issued by an operator.
type ApprovalToken struct {
	// PlanID is the approved plan.
	PlanID string `json:"plan_id"`

	// Fingerprint is the plan fingerprint at approval time.
	Fingerprint string `json:"fingerprint"`

	// Issuer is the approving operator.
	Issuer string `json:"issuer"`

	// IssuedAt is the signing time.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is IssuedAt plus the configured TTL.
	ExpiresAt time.Time `json:"expires_at"`

	// Nonce makes the token single-use; it is consumed atomically at apply time.
	Nonce string `json:"nonce"`

	// Signature authenticates the fields above.
	Signature string `json:"signature"`
}

// DeviceResult is the recorded outcome of one device operation within a job.
type DeviceResult struct {
	// DeviceID is the device this result belongs to.
	DeviceID string `json:"device_id"`

	// Outcome is the forward-operation outcome.
	Outcome DeviceOutcome `json:"outcome"`

	// Latency is the forward-operation duration.
	Latency time.Duration `json:"latency,omitempty"`

	// Error is the forward-operation failure message, if any.
	Error string `json:"error,omitempty"`

	// BatchIndex is the batch the device executed in.
	BatchIndex int `json:"batch_index"`

	// RollbackError is set when the inverse operation failed. It is recorded
	// separately so operators can distinguish "change failed" from "change
	// failed and could not be undone".
	RollbackError string `json:"rollback_error,omitempty"`
}

// Job is one execution attempt of an approved plan.
type Job struct {
	// ID is the unique job identifier.
	ID string `json:"id"`

	// PlanID is the plan being executed.
	PlanID string `json:"plan_id"`

	// Status is the job state.
	Status JobStatus `json:"status"`

	// ProgressPercent is the fraction of devices with a recorded outcome, 0-100.
	ProgressPercent int `json:"progress_percent"`

	// CurrentBatchIndex is the next batch to execute. A reclaimed job
	// resumes here, so it only advances after a batch's results are durable.
	CurrentBatchIndex int `json:"current_batch_index"`

	// CurrentDeviceID is the most recently started device, for inspection.
	CurrentDeviceID string `json:"current_device_id,omitempty"`

	// CancellationRequested asks the executor to stop at the next device or
	// batch boundary. In-flight device calls are never aborted.
	CancellationRequested bool `json:"cancellation_requested"`

	// ResultSummary records the per-device outcome, keyed by device ID.
	ResultSummary map[string]DeviceResult `json:"result_summary"`

	// StartedAt is when a worker first claimed the job.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the job reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// CreatedAt is when apply was invoked.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the job record last changed.
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the record version for optimistic locking.
	Version int64 `json:"version"`
}

// Snapshot is the captured pre-change state for one device in one job,
// written once immediately before the forward operation is first attempted.
type Snapshot struct {
	// JobID is the job the snapshot belongs to.
	JobID string `json:"job_id"`

	// DeviceID is the device whose state was captured.
	DeviceID string `json:"device_id"`

	// PriorState is the device state observed before the change.
	PriorState json.RawMessage `json:"prior_state"`

	// Inverse is the operation that restores PriorState.
	Inverse Operation `json:"inverse"`

	// TakenAt is the capture time.
	TakenAt time.Time `json:"taken_at"`
}

// DeviceFailureState is the per-device circuit breaker record. It outlives
// any single job so repeated plan attempts do not hammer a flapping device.
type DeviceFailureState struct {
	// DeviceID is the device this state tracks.
	DeviceID string `json:"device_id"`

	// ConsecutiveFailures counts failures since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// NextEligibleAt is the earliest time another call may be attempted
	// while the circuit is open.
	NextEligibleAt time.Time `json:"next_eligible_at"`

	// State is the circuit state.
	State CircuitState `json:"state"`

	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// JobLease is the exclusive-executor record for a job. Workers acquire and
// renew it with conditional store updates; an expired lease may be reclaimed.
type JobLease struct {
	// JobID is the leased job.
	JobID string `json:"job_id"`

	// Owner identifies the holding worker.
	Owner string `json:"owner"`

	// ExpiresAt is when the lease lapses unless renewed.
	ExpiresAt time.Time `json:"expires_at"`

	// Version is the record version for conditional renewal.
	Version int64 `json:"version"`
}

// AuditEntry records an operator- or engine-initiated transition.
type AuditEntry struct {
	// ID is the append-order identifier.
	ID int64 `json:"id"`

	// Action is the transition name (e.g. "plan.compiled", "plan.approved").
	Action string `json:"action"`

	// Actor is the operator or worker responsible.
	Actor string `json:"actor"`

	// TargetID is the plan or job affected.
	TargetID string `json:"target_id,omitempty"`

	// Details is an optional JSON blob of context.
	Details string `json:"details,omitempty"`

	// Timestamp is when the action occurred.
	Timestamp time.Time `json:"timestamp"`
}

// RollbackResult is the outcome map of a rollback pass over a job.
type RollbackResult struct {
	// JobID is the job whose snapshots were replayed.
	JobID string `json:"job_id"`

	// Outcomes records the per-device rollback verdict.
	Outcomes map[string]DeviceOutcome `json:"outcomes"`

	// Errors records the per-device rollback failure messages.
	Errors map[string]string `json:"errors,omitempty"`
}

// Complete reports whether every device rolled back successfully.
func (r *RollbackResult) Complete() bool {
	for _, o := range r.Outcomes {
		if o != DeviceOutcomeRolledBack {
			return false
		}
	}
	return true
}
