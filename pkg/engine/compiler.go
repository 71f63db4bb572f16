package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CompileRequest describes a change to be compiled into a plan.
type CompileRequest struct {
	// DeviceIDs lists the target devices in execution order.
	DeviceIDs []string `json:"device_ids" validate:"required,min=1,max=50,dive,required"`

	// Topic selects the change provider.
	Topic ChangeTopic `json:"topic" validate:"required"`

	// Desired is the topic-specific target state.
	Desired json.RawMessage `json:"desired" validate:"required"`

	// BatchSize is the number of devices per batch.
	BatchSize int `json:"batch_size" validate:"required,min=1,max=50"`

	// PauseBetweenBatches is the soak period between successful batches.
	PauseBetweenBatches time.Duration `json:"pause_between_batches" validate:"min=0"`

	// RollbackOnFailure enables automatic rollback when execution halts.
	RollbackOnFailure bool `json:"rollback_on_failure"`

	// BestEffort drops devices that fail validation instead of failing the
	// whole compilation. Off by default: compilation is atomic.
	BestEffort bool `json:"best_effort,omitempty"`

	// RequestedBy is the operator compiling the plan.
	RequestedBy string `json:"requested_by,omitempty"`
}

// Compiler turns a change request and device set into a frozen, fingerprinted
// plan. Compilation performs read-only diff queries against devices and
// persists the plan transactionally; it never mutates device state.
type Compiler struct {
	directory DeviceDirectory
	providers map[ChangeTopic]ChangeProvider
	store     Store
	admitter  PlanAdmitter
	validate  *validator.Validate
	logger    zerolog.Logger
}

// NewCompiler creates a plan compiler. The admitter may be nil, in which case
// no admission policies are evaluated.
func NewCompiler(
	directory DeviceDirectory,
	providers []ChangeProvider,
	store Store,
	admitter PlanAdmitter,
	logger zerolog.Logger,
) *Compiler {
	byTopic := make(map[ChangeTopic]ChangeProvider, len(providers))
	for _, p := range providers {
		byTopic[p.Topic()] = p
	}

	return &Compiler{
		directory: directory,
		providers: byTopic,
		store:     store,
		admitter:  admitter,
		validate:  validator.New(),
		logger:    logger.With().Str("component", "compiler").Logger(),
	}
}

// Compile validates the request, resolves every device, diffs current vs.
// desired state, partitions devices into ordered batches, and persists the
// plan in draft status.
//
// Batch order is strictly input order. Risk scores annotate devices for
// operator review but never reorder execution, so identical inputs always
// compile to identical, auditable plans.
func (c *Compiler) Compile(ctx context.Context, req CompileRequest) (*Plan, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, NewPermanentError("invalid compile request", err).
			WithCode(ErrCodeValidation)
	}

	provider, ok := c.providers[req.Topic]
	if !ok {
		return nil, NewPermanentError(
			fmt.Sprintf("no change provider for topic %q", req.Topic), nil).
			WithCode(ErrCodeValidation)
	}

	if err := validateUnique(req.DeviceIDs); err != nil {
		return nil, err
	}

	devices, dropped, err := c.resolveDevices(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, NewPermanentError("no eligible devices remain after validation", nil).
			WithCode(ErrCodeValidation)
	}

	plan := &Plan{
		ID:                  uuid.New().String(),
		Status:              PlanStatusDraft,
		Topic:               req.Topic,
		Desired:             req.Desired,
		BatchSize:           req.BatchSize,
		PauseBetweenBatches: req.PauseBetweenBatches,
		RollbackOnFailure:   req.RollbackOnFailure,
		RiskScores:          make(map[string]int, len(devices)),
		DeviceChanges:       make(map[string]DeviceChange, len(devices)),
		DeviceStatuses:      make(map[string]DeviceOutcome, len(devices)),
		CreatedBy:           req.RequestedBy,
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}

	for _, d := range devices {
		change, err := provider.Diff(ctx, d, req.Desired)
		if err != nil {
			return nil, NewTransientError("failed to diff device", err).
				WithDevice(d.ID).WithOperation("diff")
		}

		plan.DeviceChanges[d.ID] = *change
		plan.RiskScores[d.ID] = riskScore(d, len(devices))
		if change.AlreadyApplied {
			// No-op devices still occupy their batch slot so progression
			// and audit match the requested device set.
			plan.DeviceStatuses[d.ID] = DeviceOutcomeSkip
		} else {
			plan.DeviceStatuses[d.ID] = DeviceOutcomePending
		}
	}

	plan.Batches = partitionBatches(devices, req.BatchSize)

	fp, err := plan.ComputeFingerprint()
	if err != nil {
		return nil, err
	}
	plan.Fingerprint = fp

	if c.admitter != nil {
		denials, warnings, err := c.admitter.AdmitPlan(ctx, plan, devices)
		if err != nil {
			return nil, NewPermanentError("admission policy evaluation failed", err).
				WithCode(ErrCodeInternal)
		}
		if len(denials) > 0 {
			return nil, NewPermanentError(
				fmt.Sprintf("plan denied by policy: %v", denials), nil).
				WithCode(ErrCodeAuthorization)
		}
		plan.PolicyWarnings = warnings
	}

	if err := c.store.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to persist plan: %w", err)
	}

	c.audit(ctx, plan, dropped, req.RequestedBy)

	c.logger.Info().
		Str("plan_id", plan.ID).
		Str("fingerprint", plan.Fingerprint).
		Str("topic", string(plan.Topic)).
		Int("devices", len(devices)).
		Int("batches", len(plan.Batches)).
		Msg("Plan compiled")

	return plan, nil
}

// RiskSummary builds the operator-facing risk aggregate for a plan.
func (c *Compiler) RiskSummary(plan *Plan) RiskSummary {
	s := RiskSummary{ByDevice: plan.RiskScores}
	for _, score := range plan.RiskScores {
		s.Total += score
		if score > s.Max {
			s.Max = score
		}
	}
	return s
}

// resolveDevices looks up and gates every requested device. With BestEffort
// unset, the first violation fails the whole compilation so no partial plan
// is ever persisted.
func (c *Compiler) resolveDevices(ctx context.Context, req CompileRequest) ([]Device, []string, error) {
	devices := make([]Device, 0, len(req.DeviceIDs))
	var dropped []string

	for _, id := range req.DeviceIDs {
		device, err := c.directory.GetDevice(ctx, id)
		if err != nil {
			if req.BestEffort {
				dropped = append(dropped, id)
				continue
			}
			return nil, nil, NewPermanentError("unknown device", err).
				WithCode(ErrCodeDeviceNotFound).WithDevice(id)
		}

		if err := c.gateDevice(*device, req.Topic); err != nil {
			if req.BestEffort {
				dropped = append(dropped, id)
				continue
			}
			return nil, nil, err
		}

		devices = append(devices, *device)
	}

	return devices, dropped, nil
}

// gateDevice enforces the capability and reachability gate for one device.
// Failures name the offending device rather than an opaque batch error.
func (c *Compiler) gateDevice(d Device, topic ChangeTopic) error {
	if err := d.Environment.Validate(); err != nil {
		return NewPermanentError("device has invalid environment", err).
			WithCode(ErrCodeValidation).WithDevice(d.ID)
	}
	if !d.HasCapability(topic) {
		return NewPermanentError(
			fmt.Sprintf("device lacks capability %q", topic), nil).
			WithCode(ErrCodeAuthorization).WithDevice(d.ID)
	}
	if !d.Healthy {
		return NewPermanentError("device unreachable per last-known health", nil).
			WithCode(ErrCodeAuthorization).WithDevice(d.ID)
	}
	return nil
}

func (c *Compiler) audit(ctx context.Context, plan *Plan, dropped []string, actor string) {
	details, _ := json.Marshal(map[string]interface{}{
		"fingerprint":     plan.Fingerprint,
		"topic":           plan.Topic,
		"devices":         len(plan.DeviceChanges),
		"dropped_devices": dropped,
	})

	entry := &AuditEntry{
		Action:    "plan.compiled",
		Actor:     actor,
		TargetID:  plan.ID,
		Details:   string(details),
		Timestamp: time.Now().UTC(),
	}
	if err := c.store.AppendAudit(ctx, entry); err != nil {
		c.logger.Warn().Err(err).Str("plan_id", plan.ID).Msg("Failed to append audit entry")
	}
}

// partitionBatches splits devices into ordered batches of at most batchSize,
// preserving input order.
func partitionBatches(devices []Device, batchSize int) []Batch {
	batches := make([]Batch, 0, (len(devices)+batchSize-1)/batchSize)
	for i := 0; i < len(devices); i += batchSize {
		end := i + batchSize
		if end > len(devices) {
			end = len(devices)
		}
		ids := make([]string, 0, end-i)
		for _, d := range devices[i:end] {
			ids = append(ids, d.ID)
		}
		batches = append(batches, Batch{Index: len(batches), DeviceIDs: ids})
	}
	return batches
}

// riskScore estimates a device's review-time risk from its environment tier
// and the fleet fraction the plan touches. Purely informational.
func riskScore(d Device, planSize int) int {
	score := d.Environment.RiskTier() * 25
	if planSize > 10 {
		score += 10
	}
	if !d.Healthy {
		score += 15
	}
	if score > 100 {
		score = 100
	}
	return score
}

func validateUnique(ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return NewPermanentError(
				fmt.Sprintf("duplicate device id %q", id), nil).
				WithCode(ErrCodeValidation)
		}
		seen[id] = struct{}{}
	}
	return nil
}
