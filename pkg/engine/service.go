package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service is the operator-facing facade over the engine: compile, approve,
// apply, inspect, cancel, and manually roll back plans. It owns the status
// transitions the executor does not.
type Service struct {
	store     Store
	directory DeviceDirectory
	compiler  *Compiler
	gate      *ApprovalGate
	rollback  *RollbackManager
	logger    zerolog.Logger
}

// NewService creates the engine facade.
func NewService(store Store, directory DeviceDirectory, compiler *Compiler, gate *ApprovalGate, rollback *RollbackManager, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		directory: directory,
		compiler:  compiler,
		gate:      gate,
		rollback:  rollback,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// CompilePlan compiles a new draft plan from a change request.
func (s *Service) CompilePlan(ctx context.Context, req CompileRequest) (*Plan, error) {
	return s.compiler.Compile(ctx, req)
}

// GetPlan returns a plan by ID.
func (s *Service) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	return s.store.GetPlan(ctx, planID)
}

// ListPlans returns a page of plans, newest first.
func (s *Service) ListPlans(ctx context.Context, limit, offset int) ([]*Plan, error) {
	return s.store.ListPlans(ctx, limit, offset)
}

// ApprovePlan issues a signed approval token for a draft or approved plan
// and returns it in encoded form for the operator to present at apply time.
func (s *Service) ApprovePlan(ctx context.Context, planID, issuer string) (string, error) {
	token, err := s.gate.Approve(ctx, planID, issuer)
	if err != nil {
		return "", err
	}
	return EncodeToken(token)
}

// RejectPlan marks a draft plan rejected with the operator's reason.
func (s *Service) RejectPlan(ctx context.Context, planID, actor, reason string) error {
	return s.gate.Reject(ctx, planID, actor, reason)
}

// ApplyPlan validates and consumes an approval token, transitions the plan to
// executing, and enqueues a pending job for a worker to claim. At most one
// job per plan may be active.
func (s *Service) ApplyPlan(ctx context.Context, planID, encodedToken, actor string) (*Job, error) {
	token, err := DecodeToken(encodedToken)
	if err != nil {
		return nil, err
	}

	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != PlanStatusApproved {
		return nil, NewPermanentError(
			fmt.Sprintf("plan %s is %s, only approved plans can be applied", planID, plan.Status), nil).
			WithCode(ErrCodeValidation)
	}

	if err := s.gate.Validate(token, plan); err != nil {
		return nil, err
	}

	if existing, err := s.store.ActiveJobForPlan(ctx, planID); err == nil {
		return nil, NewConflictError(
			fmt.Sprintf("plan %s already has active job %s", planID, existing.ID), nil).
			WithCode(ErrCodeConcurrentModification)
	} else if !HasCode(err, ErrCodeNotFound) {
		return nil, err
	}

	// The nonce burn is the point of no return: a second apply with the
	// same token fails here even if a later step below does not finish.
	// The burn, job insert, and plan transition are separate store calls,
	// so each crash window must leave a recoverable state: a burn with no
	// job leaves the plan approved, which re-approval repairs with a fresh
	// token; a job with no plan transition is repaired by the executor,
	// which moves the plan to executing when the job starts.
	if err := s.gate.Consume(ctx, token); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &Job{
		ID:            uuid.New().String(),
		PlanID:        planID,
		Status:        JobStatusPending,
		ResultSummary: make(map[string]DeviceResult),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	plan.Status = PlanStatusExecuting
	plan.UpdatedAt = now
	if err := s.store.UpdatePlan(ctx, plan); err != nil {
		// The job is already queued; the executor finishes the transition.
		s.logger.Warn().Err(err).Str("plan_id", planID).
			Msg("Plan transition deferred to executor")
	}

	s.audit(ctx, "plan.applied", actor, planID, map[string]interface{}{
		"job_id":      job.ID,
		"fingerprint": plan.Fingerprint,
		"issuer":      token.Issuer,
	})

	s.logger.Info().
		Str("plan_id", planID).
		Str("job_id", job.ID).
		Str("actor", actor).
		Msg("Plan apply accepted")
	return job, nil
}

// GetJob returns a job by ID.
func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// ListJobs returns every execution attempt of a plan.
func (s *Service) ListJobs(ctx context.Context, planID string) ([]*Job, error) {
	return s.store.ListJobsByPlan(ctx, planID)
}

// CancelJob requests cooperative cancellation of an active job. The executor
// honors it at the next device or batch boundary; in-flight device calls run
// to completion.
func (s *Service) CancelJob(ctx context.Context, jobID, actor string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return NewPermanentError(
			fmt.Sprintf("job %s is already %s", jobID, job.Status), nil).
			WithCode(ErrCodeValidation)
	}
	if job.CancellationRequested {
		return nil
	}

	job.CancellationRequested = true
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	s.audit(ctx, "job.cancel_requested", actor, jobID, nil)
	s.logger.Info().Str("job_id", jobID).Str("actor", actor).Msg("Job cancellation requested")
	return nil
}

// RollbackPlan manually rolls back a plan's most recent job using its stored
// snapshots. It applies to terminal plans whose changes were left in place,
// such as a failed plan without automatic rollback or a cancelled one.
func (s *Service) RollbackPlan(ctx context.Context, planID, actor string) (*RollbackResult, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.Status.IsTerminal() {
		return nil, NewConflictError(
			fmt.Sprintf("plan %s is %s, wait for it to reach a terminal status", planID, plan.Status), nil).
			WithCode(ErrCodeConcurrentModification)
	}
	if plan.Status == PlanStatusRolledBack {
		return nil, NewPermanentError(
			fmt.Sprintf("plan %s is already rolled back", planID), nil).
			WithCode(ErrCodeValidation)
	}

	jobs, err := s.store.ListJobsByPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, NewPermanentError(
			fmt.Sprintf("plan %s has no execution to roll back", planID), nil).
			WithCode(ErrCodeNotFound)
	}
	job := jobs[0] // newest first

	devices := make(map[string]Device)
	for _, id := range plan.DeviceIDs() {
		d, err := s.directory.GetDevice(ctx, id)
		if err != nil {
			continue
		}
		devices[id] = *d
	}

	res, err := s.rollback.Rollback(ctx, job, devices)
	if err != nil {
		return nil, err
	}

	for deviceID, outcome := range res.Outcomes {
		r := job.ResultSummary[deviceID]
		r.DeviceID = deviceID
		r.Outcome = outcome
		if msg, ok := res.Errors[deviceID]; ok {
			r.RollbackError = msg
		}
		job.ResultSummary[deviceID] = r
		plan.DeviceStatuses[deviceID] = outcome
	}

	if res.Complete() {
		plan.Status = PlanStatusRolledBack
	} else {
		plan.Status = PlanStatusPartiallyRolledBack
	}
	plan.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePlan(ctx, plan); err != nil {
		return nil, err
	}

	s.audit(ctx, "plan.rolled_back", actor, planID, map[string]interface{}{
		"job_id":      job.ID,
		"plan_status": plan.Status,
	})
	return res, nil
}

// Audit returns the audit trail for a plan or job.
func (s *Service) Audit(ctx context.Context, targetID string, limit, offset int) ([]*AuditEntry, error) {
	return s.store.ListAudit(ctx, targetID, limit, offset)
}

func (s *Service) audit(ctx context.Context, action, actor, targetID string, details map[string]interface{}) {
	var blob string
	if details != nil {
		b, err := json.Marshal(details)
		if err == nil {
			blob = string(b)
		}
	}
	entry := &AuditEntry{
		Action:    action,
		Actor:     actor,
		TargetID:  targetID,
		Details:   blob,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("Failed to append audit entry")
	}
}
