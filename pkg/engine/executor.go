package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// MetricsRecorder receives execution observations. Implementations must be
// safe for concurrent use.
type MetricsRecorder interface {
	JobStarted()
	JobFinished(status JobStatus, duration time.Duration)
	DeviceOperation(outcome DeviceOutcome, duration time.Duration)
	BatchExecuted(duration time.Duration)
}

// ExecutorConfig tunes the job execution engine.
type ExecutorConfig struct {
	// GlobalConcurrency caps parallel device operations across a batch so a
	// wide batch cannot saturate the management network.
	GlobalConcurrency int

	// DegradedThreshold is the batch degraded-fraction above which further
	// batches are halted (0.2 halts when more than 20% of a batch is unwell).
	DegradedThreshold float64

	// CallTimeout bounds each forward, inverse, and snapshot device call.
	CallTimeout time.Duration

	// CancelPollInterval is how often the soak pause re-checks cancellation.
	CancelPollInterval time.Duration
}

// DefaultExecutorConfig returns the standard executor tuning.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		GlobalConcurrency:  8,
		DegradedThreshold:  0.2,
		CallTimeout:        30 * time.Second,
		CancelPollInterval: time.Second,
	}
}

// Executor drives a claimed job through its state machine: batch-by-batch
// forward execution with bounded parallelism, a health-check barrier after
// every batch, cooperative cancellation at device and batch boundaries, and
// rollback of the whole job when a batch degrades past the threshold.
type Executor struct {
	store     Store
	directory DeviceDirectory
	providers map[ChangeTopic]ChangeProvider
	client    DeviceClient
	health    HealthChecker
	breaker   *Breaker
	rollback  *RollbackManager
	metrics   MetricsRecorder
	tracer    trace.Tracer
	cfg       ExecutorConfig
	logger    zerolog.Logger
}

// NewExecutor creates a job executor. metrics and tracer may be nil.
func NewExecutor(
	store Store,
	directory DeviceDirectory,
	providers []ChangeProvider,
	client DeviceClient,
	health HealthChecker,
	breaker *Breaker,
	rollback *RollbackManager,
	metrics MetricsRecorder,
	tracer trace.Tracer,
	cfg ExecutorConfig,
	logger zerolog.Logger,
) *Executor {
	byTopic := make(map[ChangeTopic]ChangeProvider, len(providers))
	for _, p := range providers {
		byTopic[p.Topic()] = p
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("engine")
	}
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = DefaultExecutorConfig().GlobalConcurrency
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = time.Second
	}

	return &Executor{
		store:     store,
		directory: directory,
		providers: byTopic,
		client:    client,
		health:    health,
		breaker:   breaker,
		rollback:  rollback,
		metrics:   metrics,
		tracer:    tracer,
		cfg:       cfg,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// Run executes one job to a terminal status. The caller must hold the job's
// lease. A job reclaimed after a crash resumes at CurrentBatchIndex; the
// interrupted batch re-runs, which is safe because forward operations write
// desired state idempotently and snapshots are first-write-wins.
func (e *Executor) Run(ctx context.Context, jobID string) error {
	ctx, span := e.tracer.Start(ctx, "job.execute",
		trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	plan, err := e.store.GetPlan(ctx, job.PlanID)
	if err != nil {
		return err
	}

	provider, ok := e.providers[plan.Topic]
	if !ok {
		return NewPermanentError(
			fmt.Sprintf("no change provider for topic %q", plan.Topic), nil).
			WithCode(ErrCodeInternal)
	}

	devices, err := e.resolveDevices(ctx, plan)
	if err != nil {
		return err
	}

	start := time.Now()
	if job.Status == JobStatusPending {
		now := time.Now().UTC()
		job.Status = JobStatusRunning
		job.StartedAt = &now
		e.prefillSkips(job, plan)
		if err := e.store.UpdateJob(ctx, job); err != nil {
			return err
		}
		// An apply that died between queueing the job and transitioning
		// the plan leaves the plan approved; finish the transition here.
		if plan.Status == PlanStatusApproved {
			plan.Status = PlanStatusExecuting
			plan.UpdatedAt = now
			if err := e.store.UpdatePlan(ctx, plan); err != nil {
				return err
			}
		}
		if e.metrics != nil {
			e.metrics.JobStarted()
		}
	}

	logger := e.logger.With().Str("job_id", job.ID).Str("plan_id", plan.ID).Logger()
	logger.Info().Int("batches", len(plan.Batches)).Int("resume_batch", job.CurrentBatchIndex).Msg("Job execution started")

	for bi := job.CurrentBatchIndex; bi < len(plan.Batches); bi++ {
		if e.cancellationRequested(ctx, job) {
			return e.finalizeCancelled(ctx, job, plan, start)
		}

		batch := plan.Batches[bi]
		cancelled, err := e.runBatch(ctx, job, plan, provider, devices, batch)
		if err != nil {
			return err
		}

		// A cancellation observed mid-batch ends the job here, with the
		// batch's outcomes persisted by the terminal write, before the
		// health gate can roll it back.
		if cancelled || e.cancellationRequested(ctx, job) {
			return e.finalizeCancelled(ctx, job, plan, start)
		}

		// Every device outcome is durable before the health check runs:
		// the check is the batch's synchronization barrier.
		e.updateProgress(job, plan)
		if err := e.store.UpdateJob(ctx, job); err != nil {
			return err
		}

		fraction, err := e.degradedFraction(ctx, devices, batch)
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown, not a health verdict. The job stays running so
				// another worker reclaims it once the lease expires.
				return NewTransientError("job execution interrupted during health check", ctx.Err()).
					WithCode(ErrCodeInternal)
			}
			logger.Warn().Err(err).Int("batch", bi).Msg("Health check failed, treating batch as degraded")
			fraction = 1.0
		}

		if fraction > e.cfg.DegradedThreshold {
			logger.Warn().
				Int("batch", bi).
				Float64("degraded_fraction", fraction).
				Float64("threshold", e.cfg.DegradedThreshold).
				Msg("Batch degraded past threshold, halting")
			return e.halt(ctx, job, plan, devices, start, fmt.Sprintf(
				"batch %d degraded fraction %.2f exceeds threshold %.2f",
				bi, fraction, e.cfg.DegradedThreshold))
		}

		job.CurrentBatchIndex = bi + 1
		if err := e.store.UpdateJob(ctx, job); err != nil {
			return err
		}

		// Soak between batches to surface delayed-onset issues before
		// widening the blast radius. Interruptible by cancellation.
		if bi < len(plan.Batches)-1 && plan.PauseBetweenBatches > 0 {
			cancelled, err := e.pause(ctx, job, plan.PauseBetweenBatches)
			if err != nil {
				// Process shutdown or lease loss. The job stays running so
				// another worker reclaims it once the lease expires.
				return err
			}
			if cancelled {
				return e.finalizeCancelled(ctx, job, plan, start)
			}
		}
	}

	return e.finalize(ctx, job, plan, start)
}

// runBatch fans the batch's devices out over a bounded worker pool and
// records every outcome into the job's result summary. Per-device failures
// never abort the batch. Returns whether a cancellation request stopped the
// pool before the batch was drained.
func (e *Executor) runBatch(
	ctx context.Context,
	job *Job,
	plan *Plan,
	provider ChangeProvider,
	devices map[string]Device,
	batch Batch,
) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "batch.execute",
		trace.WithAttributes(attribute.Int("batch.index", batch.Index)))
	defer span.End()

	batchStart := time.Now()

	workerCount := e.cfg.GlobalConcurrency
	if len(batch.DeviceIDs) < workerCount {
		workerCount = len(batch.DeviceIDs)
	}

	// Compile-time skips are frozen before the pool starts. Workers update
	// plan.DeviceStatuses under mu, so reads of it inside the pool would
	// race with sibling writes.
	skip := make(map[string]bool, len(batch.DeviceIDs))
	for _, id := range batch.DeviceIDs {
		if plan.DeviceStatuses[id] == DeviceOutcomeSkip {
			skip[id] = true
		}
	}

	queue := make(chan string, len(batch.DeviceIDs))
	for _, id := range batch.DeviceIDs {
		queue <- id
	}
	close(queue)

	var mu sync.Mutex
	var wg sync.WaitGroup
	var cancelled atomic.Bool

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for deviceID := range queue {
				// Checked at the top of each device iteration. A request
				// never aborts an operation already in flight: the worker
				// finishes its current device, then stops pulling work.
				if cancelled.Load() {
					return
				}
				if e.storedCancellation(ctx, job.ID) {
					cancelled.Store(true)
					return
				}

				if skip[deviceID] {
					continue // counted in the batch, no device I/O
				}

				mu.Lock()
				job.CurrentDeviceID = deviceID
				mu.Unlock()

				result := e.executeDevice(ctx, job, plan, provider, devices, deviceID, batch.Index)

				mu.Lock()
				job.ResultSummary[deviceID] = result
				plan.DeviceStatuses[deviceID] = result.Outcome
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if cancelled.Load() {
		job.CancellationRequested = true
	}

	if e.metrics != nil {
		e.metrics.BatchExecuted(time.Since(batchStart))
	}
	return job.CancellationRequested, nil
}

// executeDevice runs the forward operation for one device: circuit check,
// pre-change snapshot, then the call itself under the per-call timeout.
func (e *Executor) executeDevice(
	ctx context.Context,
	job *Job,
	plan *Plan,
	provider ChangeProvider,
	devices map[string]Device,
	deviceID string,
	batchIndex int,
) DeviceResult {
	ctx, span := e.tracer.Start(ctx, "device.execute",
		trace.WithAttributes(attribute.String("device.id", deviceID)))
	defer span.End()

	result := DeviceResult{DeviceID: deviceID, BatchIndex: batchIndex}

	device, ok := devices[deviceID]
	if !ok {
		result.Outcome = DeviceOutcomeError
		result.Error = "device not found in directory"
		return result
	}

	if !e.breaker.Allow(ctx, deviceID) {
		result.Outcome = DeviceOutcomeSkippedCircuitOpen
		e.logger.Info().Str("job_id", job.ID).Str("device_id", deviceID).
			Msg("Device skipped, circuit open")
		e.recordDeviceMetric(result)
		return result
	}

	// Snapshot before touching the device. A snapshot exists iff the
	// forward operation has been attempted at least once in this job.
	if err := e.rollback.Snapshot(ctx, job.ID, device, provider); err != nil {
		e.breaker.RecordFailure(ctx, deviceID)
		result.Outcome = DeviceOutcomeError
		result.Error = err.Error()
		e.recordDeviceMetric(result)
		return result
	}

	change := plan.DeviceChanges[deviceID]
	callStart := time.Now()
	_, err := e.client.Execute(ctx, device, change.Forward, e.cfg.CallTimeout)
	result.Latency = time.Since(callStart)

	if err != nil {
		e.breaker.RecordFailure(ctx, deviceID)
		result.Outcome = DeviceOutcomeError
		result.Error = err.Error()
		e.logger.Warn().Err(err).
			Str("job_id", job.ID).
			Str("device_id", deviceID).
			Dur("latency", result.Latency).
			Msg("Forward operation failed")
	} else {
		e.breaker.RecordSuccess(ctx, deviceID)
		result.Outcome = DeviceOutcomeSuccess
		e.logger.Debug().
			Str("job_id", job.ID).
			Str("device_id", deviceID).
			Dur("latency", result.Latency).
			Msg("Forward operation applied")
	}

	e.recordDeviceMetric(result)
	return result
}

// degradedFraction runs the post-batch health check and returns the fraction
// of the batch's devices reported degraded or unreachable.
func (e *Executor) degradedFraction(ctx context.Context, devices map[string]Device, batch Batch) (float64, error) {
	batchDevices := make([]Device, 0, len(batch.DeviceIDs))
	for _, id := range batch.DeviceIDs {
		if d, ok := devices[id]; ok {
			batchDevices = append(batchDevices, d)
		}
	}
	if len(batchDevices) == 0 {
		return 0, nil
	}

	states, err := e.health.Check(ctx, batchDevices)
	if err != nil {
		return 0, err
	}

	unwell := 0
	for _, d := range batchDevices {
		if s, ok := states[d.ID]; !ok || s != HealthHealthy {
			unwell++
		}
	}
	return float64(unwell) / float64(len(batchDevices)), nil
}

// halt stops batch progression. With rollback enabled, every device touched
// so far in the job is rolled back, not only the failing batch, because
// later batches depend on earlier ones having succeeded.
func (e *Executor) halt(ctx context.Context, job *Job, plan *Plan, devices map[string]Device, start time.Time, reason string) error {
	if plan.RollbackOnFailure {
		res, err := e.rollback.Rollback(ctx, job, devices)
		if err != nil {
			return err
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
	} else {
		plan.Status = PlanStatusFailed
	}

	job.Status = JobStatusFailed
	return e.persistTerminal(ctx, job, plan, start, "job.halted", reason)
}

// finalize records the terminal status after all batches ran. Completion
// requires zero failures among non-skipped devices; a device the breaker
// short-circuited never reached desired state, so it fails the plan too.
func (e *Executor) finalize(ctx context.Context, job *Job, plan *Plan, start time.Time) error {
	failed := false
	for _, r := range job.ResultSummary {
		if r.Outcome == DeviceOutcomeError || r.Outcome == DeviceOutcomeSkippedCircuitOpen {
			failed = true
			break
		}
	}

	if failed {
		job.Status = JobStatusFailed
		plan.Status = PlanStatusFailed
	} else {
		job.Status = JobStatusCompleted
		plan.Status = PlanStatusCompleted
	}

	return e.persistTerminal(ctx, job, plan, start, "job.finished", "")
}

func (e *Executor) finalizeCancelled(ctx context.Context, job *Job, plan *Plan, start time.Time) error {
	job.Status = JobStatusCancelled
	plan.Status = PlanStatusCancelled
	return e.persistTerminal(ctx, job, plan, start, "job.cancelled", "")
}

func (e *Executor) persistTerminal(ctx context.Context, job *Job, plan *Plan, start time.Time, action, reason string) error {
	now := time.Now().UTC()
	job.CompletedAt = &now
	job.CurrentDeviceID = ""
	e.updateProgress(job, plan)

	if err := e.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	plan.UpdatedAt = now
	if err := e.store.UpdatePlan(ctx, plan); err != nil {
		return err
	}

	details, _ := json.Marshal(map[string]interface{}{
		"job_status":  job.Status,
		"plan_status": plan.Status,
		"reason":      reason,
	})
	entry := &AuditEntry{
		Action:    action,
		Actor:     "executor",
		TargetID:  job.ID,
		Details:   string(details),
		Timestamp: now,
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to append audit entry")
	}

	if e.metrics != nil {
		e.metrics.JobFinished(job.Status, time.Since(start))
	}

	e.logger.Info().
		Str("job_id", job.ID).
		Str("job_status", string(job.Status)).
		Str("plan_status", string(plan.Status)).
		Msg("Job reached terminal status")
	return nil
}

// pause sleeps the soak period between batches, waking periodically to check
// for cancellation. Returns true when an operator requested cancellation; a
// cancelled context is an error, not a cancellation, so the job is left
// running for reclaim instead of being finalized.
func (e *Executor) pause(ctx context.Context, job *Job, d time.Duration) (bool, error) {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		tick := e.cfg.CancelPollInterval
		if remaining < tick {
			tick = remaining
		}
		select {
		case <-ctx.Done():
			return false, NewTransientError("job execution interrupted during soak pause", ctx.Err()).
				WithCode(ErrCodeInternal)
		case <-time.After(tick):
			if e.cancellationRequested(ctx, job) {
				return true, nil
			}
		}
	}
}

// cancellationRequested reports whether the operator asked for this job to
// stop, caching a positive answer on the job. Single-goroutine callers only;
// pool workers use storedCancellation.
func (e *Executor) cancellationRequested(ctx context.Context, job *Job) bool {
	if job.CancellationRequested {
		return true
	}
	if e.storedCancellation(ctx, job.ID) {
		job.CancellationRequested = true
	}
	return job.CancellationRequested
}

// storedCancellation re-reads the job record so requests made through any
// process instance are observed.
func (e *Executor) storedCancellation(ctx context.Context, jobID string) bool {
	fresh, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	return fresh.CancellationRequested
}

// prefillSkips seeds result entries for compile-time no-op devices so the
// summary always covers the full device set.
func (e *Executor) prefillSkips(job *Job, plan *Plan) {
	for _, batch := range plan.Batches {
		for _, id := range batch.DeviceIDs {
			if plan.DeviceStatuses[id] == DeviceOutcomeSkip {
				job.ResultSummary[id] = DeviceResult{
					DeviceID:   id,
					Outcome:    DeviceOutcomeSkip,
					BatchIndex: batch.Index,
				}
			}
		}
	}
}

func (e *Executor) updateProgress(job *Job, plan *Plan) {
	total := 0
	for _, b := range plan.Batches {
		total += len(b.DeviceIDs)
	}
	if total == 0 {
		job.ProgressPercent = 100
		return
	}
	job.ProgressPercent = len(job.ResultSummary) * 100 / total
}

func (e *Executor) resolveDevices(ctx context.Context, plan *Plan) (map[string]Device, error) {
	devices := make(map[string]Device)
	for _, id := range plan.DeviceIDs() {
		d, err := e.directory.GetDevice(ctx, id)
		if err != nil {
			// Recorded per device at execution time rather than failing the
			// whole job: the directory may have changed since compile.
			continue
		}
		devices[id] = *d
	}
	return devices, nil
}

func (e *Executor) recordDeviceMetric(r DeviceResult) {
	if e.metrics != nil {
		e.metrics.DeviceOperation(r.Outcome, r.Latency)
	}
}
