package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WorkerConfig tunes the job claim loop.
type WorkerConfig struct {
	// PollInterval is how often an idle worker checks the job queue.
	PollInterval time.Duration

	// LeaseTTL is the lease duration; heartbeats renew at a third of it.
	LeaseTTL time.Duration
}

// DefaultWorkerConfig returns the standard worker tuning.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 2 * time.Second,
		LeaseTTL:     30 * time.Second,
	}
}

// Worker claims pending jobs under a renewable lease and drives them through
// the executor. Exactly one worker executes a given job at a time; if a
// worker dies, its lease expires and another claims the job, resuming at the
// last durable batch boundary.
type Worker struct {
	id       string
	store    Store
	executor *Executor
	cfg      WorkerConfig
	logger   zerolog.Logger
	ready    atomic.Bool
}

// NewWorker creates a worker with a unique owner identity.
func NewWorker(store Store, executor *Executor, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWorkerConfig().PollInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultWorkerConfig().LeaseTTL
	}
	id := "worker-" + uuid.New().String()[:8]
	return &Worker{
		id:       id,
		store:    store,
		executor: executor,
		cfg:      cfg,
		logger:   logger.With().Str("component", "worker").Str("worker_id", id).Logger(),
	}
}

// ID returns the worker's owner identity as used in leases.
func (w *Worker) ID() string {
	return w.id
}

// Ready reports whether the worker can reach its store. It is false until
// the first successful poll and after a store outage.
func (w *Worker) Ready() bool {
	return w.ready.Load()
}

// Run polls for pending jobs until the context is cancelled. Store outages
// flip readiness off and the loop keeps polling; it never exits on its own.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Dur("poll_interval", w.cfg.PollInterval).Msg("Worker started")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	if err := w.store.Ping(ctx); err != nil {
		if w.ready.Swap(false) {
			w.logger.Error().Err(err).Msg("Store unreachable, worker not ready")
		}
		return
	}
	if !w.ready.Swap(true) {
		w.logger.Info().Msg("Store reachable, worker ready")
	}

	job, err := w.store.NextPendingJob(ctx)
	if err != nil {
		if !HasCode(err, ErrCodeNotFound) {
			w.logger.Warn().Err(err).Msg("Failed to poll job queue")
		}
		return
	}

	lease, err := w.store.AcquireJobLease(ctx, job.ID, w.id, w.cfg.LeaseTTL)
	if err != nil {
		// Lost the claim race to another worker.
		if HasCode(err, ErrCodeLeaseHeld) {
			return
		}
		w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to acquire job lease")
		return
	}

	w.execute(ctx, job.ID, lease)
}

// execute runs one claimed job with a heartbeat goroutine renewing the lease.
// If renewal fails the job context is cancelled so execution stops before
// another worker can reclaim the lease.
func (w *Worker) execute(ctx context.Context, jobID string, lease *JobLease) {
	logger := w.logger.With().Str("job_id", jobID).Logger()
	logger.Info().Str("owner", lease.Owner).Msg("Job claimed")

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		interval := w.cfg.LeaseTTL / 3
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if err := w.store.RenewJobLease(jobCtx, jobID, w.id, w.cfg.LeaseTTL); err != nil {
					logger.Error().Err(err).Msg("Lease renewal failed, abandoning job")
					cancel()
					return
				}
			}
		}
	}()

	if err := w.executor.Run(jobCtx, jobID); err != nil {
		logger.Error().Err(err).Msg("Job execution error")
	}

	cancel()
	<-heartbeatDone

	if err := w.store.ReleaseJobLease(ctx, jobID, w.id); err != nil {
		logger.Warn().Err(err).Msg("Failed to release job lease")
	}
}
