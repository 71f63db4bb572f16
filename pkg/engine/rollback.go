package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RollbackManager captures pre-change snapshots and replays inverse
// operations when the executor halts a job or an operator triggers a manual
// rollback.
type RollbackManager struct {
	store       Store
	client      DeviceClient
	breaker     *Breaker
	callTimeout time.Duration
	logger      zerolog.Logger
}

// NewRollbackManager creates a rollback manager.
func NewRollbackManager(store Store, client DeviceClient, breaker *Breaker, callTimeout time.Duration, logger zerolog.Logger) *RollbackManager {
	return &RollbackManager{
		store:       store,
		client:      client,
		breaker:     breaker,
		callTimeout: callTimeout,
		logger:      logger.With().Str("component", "rollback").Logger(),
	}
}

// Snapshot records the device's pre-change state for a job. The write is
// first-wins: a second snapshot for the same job and device is a no-op, so
// a resumed batch re-attempting a device keeps the original pre-change state
// as its rollback target.
func (m *RollbackManager) Snapshot(ctx context.Context, jobID string, device Device, provider ChangeProvider) error {
	prior, err := provider.CaptureState(ctx, device)
	if err != nil {
		return NewTransientError("failed to capture pre-change state", err).
			WithDevice(device.ID).WithOperation("snapshot")
	}

	inverse, err := provider.Inverse(device, prior)
	if err != nil {
		return NewPermanentError("failed to build inverse operation", err).
			WithDevice(device.ID).WithOperation("snapshot")
	}

	snap := &Snapshot{
		JobID:      jobID,
		DeviceID:   device.ID,
		PriorState: prior,
		Inverse:    inverse,
		TakenAt:    time.Now().UTC(),
	}
	return m.store.SaveSnapshot(ctx, snap)
}

// Rollback replays the inverse operation for every device snapshotted in the
// job. A device without a snapshot was never touched (or was a compile-time
// skip) and is left alone. Inverse failures are terminal per device: they are
// recorded distinctly as rollback_failed, never retried beyond the breaker's
// own discipline, and never silently swallowed.
func (m *RollbackManager) Rollback(ctx context.Context, job *Job, devices map[string]Device) (*RollbackResult, error) {
	snapshots, err := m.store.ListSnapshotsByJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	result := &RollbackResult{
		JobID:    job.ID,
		Outcomes: make(map[string]DeviceOutcome, len(snapshots)),
		Errors:   make(map[string]string),
	}

	for _, snap := range snapshots {
		device, ok := devices[snap.DeviceID]
		if !ok {
			result.Outcomes[snap.DeviceID] = DeviceOutcomeRollbackFailed
			result.Errors[snap.DeviceID] = "device no longer present in directory"
			continue
		}

		if !m.breaker.Allow(ctx, device.ID) {
			result.Outcomes[device.ID] = DeviceOutcomeRollbackFailed
			result.Errors[device.ID] = "circuit open"
			m.logger.Warn().
				Str("job_id", job.ID).
				Str("device_id", device.ID).
				Msg("Rollback skipped, circuit open")
			continue
		}

		_, err := m.client.Execute(ctx, device, snap.Inverse, m.callTimeout)
		if err != nil {
			m.breaker.RecordFailure(ctx, device.ID)
			result.Outcomes[device.ID] = DeviceOutcomeRollbackFailed
			result.Errors[device.ID] = err.Error()
			m.logger.Error().Err(err).
				Str("job_id", job.ID).
				Str("device_id", device.ID).
				Msg("Rollback failed")
			continue
		}

		m.breaker.RecordSuccess(ctx, device.ID)
		result.Outcomes[device.ID] = DeviceOutcomeRolledBack
		m.logger.Info().
			Str("job_id", job.ID).
			Str("device_id", device.ID).
			Msg("Device rolled back")
	}

	return result, nil
}
