// Package stores provides the durable SQLite-backed system of record for
// plans, jobs, snapshots, circuit state, leases, and the audit trail.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store on a single SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

var _ engine.Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Connection-level setting, not covered by the DSN on every driver.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func notFound(what, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s not found: %s", what, id), nil).
		WithCode(engine.ErrCodeNotFound)
}

func marshalColumn(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal column: %w", err)
	}
	return string(b), nil
}

func unmarshalColumn(raw string, v interface{}) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to unmarshal column: %w", err)
	}
	return nil
}

// CreatePlan inserts a new plan record.
func (s *SQLiteStore) CreatePlan(ctx context.Context, plan *engine.Plan) error {
	batches, err := marshalColumn(plan.Batches)
	if err != nil {
		return err
	}
	riskScores, err := marshalColumn(plan.RiskScores)
	if err != nil {
		return err
	}
	changes, err := marshalColumn(plan.DeviceChanges)
	if err != nil {
		return err
	}
	statuses, err := marshalColumn(plan.DeviceStatuses)
	if err != nil {
		return err
	}
	warnings, err := marshalColumn(plan.PolicyWarnings)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO plans (
			id, fingerprint, status, topic, desired, batches, batch_size,
			pause_between_batches, rollback_on_failure, risk_scores,
			device_changes, device_statuses, policy_warnings, reject_reason,
			created_by, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`
	_, err = s.db.ExecContext(ctx, query,
		plan.ID,
		plan.Fingerprint,
		plan.Status,
		plan.Topic,
		string(plan.Desired),
		batches,
		plan.BatchSize,
		int64(plan.PauseBetweenBatches),
		plan.RollbackOnFailure,
		riskScores,
		changes,
		statuses,
		warnings,
		plan.RejectReason,
		plan.CreatedBy,
		plan.CreatedAt,
		plan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	plan.Version = 1
	return nil
}

const planColumns = `
	id, fingerprint, status, topic, desired, batches, batch_size,
	pause_between_batches, rollback_on_failure, risk_scores,
	device_changes, device_statuses, policy_warnings, reject_reason,
	created_by, created_at, updated_at, version
`

func scanPlan(row interface{ Scan(...interface{}) error }) (*engine.Plan, error) {
	plan := &engine.Plan{}
	var desired, batches, riskScores, changes, statuses string
	var warnings sql.NullString
	var pause int64

	err := row.Scan(
		&plan.ID,
		&plan.Fingerprint,
		&plan.Status,
		&plan.Topic,
		&desired,
		&batches,
		&plan.BatchSize,
		&pause,
		&plan.RollbackOnFailure,
		&riskScores,
		&changes,
		&statuses,
		&warnings,
		&plan.RejectReason,
		&plan.CreatedBy,
		&plan.CreatedAt,
		&plan.UpdatedAt,
		&plan.Version,
	)
	if err != nil {
		return nil, err
	}

	plan.Desired = json.RawMessage(desired)
	plan.PauseBetweenBatches = time.Duration(pause)
	if err := unmarshalColumn(batches, &plan.Batches); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(riskScores, &plan.RiskScores); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(changes, &plan.DeviceChanges); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(statuses, &plan.DeviceStatuses); err != nil {
		return nil, err
	}
	if warnings.Valid {
		if err := unmarshalColumn(warnings.String, &plan.PolicyWarnings); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// GetPlan retrieves a plan by ID.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*engine.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = ?`

	plan, err := scanPlan(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("plan", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return plan, nil
}

// UpdatePlan writes a plan record conditionally on its version. A version
// mismatch means another writer won the race and surfaces as a conflict.
func (s *SQLiteStore) UpdatePlan(ctx context.Context, plan *engine.Plan) error {
	statuses, err := marshalColumn(plan.DeviceStatuses)
	if err != nil {
		return err
	}
	warnings, err := marshalColumn(plan.PolicyWarnings)
	if err != nil {
		return err
	}

	query := `
		UPDATE plans
		SET status = ?, device_statuses = ?, policy_warnings = ?,
		    reject_reason = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		plan.Status,
		statuses,
		warnings,
		plan.RejectReason,
		plan.UpdatedAt,
		plan.ID,
		plan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM plans WHERE id = ?)`, plan.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check plan existence: %w", err)
		}
		if !exists {
			return notFound("plan", plan.ID)
		}
		return engine.NewConflictError(
			fmt.Sprintf("plan %s was modified concurrently", plan.ID), nil).
			WithCode(engine.ErrCodeConcurrentModification)
	}

	plan.Version++
	return nil
}

// ListPlans lists plans with pagination, newest first.
func (s *SQLiteStore) ListPlans(ctx context.Context, limit, offset int) ([]*engine.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans ORDER BY created_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := []*engine.Plan{}
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}
	return plans, nil
}

const jobColumns = `
	id, plan_id, status, progress_percent, current_batch_index,
	current_device_id, cancellation_requested, result_summary,
	started_at, completed_at, created_at, updated_at, version
`

func scanJob(row interface{ Scan(...interface{}) error }) (*engine.Job, error) {
	job := &engine.Job{}
	var summary string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.PlanID,
		&job.Status,
		&job.ProgressPercent,
		&job.CurrentBatchIndex,
		&job.CurrentDeviceID,
		&job.CancellationRequested,
		&summary,
		&startedAt,
		&completedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.Version,
	)
	if err != nil {
		return nil, err
	}

	job.ResultSummary = make(map[string]engine.DeviceResult)
	if err := unmarshalColumn(summary, &job.ResultSummary); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *engine.Job) error {
	summary, err := marshalColumn(job.ResultSummary)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (
			id, plan_id, status, progress_percent, current_batch_index,
			current_device_id, cancellation_requested, result_summary,
			started_at, completed_at, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.PlanID,
		job.Status,
		job.ProgressPercent,
		job.CurrentBatchIndex,
		job.CurrentDeviceID,
		job.CancellationRequested,
		summary,
		job.StartedAt,
		job.CompletedAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	job.Version = 1
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*engine.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// UpdateJob writes a job record conditionally on its version.
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *engine.Job) error {
	summary, err := marshalColumn(job.ResultSummary)
	if err != nil {
		return err
	}

	job.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE jobs
		SET status = ?, progress_percent = ?, current_batch_index = ?,
		    current_device_id = ?, cancellation_requested = ?,
		    result_summary = ?, started_at = ?, completed_at = ?,
		    updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		job.Status,
		job.ProgressPercent,
		job.CurrentBatchIndex,
		job.CurrentDeviceID,
		job.CancellationRequested,
		summary,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.ID,
		job.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = ?)`, job.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check job existence: %w", err)
		}
		if !exists {
			return notFound("job", job.ID)
		}
		return engine.NewConflictError(
			fmt.Sprintf("job %s was modified concurrently", job.ID), nil).
			WithCode(engine.ErrCodeConcurrentModification)
	}

	job.Version++
	return nil
}

// ListJobsByPlan lists a plan's jobs, newest first.
func (s *SQLiteStore) ListJobsByPlan(ctx context.Context, planID string) ([]*engine.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE plan_id = ? ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*engine.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// ActiveJobForPlan returns the pending or running job for a plan.
func (s *SQLiteStore) ActiveJobForPlan(ctx context.Context, planID string) (*engine.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE plan_id = ? AND status IN ('pending', 'running')
		ORDER BY created_at DESC LIMIT 1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, planID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("active job for plan", planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active job: %w", err)
	}
	return job, nil
}

// NextPendingJob returns the oldest claimable job: pending with no unexpired
// lease, or running with an expired lease. The second case is a job a dead
// worker left behind; the claimer resumes it at its recorded batch index.
func (s *SQLiteStore) NextPendingJob(ctx context.Context) (*engine.Job, error) {
	query := `SELECT ` + joinedJobColumns + ` FROM jobs j
		LEFT JOIN job_leases l ON l.job_id = j.id
		WHERE j.status IN ('pending', 'running')
		  AND (l.job_id IS NULL OR l.expires_at <= ?)
		ORDER BY j.created_at ASC LIMIT 1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, time.Now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("pending job", "queue")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending job: %w", err)
	}
	return job, nil
}

const joinedJobColumns = `
	j.id, j.plan_id, j.status, j.progress_percent, j.current_batch_index,
	j.current_device_id, j.cancellation_requested, j.result_summary,
	j.started_at, j.completed_at, j.created_at, j.updated_at, j.version
`

// AcquireJobLease claims a job for an owner. A held, unexpired lease owned by
// someone else fails with LEASE_HELD; an expired lease is taken over.
func (s *SQLiteStore) AcquireJobLease(ctx context.Context, jobID, owner string, ttl time.Duration) (*engine.JobLease, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	query := `
		INSERT INTO job_leases (job_id, owner, expires_at, version)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(job_id) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at,
		    version = job_leases.version + 1
		WHERE job_leases.expires_at <= ? OR job_leases.owner = excluded.owner
	`
	result, err := s.db.ExecContext(ctx, query, jobID, owner, expiresAt, now)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire job lease: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, engine.NewConflictError(
			fmt.Sprintf("job %s lease held by another worker", jobID), nil).
			WithCode(engine.ErrCodeLeaseHeld)
	}

	lease := &engine.JobLease{JobID: jobID, Owner: owner, ExpiresAt: expiresAt}
	err = s.db.QueryRowContext(ctx, `SELECT version FROM job_leases WHERE job_id = ?`, jobID).Scan(&lease.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to read lease version: %w", err)
	}
	return lease, nil
}

// RenewJobLease extends a lease the owner still holds.
func (s *SQLiteStore) RenewJobLease(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	query := `
		UPDATE job_leases
		SET expires_at = ?, version = version + 1
		WHERE job_id = ? AND owner = ?
	`
	result, err := s.db.ExecContext(ctx, query, time.Now().UTC().Add(ttl), jobID, owner)
	if err != nil {
		return fmt.Errorf("failed to renew job lease: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewConflictError(
			fmt.Sprintf("job %s lease not held by %s", jobID, owner), nil).
			WithCode(engine.ErrCodeLeaseHeld)
	}
	return nil
}

// ReleaseJobLease drops a lease the owner holds. Releasing a lease held by
// another owner is a no-op.
func (s *SQLiteStore) ReleaseJobLease(ctx context.Context, jobID, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_leases WHERE job_id = ? AND owner = ?`, jobID, owner)
	if err != nil {
		return fmt.Errorf("failed to release job lease: %w", err)
	}
	return nil
}

// SaveSnapshot records pre-change device state, first write wins.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *engine.Snapshot) error {
	inverse, err := marshalColumn(snap.Inverse)
	if err != nil {
		return err
	}

	query := `
		INSERT OR IGNORE INTO snapshots (job_id, device_id, prior_state, inverse, taken_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		snap.JobID,
		snap.DeviceID,
		string(snap.PriorState),
		inverse,
		snap.TakenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func scanSnapshot(row interface{ Scan(...interface{}) error }) (*engine.Snapshot, error) {
	snap := &engine.Snapshot{}
	var prior, inverse string
	err := row.Scan(&snap.JobID, &snap.DeviceID, &prior, &inverse, &snap.TakenAt)
	if err != nil {
		return nil, err
	}
	snap.PriorState = json.RawMessage(prior)
	if err := unmarshalColumn(inverse, &snap.Inverse); err != nil {
		return nil, err
	}
	return snap, nil
}

// GetSnapshot retrieves one device's snapshot for a job.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, jobID, deviceID string) (*engine.Snapshot, error) {
	query := `SELECT job_id, device_id, prior_state, inverse, taken_at
		FROM snapshots WHERE job_id = ? AND device_id = ?`

	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, jobID, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("snapshot", jobID+"/"+deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshotsByJob lists every snapshot taken in a job.
func (s *SQLiteStore) ListSnapshotsByJob(ctx context.Context, jobID string) ([]*engine.Snapshot, error) {
	query := `SELECT job_id, device_id, prior_state, inverse, taken_at
		FROM snapshots WHERE job_id = ? ORDER BY device_id`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []*engine.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snaps, nil
}

// GetDeviceFailureState retrieves a device's circuit breaker record.
func (s *SQLiteStore) GetDeviceFailureState(ctx context.Context, deviceID string) (*engine.DeviceFailureState, error) {
	query := `SELECT device_id, consecutive_failures, next_eligible_at, state, updated_at
		FROM device_failures WHERE device_id = ?`

	state := &engine.DeviceFailureState{}
	var nextEligible sql.NullTime
	err := s.db.QueryRowContext(ctx, query, deviceID).Scan(
		&state.DeviceID,
		&state.ConsecutiveFailures,
		&nextEligible,
		&state.State,
		&state.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("device failure state", deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device failure state: %w", err)
	}
	if nextEligible.Valid {
		state.NextEligibleAt = nextEligible.Time
	}
	return state, nil
}

// UpsertDeviceFailureState writes a device's circuit breaker record.
func (s *SQLiteStore) UpsertDeviceFailureState(ctx context.Context, state *engine.DeviceFailureState) error {
	query := `
		INSERT INTO device_failures (device_id, consecutive_failures, next_eligible_at, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE
		SET consecutive_failures = excluded.consecutive_failures,
		    next_eligible_at = excluded.next_eligible_at,
		    state = excluded.state,
		    updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		state.DeviceID,
		state.ConsecutiveFailures,
		state.NextEligibleAt,
		state.State,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device failure state: %w", err)
	}
	return nil
}

// ConsumeApprovalNonce burns a token nonce. The primary key makes the burn
// atomic: exactly one apply wins.
func (s *SQLiteStore) ConsumeApprovalNonce(ctx context.Context, nonce, planID string) error {
	query := `INSERT OR IGNORE INTO approval_nonces (nonce, plan_id, consumed_at) VALUES (?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query, nonce, planID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to consume approval nonce: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewConflictError(
			fmt.Sprintf("approval token for plan %s already used", planID), nil).
			WithCode(engine.ErrCodeTokenAlreadyUsed)
	}
	return nil
}

// AppendAudit appends one entry to the audit trail.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *engine.AuditEntry) error {
	query := `INSERT INTO audit_log (action, actor, target_id, details, timestamp) VALUES (?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// ListAudit lists audit entries for a target in append order. An empty
// target lists everything.
func (s *SQLiteStore) ListAudit(ctx context.Context, targetID string, limit, offset int) ([]*engine.AuditEntry, error) {
	query := `SELECT id, action, actor, target_id, details, timestamp
		FROM audit_log WHERE (? = '' OR target_id = ?)
		ORDER BY id ASC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, targetID, targetID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AuditEntry{}
	for rows.Next() {
		e := &engine.AuditEntry{}
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.TargetID, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}
