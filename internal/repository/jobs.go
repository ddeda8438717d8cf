package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mkalnins/einvoice-dispatch/constants"
	"github.com/mkalnins/einvoice-dispatch/internal/common"
	"github.com/mkalnins/einvoice-dispatch/internal/entity"
)

// NewJob carries everything needed to create a job record.
type NewJob struct {
	ContentHash string
	SourcePath  string
	Sender      string
	Receiver    string
	Profile     string
	Payload     []byte
}

// JobRepository owns job records. All writes are durable before they return:
// once a transition is acknowledged here, a crash must not lose it.
type JobRepository interface {
	// CreateOrGet enforces the idempotency invariant: if a non-terminal job
	// already exists for the content hash, that job is returned and the
	// second return value is true. Check and insert happen in one
	// transaction.
	CreateOrGet(ctx context.Context, in NewJob) (*entity.Job, bool, error)
	GetByID(ctx context.Context, jobID uuid.UUID) (*entity.Job, error)
	NonTerminalByHash(ctx context.Context, contentHash string) (*entity.Job, error)
	// List returns all jobs in insertion order.
	List(ctx context.Context) ([]*entity.Job, error)
	Payload(ctx context.Context, jobID uuid.UUID) ([]byte, error)

	// MarkSubmitting moves a queued job to submitting and increments its
	// attempt counter. It is persisted before any network call so a crash
	// mid-call resumes as a retry, never as a silent loss.
	MarkSubmitting(ctx context.Context, jobID uuid.UUID) (*entity.Job, error)
	MarkSent(ctx context.Context, jobID uuid.UUID, transmissionID string) error
	MarkDelivered(ctx context.Context, jobID uuid.UUID) error
	MarkFailed(ctx context.Context, jobID uuid.UUID, lastError string) error
	MarkRejected(ctx context.Context, jobID uuid.UUID, lastError string) error
	// ScheduleRetry moves a submitting job back to queued with a wake-up
	// time in the future.
	ScheduleRetry(ctx context.Context, jobID uuid.UUID, lastError string, nextAttemptAt time.Time) error

	// DueQueued returns queued jobs whose retry schedule has elapsed.
	DueQueued(ctx context.Context, now time.Time, limit int) ([]*entity.Job, error)
	// ListSent returns jobs awaiting delivery confirmation.
	ListSent(ctx context.Context, limit int) ([]*entity.Job, error)
	// RecoverInFlight requeues jobs stranded in submitting by a crash.
	// Called once at startup before the worker picks up work.
	RecoverInFlight(ctx context.Context) (int, error)
}

type jobRepo struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewJobRepository(db *sql.DB, logger *slog.Logger) JobRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &jobRepo{db: db, logger: logger}
}

const jobColumns = "job_id, content_hash, source_path, sender, receiver, profile, state, transmission_id, attempt_count, last_error, next_attempt_at, created_at, updated_at"

// activeStates is the SQL literal for the states that block re-enqueue of
// the same content hash. Built from the canonical list so the two can
// never drift apart.
var activeStates = func() string {
	quoted := make([]string, len(constants.NonTerminalStates))
	for i, s := range constants.NonTerminalStates {
		quoted[i] = "'" + string(s) + "'"
	}
	return strings.Join(quoted, ",")
}()

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func scanJob(row interface{ Scan(...any) error }) (*entity.Job, error) {
	var (
		j       entity.Job
		id      string
		next    sql.NullString
		created string
		updated string
	)
	err := row.Scan(&id, &j.ContentHash, &j.SourcePath, &j.Sender, &j.Receiver, &j.Profile,
		&j.State, &j.TransmissionID, &j.AttemptCount, &j.LastError, &next, &created, &updated)
	if err != nil {
		return nil, err
	}
	if j.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("corrupt job_id %q: %w", id, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("corrupt created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("corrupt updated_at: %w", err)
	}
	if next.Valid {
		t, err := time.Parse(time.RFC3339Nano, next.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt next_attempt_at: %w", err)
		}
		j.NextAttemptAt = &t
	}
	return &j, nil
}

func (r *jobRepo) CreateOrGet(ctx context.Context, in NewJob) (*entity.Job, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, common.NewAppError("STORE_ERROR", "begin create_or_get", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE content_hash = ? AND state IN ("+activeStates+") LIMIT 1",
		in.ContentHash)
	existing, err := scanJob(row)
	switch {
	case err == nil:
		r.logger.Info("enqueue deduplicated", "job_id", existing.ID, "content_hash", in.ContentHash)
		return existing, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, common.NewAppError("STORE_ERROR", "lookup by hash", err)
	}

	now := time.Now().UTC()
	job := &entity.Job{
		ID:          uuid.New(),
		ContentHash: in.ContentHash,
		SourcePath:  in.SourcePath,
		Sender:      in.Sender,
		Receiver:    in.Receiver,
		Profile:     in.Profile,
		State:       constants.JobStateQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (job_id, content_hash, source_path, sender, receiver, profile, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.ContentHash, job.SourcePath, job.Sender, job.Receiver, job.Profile,
		string(job.State), fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, false, common.NewAppError("STORE_ERROR", "insert job", err)
	}
	if _, err = tx.ExecContext(ctx,
		"INSERT INTO payloads (job_id, body) VALUES (?, ?)", job.ID.String(), in.Payload); err != nil {
		return nil, false, common.NewAppError("STORE_ERROR", "insert payload", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, common.NewAppError("STORE_ERROR", "commit create_or_get", err)
	}

	r.logger.Info("job created", "job_id", job.ID, "content_hash", in.ContentHash, "receiver", in.Receiver)
	return job, false, nil
}

func (r *jobRepo) GetByID(ctx context.Context, jobID uuid.UUID) (*entity.Job, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE job_id = ?", jobID.String())
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return job, err
}

func (r *jobRepo) NonTerminalByHash(ctx context.Context, contentHash string) (*entity.Job, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE content_hash = ? AND state IN ("+activeStates+") LIMIT 1",
		contentHash)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return job, err
}

func (r *jobRepo) List(ctx context.Context) ([]*entity.Job, error) {
	return r.queryJobs(ctx, "SELECT "+jobColumns+" FROM jobs ORDER BY seq ASC")
}

func (r *jobRepo) Payload(ctx context.Context, jobID uuid.UUID) ([]byte, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx,
		"SELECT body FROM payloads WHERE job_id = ?", jobID.String()).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return body, err
}

func (r *jobRepo) MarkSubmitting(ctx context.Context, jobID uuid.UUID) (*entity.Job, error) {
	now := fmtTime(time.Now())
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'submitting', attempt_count = attempt_count + 1,
		        next_attempt_at = NULL, updated_at = ?
		 WHERE job_id = ? AND state = 'queued'`,
		now, jobID.String())
	if err != nil {
		return nil, common.NewAppError("STORE_ERROR", "mark submitting", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, common.NewAppError("STORE_CONFLICT", "job is not queued", common.ErrNotFound)
	}
	return r.GetByID(ctx, jobID)
}

func (r *jobRepo) MarkSent(ctx context.Context, jobID uuid.UUID, transmissionID string) error {
	err := r.exec(ctx,
		`UPDATE jobs SET state = 'sent', transmission_id = ?, last_error = '', updated_at = ?
		 WHERE job_id = ? AND state = 'submitting'`,
		transmissionID, fmtTime(time.Now()), jobID.String())
	if err == nil {
		r.logger.Info("job sent", "job_id", jobID, "transmission_id", transmissionID)
	}
	return err
}

func (r *jobRepo) MarkDelivered(ctx context.Context, jobID uuid.UUID) error {
	err := r.exec(ctx,
		`UPDATE jobs SET state = 'delivered', last_error = '', updated_at = ?
		 WHERE job_id = ? AND state = 'sent'`,
		fmtTime(time.Now()), jobID.String())
	if err == nil {
		r.logger.Info("job delivered", "job_id", jobID)
	}
	return err
}

func (r *jobRepo) MarkFailed(ctx context.Context, jobID uuid.UUID, lastError string) error {
	err := r.exec(ctx,
		`UPDATE jobs SET state = 'failed', last_error = ?, next_attempt_at = NULL, updated_at = ?
		 WHERE job_id = ? AND state IN (`+activeStates+`)`,
		lastError, fmtTime(time.Now()), jobID.String())
	if err == nil {
		r.logger.Warn("job failed", "job_id", jobID, "error", lastError)
	}
	return err
}

func (r *jobRepo) MarkRejected(ctx context.Context, jobID uuid.UUID, lastError string) error {
	err := r.exec(ctx,
		`UPDATE jobs SET state = 'rejected', last_error = ?, next_attempt_at = NULL, updated_at = ?
		 WHERE job_id = ? AND state IN ('submitting','sent')`,
		lastError, fmtTime(time.Now()), jobID.String())
	if err == nil {
		r.logger.Warn("job rejected", "job_id", jobID, "error", lastError)
	}
	return err
}

func (r *jobRepo) ScheduleRetry(ctx context.Context, jobID uuid.UUID, lastError string, nextAttemptAt time.Time) error {
	err := r.exec(ctx,
		`UPDATE jobs SET state = 'queued', last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE job_id = ? AND state = 'submitting'`,
		lastError, fmtTime(nextAttemptAt), fmtTime(time.Now()), jobID.String())
	if err == nil {
		r.logger.Info("retry scheduled", "job_id", jobID, "next_attempt_at", nextAttemptAt.UTC(), "error", lastError)
	}
	return err
}

func (r *jobRepo) DueQueued(ctx context.Context, now time.Time, limit int) ([]*entity.Job, error) {
	return r.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE state = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY seq ASC LIMIT ?`,
		fmtTime(now), limit)
}

func (r *jobRepo) ListSent(ctx context.Context, limit int) ([]*entity.Job, error) {
	return r.queryJobs(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE state = 'sent' ORDER BY seq ASC LIMIT ?", limit)
}

func (r *jobRepo) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'queued', next_attempt_at = NULL, updated_at = ?
		 WHERE state = 'submitting'`,
		fmtTime(time.Now()))
	if err != nil {
		return 0, common.NewAppError("STORE_ERROR", "recover in-flight jobs", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.logger.Warn("requeued jobs stranded mid-submission", "count", n)
	}
	return int(n), nil
}

func (r *jobRepo) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return common.NewAppError("STORE_ERROR", "update job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NewAppError("STORE_CONFLICT", "job not found or not in expected state", common.ErrNotFound)
	}
	return nil
}

func (r *jobRepo) queryJobs(ctx context.Context, query string, args ...any) ([]*entity.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, common.NewAppError("STORE_ERROR", "query jobs", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			r.logger.Error("closing job rows", "error", cerr)
		}
	}()

	var out []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, common.NewAppError("STORE_ERROR", "scan job", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
