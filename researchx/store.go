package researchx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store persists research jobs. Every read and write is scoped to an owner;
// touching another owner's job fails with ErrForbidden.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a pending job.
	Create(ctx context.Context, ownerID, query string, depth Depth, metadata map[string]any) (*Job, error)
	// CreateTerminal inserts an already finished job in one step.
	CreateTerminal(ctx context.Context, job *Job) error
	Get(ctx context.Context, ownerID, jobID string) (*Job, error)
	// FindLatestIncomplete returns the owner's newest pending or processing
	// deep job, or nil when there is none. A job older than the owner's
	// newest finished deep job is never returned.
	FindLatestIncomplete(ctx context.Context, ownerID string) (*Job, error)
	// Update applies a forward status transition. Terminal jobs are never
	// modified.
	Update(ctx context.Context, ownerID, jobID string, patch JobPatch) (*Job, error)
}

// SQLStore is the relational Store (sqlite or postgres).
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLStore wraps db. driverName is the name db was opened with; it
// selects the placeholder style.
func NewSQLStore(db *sql.DB, driverName string) *SQLStore {
	return &SQLStore{
		db:  sqlx.NewDb(db, driverName),
		now: func() time.Time { return time.Now().UTC() },
	}
}

const jobColumns = `id, owner_id, query, depth, status, result_json, error_msg, metadata_json,
	created_at, created_ns, started_at, completed_at`

type jobRow struct {
	ID           string         `db:"id"`
	OwnerID      string         `db:"owner_id"`
	Query        string         `db:"query"`
	Depth        string         `db:"depth"`
	Status       string         `db:"status"`
	ResultJSON   sql.NullString `db:"result_json"`
	ErrorMsg     sql.NullString `db:"error_msg"`
	MetadataJSON string         `db:"metadata_json"`
	CreatedAt    time.Time      `db:"created_at"`
	CreatedNS    int64          `db:"created_ns"`
	StartedAt    sql.NullTime   `db:"started_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
}

func (r *jobRow) toJob() (*Job, error) {
	job := &Job{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Query:     r.Query,
		Depth:     Depth(r.Depth),
		Status:    Status(r.Status),
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.ResultJSON.Valid {
		var res Result
		if err := json.Unmarshal([]byte(r.ResultJSON.String), &res); err != nil {
			return nil, fmt.Errorf("decode result of job %s: %w", r.ID, err)
		}
		job.Result = &res
	}
	if r.ErrorMsg.Valid {
		v := r.ErrorMsg.String
		job.Error = &v
	}
	if r.MetadataJSON != "" && r.MetadataJSON != "null" {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &job.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of job %s: %w", r.ID, err)
		}
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time.UTC()
		job.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time.UTC()
		job.CompletedAt = &t
	}
	return job, nil
}

func (s *SQLStore) Create(ctx context.Context, ownerID, query string, depth Depth, metadata map[string]any) (*Job, error) {
	job := &Job{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Query:     query,
		Depth:     depth,
		Status:    StatusPending,
		Metadata:  metadata,
		CreatedAt: s.now(),
	}
	if err := s.insert(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLStore) CreateTerminal(ctx context.Context, job *Job) error {
	if job == nil || !job.Status.Terminal() {
		return fmt.Errorf("%w: create terminal needs a completed or failed job", ErrInvalidTransition)
	}
	if err := checkOutcome(job.Status, job.Result, job.Error); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if job.CompletedAt == nil {
		t := s.now()
		job.CompletedAt = &t
	}
	return s.insert(ctx, job)
}

func (s *SQLStore) insert(ctx context.Context, job *Job) error {
	resultJSON, err := encodeResult(job.Result)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	q := s.db.Rebind(`INSERT INTO research_jobs
		(id, owner_id, query, depth, status, result_json, error_msg, metadata_json,
		 created_at, created_ns, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, q,
		job.ID, job.OwnerID, job.Query, string(job.Depth), string(job.Status),
		resultJSON, nullString(job.Error), string(metaJSON),
		job.CreatedAt.UTC(), job.CreatedAt.UnixNano(),
		nullTime(job.StartedAt), nullTime(job.CompletedAt), s.now())
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, ownerID, jobID string) (*Job, error) {
	row, err := getRow(ctx, s.db, s.db.Rebind(`SELECT `+jobColumns+` FROM research_jobs WHERE id = ?`), jobID)
	if err != nil {
		return nil, err
	}
	if row.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return row.toJob()
}

func (s *SQLStore) FindLatestIncomplete(ctx context.Context, ownerID string) (*Job, error) {
	q := s.db.Rebind(`SELECT ` + jobColumns + ` FROM research_jobs
		WHERE owner_id = ? AND depth = 'deep' AND status IN ('pending', 'processing')
		  AND created_ns >= COALESCE((
			SELECT MAX(created_ns) FROM research_jobs
			WHERE owner_id = ? AND depth = 'deep' AND status IN ('completed', 'failed')
		  ), 0)
		ORDER BY created_ns DESC
		LIMIT 1`)
	row, err := getRow(ctx, s.db, q, ownerID, ownerID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toJob()
}

func (s *SQLStore) Update(ctx context.Context, ownerID, jobID string, patch JobPatch) (*Job, error) {
	if err := patch.validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update of job %s: %w", jobID, err)
	}
	defer func() { _ = tx.Rollback() }()

	row, err := getRow(ctx, tx, tx.Rebind(`SELECT `+jobColumns+` FROM research_jobs WHERE id = ?`), jobID)
	if err != nil {
		return nil, err
	}
	if row.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	job, err := row.toJob()
	if err != nil {
		return nil, err
	}
	prev := job.Status
	if prev.Terminal() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrTerminal, jobID, prev)
	}
	if patch.From != "" && prev != patch.From {
		return nil, fmt.Errorf("%w: job %s is %s, not %s", ErrConflict, jobID, prev, patch.From)
	}
	if !prev.CanTransitionTo(patch.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, patch.Status)
	}

	s.apply(job, patch)

	resultJSON, err := encodeResult(job.Result)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE research_jobs
		SET status = ?, result_json = ?, error_msg = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(job.Status), resultJSON, nullString(job.Error),
		nullTime(job.StartedAt), nullTime(job.CompletedAt), s.now(),
		jobID, string(prev))
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", jobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("%w: job %s", ErrConflict, jobID)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update of job %s: %w", jobID, err)
	}
	return job, nil
}

// apply copies patch onto job and keeps the timestamps ordered.
func (s *SQLStore) apply(job *Job, patch JobPatch) {
	job.Status = patch.Status
	job.Result = patch.Result
	job.Error = patch.Error

	if patch.StartedAt != nil {
		job.StartedAt = patch.StartedAt
	} else if patch.Status == StatusProcessing {
		t := s.now()
		job.StartedAt = &t
	}
	if job.StartedAt != nil && job.StartedAt.Before(job.CreatedAt) {
		t := job.CreatedAt
		job.StartedAt = &t
	}

	if patch.Status.Terminal() {
		t := s.now()
		if patch.CompletedAt != nil {
			t = *patch.CompletedAt
		}
		if job.StartedAt != nil && t.Before(*job.StartedAt) {
			t = *job.StartedAt
		}
		job.CompletedAt = &t
	}
}

func (p JobPatch) validate() error {
	switch p.Status {
	case StatusProcessing:
		if p.Result != nil || p.Error != nil {
			return fmt.Errorf("%w: processing carries no outcome", ErrInvalidPatch)
		}
		return nil
	case StatusCompleted, StatusFailed:
		return checkOutcome(p.Status, p.Result, p.Error)
	default:
		return fmt.Errorf("%w: cannot move to %q", ErrInvalidTransition, p.Status)
	}
}

func checkOutcome(status Status, result *Result, errMsg *string) error {
	switch {
	case status == StatusCompleted && (result == nil || errMsg != nil):
		return ErrInvalidPatch
	case status == StatusFailed && (errMsg == nil || result != nil):
		return ErrInvalidPatch
	}
	return nil
}

func getRow(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*jobRow, error) {
	var row jobRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load job: %w", err)
	}
	return &row, nil
}

func encodeResult(r *Result) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode result: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
