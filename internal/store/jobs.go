package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peregrine-ai/researchd/internal/errs"
)

// Job kinds.
const (
	KindResearch = "research"
	KindFollowup = "followup"
	KindBatch    = "batch"
	KindIndex    = "index"
	KindIngest   = "ingest"
)

// Job statuses. queued, leased, and running are non-terminal.
const (
	StatusQueued    = "queued"
	StatusLeased    = "leased"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// IsTerminal reports whether a status permits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Event types. Per-job event ids are gap-free and strictly increasing.
const (
	EventJobStarted     = "job.started"
	EventJobProgress    = "job.progress"
	EventToolStarted    = "tool.started"
	EventToolDelta      = "tool.delta"
	EventToolCompleted  = "tool.completed"
	EventJobSucceeded   = "job.succeeded"
	EventJobFailed      = "job.failed"
	EventJobCanceled    = "job.canceled"
	EventCacheHit       = "cache.hit"
	EventSubscriberSlow = "subscriber.slow"
)

// IsTerminalEvent reports whether an event type ends a job's stream.
func IsTerminalEvent(eventType string) bool {
	switch eventType {
	case EventJobSucceeded, EventJobFailed, EventJobCanceled:
		return true
	}
	return false
}

// Job is one unit of asynchronous work.
type Job struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	Params          json.RawMessage `json:"params"`
	Status          string          `json:"status"`
	IdempotencyKey  string          `json:"idempotency_key"`
	RetryOf         string          `json:"retry_of,omitempty"`
	LeaseOwner      string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time      `json:"lease_expires_at,omitempty"`
	AttemptCount    int             `json:"attempt_count"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	Progress        int             `json:"progress"`
	ProgressAt      *time.Time      `json:"progress_at,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// Event is one persisted job event.
type Event struct {
	JobID   string          `json:"job_id"`
	ID      int64           `json:"event_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	TS      time.Time       `json:"ts"`
}

// NewJobID generates a timestamp-prefixed id with a random suffix.
func NewJobID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return fmt.Sprintf("job_%s_%s", time.Now().UTC().Format("20060102T150405"), suffix)
}

const jobColumns = `id, kind, params, status, idempotency_key, retry_of, lease_owner,
	lease_expires_at, attempt_count, cancel_requested, progress, progress_at, result,
	created_at, started_at, finished_at`

// InsertJob atomically inserts a new job under an idempotency key, or
// returns the existing job pinned by an unexpired record. A failed
// terminal job permits up to maxRetries re-submissions under the same
// key; each creates a new job whose retry_of points at the previous one.
func (s *Store) InsertJob(ctx context.Context, kind string, params json.RawMessage, idemKey string, window time.Duration, maxRetries int) (jobID string, existing bool, err error) {
	err = s.withRetry(ctx, "insert_job", func() error {
		jobID, existing, err = s.insertJobOnce(ctx, kind, params, idemKey, window, maxRetries)
		return err
	})
	return jobID, existing, classify(err)
}

func (s *Store) insertJobOnce(ctx context.Context, kind string, params json.RawMessage, idemKey string, window time.Duration, maxRetries int) (string, bool, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		existingID string
		retryCount int
		status     sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT i.job_id, i.retry_count, j.status
		FROM idempotency_keys i
		LEFT JOIN jobs j ON j.id = i.job_id
		WHERE i.key = ? AND i.expires_at > ?`,
		idemKey, fmtTime(now),
	).Scan(&existingID, &retryCount, &status)

	switch {
	case err == nil && status.Valid:
		if status.String == StatusFailed && retryCount < maxRetries {
			// Bounded retry: new job, same key, linked via retry_of.
			newID := NewJobID()
			if err := insertJobRow(ctx, tx, newID, kind, params, idemKey, existingID, now); err != nil {
				return "", false, err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE idempotency_keys SET job_id = ?, retry_count = retry_count + 1 WHERE key = ?`,
				newID, idemKey); err != nil {
				return "", false, err
			}
			return newID, false, tx.Commit()
		}
		return existingID, true, tx.Commit()

	case err == nil && !status.Valid:
		// Record survived its job (reaped); reclaim the key.
		if _, err := tx.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = ?`, idemKey); err != nil {
			return "", false, err
		}

	case errors.Is(err, sql.ErrNoRows):
		// No live record.

	default:
		return "", false, err
	}

	// Clear an expired record so the primary-key insert below succeeds.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = ? AND expires_at <= ?`,
		idemKey, fmtTime(now)); err != nil {
		return "", false, err
	}

	newID := NewJobID()
	if err := insertJobRow(ctx, tx, newID, kind, params, idemKey, "", now); err != nil {
		return "", false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, job_id, retry_count, created_at, expires_at)
		 VALUES (?, ?, 0, ?, ?)`,
		idemKey, newID, fmtTime(now), fmtTime(now.Add(window))); err != nil {
		if isUniqueViolation(err) {
			// Lost the race to a concurrent insert with the same key.
			_ = tx.Rollback()
			var raceID string
			if rerr := s.db.QueryRowContext(ctx,
				`SELECT job_id FROM idempotency_keys WHERE key = ? AND expires_at > ?`,
				idemKey, fmtTime(now)).Scan(&raceID); rerr == nil {
				return raceID, true, nil
			}
		}
		return "", false, err
	}
	return newID, false, tx.Commit()
}

func insertJobRow(ctx context.Context, tx *sql.Tx, id, kind string, params json.RawMessage, idemKey, retryOf string, now time.Time) error {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, params, status, idempotency_key, retry_of, created_at)
		VALUES (?, ?, ?, 'queued', ?, ?, ?)`,
		id, kind, string(params), idemKey, retryOf, fmtTime(now))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}

// ClaimNext atomically claims the oldest queued job, or a leased/running
// job whose lease expired (crash recovery). Returns (nil, nil) when
// nothing is claimable. The single-statement UPDATE guarantees no job is
// handed to two workers.
func (s *Store) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	now := time.Now().UTC()
	var job *Job
	err := s.withRetry(ctx, "claim_next", func() error {
		row := s.db.QueryRowContext(ctx, `
			UPDATE jobs SET
				status = 'leased',
				lease_owner = ?,
				lease_expires_at = ?,
				attempt_count = attempt_count + 1
			WHERE id = (
				SELECT id FROM jobs
				WHERE status = 'queued'
				   OR (status IN ('leased', 'running') AND lease_expires_at < ?)
				ORDER BY created_at
				LIMIT 1
			)
			RETURNING `+jobColumns,
			workerID, fmtTime(now.Add(lease)), fmtTime(now))
		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			job = nil
			return nil
		}
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	return job, classify(err)
}

// Heartbeat extends the lease iff workerID still owns the job.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) (bool, error) {
	var ok bool
	err := s.withRetry(ctx, "heartbeat", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET lease_expires_at = ?
			WHERE id = ? AND lease_owner = ? AND status IN ('leased', 'running')`,
			fmtTime(time.Now().UTC().Add(lease)), jobID, workerID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		ok = n == 1
		return nil
	})
	return ok, classify(err)
}

// MarkRunning transitions leased → running under an owner check.
func (s *Store) MarkRunning(ctx context.Context, jobID, workerID string) error {
	err := s.withRetry(ctx, "mark_running", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'running', started_at = COALESCE(started_at, ?)
			WHERE id = ? AND lease_owner = ? AND status = 'leased'`,
			fmtTime(time.Now().UTC()), jobID, workerID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errs.Newf(errs.KindNotFound, "job %s not leased by %s", jobID, workerID)
		}
		return nil
	})
	return classify(err)
}

// SetProgress records handler-reported progress (0–100).
func (s *Store) SetProgress(ctx context.Context, jobID, workerID string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	err := s.withRetry(ctx, "set_progress", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET progress = ?, progress_at = ?
			WHERE id = ? AND lease_owner = ? AND status = 'running'`,
			pct, fmtTime(time.Now().UTC()), jobID, workerID)
		return err
	})
	return classify(err)
}

// AppendEvent durably appends an event with the next per-job id. The id
// allocation and the insert share a transaction, keeping the sequence
// gap-free under concurrency.
func (s *Store) AppendEvent(ctx context.Context, jobID, eventType string, payload any) (Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Event{}, err
	}
	var evt Event
	err = s.withRetry(ctx, "append_event", func() error {
		e, err := s.appendEventTx(ctx, jobID, eventType, raw)
		if err != nil {
			return err
		}
		evt = e
		return nil
	})
	return evt, classify(err)
}

func (s *Store) appendEventTx(ctx context.Context, jobID, eventType string, raw json.RawMessage) (Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	evt, err := appendEventIn(ctx, tx, jobID, eventType, raw)
	if err != nil {
		return Event{}, err
	}
	return evt, tx.Commit()
}

// appendEventIn allocates the next event id off the job row and inserts
// the event, inside the caller's transaction.
func appendEventIn(ctx context.Context, tx *sql.Tx, jobID, eventType string, raw json.RawMessage) (Event, error) {
	var next int64
	err := tx.QueryRowContext(ctx,
		`UPDATE jobs SET next_event_id = next_event_id + 1 WHERE id = ? RETURNING next_event_id`,
		jobID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, errs.Newf(errs.KindNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return Event{}, err
	}

	ts := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job_events (job_id, event_id, type, payload, ts) VALUES (?, ?, ?, ?, ?)`,
		jobID, next, eventType, string(raw), fmtTime(ts)); err != nil {
		return Event{}, err
	}
	return Event{JobID: jobID, ID: next, Type: eventType, Payload: raw, TS: ts}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return p, nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}
		return raw, nil
	}
}

// ReadEvents returns up to limit events with event_id > since, ascending.
func (s *Store) ReadEvents(ctx context.Context, jobID string, since int64, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var out []Event
	err := s.withRetry(ctx, "read_events", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT job_id, event_id, type, payload, ts FROM job_events
			WHERE job_id = ? AND event_id > ?
			ORDER BY event_id ASC LIMIT ?`,
			jobID, since, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var (
				evt     Event
				payload string
				ts      string
			)
			if err := rows.Scan(&evt.JobID, &evt.ID, &evt.Type, &payload, &ts); err != nil {
				return err
			}
			evt.Payload = json.RawMessage(payload)
			evt.TS = parseTime(ts)
			out = append(out, evt)
		}
		return rows.Err()
	})
	return out, classify(err)
}

// MaxEventID returns the highest event id recorded for a job (0 if none).
func (s *Store) MaxEventID(ctx context.Context, jobID string) (int64, error) {
	var max int64
	err := s.withRetry(ctx, "max_event_id", func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT next_event_id FROM jobs WHERE id = ?`, jobID).Scan(&max)
	})
	return max, classify(err)
}

// FinishJob transitions a job to a terminal status and appends the
// terminal event in the same transaction, so no reader can observe one
// without the other. workerID == "" skips the owner check (used by the
// cancel path for jobs no worker owns).
func (s *Store) FinishJob(ctx context.Context, jobID, workerID, terminal string, result json.RawMessage, eventType string, eventPayload any) (Event, error) {
	if !IsTerminal(terminal) {
		return Event{}, errs.Newf(errs.KindFatal, "finish_job with non-terminal status %q", terminal)
	}
	raw, err := marshalPayload(eventPayload)
	if err != nil {
		return Event{}, err
	}

	var evt Event
	err = s.withRetry(ctx, "finish_job", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		query := `
			UPDATE jobs SET status = ?, result = ?, finished_at = ?, lease_owner = '', lease_expires_at = NULL
			WHERE id = ? AND status IN ('queued', 'leased', 'running')`
		args := []any{terminal, nullableResult(result), fmtTime(time.Now().UTC()), jobID}
		if workerID != "" {
			query += ` AND lease_owner = ?`
			args = append(args, workerID)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errs.Newf(errs.KindNotFound, "job %s not finishable by %q", jobID, workerID)
		}

		e, err := appendEventIn(ctx, tx, jobID, eventType, raw)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		evt = e
		return nil
	})
	return evt, classify(err)
}

func nullableResult(result json.RawMessage) sql.NullString {
	if len(result) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(result), Valid: true}
}

// Requeue returns a leased/running job to the queue for another attempt,
// under an owner check. The lease clears so any worker may claim it.
func (s *Store) Requeue(ctx context.Context, jobID, workerID string) error {
	err := s.withRetry(ctx, "requeue", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'queued', lease_owner = '', lease_expires_at = NULL
			WHERE id = ? AND lease_owner = ? AND status IN ('leased', 'running')`,
			jobID, workerID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errs.Newf(errs.KindNotFound, "job %s not requeueable by %s", jobID, workerID)
		}
		return nil
	})
	return classify(err)
}

// RequestCancel marks a non-terminal job for cancellation and returns its
// state before the request. Idempotent: terminal jobs return as-is.
func (s *Store) RequestCancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if IsTerminal(job.Status) {
		return job, nil
	}
	err = s.withRetry(ctx, "request_cancel", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET cancel_requested = 1
			WHERE id = ? AND status IN ('queued', 'leased', 'running')`,
			jobID)
		return err
	})
	return job, classify(err)
}

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job *Job
	err := s.withRetry(ctx, "get_job", func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
		j, err := scanJob(row)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.KindNotFound, "job %s not found", jobID)
	}
	return job, classify(err)
}

// ReapTerminal hard-deletes terminal jobs older than ttl together with
// their events, plus expired idempotency records.
func (s *Store) ReapTerminal(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := fmtTime(time.Now().UTC().Add(-ttl))
	var removed int64
	err := s.withRetry(ctx, "reap_terminal", func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM jobs
			WHERE status IN ('succeeded', 'failed', 'canceled') AND finished_at < ?`,
			cutoff)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM idempotency_keys WHERE expires_at <= ?`, fmtTime(time.Now().UTC()))
		return err
	})
	if removed > 0 {
		s.logger.Info("reaped terminal jobs", zap.Int64("count", removed))
	}
	return removed, classify(err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		job             Job
		params          string
		leaseExpires    sql.NullString
		cancelRequested int
		progressAt      sql.NullString
		result          sql.NullString
		createdAt       string
		startedAt       sql.NullString
		finishedAt      sql.NullString
	)
	if err := r.Scan(
		&job.ID, &job.Kind, &params, &job.Status, &job.IdempotencyKey, &job.RetryOf,
		&job.LeaseOwner, &leaseExpires, &job.AttemptCount, &cancelRequested,
		&job.Progress, &progressAt, &result, &createdAt, &startedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	job.Params = json.RawMessage(params)
	job.CancelRequested = cancelRequested == 1
	job.LeaseExpiresAt = timePtr(leaseExpires)
	job.ProgressAt = timePtr(progressAt)
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	job.CreatedAt = parseTime(createdAt)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return &job, nil
}
