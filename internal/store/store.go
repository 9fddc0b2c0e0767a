// Package store implements the durable retrieval store on SQLite. It owns
// every persisted entity: jobs, job events, idempotency records, reports,
// indexed documents, and cache entries. All operations are safe for
// concurrent use; multi-row writes run in explicit transactions.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/peregrine-ai/researchd/internal/errs"
)

// Options tunes store behaviour at open time.
type Options struct {
	// VectorDim is the fixed embedding dimensionality. Changing it over an
	// existing database is a schema mismatch and fails fatally.
	VectorDim int
	// RetryAttempts caps transient-failure retries (default 3).
	RetryAttempts int
	// RetryBase is the exponential backoff base (default 200ms).
	RetryBase time.Duration
	// MaxDocContentLen truncates indexed document content (default 8192).
	MaxDocContentLen int
	// OnRetry is an optional hook invoked per transient retry, keyed by
	// operation name.
	OnRetry func(op string)
}

func (o *Options) fill() {
	if o.VectorDim <= 0 {
		o.VectorDim = 384
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 200 * time.Millisecond
	}
	if o.MaxDocContentLen <= 0 {
		o.MaxDocContentLen = 8192
	}
}

// Store persists all researchd state in a single SQLite database.
type Store struct {
	db     *sql.DB
	opts   Options
	logger *zap.Logger
}

// Open opens (or creates) the database and bootstraps the schema.
func Open(dbPath string, opts Options, logger *zap.Logger) (*Store, error) {
	opts.fill()
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}

	s := &Store{db: db, opts: opts, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.checkVectorDim(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// VectorDim returns the fixed embedding dimensionality.
func (s *Store) VectorDim() int { return s.opts.VectorDim }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			kind             TEXT NOT NULL,
			params           TEXT NOT NULL DEFAULT '{}',
			status           TEXT NOT NULL DEFAULT 'queued',
			idempotency_key  TEXT NOT NULL DEFAULT '',
			retry_of         TEXT NOT NULL DEFAULT '',
			lease_owner      TEXT NOT NULL DEFAULT '',
			lease_expires_at TEXT,
			attempt_count    INTEGER NOT NULL DEFAULT 0,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			progress         INTEGER NOT NULL DEFAULT 0,
			progress_at      TEXT,
			result           TEXT,
			next_event_id    INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,
			started_at       TEXT,
			finished_at      TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS job_events (
			job_id   TEXT NOT NULL,
			event_id INTEGER NOT NULL,
			type     TEXT NOT NULL,
			payload  TEXT NOT NULL DEFAULT '{}',
			ts       TEXT NOT NULL,
			PRIMARY KEY (job_id, event_id),
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key         TEXT PRIMARY KEY,
			job_id      TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,
			expires_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reports (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			original_query  TEXT NOT NULL,
			final_report    TEXT NOT NULL,
			query_embedding BLOB,
			metadata        TEXT,
			rating          INTEGER,
			created_at      TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS index_documents (
			source_type   TEXT NOT NULL,
			source_id     TEXT NOT NULL,
			title         TEXT NOT NULL DEFAULT '',
			content       TEXT NOT NULL DEFAULT '',
			doc_embedding BLOB,
			doc_len       INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			PRIMARY KEY (source_type, source_id)
		)`,
		`CREATE TABLE IF NOT EXISTS cache_entries (
			fingerprint     TEXT PRIMARY KEY,
			kind            TEXT NOT NULL DEFAULT '',
			result          TEXT NOT NULL,
			query_embedding BLOB,
			hit_count       INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			expires_at      TEXT NOT NULL,
			last_hit_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(finished_at)`,
		`CREATE INDEX IF NOT EXISTS idx_idem_expires ON idempotency_keys(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_kind ON cache_entries(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// checkVectorDim pins the embedding dimensionality at first open and
// refuses to reopen with a different one.
func (s *Store) checkVectorDim() error {
	var stored string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'vector_dim'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(`INSERT INTO meta (key, value) VALUES ('vector_dim', ?)`,
			fmt.Sprintf("%d", s.opts.VectorDim))
		return err
	case err != nil:
		return fmt.Errorf("read vector_dim: %w", err)
	}
	if stored != fmt.Sprintf("%d", s.opts.VectorDim) {
		return errs.Newf(errs.KindFatal,
			"vector dimension mismatch: database has %s, configured %d", stored, s.opts.VectorDim)
	}
	return nil
}

// withRetry runs op, retrying transient failures with exponential backoff
// up to the configured ceiling. Non-transient errors pass through.
func (s *Store) withRetry(ctx context.Context, name string, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(s.opts.RetryBase),
		), uint64(s.opts.RetryAttempts)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !isTransientSQL(err) {
			return backoff.Permanent(err)
		}
		if s.opts.OnRetry != nil {
			s.opts.OnRetry(name)
		}
		s.logger.Debug("transient store error, retrying",
			zap.String("op", name), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, bo)
}

// isTransientSQL reports whether a SQLite error is contention that a
// retry can resolve (SQLITE_BUSY, SQLITE_LOCKED).
func isTransientSQL(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// classify wraps store errors into the taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.Wrap(errs.KindNotFound, "row not found", err)
	}
	if isTransientSQL(err) {
		return errs.Wrap(errs.KindTransient, "storage contention", err)
	}
	return err
}

// --- embedding blob codec ---

// EncodeVector serialises a float32 vector as a little-endian blob.
func EncodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

// DecodeVector deserialises a blob produced by EncodeVector. A dimension
// mismatch against want is fatal.
func DecodeVector(b []byte, want int) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 || len(b)/4 != want {
		return nil, errs.Newf(errs.KindFatal,
			"embedding dimension mismatch: blob holds %d floats, want %d", len(b)/4, want)
	}
	out := make([]float32, want)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// --- time helpers ---

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
