package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/peregrine-ai/researchd/internal/errs"
)

// Report is a finished research artifact. Immutable after creation except
// for the optional user rating.
type Report struct {
	ID             int64           `json:"id"`
	OriginalQuery  string          `json:"original_query"`
	FinalReport    string          `json:"final_report"`
	QueryEmbedding []float32       `json:"-"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Rating         *int            `json:"rating,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Document is one indexed source document.
type Document struct {
	SourceType string    `json:"source_type"`
	SourceID   string    `json:"source_id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
	DocLen     int       `json:"doc_len"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// InsertReport persists a report with its query embedding and returns the
// assigned numeric id.
func (s *Store) InsertReport(ctx context.Context, query, finalReport string, embedding []float32, metadata json.RawMessage) (int64, error) {
	if len(embedding) > 0 && len(embedding) != s.opts.VectorDim {
		return 0, errs.Newf(errs.KindFatal,
			"embedding dimension mismatch: got %d, want %d", len(embedding), s.opts.VectorDim)
	}
	var id int64
	err := s.withRetry(ctx, "insert_report", func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO reports (original_query, final_report, query_embedding, metadata, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			query, finalReport, EncodeVector(embedding), nullableJSON(metadata),
			fmtTime(time.Now().UTC()))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, classify(err)
}

// GetReport returns one report by id.
func (s *Store) GetReport(ctx context.Context, id int64) (*Report, error) {
	var report *Report
	err := s.withRetry(ctx, "get_report", func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, original_query, final_report, query_embedding, metadata, rating, created_at
			FROM reports WHERE id = ?`, id)
		r, err := s.scanReport(row)
		if err != nil {
			return err
		}
		report = r
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.KindNotFound, "report %d not found", id)
	}
	return report, classify(err)
}

// RateReport sets the optional user rating (1–5) on a report.
func (s *Store) RateReport(ctx context.Context, id int64, rating int) error {
	if rating < 1 || rating > 5 {
		return errs.Newf(errs.KindInvalidParams, "rating %d out of range 1-5", rating)
	}
	err := s.withRetry(ctx, "rate_report", func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE reports SET rating = ? WHERE id = ?`, rating, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errs.Newf(errs.KindNotFound, "report %d not found", id)
		}
		return nil
	})
	return classify(err)
}

// UpsertDocument inserts or replaces an indexed document. Content is
// truncated to the configured maximum before indexing; doc_len records
// the token count used for BM25 normalisation.
func (s *Store) UpsertDocument(ctx context.Context, doc Document) error {
	if len(doc.Embedding) > 0 && len(doc.Embedding) != s.opts.VectorDim {
		return errs.Newf(errs.KindFatal,
			"embedding dimension mismatch: got %d, want %d", len(doc.Embedding), s.opts.VectorDim)
	}
	if strings.TrimSpace(doc.SourceType) == "" || strings.TrimSpace(doc.SourceID) == "" {
		return errs.New(errs.KindInvalidParams, "source_type and source_id are required")
	}

	content := doc.Content
	if len(content) > s.opts.MaxDocContentLen {
		content = content[:s.opts.MaxDocContentLen]
	}
	docLen := doc.DocLen
	if docLen <= 0 {
		docLen = len(Tokenize(content))
	}

	now := fmtTime(time.Now().UTC())
	err := s.withRetry(ctx, "upsert_document", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO index_documents (source_type, source_id, title, content, doc_embedding, doc_len, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source_type, source_id) DO UPDATE SET
				title = excluded.title,
				content = excluded.content,
				doc_embedding = excluded.doc_embedding,
				doc_len = excluded.doc_len,
				updated_at = excluded.updated_at`,
			doc.SourceType, doc.SourceID, doc.Title, content,
			EncodeVector(doc.Embedding), docLen, now, now)
		return err
	})
	return classify(err)
}

// ListDocuments returns all indexed documents, for re-indexing.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	var out []Document
	err := s.withRetry(ctx, "list_documents", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT source_type, source_id, title, content, doc_embedding, doc_len, created_at, updated_at
			FROM index_documents ORDER BY source_type, source_id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			doc, err := s.scanDocument(rows)
			if err != nil {
				return err
			}
			out = append(out, *doc)
		}
		return rows.Err()
	})
	return out, classify(err)
}

func (s *Store) scanReport(r rowScanner) (*Report, error) {
	var (
		report    Report
		embedding []byte
		metadata  sql.NullString
		rating    sql.NullInt64
		createdAt string
	)
	if err := r.Scan(&report.ID, &report.OriginalQuery, &report.FinalReport,
		&embedding, &metadata, &rating, &createdAt); err != nil {
		return nil, err
	}
	vec, err := DecodeVector(embedding, s.opts.VectorDim)
	if err != nil {
		return nil, err
	}
	report.QueryEmbedding = vec
	if metadata.Valid {
		report.Metadata = json.RawMessage(metadata.String)
	}
	if rating.Valid {
		v := int(rating.Int64)
		report.Rating = &v
	}
	report.CreatedAt = parseTime(createdAt)
	return &report, nil
}

func (s *Store) scanDocument(r rowScanner) (*Document, error) {
	var (
		doc       Document
		embedding []byte
		createdAt string
		updatedAt string
	)
	if err := r.Scan(&doc.SourceType, &doc.SourceID, &doc.Title, &doc.Content,
		&embedding, &doc.DocLen, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	vec, err := DecodeVector(embedding, s.opts.VectorDim)
	if err != nil {
		return nil, err
	}
	doc.Embedding = vec
	doc.CreatedAt = parseTime(createdAt)
	doc.UpdatedAt = parseTime(updatedAt)
	return &doc, nil
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
