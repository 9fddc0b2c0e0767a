package store

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Search scopes.
const (
	ScopeBoth    = "both"
	ScopeReports = "reports"
	ScopeDocs    = "docs"
)

// Weights combines the two retrieval components. They are applied to
// independently min-max-normalised score columns.
type Weights struct {
	BM25 float64
	Vec  float64
}

// BM25Params are the classic Okapi parameters.
type BM25Params struct {
	K1 float64
	B  float64
}

// Hit is one ranked retrieval result.
type Hit struct {
	Kind      string    `json:"kind"` // "report" or "document"
	ID        string    `json:"id"`
	ReportID  int64     `json:"report_id,omitempty"`
	Title     string    `json:"title"`
	Snippet   string    `json:"snippet"`
	Score     float64   `json:"score"`
	BM25      float64   `json:"bm25_score"`
	VecSim    float64   `json:"vec_score"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult carries the ranked hits plus a degraded flag set when one
// retrieval component was unavailable and the other ran with weight 1.0.
type SearchResult struct {
	Hits     []Hit `json:"hits"`
	Degraded bool  `json:"degraded"`
}

// Tokenize lowercases and splits on non-alphanumeric runes. Shared by
// indexing (doc_len) and query-time BM25.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

type candidate struct {
	hit       Hit
	tokens    []string
	docLen    int
	embedding []float32
}

// HybridSearch ranks candidates in scope by a weighted combination of
// BM25 (over tokenised content) and cosine similarity (over stored
// embeddings), each min-max normalised to [0,1]. If either component is
// unavailable the other takes weight 1.0 and the result is degraded.
// Ties break by recency.
func (s *Store) HybridSearch(ctx context.Context, queryText string, queryEmbedding []float32, k int, scope string, w Weights, p BM25Params) (SearchResult, error) {
	if k <= 0 {
		k = 10
	}
	if p.K1 <= 0 {
		p.K1 = 1.2
	}
	if p.B <= 0 {
		p.B = 0.75
	}

	cands, err := s.loadCandidates(ctx, scope)
	if err != nil {
		return SearchResult{}, err
	}
	if len(cands) == 0 {
		return SearchResult{Hits: []Hit{}}, nil
	}

	queryTokens := Tokenize(queryText)

	bm25OK := len(queryTokens) > 0
	vecOK := len(queryEmbedding) > 0 && anyEmbedding(cands)

	degraded := false
	switch {
	case bm25OK && !vecOK:
		w = Weights{BM25: 1.0}
		degraded = true
	case !bm25OK && vecOK:
		w = Weights{Vec: 1.0}
		degraded = true
	case !bm25OK && !vecOK:
		return SearchResult{Hits: []Hit{}, Degraded: true}, nil
	}

	if bm25OK {
		scoreBM25(cands, queryTokens, p)
	}
	if vecOK {
		for i := range cands {
			if len(cands[i].embedding) > 0 {
				cands[i].hit.VecSim = Cosine(queryEmbedding, cands[i].embedding)
			}
		}
	}

	normalize(cands, func(c *candidate) *float64 { return &c.hit.BM25 })
	normalize(cands, func(c *candidate) *float64 { return &c.hit.VecSim })

	for i := range cands {
		cands[i].hit.Score = w.BM25*cands[i].hit.BM25 + w.Vec*cands[i].hit.VecSim
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].hit.Score != cands[j].hit.Score {
			return cands[i].hit.Score > cands[j].hit.Score
		}
		return cands[i].hit.CreatedAt.After(cands[j].hit.CreatedAt)
	})

	if len(cands) > k {
		cands = cands[:k]
	}
	hits := make([]Hit, len(cands))
	for i := range cands {
		hits[i] = cands[i].hit
	}
	return SearchResult{Hits: hits, Degraded: degraded}, nil
}

func (s *Store) loadCandidates(ctx context.Context, scope string) ([]candidate, error) {
	var cands []candidate

	if scope == ScopeBoth || scope == ScopeReports || scope == "" {
		err := s.withRetry(ctx, "load_report_candidates", func() error {
			rows, err := s.db.QueryContext(ctx,
				`SELECT id, original_query, final_report, query_embedding, created_at FROM reports`)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var (
					id        int64
					query     string
					report    string
					embedding []byte
					createdAt string
				)
				if err := rows.Scan(&id, &query, &report, &embedding, &createdAt); err != nil {
					return err
				}
				vec, err := DecodeVector(embedding, s.opts.VectorDim)
				if err != nil {
					return err
				}
				tokens := Tokenize(report)
				cands = append(cands, candidate{
					hit: Hit{
						Kind:      "report",
						ID:        "report:" + strconv.FormatInt(id, 10),
						ReportID:  id,
						Title:     query,
						Snippet:   snippet(report),
						CreatedAt: parseTime(createdAt),
					},
					tokens:    tokens,
					docLen:    len(tokens),
					embedding: vec,
				})
			}
			return rows.Err()
		})
		if err != nil {
			return nil, classify(err)
		}
	}

	if scope == ScopeBoth || scope == ScopeDocs || scope == "" {
		err := s.withRetry(ctx, "load_doc_candidates", func() error {
			rows, err := s.db.QueryContext(ctx,
				`SELECT source_type, source_id, title, content, doc_embedding, doc_len, created_at FROM index_documents`)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var (
					srcType   string
					srcID     string
					title     string
					content   string
					embedding []byte
					docLen    int
					createdAt string
				)
				if err := rows.Scan(&srcType, &srcID, &title, &content, &embedding, &docLen, &createdAt); err != nil {
					return err
				}
				vec, err := DecodeVector(embedding, s.opts.VectorDim)
				if err != nil {
					return err
				}
				tokens := Tokenize(content)
				if docLen <= 0 {
					docLen = len(tokens)
				}
				cands = append(cands, candidate{
					hit: Hit{
						Kind:      "document",
						ID:        srcType + ":" + srcID,
						Title:     title,
						Snippet:   snippet(content),
						CreatedAt: parseTime(createdAt),
					},
					tokens:    tokens,
					docLen:    docLen,
					embedding: vec,
				})
			}
			return rows.Err()
		})
		if err != nil {
			return nil, classify(err)
		}
	}

	return cands, nil
}

// scoreBM25 computes Okapi BM25 over the candidate set, with document
// frequencies taken from the candidates themselves.
func scoreBM25(cands []candidate, queryTokens []string, p BM25Params) {
	n := float64(len(cands))

	var totalLen float64
	for i := range cands {
		totalLen += float64(cands[i].docLen)
	}
	avgLen := totalLen / n
	if avgLen == 0 {
		avgLen = 1
	}

	// Document frequency per query term.
	df := make(map[string]float64, len(queryTokens))
	for i := range cands {
		seen := make(map[string]bool, len(queryTokens))
		for _, tok := range cands[i].tokens {
			seen[tok] = true
		}
		for _, qt := range queryTokens {
			if seen[qt] {
				df[qt]++
			}
		}
	}

	for i := range cands {
		tf := make(map[string]float64, len(queryTokens))
		for _, tok := range cands[i].tokens {
			tf[tok]++
		}
		dl := float64(cands[i].docLen)
		var score float64
		for _, qt := range queryTokens {
			f := tf[qt]
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-df[qt]+0.5)/(df[qt]+0.5))
			score += idf * f * (p.K1 + 1) / (f + p.K1*(1-p.B+p.B*dl/avgLen))
		}
		cands[i].hit.BM25 = score
	}
}

// normalize min-max scales one score column to [0,1] in place.
func normalize(cands []candidate, field func(*candidate) *float64) {
	if len(cands) == 0 {
		return
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range cands {
		v := *field(&cands[i])
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	for i := range cands {
		f := field(&cands[i])
		if span == 0 {
			if hi > 0 {
				*f = 1
			} else {
				*f = 0
			}
			continue
		}
		*f = (*f - lo) / span
	}
}

func anyEmbedding(cands []candidate) bool {
	for i := range cands {
		if len(cands[i].embedding) > 0 {
			return true
		}
	}
	return false
}

func snippet(text string) string {
	const max = 240
	if len(text) <= max {
		return text
	}
	return text[:max] + "…"
}
