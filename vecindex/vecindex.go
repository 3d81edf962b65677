// CLAUDE:SUMMARY SQLite-backed vector index over document sections: embed on ingest, brute-force cosine search.
// Package vecindex stores one embedding per stitched document section and
// serves top-k cosine search over them. Vectors live as blobs in SQLite;
// search is a full scan, which is fine for the tens of thousands of
// sections a single instance accumulates.
package vecindex

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hazyhaar/mdwb/embed"
	"github.com/hazyhaar/mdwb/stitch"
)

const schema = `
CREATE TABLE IF NOT EXISTS sections (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL,
	url        TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	heading    TEXT NOT NULL,
	level      INTEGER NOT NULL,
	content    TEXT NOT NULL,
	vector     BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (job_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_sections_url ON sections(url);
`

// Hit is one search result.
type Hit struct {
	JobID   string  `json:"job_id"`
	URL     string  `json:"url"`
	Heading string  `json:"heading"`
	Level   int     `json:"level"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Index indexes and searches document sections.
type Index struct {
	db     *sql.DB
	emb    embed.Embedder
	logger *slog.Logger
	now    func() time.Time
}

// New creates the index, applying its schema.
func New(db *sql.DB, emb embed.Embedder, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("vecindex: apply schema: %w", err)
	}
	return &Index{db: db, emb: emb, logger: logger, now: time.Now}, nil
}

// IndexSections replaces the stored sections for a job with the given ones.
// Re-running a job (or replaying it) therefore never duplicates rows.
func (ix *Index) IndexSections(ctx context.Context, jobID, url string, sections []stitch.Section) error {
	texts := make([]string, len(sections))
	for i, s := range sections {
		texts[i] = s.Heading + "\n" + s.Text
	}
	var vecs [][]float32
	if len(texts) > 0 {
		var err error
		vecs, err = ix.emb.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("vecindex: embed sections: %w", err)
		}
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sections WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("vecindex: clear job %s: %w", jobID, err)
	}
	now := ix.now().Unix()
	for i, s := range sections {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sections (job_id, url, seq, heading, level, content, vector, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			jobID, url, i, s.Heading, s.Level, s.Text, embed.SerializeVector(vecs[i]), now)
		if err != nil {
			return fmt.Errorf("vecindex: insert section %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	ix.logger.Debug("vecindex: indexed job", "job", jobID, "sections", len(sections))
	return nil
}

// Search returns the limit sections most similar to the query, across all
// indexed jobs.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	qvec, err := ix.emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vecindex: embed query: %w", err)
	}
	hits, _, err := ix.scan(ctx, "", qvec, limit)
	return hits, err
}

// SearchVector ranks one job's sections against a caller-supplied vector and
// also reports how many sections that job has indexed.
func (ix *Index) SearchVector(ctx context.Context, jobID string, vector []float32, limit int) ([]Hit, int, error) {
	return ix.scan(ctx, jobID, vector, limit)
}

func (ix *Index) scan(ctx context.Context, jobID string, qvec []float32, limit int) ([]Hit, int, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `SELECT job_id, url, heading, level, content, vector FROM sections`
	args := []any{}
	if jobID != "" {
		q += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	rows, err := ix.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var content string
		var blob []byte
		if err := rows.Scan(&h.JobID, &h.URL, &h.Heading, &h.Level, &content, &blob); err != nil {
			return nil, 0, err
		}
		h.Score = embed.CosineSimilarity(qvec, embed.DeserializeVector(blob))
		h.Snippet = snippet(content, 200)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	total := len(hits)

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, total, nil
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
