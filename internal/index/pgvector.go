package index

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGVector stores chunk embeddings in Postgres with the pgvector
// extension. Upserts are keyed on chunk_id, so concurrent writers with
// content-addressed ids are commutative.
type PGVector struct {
	pool *pgxpool.Pool
	dim  int
}

const pgvectorSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS chunk_embeddings (
    chunk_id    TEXT PRIMARY KEY,
    document_id TEXT NOT NULL,
    embedding   vector(%d) NOT NULL,
    text        TEXT NOT NULL,
    section     TEXT NOT NULL DEFAULT '',
    page_start  INT NOT NULL,
    page_end    INT NOT NULL,
    kind        TEXT NOT NULL DEFAULT 'text',
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS chunk_embeddings_doc_idx ON chunk_embeddings (document_id);
`

// NewPGVector connects and ensures the embeddings table exists.
func NewPGVector(ctx context.Context, dsn string, dim int) (*PGVector, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pg dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(pgvectorSchema, dim)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PGVector{pool: pool, dim: dim}, nil
}

func (p *PGVector) Close() { p.pool.Close() }

func (p *PGVector) Upsert(ctx context.Context, entries []Entry) error {
	const q = `
		INSERT INTO chunk_embeddings
			(chunk_id, document_id, embedding, text, section, page_start, page_end, kind)
		VALUES ($1, $2, $3::vector, $4, $5, $6, $7, $8)
		ON CONFLICT (chunk_id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			embedding   = EXCLUDED.embedding,
			text        = EXCLUDED.text,
			section     = EXCLUDED.section,
			page_start  = EXCLUDED.page_start,
			page_end    = EXCLUDED.page_end,
			kind        = EXCLUDED.kind,
			updated_at  = NOW()`
	for _, e := range entries {
		if _, err := p.pool.Exec(ctx, q,
			e.ChunkID, e.DocumentID, vectorLiteral(e.Vector),
			e.Text, e.Section, e.PageStart, e.PageEnd, e.Kind); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", e.ChunkID, err)
		}
	}
	return nil
}

func (p *PGVector) Query(ctx context.Context, vector []float32, k int, docID string) ([]Match, error) {
	// Cosine distance; vectors are normalized so 1-distance is cosine
	// similarity.
	q := `
		SELECT chunk_id, document_id,
		       1 - (embedding <=> $1::vector) AS score,
		       text, section, page_start, page_end
		FROM chunk_embeddings`
	args := []any{vectorLiteral(vector)}
	if docID != "" {
		q += ` WHERE document_id = $2`
		args = append(args, docID)
	}
	q += fmt.Sprintf(` ORDER BY embedding <=> $1::vector LIMIT %d`, k)

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ChunkID, &m.DocumentID, &m.Score,
			&m.Text, &m.Section, &m.PageStart, &m.PageEnd); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (p *PGVector) DeleteDocument(ctx context.Context, docID string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM chunk_embeddings WHERE document_id = $1`, docID)
	return err
}

func vectorLiteral(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
