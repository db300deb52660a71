package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hanwen-zhu/filingfacts/internal/entity"
)

// PutFact appends a new version of (doc, field). Versions start at 1 and
// are never overwritten; the latest version wins reads, older versions
// stay queryable for audit.
func (s *Store) PutFact(ctx context.Context, fact entity.Fact) (int, error) {
	chunks, err := json.Marshal(fact.SupportingChunks)
	if err != nil {
		return 0, fmt.Errorf("marshal supporting chunks: %w", err)
	}
	var value any
	if len(fact.Value) > 0 {
		value = string(fact.Value)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO facts (doc_id, field, version, status, value, confidence, supporting_chunks, attempts, error, created_at)
		SELECT ?, ?, COALESCE(MAX(version), 0) + 1, ?, ?, ?, ?, ?, ?, ?
		FROM facts WHERE doc_id = ? AND field = ?
		RETURNING version`,
		fact.DocumentID, fact.Field, fact.Status, value, fact.Confidence,
		string(chunks), fact.Attempts, fact.Error, fact.CreatedAt,
		fact.DocumentID, fact.Field,
	)
	var version int
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("put fact %s/%s: %w", fact.DocumentID, fact.Field, err)
	}
	return version, nil
}

// GetFacts returns the latest version of every field for a document,
// ordered by field name.
func (s *Store) GetFacts(ctx context.Context, docID string) ([]entity.Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.doc_id, f.field, f.version, f.status, f.value, f.confidence,
		       f.supporting_chunks, f.attempts, f.error, f.created_at
		FROM facts f
		JOIN (
			SELECT field, MAX(version) AS version
			FROM facts WHERE doc_id = ?
			GROUP BY field
		) latest ON latest.field = f.field AND latest.version = f.version
		WHERE f.doc_id = ?
		ORDER BY f.field`, docID, docID)
	if err != nil {
		return nil, fmt.Errorf("get facts %s: %w", docID, err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// GetFactVersions returns every recorded version of one field, oldest
// first (the audit trail).
func (s *Store) GetFactVersions(ctx context.Context, docID, field string) ([]entity.Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, field, version, status, value, confidence,
		       supporting_chunks, attempts, error, created_at
		FROM facts
		WHERE doc_id = ? AND field = ?
		ORDER BY version`, docID, field)
	if err != nil {
		return nil, fmt.Errorf("get fact versions %s/%s: %w", docID, field, err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func scanFacts(rows *sql.Rows) ([]entity.Fact, error) {
	var facts []entity.Fact
	for rows.Next() {
		var f entity.Fact
		var value sql.NullString
		var chunks string
		if err := rows.Scan(&f.DocumentID, &f.Field, &f.Version, &f.Status, &value,
			&f.Confidence, &chunks, &f.Attempts, &f.Error, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		if value.Valid {
			f.Value = json.RawMessage(value.String)
		}
		if err := json.Unmarshal([]byte(chunks), &f.SupportingChunks); err != nil {
			return nil, fmt.Errorf("decode supporting chunks: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}
