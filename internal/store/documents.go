package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hanwen-zhu/filingfacts/internal/common"
	"github.com/hanwen-zhu/filingfacts/internal/entity"
)

// UpsertDocument registers a document, keeping the original ingest time
// on re-registration of the same content hash.
func (s *Store) UpsertDocument(ctx context.Context, doc entity.Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, source_path, page_count, company_name, stock_code, status, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			source_path  = excluded.source_path,
			page_count   = excluded.page_count,
			company_name = excluded.company_name,
			stock_code   = excluded.stock_code,
			status       = excluded.status`,
		doc.ID, doc.SourcePath, doc.PageCount, doc.CompanyName, doc.StockCode, doc.Status, doc.IngestedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (entity.Document, error) {
	var doc entity.Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_path, page_count, company_name, stock_code, status, ingested_at
		FROM documents WHERE id = ?`, id,
	).Scan(&doc.ID, &doc.SourcePath, &doc.PageCount, &doc.CompanyName, &doc.StockCode, &doc.Status, &doc.IngestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Document{}, fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return entity.Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

// SetDocumentStatus records a stage transition. Page count is updated at
// the same time when known, since extraction is the first stage to see it.
func (s *Store) SetDocumentStatus(ctx context.Context, id string, status entity.DocumentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set status %s=%s: %w", id, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	return nil
}

func (s *Store) SetDocumentPageCount(ctx context.Context, id string, pages int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET page_count = ? WHERE id = ?`, pages, id)
	if err != nil {
		return fmt.Errorf("set page count %s: %w", id, err)
	}
	return nil
}

// ListDocuments returns all documents, optionally filtered by status.
func (s *Store) ListDocuments(ctx context.Context, status entity.DocumentStatus) ([]entity.Document, error) {
	q := `SELECT id, source_path, page_count, company_name, stock_code, status, ingested_at
	      FROM documents`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY ingested_at`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []entity.Document
	for rows.Next() {
		var doc entity.Document
		if err := rows.Scan(&doc.ID, &doc.SourcePath, &doc.PageCount, &doc.CompanyName, &doc.StockCode, &doc.Status, &doc.IngestedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
