package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hanwen-zhu/filingfacts/internal/common"
	"github.com/hanwen-zhu/filingfacts/internal/entity"
)

// AddReview enqueues a manual-review item and returns its id.
func (s *Store) AddReview(ctx context.Context, item entity.ReviewItem) (uuid.UUID, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = entity.ReviewOpen
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	payload := "{}"
	if len(item.Payload) > 0 {
		payload = string(item.Payload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews (id, doc_id, kind, payload, status, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID.String(), item.DocumentID, item.Kind, payload, item.Status, item.Note, item.CreatedAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("add review: %w", err)
	}
	return item.ID, nil
}

func (s *Store) GetReview(ctx context.Context, id uuid.UUID) (entity.ReviewItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, doc_id, kind, payload, status, note, created_at, resolved_at
		FROM reviews WHERE id = ?`, id.String())
	item, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.ReviewItem{}, fmt.Errorf("review %s: %w", id, common.ErrNotFound)
	}
	return item, err
}

// ListReviews returns queue items, newest first. Empty filters match all.
func (s *Store) ListReviews(ctx context.Context, docID string, status entity.ReviewStatus) ([]entity.ReviewItem, error) {
	q := `SELECT id, doc_id, kind, payload, status, note, created_at, resolved_at FROM reviews`
	var conds []string
	var args []any
	if docID != "" {
		conds = append(conds, "doc_id = ?")
		args = append(args, docID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	for i, c := range conds {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var items []entity.ReviewItem
	for rows.Next() {
		item, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ResolveReview moves an open item to accepted or rejected. Resolving a
// non-open item is an error; resolutions are final.
func (s *Store) ResolveReview(ctx context.Context, id uuid.UUID, status entity.ReviewStatus, note string) error {
	if status != entity.ReviewAccepted && status != entity.ReviewRejected {
		return fmt.Errorf("resolution must be accepted or rejected, got %q: %w", status, common.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE reviews SET status = ?, note = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		status, note, time.Now().UTC(), id.String(), entity.ReviewOpen,
	)
	if err != nil {
		return fmt.Errorf("resolve review %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("review %s is not open: %w", id, common.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReview(row rowScanner) (entity.ReviewItem, error) {
	var item entity.ReviewItem
	var id, payload string
	var resolved sql.NullTime
	err := row.Scan(&id, &item.DocumentID, &item.Kind, &payload, &item.Status, &item.Note, &item.CreatedAt, &resolved)
	if err != nil {
		return entity.ReviewItem{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return entity.ReviewItem{}, fmt.Errorf("parse review id %q: %w", id, err)
	}
	item.ID = parsed
	item.Payload = []byte(payload)
	if resolved.Valid {
		t := resolved.Time
		item.ResolvedAt = &t
	}
	return item, nil
}
