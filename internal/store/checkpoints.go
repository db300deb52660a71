package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hanwen-zhu/filingfacts/internal/common"
	"github.com/hanwen-zhu/filingfacts/internal/entity"
)

// GetCheckpoint returns the checkpoint row for (doc, stage), or
// common.ErrNotFound when the stage has never been claimed.
func (s *Store) GetCheckpoint(ctx context.Context, docID string, stage entity.Stage) (entity.Checkpoint, error) {
	var cp entity.Checkpoint
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT doc_id, stage, status, input_hash, payload, updated_at
		FROM checkpoints WHERE doc_id = ? AND stage = ?`, docID, stage,
	).Scan(&cp.DocumentID, &cp.Stage, &cp.Status, &cp.InputHash, &payload, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Checkpoint{}, fmt.Errorf("checkpoint %s/%s: %w", docID, stage, common.ErrNotFound)
	}
	if err != nil {
		return entity.Checkpoint{}, fmt.Errorf("get checkpoint %s/%s: %w", docID, stage, err)
	}
	if payload.Valid {
		cp.Payload = []byte(payload.String)
	}
	return cp, nil
}

// claimLease bounds how long a claim can sit unfinished before another
// run may take it over (crashed worker recovery).
const claimLease = 15 * time.Minute

// ClaimStage takes the single-writer claim for (doc, stage) via a
// compare-and-set: it succeeds when no row exists, the existing row is
// done (a re-run after an input change), or a prior claim has outlived its
// lease. A live concurrent claim yields common.ErrStageClaimed.
func (s *Store) ClaimStage(ctx context.Context, docID string, stage entity.Stage, inputHash string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (doc_id, stage, status, input_hash, payload, updated_at)
		VALUES (?, ?, ?, ?, NULL, ?)
		ON CONFLICT (doc_id, stage) DO UPDATE SET
			status     = excluded.status,
			input_hash = excluded.input_hash,
			payload    = NULL,
			updated_at = excluded.updated_at
		WHERE checkpoints.status != ? OR checkpoints.updated_at < ?`,
		docID, stage, entity.CheckpointClaimed, inputHash, now,
		entity.CheckpointClaimed, now.Add(-claimLease),
	)
	if err != nil {
		return fmt.Errorf("claim stage %s/%s: %w", docID, stage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim stage %s/%s: %w", docID, stage, err)
	}
	if n == 0 {
		return fmt.Errorf("stage %s/%s: %w", docID, stage, common.ErrStageClaimed)
	}
	return nil
}

// CompleteStage marks a claimed stage done, recording the input hash it ran
// against and the serialized stage output for resume.
func (s *Store) CompleteStage(ctx context.Context, docID string, stage entity.Stage, inputHash string, payload []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints
		SET status = ?, input_hash = ?, payload = ?, updated_at = ?
		WHERE doc_id = ? AND stage = ? AND status = ?`,
		entity.CheckpointDone, inputHash, payload, time.Now().UTC(),
		docID, stage, entity.CheckpointClaimed,
	)
	if err != nil {
		return fmt.Errorf("complete stage %s/%s: %w", docID, stage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete stage %s/%s: no claim held: %w", docID, stage, common.ErrInvalidInput)
	}
	return nil
}

// ReleaseStage drops an unfinished claim so a later run can retry the
// stage. Done checkpoints are left alone.
func (s *Store) ReleaseStage(ctx context.Context, docID string, stage entity.Stage) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE doc_id = ? AND stage = ? AND status = ?`,
		docID, stage, entity.CheckpointClaimed,
	)
	if err != nil {
		return fmt.Errorf("release stage %s/%s: %w", docID, stage, err)
	}
	return nil
}
