package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanwen-zhu/filingfacts/internal/common"
	"github.com/hanwen-zhu/filingfacts/internal/entity"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "facts.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDocuments_UpsertGetList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := entity.Document{
		ID:          "abc123",
		SourcePath:  "/data/600519_贵州茅台_重组报告书.pdf",
		CompanyName: "贵州茅台",
		StockCode:   "600519",
		Status:      entity.StatusIngested,
		IngestedAt:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.UpsertDocument(ctx, doc))

	got, err := s.GetDocument(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, doc.CompanyName, got.CompanyName)
	assert.Equal(t, entity.StatusIngested, got.Status)

	require.NoError(t, s.SetDocumentStatus(ctx, "abc123", entity.StatusExtracted))
	got, err = s.GetDocument(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusExtracted, got.Status)

	docs, err := s.ListDocuments(ctx, entity.StatusExtracted)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	docs, err = s.ListDocuments(ctx, entity.StatusDone)
	require.NoError(t, err)
	assert.Empty(t, docs)

	_, err = s.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, s.SetDocumentStatus(ctx, "missing", entity.StatusDone), common.ErrNotFound)
}

func TestCheckpoints_ClaimCompleteReload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetCheckpoint(ctx, "d1", entity.StageExtract)
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, s.ClaimStage(ctx, "d1", entity.StageExtract, "hash-v1"))

	// Second claim while the first is live must lose the CAS.
	err = s.ClaimStage(ctx, "d1", entity.StageExtract, "hash-v1")
	assert.ErrorIs(t, err, common.ErrStageClaimed)

	payload := []byte(`{"pages":2}`)
	require.NoError(t, s.CompleteStage(ctx, "d1", entity.StageExtract, "hash-v1", payload))

	cp, err := s.GetCheckpoint(ctx, "d1", entity.StageExtract)
	require.NoError(t, err)
	assert.Equal(t, entity.CheckpointDone, cp.Status)
	assert.Equal(t, "hash-v1", cp.InputHash)
	assert.JSONEq(t, `{"pages":2}`, string(cp.Payload))

	// A done stage can be reclaimed (input changed, stage re-runs).
	require.NoError(t, s.ClaimStage(ctx, "d1", entity.StageExtract, "hash-v2"))
	cp, err = s.GetCheckpoint(ctx, "d1", entity.StageExtract)
	require.NoError(t, err)
	assert.Equal(t, entity.CheckpointClaimed, cp.Status)
	assert.Empty(t, cp.Payload)
}

func TestCheckpoints_ReleaseDropsClaimOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ClaimStage(ctx, "d1", entity.StageChunk, "h"))
	require.NoError(t, s.ReleaseStage(ctx, "d1", entity.StageChunk))
	_, err := s.GetCheckpoint(ctx, "d1", entity.StageChunk)
	assert.ErrorIs(t, err, common.ErrNotFound)

	// Released stage is claimable again.
	require.NoError(t, s.ClaimStage(ctx, "d1", entity.StageChunk, "h"))
	require.NoError(t, s.CompleteStage(ctx, "d1", entity.StageChunk, "h", nil))

	// Releasing a done checkpoint is a no-op.
	require.NoError(t, s.ReleaseStage(ctx, "d1", entity.StageChunk))
	cp, err := s.GetCheckpoint(ctx, "d1", entity.StageChunk)
	require.NoError(t, err)
	assert.Equal(t, entity.CheckpointDone, cp.Status)
}

func TestCheckpoints_CompleteWithoutClaim(t *testing.T) {
	s := openTestStore(t)
	err := s.CompleteStage(context.Background(), "d1", entity.StageIndex, "h", nil)
	assert.Error(t, err)
}

func TestFacts_AppendOnlyVersions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f1 := entity.Fact{
		DocumentID:       "d1",
		Field:            "deal_summary",
		Status:           entity.FactFailed,
		Error:            "retry budget exhausted",
		Attempts:         3,
		SupportingChunks: []string{"c1"},
		CreatedAt:        time.Now().UTC(),
	}
	v, err := s.PutFact(ctx, f1)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	f2 := f1
	f2.Status = entity.FactOK
	f2.Value = json.RawMessage(`{"acquirer":"甲公司","target":"乙公司"}`)
	f2.Confidence = 0.9
	f2.Error = ""
	f2.Attempts = 2
	v, err = s.PutFact(ctx, f2)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	other := entity.Fact{
		DocumentID: "d1", Field: "acquisition_purpose",
		Status: entity.FactOK, Value: json.RawMessage(`{"summary":"整合"}`),
		Confidence: 0.8, SupportingChunks: []string{"c2"}, CreatedAt: time.Now().UTC(),
	}
	_, err = s.PutFact(ctx, other)
	require.NoError(t, err)

	latest, err := s.GetFacts(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	// ordered by field name
	assert.Equal(t, "acquisition_purpose", latest[0].Field)
	assert.Equal(t, "deal_summary", latest[1].Field)
	assert.Equal(t, 2, latest[1].Version)
	assert.Equal(t, entity.FactOK, latest[1].Status)
	assert.Equal(t, []string{"c1"}, latest[1].SupportingChunks)

	audit, err := s.GetFactVersions(ctx, "d1", "deal_summary")
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, entity.FactFailed, audit[0].Status)
	assert.Equal(t, 3, audit[0].Attempts)
	assert.Equal(t, entity.FactOK, audit[1].Status)
}

func TestReviews_Workflow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.AddReview(ctx, entity.ReviewItem{
		DocumentID: "d1",
		Kind:       entity.ReviewAmbiguousStitch,
		Payload:    json.RawMessage(`{"pair_key":"t1|t2","confidence":0.65}`),
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	_, err = s.AddReview(ctx, entity.ReviewItem{
		DocumentID: "d2",
		Kind:       entity.ReviewFailedField,
		Payload:    json.RawMessage(`{"field":"deal_summary"}`),
	})
	require.NoError(t, err)

	open, err := s.ListReviews(ctx, "", entity.ReviewOpen)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	open, err = s.ListReviews(ctx, "d1", entity.ReviewOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, entity.ReviewAmbiguousStitch, open[0].Kind)

	require.NoError(t, s.ResolveReview(ctx, id, entity.ReviewAccepted, "same table, merge"))

	item, err := s.GetReview(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.ReviewAccepted, item.Status)
	assert.Equal(t, "same table, merge", item.Note)
	require.NotNil(t, item.ResolvedAt)

	// resolutions are final
	assert.Error(t, s.ResolveReview(ctx, id, entity.ReviewRejected, ""))
	// only accepted/rejected are valid resolutions
	assert.ErrorIs(t, s.ResolveReview(ctx, id, entity.ReviewOpen, ""), common.ErrInvalidInput)
}
