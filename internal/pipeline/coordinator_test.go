package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanwen-zhu/filingfacts/internal/chunk"
	"github.com/hanwen-zhu/filingfacts/internal/common"
	"github.com/hanwen-zhu/filingfacts/internal/entity"
	"github.com/hanwen-zhu/filingfacts/internal/extract"
	"github.com/hanwen-zhu/filingfacts/internal/facts"
	"github.com/hanwen-zhu/filingfacts/internal/index"
	"github.com/hanwen-zhu/filingfacts/internal/llm"
	"github.com/hanwen-zhu/filingfacts/internal/stitch"
	"github.com/hanwen-zhu/filingfacts/internal/store"
)

type fakeExtractor struct {
	pages      []entity.Page
	fatal      bool
	countCalls int32
	pageCalls  int32
}

func (f *fakeExtractor) PageCount(context.Context, extract.DocumentRef) (int, error) {
	atomic.AddInt32(&f.countCalls, 1)
	if f.fatal {
		return 0, common.FatalDocumentf("unreadable file")
	}
	return len(f.pages), nil
}

func (f *fakeExtractor) ExtractPage(_ context.Context, _ extract.DocumentRef, pageIndex int) (entity.Page, error) {
	atomic.AddInt32(&f.pageCalls, 1)
	return f.pages[pageIndex-1], nil
}

type countEmbedder struct {
	calls     int32
	failFirst int32 // first N calls fail with a transient error
}

func (e *countEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	n := atomic.AddInt32(&e.calls, 1)
	if n <= e.failFirst {
		return nil, common.Transientf("embedding backend: status 429")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type countModel struct{ calls int32 }

func (m *countModel) ExtractField(context.Context, llm.FieldSpec, []llm.ContextChunk) (json.RawMessage, error) {
	atomic.AddInt32(&m.calls, 1)
	return json.RawMessage(`{"acquirer":"甲公司","target":"乙科技有限公司","summary":"整合产业链","amount":"8.4亿元","confidence":0.9}`), nil
}

type fixture struct {
	store *store.Store
	coord *Coordinator
	ext   *fakeExtractor
	emb   *countEmbedder
	model *countModel
	idx   *index.Memory
}

func newFixture(t *testing.T, pages []entity.Page) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "facts.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store: st,
		ext:   &fakeExtractor{pages: pages},
		emb:   &countEmbedder{},
		model: &countModel{},
		idx:   index.NewMemory(),
	}
	factsExt := facts.NewExtractor(f.emb, f.idx, f.model, facts.Config{
		MaxAttempts:  3,
		BackoffBase:  time.Millisecond,
		FieldWorkers: 1,
	}, nil)
	hybrid := extract.NewHybrid(
		[]extract.TableStrategy{extract.LatticeStrategy{}, extract.StreamStrategy{}},
		common.ExtractConfig{}, nil,
	)
	f.coord = NewCoordinator(
		st, f.ext, hybrid,
		stitch.New(common.StitchConfig{}, nil),
		chunk.New(common.ChunkConfig{}, nil),
		f.emb, f.idx, factsExt,
		Config{PageWorkers: 2, EmbedBackoffBase: time.Millisecond}, nil,
	)
	return f
}

func registerDoc(t *testing.T, s *store.Store, id string) extract.DocumentRef {
	t.Helper()
	require.NoError(t, s.UpsertDocument(context.Background(), entity.Document{
		ID:         id,
		SourcePath: "/data/" + id + ".md",
		Status:     entity.StatusIngested,
		IngestedAt: time.Now().UTC(),
	}))
	return extract.DocumentRef{ID: id, Path: "/data/" + id + ".md"}
}

const page1Table = `| 交易标的 | 作价 | 占比 | 支付 |
| --- | --- | --- | --- |
| 股权转让 | 50,000 | 60% | 现金 |
| 资产交割 | 30,000 | 35% | 股份 |
| 其他安排 | 4,000 | 5% | 现金 |`

const page2Table = `| 设备采购 | 8,000 | 9% | 现金 |
| 土地使用权 | 6,000 | 7% | 股份 |
| 在建工程 | 2,000 | 2% | 现金 |`

// twoPageDoc: page 1 ends with a 4-column table 5% from the bottom
// margin, page 2 opens with a header-less 4-column table 5% from the top.
func twoPageDoc(bottomY1, topY0 float64) []entity.Page {
	return []entity.Page{
		{Number: 1, Blocks: []entity.TextBlock{
			{Page: 1, Text: "本公司拟通过发行股份及支付现金的方式购买标的公司全部股权。", BBox: entity.BBox{X0: 0.1, Y0: 0.08, X1: 0.9, Y1: 0.18}},
			{Page: 1, Text: page1Table, BBox: entity.BBox{X0: 0.1, Y0: 0.55, X1: 0.9, Y1: bottomY1}},
		}},
		{Number: 2, Blocks: []entity.TextBlock{
			{Page: 2, Text: page2Table, BBox: entity.BBox{X0: 0.1, Y0: topY0, X1: 0.9, Y1: 0.4}},
			{Page: 2, Text: "本次交易完成后，上市公司的主营业务将得到进一步加强。", BBox: entity.BBox{X0: 0.1, Y0: 0.6, X1: 0.9, Y1: 0.7}},
		}},
	}
}

func stitchPayload(t *testing.T, s *store.Store, docID string) stitch.Result {
	t.Helper()
	cp, err := s.GetCheckpoint(context.Background(), docID, entity.StageStitch)
	require.NoError(t, err)
	require.Equal(t, entity.CheckpointDone, cp.Status)
	var res stitch.Result
	require.NoError(t, json.Unmarshal(cp.Payload, &res))
	return res
}

func TestProcess_EndToEnd(t *testing.T) {
	f := newFixture(t, twoPageDoc(0.95, 0.05))
	doc := registerDoc(t, f.store, "doc-e2e")
	ctx := context.Background()

	require.NoError(t, f.coord.Process(ctx, doc))

	got, err := f.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusDone, got.Status)
	assert.Equal(t, 2, got.PageCount)

	for _, stage := range entity.Stages() {
		cp, err := f.store.GetCheckpoint(ctx, doc.ID, stage)
		require.NoError(t, err, "stage %s", stage)
		assert.Equal(t, entity.CheckpointDone, cp.Status, "stage %s", stage)
	}

	// The page boundary tables merged into one stitched table with the
	// combined row count: 4 header+data rows plus 3 continuation rows.
	res := stitchPayload(t, f.store, doc.ID)
	require.Len(t, res.Tables, 1)
	assert.Empty(t, res.Review)
	require.Len(t, res.Tables[0].Parts, 2)
	assert.GreaterOrEqual(t, res.Tables[0].MergeConfidence, 0.85)
	assert.Len(t, res.Tables[0].Rows(), 7)

	allFacts, err := f.store.GetFacts(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, allFacts, 3)
	for _, fact := range allFacts {
		assert.Equal(t, entity.FactOK, fact.Status, fact.Field)
		assert.Greater(t, fact.Confidence, 0.0, fact.Field)
		assert.NotEmpty(t, fact.SupportingChunks, fact.Field)
	}

	assert.Greater(t, f.idx.Len(), 0)
}

func TestProcess_SecondRunTouchesNoBackend(t *testing.T) {
	f := newFixture(t, twoPageDoc(0.95, 0.05))
	doc := registerDoc(t, f.store, "doc-resume")
	ctx := context.Background()

	require.NoError(t, f.coord.Process(ctx, doc))
	pageCalls := atomic.LoadInt32(&f.ext.pageCalls)
	embedCalls := atomic.LoadInt32(&f.emb.calls)
	modelCalls := atomic.LoadInt32(&f.model.calls)
	require.Equal(t, int32(2), pageCalls)
	require.Equal(t, int32(3), modelCalls)

	// Nothing changed, so every stage skips and no backend is touched.
	require.NoError(t, f.coord.Process(ctx, doc))
	assert.Equal(t, pageCalls, atomic.LoadInt32(&f.ext.pageCalls))
	assert.Equal(t, embedCalls, atomic.LoadInt32(&f.emb.calls))
	assert.Equal(t, modelCalls, atomic.LoadInt32(&f.model.calls))

	got, err := f.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusDone, got.Status)

	// Facts were not re-extracted: still a single version per field.
	audit, err := f.store.GetFactVersions(ctx, doc.ID, "deal_summary")
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestProcess_TransientEmbeddingRetriedDuringIndex(t *testing.T) {
	f := newFixture(t, twoPageDoc(0.95, 0.05))
	f.emb.failFirst = 1 // index-stage embedding fails once, then recovers
	doc := registerDoc(t, f.store, "doc-flaky-embed")
	ctx := context.Background()

	require.NoError(t, f.coord.Process(ctx, doc))

	got, err := f.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusDone, got.Status)
	assert.Greater(t, f.idx.Len(), 0)
	// one failed call, the successful re-run, then one query per field
	assert.Equal(t, int32(5), atomic.LoadInt32(&f.emb.calls))
}

func TestProcess_FatalMarksDocumentFailed(t *testing.T) {
	f := newFixture(t, nil)
	f.ext.fatal = true
	doc := registerDoc(t, f.store, "doc-corrupt")
	ctx := context.Background()

	err := f.coord.Process(ctx, doc)
	require.Error(t, err)
	assert.True(t, common.IsFatal(err))

	got, err := f.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Status)
}

func TestProcess_ClaimedStageYieldsToOwner(t *testing.T) {
	f := newFixture(t, twoPageDoc(0.95, 0.05))
	doc := registerDoc(t, f.store, "doc-claimed")
	ctx := context.Background()

	// Simulate another run holding the extract claim.
	hash := entity.HashContent("document", doc.ID)
	require.NoError(t, f.store.ClaimStage(ctx, doc.ID, entity.StageExtract, hash))

	err := f.coord.Process(ctx, doc)
	assert.ErrorIs(t, err, common.ErrStageClaimed)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.ext.pageCalls))
}

func TestProcess_AmbiguousStitchReviewedThenAccepted(t *testing.T) {
	// 17.5% gaps on both sides of the boundary put the pair in the
	// review band instead of auto-merging.
	f := newFixture(t, twoPageDoc(0.825, 0.175))
	doc := registerDoc(t, f.store, "doc-ambiguous")
	ctx := context.Background()

	require.NoError(t, f.coord.Process(ctx, doc))

	res := stitchPayload(t, f.store, doc.ID)
	require.Len(t, res.Review, 1)
	assert.InDelta(t, 0.65, res.Review[0].MergeConfidence, 1e-9)
	// Both parts stay independently retrievable while the pair is open.
	assert.Len(t, res.Tables, 2)

	open, err := f.store.ListReviews(ctx, doc.ID, entity.ReviewOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, entity.ReviewAmbiguousStitch, open[0].Kind)

	// Re-running without a resolution neither re-stitches nor re-queues.
	require.NoError(t, f.coord.Process(ctx, doc))
	again, err := f.store.ListReviews(ctx, doc.ID, "")
	require.NoError(t, err)
	assert.Len(t, again, 1)

	// Accepting the pair re-runs the stitch and merges on resume.
	require.NoError(t, f.store.ResolveReview(ctx, open[0].ID, entity.ReviewAccepted, "same table"))
	require.NoError(t, f.coord.Process(ctx, doc))

	res = stitchPayload(t, f.store, doc.ID)
	assert.Empty(t, res.Review)
	require.Len(t, res.Tables, 1)
	require.Len(t, res.Tables[0].Parts, 2)
	assert.Len(t, res.Tables[0].Rows(), 7)

	got, err := f.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusDone, got.Status)
}

func TestProcess_CancelledBeforeStartLeavesCheckpointsValid(t *testing.T) {
	f := newFixture(t, twoPageDoc(0.95, 0.05))
	doc := registerDoc(t, f.store, "doc-cancel")

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.coord.Process(cancelled, doc)
	require.Error(t, err)
	assert.True(t, common.IsTransient(err))

	// A later resume runs to completion from scratch.
	require.NoError(t, f.coord.Process(context.Background(), doc))
	got, err := f.store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusDone, got.Status)
}
