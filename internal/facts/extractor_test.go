package facts

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanwen-zhu/filingfacts/internal/common"
	"github.com/hanwen-zhu/filingfacts/internal/entity"
	"github.com/hanwen-zhu/filingfacts/internal/index"
	"github.com/hanwen-zhu/filingfacts/internal/llm"
)

type fakeEmbedder struct {
	calls int32
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&f.calls, int32(1))
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type fakeModel struct {
	calls   int32
	results []func() (json.RawMessage, error)
}

func (f *fakeModel) ExtractField(context.Context, llm.FieldSpec, []llm.ContextChunk) (json.RawMessage, error) {
	n := int(atomic.AddInt32(&f.calls, 1)) - 1
	if n >= len(f.results) {
		n = len(f.results) - 1
	}
	return f.results[n]()
}

func alwaysReturn(v json.RawMessage, err error) []func() (json.RawMessage, error) {
	return []func() (json.RawMessage, error){func() (json.RawMessage, error) { return v, err }}
}

func testSpec() llm.FieldSpec {
	return llm.FieldSpec{
		Name:         "transaction_consideration",
		Query:        "交易对价",
		SystemPrompt: "s",
		UserTemplate: "%s",
		Schema:       llm.BuildConsiderationSchema(),
	}
}

func seededIndex(t *testing.T, docID string) index.VectorIndex {
	t.Helper()
	idx := index.NewMemory()
	require.NoError(t, idx.Upsert(context.Background(), []index.Entry{
		{ChunkID: "c1", DocumentID: docID, Vector: []float32{1, 0}, Text: "交易对价为12.5亿元。", Section: "交易方案", PageStart: 3, PageEnd: 3},
		{ChunkID: "c2", DocumentID: docID, Vector: []float32{0.9, 0.1}, Text: "支付方式为现金。", PageStart: 4, PageEnd: 4},
	}))
	return idx
}

func newTestExtractor(t *testing.T, model llm.FieldExtractor) *Extractor {
	t.Helper()
	return NewExtractor(&fakeEmbedder{}, seededIndex(t, "doc1"), model, Config{
		TopK:        5,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	}, nil)
}

func TestExtractField_Success(t *testing.T) {
	model := &fakeModel{results: alwaysReturn(json.RawMessage(`{"amount":"12.5亿元","confidence":0.9}`), nil)}
	e := newTestExtractor(t, model)

	fact := e.ExtractField(context.Background(), "doc1", testSpec())
	assert.Equal(t, entity.FactOK, fact.Status)
	assert.InDelta(t, 0.9, fact.Confidence, 1e-9)
	assert.NotEmpty(t, fact.SupportingChunks)
	assert.Equal(t, "c1", fact.SupportingChunks[0])
	assert.Equal(t, 1, fact.Attempts) // the single structured call
}

func TestExtractField_TransientExhaustsBudget(t *testing.T) {
	model := &fakeModel{results: alwaysReturn(nil, common.Transientf("status 429"))}
	e := newTestExtractor(t, model)

	fact := e.ExtractField(context.Background(), "doc1", testSpec())
	assert.Equal(t, entity.FactFailed, fact.Status)
	assert.Equal(t, int32(3), model.calls)
	assert.Equal(t, 3, fact.Attempts) // retrieval never counts against the budget
	assert.Contains(t, fact.Error, "retry budget exhausted")
	assert.NotEmpty(t, fact.SupportingChunks) // provenance of what was tried
}

func TestExtractField_TransientThenSuccess(t *testing.T) {
	model := &fakeModel{results: []func() (json.RawMessage, error){
		func() (json.RawMessage, error) { return nil, common.Transientf("timeout") },
		func() (json.RawMessage, error) { return json.RawMessage(`{"amount":"3亿元","confidence":0.8}`), nil },
	}}
	e := newTestExtractor(t, model)

	fact := e.ExtractField(context.Background(), "doc1", testSpec())
	assert.Equal(t, entity.FactOK, fact.Status)
	assert.Equal(t, int32(2), model.calls)
}

func TestExtractField_ValidationNeverRetried(t *testing.T) {
	model := &fakeModel{results: alwaysReturn(nil, common.Validationf("field transaction_consideration: missing amount"))}
	e := newTestExtractor(t, model)

	fact := e.ExtractField(context.Background(), "doc1", testSpec())
	assert.Equal(t, entity.FactFailed, fact.Status)
	assert.Equal(t, int32(1), model.calls)
	assert.Empty(t, fact.Value)
}

func TestExtractField_NoChunksFails(t *testing.T) {
	model := &fakeModel{results: alwaysReturn(json.RawMessage(`{"amount":"1元"}`), nil)}
	e := NewExtractor(&fakeEmbedder{}, index.NewMemory(), model, Config{BackoffBase: time.Millisecond}, nil)

	fact := e.ExtractField(context.Background(), "doc1", testSpec())
	assert.Equal(t, entity.FactFailed, fact.Status)
	assert.Equal(t, int32(0), model.calls) // never called without evidence
	assert.Contains(t, fact.Error, "no supporting chunks")
}

func TestExtractField_ConfidenceFallsBackToRetrievalScore(t *testing.T) {
	model := &fakeModel{results: alwaysReturn(json.RawMessage(`{"amount":"5亿元"}`), nil)}
	e := newTestExtractor(t, model)

	fact := e.ExtractField(context.Background(), "doc1", testSpec())
	require.NotEqual(t, entity.FactFailed, fact.Status)
	// query vector equals c1's vector so the top cosine score is 1.0
	assert.InDelta(t, 1.0, fact.Confidence, 1e-6)
}

func TestExtractField_LowConfidenceFlagged(t *testing.T) {
	model := &fakeModel{results: alwaysReturn(json.RawMessage(`{"amount":"5亿元","confidence":0.2}`), nil)}
	e := newTestExtractor(t, model)

	fact := e.ExtractField(context.Background(), "doc1", testSpec())
	assert.Equal(t, entity.FactLowConfidence, fact.Status)
	assert.NotEmpty(t, fact.Value)
}

func TestExtractAll_FieldFailureDoesNotBlockSiblings(t *testing.T) {
	// All three fields share one model; the first call fails validation,
	// the rest succeed.
	model := &fakeModel{results: []func() (json.RawMessage, error){
		func() (json.RawMessage, error) { return nil, common.Validationf("bad shape") },
		func() (json.RawMessage, error) {
			return json.RawMessage(`{"acquirer":"甲公司","target":"乙公司","summary":"整合","amount":"1亿元","confidence":0.9}`), nil
		},
	}}
	e := NewExtractor(&fakeEmbedder{}, seededIndex(t, "doc1"), model, Config{
		MaxAttempts:  3,
		BackoffBase:  time.Millisecond,
		FieldWorkers: 1, // deterministic call order
	}, nil)

	facts, err := e.ExtractAll(context.Background(), "doc1")
	require.NoError(t, err)
	require.Len(t, facts, 3)

	var failed, succeeded int
	for _, f := range facts {
		if f.Status == entity.FactFailed {
			failed++
		} else {
			succeeded++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, succeeded)
}

func TestExtractAll_UnknownSchema(t *testing.T) {
	e := NewExtractor(&fakeEmbedder{}, index.NewMemory(), &fakeModel{}, Config{SchemaName: "annual_report"}, nil)
	_, err := e.ExtractAll(context.Background(), "doc1")
	assert.Error(t, err)
}
