package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanwen-zhu/filingfacts/internal/common"
	"github.com/hanwen-zhu/filingfacts/internal/entity"
)

type fakeStrategy struct {
	name  string
	cands []entity.TableCandidate
	err   error
}

func (f fakeStrategy) Name() string { return f.name }
func (f fakeStrategy) ExtractTables(context.Context, entity.Page) ([]entity.TableCandidate, error) {
	return f.cands, f.err
}

func cand(method string, conf float64, region entity.BBox) entity.TableCandidate {
	return entity.TableCandidate{
		Page:       1,
		Region:     region,
		Cells:      [][]string{{"a", "b"}, {"1", "2"}},
		Confidence: conf,
		Method:     method,
	}
}

func TestReconcilePage_OverlappingCandidatesDeduped(t *testing.T) {
	region := entity.BBox{X0: 0, Y0: 0.2, X1: 1, Y1: 0.5}
	h := NewHybrid([]TableStrategy{
		fakeStrategy{name: "lattice", cands: []entity.TableCandidate{cand("lattice", 0.9, region)}},
		fakeStrategy{name: "stream", cands: []entity.TableCandidate{cand("stream", 0.6, region)}},
	}, common.ExtractConfig{}, nil)

	res := h.ReconcilePage(context.Background(), "doc1", entity.Page{Number: 1})
	require.Len(t, res.Tables, 1)
	assert.Equal(t, 0.9, res.Tables[0].Confidence)
	assert.Equal(t, "lattice", res.Tables[0].Method)
	assert.False(t, res.Tables[0].LowConfidence)
}

func TestReconcilePage_TieBrokenByStrategyOrder(t *testing.T) {
	region := entity.BBox{X0: 0, Y0: 0.2, X1: 1, Y1: 0.5}
	h := NewHybrid([]TableStrategy{
		fakeStrategy{name: "lattice", cands: []entity.TableCandidate{cand("lattice", 0.8, region)}},
		fakeStrategy{name: "stream", cands: []entity.TableCandidate{cand("stream", 0.8, region)}},
	}, common.ExtractConfig{}, nil)

	res := h.ReconcilePage(context.Background(), "doc1", entity.Page{Number: 1})
	require.Len(t, res.Tables, 1)
	assert.Equal(t, "lattice", res.Tables[0].Method)
}

func TestReconcilePage_LowConfidenceWinnerFlagged(t *testing.T) {
	region := entity.BBox{X0: 0, Y0: 0.2, X1: 1, Y1: 0.5}
	h := NewHybrid([]TableStrategy{
		fakeStrategy{name: "stream", cands: []entity.TableCandidate{cand("stream", 0.55, region)}},
	}, common.ExtractConfig{}, nil)

	res := h.ReconcilePage(context.Background(), "doc1", entity.Page{Number: 1})
	require.Len(t, res.Tables, 1)
	assert.True(t, res.Tables[0].LowConfidence)
}

func TestReconcilePage_DisjointRegionsBothKept(t *testing.T) {
	top := entity.BBox{X0: 0, Y0: 0.1, X1: 1, Y1: 0.3}
	bottom := entity.BBox{X0: 0, Y0: 0.6, X1: 1, Y1: 0.9}
	h := NewHybrid([]TableStrategy{
		fakeStrategy{name: "lattice", cands: []entity.TableCandidate{
			cand("lattice", 0.9, top), cand("lattice", 0.85, bottom),
		}},
	}, common.ExtractConfig{}, nil)

	res := h.ReconcilePage(context.Background(), "doc1", entity.Page{Number: 1})
	require.Len(t, res.Tables, 2)
	// ordered top to bottom
	assert.Equal(t, top, res.Tables[0].Region)
	assert.Equal(t, bottom, res.Tables[1].Region)
}

func TestReconcilePage_TextOverlappingTableDropped(t *testing.T) {
	region := entity.BBox{X0: 0, Y0: 0.2, X1: 1, Y1: 0.5}
	page := entity.Page{Number: 1, Blocks: []entity.TextBlock{
		{Page: 1, Text: "| a | b |\n| 1 | 2 |", BBox: region},
		{Page: 1, Text: "narrative paragraph", BBox: entity.BBox{X0: 0, Y0: 0.6, X1: 1, Y1: 0.8}},
	}}
	h := NewHybrid([]TableStrategy{
		fakeStrategy{name: "lattice", cands: []entity.TableCandidate{cand("lattice", 0.9, region)}},
	}, common.ExtractConfig{}, nil)

	res := h.ReconcilePage(context.Background(), "doc1", page)
	require.Len(t, res.TextBlocks, 1)
	assert.Equal(t, "narrative paragraph", res.TextBlocks[0].Text)
}

func TestReconcilePage_AllStrategiesFailedNonFatal(t *testing.T) {
	page := entity.Page{Number: 3, Blocks: []entity.TextBlock{
		{Page: 3, Text: "some text", BBox: entity.BBox{X0: 0, Y0: 0, X1: 1, Y1: 0.2}},
	}}
	h := NewHybrid([]TableStrategy{
		fakeStrategy{name: "lattice", err: errors.New("boom")},
		fakeStrategy{name: "stream", err: errors.New("boom")},
	}, common.ExtractConfig{}, nil)

	res := h.ReconcilePage(context.Background(), "doc1", page)
	assert.True(t, res.TableExtractionFailed)
	assert.Empty(t, res.Tables)
	// text still flows
	assert.Len(t, res.TextBlocks, 1)
}

func TestLatticeStrategy_ParsesPipeTable(t *testing.T) {
	page := entity.Page{Number: 1, Blocks: []entity.TextBlock{{
		Page: 1,
		Text: "| 项目 | 金额 |\n| --- | --- |\n| 资产总额 | 1,000 |\n| 负债总额 | 400 |",
		BBox: entity.BBox{X0: 0, Y0: 0.5, X1: 1, Y1: 0.9},
	}}}
	cands, err := LatticeStrategy{}.ExtractTables(context.Background(), page)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, [][]string{{"项目", "金额"}, {"资产总额", "1,000"}, {"负债总额", "400"}}, cands[0].Cells)
	assert.GreaterOrEqual(t, cands[0].Confidence, 0.9)
}

func TestStreamStrategy_ParsesAlignedColumns(t *testing.T) {
	page := entity.Page{Number: 1, Blocks: []entity.TextBlock{{
		Page: 1,
		Text: "项目    本期    上期\n营业收入    500    450\n净利润    80    70",
		BBox: entity.BBox{X0: 0, Y0: 0.1, X1: 1, Y1: 0.4},
	}}}
	cands, err := StreamStrategy{}.ExtractTables(context.Background(), page)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Len(t, cands[0].Cells, 3)
	assert.Less(t, cands[0].Confidence, 0.8)
}
