package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanwen-zhu/filingfacts/internal/common"
	"github.com/hanwen-zhu/filingfacts/internal/entity"
)

func stitched(id string, rows [][]string) entity.StitchedTable {
	return entity.StitchedTable{
		ID:         id,
		DocumentID: "doc1",
		Parts: []entity.ReconciledTable{{
			ID: id + "-p1", Page: 2, Cells: rows, Confidence: 0.9, Method: "lattice",
		}},
	}
}

func TestChunk_TableFitsAsSingleChunk(t *testing.T) {
	c := New(common.ChunkConfig{MaxChars: 500}, nil)
	rows := [][]string{{"项目", "金额"}, {"资产总额", "1,000"}, {"负债总额", "400"}}

	chunks := c.Chunk("doc1", nil, []entity.StitchedTable{stitched("t1", rows)})
	require.Len(t, chunks, 1)
	assert.Equal(t, entity.ChunkTable, chunks[0].Kind)
	assert.Equal(t, "t1", chunks[0].TableID)
	assert.Equal(t, 3, strings.Count(chunks[0].Text, "\n"))
}

func TestChunk_OversizeTableSplitsOnRowGroupsWithHeader(t *testing.T) {
	c := New(common.ChunkConfig{MaxChars: 120}, nil)
	rows := [][]string{{"项目", "金额"}}
	for i := 0; i < 12; i++ {
		rows = append(rows, []string{"长长的资产项目名称某某某", "123,456,789.00"})
	}

	chunks := c.Chunk("doc1", nil, []entity.StitchedTable{stitched("t1", rows)})
	require.Greater(t, len(chunks), 1)

	totalDataRows := 0
	for _, ch := range chunks {
		lines := strings.Split(strings.TrimSpace(ch.Text), "\n")
		// header duplicated into every part
		assert.Contains(t, lines[0], "项目")
		totalDataRows += len(lines) - 1
		// no chunk exceeds the bound by more than one row's worth
		for _, l := range lines {
			assert.True(t, strings.HasPrefix(l, "|"), "row split mid-line: %q", l)
		}
	}
	assert.Equal(t, 12, totalDataRows)
}

func TestChunk_ReviewCandidatesNotChunked(t *testing.T) {
	c := New(common.ChunkConfig{}, nil)
	st := stitched("t1", [][]string{{"项目", "金额"}, {"a", "1"}})
	st.NeedsManualReview = true

	chunks := c.Chunk("doc1", nil, []entity.StitchedTable{st})
	assert.Empty(t, chunks)
}

func TestChunk_TextSplitsAtParagraphBoundaries(t *testing.T) {
	c := New(common.ChunkConfig{MaxChars: 100, OverlapChars: 10}, nil)
	para1 := "本次交易的标的资产为某某科技有限公司全部股权。"
	para2 := "交易对价以发行股份方式支付，发行价格为每股十元。"
	blocks := []entity.TextBlock{{Page: 1, Text: para1 + "\n\n" + para2}}

	chunks := c.Chunk("doc1", blocks, nil)
	require.Len(t, chunks, 2)
	assert.Equal(t, para1, chunks[0].Text)
	assert.Equal(t, para2, chunks[1].Text)
	for _, ch := range chunks {
		assert.Equal(t, entity.ChunkText, ch.Kind)
		assert.Equal(t, 1, ch.PageStart)
	}
}

func TestChunk_SectionTitleCarriedOntoChunks(t *testing.T) {
	c := New(common.ChunkConfig{MaxChars: 500}, nil)
	blocks := []entity.TextBlock{
		{Page: 1, Text: "第一节 交易概述"},
		{Page: 1, Text: "本次交易构成重大资产重组。"},
		{Page: 2, Text: "二、交易背景"},
		{Page: 2, Text: "标的公司主营业务为港口运营。"},
	}

	chunks := c.Chunk("doc1", blocks, nil)
	require.Len(t, chunks, 4)
	assert.Equal(t, "第一节 交易概述", chunks[1].Section)
	assert.Equal(t, "二、交易背景", chunks[3].Section)
}

func TestChunk_IDsStableAcrossRuns(t *testing.T) {
	c := New(common.ChunkConfig{}, nil)
	blocks := []entity.TextBlock{{Page: 3, Text: "稳定的文本内容。"}}
	tables := []entity.StitchedTable{stitched("t1", [][]string{{"项目", "金额"}, {"a", "1"}})}

	first := c.Chunk("doc1", blocks, tables)
	second := c.Chunk("doc1", blocks, tables)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}

func TestChunk_WhitespaceDifferencesKeepSameID(t *testing.T) {
	c := New(common.ChunkConfig{}, nil)
	a := c.Chunk("doc1", []entity.TextBlock{{Page: 1, Text: "甲方  与 乙方"}}, nil)
	b := c.Chunk("doc1", []entity.TextBlock{{Page: 1, Text: "甲方 与  乙方"}}, nil)
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].ID, b[0].ID)
}
