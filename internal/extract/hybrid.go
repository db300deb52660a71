package extract

import (
	"context"
	"log/slog"
	"sort"
	"strconv"

	"github.com/hanwen-zhu/filingfacts/internal/common"
	"github.com/hanwen-zhu/filingfacts/internal/entity"
)

// PageResult is the reconciled output for one page: the winning table per
// region plus the text blocks that do not overlap any accepted table, so
// table content is never duplicated into narrative text.
type PageResult struct {
	Page                  int                      `json:"page"`
	Tables                []entity.ReconciledTable `json:"tables"`
	TextBlocks            []entity.TextBlock       `json:"text_blocks"`
	TableExtractionFailed bool                     `json:"table_extraction_failed,omitempty"`
}

// Hybrid runs an ordered list of table strategies per page and selects the
// best candidate per spatial region. Strategies are independent; earlier
// entries win confidence ties.
type Hybrid struct {
	strategies []TableStrategy
	cfg        common.ExtractConfig
	log        *slog.Logger
}

func NewHybrid(strategies []TableStrategy, cfg common.ExtractConfig, log *slog.Logger) *Hybrid {
	if log == nil {
		log = slog.Default()
	}
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = 0.5
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.7
	}
	return &Hybrid{strategies: strategies, cfg: cfg, log: log}
}

type rankedCandidate struct {
	entity.TableCandidate
	priority int // strategy order, lower wins ties
}

// ReconcilePage runs every strategy on the page and reduces overlapping
// candidates to one ReconciledTable per region.
func (h *Hybrid) ReconcilePage(ctx context.Context, docID string, page entity.Page) PageResult {
	var candidates []rankedCandidate
	failures := 0
	for i, s := range h.strategies {
		cands, err := s.ExtractTables(ctx, page)
		if err != nil {
			failures++
			h.log.Warn("hybrid.strategy_failed",
				"doc_id", docID, "page", page.Number, "strategy", s.Name(), "err", err)
			continue
		}
		for _, c := range cands {
			candidates = append(candidates, rankedCandidate{TableCandidate: c, priority: i})
		}
	}

	res := PageResult{Page: page.Number}
	if len(h.strategies) > 0 && failures == len(h.strategies) {
		// Non-fatal: text extraction still proceeds.
		res.TableExtractionFailed = true
		res.TextBlocks = page.Blocks
		h.log.Warn("hybrid.table_extraction_failed", "doc_id", docID, "page", page.Number)
		return res
	}

	winners := h.selectWinners(candidates)
	for _, w := range winners {
		t := entity.ReconciledTable{
			ID:         tableID(docID, w.TableCandidate),
			Page:       w.Page,
			Region:     w.Region,
			Cells:      w.Cells,
			Confidence: w.Confidence,
			Method:     w.Method,
		}
		if t.Confidence < h.cfg.MinConfidence {
			t.LowConfidence = true
		}
		res.Tables = append(res.Tables, t)
	}
	sort.Slice(res.Tables, func(i, j int) bool {
		return res.Tables[i].Region.Y0 < res.Tables[j].Region.Y0
	})

	res.TextBlocks = textOutsideTables(page.Blocks, res.Tables)

	h.log.Debug("hybrid.page_reconciled",
		"doc_id", docID, "page", page.Number,
		"candidates", len(candidates), "tables", len(res.Tables))
	return res
}

// selectWinners keeps the best candidate per overlapping region. Two
// candidates are the same logical table when their regions overlap beyond
// the IoU threshold; the higher confidence wins, ties go to the earlier
// strategy. A sub-threshold candidate with no rival for its region
// survives here and is flagged LowConfidence by the caller.
func (h *Hybrid) selectWinners(candidates []rankedCandidate) []rankedCandidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].priority < candidates[j].priority
	})

	var winners []rankedCandidate
	for _, c := range candidates {
		overlaps := false
		for _, w := range winners {
			if c.Region.IoU(w.Region) > h.cfg.IoUThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			winners = append(winners, c)
		}
	}
	return winners
}

func textOutsideTables(blocks []entity.TextBlock, tables []entity.ReconciledTable) []entity.TextBlock {
	var out []entity.TextBlock
	for _, b := range blocks {
		covered := false
		for _, t := range tables {
			if overlapFraction(b.BBox, t.Region) > 0.3 {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, b)
		}
	}
	return out
}

// overlapFraction returns the share of a that intersects b.
func overlapFraction(a, b entity.BBox) float64 {
	inter := entity.BBox{
		X0: max64(a.X0, b.X0), Y0: max64(a.Y0, b.Y0),
		X1: min64(a.X1, b.X1), Y1: min64(a.Y1, b.Y1),
	}.Area()
	if a.Area() == 0 {
		return 0
	}
	return inter / a.Area()
}

func tableID(docID string, c entity.TableCandidate) string {
	parts := []string{docID, strconv.Itoa(c.Page), c.Method}
	for _, row := range c.Cells {
		parts = append(parts, row...)
	}
	return entity.HashContent(parts...)
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
