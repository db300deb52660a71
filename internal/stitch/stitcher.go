package stitch

import (
	"log/slog"
	"sort"

	"github.com/hanwen-zhu/filingfacts/internal/common"
	"github.com/hanwen-zhu/filingfacts/internal/entity"
)

// Result is the stitcher output: every logical table (merged chains and
// standalone singletons), plus ambiguous pair candidates that must go to
// manual review. Candidates are never auto-merged; their constituent
// tables stay independently retrievable in Tables.
type Result struct {
	Tables []entity.StitchedTable `json:"tables"`
	Review []entity.StitchedTable `json:"review"`
}

// Stitcher decides whether the last table on page N and the first table
// on page N+1 are one logical table split by pagination. The heuristic is
// deterministic and explainable; no model call is involved.
type Stitcher struct {
	cfg common.StitchConfig
	log *slog.Logger

	// Overrides force-merges pairs an operator accepted from the review
	// queue, keyed by PairKey of the two table ids.
	Overrides map[string]bool
}

func New(cfg common.StitchConfig, log *slog.Logger) *Stitcher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.AutoMergeThreshold <= 0 {
		cfg.AutoMergeThreshold = 0.85
	}
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = 0.5
	}
	if cfg.TrailingMargin <= 0 {
		cfg.TrailingMargin = 0.2
	}
	if cfg.LeadingMargin <= 0 {
		cfg.LeadingMargin = 0.2
	}
	if cfg.MaxChainPages <= 0 {
		cfg.MaxChainPages = 8
	}
	return &Stitcher{cfg: cfg, log: log}
}

// PairKey identifies an adjacent-page table pair for review overrides.
func PairKey(prevID, nextID string) string {
	return entity.HashContent("stitch-pair", prevID, nextID)
}

type decision struct {
	merge      bool
	review     bool
	confidence float64
	mode       entity.MergeMode
}

// evaluate applies the three continuation signals to a candidate pair.
// prev is the chain tail (last table on its page), next the first table
// on the following page. headRow is the header row of the chain head.
func (s *Stitcher) evaluate(prev, next entity.ReconciledTable, headRow []string) decision {
	// Signal 1: column counts must match. Never merge across a count
	// mismatch, whatever the margins say.
	if prev.Columns() != next.Columns() || next.Columns() == 0 {
		return decision{}
	}

	// Signal 2: a fresh header on the continuation page is evidence of a
	// new table. A header similar to the chain's own header is the
	// repeated-header continuation layout instead.
	structural := 1.0
	mode := entity.MergeDataContinuation
	if len(next.Cells) > 0 && looksLikeHeader(next.Cells[0]) {
		sim := rowSimilarity(headRow, next.Cells[0])
		if sim < 0.7 {
			return decision{}
		}
		structural = sim
		mode = entity.MergeHeaderRepeat
	}

	// Signal 3: the split must lie at the page boundary.
	bottomGap := 1 - prev.Region.Y1
	topGap := next.Region.Y0
	marginScore := (proximity(bottomGap, s.cfg.TrailingMargin) +
		proximity(topGap, s.cfg.LeadingMargin)) / 2

	conf := 0.6*structural + 0.4*marginScore
	switch {
	case conf >= s.cfg.AutoMergeThreshold:
		return decision{merge: true, confidence: conf, mode: mode}
	case conf >= s.cfg.ReviewThreshold:
		return decision{review: true, confidence: conf, mode: mode}
	default:
		return decision{}
	}
}

func proximity(gap, margin float64) float64 {
	if gap < 0 {
		gap = 0
	}
	p := 1 - gap/margin
	if p < 0 {
		return 0
	}
	return p
}

// Stitch folds adjacent-page pairs transitively into chains, bounded by
// MaxChainPages. tablesByPage holds each page's reconciled tables in
// top-to-bottom order.
func (s *Stitcher) Stitch(docID string, tablesByPage map[int][]entity.ReconciledTable) Result {
	pages := make([]int, 0, len(tablesByPage))
	for p, ts := range tablesByPage {
		if len(ts) > 0 {
			pages = append(pages, p)
		}
	}
	sort.Ints(pages)

	var res Result
	var chain []entity.ReconciledTable
	var chainModes []entity.MergeMode
	var chainConf float64

	closeChain := func() {
		if len(chain) == 0 {
			return
		}
		st := entity.StitchedTable{
			ID:              stitchedID(docID, chain),
			DocumentID:      docID,
			Parts:           append([]entity.ReconciledTable(nil), chain...),
			MergeConfidence: chainConf,
		}
		if len(chainModes) > 0 {
			st.MergeMode = chainModes[0]
			st.PartModes = append([]entity.MergeMode(nil), chainModes...)
		}
		res.Tables = append(res.Tables, st)
		chain = nil
		chainModes = nil
		chainConf = 0
	}
	single := func(t entity.ReconciledTable) {
		res.Tables = append(res.Tables, entity.StitchedTable{
			ID:         stitchedID(docID, []entity.ReconciledTable{t}),
			DocumentID: docID,
			Parts:      []entity.ReconciledTable{t},
		})
	}

	for _, pageNum := range pages {
		tables := tablesByPage[pageNum]

		// Try to extend the open chain with the first table of this page.
		first := tables[0]
		attached := false
		if len(chain) > 0 {
			tail := chain[len(chain)-1]
			if pageNum == tail.Page+1 && len(chain) < s.cfg.MaxChainPages {
				d := s.evaluate(tail, first, headerRow(chain[0]))
				if forced, ok := s.Overrides[PairKey(tail.ID, first.ID)]; ok {
					if forced {
						d = decision{merge: true, confidence: d.confidence, mode: d.mode}
						if d.mode == "" {
							d.mode = entity.MergeDataContinuation
						}
					} else {
						d = decision{}
					}
				}
				switch {
				case d.merge:
					chain = append(chain, first)
					chainModes = append(chainModes, d.mode)
					chainConf = combineConfidence(chainConf, d.confidence, len(chain))
					attached = true
					s.log.Info("stitch.merged",
						"doc_id", docID, "pages", []int{tail.Page, pageNum},
						"confidence", d.confidence, "mode", d.mode)
				case d.review:
					res.Review = append(res.Review, entity.StitchedTable{
						ID:                stitchedID(docID, []entity.ReconciledTable{tail, first}),
						DocumentID:        docID,
						Parts:             []entity.ReconciledTable{tail, first},
						MergeConfidence:   d.confidence,
						MergeMode:         d.mode,
						NeedsManualReview: true,
					})
					s.log.Info("stitch.needs_manual_review",
						"doc_id", docID, "pages", []int{tail.Page, pageNum},
						"confidence", d.confidence)
				}
			}
		}

		if !attached {
			closeChain()
			chain = []entity.ReconciledTable{first}
		}

		// Middle tables on a page can never continue across a boundary;
		// only the last one stays eligible as the next chain tail.
		if len(tables) > 1 {
			closeChain()
			for j := 1; j < len(tables)-1; j++ {
				single(tables[j])
			}
			chain = []entity.ReconciledTable{tables[len(tables)-1]}
		}
	}
	closeChain()

	return res
}

// combineConfidence keeps the chain confidence as the running mean of its
// pairwise merge confidences.
func combineConfidence(current, added float64, parts int) float64 {
	pairs := float64(parts - 1)
	if pairs <= 1 {
		return added
	}
	return (current*(pairs-1) + added) / pairs
}

func headerRow(t entity.ReconciledTable) []string {
	if len(t.Cells) == 0 {
		return nil
	}
	return t.Cells[0]
}

func stitchedID(docID string, parts []entity.ReconciledTable) string {
	ids := []string{docID, "stitched"}
	for _, p := range parts {
		ids = append(ids, p.ID)
	}
	return entity.HashContent(ids...)
}
