package entity

// TableCandidate is the output of one extraction strategy on one page.
// Immutable once produced; strategies never share state.
type TableCandidate struct {
	Page       int        `json:"page"`
	Region     BBox       `json:"region"`
	Cells      [][]string `json:"cells"` // ordered rows of ordered cells
	Confidence float64    `json:"confidence"`
	Method     string     `json:"method"` // extraction strategy tag
}

// Columns returns the column count of the widest row.
func (c TableCandidate) Columns() int {
	cols := 0
	for _, row := range c.Cells {
		if len(row) > cols {
			cols = len(row)
		}
	}
	return cols
}

// ReconciledTable is the winning candidate for a table region after
// comparing every strategy's output.
type ReconciledTable struct {
	ID            string     `json:"id"`
	Page          int        `json:"page"`
	Region        BBox       `json:"region"`
	Cells         [][]string `json:"cells"`
	Confidence    float64    `json:"confidence"`
	Method        string     `json:"method"`
	LowConfidence bool       `json:"low_confidence,omitempty"`
}

// Columns returns the column count of the widest row.
func (t ReconciledTable) Columns() int {
	cols := 0
	for _, row := range t.Cells {
		if len(row) > cols {
			cols = len(row)
		}
	}
	return cols
}

// MergeMode records how a continuation page attaches to the table head.
type MergeMode string

const (
	// MergeHeaderRepeat means the continuation repeats the header row,
	// which is dropped when rows are concatenated.
	MergeHeaderRepeat MergeMode = "header_repeat"
	// MergeDataContinuation means the continuation starts directly with
	// data rows.
	MergeDataContinuation MergeMode = "data_continuation"
)

// StitchedTable is one logical table reassembled across page boundaries.
// It owns only structural links to its constituent ReconciledTables,
// ordered by page; original row identities are never re-indexed.
type StitchedTable struct {
	ID              string            `json:"id"`
	DocumentID      string            `json:"document_id"`
	Parts           []ReconciledTable `json:"parts"` // ordered by page
	MergeConfidence float64           `json:"merge_confidence"`
	MergeMode       MergeMode         `json:"merge_mode,omitempty"`
	// PartModes records, per continuation part (aligned with Parts[1:]),
	// how that part attached to its predecessor. Pairs in one chain can
	// attach differently: a header may be re-printed on one page break
	// and absent on the next.
	PartModes         []MergeMode `json:"part_modes,omitempty"`
	NeedsManualReview bool        `json:"needs_manual_review,omitempty"`
}

// StartPage returns the first page the table spans.
func (s StitchedTable) StartPage() int {
	if len(s.Parts) == 0 {
		return 0
	}
	return s.Parts[0].Page
}

// EndPage returns the last page the table spans.
func (s StitchedTable) EndPage() int {
	if len(s.Parts) == 0 {
		return 0
	}
	return s.Parts[len(s.Parts)-1].Page
}

// Rows concatenates part rows in page order, dropping a repeated header
// only from parts whose own page break re-printed it. Review candidates
// are never concatenated; callers must check NeedsManualReview first.
func (s StitchedTable) Rows() [][]string {
	var rows [][]string
	for i, part := range s.Parts {
		cells := part.Cells
		if i > 0 && s.partMode(i) == MergeHeaderRepeat && len(cells) > 0 {
			cells = cells[1:]
		}
		rows = append(rows, cells...)
	}
	return rows
}

// partMode resolves the attachment mode of Parts[i] (i >= 1). Older
// payloads carry only the chain-level MergeMode, which then applies to
// every part.
func (s StitchedTable) partMode(i int) MergeMode {
	if i-1 < len(s.PartModes) {
		return s.PartModes[i-1]
	}
	return s.MergeMode
}
