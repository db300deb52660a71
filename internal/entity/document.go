package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DocumentStatus tracks how far a document has progressed through the
// pipeline. Stages are strictly ordered; StatusFailed is terminal and
// reachable from any stage on a fatal error.
type DocumentStatus string

const (
	StatusIngested       DocumentStatus = "ingested"
	StatusExtracted      DocumentStatus = "extracted"
	StatusReconciled     DocumentStatus = "reconciled"
	StatusStitched       DocumentStatus = "stitched"
	StatusChunked        DocumentStatus = "chunked"
	StatusIndexed        DocumentStatus = "indexed"
	StatusFactsExtracted DocumentStatus = "facts_extracted"
	StatusDone           DocumentStatus = "done"
	StatusFailed         DocumentStatus = "failed"
)

// Document is one source filing. Its identity is the content hash of the
// source file, so re-ingesting an unchanged file maps to the same document.
type Document struct {
	ID          string         `json:"id"` // sha256 of source bytes
	SourcePath  string         `json:"source_path"`
	PageCount   int            `json:"page_count"`
	CompanyName string         `json:"company_name,omitempty"`
	StockCode   string         `json:"stock_code,omitempty"`
	Status      DocumentStatus `json:"status"`
	IngestedAt  time.Time      `json:"ingested_at"`
}

// BBox is a bounding region in page-normalized coordinates, x and y in
// [0,1] with the origin at the top-left of the page.
type BBox struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// Width returns the horizontal extent of the box.
func (b BBox) Width() float64 { return b.X1 - b.X0 }

// Height returns the vertical extent of the box.
func (b BBox) Height() float64 { return b.Y1 - b.Y0 }

// Area returns the area of the box, zero for degenerate boxes.
func (b BBox) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU returns intersection-over-union of two boxes in [0,1].
func (b BBox) IoU(o BBox) float64 {
	ix0, iy0 := max64(b.X0, o.X0), max64(b.Y0, o.Y0)
	ix1, iy1 := min64(b.X1, o.X1), min64(b.Y1, o.Y1)
	inter := BBox{X0: ix0, Y0: iy0, X1: ix1, Y1: iy1}.Area()
	if inter == 0 {
		return 0
	}
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// TextBlock is a positioned run of raw text on a page.
type TextBlock struct {
	Page int    `json:"page"`
	Text string `json:"text"`
	BBox BBox   `json:"bbox"`
}

// Page holds the raw extraction output for one page. Pages are 1-indexed.
type Page struct {
	Number int         `json:"number"`
	Blocks []TextBlock `json:"blocks"`
	// Scanned pages may carry image metadata from the OCR backend.
	ImageDPI int  `json:"image_dpi,omitempty"`
	Scanned  bool `json:"scanned,omitempty"`
	// TableExtractionFailed is set when every table strategy failed on
	// this page. Text extraction still proceeds.
	TableExtractionFailed bool `json:"table_extraction_failed,omitempty"`
}

// HashContent returns the sha256 hex digest used for content identities.
func HashContent(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
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
