package extract

import (
	"context"

	"github.com/hanwen-zhu/filingfacts/internal/entity"
)

// DocumentRef identifies a source file for the extraction backend.
type DocumentRef struct {
	ID   string // content hash
	Path string
}

// PageExtractor is the raw extraction backend boundary. Implementations
// may read a text layer or run OCR; they expose raw blocks with position
// metadata and make no correctness decisions. Opening failures (corrupt
// file, unsupported encoding) are fatal for the whole document.
type PageExtractor interface {
	PageCount(ctx context.Context, doc DocumentRef) (int, error)
	ExtractPage(ctx context.Context, doc DocumentRef, pageIndex int) (entity.Page, error)
}

// TableStrategy is one table extraction approach run against a page.
// Strategies run independently and share no mutable state, so pages can
// be extracted in parallel.
type TableStrategy interface {
	Name() string
	ExtractTables(ctx context.Context, page entity.Page) ([]entity.TableCandidate, error)
}
