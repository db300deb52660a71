package extract

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/hanwen-zhu/filingfacts/internal/common"
	"github.com/hanwen-zhu/filingfacts/internal/entity"
)

// MarkdownExtractor reads pre-rendered per-page markdown, the format the
// upstream PDF converter materializes (pages separated by form feeds, one
// \f per page break). Block positions are approximated from line offsets
// within the page, normalized to [0,1].
type MarkdownExtractor struct {
	log *slog.Logger
}

func NewMarkdownExtractor(log *slog.Logger) *MarkdownExtractor {
	if log == nil {
		log = slog.Default()
	}
	return &MarkdownExtractor{log: log}
}

func (e *MarkdownExtractor) load(doc DocumentRef) ([]string, error) {
	raw, err := os.ReadFile(doc.Path)
	if err != nil {
		return nil, common.FatalDocumentf("open %s: %v", doc.Path, err)
	}
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil, common.FatalDocumentf("document %s is empty", doc.Path)
	}
	return strings.Split(text, "\f"), nil
}

func (e *MarkdownExtractor) PageCount(ctx context.Context, doc DocumentRef) (int, error) {
	pages, err := e.load(doc)
	if err != nil {
		return 0, err
	}
	return len(pages), nil
}

// ExtractPage returns the raw text blocks of one page. pageIndex is 1-based.
func (e *MarkdownExtractor) ExtractPage(ctx context.Context, doc DocumentRef, pageIndex int) (entity.Page, error) {
	pages, err := e.load(doc)
	if err != nil {
		return entity.Page{}, err
	}
	if pageIndex < 1 || pageIndex > len(pages) {
		return entity.Page{}, common.NewAppError("PAGE_RANGE", "page index out of range", common.ErrInvalidInput)
	}

	lines := strings.Split(pages[pageIndex-1], "\n")
	page := entity.Page{Number: pageIndex, Blocks: blocksFromLines(pageIndex, lines)}

	e.log.Debug("extract.page",
		"doc_id", doc.ID, "page", pageIndex, "blocks", len(page.Blocks))
	return page, nil
}

// blocksFromLines groups consecutive non-blank lines into blocks and maps
// each block's line span onto a normalized vertical extent.
func blocksFromLines(pageNum int, lines []string) []entity.TextBlock {
	total := len(lines)
	if total == 0 {
		return nil
	}

	var blocks []entity.TextBlock
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		text := strings.TrimRight(strings.Join(lines[start:end], "\n"), "\n")
		if strings.TrimSpace(text) != "" {
			blocks = append(blocks, entity.TextBlock{
				Page: pageNum,
				Text: text,
				BBox: entity.BBox{
					X0: 0, X1: 1,
					Y0: float64(start) / float64(total),
					Y1: float64(end) / float64(total),
				},
			})
		}
		start = -1
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			flush(i)
			continue
		}
		if start < 0 {
			start = i
		}
	}
	flush(total)
	return blocks
}
