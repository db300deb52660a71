package chunk

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/hanwen-zhu/filingfacts/internal/common"
	"github.com/hanwen-zhu/filingfacts/internal/entity"
)

// Section heading patterns, by priority: "第一节 交易概述", "一、交易概述",
// markdown headings.
var sectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^#{0,3}\s*第[一二三四五六七八九十百\d]+[节章]\s+\S.*$`),
	regexp.MustCompile(`^#{0,3}\s*[一二三四五六七八九十]+[、．.]\s*\S.*$`),
	regexp.MustCompile(`^#{1,3}\s+\S.{1,29}\s*$`),
}

// Chunker turns reconciled text blocks and stitched tables into
// retrieval units. Narrative text splits at paragraph boundaries with a
// sliding window for oversize paragraphs; tables are never split mid-row.
type Chunker struct {
	cfg common.ChunkConfig
	log *slog.Logger
}

func New(cfg common.ChunkConfig, log *slog.Logger) *Chunker {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 1200
	}
	if cfg.OverlapChars < 0 || cfg.OverlapChars >= cfg.MaxChars {
		cfg.OverlapChars = cfg.MaxChars / 8
	}
	return &Chunker{cfg: cfg, log: log}
}

// Chunk produces the retrieval units for one document. Text blocks must
// be ordered by (page, vertical position); tables are the stitcher
// output. Chunk ids are content-addressed so re-running on unchanged
// input yields identical ids.
func (c *Chunker) Chunk(docID string, blocks []entity.TextBlock, tables []entity.StitchedTable) []entity.Chunk {
	var chunks []entity.Chunk
	chunks = append(chunks, c.textChunks(docID, blocks)...)
	for _, t := range tables {
		if t.NeedsManualReview {
			continue
		}
		chunks = append(chunks, c.tableChunks(docID, t)...)
	}
	c.log.Info("chunker.done",
		"doc_id", docID, "chunks", len(chunks),
		"text_blocks", len(blocks), "tables", len(tables))
	return chunks
}

func (c *Chunker) textChunks(docID string, blocks []entity.TextBlock) []entity.Chunk {
	var chunks []entity.Chunk
	section := ""
	for _, b := range blocks {
		if title, ok := sectionTitle(b.Text); ok {
			section = title
		}
		for _, piece := range splitText(b.Text, c.cfg.MaxChars, c.cfg.OverlapChars) {
			norm := normalize(piece)
			if norm == "" {
				continue
			}
			chunks = append(chunks, entity.Chunk{
				ID:         entity.ChunkID(docID, norm, "", b.Page, b.Page),
				DocumentID: docID,
				PageStart:  b.Page,
				PageEnd:    b.Page,
				Section:    section,
				Kind:       entity.ChunkText,
				Text:       piece,
			})
		}
	}
	return chunks
}

// tableChunks renders a table as markdown. A table that fits the size
// bound becomes one chunk; otherwise it splits along row groups with the
// header row duplicated into each part.
func (c *Chunker) tableChunks(docID string, t entity.StitchedTable) []entity.Chunk {
	rows := t.Rows()
	if len(rows) == 0 {
		return nil
	}

	full := renderMarkdown(rows)
	if len(full) <= c.cfg.MaxChars {
		return []entity.Chunk{{
			ID:         entity.ChunkID(docID, normalize(full), t.ID, t.StartPage(), t.EndPage()),
			DocumentID: docID,
			PageStart:  t.StartPage(),
			PageEnd:    t.EndPage(),
			Kind:       entity.ChunkTable,
			Text:       full,
			TableID:    t.ID,
		}}
	}

	header := rows[0]
	data := rows[1:]
	headerLen := len(renderMarkdown([][]string{header}))

	var chunks []entity.Chunk
	var group [][]string
	size := headerLen
	flush := func() {
		if len(group) == 0 {
			return
		}
		text := renderMarkdown(append([][]string{header}, group...))
		chunks = append(chunks, entity.Chunk{
			ID:         entity.ChunkID(docID, normalize(text), t.ID, t.StartPage(), t.EndPage()),
			DocumentID: docID,
			PageStart:  t.StartPage(),
			PageEnd:    t.EndPage(),
			Kind:       entity.ChunkTable,
			Text:       text,
			TableID:    t.ID,
		})
		group = nil
		size = headerLen
	}
	for _, row := range data {
		rowLen := len(renderMarkdown([][]string{row}))
		if size+rowLen > c.cfg.MaxChars && len(group) > 0 {
			flush()
		}
		group = append(group, row)
		size += rowLen
	}
	flush()
	return chunks
}

// splitText merges paragraphs up to the size bound, falling back to a
// sliding window for single paragraphs that exceed it.
func splitText(text string, maxChars, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	paragraphs := regexp.MustCompile(`\n\s*\n`).Split(text, -1)
	var out []string
	current := ""
	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		switch {
		case current == "" && len(para) <= maxChars:
			current = para
		case current != "" && len(current)+len(para)+2 <= maxChars:
			current += "\n\n" + para
		default:
			if current != "" {
				out = append(out, current)
				current = ""
			}
			if len(para) <= maxChars {
				current = para
				continue
			}
			out = append(out, slideWindow(para, maxChars, overlap)...)
		}
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}

// slideWindow cuts an oversize paragraph on rune boundaries.
func slideWindow(para string, maxChars, overlap int) []string {
	runes := []rune(para)
	step := maxChars - overlap
	if step <= 0 {
		step = maxChars
	}
	var out []string
	for pos := 0; pos < len(runes); pos += step {
		end := pos + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		piece := strings.TrimSpace(string(runes[pos:end]))
		if piece != "" {
			out = append(out, piece)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

func sectionTitle(text string) (string, bool) {
	firstLine := text
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		firstLine = text[:i]
	}
	firstLine = strings.TrimSpace(firstLine)
	for _, p := range sectionPatterns {
		if p.MatchString(firstLine) {
			title := strings.TrimSpace(strings.TrimLeft(firstLine, "# "))
			if n := len([]rune(title)); n >= 2 && n <= 50 {
				return title, true
			}
		}
	}
	return "", false
}

func renderMarkdown(rows [][]string) string {
	var sb strings.Builder
	for _, row := range rows {
		sb.WriteString("| ")
		sb.WriteString(strings.Join(row, " | "))
		sb.WriteString(" |\n")
	}
	return sb.String()
}

var spaceRe = regexp.MustCompile(`\s+`)

// normalize collapses whitespace so chunk identity survives incidental
// formatting differences between extraction runs.
func normalize(s string) string {
	return spaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
}
