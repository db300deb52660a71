package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/hanwen-zhu/filingfacts/internal/entity"
	"github.com/hanwen-zhu/filingfacts/internal/store"
)

// Service produces XLSX bytes from the latest extracted facts.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

func NewService(st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// ExportFactsXLSX returns a workbook with one row per (document, field),
// latest fact version only. Empty docIDs exports every document.
func (s *Service) ExportFactsXLSX(ctx context.Context, docIDs []string) ([]byte, error) {
	start := time.Now()

	if len(docIDs) == 0 {
		docs, err := s.store.ListDocuments(ctx, "")
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			docIDs = append(docIDs, d.ID)
		}
	}

	f := excelize.NewFile()
	const sheet = "Facts"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Document",
		"Company",
		"Stock Code",
		"Field",
		"Status",
		"Confidence",
		"Value",
		"Supporting Chunks",
		"Extracted At",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	total := 0
	for _, docID := range docIDs {
		doc, err := s.store.GetDocument(ctx, docID)
		if err != nil {
			return nil, err
		}
		facts, err := s.store.GetFacts(ctx, docID)
		if err != nil {
			return nil, fmt.Errorf("query facts: %w", err)
		}

		for _, fact := range facts {
			write := func(col int, v any) {
				cell, _ := excelize.CoordinatesToCellName(col, row)
				_ = f.SetCellValue(sheet, cell, v)
			}
			write(1, doc.ID[:minInt(12, len(doc.ID))])
			write(2, doc.CompanyName)
			write(3, doc.StockCode)
			write(4, fact.Field)
			write(5, string(fact.Status))
			write(6, fact.Confidence)
			write(7, truncate(flattenValue(fact), 500))
			write(8, strings.Join(fact.SupportingChunks, ", "))
			write(9, fact.CreatedAt.Format("2006-01-02 15:04:05"))
			row++
			total++
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 14)
	_ = f.SetColWidth(sheet, "B", "C", 14)
	_ = f.SetColWidth(sheet, "D", "D", 24)
	_ = f.SetColWidth(sheet, "E", "F", 12)
	_ = f.SetColWidth(sheet, "G", "G", 80)
	_ = f.SetColWidth(sheet, "H", "H", 40)
	_ = f.SetColWidth(sheet, "I", "I", 20)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"documents", len(docIDs),
		"rows", total,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// flattenValue renders the fact's JSON value as "key: value" lines so the
// cell stays readable without a JSON viewer. Failed facts show the error.
func flattenValue(fact entity.Fact) string {
	if len(fact.Value) == 0 {
		return fact.Error
	}
	var m map[string]any
	if err := json.Unmarshal(fact.Value, &m); err != nil {
		return string(fact.Value)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if strings.HasSuffix(k, "_quote") || k == "confidence" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, m[k]))
	}
	return strings.Join(parts, "\n")
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
