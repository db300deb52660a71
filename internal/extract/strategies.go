package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/hanwen-zhu/filingfacts/internal/entity"
)

var tableSepRe = regexp.MustCompile(`^\|?[\s:|-]+\|?$`)

// LatticeStrategy parses ruled (pipe-delimited) tables. It is the primary
// strategy: explicit cell separators give it high structural confidence.
type LatticeStrategy struct{}

func (LatticeStrategy) Name() string { return "lattice" }

func (LatticeStrategy) ExtractTables(_ context.Context, page entity.Page) ([]entity.TableCandidate, error) {
	var out []entity.TableCandidate
	for _, block := range page.Blocks {
		lines := strings.Split(block.Text, "\n")
		pipeLines := 0
		for _, l := range lines {
			if strings.HasPrefix(strings.TrimSpace(l), "|") {
				pipeLines++
			}
		}
		if len(lines) < 2 || float64(pipeLines) < float64(len(lines))*0.6 {
			continue
		}

		var cells [][]string
		hasSeparator := false
		for _, l := range lines {
			t := strings.TrimSpace(l)
			if !strings.HasPrefix(t, "|") {
				continue
			}
			if tableSepRe.MatchString(t) && strings.Contains(t, "-") {
				hasSeparator = true
				continue
			}
			cells = append(cells, splitPipeRow(t))
		}
		if len(cells) < 2 {
			continue
		}

		conf := 0.6
		if hasSeparator {
			conf += 0.2
		}
		if uniformColumns(cells) {
			conf += 0.15
		}
		out = append(out, entity.TableCandidate{
			Page:       page.Number,
			Region:     block.BBox,
			Cells:      cells,
			Confidence: conf,
			Method:     "lattice",
		})
	}
	return out, nil
}

// StreamStrategy parses whitespace-aligned tables with no ruling. It is
// the fallback for tables whose borders were lost in conversion.
type StreamStrategy struct{}

func (StreamStrategy) Name() string { return "stream" }

var multiSpaceRe = regexp.MustCompile(`\s{2,}|\t`)

func (StreamStrategy) ExtractTables(_ context.Context, page entity.Page) ([]entity.TableCandidate, error) {
	var out []entity.TableCandidate
	for _, block := range page.Blocks {
		lines := strings.Split(block.Text, "\n")
		var cells [][]string
		aligned := 0
		for _, l := range lines {
			t := strings.TrimSpace(l)
			if t == "" || strings.HasPrefix(t, "|") {
				cells = nil
				break
			}
			fields := multiSpaceRe.Split(t, -1)
			if len(fields) >= 2 {
				aligned++
			}
			cells = append(cells, fields)
		}
		if len(cells) < 2 || float64(aligned) < float64(len(cells))*0.8 {
			continue
		}

		conf := 0.45
		if uniformColumns(cells) {
			conf += 0.2
		}
		if len(cells) >= 4 {
			conf += 0.05
		}
		out = append(out, entity.TableCandidate{
			Page:       page.Number,
			Region:     block.BBox,
			Cells:      cells,
			Confidence: conf,
			Method:     "stream",
		})
	}
	return out, nil
}

func splitPipeRow(line string) []string {
	line = strings.Trim(line, "|")
	parts := strings.Split(line, "|")
	row := make([]string, len(parts))
	for i, p := range parts {
		row[i] = strings.TrimSpace(p)
	}
	return row
}

func uniformColumns(cells [][]string) bool {
	if len(cells) == 0 {
		return false
	}
	want := len(cells[0])
	for _, row := range cells[1:] {
		if len(row) != want {
			return false
		}
	}
	return true
}
