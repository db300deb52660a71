package stitch

import (
	"strconv"
	"strings"
)

// Column labels that typically open a filing table. Two or more hits in a
// row mark it as a header.
var headerKeywords = []string{
	"名称", "编号", "序号", "项目", "内容", "金额", "数量", "单位", "日期",
	"类型", "说明", "备注", "合计", "小计", "比例", "占比", "年度", "期间",
	"Name", "No", "Item", "Amount", "Date", "Type", "Total", "Ratio",
}

// looksLikeHeader reports whether a row reads as column labels rather
// than data. Rows that are mostly numeric are data rows.
func looksLikeHeader(row []string) bool {
	if len(row) == 0 {
		return false
	}

	joined := strings.Join(row, " ")
	hits := 0
	for _, kw := range headerKeywords {
		if strings.Contains(joined, kw) {
			hits++
		}
	}
	if hits >= 2 {
		return true
	}

	// A row with a single label hit still counts as a header when no
	// cell is numeric; rows with numbers are data rows.
	numeric := 0
	for _, cell := range row {
		v := strings.TrimSpace(cell)
		v = strings.ReplaceAll(v, ",", "")
		v = strings.TrimSuffix(v, "%")
		if v == "" {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err == nil {
			numeric++
		}
	}
	return hits >= 1 && numeric == 0 && len(row) >= 2
}

// rowSimilarity returns a ratio in [0,1] between two rows' joined text,
// based on the longest common subsequence of runes.
func rowSimilarity(a, b []string) float64 {
	sa := []rune(strings.Join(a, " "))
	sb := []rune(strings.Join(b, " "))
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	l := lcs(sa, sb)
	return 2 * float64(l) / float64(len(sa)+len(sb))
}

func lcs(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
