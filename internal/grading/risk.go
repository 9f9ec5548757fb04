package grading

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/berth-dev/gradeloop/internal/session"
	"github.com/berth-dev/gradeloop/internal/tools"
)

// Symbols and phrases that mean a question depends on a drawing.
var visualRiskMarkers = []string{
	"[FIGURE]", "∠", "△", "⊥", "∥", "⊙", "如图", "图中", "下图", "坐标", "函数图像", "数轴",
}

var visualRiskWords = regexp.MustCompile(`(?i)\b(figure|diagram|graph|coordinates?|axis|axes|triangle|angle|shown below|picture|chart)s?\b`)

// VisualRiskMarkers returns the markers found in text, in detection order.
func VisualRiskMarkers(text string) []string {
	var found []string
	for _, m := range visualRiskMarkers {
		if strings.Contains(text, m) {
			found = append(found, m)
		}
	}
	seen := make(map[string]bool)
	for _, w := range visualRiskWords.FindAllString(text, -1) {
		w = strings.ToLower(w)
		if !seen[w] {
			seen[w] = true
			found = append(found, w)
		}
	}
	return found
}

// HasVisualRisk reports whether text suggests figure evidence is needed.
func HasVisualRisk(text string) bool {
	for _, m := range visualRiskMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return visualRiskWords.MatchString(text)
}

// RiskyPages returns the pages whose own text suggests a figure. When only
// the combined text does, every page is returned.
func RiskyPages(st *session.State, images []tools.Image) []int {
	var risky []int
	for _, img := range images {
		if HasVisualRisk(st.PageText[img.Index]) {
			risky = append(risky, img.Index)
		}
	}
	if len(risky) > 0 || !HasVisualRisk(st.OCRText) {
		return risky
	}
	all := make([]int, 0, len(images))
	for _, img := range images {
		all = append(all, img.Index)
	}
	return all
}

// MissingVisualPages returns the risky pages that have no slice. A slice
// from another page never covers for a page that needs its own figure.
func MissingVisualPages(st *session.State, images []tools.Image) []int {
	var missing []int
	for _, page := range RiskyPages(st, images) {
		if st.PageSlices(page) == 0 {
			missing = append(missing, page)
		}
	}
	return missing
}

// pageList formats 0-based page indices as 1-based page numbers.
func pageList(pages []int) string {
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = strconv.Itoa(p + 1)
	}
	return strings.Join(parts, ", ")
}
