package gateway

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agent-forge/forge/internal/work"
)

// Signals are the bounded inputs to the complexity score. Each field is
// already clamped to its band; Score sums and clamps the total.
type Signals struct {
	DescriptionLength int // 0-10, body length in chars
	ChecklistItems    int // 0-10, markdown task list entries
	FilePaths         int // 0-10, referenced file paths
	Keywords          int // 0-10, complexity keywords in title+body
	LabelHint         int // -10..10, epic/architecture add, typo/docs subtract
	AuthorRisk        int // 0-5, unknown authors add weight
	Components        int // 0-5, distinct top-level path components
	FailedAttempts    int // 0-5, prior failures on this fingerprint
}

// Score sums the signal bands, clamped to [0, maxScore].
func (s Signals) Score() int {
	total := s.DescriptionLength + s.ChecklistItems + s.FilePaths + s.Keywords +
		s.LabelHint + s.AuthorRisk + s.Components + s.FailedAttempts
	if total < 0 {
		return 0
	}
	if total > maxScore {
		return maxScore
	}
	return total
}

// Breakdown renders nonzero signals for the decision comment.
func (s Signals) Breakdown() []string {
	var out []string
	add := func(name string, v int) {
		if v != 0 {
			out = append(out, fmt.Sprintf("%s: %+d", name, v))
		}
	}
	add("description length", s.DescriptionLength)
	add("checklist items", s.ChecklistItems)
	add("file paths", s.FilePaths)
	add("complexity keywords", s.Keywords)
	add("label hints", s.LabelHint)
	add("author risk", s.AuthorRisk)
	add("components", s.Components)
	add("failed attempts", s.FailedAttempts)
	if len(out) == 0 {
		out = append(out, "no complexity signals")
	}
	return out
}

var (
	checklistRe = regexp.MustCompile(`(?m)^\s*[-*]\s*\[[ xX]\]`)
	filePathRe  = regexp.MustCompile(`[A-Za-z0-9_\-]+(?:/[A-Za-z0-9_\-.]+)*\.[A-Za-z0-9]{1,5}\b`)

	complexityKeywords = []string{
		"refactor", "architecture", "migrate", "migration", "breaking",
		"redesign", "rewrite", "overhaul", "deprecate",
	}
	heavyLabels = map[string]bool{"epic": true, "architecture": true}
	lightLabels = map[string]bool{"typo": true, "docs": true, "documentation": true}
)

// Extract computes the signal set for an item.
func Extract(item work.Item, trusted map[string]bool, failures int) Signals {
	text := strings.ToLower(item.Title + "\n" + item.Body)

	var s Signals
	s.DescriptionLength = clamp(len(item.Body)/400, 10)
	s.ChecklistItems = clamp(len(checklistRe.FindAllString(item.Body, -1)), 10)

	paths := filePathRe.FindAllString(item.Body, -1)
	s.FilePaths = clamp(2*len(paths), 10)
	s.Components = clamp(len(distinctRoots(paths)), 5)

	keywords := 0
	for _, kw := range complexityKeywords {
		if strings.Contains(text, kw) {
			keywords += 3
		}
	}
	s.Keywords = clamp(keywords, 10)

	hint := 0
	for _, l := range item.Labels {
		if heavyLabels[strings.ToLower(l)] {
			hint += 5
		}
		if lightLabels[strings.ToLower(l)] {
			hint -= 5
		}
	}
	s.LabelHint = clampRange(hint, -10, 10)

	if !trusted[item.Author] {
		s.AuthorRisk = 3
	}
	s.FailedAttempts = clamp(failures, 5)
	return s
}

// distinctRoots returns the set of first path segments, one per
// referenced component.
func distinctRoots(paths []string) map[string]bool {
	roots := make(map[string]bool)
	for _, p := range paths {
		if idx := strings.IndexByte(p, '/'); idx > 0 {
			roots[p[:idx]] = true
		}
	}
	return roots
}

func clamp(v, max int) int {
	if v > max {
		return max
	}
	return v
}

func clampRange(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
