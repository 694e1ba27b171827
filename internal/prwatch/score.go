package prwatch

import "fmt"

// ConflictSignals are the raw inputs to the conflict score. An
// Inspector fills them from the API and, when available, a local
// merge probe.
type ConflictSignals struct {
	ConflictedFiles int
	ConflictMarkers int
	LinesAffected   int
	OverlapFiles    int
	AgeDays         int
	CommitsBehind   int
	CoreFileTouched bool
}

// Score bands. The total is bounded to [0, 55]; every signal only adds,
// so adding a signal never lowers the score.
const (
	maxScore       = 55
	autoResolveMax = 8
	draftMax       = 15
)

// Score reduces the signals to the bounded conflict score.
func (s ConflictSignals) Score() int {
	total := 0
	total += clamp(2*s.ConflictedFiles, 10)
	total += clamp(s.ConflictMarkers, 10)
	total += clamp(s.LinesAffected/50, 10)
	total += clamp(s.OverlapFiles, 5)
	total += clamp(s.AgeDays/2, 5)
	total += clamp(s.CommitsBehind/5, 5)
	if s.CoreFileTouched {
		total += 10
	}
	if total > maxScore {
		return maxScore
	}
	return total
}

// Action is what the watcher does about a conflicted PR.
type Action string

const (
	// ActionAutoResolve attempts an automatic rebase/merge for trivial
	// conflicts.
	ActionAutoResolve Action = "auto_resolve"

	// ActionDraft parks the PR as a draft with an explanatory comment.
	ActionDraft Action = "draft"

	// ActionCloseReopen abandons the PR and reopens the source issue so
	// a fresh attempt starts on top of the current base.
	ActionCloseReopen Action = "close_reopen"
)

// Decide maps a score to its action.
func Decide(score int) Action {
	switch {
	case score <= autoResolveMax:
		return ActionAutoResolve
	case score <= draftMax:
		return ActionDraft
	default:
		return ActionCloseReopen
	}
}

func (s ConflictSignals) String() string {
	return fmt.Sprintf("files=%d markers=%d lines=%d overlap=%d age=%dd behind=%d core=%v",
		s.ConflictedFiles, s.ConflictMarkers, s.LinesAffected,
		s.OverlapFiles, s.AgeDays, s.CommitsBehind, s.CoreFileTouched)
}

func clamp(v, max int) int {
	if v > max {
		return max
	}
	return v
}
