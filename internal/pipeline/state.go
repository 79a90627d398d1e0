package pipeline

import (
	"github.com/driftpost/driftpost-backend/internal/types"
)

// stageOrder is the forward path a content item walks. Terminal stages
// (rejected, manual_review) absorb from any evaluative position and are not
// part of the order.
var stageOrder = []string{
	types.StageDrafted,
	types.StagePromptApproved,
	types.StageReformatted,
	types.StageMediaSynthesized,
	types.StageQualityApproved,
	types.StageAnnotated,
	types.StageQueued,
	types.StagePublished,
	types.StageTracked,
}

var stageRank = func() map[string]int {
	m := make(map[string]int, len(stageOrder))
	for i, s := range stageOrder {
		m[s] = i
	}
	return m
}()

// Rank returns the position of a stage in the forward order, -1 for
// terminals and unknown stages.
func Rank(stage string) int {
	if r, ok := stageRank[stage]; ok {
		return r
	}
	return -1
}

// Next returns the stage after the given one in the forward order.
func Next(stage string) (string, bool) {
	r, ok := stageRank[stage]
	if !ok || r+1 >= len(stageOrder) {
		return "", false
	}
	return stageOrder[r+1], true
}

// IsTerminal reports whether no further automatic progress is possible.
func IsTerminal(stage string) bool {
	switch stage {
	case types.StageRejected, types.StageManualReview, types.StageTracked:
		return true
	}
	return false
}

// RunnableStages lists every stage a worker may claim work from.
func RunnableStages() []string {
	out := make([]string, 0, len(stageOrder)-1)
	for _, s := range stageOrder {
		if s == types.StageTracked {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Advances reports whether moving from -> to respects the forward-only
// invariant: either the immediate next stage or a terminal.
func Advances(from, to string) bool {
	if to == types.StageRejected || to == types.StageManualReview {
		return Rank(from) >= 0
	}
	next, ok := Next(from)
	return ok && next == to
}
