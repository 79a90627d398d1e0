package pipeline

import (
	"github.com/driftpost/driftpost-backend/internal/types"
)

type Verdict string

const (
	VerdictPass   Verdict = "pass"
	VerdictRefine Verdict = "refine"
	VerdictReject Verdict = "reject"
)

/*
EvaluateGate is the quality gate: a pure decision over one score and the
stage's current attempt counter against the active config snapshot.
	- score >= pass threshold: pass
	- refine band and budget left: refine
	- anything else: reject
attemptCount is the counter as stored, before this attempt is recorded, so a
config with MaxRefineAttempts=2 allows exactly two refine rounds.
*/
func EvaluateGate(cfg *types.QualityGateConfig, score float64, attemptCount int) Verdict {
	if cfg == nil {
		return VerdictReject
	}
	if score >= cfg.PassThreshold {
		return VerdictPass
	}
	if score >= cfg.RefineLowerBound && attemptCount < cfg.MaxRefineAttempts {
		return VerdictRefine
	}
	return VerdictReject
}
