// Package scan orchestrates the security probes for one origin and combines
// their outputs into a weighted, graded summary.
package scan

import (
	"time"

	"github.com/originscore/originscore/internal/probe"
)

// Status describes how a module invocation ended. The first three derive
// from score thresholds; the rest mean the probe could not produce a
// trustworthy score and is excluded from weighting.
type Status string

const (
	StatusOK          Status = "ok"
	StatusWarn        Status = "warn"
	StatusFail        Status = "fail"
	StatusError       Status = "error"
	StatusTimeout     Status = "timeout"
	StatusRateLimited Status = "rate_limited"
)

const (
	okThreshold   = 80
	warnThreshold = 50
)

func statusForScore(score int) Status {
	switch {
	case score >= okThreshold:
		return StatusOK
	case score >= warnThreshold:
		return StatusWarn
	default:
		return StatusFail
	}
}

// ModuleResult is the immutable output of one probe for one origin.
type ModuleResult struct {
	Module        string        `json:"module"`
	Score         int           `json:"score"`
	Status        Status        `json:"status"`
	Details       probe.Details `json:"details"`
	ExecutionTime float64       `json:"execution_time_ms"`
	RetryCount    int           `json:"retry_count"`
}

// Scored reports whether the module produced a real score that may
// participate in aggregation.
func (m ModuleResult) Scored() bool {
	switch m.Status {
	case StatusOK, StatusWarn, StatusFail:
		return true
	}
	return false
}

// Summary is the output of one full scan. TotalScore is nil when every
// module failed; callers must treat that as scan failure, not as grade F.
type Summary struct {
	ID          string                  `json:"id"`
	Target      string                  `json:"target"`
	StartedAt   time.Time               `json:"started_at"`
	DurationMS  float64                 `json:"duration_ms"`
	TotalScore  *int                    `json:"total_score,omitempty"`
	Grade       string                  `json:"grade,omitempty"`
	WeightsUsed map[string]float64      `json:"weights_used"`
	Modules     map[string]ModuleResult `json:"modules"`
	Failed      bool                    `json:"failed"`
}
