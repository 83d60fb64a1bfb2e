package scan

import (
	"time"

	"github.com/originscore/originscore/internal/probe"
)

// Defaults for the retry wrapper and score weighting. The 40/30/30 split
// reflects transport security carrying the most direct risk; see DESIGN.md
// for the weighting decision.
const (
	DefaultAttempts    = 3
	DefaultBackoffBase = 500 * time.Millisecond
)

// DefaultWeights returns the base per-module weights. A fresh map per call
// so callers can adjust their copy freely.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		probe.NameTransport: 0.4,
		probe.NameHeaders:   0.3,
		probe.NameAuth:      0.3,
	}
}
