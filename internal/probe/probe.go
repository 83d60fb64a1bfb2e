// Package probe implements the three independent security probes: transport
// (TLS/certificate), headers (HTTP response headers), and auth (DNS and
// email authentication). Each probe is side-effect-free beyond its network
// calls and returns a 0-100 score with structured findings.
package probe

import (
	"context"
	"time"
)

// Probe names, also used as module keys in scan summaries.
const (
	NameTransport = "transport"
	NameHeaders   = "headers"
	NameAuth      = "auth"
)

// EmailMode states whether the origin is expected to send/receive mail.
const (
	EmailExpected = "expected"
	EmailNone     = "none"
)

// Target is the per-origin input supplied by the caller.
type Target struct {
	URL          string // normalized https URL
	Host         string // hostname without scheme/port
	EmailMode    string // EmailExpected or EmailNone
	DKIMSelector string // optional operator-configured selector
}

// Details is the ordered, semi-structured bag of findings a probe produces.
// The aggregator never interprets it; it is passed through to callers.
type Details struct {
	Issues          []string       `json:"issues,omitempty"`
	Strengths       []string       `json:"strengths,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
	Skipped         []string       `json:"skipped,omitempty"`
	Facts           map[string]any `json:"facts,omitempty"`
}

func (d *Details) issue(msg string)    { d.Issues = append(d.Issues, msg) }
func (d *Details) strength(msg string) { d.Strengths = append(d.Strengths, msg) }
func (d *Details) recommend(msg string) {
	d.Recommendations = append(d.Recommendations, msg)
}
func (d *Details) skip(msg string) { d.Skipped = append(d.Skipped, msg) }

func (d *Details) fact(key string, value any) {
	if d.Facts == nil {
		d.Facts = make(map[string]any)
	}
	d.Facts[key] = value
}

// Report is a successful probe outcome.
type Report struct {
	Score   int     `json:"score"`
	Details Details `json:"details"`
}

// Probe is one independent security check. Execute performs the network
// work for a single attempt; retries, deadlines, rate limits, and origin
// guarding are the runner's concern.
type Probe interface {
	Name() string
	Timeout() time.Duration
	RateLimitPerMinute() int
	Execute(ctx context.Context, target Target) (*Report, error)
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
