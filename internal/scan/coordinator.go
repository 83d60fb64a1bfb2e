package scan

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/originscore/originscore/internal/guard"
	"github.com/originscore/originscore/internal/probe"
	"github.com/originscore/originscore/internal/ratelimit"
)

// Config assembles a Coordinator. Every field is optional; zero values get
// production defaults.
type Config struct {
	Guard       *guard.Guard
	Limiter     *ratelimit.Limiter
	Logger      *zap.SugaredLogger
	Probes      []probe.Probe
	Weights     map[string]float64
	Attempts    int
	BackoffBase time.Duration

	// Timeouts and RateLimits override per-probe defaults, keyed by module
	// name. Probes that do not support tuning are left as constructed.
	Timeouts   map[string]time.Duration
	RateLimits map[string]int
}

// tunable is implemented by probes whose deadline and rate ceiling can be
// overridden from configuration.
type tunable interface {
	SetTimeout(time.Duration)
	SetRateLimit(int)
}

// Coordinator runs the probes for one origin concurrently and aggregates
// their results. It is the only entry point external callers use; it is
// safe for concurrent use across many origins.
type Coordinator struct {
	probes  []probe.Probe
	runner  *ProbeRunner
	weights map[string]float64
	logger  *zap.SugaredLogger
}

func NewCoordinator(cfg Config) *Coordinator {
	g := cfg.Guard
	if g == nil {
		g = guard.New()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.New(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	probes := cfg.Probes
	if len(probes) == 0 {
		probes = []probe.Probe{
			probe.NewTransport(g),
			probe.NewHeaders(g),
			probe.NewAuth(),
		}
	}
	weights := cfg.Weights
	if len(weights) == 0 {
		weights = DefaultWeights()
	}

	for _, p := range probes {
		t, ok := p.(tunable)
		if !ok {
			continue
		}
		if d := cfg.Timeouts[p.Name()]; d > 0 {
			t.SetTimeout(d)
		}
		if n := cfg.RateLimits[p.Name()]; n > 0 {
			t.SetRateLimit(n)
		}
	}

	runner := NewRunner(g, limiter, logger)
	if cfg.Attempts > 0 {
		runner.Attempts = cfg.Attempts
	}
	if cfg.BackoffBase > 0 {
		runner.BackoffBase = cfg.BackoffBase
	}

	return &Coordinator{
		probes:  probes,
		runner:  runner,
		weights: weights,
		logger:  logger,
	}
}

// RunScan probes the target with every configured module and returns the
// aggregated summary. A failing module degrades the scan to a partial
// result; it never cancels its siblings or the scan itself.
func (c *Coordinator) RunScan(ctx context.Context, target probe.Target) *Summary {
	if target.Host == "" {
		if u, err := url.Parse(target.URL); err == nil {
			target.Host = u.Hostname()
		}
	}
	if target.EmailMode == "" {
		target.EmailMode = probe.EmailExpected
	}

	start := time.Now()
	results := make(map[string]ModuleResult, len(c.probes))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range c.probes {
		wg.Add(1)
		go func(p probe.Probe) {
			defer wg.Done()
			r := c.runner.Run(ctx, p, target)
			mu.Lock()
			results[r.Module] = r
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	total, grade, used := combineScores(results, c.weights)
	summary := &Summary{
		ID:          uuid.NewString(),
		Target:      target.URL,
		StartedAt:   start.UTC(),
		DurationMS:  float64(time.Since(start)) / float64(time.Millisecond),
		TotalScore:  total,
		Grade:       grade,
		WeightsUsed: used,
		Modules:     results,
		Failed:      total == nil,
	}

	if summary.Failed {
		c.logger.Warnw("scan produced no usable module scores", "target", target.URL)
	} else {
		c.logger.Infow("scan complete",
			"target", target.URL, "score", *total, "grade", grade,
			"duration_ms", summary.DurationMS)
	}
	return summary
}
