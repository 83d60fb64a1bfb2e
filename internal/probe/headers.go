package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/originscore/originscore/internal/guard"
)

const (
	defaultHeadersTimeout = 15 * time.Second
	headersRatePerMinute  = 8
	scanUserAgent         = "originscore-scanner/1.0"
	maxRedirects          = 3

	minStrongHSTSMaxAge = 180 * 24 * 60 * 60 // 180 days in seconds
)

// HeaderProbe issues a single GET against the origin and scores its security
// response headers. Redirects are followed up to three hops and must stay on
// HTTPS; certificate verification stays on, unlike the transport probe.
type HeaderProbe struct {
	timeout   time.Duration
	perMinute int
	client    *http.Client
	g         *guard.Guard
}

func NewHeaders(g *guard.Guard) *HeaderProbe {
	p := &HeaderProbe{
		timeout:   defaultHeadersTimeout,
		perMinute: headersRatePerMinute,
		g:         g,
	}
	p.client = &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Control: g.DialControl}).DialContext,
		},
		CheckRedirect: p.checkRedirect,
	}
	return p
}

func (p *HeaderProbe) Name() string            { return NameHeaders }
func (p *HeaderProbe) Timeout() time.Duration  { return p.timeout }
func (p *HeaderProbe) RateLimitPerMinute() int { return p.perMinute }

func (p *HeaderProbe) SetTimeout(d time.Duration) {
	if d > 0 {
		p.timeout = d
	}
}

func (p *HeaderProbe) SetRateLimit(perMinute int) {
	if perMinute > 0 {
		p.perMinute = perMinute
	}
}

// checkRedirect enforces the hop limit and refuses any downgrade off HTTPS.
// Each hop's host is re-validated so a redirect cannot smuggle the prober
// into reserved address space.
func (p *HeaderProbe) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if req.URL.Scheme != "https" {
		return errors.New("redirect left HTTPS")
	}
	if p.g != nil {
		if _, err := p.g.Validate(req.Context(), req.URL.String()); err != nil {
			return err
		}
	}
	return nil
}

func (p *HeaderProbe) Execute(ctx context.Context, target Target) (*Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", scanUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	report := analyzeHeaders(resp.Header)
	report.Details.fact("http_status", resp.StatusCode)
	return report, nil
}

// analyzeHeaders scores a response header set. Points are additive across
// independently capped sub-checks, starting from zero.
func analyzeHeaders(h http.Header) *Report {
	d := Details{}
	score := 0

	score += scoreHSTS(h.Get("Strict-Transport-Security"), &d)
	score += scoreCSP(h.Get("Content-Security-Policy"), &d)

	if strings.EqualFold(strings.TrimSpace(h.Get("X-Content-Type-Options")), "nosniff") {
		score += 10
		d.strength("X-Content-Type-Options: nosniff prevents MIME sniffing")
	} else {
		d.issue("X-Content-Type-Options is missing or not 'nosniff'")
		d.recommend("Add 'X-Content-Type-Options: nosniff'")
	}

	xfo := strings.ToUpper(strings.TrimSpace(h.Get("X-Frame-Options")))
	if xfo == "DENY" || xfo == "SAMEORIGIN" {
		score += 10
		d.strength("X-Frame-Options blocks framing (" + xfo + ")")
	} else {
		d.issue("X-Frame-Options is missing or invalid")
		d.recommend("Add 'X-Frame-Options: DENY' or 'SAMEORIGIN'")
	}

	if referrerPolicySecure(h.Get("Referrer-Policy")) {
		score += 10
		d.strength("Referrer-Policy limits referrer leakage")
	} else {
		d.issue("Referrer-Policy is missing or permissive")
		d.recommend("Add 'Referrer-Policy: strict-origin-when-cross-origin' or 'no-referrer'")
	}

	if h.Get("Permissions-Policy") != "" {
		score += 2
		d.strength("Permissions-Policy restricts browser features")
	}

	// The only non-harmful modern value; anything else re-enables a
	// deprecated, bypassable filter.
	if strings.TrimSpace(h.Get("X-XSS-Protection")) == "0" {
		score++
		d.strength("X-XSS-Protection explicitly disabled (deprecated filter)")
	}

	if server := h.Get("Server"); serverDisclosesVersion(server) {
		score -= 2
		d.issue(fmt.Sprintf("Server header discloses version: %q", server))
		d.recommend("Strip version details from the Server header")
	}

	d.fact("headers_seen", presentSecurityHeaders(h))
	return &Report{Score: clampScore(score), Details: d}
}

// scoreHSTS awards up to 35 points for Strict-Transport-Security.
func scoreHSTS(value string, d *Details) int {
	if value == "" {
		d.issue("Strict-Transport-Security header is missing")
		d.recommend("Add 'Strict-Transport-Security: max-age=31536000; includeSubDomains; preload'")
		return 0
	}
	points := 35
	lower := strings.ToLower(value)

	// max-age is mandatory (RFC 6797); a header without one is invalid
	// and enforces nothing, same as max-age=0.
	maxAge, hasMaxAge := parseHSTSMaxAge(lower)
	switch {
	case !hasMaxAge:
		points -= 15
		d.issue("HSTS header has no valid max-age directive")
		d.recommend("Set max-age to at least one year")
	case maxAge == 0:
		points -= 15
		d.issue("HSTS max-age=0 disables the policy")
	case maxAge < minStrongHSTSMaxAge:
		points -= 10
		d.issue("HSTS max-age is shorter than 180 days")
		d.recommend("Raise HSTS max-age to at least one year")
	default:
		d.strength("HSTS enforced with a strong max-age")
	}

	if !strings.Contains(lower, "includesubdomains") {
		points -= 5
		d.issue("HSTS does not cover subdomains")
	}
	if !strings.Contains(lower, "preload") {
		points -= 5
		d.issue("HSTS is not marked for preload")
	}
	if points < 0 {
		points = 0
	}
	return points
}

func parseHSTSMaxAge(lower string) (int, bool) {
	for _, part := range strings.Split(lower, ";") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "max-age="); ok {
			secs, err := strconv.Atoi(strings.Trim(rest, `"`))
			if err != nil {
				return 0, false
			}
			return secs, true
		}
	}
	return 0, false
}

var unsafeCSPDirectives = []struct {
	marker string
	label  string
}{
	{"'unsafe-inline'", "unsafe-inline"},
	{"'unsafe-eval'", "unsafe-eval"},
	{"*", "wildcard source"},
	{"data:", "data: source"},
}

// scoreCSP awards up to 35 points for Content-Security-Policy, deducting 5
// per unsafe directive found, capped at 15 total.
func scoreCSP(value string, d *Details) int {
	if value == "" {
		d.issue("Content-Security-Policy header is missing")
		d.recommend("Deploy a strict Content-Security-Policy")
		return 0
	}
	points := 35
	lower := strings.ToLower(value)

	deduction := 0
	for _, unsafe := range unsafeCSPDirectives {
		if strings.Contains(lower, unsafe.marker) {
			deduction += 5
			d.issue("CSP contains " + unsafe.label)
		}
	}
	if deduction > 15 {
		deduction = 15
	}
	if deduction == 0 {
		d.strength("Content-Security-Policy present without unsafe directives")
	} else {
		d.recommend("Remove unsafe CSP directives; use nonces or hashes instead")
	}
	return points - deduction
}

var secureReferrerPolicies = map[string]bool{
	"no-referrer":                     true,
	"same-origin":                     true,
	"strict-origin":                   true,
	"strict-origin-when-cross-origin": true,
}

func referrerPolicySecure(value string) bool {
	// The last recognized token wins, mirroring browser behavior for
	// comma-separated fallback lists.
	secure := false
	for _, token := range strings.Split(strings.ToLower(value), ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		secure = secureReferrerPolicies[token]
	}
	return secure
}

func serverDisclosesVersion(value string) bool {
	return strings.ContainsAny(value, "0123456789")
}

var trackedHeaders = []string{
	"Strict-Transport-Security",
	"Content-Security-Policy",
	"X-Content-Type-Options",
	"X-Frame-Options",
	"Referrer-Policy",
	"Permissions-Policy",
	"X-XSS-Protection",
	"Server",
}

func presentSecurityHeaders(h http.Header) map[string]string {
	seen := make(map[string]string)
	for _, name := range trackedHeaders {
		if v := h.Get(name); v != "" {
			seen[name] = v
		}
	}
	return seen
}
