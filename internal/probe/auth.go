package probe

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	defaultAuthTimeout = 25 * time.Second
	authRatePerMinute  = 15

	// Point values per sub-check. The email block (MX+SPF+DKIM+DMARC)
	// sums to 30 and is excluded from the achievable total when the
	// origin declares it sends no mail.
	pointsResolution = 10
	pointsMX         = 5
	pointsSPF        = 8
	pointsDKIM       = 7
	pointsDMARC      = 10
	pointsDNSSEC     = 10
	pointsCAA        = 5

	minDKIMKeyBits = 1024

	// authResolverAddr is a validating public resolver, used for record
	// types net.Resolver cannot query (CAA, DNSKEY).
	authResolverAddr = "8.8.8.8:53"
)

// fallbackDKIMSelectors are tried after the operator-configured selector.
var fallbackDKIMSelectors = []string{
	"default", "google", "selector1", "selector2", "s1", "s2", "mail", "smtp", "k1", "dkim",
}

// dnsResolver is the subset of net.Resolver the probe uses; tests substitute
// a fake.
type dnsResolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// AuthProbe evaluates DNS posture and email authentication records for the
// origin: basic resolution, SPF, DKIM, DMARC, DNSSEC, and CAA. The module
// score is the earned share of what was actually checked, so an origin that
// legitimately sends no mail is not charged for skipped email checks.
type AuthProbe struct {
	timeout   time.Duration
	perMinute int
	resolver  dnsResolver
	exchange  func(ctx context.Context, m *dns.Msg) (*dns.Msg, error)
}

func NewAuth() *AuthProbe {
	client := &dns.Client{Timeout: 5 * time.Second}
	return &AuthProbe{
		timeout:   defaultAuthTimeout,
		perMinute: authRatePerMinute,
		resolver:  &net.Resolver{PreferGo: true},
		exchange: func(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
			in, _, err := client.ExchangeContext(ctx, m, authResolverAddr)
			return in, err
		},
	}
}

func (p *AuthProbe) Name() string            { return NameAuth }
func (p *AuthProbe) Timeout() time.Duration  { return p.timeout }
func (p *AuthProbe) RateLimitPerMinute() int { return p.perMinute }

func (p *AuthProbe) SetTimeout(d time.Duration) {
	if d > 0 {
		p.timeout = d
	}
}

func (p *AuthProbe) SetRateLimit(perMinute int) {
	if perMinute > 0 {
		p.perMinute = perMinute
	}
}

func (p *AuthProbe) Execute(ctx context.Context, target Target) (*Report, error) {
	d := Details{}
	earned, achievable := 0, 0

	// Basic resolution.
	achievable += pointsResolution
	addrs, err := p.resolver.LookupIPAddr(ctx, target.Host)
	if err != nil && !notFound(err) {
		return nil, err
	}
	if len(addrs) > 0 {
		earned += pointsResolution
		ips := make([]string, 0, len(addrs))
		for _, a := range addrs {
			ips = append(ips, a.IP.String())
		}
		d.fact("addresses", ips)
	} else {
		d.issue("Host has no A or AAAA records")
	}

	if target.EmailMode == EmailNone {
		d.skip("MX check skipped: origin declares no email")
		d.skip("SPF check skipped: origin declares no email")
		d.skip("DKIM check skipped: origin declares no email")
		d.skip("DMARC check skipped: origin declares no email")
	} else {
		achievable += pointsMX + pointsSPF + pointsDKIM + pointsDMARC
		block, err := p.scoreEmailAuth(ctx, target, &d)
		if err != nil {
			return nil, err
		}
		if block > 30 {
			block = 30
		}
		earned += block
	}

	// DNSSEC and CAA are scored independently of the email block.
	achievable += pointsDNSSEC
	signed, err := p.checkDNSSEC(ctx, target.Host, &d)
	if err != nil {
		return nil, err
	}
	if signed {
		earned += pointsDNSSEC
	}

	achievable += pointsCAA
	hasCAA, err := p.checkCAA(ctx, target.Host, &d)
	if err != nil {
		return nil, err
	}
	if hasCAA {
		earned += pointsCAA
	}

	d.fact("points_earned", earned)
	d.fact("points_achievable", achievable)

	score := int(float64(earned)/float64(achievable)*100 + 0.5)
	return &Report{Score: clampScore(score), Details: d}, nil
}

func (p *AuthProbe) scoreEmailAuth(ctx context.Context, target Target, d *Details) (int, error) {
	points := 0

	mx, err := p.resolver.LookupMX(ctx, target.Host)
	if err != nil && !notFound(err) {
		return 0, err
	}
	if len(mx) > 0 {
		points += pointsMX
		hosts := make([]string, 0, len(mx))
		for _, m := range mx {
			hosts = append(hosts, strings.TrimSuffix(m.Host, "."))
		}
		d.fact("mx_hosts", hosts)
	} else {
		d.issue("No MX records found for a mail-sending origin")
		d.recommend("Publish MX records or mark the origin as not sending email")
	}

	spfPoints, err := p.scoreSPF(ctx, target.Host, d)
	if err != nil {
		return 0, err
	}
	points += spfPoints

	dkimPoints, err := p.scoreDKIM(ctx, target, d)
	if err != nil {
		return 0, err
	}
	points += dkimPoints

	dmarcPoints, err := p.scoreDMARC(ctx, target.Host, d)
	if err != nil {
		return 0, err
	}
	points += dmarcPoints

	return points, nil
}

func (p *AuthProbe) scoreSPF(ctx context.Context, host string, d *Details) (int, error) {
	txts, err := p.resolver.LookupTXT(ctx, host)
	if err != nil && !notFound(err) {
		return 0, err
	}
	record := firstWithPrefix(txts, "v=spf1")
	if record == "" {
		d.issue("No SPF record published")
		d.recommend(`Publish an SPF TXT record ending in "-all"`)
		return 0, nil
	}
	d.fact("spf_record", record)
	points := pointsSPF

	switch spfAllDirective(record) {
	case "+all":
		points -= 3
		d.issue("SPF policy ends in +all, authorizing any sender")
		d.recommend("Tighten the SPF policy to -all")
	case "?all":
		points--
		d.issue("SPF policy ends in ?all (neutral), providing no protection")
	case "-all":
		d.strength("SPF hard-fails unauthorized senders (-all)")
	default:
		d.strength("SPF record published")
	}
	return points, nil
}

func spfAllDirective(record string) string {
	fields := strings.Fields(strings.ToLower(record))
	for i := len(fields) - 1; i >= 0; i-- {
		switch fields[i] {
		case "-all", "~all", "?all", "+all", "all":
			if fields[i] == "all" {
				return "+all" // bare "all" defaults to pass
			}
			return fields[i]
		}
	}
	return ""
}

func (p *AuthProbe) scoreDKIM(ctx context.Context, target Target, d *Details) (int, error) {
	selectors := fallbackDKIMSelectors
	if s := strings.TrimSpace(target.DKIMSelector); s != "" {
		selectors = append([]string{s}, selectors...)
	}

	for _, sel := range selectors {
		txts, err := p.resolver.LookupTXT(ctx, sel+"._domainkey."+target.Host)
		if err != nil && !notFound(err) {
			return 0, err
		}
		record := strings.Join(txts, "")
		if record == "" || !strings.Contains(record, "p=") {
			continue
		}
		d.fact("dkim_selector", sel)
		points := pointsDKIM
		if bits := dkimKeyBits(record); bits > 0 {
			d.fact("dkim_key_bits", bits)
			if bits < minDKIMKeyBits {
				points -= 2
				d.issue(fmt.Sprintf("DKIM key for selector %q is implausibly short (%d bits)", sel, bits))
				d.recommend("Rotate to a 2048-bit DKIM key")
			} else {
				d.strength("DKIM key published (selector " + sel + ")")
			}
		} else {
			d.strength("DKIM key published (selector " + sel + ")")
		}
		return points, nil
	}

	d.issue("No DKIM key found under any known selector")
	d.recommend("Enable DKIM signing and publish the selector key")
	return 0, nil
}

// dkimKeyBits estimates the key size from the base64 p= tag; the decoded
// SPKI blob length approximates modulus size closely enough to flag stub
// keys.
func dkimKeyBits(record string) int {
	for _, part := range strings.Split(record, ";") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "p="); ok {
			decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
			if err != nil {
				return 0
			}
			return len(decoded) * 8
		}
	}
	return 0
}

func (p *AuthProbe) scoreDMARC(ctx context.Context, host string, d *Details) (int, error) {
	txts, err := p.resolver.LookupTXT(ctx, "_dmarc."+host)
	if err != nil && !notFound(err) {
		return 0, err
	}
	record := firstWithPrefix(txts, "v=DMARC1")
	if record == "" {
		d.issue("No DMARC policy published")
		d.recommend(`Publish "_dmarc" TXT with "v=DMARC1; p=quarantine" or stricter`)
		return 0, nil
	}
	d.fact("dmarc_record", record)
	tags := parseTagList(record)
	points := pointsDMARC

	switch strings.ToLower(tags["p"]) {
	case "none":
		points -= 5
		d.issue("DMARC policy is p=none (monitoring only)")
		d.recommend("Escalate DMARC to quarantine, then reject")
	case "quarantine":
		points -= 2
		d.strength("DMARC quarantines failing mail")
		d.recommend("Upgrade DMARC to p=reject once reports look clean")
	case "reject":
		d.strength("DMARC rejects unauthenticated mail (p=reject)")
	default:
		points -= 5
		d.issue("DMARC record has no recognizable policy tag")
	}

	if tags["rua"] != "" || tags["ruf"] != "" {
		d.strength("DMARC reporting addresses configured")
	}
	return points, nil
}

// checkDNSSEC queries for DNSKEY records with the DO bit set. A zone
// publishing DNSKEYs is treated as signed; the resolver's AD flag is
// recorded as supporting evidence.
func (p *AuthProbe) checkDNSSEC(ctx context.Context, host string, d *Details) (bool, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeDNSKEY)
	m.SetEdns0(4096, true)

	in, err := p.exchange(ctx, m)
	if err != nil {
		return false, err
	}
	if in == nil {
		return false, errors.New("DNSKEY query returned no response")
	}

	keys := 0
	for _, rr := range in.Answer {
		if _, ok := rr.(*dns.DNSKEY); ok {
			keys++
		}
	}
	d.fact("dnssec_authenticated", in.AuthenticatedData)
	if keys > 0 {
		d.strength("Zone is DNSSEC-signed")
		return true, nil
	}
	d.issue("Zone is not DNSSEC-signed")
	d.recommend("Enable DNSSEC signing with your DNS host")
	return false, nil
}

func (p *AuthProbe) checkCAA(ctx context.Context, host string, d *Details) (bool, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeCAA)

	in, err := p.exchange(ctx, m)
	if err != nil {
		return false, err
	}
	if in == nil {
		return false, errors.New("CAA query returned no response")
	}

	records := []string{}
	for _, rr := range in.Answer {
		if caa, ok := rr.(*dns.CAA); ok {
			records = append(records, fmt.Sprintf("%d %s %q", caa.Flag, caa.Tag, caa.Value))
		}
	}
	if len(records) > 0 {
		d.fact("caa_records", records)
		d.strength("CAA records restrict certificate issuance")
		return true, nil
	}
	d.issue("No CAA records published")
	d.recommend(`Publish a CAA record naming your certificate authority`)
	return false, nil
}

func firstWithPrefix(txts []string, prefix string) string {
	for _, t := range txts {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(t)), strings.ToLower(prefix)) {
			return strings.TrimSpace(t)
		}
	}
	return ""
}

// parseTagList splits "k=v; k2=v2" records into a lowercase-keyed map.
func parseTagList(record string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(record, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 {
			tags[strings.ToLower(strings.TrimSpace(kv[0]))] = strings.TrimSpace(kv[1])
		}
	}
	return tags
}

// notFound reports whether a lookup failed because the record does not
// exist. Only that case may be scored as absence; refused connections,
// timeouts, and SERVFAIL are resolver failures the caller must return so the
// attempt can be retried.
func notFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
