package probe

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/originscore/originscore/internal/guard"
)

const (
	defaultTransportTimeout = 20 * time.Second
	transportRatePerMinute  = 5
)

// ConnectionFacts captures everything the transport analysis needs from a
// completed handshake, so scoring stays a pure function over observed state.
type ConnectionFacts struct {
	Protocol    uint16
	CipherSuite uint16
	CipherName  string
	Chain       []*x509.Certificate
}

// TransportProbe opens a TLS connection to port 443 and evaluates the
// certificate chain and negotiated parameters. Chain verification is
// disabled at the transport layer on purpose: the point is to collect why a
// handshake is weak, not merely that the platform verifier rejects it.
type TransportProbe struct {
	timeout   time.Duration
	perMinute int
	dial      func(ctx context.Context, host, port string) (*ConnectionFacts, error)
}

func NewTransport(g *guard.Guard) *TransportProbe {
	p := &TransportProbe{
		timeout:   defaultTransportTimeout,
		perMinute: transportRatePerMinute,
	}
	p.dial = func(ctx context.Context, host, port string) (*ConnectionFacts, error) {
		dialer := &tls.Dialer{
			// Control re-validates the connect address: DNS is not
			// authoritative at validation time.
			NetDialer: &net.Dialer{Control: g.DialControl},
			Config: &tls.Config{
				ServerName:         host,
				InsecureSkipVerify: true,
				MinVersion:         tls.VersionTLS10,
			},
		}
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
		if err != nil {
			return nil, err
		}
		defer conn.Close()

		state := conn.(*tls.Conn).ConnectionState()
		return &ConnectionFacts{
			Protocol:    state.Version,
			CipherSuite: state.CipherSuite,
			CipherName:  tls.CipherSuiteName(state.CipherSuite),
			Chain:       state.PeerCertificates,
		}, nil
	}
	return p
}

func (p *TransportProbe) Name() string            { return NameTransport }
func (p *TransportProbe) Timeout() time.Duration  { return p.timeout }
func (p *TransportProbe) RateLimitPerMinute() int { return p.perMinute }

// SetTimeout overrides the per-attempt deadline. Non-positive values are
// ignored.
func (p *TransportProbe) SetTimeout(d time.Duration) {
	if d > 0 {
		p.timeout = d
	}
}

// SetRateLimit overrides the per-host ceiling. Non-positive values are
// ignored.
func (p *TransportProbe) SetRateLimit(perMinute int) {
	if perMinute > 0 {
		p.perMinute = perMinute
	}
}

func (p *TransportProbe) Execute(ctx context.Context, target Target) (*Report, error) {
	port := "443"
	facts, err := p.dial(ctx, target.Host, port)
	if err != nil {
		return nil, err
	}
	return analyzeTransport(facts, target.Host, time.Now()), nil
}

// analyzeTransport applies the deduction table to a captured handshake.
// Scoring starts at 100; an expired certificate forces 0 and ends analysis.
func analyzeTransport(facts *ConnectionFacts, host string, now time.Time) *Report {
	d := Details{}
	if len(facts.Chain) == 0 {
		d.issue("Server presented no certificate")
		return &Report{Score: 0, Details: d}
	}

	leaf := facts.Chain[0]
	d.fact("subject", leaf.Subject.String())
	d.fact("issuer", leaf.Issuer.String())
	d.fact("not_before", leaf.NotBefore.Format(time.RFC3339))
	d.fact("not_after", leaf.NotAfter.Format(time.RFC3339))
	d.fact("dns_names", leaf.DNSNames)
	d.fact("protocol", tlsVersionName(facts.Protocol))
	d.fact("cipher_suite", facts.CipherName)
	d.fact("chain_length", len(facts.Chain))
	d.fact("signature_algorithm", leaf.SignatureAlgorithm.String())

	daysLeft := int(leaf.NotAfter.Sub(now).Hours() / 24)
	d.fact("days_until_expiry", daysLeft)

	if now.After(leaf.NotAfter) {
		d.issue("Certificate has expired")
		d.recommend("Renew the TLS certificate immediately")
		return &Report{Score: 0, Details: d}
	}

	score := 100

	switch {
	case daysLeft <= 7:
		score -= 15
		d.issue(fmt.Sprintf("Certificate expires in %d day(s)", daysLeft))
		d.recommend("Renew the certificate now; expiry is imminent")
	case daysLeft <= 30:
		score -= 10
		d.issue(fmt.Sprintf("Certificate expires in %d days", daysLeft))
		d.recommend("Plan certificate renewal within the month")
	default:
		d.strength(fmt.Sprintf("Certificate valid for %d more days", daysLeft))
	}

	if !certMatchesHost(leaf, host) {
		score -= 20
		d.issue(fmt.Sprintf("Certificate does not cover hostname %q", host))
		d.recommend("Reissue the certificate with the correct subject alternative names")
	}

	switch {
	case facts.Protocol <= tls.VersionTLS11:
		score -= 25
		d.issue(fmt.Sprintf("Obsolete protocol negotiated: %s", tlsVersionName(facts.Protocol)))
		d.recommend("Disable TLS 1.1 and below; require TLS 1.2 or newer")
	case facts.Protocol == tls.VersionTLS13:
		score += 5
		d.strength("TLS 1.3 negotiated")
	}

	if isWeakCipher(facts.CipherName) {
		score -= 20
		d.issue(fmt.Sprintf("Weak cipher suite negotiated: %s", facts.CipherName))
		d.recommend("Restrict cipher suites to AEAD ciphers (AES-GCM, ChaCha20-Poly1305)")
	}

	if !hasForwardSecrecy(facts.Protocol, facts.CipherName) {
		score -= 10
		d.issue("Key exchange provides no forward secrecy")
		d.recommend("Prefer ECDHE key exchange so past sessions stay confidential")
	} else {
		d.strength("Forward secrecy in use")
	}

	if rsaKey, ok := leaf.PublicKey.(*rsa.PublicKey); ok {
		bits := rsaKey.N.BitLen()
		d.fact("rsa_key_bits", bits)
		if bits < 2048 {
			score -= 15
			d.issue(fmt.Sprintf("RSA key is only %d bits", bits))
			d.recommend("Use RSA keys of at least 2048 bits")
		}
	}

	if !chainOrdered(facts.Chain) {
		score -= 10
		d.issue("Certificate chain is out of order")
		d.recommend("Serve the chain leaf-first, each certificate followed by its issuer")
	}

	if isSHA1Signature(leaf.SignatureAlgorithm) {
		score -= 15
		d.issue("Certificate is signed with SHA-1")
		d.recommend("Reissue with a SHA-256 or stronger signature")
	}

	return &Report{Score: clampScore(score), Details: d}
}

// certMatchesHost checks the hostname against every SAN entry and the CN,
// honoring single-level wildcards. The CN is consulted even when SANs exist:
// the deduction targets misissued coverage, not strict verifier behavior.
func certMatchesHost(cert *x509.Certificate, host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	candidates := make([]string, 0, len(cert.DNSNames)+1)
	candidates = append(candidates, cert.DNSNames...)
	if cn := cert.Subject.CommonName; cn != "" {
		candidates = append(candidates, cn)
	}
	for _, name := range candidates {
		if matchHostname(strings.ToLower(name), host) {
			return true
		}
	}
	return false
}

func matchHostname(pattern, host string) bool {
	if pattern == host {
		return true
	}
	if !strings.HasPrefix(pattern, "*.") {
		return false
	}
	// Wildcards cover exactly one label.
	suffix := pattern[1:] // ".example.com"
	if !strings.HasSuffix(host, suffix) {
		return false
	}
	prefix := strings.TrimSuffix(host, suffix)
	return prefix != "" && !strings.Contains(prefix, ".")
}

var weakCipherMarkers = []string{"RC4", "3DES", "NULL", "EXPORT", "_DES_"}

func isWeakCipher(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range weakCipherMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// hasForwardSecrecy: every TLS 1.3 exchange is ephemeral; below that the
// suite name must carry a DHE or ECDHE exchange.
func hasForwardSecrecy(protocol uint16, cipherName string) bool {
	if protocol == tls.VersionTLS13 {
		return true
	}
	return strings.Contains(strings.ToUpper(cipherName), "DHE")
}

func chainOrdered(chain []*x509.Certificate) bool {
	for i := 0; i+1 < len(chain); i++ {
		if !bytes.Equal(chain[i].RawIssuer, chain[i+1].RawSubject) {
			return false
		}
	}
	return true
}

func isSHA1Signature(alg x509.SignatureAlgorithm) bool {
	switch alg {
	case x509.SHA1WithRSA, x509.DSAWithSHA1, x509.ECDSAWithSHA1:
		return true
	}
	return false
}

func tlsVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("unknown (0x%04x)", version)
	}
}
