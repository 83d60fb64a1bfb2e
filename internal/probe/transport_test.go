package probe

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/originscore/originscore/internal/guard"
)

var analysisNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func leafCert(names []string, notAfter time.Time) *x509.Certificate {
	return &x509.Certificate{
		Subject:            pkix.Name{CommonName: "test leaf"},
		DNSNames:           names,
		NotBefore:          analysisNow.Add(-90 * 24 * time.Hour),
		NotAfter:           notAfter,
		SignatureAlgorithm: x509.SHA256WithRSA,
		RawSubject:         []byte("leaf"),
		RawIssuer:          []byte("intermediate"),
	}
}

func goodFacts(host string) *ConnectionFacts {
	return &ConnectionFacts{
		Protocol:    tls.VersionTLS12,
		CipherSuite: tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		CipherName:  "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
		Chain:       []*x509.Certificate{leafCert([]string{host}, analysisNow.Add(365 * 24 * time.Hour))},
	}
}

func TestAnalyzeTransportCleanHandshake(t *testing.T) {
	rep := analyzeTransport(goodFacts("example.com"), "example.com", analysisNow)
	if rep.Score != 100 {
		t.Errorf("Score = %d, want 100; issues: %v", rep.Score, rep.Details.Issues)
	}
	if len(rep.Details.Issues) != 0 {
		t.Errorf("unexpected issues: %v", rep.Details.Issues)
	}
}

func TestAnalyzeTransportNoCertificate(t *testing.T) {
	rep := analyzeTransport(&ConnectionFacts{Protocol: tls.VersionTLS12}, "example.com", analysisNow)
	if rep.Score != 0 {
		t.Errorf("Score = %d, want 0", rep.Score)
	}
}

func TestAnalyzeTransportExpiredIsTerminal(t *testing.T) {
	facts := goodFacts("example.com")
	facts.Chain[0].NotAfter = analysisNow.Add(-24 * time.Hour)
	// Stack another problem on top; expiry must short-circuit it.
	facts.Protocol = tls.VersionTLS10

	rep := analyzeTransport(facts, "example.com", analysisNow)
	if rep.Score != 0 {
		t.Errorf("Score = %d, want 0", rep.Score)
	}
	if len(rep.Details.Issues) != 1 {
		t.Errorf("Issues = %v, want only the expiry finding", rep.Details.Issues)
	}
}

func TestAnalyzeTransportExpiryWindows(t *testing.T) {
	tests := []struct {
		days int
		want int
	}{
		{5, 85},   // imminent
		{20, 90},  // within a month
		{200, 100},
	}
	for _, tt := range tests {
		facts := goodFacts("example.com")
		facts.Chain[0].NotAfter = analysisNow.Add(time.Duration(tt.days) * 24 * time.Hour)
		rep := analyzeTransport(facts, "example.com", analysisNow)
		if rep.Score != tt.want {
			t.Errorf("expiry in %d days: Score = %d, want %d", tt.days, rep.Score, tt.want)
		}
	}
}

func TestAnalyzeTransportHostnameMismatch(t *testing.T) {
	rep := analyzeTransport(goodFacts("other.example"), "example.com", analysisNow)
	if rep.Score != 80 {
		t.Errorf("Score = %d, want 80", rep.Score)
	}
}

func TestCertMatchesHostWildcard(t *testing.T) {
	cert := leafCert([]string{"*.example.com"}, analysisNow.Add(time.Hour))
	if !certMatchesHost(cert, "www.example.com") {
		t.Error("wildcard failed to match one label")
	}
	if certMatchesHost(cert, "a.b.example.com") {
		t.Error("wildcard matched across two labels")
	}
	if certMatchesHost(cert, "example.com") {
		t.Error("wildcard matched the bare domain")
	}
}

func TestCertMatchesHostCommonName(t *testing.T) {
	cert := &x509.Certificate{Subject: pkix.Name{CommonName: "example.com"}}
	if !certMatchesHost(cert, "example.com") {
		t.Error("CN match failed with no SAN entries")
	}
	// The CN counts even when SAN entries exist.
	cert.DNSNames = []string{"other.example"}
	if !certMatchesHost(cert, "example.com") {
		t.Error("CN ignored once SAN entries are present")
	}
	if certMatchesHost(cert, "unrelated.example") {
		t.Error("matched a host covered by neither SAN nor CN")
	}
}

func TestAnalyzeTransportObsoleteProtocol(t *testing.T) {
	for _, proto := range []uint16{tls.VersionTLS10, tls.VersionTLS11} {
		facts := goodFacts("example.com")
		facts.Protocol = proto
		rep := analyzeTransport(facts, "example.com", analysisNow)
		if rep.Score != 75 {
			t.Errorf("protocol 0x%04x: Score = %d, want 75", proto, rep.Score)
		}
	}
}

func TestAnalyzeTransportTLS13BonusClamps(t *testing.T) {
	facts := goodFacts("example.com")
	facts.Protocol = tls.VersionTLS13
	facts.CipherName = "TLS_AES_128_GCM_SHA256"
	rep := analyzeTransport(facts, "example.com", analysisNow)
	if rep.Score != 100 {
		t.Errorf("Score = %d, want 100 (bonus clamped)", rep.Score)
	}
}

func TestAnalyzeTransportWeakCipherNoForwardSecrecy(t *testing.T) {
	facts := goodFacts("example.com")
	facts.CipherName = "TLS_RSA_WITH_RC4_128_SHA"
	rep := analyzeTransport(facts, "example.com", analysisNow)
	// -20 weak cipher, -10 no forward secrecy
	if rep.Score != 70 {
		t.Errorf("Score = %d, want 70", rep.Score)
	}
}

func TestAnalyzeTransportSmallRSAKey(t *testing.T) {
	facts := goodFacts("example.com")
	facts.Chain[0].PublicKey = &rsa.PublicKey{N: new(big.Int).Lsh(big.NewInt(1), 1023), E: 65537}
	rep := analyzeTransport(facts, "example.com", analysisNow)
	if rep.Score != 85 {
		t.Errorf("Score = %d, want 85", rep.Score)
	}

	facts.Chain[0].PublicKey = &rsa.PublicKey{N: new(big.Int).Lsh(big.NewInt(1), 2047), E: 65537}
	rep = analyzeTransport(facts, "example.com", analysisNow)
	if rep.Score != 100 {
		t.Errorf("Score with 2048-bit key = %d, want 100", rep.Score)
	}
}

func TestAnalyzeTransportChainOrder(t *testing.T) {
	leaf := leafCert([]string{"example.com"}, analysisNow.Add(365*24*time.Hour))
	intermediate := &x509.Certificate{RawSubject: []byte("intermediate"), RawIssuer: []byte("root")}
	root := &x509.Certificate{RawSubject: []byte("root"), RawIssuer: []byte("root")}

	ordered := goodFacts("example.com")
	ordered.Chain = []*x509.Certificate{leaf, intermediate, root}
	if rep := analyzeTransport(ordered, "example.com", analysisNow); rep.Score != 100 {
		t.Errorf("ordered chain Score = %d, want 100", rep.Score)
	}

	shuffled := goodFacts("example.com")
	shuffled.Chain = []*x509.Certificate{leaf, root, intermediate}
	if rep := analyzeTransport(shuffled, "example.com", analysisNow); rep.Score != 90 {
		t.Errorf("shuffled chain Score = %d, want 90", rep.Score)
	}
}

func TestAnalyzeTransportSHA1Signature(t *testing.T) {
	facts := goodFacts("example.com")
	facts.Chain[0].SignatureAlgorithm = x509.SHA1WithRSA
	rep := analyzeTransport(facts, "example.com", analysisNow)
	if rep.Score != 85 {
		t.Errorf("Score = %d, want 85", rep.Score)
	}
}

func TestAnalyzeTransportFloorsAtZero(t *testing.T) {
	facts := &ConnectionFacts{
		Protocol:   tls.VersionTLS10,
		CipherName: "TLS_RSA_WITH_RC4_128_SHA",
		Chain: []*x509.Certificate{{
			Subject:            pkix.Name{CommonName: "wrong.example"},
			NotAfter:           analysisNow.Add(3 * 24 * time.Hour),
			SignatureAlgorithm: x509.SHA1WithRSA,
			PublicKey:          &rsa.PublicKey{N: new(big.Int).Lsh(big.NewInt(1), 1023), E: 65537},
		}},
	}
	rep := analyzeTransport(facts, "example.com", analysisNow)
	if rep.Score != 0 {
		t.Errorf("Score = %d, want 0", rep.Score)
	}
}

func TestTransportExecuteUsesDialer(t *testing.T) {
	p := NewTransport(guard.New())
	var gotHost, gotPort string
	p.dial = func(_ context.Context, host, port string) (*ConnectionFacts, error) {
		gotHost, gotPort = host, port
		return goodFacts(host), nil
	}

	rep, err := p.Execute(context.Background(), Target{Host: "example.com"})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if gotHost != "example.com" || gotPort != "443" {
		t.Errorf("dialed %s:%s, want example.com:443", gotHost, gotPort)
	}
	if rep.Score != 100 {
		t.Errorf("Score = %d, want 100", rep.Score)
	}
}

func TestTransportExecuteDialError(t *testing.T) {
	p := NewTransport(guard.New())
	p.dial = func(_ context.Context, _, _ string) (*ConnectionFacts, error) {
		return nil, errors.New("connection refused")
	}
	if _, err := p.Execute(context.Background(), Target{Host: "example.com"}); err == nil {
		t.Fatal("Execute swallowed the dial error")
	}
}
