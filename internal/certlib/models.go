package certlib

/*
oonict — feed TLS chains seen by OONI probes into Certificate Transparency logs
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// Constants describing the measurement data oonict understands.
const (
	// WebConnectivityTest is the only OONI test whose TLS handshakes we trust to carry
	// the server's presented chain.
	WebConnectivityTest = "web_connectivity"

	// FingerprintSize is the width of a chain fingerprint in bytes (SHA-256).
	FingerprintSize = sha256.Size
)

// Global settings influencing certlib behavior.
var (
	// Verbose logs every extracted chain. Warnings and counters are emitted either way.
	Verbose = false
)

// MeasurementRecord is one line of an OONI measurement archive.
// Only the fields needed for chain extraction (plus a little context for logging) are decoded.
type MeasurementRecord struct {
	TestName             string   `json:"test_name"`
	ReportID             string   `json:"report_id,omitempty"`
	Input                any      `json:"input,omitempty"` // string or null, depending on the test
	ProbeCC              string   `json:"probe_cc,omitempty"`
	ProbeASN             string   `json:"probe_asn,omitempty"`
	MeasurementStartTime string   `json:"measurement_start_time,omitempty"`
	TestKeys             TestKeys `json:"test_keys"`
}

// TestKeys holds the test-specific results of a measurement.
type TestKeys struct {
	TLSHandshakes []HandshakeEvent `json:"tls_handshakes"`
}

// HandshakeEvent is a single TLS handshake attempt recorded by the probe.
type HandshakeEvent struct {
	Address          string            `json:"address,omitempty"`
	ServerName       string            `json:"server_name,omitempty"`
	Failure          *string           `json:"failure,omitempty"`
	PeerCertificates []PeerCertificate `json:"peer_certificates"`
}

// PeerCertificate is one certificate as reported by the probe: base64 DER in Data.
// OONI uses the "format" key; "encoding" is accepted for older/foreign producers.
type PeerCertificate struct {
	Format   string `json:"format,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	Data     string `json:"data"`
}

// encodingName returns whichever of format/encoding the producer filled in.
func (p *PeerCertificate) encodingName() string {
	if p.Format != "" {
		return p.Format
	}
	return p.Encoding
}

// Context returns a short description of the record for log lines.
func (m *MeasurementRecord) Context() string {
	input := ""
	if s, ok := m.Input.(string); ok {
		input = s
	}
	return fmt.Sprintf("report=%s cc=%s asn=%s input=%q", m.ReportID, m.ProbeCC, m.ProbeASN, input)
}

// Certificate is a parsed X.509 certificate. No validation of any kind is performed;
// the only thing we rely on is its DER encoding.
type Certificate struct {
	cert *x509.Certificate
}

// NewCertificate wraps an already parsed certificate.
func NewCertificate(cert *x509.Certificate) *Certificate {
	return &Certificate{cert: cert}
}

// ParseCertificateDER parses DER bytes into a Certificate.
func ParseCertificateDER(der []byte) (*Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Certificate{cert: cert}, nil
}

// DER returns the canonical DER encoding exactly as it was received.
func (c *Certificate) DER() []byte {
	return c.cert.Raw
}

// Base64 returns the standard base64 encoding of the DER bytes, as add-chain expects.
func (c *Certificate) Base64() string {
	return base64.StdEncoding.EncodeToString(c.cert.Raw)
}

// ShortHash calculates a NON-CRYPTOGRAPHIC hash (xxh3) of the DER bytes.
// It is only meant to tell certificates apart in log output.
func (c *Certificate) ShortHash() string {
	return fmt.Sprintf("%016x", xxh3.Hash(c.cert.Raw))
}

// Subject returns the subject DN, for display only.
func (c *Certificate) Subject() string {
	return c.cert.Subject.String()
}

// Chain is an ordered, non-empty list of certificates in the order the probe reported them
// (assumed leaf first). It is never reordered.
type Chain struct {
	Certificates []*Certificate
}

// Len returns the number of certificates in the chain.
func (c *Chain) Len() int {
	return len(c.Certificates)
}

// Leaf returns the first certificate of the chain.
func (c *Chain) Leaf() *Certificate {
	if len(c.Certificates) == 0 {
		return nil
	}
	return c.Certificates[0]
}

// Fingerprint calculates a CRYPTOGRAPHIC hash (SHA-256) over the concatenated DER of every
// certificate in chain order. DER is self-delimiting so no separator is needed.
// Unlike the display hashes elsewhere this is a dedup key and must resist collisions.
func (c *Chain) Fingerprint() Fingerprint {
	h := sha256.New()
	for _, cert := range c.Certificates {
		h.Write(cert.DER())
	}
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// Base64DER returns every certificate as base64 DER, in chain order.
func (c *Chain) Base64DER() []string {
	out := make([]string, len(c.Certificates))
	for i, cert := range c.Certificates {
		out[i] = cert.Base64()
	}
	return out
}

// Fingerprint identifies a chain by content and order.
type Fingerprint [FingerprintSize]byte

// String returns the lowercase hex form used in the ledger.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// MarshalJSON encodes the fingerprint as its hex string.
func (f Fingerprint) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// ParseFingerprint parses the hex form written by Fingerprint.String.
// Upper-case hex is accepted; surrounding whitespace is not.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	if len(s) != hex.EncodedLen(FingerprintSize) {
		return fp, fmt.Errorf("fingerprint %q: want %d hex characters, got %d", s, hex.EncodedLen(FingerprintSize), len(s))
	}
	if _, err := hex.Decode(fp[:], []byte(strings.ToLower(s))); err != nil {
		return fp, fmt.Errorf("fingerprint %q: %w", s, err)
	}
	return fp, nil
}
