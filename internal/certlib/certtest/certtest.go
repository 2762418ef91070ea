// Package certtest builds throwaway certificates and measurement archives for tests.
package certtest

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
	"bytes"
	"compress/gzip"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"
)

// DER returns a freshly generated self-signed certificate for cn.
// Every call yields different bytes, even for the same cn.
func DER(tb testing.TB, cn string) []byte {
	tb.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatalf("generate key: %v", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		tb.Fatalf("serial: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		tb.Fatalf("create certificate: %v", err)
	}
	return der
}

// PeerCert is the JSON shape of one peer certificate in an OONI handshake.
type PeerCert struct {
	Format string `json:"format"`
	Data   string `json:"data"`
}

// Handshake is the JSON shape of one TLS handshake entry.
type Handshake struct {
	ServerName       string     `json:"server_name,omitempty"`
	PeerCertificates []PeerCert `json:"peer_certificates"`
}

// Peer wraps DER bytes the way OONI reports them.
func Peer(der []byte) PeerCert {
	return PeerCert{Format: "base64", Data: base64.StdEncoding.EncodeToString(der)}
}

// Record renders a measurement line for testName with the given handshakes.
func Record(tb testing.TB, testName string, handshakes ...Handshake) []byte {
	tb.Helper()
	rec := map[string]any{
		"test_name": testName,
		"report_id": "20250101T000000Z_webconnectivity_XX_0_n1_test",
		"probe_cc":  "XX",
		"input":     "https://example.org/",
		"test_keys": map[string]any{"tls_handshakes": handshakes},
	}
	b, err := json.Marshal(rec)
	if err != nil {
		tb.Fatalf("marshal record: %v", err)
	}
	return b
}

// Archive gzips lines into a newline-delimited archive.
func Archive(tb testing.TB, lines ...[]byte) []byte {
	tb.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	for _, l := range lines {
		if _, err := gz.Write(l); err != nil {
			tb.Fatalf("gzip write: %v", err)
		}
		if _, err := gz.Write([]byte("\n")); err != nil {
			tb.Fatalf("gzip write: %v", err)
		}
	}
	if err := gz.Close(); err != nil {
		tb.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}
