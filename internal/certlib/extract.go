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
	"encoding/base64"
	"fmt"
	"log"
	"strings"
)

// ExtractStats counts what happened while extracting chains from one record.
type ExtractStats struct {
	Handshakes         int // Handshake events inspected.
	CertificatesFailed int // Peer certificates left out because they did not decode.
	EmptyHandshakes    int // Handshakes that yielded no chain.
}

// ExtractChains returns one chain per TLS handshake in rec that has at least one decodable
// peer certificate, in handshake order. Certificates keep the order the probe reported.
//
// Only web_connectivity measurements are considered. A certificate that fails base64 or DER
// decoding is logged and dropped from its chain; it never affects other certificates or
// other handshakes. No deduplication happens here.
func ExtractChains(rec *MeasurementRecord) ([]*Chain, ExtractStats) {
	var stats ExtractStats
	if rec == nil || rec.TestName != WebConnectivityTest {
		return nil, stats
	}
	handshakes := rec.TestKeys.TLSHandshakes
	if len(handshakes) == 0 {
		return nil, stats
	}

	chains := make([]*Chain, 0, len(handshakes))
	for hi := range handshakes {
		stats.Handshakes++
		hs := &handshakes[hi]

		certs := make([]*Certificate, 0, len(hs.PeerCertificates))
		for ci := range hs.PeerCertificates {
			cert, err := decodePeerCertificate(&hs.PeerCertificates[ci])
			if err != nil {
				stats.CertificatesFailed++
				cerr := &CertificateDecodeError{Handshake: hi, Index: ci, Err: err}
				log.Printf("Warning: %s: dropping certificate: %v", rec.Context(), cerr)
				continue
			}
			certs = append(certs, cert)
		}

		if len(certs) == 0 {
			stats.EmptyHandshakes++
			continue
		}
		chain := &Chain{Certificates: certs}
		if Verbose {
			log.Printf("%s: handshake %d (%s) chain of %d, leaf %s [%s]",
				rec.Context(), hi, hs.ServerName, chain.Len(), chain.Leaf().Subject(), chain.Leaf().ShortHash())
		}
		chains = append(chains, chain)
	}
	return chains, stats
}

// decodePeerCertificate turns one reported certificate into a parsed Certificate.
func decodePeerCertificate(pc *PeerCertificate) (*Certificate, error) {
	if enc := pc.encodingName(); enc != "" && !strings.EqualFold(enc, "base64") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
	if pc.Data == "" {
		return nil, fmt.Errorf("empty certificate data")
	}
	der, err := base64.StdEncoding.DecodeString(pc.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	cert, err := ParseCertificateDER(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate DER: %w", err)
	}
	return cert, nil
}
