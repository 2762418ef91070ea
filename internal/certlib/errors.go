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
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
)

var (
	// ErrRecordSkipped marks a single archive line that could not be used. Non-fatal.
	ErrRecordSkipped = errors.New("record skipped")

	// ErrUnsupportedEncoding is returned for peer certificates not encoded as base64.
	ErrUnsupportedEncoding = errors.New("unsupported certificate encoding")
)

// DecodeError is an archive-level framing failure (gzip header, corrupt deflate stream,
// truncated member, read error). It ends decoding of that archive only.
type DecodeError struct {
	Line int // Line being read when the stream broke, 1-based.
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("archive stream broken at line %d: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Corrupt reports whether the bytes themselves are bad (not gzip, failed checksum,
// invalid deflate data). Read errors and truncation are not corruption: fetching the
// archive again may fix them.
func (e *DecodeError) Corrupt() bool {
	var flateErr flate.CorruptInputError
	return errors.Is(e.Err, gzip.ErrHeader) || errors.Is(e.Err, gzip.ErrChecksum) || errors.As(e.Err, &flateErr)
}

// CertificateDecodeError describes one peer certificate that could not be decoded.
// The certificate is left out of its chain; the rest of the handshake is still used.
type CertificateDecodeError struct {
	Handshake int // Index of the handshake within the record.
	Index     int // Index of the certificate within peer_certificates.
	Err       error
}

func (e *CertificateDecodeError) Error() string {
	return fmt.Sprintf("handshake %d certificate %d: %v", e.Handshake, e.Index, e.Err)
}

func (e *CertificateDecodeError) Unwrap() error {
	return e.Err
}
