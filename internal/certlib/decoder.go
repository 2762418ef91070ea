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
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
)

const (
	// MaxRecordSize caps a single JSON line. Longer lines are skipped, not buffered.
	MaxRecordSize = 64 * 1024 * 1024 // 64MB

	// readBufferSize is the bufio buffer wrapped around the gzip stream.
	readBufferSize = 256 * 1024 // 256KB
)

// RecordDecoder turns a gzip-compressed, newline-delimited JSON archive into a lazy
// sequence of MeasurementRecords. Usage mirrors bufio.Scanner:
//
//	dec, err := NewRecordDecoder(r, name)
//	for dec.Next() {
//		rec := dec.Record()
//	}
//	if err := dec.Err(); err != nil { ... }
//
// Malformed lines are skipped and counted; a framing failure ends the sequence and is
// reported by Err as a *DecodeError. The sequence cannot be restarted.
type RecordDecoder struct {
	gz      *gzip.Reader
	br      *bufio.Reader
	buf     []byte
	maxLine int

	rec     *MeasurementRecord
	err     error
	done    bool
	line    int
	skipped int
	name    string // For log lines only.
}

// NewRecordDecoder reads the gzip header from r. A missing or broken header is
// returned as a *DecodeError.
func NewRecordDecoder(r io.Reader, name string) (*RecordDecoder, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, &DecodeError{Line: 0, Err: err}
	}
	return &RecordDecoder{
		gz:      gz,
		br:      bufio.NewReaderSize(gz, readBufferSize),
		maxLine: MaxRecordSize,
		name:    name,
	}, nil
}

// Next advances to the next usable record. It returns false at the end of the archive
// or after a framing failure.
func (d *RecordDecoder) Next() bool {
	d.rec = nil
	for !d.done {
		line, oversized, err := d.readLine()
		if err != nil {
			d.done = true
			if !errors.Is(err, io.EOF) {
				// Whatever was buffered of this line is unreliable.
				d.err = &DecodeError{Line: d.line + 1, Err: err}
				return false
			}
			if len(line) == 0 && !oversized {
				return false
			}
		}
		d.line++

		if oversized {
			d.skip(fmt.Errorf("%w: line exceeds %d bytes", ErrRecordSkipped, d.maxLine))
			continue
		}
		if len(line) == 0 {
			continue
		}

		rec, perr := parseRecord(line)
		if perr != nil {
			d.skip(perr)
			continue
		}
		d.rec = rec
		return true
	}
	return false
}

// Record returns the record read by the last successful call to Next.
func (d *RecordDecoder) Record() *MeasurementRecord {
	return d.rec
}

// Err returns the framing error that ended decoding, or nil at a clean end of stream.
func (d *RecordDecoder) Err() error {
	return d.err
}

// Skipped returns how many lines were skipped as malformed so far.
func (d *RecordDecoder) Skipped() int {
	return d.skipped
}

// Lines returns how many lines have been read so far.
func (d *RecordDecoder) Lines() int {
	return d.line
}

// Close releases the gzip reader. It does not close the underlying reader.
func (d *RecordDecoder) Close() error {
	return d.gz.Close()
}

func (d *RecordDecoder) skip(err error) {
	d.skipped++
	log.Printf("Warning: %s line %d skipped: %v", d.name, d.line, err)
}

// readLine returns the next line without its terminator. Lines longer than maxLine
// are consumed but not kept, and reported as oversized.
func (d *RecordDecoder) readLine() ([]byte, bool, error) {
	d.buf = d.buf[:0]
	oversized := false
	for {
		chunk, err := d.br.ReadSlice('\n')
		if !oversized {
			if len(d.buf)+len(chunk) > d.maxLine {
				oversized = true
				d.buf = d.buf[:0]
			} else {
				d.buf = append(d.buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimSpace(d.buf), oversized, err
	}
}

// parseRecord decodes one JSON line. Anything that is not an object carrying a string
// test_name is rejected with ErrRecordSkipped.
func parseRecord(line []byte) (*MeasurementRecord, error) {
	if line[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrRecordSkipped)
	}
	var rec MeasurementRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordSkipped, err)
	}
	if rec.TestName == "" {
		return nil, fmt.Errorf("%w: missing test_name", ErrRecordSkipped)
	}
	return &rec, nil
}
