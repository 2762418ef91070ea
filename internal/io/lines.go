package io

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
	"errors"
	"fmt"
	"io"
	"os"
)

// ReadStats describes what ReadLines saw.
type ReadStats struct {
	Lines   int    // Complete lines handed to the callback, blank ones included.
	Missing bool   // The file did not exist.
	Torn    []byte // Trailing bytes without a newline, if any. Never handed to the callback.
}

// ReadLines calls fn for every newline-terminated line of path, without the newline.
// lineNo is 1-based. A missing file reads as empty. A final fragment without a newline
// is reported in ReadStats.Torn instead of being passed to fn. Reading stops at the
// first error returned by fn.
func ReadLines(path string, fn func(lineNo int, line []byte) error) (ReadStats, error) {
	var stats ReadStats

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			stats.Missing = true
			return stats, nil
		}
		return stats, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, DefaultBufferSize)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(line) > 0 {
					stats.Torn = line
				}
				return stats, nil
			}
			return stats, fmt.Errorf("failed to read %s: %w", path, err)
		}
		stats.Lines++
		if err := fn(stats.Lines, bytes.TrimRight(line, "\r\n")); err != nil {
			return stats, err
		}
	}
}
