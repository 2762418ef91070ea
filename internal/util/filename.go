package util

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

import "strings"

// maxStemLength keeps derived file names well inside common filesystem limits.
const maxStemLength = 100

// URLStem turns a log URL into a filesystem-safe file name stem, e.g.
// "https://ct.example.org/2025h1/" becomes "ct.example.org_2025h1".
// The scheme and surrounding separators are dropped; anything outside
// [A-Za-z0-9._-] becomes an underscore.
func URLStem(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		}
		return '_'
	}, s)
	s = strings.Trim(s, "_.")
	if len(s) > maxStemLength {
		s = s[:maxStemLength]
	}
	return s
}
