// Package source enumerates OONI measurement archives and opens them for reading.
// The pipeline only sees the Archive interface; where the bytes come from is up to
// the implementations here.
package source

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
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultSuffixes are the archive names Dir picks up.
var DefaultSuffixes = []string{".jsonl.gz", ".json.gz"}

// DefaultBucketURL is the public OONI measurement bucket.
const DefaultBucketURL = "https://ooni-data-eu-fra.s3.eu-central-1.amazonaws.com"

// ErrNoArchives is returned when a source turns up nothing to process.
var ErrNoArchives = errors.New("no archives found")

// Archive is one gzip-compressed, newline-delimited JSON measurement file.
type Archive interface {
	// ID is stable across runs; it keys the progress cache.
	ID() string
	// Open returns the raw (still compressed) bytes.
	Open(ctx context.Context) (io.ReadCloser, error)
}

// fileArchive is an archive on local disk.
type fileArchive struct {
	path string
}

func (a *fileArchive) ID() string { return a.path }

func (a *fileArchive) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(a.path)
}

// File returns a single local archive.
func File(path string) Archive {
	return &fileArchive{path: path}
}

// Dir walks root recursively and returns every file whose name ends in one of suffixes
// (DefaultSuffixes when empty), sorted by path. root may also be a single file.
func Dir(root string, suffixes []string) ([]Archive, error) {
	if len(suffixes) == 0 {
		suffixes = DefaultSuffixes
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("archive source %s: %w", root, err)
	}
	if !info.IsDir() {
		return []Archive{File(root)}, nil
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !hasSuffix(d.Name(), suffixes) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive source %s: %w", root, err)
	}
	sort.Strings(paths)

	archives := make([]Archive, len(paths))
	for i, p := range paths {
		archives[i] = File(p)
	}
	return archives, nil
}

func hasSuffix(name string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// HTTPError is returned when an archive fetch gets a non-200 answer.
type HTTPError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

// Temporary reports whether retrying on a later run may help.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// httpArchive is an object fetched over HTTP(S), typically from the OONI S3 bucket.
type httpArchive struct {
	key    string
	url    string
	client *http.Client
}

func (a *httpArchive) ID() string { return a.key }

func (a *httpArchive) Open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", a.url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &HTTPError{URL: a.url, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp.Body, nil
}

// HTTP returns one archive per object key under baseURL. Keys are joined to baseURL
// path-escaped segment by segment; the key itself is the archive ID.
func HTTP(baseURL string, keys []string, client *http.Client) ([]Archive, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}

	archives := make([]Archive, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimPrefix(key, "/")
		segments := strings.Split(key, "/")
		for i, s := range segments {
			segments[i] = url.PathEscape(s)
		}
		archives = append(archives, &httpArchive{
			key:    key,
			url:    base.String() + "/" + strings.Join(segments, "/"),
			client: client,
		})
	}
	return archives, nil
}

// ReadKeyList reads object keys from r, one per line. Blank lines and lines starting
// with '#' are ignored, as is surrounding whitespace.
func ReadKeyList(r io.Reader) ([]string, error) {
	var keys []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("error reading key list: %w", err)
	}
	return keys, nil
}

// ReadKeyFile is ReadKeyList on a file. "-" reads standard input.
func ReadKeyFile(path string) ([]string, error) {
	if path == "-" {
		return ReadKeyList(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening key list: %w", err)
	}
	defer f.Close()
	return ReadKeyList(f)
}

// Limit trims archives to at most n entries. n <= 0 means no limit.
func Limit(archives []Archive, n int) []Archive {
	if n <= 0 || len(archives) <= n {
		return archives
	}
	return archives[:n]
}
