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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// RFC 6962 endpoints used by oonict.
const (
	AddChainPath = "/ct/v1/add-chain"
	GetSTHPath   = "/ct/v1/get-sth"
	GetRootsPath = "/ct/v1/get-roots"

	UserAgent = "oonict (+https://github.com/x-stp/oonict)"

	// maxResponseBody bounds how much of a log response we keep.
	maxResponseBody = 1 << 20 // 1MB
)

// AddChainRequest is the JSON body of an add-chain call.
type AddChainRequest struct {
	Chain []string `json:"chain"` // Base64 DER, leaf first.
}

// AddChainResponse is the signed certificate timestamp returned on success.
type AddChainResponse struct {
	SCTVersion int    `json:"sct_version"`
	ID         string `json:"id"`
	Timestamp  uint64 `json:"timestamp"`
	Extensions string `json:"extensions"`
	Signature  string `json:"signature"`
}

// AddChainResult is whatever the log answered. Transport failures are returned as
// errors by PostAddChain instead.
type AddChainResult struct {
	StatusCode int
	Status     string
	Body       []byte
	SCT        *AddChainResponse // Set when a 2xx body parsed as an SCT.
	ParseErr   error             // Set when a 2xx body did not parse.
}

// TreeSizeResponse represents the JSON structure from the get-sth endpoint.
type TreeSizeResponse struct {
	TreeSize          int    `json:"tree_size"`
	Timestamp         int64  `json:"timestamp"`
	SHA256RootHash    string `json:"sha256_root_hash"`
	TreeHeadSignature string `json:"tree_head_signature"`
}

// LogEndpoint builds the full URL of an RFC 6962 endpoint. logURL may be given with or
// without scheme ("ct.example.com/2025h2" means https).
func LogEndpoint(logURL, path string) string {
	u := strings.TrimSpace(logURL)
	if !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://") {
		u = "https://" + u
	}
	return strings.TrimSuffix(u, "/") + path
}

// PostAddChain submits chain to the log's add-chain endpoint.
// Operation: Network bound. The caller owns rate limiting and classification.
func PostAddChain(ctx context.Context, httpClient *http.Client, logURL string, chain *Chain) (*AddChainResult, error) {
	body, err := json.Marshal(AddChainRequest{Chain: chain.Base64DER()})
	if err != nil {
		return nil, fmt.Errorf("error encoding add-chain request: %w", err)
	}

	url := LogEndpoint(logURL, AddChainPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("add-chain %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// The log accepted the chain; a short read does not change that.
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("add-chain %s: error reading response: %w", url, err)
	}

	result := &AddChainResult{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       respBody,
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var sct AddChainResponse
		if perr := json.Unmarshal(respBody, &sct); perr != nil {
			result.ParseErr = perr
		} else {
			result.SCT = &sct
		}
	}
	return result, nil
}

// GetSTH retrieves the log's signed tree head. Used as a reachability check before a run.
func GetSTH(ctx context.Context, httpClient *http.Client, logURL string) (*TreeSizeResponse, error) {
	var sth TreeSizeResponse
	if err := getJSON(ctx, httpClient, LogEndpoint(logURL, GetSTHPath), &sth); err != nil {
		return nil, err
	}
	return &sth, nil
}

// GetRoots returns the DER roots the log accepts. Chains not ending in one of these are
// rejected by add-chain with a 400.
func GetRoots(ctx context.Context, httpClient *http.Client, logURL string) ([][]byte, error) {
	var parsed struct {
		Certificates [][]byte `json:"certificates"`
	}
	if err := getJSON(ctx, httpClient, LogEndpoint(logURL, GetRootsPath), &parsed); err != nil {
		return nil, err
	}
	return parsed.Certificates, nil
}

func getJSON(ctx context.Context, httpClient *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody*16))
	if err != nil {
		return fmt.Errorf("get %s: error reading body: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP error %d fetching %s: %s", resp.StatusCode, url, bytes.TrimSpace(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("error parsing JSON from %s: %w", url, err)
	}
	return nil
}
