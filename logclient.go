package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// LogClient is a thin HTTP client for another node's log frontend.
// TODO: We'd like to support HTTPS at some point.
type LogClient struct {
	baseURL    string
	httpClient *http.Client
}

func newLogClient(hostname string, port int) *LogClient {
	return &LogClient{
		baseURL: fmt.Sprintf("http://%s:%d", hostname, port),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *LogClient) BaseURL() string {
	return c.baseURL
}

// getSTHResponse is the wire form of the get-sth endpoint.
type getSTHResponse struct {
	TreeSize          int64  `json:"tree_size"`
	Timestamp         int64  `json:"timestamp"`
	SHA256RootHash    []byte `json:"sha256_root_hash"`
	TreeHeadSignature []byte `json:"tree_head_signature"`
}

// GetSTH fetches the node's current tree head.
func (c *LogClient) GetSTH(ctx context.Context) (*SignedTreeHead, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ct/v1/get-sth", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build get-sth request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get-sth request to %s failed: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get-sth request to %s returned %s", c.baseURL, resp.Status)
	}

	var body getSTHResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode get-sth response: %w", err)
	}

	return &SignedTreeHead{
		TreeSize:       body.TreeSize,
		Timestamp:      body.Timestamp,
		SHA256RootHash: body.SHA256RootHash,
		Signature:      body.TreeHeadSignature,
	}, nil
}
