package files

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Pinner stores a file and returns its content address.
type Pinner interface {
	Pin(ctx context.Context, filename string, data []byte) (string, error)
}

// IPFSClient pins files through an IPFS node's HTTP API (/api/v0/add).
type IPFSClient struct {
	apiURL     string
	gatewayURL string
	client     *http.Client
}

// NewIPFSClient creates a client against a node API (e.g. http://localhost:5001)
// and a public gateway used to build retrieval URLs.
func NewIPFSClient(apiURL, gatewayURL string) *IPFSClient {
	return &IPFSClient{
		apiURL:     strings.TrimRight(apiURL, "/"),
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Pin uploads the file to the node with pinning enabled and returns its CID.
func (c *IPFSClient) Pin(ctx context.Context, filename string, data []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}

	url := c.apiURL + "/api/v0/add?pin=true&cid-version=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create IPFS request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("IPFS add failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("IPFS add returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		Hash string `json:"Hash"`
		Name string `json:"Name"`
		Size string `json:"Size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode IPFS response: %w", err)
	}
	if result.Hash == "" {
		return "", fmt.Errorf("IPFS add returned no hash")
	}

	return result.Hash, nil
}

// FileURL builds the public gateway URL for a pinned CID.
func (c *IPFSClient) FileURL(cid string) string {
	return c.gatewayURL + "/" + cid
}
