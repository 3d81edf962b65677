// CLAUDE:SUMMARY HTTP client for an OCR service speaking the olm-style /v1/ocr JSON API, with transient classification of 429/5xx.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/mdwb/tiler"
)

// ClientConfig configures the HTTP OCR client.
type ClientConfig struct {
	// Endpoint is the service base URL, e.g. "http://localhost:8004".
	Endpoint string
	// Model names the recognition model requested per call.
	Model string
	// APIKey, when set, is sent as a Bearer token.
	APIKey string
	// Timeout bounds a single request. Default: 60s.
	Timeout time.Duration
}

// HTTPClient talks to an OCR service over its JSON API.
type HTTPClient struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

// NewHTTPClient creates a client for the given service.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Host returns the service host, used as the rate-limit key.
func (c *HTTPClient) Host() string {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return c.endpoint
	}
	return u.Host
}

// ocrRequest is the JSON body sent to /v1/ocr.
type ocrRequest struct {
	Model  string `json:"model"`
	Image  string `json:"image"` // base64 PNG
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ocrResponse is the JSON response from /v1/ocr.
type ocrResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (c *HTTPClient) Recognize(ctx context.Context, tile tiler.Tile) (Recognition, error) {
	body, err := json.Marshal(ocrRequest{
		Model:  c.model,
		Image:  base64.StdEncoding.EncodeToString(tile.PNG),
		Width:  tile.Width,
		Height: tile.Height,
	})
	if err != nil {
		return Recognition{}, fmt.Errorf("marshal request: %w", err)
	}

	reqURL := c.endpoint + "/v1/ocr"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return Recognition{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Recognition{}, Transient(fmt.Errorf("HTTP POST %s: %w", reqURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, reqURL, string(respBody))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Recognition{}, Transient(err)
		}
		return Recognition{}, err
	}

	var result ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Recognition{}, fmt.Errorf("decode response: %w", err)
	}
	return Recognition{Text: result.Text, Confidence: result.Confidence}, nil
}
