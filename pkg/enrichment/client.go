// Package enrichment is a client for the third-party lead augmentation API.
// The provider receives the fields known so far and answers with extra ones.
package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadpipe/internal/resilience"
)

const providerName = "enrichment"

// Client performs enrichment lookups.
type Client interface {
	Enrich(ctx context.Context, req Request) (*Response, error)
}

// Request carries the candidate's current flat fields.
type Request struct {
	Fields map[string]string `json:"fields"`
}

// Response holds the fields the provider added.
type Response struct {
	AdditionalFields map[string]string `json:"additional_fields"`
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates an enrichment client for the API rooted at baseURL.
func NewClient(apiKey, baseURL string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 20 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Enrich(ctx context.Context, in Request) (*Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, eris.Wrap(err, "enrichment: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/enrich", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "enrichment: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "enrichment: send request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "enrichment: read response"), resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resilience.HTTPError(providerName, resp.StatusCode, string(respBody))
	}

	var out Response
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, eris.Wrap(err, "enrichment: unmarshal response")
		}
	}
	if out.AdditionalFields == nil {
		out.AdditionalFields = map[string]string{}
	}
	return &out, nil
}
