// Package directory implements the upstream discovery/trust proxy client
// (spec §6.4): an http.Client-backed collaborator that forwards requests to
// an external agent directory service. The request-building and
// timeout-setting shape follows the teacher's
// internal/provider/alchemy.AlchemyProvider pattern (a thin HTTP client
// struct with a bounded-timeout http.Client).
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// AgentSummary is one entry in a discovery listing.
type AgentSummary struct {
	DID         string  `json:"did"`
	Name        string  `json:"name,omitempty"`
	Trust       float64 `json:"trust,omitempty"`
	PricePerTask float64 `json:"pricePerTask,omitempty"`
}

// DiscoveryResult wraps a discovery response along with its source.
// SearchAgents always sets Source to "network"; no cached fallback exists.
type DiscoveryResult struct {
	Agents []AgentSummary `json:"agents"`
	Source string         `json:"source"`
}

// TrustRecord is the per-DID network trust view returned by the upstream.
type TrustRecord struct {
	DID   string  `json:"did"`
	Score float64 `json:"score"`
	Tier  string  `json:"tier,omitempty"`
}

// Client is the DirectoryClient collaborator (spec §6.4).
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client against baseURL (the operator's configured node_url).
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Configured reports whether a node_url was provided; absence disables the
// discovery proxy entirely (spec §6.6).
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// DiscoveryQuery carries the optional filters accepted by GET
// /discovery/agents.
type DiscoveryQuery struct {
	Q        string
	MinTrust float64
	MaxPrice float64
	Limit    int
}

// SearchAgents proxies GET /discovery/agents.
func (c *Client) SearchAgents(ctx context.Context, q DiscoveryQuery) (DiscoveryResult, error) {
	u, err := url.Parse(c.baseURL + "/agents")
	if err != nil {
		return DiscoveryResult{}, fmt.Errorf("directory: invalid base url: %w", err)
	}
	query := u.Query()
	if q.Q != "" {
		query.Set("q", q.Q)
	}
	if q.MinTrust != 0 {
		query.Set("minTrust", strconv.FormatFloat(q.MinTrust, 'f', -1, 64))
	}
	if q.MaxPrice != 0 {
		query.Set("maxPrice", strconv.FormatFloat(q.MaxPrice, 'f', -1, 64))
	}
	if q.Limit != 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	u.RawQuery = query.Encode()

	var result DiscoveryResult
	if err := c.getJSON(ctx, u.String(), &result); err != nil {
		return DiscoveryResult{}, err
	}
	result.Source = "network"
	return result, nil
}

// AgentByDID proxies GET /discovery/agents/{did}.
func (c *Client) AgentByDID(ctx context.Context, did string) (AgentSummary, error) {
	var out AgentSummary
	err := c.getJSON(ctx, c.baseURL+"/agents/"+url.PathEscape(did), &out)
	return out, err
}

// NetworkTrust proxies GET /trust/{did} for the upstream half of the
// combined local+network response.
func (c *Client) NetworkTrust(ctx context.Context, did string) (TrustRecord, error) {
	var out TrustRecord
	err := c.getJSON(ctx, c.baseURL+"/trust/"+url.PathEscape(did), &out)
	return out, err
}

// getJSON performs a GET and decodes a JSON body, wrapping transport
// failures distinctly from decode failures so callers can tell a dead
// upstream (502/503, spec §7) from a malformed one.
func (c *Client) getJSON(ctx context.Context, target string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("directory: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &UnavailableError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &UnavailableError{Cause: fmt.Errorf("upstream returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("directory: upstream returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("directory: read body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &BadGatewayError{Cause: err}
	}
	return nil
}

// UnavailableError marks an upstream the core could not reach at all
// (spec §7's Unavailable kind, 503).
type UnavailableError struct{ Cause error }

func (e *UnavailableError) Error() string { return fmt.Sprintf("directory unavailable: %v", e.Cause) }
func (e *UnavailableError) Unwrap() error { return e.Cause }

// BadGatewayError marks an upstream that responded but with an
// unintelligible body (spec §7's BadGateway kind, 502).
type BadGatewayError struct{ Cause error }

func (e *BadGatewayError) Error() string { return fmt.Sprintf("directory bad gateway: %v", e.Cause) }
func (e *BadGatewayError) Unwrap() error  { return e.Cause }
