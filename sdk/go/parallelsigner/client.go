package parallelsigner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the packing daemon's REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// RequestInput is a single payload to be packed on chain.
type RequestInput struct {
	FunctionData string `json:"function_data"`
	LogID        int64  `json:"log_id,omitempty"`
}

// SubmitResult describes an accepted submission.
type SubmitResult struct {
	SubmissionID string  `json:"submission_id"`
	RequestIDs   []int64 `json:"request_ids"`
}

// Request mirrors the server side view of a stored request. TxID is filled
// once the batch carrying the request reaches its confirmation threshold.
type Request struct {
	ID           int64  `json:"id"`
	FunctionData string `json:"function_data"`
	TxID         string `json:"tx_id,omitempty"`
	ChainID      int64  `json:"chain_id"`
	LogID        int64  `json:"log_id,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("parallelsigner api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the packing daemon API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// SubmitRequests sends a batch of payloads to be packed on the given chain.
func (c *Client) SubmitRequests(ctx context.Context, chainID int64, inputs []RequestInput) (SubmitResult, error) {
	payload := struct {
		ChainID  int64          `json:"chain_id"`
		Requests []RequestInput `json:"requests"`
	}{ChainID: chainID, Requests: inputs}

	var result SubmitResult
	if err := c.post(ctx, "/api/v1/requests", payload, &result); err != nil {
		return SubmitResult{}, err
	}
	return result, nil
}

// ListRequests fetches requests on a chain starting from the given id.
// A zero fromID lists from the beginning; a non-positive limit uses the
// server default.
func (c *Client) ListRequests(ctx context.Context, chainID, fromID int64, limit int) ([]Request, error) {
	query := url.Values{}
	query.Set("chain_id", strconv.FormatInt(chainID, 10))
	if fromID > 0 {
		query.Set("from_id", strconv.FormatInt(fromID, 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var requests []Request
	if err := c.get(ctx, "/api/v1/requests?"+query.Encode(), &requests); err != nil {
		return nil, err
	}
	return requests, nil
}

// Chains lists the chain ids the daemon packs for.
func (c *Client) Chains(ctx context.Context) ([]int64, error) {
	var payload struct {
		ChainIDs []int64 `json:"chain_ids"`
	}
	if err := c.get(ctx, "/api/v1/chains", &payload); err != nil {
		return nil, err
	}
	return payload.ChainIDs, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(data)),
		}
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
