// Package relay moves model calls between callers and the upstream
// provider. The Client speaks the HTTP surface, the Observer watches
// streamed bytes for usage and identity, and the Engine ties both to
// request bookkeeping.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"llm_proxy/internal/config"
	"llm_proxy/internal/models"
)

// ErrTransport marks failures reaching the upstream at all, as opposed
// to upstream HTTP error responses which carry a status code.
var ErrTransport = errors.New("upstream transport failure")

// ErrUpstreamTimeout marks deadline expiry talking to the upstream.
var ErrUpstreamTimeout = fmt.Errorf("%w: timeout", ErrTransport)

// BufferedResponse is a fully read upstream reply, relayed to the
// caller byte for byte.
type BufferedResponse struct {
	StatusCode int
	Body       []byte
}

// Client sends Responses API calls to the configured upstream.
type Client struct {
	baseURL      string
	client       *http.Client
	streamClient *http.Client
}

// NewClient builds a client from upstream config. Streaming calls get
// a separate client because the overall stream may legitimately run
// far longer than a buffered call.
func NewClient(cfg config.UpstreamConfig) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL: cfg.BaseURL,
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		streamClient: &http.Client{
			Timeout:   cfg.StreamTimeout,
			Transport: transport,
		},
	}
}

// CreateResponse sends a buffered call. The payload is forwarded as-is
// except that stream is forced off.
func (c *Client) CreateResponse(ctx context.Context, apiKey string, payload models.JSONB) (*BufferedResponse, error) {
	body := clonePayload(payload)
	body["stream"] = false

	resp, err := c.post(ctx, c.client, apiKey, "/responses", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", ErrTransport, err)
	}

	return &BufferedResponse{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// StreamResponse sends a streaming call and hands back the raw HTTP
// response. The caller owns resp.Body.
func (c *Client) StreamResponse(ctx context.Context, apiKey string, payload models.JSONB) (*http.Response, error) {
	body := clonePayload(payload)
	body["stream"] = true

	return c.post(ctx, c.streamClient, apiKey, "/responses", body)
}

// GetResponse fetches a stored response by its upstream ID.
func (c *Client) GetResponse(ctx context.Context, apiKey, responseID string) (*BufferedResponse, error) {
	resp, err := c.do(ctx, c.client, apiKey, http.MethodGet, "/responses/"+responseID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", ErrTransport, err)
	}

	return &BufferedResponse{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// CancelResponse asks the upstream to cancel an in-flight background
// response.
func (c *Client) CancelResponse(ctx context.Context, apiKey, responseID string) (*BufferedResponse, error) {
	resp, err := c.do(ctx, c.client, apiKey, http.MethodPost, "/responses/"+responseID+"/cancel", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", ErrTransport, err)
	}

	return &BufferedResponse{StatusCode: resp.StatusCode, Body: respBody}, nil
}

func (c *Client) post(ctx context.Context, hc *http.Client, apiKey, path string, payload models.JSONB) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling upstream payload: %w", err)
	}
	return c.do(ctx, hc, apiKey, http.MethodPost, path, raw)
}

func (c *Client) do(ctx context.Context, hc *http.Client, apiKey, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return resp, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// clonePayload shallow-copies so the stream flag never leaks back into
// the stored request payload.
func clonePayload(payload models.JSONB) models.JSONB {
	out := make(models.JSONB, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	return out
}
