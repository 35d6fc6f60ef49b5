// Package api wraps the remote request/response collaborator. The engine
// never talks to net/http directly; repositories depend on Client so tests
// can inject doubles and so failures classify cleanly into the error
// taxonomy: no response received means retriable, an error status means a
// definite rejection.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"walksync/internal/errs"
)

type Request struct {
	Method string
	Path   string
	Body   any
	// IdempotencyKey dedupes replayed operations on the server side.
	IdempotencyKey string
}

type Response struct {
	Status int
	Data   json.RawMessage
}

type Client interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// HTTPClient is the default Client over net/http.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPClient(baseURL, token string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    hc,
	}
}

func (c *HTTPClient) Do(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, &errs.ValidationError{Reason: fmt.Sprintf("encode body: %v", err)}
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return nil, &errs.ValidationError{Reason: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// No response received: connectivity-shaped, safe to queue and replay.
		return nil, &errs.ApiError{Message: err.Error(), Retriable: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.ApiError{Message: err.Error(), Retriable: true}
	}

	if resp.StatusCode >= 400 {
		return nil, &errs.ApiError{
			Status:  resp.StatusCode,
			Message: errorMessage(data),
		}
	}

	return &Response{Status: resp.StatusCode, Data: data}, nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if len(body) > 0 {
		return string(body)
	}
	return "request failed"
}
