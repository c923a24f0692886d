package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxErrorBody bounds how much of an upstream error response is retained.
const maxErrorBody = 64 * 1024

// Dispatcher performs the upstream HTTP call for one attempt.
type Dispatcher struct {
	client *http.Client
}

// NewDispatcher wraps an http.Client. Per-attempt deadlines come from
// contexts, so the client itself carries no timeout.
func NewDispatcher(client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{client: client}
}

// Result is a completed upstream exchange. For non-2xx responses the body is
// drained into ErrorBody and closed; for 2xx the caller owns Body and must
// call Cancel when done reading it.
type Result struct {
	Status    int
	Body      io.ReadCloser
	ErrorBody []byte
	Cancel    context.CancelFunc
}

// Do posts body to endpoint with the given headers, bounded by timeout. The
// deadline covers the full exchange including streaming reads.
func (d *Dispatcher) Do(ctx context.Context, endpoint string, headers http.Header, body []byte, timeout time.Duration) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = headers.Clone()

	resp, err := d.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return &Result{Status: resp.StatusCode, ErrorBody: errBody, Cancel: func() {}}, nil
	}
	return &Result{Status: resp.StatusCode, Body: resp.Body, Cancel: cancel}, nil
}
