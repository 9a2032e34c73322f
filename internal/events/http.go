package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/withObsrvr/realtor-etl/internal/logging"
	"github.com/withObsrvr/realtor-etl/internal/retry"
)

// postError is a failed delivery. Server errors and transport failures
// are retryable; client errors are not.
type postError struct {
	status int
	err    error
}

func (e *postError) Error() string {
	if e.status == 0 {
		return fmt.Sprintf("http request: %v", e.err)
	}
	return fmt.Sprintf("http %d: %v", e.status, e.err)
}

func (e *postError) Unwrap() error { return e.err }

func (e *postError) Retryable() bool { return e.status == 0 || e.status >= 500 }

// HTTPPoster delivers events to an HTTP endpoint.
type HTTPPoster struct {
	endpoint string
	client   *http.Client
	policy   retry.Policy
}

// NewHTTPPoster creates a poster for endpoint.
func NewHTTPPoster(endpoint string, policy retry.Policy) *HTTPPoster {
	return &HTTPPoster{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		policy:   policy,
	}
}

// Post sends evt, retrying server and transport errors.
func (p *HTTPPoster) Post(ctx context.Context, evt *RunEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	log := logging.FromContext(ctx, "events")
	return retry.Do(ctx, p.policy, log, nil, func(ctx context.Context, attempt int) error {
		return p.post(ctx, body)
	})
}

func (p *HTTPPoster) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return &postError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &postError{status: resp.StatusCode, err: fmt.Errorf("%s", bytes.TrimSpace(respBody))}
}
