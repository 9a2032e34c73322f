package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzhttp"
)

// defaultMaxBodyBytes caps how much of a provider response is read.
const defaultMaxBodyBytes = 64 << 20

// ErrBodyTooLarge is wrapped by the FetchError returned for a response
// larger than the configured limit.
var ErrBodyTooLarge = errors.New("response body too large")

// Fetcher returns the raw JSON body for one provider request.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// ClientConfig configures the provider HTTP client.
type ClientConfig struct {
	Endpoint   string
	Query      map[string]string
	KeyHeader  string
	HostHeader string
	APIKey     string
	APIHost    string
	Timeout    time.Duration

	// MaxBodyBytes bounds the response size; zero means 64 MiB.
	MaxBodyBytes int64
}

// HTTPClient fetches listings from the provider over HTTP.
type HTTPClient struct {
	cfg    ClientConfig
	client *http.Client
}

// NewHTTPClient creates a provider client. Compressed responses are
// decoded transparently.
func NewHTTPClient(cfg ClientConfig) (*HTTPClient, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid provider endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &HTTPClient{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: gzhttp.Transport(http.DefaultTransport),
		},
	}, nil
}

// requestURL joins the endpoint with the configured query parameters.
func (c *HTTPClient) requestURL() string {
	u, _ := url.Parse(c.cfg.Endpoint)
	q := u.Query()
	for k, v := range c.cfg.Query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Fetch issues one GET and classifies any failure as a *FetchError.
func (c *HTTPClient) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.KeyHeader != "" && c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.KeyHeader, c.cfg.APIKey)
	}
	if c.cfg.HostHeader != "" && c.cfg.APIHost != "" {
		req.Header.Set(c.cfg.HostHeader, c.cfg.APIHost)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &FetchError{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	limit := c.cfg.MaxBodyBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &FetchError{Kind: KindTransport, Err: fmt.Errorf("read body: %w", err)}
	}
	tooLarge := int64(len(body)) > limit
	if tooLarge {
		body = body[:limit]
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{
			Kind:       KindProvider,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("GET %s: %s: %s", c.cfg.Endpoint, resp.Status, snippet(body)),
		}
	}

	if tooLarge {
		return nil, &FetchError{
			Kind:       KindProvider,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("GET %s: %w: exceeds %d bytes", c.cfg.Endpoint, ErrBodyTooLarge, limit),
		}
	}

	if !json.Valid(body) {
		return nil, &FetchError{Kind: KindDecode, Err: fmt.Errorf("response is not valid JSON: %s", snippet(body))}
	}
	return body, nil
}

func snippet(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
