package sampler

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/tidwall/gjson"
)

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Check validates a field of a JSON response body.
type Check struct {
	// Path is a gjson path into the body, or a JSONPath expression
	// starting with $
	Path string

	// Equals is the expected string form of the value. Empty means the path
	// only has to exist.
	Equals string
}

// Request describes the exchange an HTTPSampler performs on every call.
type Request struct {
	Method       string
	URL          string
	Headers      map[string]string
	Body         string
	Timeout      time.Duration
	ExpectStatus []int
	Checks       []Check
}

// HTTPSampler issues one HTTP request per Sample call.
type HTTPSampler struct {
	client Doer
	req    Request
	body   []byte
}

// NewHTTPSampler creates a sampler performing req through client.
func NewHTTPSampler(client Doer, req Request) (*HTTPSampler, error) {
	if client == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if req.URL == "" {
		return nil, fmt.Errorf("request url is required")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if len(req.ExpectStatus) == 0 {
		req.ExpectStatus = []int{http.StatusOK}
	}

	// Fail early on a URL that can never produce a request.
	if _, err := http.NewRequest(req.Method, req.URL, nil); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	return &HTTPSampler{
		client: client,
		req:    req,
		body:   []byte(req.Body),
	}, nil
}

// Sample performs the request and classifies the outcome.
func (s *HTTPSampler) Sample(ctx context.Context) Sample {
	reqCtx := ctx
	if s.req.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, s.req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(s.body) > 0 {
		body = bytes.NewReader(s.body)
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(reqCtx, s.req.Method, s.req.URL, body)
	if err != nil {
		return failed(start, time.Since(start), ReasonTransport, 0, 0, fmt.Errorf("failed to build request: %w", err))
	}
	for key, value := range s.req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return failed(start, time.Since(start), Classify(ctx, err), 0, 0, err)
	}
	defer resp.Body.Close()

	// The sample spans until the body is fully read.
	data, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	if err != nil {
		reason := Classify(ctx, err)
		if reason == ReasonTransport {
			reason = ReasonMalformed
		}
		return failed(start, elapsed, reason, resp.StatusCode, int64(len(data)), fmt.Errorf("failed to read response body: %w", err))
	}

	if !slices.Contains(s.req.ExpectStatus, resp.StatusCode) {
		return failed(start, elapsed, ReasonUnexpectedStatus, resp.StatusCode, int64(len(data)),
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if len(s.req.Checks) > 0 {
		if reason, err := runChecks(data, s.req.Checks); err != nil {
			return failed(start, elapsed, reason, resp.StatusCode, int64(len(data)), err)
		}
	}

	return Sample{
		Timestamp:  start,
		Duration:   elapsed,
		Success:    true,
		Reason:     ReasonOK,
		StatusCode: resp.StatusCode,
		Bytes:      int64(len(data)),
	}
}

func runChecks(body []byte, checks []Check) (Reason, error) {
	if !gjson.ValidBytes(body) {
		return ReasonMalformed, fmt.Errorf("response body is not valid JSON")
	}
	for _, c := range checks {
		res := gjson.GetBytes(body, checkPath(c.Path))
		if !res.Exists() {
			return ReasonCheckFailed, fmt.Errorf("check %q: path not found", c.Path)
		}
		if c.Equals != "" && res.String() != c.Equals {
			return ReasonCheckFailed, fmt.Errorf("check %q: got %q, want %q", c.Path, res.String(), c.Equals)
		}
	}
	return "", nil
}

func failed(start time.Time, d time.Duration, reason Reason, status int, n int64, err error) Sample {
	return Sample{
		Timestamp:  start,
		Duration:   d,
		Success:    false,
		Reason:     reason,
		StatusCode: status,
		Bytes:      n,
		Err:        err,
	}
}

// ClientConfig contains HTTP client configuration.
type ClientConfig struct {
	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool
}

// DefaultClientConfig returns defaults suited to many concurrent users
// hitting a single host.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 1000,
		IdleConnTimeout:     90 * time.Second,
	}
}

// NewHTTPClient builds a pooled client shared by all virtual users.
func NewHTTPClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   false,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed targets
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}
