package sampler_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/surge/internal/performance/sampler"
)

func newSampler(t *testing.T, req sampler.Request) *sampler.HTTPSampler {
	t.Helper()
	s, err := sampler.NewHTTPSampler(sampler.NewHTTPClient(sampler.DefaultClientConfig()), req)
	require.NoError(t, err)
	return s
}

func TestHTTPSampler_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "yes" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","items":[1,2,3]}`)
	}))
	defer server.Close()

	s := newSampler(t, sampler.Request{
		URL:     server.URL,
		Headers: map[string]string{"X-Test": "yes"},
		Checks: []sampler.Check{
			{Path: "status", Equals: "ok"},
			{Path: "items.#", Equals: "3"},
			{Path: "items"},
			{Path: "$.items[1]", Equals: "2"},
		},
	})

	sample := s.Sample(context.Background())

	assert.True(t, sample.Success, "err: %v", sample.Err)
	assert.Equal(t, sampler.ReasonOK, sample.Reason)
	assert.Equal(t, http.StatusOK, sample.StatusCode)
	assert.Positive(t, sample.Bytes)
	assert.Positive(t, sample.Duration)
	assert.False(t, sample.Timestamp.IsZero())
	assert.NoError(t, sample.Err)
}

func TestHTTPSampler_Failures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/error":
			w.WriteHeader(http.StatusInternalServerError)
		case "/slow":
			time.Sleep(300 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		case "/text":
			fmt.Fprint(w, "not json")
		case "/json":
			fmt.Fprint(w, `{"status":"degraded"}`)
		}
	}))
	defer server.Close()

	tests := []struct {
		name   string
		req    sampler.Request
		reason sampler.Reason
		status int
	}{
		{
			name:   "unexpected status",
			req:    sampler.Request{URL: server.URL + "/error"},
			reason: sampler.ReasonUnexpectedStatus,
			status: http.StatusInternalServerError,
		},
		{
			name:   "timeout",
			req:    sampler.Request{URL: server.URL + "/slow", Timeout: 50 * time.Millisecond},
			reason: sampler.ReasonTimeout,
		},
		{
			name: "body not json",
			req: sampler.Request{
				URL:    server.URL + "/text",
				Checks: []sampler.Check{{Path: "status"}},
			},
			reason: sampler.ReasonMalformed,
			status: http.StatusOK,
		},
		{
			name: "check mismatch",
			req: sampler.Request{
				URL:    server.URL + "/json",
				Checks: []sampler.Check{{Path: "status", Equals: "ok"}},
			},
			reason: sampler.ReasonCheckFailed,
			status: http.StatusOK,
		},
		{
			name: "check missing path",
			req: sampler.Request{
				URL:    server.URL + "/json",
				Checks: []sampler.Check{{Path: "data.id"}},
			},
			reason: sampler.ReasonCheckFailed,
			status: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sample := newSampler(t, tt.req).Sample(context.Background())

			assert.False(t, sample.Success)
			assert.Equal(t, tt.reason, sample.Reason)
			assert.Equal(t, tt.status, sample.StatusCode)
			assert.Error(t, sample.Err)
		})
	}
}

func TestHTTPSampler_ConnectionRefused(t *testing.T) {
	// Grab a free port and release it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	sample := newSampler(t, sampler.Request{URL: "http://" + addr + "/"}).Sample(context.Background())

	assert.False(t, sample.Success)
	assert.Equal(t, sampler.ReasonConnectionRefused, sample.Reason)
}

func TestHTTPSampler_Interrupted(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	s := newSampler(t, sampler.Request{URL: server.URL})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	sample := s.Sample(ctx)

	assert.False(t, sample.Success)
	assert.Equal(t, sampler.ReasonInterrupted, sample.Reason)
}

func TestNewHTTPSampler_Invalid(t *testing.T) {
	client := sampler.NewHTTPClient(sampler.DefaultClientConfig())

	_, err := sampler.NewHTTPSampler(nil, sampler.Request{URL: "http://localhost"})
	assert.Error(t, err)

	_, err = sampler.NewHTTPSampler(client, sampler.Request{})
	assert.Error(t, err)

	_, err = sampler.NewHTTPSampler(client, sampler.Request{Method: "BAD METHOD", URL: "http://localhost"})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name   string
		parent context.Context
		err    error
		want   sampler.Reason
	}{
		{"nil", context.Background(), nil, sampler.ReasonOK},
		{"dns", context.Background(), &net.DNSError{Err: "no such host", Name: "nope.invalid"}, sampler.ReasonDNS},
		{"deadline", context.Background(), fmt.Errorf("get: %w", context.DeadlineExceeded), sampler.ReasonTimeout},
		{"dial", context.Background(), &net.OpError{Op: "dial", Err: errors.New("boom")}, sampler.ReasonConnectionRefused},
		{"parent cancelled", cancelled, context.Canceled, sampler.ReasonInterrupted},
		{"other", context.Background(), errors.New("something else"), sampler.ReasonTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sampler.Classify(tt.parent, tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}
