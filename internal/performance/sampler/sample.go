// Package sampler executes single request-response exchanges and turns
// their outcome into immutable samples.
package sampler

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// Reason classifies the outcome of one exchange.
type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonConnectionRefused Reason = "connection_refused"
	ReasonTimeout           Reason = "timeout"
	ReasonDNS               Reason = "dns"
	ReasonTLS               Reason = "tls"
	ReasonMalformed         Reason = "malformed_response"
	ReasonUnexpectedStatus  Reason = "unexpected_status"
	ReasonCheckFailed       Reason = "check_failed"
	ReasonInterrupted       Reason = "interrupted"
	ReasonTransport         Reason = "transport"
)

// Sample is the result of a single exchange. Samples are never mutated after
// they are returned by a Sampler.
type Sample struct {
	// Timestamp is when the request was dispatched
	Timestamp time.Time `json:"timestamp"`

	// Duration is the wall-clock time from dispatch to full response or failure
	Duration time.Duration `json:"duration"`

	// Success is true only if the exchange completed and passed validation
	Success bool `json:"success"`

	Reason     Reason `json:"reason"`
	StatusCode int    `json:"statusCode,omitempty"`
	Bytes      int64  `json:"bytes"`

	// Err carries the underlying error for failed samples
	Err error `json:"-"`
}

// Sampler performs one unit of work per call. Implementations must be safe
// for concurrent use by many virtual users.
type Sampler interface {
	Sample(ctx context.Context) Sample
}

// SamplerFunc adapts a plain function to the Sampler interface.
type SamplerFunc func(ctx context.Context) Sample

// Sample calls f(ctx).
func (f SamplerFunc) Sample(ctx context.Context) Sample {
	return f(ctx)
}

// Classify maps a transport error to a reason code. parent is the context the
// caller handed to the sampler; its cancellation means the sample was
// interrupted rather than timed out.
func Classify(parent context.Context, err error) Reason {
	if err == nil {
		return ReasonOK
	}
	if parent != nil && errors.Is(parent.Err(), context.Canceled) {
		return ReasonInterrupted
	}

	var (
		dnsErr   *net.DNSError
		opErr    *net.OpError
		netErr   net.Error
		certErr  *tls.CertificateVerificationError
		authErr  x509.UnknownAuthorityError
		hostErr  x509.HostnameError
		recErr   tls.RecordHeaderError
		invalErr x509.CertificateInvalidError
	)

	switch {
	case errors.As(err, &dnsErr):
		return ReasonDNS
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonConnectionRefused
	case errors.As(err, &certErr), errors.As(err, &authErr), errors.As(err, &hostErr),
		errors.As(err, &recErr), errors.As(err, &invalErr):
		return ReasonTLS
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF),
		strings.Contains(err.Error(), "malformed HTTP"):
		return ReasonMalformed
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return ReasonConnectionRefused
	case errors.Is(err, context.Canceled):
		return ReasonInterrupted
	default:
		return ReasonTransport
	}
}
