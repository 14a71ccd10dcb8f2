package client

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// Kind classifies a failed request against the tracker backend.
type Kind string

const (
	// KindValidation marks a local precondition failure; no request was sent.
	KindValidation Kind = "validation"
	// KindAuthentication marks a 401; the session is no longer valid.
	KindAuthentication Kind = "authentication"
	// KindRateLimited marks a 429.
	KindRateLimited Kind = "rate_limited"
	// KindServer marks a 5xx.
	KindServer Kind = "server"
	// KindConnectivity marks a request that produced no usable response.
	KindConnectivity Kind = "connectivity"
	// KindClient marks any other 4xx.
	KindClient Kind = "client"
	// KindTransport marks a response whose body could not be decoded.
	KindTransport Kind = "transport"
)

// Retryable reports whether failures of this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServer, KindConnectivity:
		return true
	}
	return false
}

// Error describes the outcome of a failed request.
type Error struct {
	Kind       Kind
	Status     int           // HTTP status, 0 when no response arrived
	Message    string        // backend envelope message when available
	Timestamp  time.Time     // backend envelope timestamp, zero when absent
	RetryAfter time.Duration // server wait hint from a 429, 0 otherwise
	Attempts   int           // attempts consumed by the logical request
	err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.err != nil {
		msg = e.err.Error()
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s failure (status %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s failure: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.err }

// KindOf extracts the failure kind from err. It returns the empty kind for
// nil and for errors that did not originate from this package.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// errorEnvelope mirrors the backend's error body.
type errorEnvelope struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// decodeEnvelope pulls message and timestamp out of an error body. A body
// that is not the expected envelope yields zero values; the status line is
// the fallback.
func decodeEnvelope(body []byte) (string, time.Time) {
	var env errorEnvelope
	if err := sonic.Unmarshal(body, &env); err != nil || env.Message == "" {
		return "", time.Time{}
	}
	ts, _ := time.Parse(time.RFC3339, env.Timestamp)
	return env.Message, ts
}

func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindServer
	default:
		return KindClient
	}
}
