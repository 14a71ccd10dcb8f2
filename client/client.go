package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Responses larger than this are treated as malformed.
const maxResponseBytes = 8 << 20

// Config controls a Client.
type Config struct {
	// BaseURL is the backend root, e.g. "https://tracker.example.com/api".
	BaseURL string
	// Timeout bounds a single attempt including the body read. Default 30s.
	Timeout time.Duration
	// MaxAttempts is the total attempt budget per logical request. Default 3.
	MaxAttempts int
	// RetryBase seeds the exponential backoff schedule. Default 250ms.
	RetryBase time.Duration
	// RetryMax caps a single backoff wait. Default 30s.
	RetryMax time.Duration
	Logger   *log.Logger
	// OnAuthFailure is invoked whenever the backend answers 401.
	OnAuthFailure func()
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Client is the single gateway to the tracker backend. The session rides on
// a private cookie jar; no method exposes, logs, or returns the token, and
// no Authorization header is ever sent.
type Client struct {
	baseURL       string
	http          *http.Client
	logger        *log.Logger
	maxAttempts   int
	retryBase     time.Duration
	retryMax      time.Duration
	onAuthFailure func()
	sleep         func(context.Context, time.Duration) error
}

// New builds a Client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: base url required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("client: base url %q missing scheme or host", cfg.BaseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("client: cookie jar: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Jar:       jar,
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		logger:        cfg.Logger,
		maxAttempts:   cfg.MaxAttempts,
		retryBase:     cfg.RetryBase,
		retryMax:      cfg.RetryMax,
		onAuthFailure: cfg.OnAuthFailure,
		sleep:         sleepContext,
	}, nil
}

// do runs one logical request: marshal once, then up to maxAttempts HTTP
// attempts with the retry policy applied between them. The request id stays
// stable across attempts. On exhaustion the last failure is returned.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := sonic.ConfigStd.Marshal(in)
		if err != nil {
			return &Error{Kind: KindValidation, Message: "encode request body", err: err}
		}
		payload = b
	}

	requestID := uuid.NewString()
	ctx, tel := startRequestTelemetry(ctx, c.logger, method, path, requestID)

	var lastErr *Error
	backoffs := 0
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		status, fail := c.attempt(ctx, method, path, payload, requestID, out)
		if fail == nil {
			tel.Attempt(attempt, status, 0, nil)
			tel.Finish(status, attempt, nil)
			return nil
		}
		fail.Attempts = attempt
		lastErr = fail

		if fail.Kind == KindAuthentication && c.onAuthFailure != nil {
			c.onAuthFailure()
		}
		if err := ctx.Err(); err != nil {
			tel.Attempt(attempt, status, 0, fail)
			tel.Finish(status, attempt, err)
			return err
		}
		if !fail.Kind.Retryable() || attempt == c.maxAttempts {
			tel.Attempt(attempt, status, 0, fail)
			break
		}

		// A server-provided Retry-After wins over the generic schedule and
		// does not advance it.
		var wait time.Duration
		if fail.Kind == KindRateLimited && fail.RetryAfter > 0 {
			wait = fail.RetryAfter
		} else {
			backoffs++
			wait = backoffDelay(backoffs, c.retryBase, c.retryMax)
		}
		tel.Attempt(attempt, status, wait, fail)
		c.logger.WithFields(log.Fields{
			"method":     method,
			"path":       path,
			"request_id": requestID,
			"status":     status,
			"attempt":    attempt,
			"wait_ms":    durationToMillis(wait),
		}).Warn("client.retry")

		if err := c.sleep(ctx, wait); err != nil {
			tel.Finish(status, attempt, err)
			return err
		}
	}

	tel.Finish(lastErr.Status, lastErr.Attempts, lastErr)
	return lastErr
}

// attempt performs a single HTTP exchange and classifies its outcome. The
// returned status is 0 when no response arrived.
func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, requestID string, out any) (int, *Error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, &Error{Kind: KindValidation, Message: "build request", err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &Error{Kind: KindConnectivity, err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, &Error{Kind: KindConnectivity, Status: resp.StatusCode, err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return resp.StatusCode, nil
		}
		if err := sonic.ConfigStd.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, &Error{
				Kind:    KindTransport,
				Status:  resp.StatusCode,
				Message: "decode response body",
				err:     err,
			}
		}
		return resp.StatusCode, nil
	}

	kind := classifyStatus(resp.StatusCode)
	msg, ts := decodeEnvelope(raw)
	fail := &Error{Kind: kind, Status: resp.StatusCode, Message: msg, Timestamp: ts}
	if kind == KindRateLimited {
		if hint, ok := retryAfterHint(resp.Header, time.Now()); ok {
			fail.RetryAfter = hint
		}
	}
	return resp.StatusCode, fail
}
