// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/inboxfs/lib/clock"
	"github.com/bureau-foundation/inboxfs/lib/netutil"
)

// Version is reported in the User-Agent header. Set by the binary.
var Version = "dev"

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	// Attempts is the total number of attempts including the first.
	// Defaults to 4.
	Attempts int

	// BaseDelay is the backoff cap before the second attempt. It
	// doubles per attempt up to MaxDelay. Defaults to 200ms and 5s.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// TransportConfig is shared by Client and AuthClient.
type TransportConfig struct {
	// HTTPClient is used for all requests. Defaults to a client with
	// no overall timeout; RequestTimeout bounds each attempt instead.
	HTTPClient *http.Client

	// RequestTimeout bounds one HTTP attempt, headers and body.
	// Defaults to 30s.
	RequestTimeout time.Duration

	// RateLimit and RateBurst configure request pacing. A zero
	// RateLimit disables pacing.
	RateLimit float64
	RateBurst int

	Retry RetryPolicy

	// Clock times backoff sleeps. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type transport struct {
	httpClient     *http.Client
	requestTimeout time.Duration
	limiter        *rate.Limiter
	retry          RetryPolicy
	clock          clock.Clock
	logger         *slog.Logger
}

func newTransport(config TransportConfig) *transport {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	requestTimeout := config.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	retry := config.Retry
	if retry.Attempts < 1 {
		retry.Attempts = 4
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = 200 * time.Millisecond
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = 5 * time.Second
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &transport{
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		limiter:        limiter,
		retry:          retry,
		clock:          clk,
		logger:         logger,
	}
}

// request describes one logical API call. It is rebuilt for every
// attempt.
type request struct {
	method string
	url    string

	// body is JSON-encoded when non-nil.
	body any

	// bearer, when set, is sent as the Authorization header.
	bearer string

	// header holds extra headers such as Range.
	header http.Header
}

// send performs the request with pacing, per-attempt timeouts, and
// retries. On success the caller owns the response body; closing it
// releases the attempt's timeout. Non-2xx responses are returned as
// *APIError with the body consumed.
func (transport *transport) send(ctx context.Context, outgoing request) (*http.Response, error) {
	var encoded []byte
	if outgoing.body != nil {
		var err error
		encoded, err = json.Marshal(outgoing.body)
		if err != nil {
			return nil, fmt.Errorf("mailbox: encoding request body: %w", err)
		}
	}
	path := requestPath(outgoing.url)

	var lastErr error
	for attempt := 1; attempt <= transport.retry.Attempts; attempt++ {
		if attempt > 1 {
			delay := transport.backoff(attempt-1, lastErr)
			transport.logger.Debug("retrying request",
				"method", outgoing.method,
				"path", path,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-transport.clock.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		response, err := transport.attempt(ctx, outgoing, encoded)
		if err == nil {
			return response, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	transport.logger.Warn("request failed after retries",
		"method", outgoing.method,
		"path", path,
		"attempts", transport.retry.Attempts,
		"error", lastErr,
	)
	return nil, fmt.Errorf("%w: %s %s after %d attempts: %w", ErrTransient, outgoing.method, path, transport.retry.Attempts, lastErr)
}

func (transport *transport) attempt(ctx context.Context, outgoing request, encoded []byte) (*http.Response, error) {
	if err := transport.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	attemptContext, cancel := context.WithTimeout(ctx, transport.requestTimeout)

	var bodyReader io.Reader
	if encoded != nil {
		bodyReader = bytes.NewReader(encoded)
	}
	httpRequest, err := http.NewRequestWithContext(attemptContext, outgoing.method, outgoing.url, bodyReader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mailbox: creating request: %w", err)
	}
	for name, values := range outgoing.header {
		for _, value := range values {
			httpRequest.Header.Add(name, value)
		}
	}
	httpRequest.Header.Set("Accept", "application/json")
	httpRequest.Header.Set("User-Agent", "inboxfs/"+Version)
	httpRequest.Header.Set("X-Request-Id", uuid.NewString())
	if encoded != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	if outgoing.bearer != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+outgoing.bearer)
	}

	response, err := transport.httpClient.Do(httpRequest)
	if err != nil {
		cancel()
		return nil, &transportError{method: outgoing.method, path: requestPath(outgoing.url), err: err}
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		apiError := &APIError{
			StatusCode: response.StatusCode,
			Method:     outgoing.method,
			Path:       requestPath(outgoing.url),
			Message:    errorMessage(netutil.ErrorBody(response.Body)),
		}
		retryAfter := parseRetryAfter(response.Header.Get("Retry-After"))
		response.Body.Close()
		cancel()
		if retryAfter > 0 {
			return nil, &retryAfterError{APIError: apiError, delay: retryAfter}
		}
		return nil, apiError
	}

	response.Body = &cancelOnClose{ReadCloser: response.Body, cancel: cancel}
	return response, nil
}

// backoff returns the delay before retry number n (1-based): half the
// exponential cap plus up to half again in jitter, never zero. A
// server Retry-After hint replaces it, bounded by MaxDelay.
func (transport *transport) backoff(n int, lastErr error) time.Duration {
	var hinted *retryAfterError
	if errors.As(lastErr, &hinted) {
		return min(hinted.delay, transport.retry.MaxDelay)
	}
	ceiling := transport.retry.BaseDelay << (n - 1)
	if ceiling <= 0 || ceiling > transport.retry.MaxDelay {
		ceiling = transport.retry.MaxDelay
	}
	half := ceiling / 2
	if half <= 0 {
		return ceiling
	}
	return half + rand.N(half+1)
}

func isRetryable(err error) bool {
	var apiError *APIError
	if errors.As(err, &apiError) {
		return apiError.retryable()
	}
	var transportFailure *transportError
	if errors.As(err, &transportFailure) {
		return netutil.IsTransient(transportFailure.err) || errors.Is(transportFailure.err, context.DeadlineExceeded)
	}
	return false
}

// transportError is a failure before any HTTP status was received.
type transportError struct {
	method string
	path   string
	err    error
}

func (err *transportError) Error() string {
	return fmt.Sprintf("mailbox: %s %s: %v", err.method, err.path, err.err)
}

func (err *transportError) Unwrap() error { return err.err }

// retryAfterError carries a server-provided Retry-After delay.
type retryAfterError struct {
	*APIError
	delay time.Duration
}

func (err *retryAfterError) Unwrap() error { return err.APIError }

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// errorMessage extracts a human-readable message from an error body.
func errorMessage(body string) string {
	var wire struct {
		Message     string `json:"message"`
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if json.Unmarshal([]byte(body), &wire) == nil {
		switch {
		case wire.Message != "":
			return wire.Message
		case wire.Description != "":
			return wire.Description
		case wire.Error != "":
			return wire.Error
		}
	}
	return strings.TrimSpace(body)
}

// requestPath strips scheme, host, and query from a URL for logs and
// errors. Query strings may carry cursors that are noise in logs.
func requestPath(raw string) string {
	if index := strings.Index(raw, "://"); index >= 0 {
		raw = raw[index+3:]
		if slash := strings.IndexByte(raw, '/'); slash >= 0 {
			raw = raw[slash:]
		} else {
			raw = "/"
		}
	}
	if query := strings.IndexByte(raw, '?'); query >= 0 {
		raw = raw[:query]
	}
	return raw
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (body *cancelOnClose) Close() error {
	err := body.ReadCloser.Close()
	body.cancel()
	return err
}

// decodeJSON reads a bounded JSON body and closes it.
func decodeJSON(response *http.Response, result any) error {
	defer response.Body.Close()
	if result == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, netutil.MaxResponseSize))
		return nil
	}
	if err := netutil.DecodeResponse(response.Body, result); err != nil {
		var syntaxError *json.SyntaxError
		var typeError *json.UnmarshalTypeError
		if errors.As(err, &syntaxError) || errors.As(err, &typeError) {
			return schemaError(requestPath(response.Request.URL.String()), err)
		}
		var timeError *time.ParseError
		if errors.As(err, &timeError) {
			return schemaError(requestPath(response.Request.URL.String()), err)
		}
		return fmt.Errorf("mailbox: decoding response: %w", err)
	}
	return nil
}
