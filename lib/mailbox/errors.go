// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound matches an *APIError with status 404 or 410.
	ErrNotFound = errors.New("mailbox: not found")

	// ErrUnauthorized matches an *APIError with status 401 or 403.
	ErrUnauthorized = errors.New("mailbox: unauthorized")

	// ErrTransient wraps the last failure once retries are exhausted.
	ErrTransient = errors.New("mailbox: transient failure")

	// ErrSchema reports a response whose shape cannot be interpreted.
	ErrSchema = errors.New("mailbox: unexpected response schema")
)

// APIError represents a non-2xx response from the mailbox service.
type APIError struct {
	// StatusCode is the HTTP response status code.
	StatusCode int

	// Method and Path identify the request, without query string.
	Method string
	Path   string

	// Message is the error text from the response body, if any.
	Message string
}

func (err *APIError) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("mailbox: %s %s: HTTP %d", err.Method, err.Path, err.StatusCode)
	}
	return fmt.Sprintf("mailbox: %s %s: HTTP %d: %s", err.Method, err.Path, err.StatusCode, err.Message)
}

// Is lets errors.Is match status classes against the package
// sentinels.
func (err *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return err.StatusCode == http.StatusNotFound || err.StatusCode == http.StatusGone
	case ErrUnauthorized:
		return err.StatusCode == http.StatusUnauthorized || err.StatusCode == http.StatusForbidden
	}
	return false
}

// retryable reports whether the status is worth another attempt.
func (err *APIError) retryable() bool {
	return err.StatusCode == http.StatusTooManyRequests || err.StatusCode >= 500
}

// IsNotFound reports whether err is a 404 or 410 response.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnauthorized reports whether err is a 401 or 403 response.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

func schemaError(what string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrSchema, what)
	}
	return fmt.Errorf("%w: %s: %v", ErrSchema, what, cause)
}
