// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds HTTP and network helpers for the remote
// mailbox client.
//
// ReadResponse, DecodeResponse and ErrorBody bound JSON response reads
// at MaxResponseSize so a misbehaving server cannot exhaust memory.
// Attachment downloads are not JSON and go through LimitedBody with
// the caller's own bound.
//
// IsTransient classifies transport failures that are worth retrying.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API response reads. Listing pages and
// item details are a few kilobytes; the bound is generous on purpose.
const MaxResponseSize int64 = 32 << 20

// maxErrorBody bounds how much of an error response ends up in an
// error message.
const maxErrorBody = 4 << 10

// ReadResponse reads a JSON API response body up to MaxResponseSize.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a JSON API response body up to MaxResponseSize
// and decodes it into v. Unknown fields are ignored.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody returns the start of an error response body for use in
// diagnostics. Read errors are ignored.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	return string(data)
}

// LimitedBody returns a reader that yields at most limit bytes of body
// and then fails with ErrBodyTooLarge if more remain.
func LimitedBody(body io.Reader, limit int64) io.Reader {
	return &limitedReader{reader: body, remaining: limit}
}

// ErrBodyTooLarge is returned by readers from LimitedBody.
var ErrBodyTooLarge = fmt.Errorf("response body exceeds limit")

type limitedReader struct {
	reader    io.Reader
	remaining int64
}

func (limited *limitedReader) Read(buffer []byte) (int, error) {
	if limited.remaining <= 0 {
		var extra [1]byte
		count, err := limited.reader.Read(extra[:])
		if count > 0 {
			return 0, ErrBodyTooLarge
		}
		return 0, err
	}
	if int64(len(buffer)) > limited.remaining {
		buffer = buffer[:limited.remaining]
	}
	count, err := limited.reader.Read(buffer)
	limited.remaining -= int64(count)
	return count, err
}
