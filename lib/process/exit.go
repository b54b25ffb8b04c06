// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
)

// ExitCoder is implemented by errors that carry a specific process
// exit code.
type ExitCoder interface {
	ExitCode() int
}

// Fatal writes "error: err" to stderr and exits. The exit code is 1
// unless err wraps an ExitCoder, in which case its code is used. An
// ExitCoder with an empty message exits silently.
//
// Use it in main() for errors from run() where the structured logger
// may not be initialized.
func Fatal(err error) {
	code := 1
	var coder ExitCoder
	if errors.As(err, &coder) {
		code = coder.ExitCode()
	}
	if message := err.Error(); message != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", message)
	}
	os.Exit(code)
}
