// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package loginview shows a device-approval login to the user.
//
// On a terminal, [Run] drives a small bubbletea program: the current
// challenge as a scannable half-block QR code, a spinner with the
// service's progress hint, and "q" to cancel. The code is redrawn in
// place each time the service rotates it.
//
// Without a terminal, [PlainPresenter] prints each new code and hint
// as plain text and cancellation comes only from the context.
package loginview
