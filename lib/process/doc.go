// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers shared by inboxfs binaries.
//
// Fatal is the one place outside the CLI output layer that writes raw
// text to stderr: main() uses it for errors that can arrive before the
// structured logger exists.
package process
