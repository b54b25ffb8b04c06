// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compression frames small local state files (the inbox
// snapshot) with a one-byte algorithm tag and the uncompressed
// length, so a reader can decode the file without knowing which
// algorithm the writer was configured with.
//
// Frame layout:
//
//	[tag:1][uncompressed length:uvarint][payload]
//
// Data that does not shrink is stored with TagNone regardless of the
// requested algorithm.
package compression
