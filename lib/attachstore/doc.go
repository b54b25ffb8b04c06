// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package attachstore downloads attachment content on first access and
// keeps it in a local directory for every later read.
//
// Each attachment is one file named by a BLAKE3 keyed hash of its
// (item id, part index) pair, so names are deterministic and carry no
// remote metadata. A download streams into a uniquely named partial
// file, is fsynced, and is renamed over the final name only after the
// whole body arrived and matched any advertised length. The presence
// of a final-name file is therefore the only completeness signal;
// partial files never become visible under it and are swept on
// startup.
//
// Concurrent requests for the same attachment share one download.
// Downloads run under the store's own context bounded by the fetch
// timeout, so a caller that stops waiting does not abort the transfer
// for the others, and [Store.Close] aborts all of them.
package attachstore
