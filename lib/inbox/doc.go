// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package inbox mirrors the remote inbox listing in memory.
//
// The mirror is published as an immutable [Snapshot] behind an atomic
// pointer. Readers load the pointer and see one complete listing;
// refresh and local read-marking build a new snapshot and swap it in
// under a single writer lock, so a reader never observes a half-merged
// state.
//
// Refresh pages through the remote listing, merges it into the
// previous snapshot, and bumps the generation. Items that vanished
// upstream stay in the snapshot as retired entries: they are omitted
// from [Snapshot.List] but still answer [Snapshot.Get], so a mounted
// file that is already open keeps working. The filesystem layer calls
// [Cache.Discard] once nothing references a retired item.
//
// A refresh runs on first access, in the background whenever a read
// finds the snapshot older than the staleness threshold, on every
// tick of [Cache.Run], and explicitly through [Cache.Refresh].
// Concurrent triggers share one listing pass. A failed refresh keeps
// the previous snapshot.
//
// When a snapshot path is configured, every successful refresh is
// written to disk as a compressed CBOR document and loaded on the next
// start, so a fresh mount lists directories before the first remote
// round trip completes.
package inbox
