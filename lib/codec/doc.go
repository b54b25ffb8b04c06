// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration shared by inboxfs's
// on-disk formats: the persisted session payload and the inbox
// snapshot.
//
// JSON is reserved for the remote service boundary. Local state is
// CBOR. Encoding is Core Deterministic (RFC 8949 §4.2), so identical
// values always produce identical bytes. Decoding ignores unknown
// fields, so an older binary can read a file written by a newer one.
package codec
