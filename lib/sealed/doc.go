// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption at rest for inboxfs
// credentials. It wraps filippo.io/age for the operations the session
// store needs: load or create an x25519 identity file, encrypt to that
// identity's recipient, and decrypt with it.
//
// Key exports:
//
//   - [LoadOrCreateIdentity] -- reads the identity file, creating it
//     with mode 0600 on first use
//   - [Seal] / [Open] -- encrypt and decrypt raw byte payloads
//
// Ciphertext is the binary age format; nothing here base64-encodes.
package sealed
