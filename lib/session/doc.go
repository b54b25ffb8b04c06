// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the mailbox authentication lifecycle: the
// device-approval login, persisted credentials, transparent token
// refresh, and logout.
//
// There is exactly one session per installation. It is persisted in
// the session directory as session.age, an age-encrypted CBOR
// document sealed to the x25519 identity in session.key. Both files
// are 0600 inside a 0700 directory. A file that cannot be decrypted
// or decoded is treated as absent: callers see ErrUnauthenticated and
// the user logs in again.
//
// [Manager] keeps no copy of the session between calls: every call
// rereads the file, so a logout or login in another process is seen
// by the next request of a running mount. Writes (login, refresh,
// logout) hold a blocking flock on session.lock and reread the file
// under it. Login also holds login.lock, taken without blocking, so
// that two processes cannot run the approval flow at once. Manager
// implements mailbox.TokenSource, so the remote client never holds
// credentials of its own.
package session
