// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Inboxfs exposes a Kivra digital mailbox as a read-only FUSE
// filesystem. It provides login and logout, listing and marking items
// read, and mounting: mount detaches a daemon (the hidden serve
// command) bound to the mount point, and unmount and refresh control
// it by mount point.
package main
