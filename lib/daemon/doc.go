// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemon runs an inbox mount as a detached background process
// and controls it afterwards.
//
// [Start] re-executes the binary as "serve --ready-fd 3 <mountpoint>"
// in a new session, with stdio pointed at a per-mount log file and the
// write end of a pipe as fd 3. The child mounts the filesystem, writes
// a state record, and reports "ready" (or "error: ...") on the pipe.
// Start returns only once the mount answers requests, not merely once
// the process exists.
//
// [Serve] is the child's side. It owns the mount until SIGINT or
// SIGTERM unmounts it, refreshes the inbox on SIGHUP, and exits when
// the kernel reports an external unmount.
//
// State files live in one directory, named by a BLAKE3 hash of the
// mountpoint so that any path maps to a fixed, filesystem-safe name.
package daemon
