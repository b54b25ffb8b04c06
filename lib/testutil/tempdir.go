// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"testing"
)

// RequireFUSE skips the test unless /dev/fuse exists and a fusermount
// helper can be found.
func RequireFUSE(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("FUSE not available: /dev/fuse missing")
	}
	for _, helper := range []string{"/bin/fusermount3", "/usr/bin/fusermount3", "/bin/fusermount", "/usr/bin/fusermount"} {
		if _, err := os.Stat(helper); err == nil {
			return
		}
	}
	t.Skip("FUSE not available: no fusermount helper")
}

// MountDir creates an empty directory suitable as a mountpoint. It is
// removed when the test completes; callers must unmount first.
func MountDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("", "inboxfs-mount-*")
	if err != nil {
		t.Fatalf("creating mount directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Remove(directory)
	})
	return directory
}
