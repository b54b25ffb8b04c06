// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidMountpoint means the target is missing, not a
	// directory, or not empty.
	ErrInvalidMountpoint = errors.New("daemon: invalid mountpoint")

	// ErrAlreadyMounted means a daemon already serves the mountpoint.
	ErrAlreadyMounted = errors.New("daemon: already mounted")

	// ErrNotMounted means no daemon serves the mountpoint.
	ErrNotMounted = errors.New("daemon: not mounted")

	// ErrStartFailed means the daemon did not become ready.
	ErrStartFailed = errors.New("daemon: mount did not become ready")

	// ErrBusy means the kernel refused to unmount because files are
	// still open.
	ErrBusy = errors.New("daemon: mount is busy")
)

// FuseSuperMagic is the statfs f_type of a FUSE filesystem.
const FuseSuperMagic = 0x65735546

// ValidateMountpoint checks that path is an existing, empty directory
// that nothing is mounted on. It returns the cleaned absolute path.
func ValidateMountpoint(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: no path given", ErrInvalidMountpoint)
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidMountpoint, err)
	}
	if IsMounted(absolute) {
		return "", fmt.Errorf("%w: %s", ErrAlreadyMounted, absolute)
	}

	info, err := os.Stat(absolute)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s does not exist", ErrInvalidMountpoint, absolute)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidMountpoint, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidMountpoint, absolute)
	}

	directory, err := os.Open(absolute)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidMountpoint, err)
	}
	defer directory.Close()
	if names, err := directory.Readdirnames(1); len(names) > 0 {
		return "", fmt.Errorf("%w: %s is not empty", ErrInvalidMountpoint, absolute)
	} else if err != nil && err != io.EOF {
		return "", fmt.Errorf("%w: %w", ErrInvalidMountpoint, err)
	}
	return absolute, nil
}

// IsMounted reports whether a FUSE filesystem is mounted at path
// itself, not merely somewhere above it.
func IsMounted(path string) bool {
	var filesystem unix.Statfs_t
	if err := unix.Statfs(path, &filesystem); err != nil || filesystem.Type != FuseSuperMagic {
		return false
	}
	var self, parent unix.Stat_t
	if unix.Stat(path, &self) != nil || unix.Stat(filepath.Dir(path), &parent) != nil {
		return false
	}
	return self.Dev != parent.Dev
}

// unmountFilesystem detaches the FUSE mount at mountpoint. umount(2)
// needs privileges an ordinary user lacks, so fusermount is the usual
// path.
func unmountFilesystem(mountpoint string) error {
	err := unix.Unmount(mountpoint, 0)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EBUSY) {
		return fmt.Errorf("%w: %s", ErrBusy, mountpoint)
	}

	for _, helper := range []string{"fusermount3", "fusermount"} {
		binary, lookErr := exec.LookPath(helper)
		if lookErr != nil {
			continue
		}
		output, runErr := exec.Command(binary, "-u", mountpoint).CombinedOutput()
		if runErr == nil {
			return nil
		}
		message := strings.TrimSpace(string(output))
		if strings.Contains(message, "busy") {
			return fmt.Errorf("%w: %s", ErrBusy, mountpoint)
		}
		return fmt.Errorf("%s -u %s: %w: %s", helper, mountpoint, runErr, message)
	}
	return fmt.Errorf("unmounting %s: %w (no fusermount helper found)", mountpoint, err)
}
