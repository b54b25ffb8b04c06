// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/inboxfs/lib/clock"
)

// exitPollInterval is how often Unmount checks whether the daemon has
// exited.
const exitPollInterval = 50 * time.Millisecond

// UnmountOptions configures [Unmount].
type UnmountOptions struct {
	Mountpoint string
	StateDir   string

	// Timeout bounds the wait for the daemon to exit. Defaults to ten
	// seconds.
	Timeout time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock
}

// Unmount detaches the filesystem at Mountpoint and waits for its
// daemon to exit. A daemon whose mount already vanished is sent
// SIGTERM. A stale record left by a crashed daemon is removed.
func Unmount(ctx context.Context, options UnmountOptions) error {
	mountpoint, err := filepath.Abs(options.Mountpoint)
	if err != nil {
		return err
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}

	record, recordErr := ReadRecord(options.StateDir, mountpoint)
	if recordErr != nil && !errors.Is(recordErr, ErrNotMounted) {
		return recordErr
	}
	mounted := IsMounted(mountpoint)
	if !mounted && record == nil {
		return fmt.Errorf("%w: %s", ErrNotMounted, mountpoint)
	}

	if mounted {
		if err := unmountFilesystem(mountpoint); err != nil {
			return err
		}
	} else if record.Alive() {
		if err := unix.Kill(record.PID, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("signalling daemon %d: %w", record.PID, err)
		}
	}

	if record != nil {
		if err := awaitExit(ctx, clk, record.PID, timeout); err != nil {
			return err
		}
	}
	return RemoveRecord(options.StateDir, mountpoint)
}

// awaitExit polls until pid is gone.
func awaitExit(ctx context.Context, clk clock.Clock, pid int, timeout time.Duration) error {
	deadline := clk.After(timeout)
	ticker := clk.NewTicker(exitPollInterval)
	defer ticker.Stop()
	for processAlive(pid) {
		select {
		case <-ticker.C:
		case <-deadline:
			return fmt.Errorf("daemon %d still running %s after unmount", pid, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RequestRefresh asks the daemon serving mountpoint to refresh its
// inbox now.
func RequestRefresh(stateDir, mountpoint string) error {
	absolute, err := filepath.Abs(mountpoint)
	if err != nil {
		return err
	}
	record, err := ReadRecord(stateDir, absolute)
	if err != nil {
		if errors.Is(err, ErrNotMounted) {
			return fmt.Errorf("%w: %s", ErrNotMounted, absolute)
		}
		return err
	}
	if !record.Alive() {
		return fmt.Errorf("%w: %s (daemon %d exited)", ErrNotMounted, absolute, record.PID)
	}
	if err := unix.Kill(record.PID, unix.SIGHUP); err != nil {
		return fmt.Errorf("signalling daemon %d: %w", record.PID, err)
	}
	return nil
}
