// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bureau-foundation/inboxfs/lib/clock"
)

// Server is the mounted filesystem. *fuse.Server satisfies it.
type Server interface {
	// WaitMount blocks until the kernel has accepted the mount.
	WaitMount() error
	// Wait blocks until the filesystem is unmounted.
	Wait()
	// Unmount asks the kernel to detach the filesystem.
	Unmount() error
}

// ServeConfig configures [Serve].
type ServeConfig struct {
	Mountpoint string
	StateDir   string
	Profile    string

	// Server is the already-mounted filesystem.
	Server Server

	// Refresh runs on SIGHUP.
	Refresh func(context.Context) error

	// RefreshTimeout bounds one SIGHUP refresh. Defaults to two
	// minutes.
	RefreshTimeout time.Duration

	// Ready receives the readiness line. Nil when running in the
	// foreground.
	Ready io.WriteCloser

	// Signals delivers SIGINT, SIGTERM, and SIGHUP. Nil subscribes to
	// the process signals.
	Signals <-chan os.Signal

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ReadyFile wraps the inherited readiness descriptor.
func ReadyFile(fd int) (*os.File, error) {
	file := os.NewFile(uintptr(fd), "ready")
	if file == nil {
		return nil, fmt.Errorf("readiness descriptor %d is not open", fd)
	}
	return file, nil
}

// ReportFailure tells a waiting parent that the daemon could not
// start. Use it for failures before Serve is reached.
func ReportFailure(ready io.WriteCloser, failure error) {
	reportReady(ready, failure)
}

// Serve records the mount, reports readiness, and blocks until the
// filesystem is unmounted. SIGINT, SIGTERM, and ctx cancellation
// unmount; a busy mount is left serving and logged. SIGHUP runs
// Refresh in the background.
func Serve(ctx context.Context, config ServeConfig) error {
	if config.Server == nil {
		return fmt.Errorf("daemon: Server is required")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	refreshTimeout := config.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = 2 * time.Minute
	}
	signals := config.Signals
	if signals == nil {
		subscribed := make(chan os.Signal, 4)
		signal.Notify(subscribed, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(subscribed)
		signals = subscribed
	}

	if err := config.Server.WaitMount(); err != nil {
		reportReady(config.Ready, err)
		return fmt.Errorf("waiting for mount: %w", err)
	}

	record := Record{
		Mountpoint: config.Mountpoint,
		PID:        os.Getpid(),
		LogPath:    PathsFor(config.StateDir, config.Mountpoint).Log,
		Profile:    config.Profile,
		StartedAt:  clk.Now(),
	}
	if err := WriteRecord(config.StateDir, record); err != nil {
		reportReady(config.Ready, err)
		_ = config.Server.Unmount()
		config.Server.Wait()
		return err
	}
	defer func() {
		if err := RemoveRecord(config.StateDir, config.Mountpoint); err != nil {
			logger.Warn("removing mount record", "error", err)
		}
	}()

	reportReady(config.Ready, nil)
	logger.Info("serving inbox filesystem", "mountpoint", config.Mountpoint, "pid", record.PID)

	unmounted := make(chan struct{})
	go func() {
		config.Server.Wait()
		close(unmounted)
	}()

	var refreshes sync.WaitGroup
	defer refreshes.Wait()
	refreshCtx, cancelRefreshes := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRefreshes()

	unmount := func(reason string) {
		logger.Info("unmounting", "reason", reason)
		if err := config.Server.Unmount(); err != nil {
			logger.Warn("unmount failed; still serving", "mountpoint", config.Mountpoint, "error", err)
		}
	}

	done := ctx.Done()
	for {
		select {
		case <-unmounted:
			logger.Info("filesystem unmounted", "mountpoint", config.Mountpoint)
			return nil

		case <-done:
			// Cancellation is a one-shot request; a busy mount keeps
			// serving until the next signal or external unmount.
			done = nil
			unmount("shutdown requested")

		case received := <-signals:
			if received == syscall.SIGHUP {
				if config.Refresh == nil {
					continue
				}
				refreshes.Add(1)
				go func() {
					defer refreshes.Done()
					refreshContext, cancel := context.WithTimeout(refreshCtx, refreshTimeout)
					defer cancel()
					if err := config.Refresh(refreshContext); err != nil && !errors.Is(err, context.Canceled) {
						logger.Warn("refresh on SIGHUP failed", "error", err)
						return
					}
					logger.Info("inbox refreshed on request")
				}()
				continue
			}
			unmount(received.String())
		}
	}
}
