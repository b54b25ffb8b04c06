// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bureau-foundation/inboxfs/lib/clock"
)

// ReadyFD is the descriptor the child reports readiness on. It is the
// first of exec.Cmd.ExtraFiles.
const ReadyFD = 3

const (
	readyMessage = "ready"
	errorPrefix  = "error: "
)

// StartOptions configures [Start].
type StartOptions struct {
	// Mountpoint is an existing empty directory.
	Mountpoint string

	// StateDir holds the record and log file.
	StateDir string

	// Executable is the binary to run. Defaults to os.Executable().
	Executable string

	// Args precede the serve subcommand.
	Args []string

	// ServeFlags follow the serve subcommand, typically --config and
	// --profile.
	ServeFlags []string

	// Environment for the child. Nil inherits the current one.
	Environment []string

	// ReadyTimeout bounds how long Start waits for the mount. Defaults
	// to 30 seconds.
	ReadyTimeout time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Start launches a detached daemon serving Mountpoint and waits until
// it is ready. On failure the child is killed and the error names the
// log file.
func Start(ctx context.Context, options StartOptions) (*Record, error) {
	mountpoint, err := ValidateMountpoint(options.Mountpoint)
	if err != nil {
		return nil, err
	}
	if options.StateDir == "" {
		return nil, fmt.Errorf("daemon: state directory is required")
	}
	if record, err := ReadRecord(options.StateDir, mountpoint); err == nil && record.Alive() {
		return nil, fmt.Errorf("%w: %s (pid %d)", ErrAlreadyMounted, mountpoint, record.PID)
	}
	executable := options.Executable
	if executable == "" {
		executable, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating inboxfs binary: %w", err)
		}
	}
	timeout := options.ReadyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(options.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	paths := PathsFor(options.StateDir, mountpoint)
	logFile, err := os.OpenFile(paths.Log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening daemon log: %w", err)
	}
	defer logFile.Close()
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, err
	}
	defer devNull.Close()

	readyReader, readyWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating readiness pipe: %w", err)
	}
	defer readyReader.Close()

	args := append(slices.Clone(options.Args), "serve")
	args = append(args, options.ServeFlags...)
	args = append(args, "--ready-fd", strconv.Itoa(ReadyFD), mountpoint)
	command := exec.Command(executable, args...)
	command.Env = options.Environment
	command.Stdin = devNull
	command.Stdout = logFile
	command.Stderr = logFile
	command.ExtraFiles = []*os.File{readyWriter}
	command.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := command.Start(); err != nil {
		readyWriter.Close()
		return nil, fmt.Errorf("starting daemon: %w", err)
	}
	// The child holds its own copy; closing ours makes EOF mean the
	// child exited.
	readyWriter.Close()
	pid := command.Process.Pid
	logger.Debug("daemon started", "pid", pid, "mountpoint", mountpoint, "log", paths.Log)

	ready := make(chan error, 1)
	go func() { ready <- awaitReady(readyReader) }()

	abandon := func(cause error) (*Record, error) {
		_ = command.Process.Kill()
		_ = command.Wait()
		return nil, fmt.Errorf("%w: %w (see %s)", ErrStartFailed, cause, paths.Log)
	}
	select {
	case err := <-ready:
		if err != nil {
			return abandon(err)
		}
	case <-clk.After(timeout):
		return abandon(fmt.Errorf("not ready after %s", timeout))
	case <-ctx.Done():
		return abandon(ctx.Err())
	}

	if err := command.Process.Release(); err != nil {
		logger.Debug("releasing daemon process", "error", err)
	}
	record, err := ReadRecord(options.StateDir, mountpoint)
	if err != nil || record.PID != pid {
		record = &Record{Version: recordVersion, Mountpoint: mountpoint, PID: pid, LogPath: paths.Log, StartedAt: clk.Now()}
	}
	return record, nil
}

// awaitReady reads the child's single status line.
func awaitReady(reader io.Reader) error {
	line, err := bufio.NewReader(reader).ReadString('\n')
	line = strings.TrimSpace(line)
	switch {
	case line == readyMessage:
		return nil
	case strings.HasPrefix(line, errorPrefix):
		return errors.New(strings.TrimPrefix(line, errorPrefix))
	case err == io.EOF:
		return errors.New("daemon exited before becoming ready")
	case err != nil:
		return fmt.Errorf("reading readiness pipe: %w", err)
	default:
		return fmt.Errorf("unexpected readiness message %q", line)
	}
}

// reportReady writes the status line for awaitReady and closes the
// pipe. A nil writer is a foreground run with nobody waiting.
func reportReady(ready io.WriteCloser, failure error) {
	if ready == nil {
		return
	}
	message := readyMessage
	if failure != nil {
		message = errorPrefix + strings.ReplaceAll(failure.Error(), "\n", " ")
	}
	_, _ = io.WriteString(ready, message+"\n")
	_ = ready.Close()
}
