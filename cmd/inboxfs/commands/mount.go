// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/inboxfs/cmd/inboxfs/cli"
	"github.com/bureau-foundation/inboxfs/lib/daemon"
	"github.com/bureau-foundation/inboxfs/lib/inboxfs"
)

type mountParams struct {
	GlobalOptions
	Foreground bool `flag:"foreground,f" desc:"serve from this process until interrupted instead of detaching"`
}

func mountCommand(streams *streams) *cli.Command {
	var params mountParams
	return &cli.Command{
		Name:    "mount",
		Summary: "Mount the mailbox as a read-only filesystem",
		Description: `Mount the mailbox at <dir>, an existing empty directory.

Each item becomes a directory named from its date, sender, and subject,
holding its attachments. When items share a name the oldest keeps it
and the others get ~<id> appended; every item also answers to
<name>~<id>. Attachments are downloaded on first read and kept in the
cache directory.

By default the filesystem is served by a background daemon and the
command returns once the mount is ready. The daemon logs to the state
directory; 'inboxfs status' lists it.`,
		Usage: "inboxfs mount [flags] <dir>",
		Examples: []cli.Example{
			{Description: "Mount in the background", Command: "inboxfs mount ~/inbox"},
			{Description: "Try it against the built-in fake mailbox", Command: "inboxfs mount --profile mock --foreground /tmp/inbox"},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("mount", &params) },
		Args:  cli.ExactArgs(1, "<dir>"),
		Run: func(args []string) error {
			logger := cli.NewCommandLogger(params.Verbose)
			if params.Foreground {
				return mountForeground(params.GlobalOptions, args[0], logger)
			}

			env, err := params.open(logger)
			if err != nil {
				return err
			}
			defer env.Close()
			if _, err := env.requireSession(); err != nil {
				return err
			}
			serveFlags, err := params.serveFlags()
			if err != nil {
				return err
			}

			record, err := daemon.Start(context.Background(), daemon.StartOptions{
				Mountpoint:   args[0],
				StateDir:     env.config.State.Dir,
				ServeFlags:   serveFlags,
				ReadyTimeout: env.config.Mount.ReadyTimeout.Std(),
				Logger:       logger,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(streams.output, "Mounted %s (pid %d, log %s).\n", record.Mountpoint, record.PID, record.LogPath)
			return nil
		},
	}
}

func mountForeground(options GlobalOptions, target string, logger *slog.Logger) error {
	mountpoint, err := daemon.ValidateMountpoint(target)
	if err != nil {
		return err
	}
	env, err := options.open(logger)
	if err != nil {
		return err
	}
	defer env.Close()
	if _, err := env.requireSession(); err != nil {
		return err
	}
	return serveMount(context.Background(), env, mountpoint, nil)
}

type serveParams struct {
	GlobalOptions
	ReadyFD int `flag:"ready-fd" desc:"descriptor that receives the readiness line" default:"-1"`
}

// serveCommand is the daemon child started by mount.
func serveCommand() *cli.Command {
	var params serveParams
	return &cli.Command{
		Name:    "serve",
		Summary: "Serve a mount (started by mount)",
		Usage:   "inboxfs serve [flags] --ready-fd N <dir>",
		Hidden:  true,
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("serve", &params) },
		Args:    cli.ExactArgs(1, "<dir>"),
		Run: func(args []string) error {
			var ready io.WriteCloser
			if params.ReadyFD >= 0 {
				file, err := daemon.ReadyFile(params.ReadyFD)
				if err != nil {
					return err
				}
				ready = file
			}

			// Stderr is the daemon's log file.
			logger := cli.NewDaemonLogger(os.Stderr, params.Verbose)
			err := serve(params.GlobalOptions, args[0], ready, logger)
			if err != nil {
				logger.Error("daemon stopped", "error", err)
				daemon.ReportFailure(ready, err)
			}
			return err
		},
	}
}

func serve(options GlobalOptions, mountpoint string, ready io.WriteCloser, logger *slog.Logger) error {
	env, err := options.open(logger)
	if err != nil {
		return err
	}
	defer env.Close()
	if _, err := env.requireSession(); err != nil {
		return err
	}
	return serveMount(context.Background(), env, mountpoint, ready)
}

// serveMount mounts the inbox and serves it until unmounted. ready
// is nil in the foreground.
func serveMount(ctx context.Context, env *environment, mountpoint string, ready io.WriteCloser) error {
	cache, store, err := env.openInbox()
	if err != nil {
		return err
	}
	defer cache.Close()
	defer store.Close()

	server, err := inboxfs.Mount(inboxfs.Options{
		Mountpoint:     mountpoint,
		Cache:          cache,
		Store:          store,
		AllowOther:     env.config.Mount.AllowOther,
		MarkReadOnOpen: env.config.Mount.MarkReadOnOpen,
		EntryTimeout:   env.config.Mount.EntryTimeout.Std(),
		AttrTimeout:    env.config.Mount.AttrTimeout.Std(),
		Logger:         env.logger,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go cache.Run(runCtx)

	return daemon.Serve(ctx, daemon.ServeConfig{
		Mountpoint: mountpoint,
		StateDir:   env.config.State.Dir,
		Profile:    string(env.config.Profile),
		Server:     server,
		Refresh: func(ctx context.Context) error {
			_, err := cache.Refresh(ctx)
			return err
		},
		RefreshTimeout: env.config.Inbox.RefreshTimeout.Std(),
		Ready:          ready,
		Logger:         env.logger,
	})
}

func unmountCommand(streams *streams) *cli.Command {
	var params GlobalOptions
	return &cli.Command{
		Name:    "unmount",
		Summary: "Unmount a mailbox mount and stop its daemon",
		Description: `Unmount <dir> and wait for its daemon to exit. Fails while a
process still has files open under the mount.`,
		Usage: "inboxfs unmount [flags] <dir>",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("unmount", &params) },
		Args:  cli.ExactArgs(1, "<dir>"),
		Run: func(args []string) error {
			cfg, err := params.loadConfig()
			if err != nil {
				return err
			}
			err = daemon.Unmount(context.Background(), daemon.UnmountOptions{
				Mountpoint: args[0],
				StateDir:   cfg.State.Dir,
			})
			if errors.Is(err, daemon.ErrBusy) {
				return fmt.Errorf("%w; close files and shells under %s and retry", err, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(streams.output, "Unmounted %s.\n", args[0])
			return nil
		},
	}
}

func refreshCommand(streams *streams) *cli.Command {
	var params GlobalOptions
	return &cli.Command{
		Name:    "refresh",
		Summary: "Ask a mount to reread the mailbox listing",
		Usage:   "inboxfs refresh [flags] <dir>",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("refresh", &params) },
		Args:    cli.ExactArgs(1, "<dir>"),
		Run: func(args []string) error {
			cfg, err := params.loadConfig()
			if err != nil {
				return err
			}
			mountpoint, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if err := daemon.RequestRefresh(cfg.State.Dir, mountpoint); err != nil {
				return err
			}
			fmt.Fprintf(streams.output, "Refresh requested for %s.\n", mountpoint)
			return nil
		},
	}
}
