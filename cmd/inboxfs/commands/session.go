// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/inboxfs/cmd/inboxfs/cli"
	"github.com/bureau-foundation/inboxfs/lib/daemon"
	"github.com/bureau-foundation/inboxfs/lib/loginview"
	"github.com/bureau-foundation/inboxfs/lib/session"
)

type loginParams struct {
	GlobalOptions
	Plain bool `flag:"plain" desc:"print the code instead of the interactive view"`
}

func loginCommand(streams *streams) *cli.Command {
	var params loginParams
	return &cli.Command{
		Name:    "login",
		Summary: "Log in with BankID",
		Description: `Log in to the mailbox by approving a BankID request.

A QR code is shown and rotates while the login is pending. Scan it with
the BankID app, or open the printed link on the same device. Press q to
cancel. The session is stored encrypted in the session directory.`,
		Usage: "inboxfs login [flags]",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("login", &params) },
		Args:  cli.NoArgs,
		Run: func(args []string) error {
			logger := cli.NewCommandLogger(params.Verbose)
			env, err := params.open(logger)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			loggedIn, err := loginview.Run(ctx, loginview.Options{
				Input:  streams.input,
				Output: streams.errors,
				Plain:  params.Plain,
			}, env.sessions.Login)
			if err != nil {
				return err
			}
			fmt.Fprintf(streams.output, "Logged in as %s.\n", describeUser(loggedIn.User))
			return nil
		},
	}
}

func logoutCommand(streams *streams) *cli.Command {
	var params GlobalOptions
	return &cli.Command{
		Name:    "logout",
		Summary: "Revoke and delete the stored session",
		Usage:   "inboxfs logout [flags]",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("logout", &params) },
		Args:    cli.NoArgs,
		Run: func(args []string) error {
			env, err := params.open(cli.NewCommandLogger(params.Verbose))
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.sessions.Logout(context.Background()); err != nil {
				return err
			}
			fmt.Fprintln(streams.output, "Logged out.")
			return nil
		},
	}
}

type statusParams struct {
	GlobalOptions
	cli.JSONOutput
}

type statusMount struct {
	Mountpoint string    `json:"mountpoint"`
	PID        int       `json:"pid"`
	Profile    string    `json:"profile"`
	StartedAt  time.Time `json:"started_at"`
	Live       bool      `json:"live"`
	LogPath    string    `json:"log_path"`
}

type statusResult struct {
	Profile   string        `json:"profile"`
	LoggedIn  bool          `json:"logged_in"`
	UserID    string        `json:"user_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	Mounts    []statusMount `json:"mounts"`
}

func statusCommand(streams *streams) *cli.Command {
	var params statusParams
	return &cli.Command{
		Name:    "status",
		Summary: "Show the session and active mounts",
		Description: `Show who is logged in, when the session expires, and which
mounts this user has started. Exits 1 when no session is stored.`,
		Usage: "inboxfs status [flags]",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("status", &params) },
		Args:  cli.NoArgs,
		Run: func(args []string) error {
			env, err := params.open(cli.NewCommandLogger(params.Verbose))
			if err != nil {
				return err
			}
			defer env.Close()

			result := statusResult{Profile: string(env.config.Profile), Mounts: []statusMount{}}
			stored, err := env.sessions.Stored()
			switch {
			case err == nil:
				result.LoggedIn = true
				result.UserID = stored.User.ID
				result.Name = stored.User.Name
				result.ExpiresAt = &stored.ExpiresAt
			case errors.Is(err, session.ErrUnauthenticated), errors.Is(err, session.ErrCorrupt):
			default:
				return err
			}

			records, err := daemon.Records(env.config.State.Dir)
			if err != nil {
				return err
			}
			for _, record := range records {
				result.Mounts = append(result.Mounts, statusMount{
					Mountpoint: record.Mountpoint,
					PID:        record.PID,
					Profile:    record.Profile,
					StartedAt:  record.StartedAt,
					Live:       record.Live(),
					LogPath:    record.LogPath,
				})
			}

			if done, err := params.EmitJSON(streams.output, result); done {
				return err
			}
			printStatus(streams.output, result)
			if !result.LoggedIn {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

func printStatus(w io.Writer, result statusResult) {
	if result.LoggedIn {
		fmt.Fprintf(w, "Logged in as %s (profile %s).\n", describeUser(session.User{ID: result.UserID, Name: result.Name}), result.Profile)
		fmt.Fprintf(w, "Session expires %s.\n", result.ExpiresAt.Local().Format(time.DateTime))
	} else {
		fmt.Fprintf(w, "Not logged in (profile %s).\n", result.Profile)
	}

	if len(result.Mounts) == 0 {
		fmt.Fprintln(w, "No mounts.")
		return
	}
	fmt.Fprintln(w, "Mounts:")
	for _, mount := range result.Mounts {
		state := "live"
		if !mount.Live {
			state = "stale"
		}
		fmt.Fprintf(w, "  %s  %s  pid %d  since %s\n", mount.Mountpoint, state, mount.PID, mount.StartedAt.Local().Format(time.DateTime))
	}
}

func describeUser(user session.User) string {
	if user.Name == "" {
		return user.ID
	}
	return fmt.Sprintf("%s (%s)", user.Name, user.ID)
}
