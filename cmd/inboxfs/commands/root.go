// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the inboxfs command tree. Each command
// loads the configuration, assembles the session manager and mailbox
// client it needs (see environment.go), and calls into lib/.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/bureau-foundation/inboxfs/cmd/inboxfs/cli"
	"github.com/bureau-foundation/inboxfs/lib/mailbox"
)

// streams are the terminal endpoints commands read from and print to.
type streams struct {
	input  io.Reader
	output io.Writer
	errors io.Writer
}

// Root builds the command tree bound to the process's standard streams.
func Root() *cli.Command {
	return root(&streams{input: os.Stdin, output: os.Stdout, errors: os.Stderr})
}

func root(streams *streams) *cli.Command {
	return &cli.Command{
		Name: "inboxfs",
		Description: `inboxfs: browse a Kivra digital mailbox as a read-only filesystem.

Log in once with BankID, then mount the mailbox on an empty directory
and use ordinary file tools on your letters and their attachments.`,
		Subcommands: []*cli.Command{
			loginCommand(streams),
			logoutCommand(streams),
			statusCommand(streams),
			listCommand(streams),
			markReadCommand(streams),
			mountCommand(streams),
			unmountCommand(streams),
			refreshCommand(streams),
			serveCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Args:    cli.NoArgs,
				Run: func(args []string) error {
					fmt.Fprintf(streams.output, "inboxfs %s\n", mailbox.Version)
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{Description: "Log in (shows a QR code to scan with BankID)", Command: "inboxfs login"},
			{Description: "Mount the mailbox in the background", Command: "inboxfs mount ~/inbox"},
			{Description: "Pick up new mail right away", Command: "inboxfs refresh ~/inbox"},
			{Description: "Unmount and stop the daemon", Command: "inboxfs unmount ~/inbox"},
			{Description: "Use the built-in fake mailbox", Command: "inboxfs login --profile mock"},
		},
	}
}
