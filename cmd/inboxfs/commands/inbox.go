// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/inboxfs/cmd/inboxfs/cli"
)

type listParams struct {
	GlobalOptions
	cli.JSONOutput
	Refresh bool `flag:"refresh" desc:"read the full listing from the service before printing"`
}

type listEntry struct {
	ID      string    `json:"id"`
	Date    time.Time `json:"date"`
	Read    bool      `json:"read"`
	Sender  string    `json:"sender"`
	Subject string    `json:"subject"`
	Type    string    `json:"type,omitempty"`
}

func listCommand(streams *streams) *cli.Command {
	var params listParams
	return &cli.Command{
		Name:    "list",
		Summary: "List mailbox items, newest first",
		Description: `List mailbox items newest first with id, date, read flag, sender,
and subject. Unread items are marked with *.

Without --refresh the listing saved by the last run is reused while it
is younger than inbox.staleness.`,
		Usage: "inboxfs list [flags]",
		Examples: []cli.Example{
			{Description: "Unread items as JSON", Command: "inboxfs list --json | jq '.[] | select(.read | not)'"},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("list", &params) },
		Args:  cli.NoArgs,
		Run: func(args []string) error {
			env, err := params.open(cli.NewCommandLogger(params.Verbose))
			if err != nil {
				return err
			}
			defer env.Close()
			if _, err := env.requireSession(); err != nil {
				return err
			}

			cache, store, err := env.openInbox()
			if err != nil {
				return err
			}
			defer cache.Close()
			defer store.Close()

			snapshot := cache.Current()
			if params.Refresh || !snapshot.Loaded() || time.Since(snapshot.RefreshedAt) > env.config.Inbox.Staleness.Std() {
				if snapshot, err = cache.Refresh(context.Background()); err != nil {
					return err
				}
			}
			entries := snapshot.List()

			listing := make([]listEntry, 0, len(entries))
			for _, entry := range entries {
				if entry.Retired {
					continue
				}
				item := entry.Item
				sender := item.SenderName
				if sender == "" {
					sender = item.Sender
				}
				listing = append(listing, listEntry{
					ID:      item.Key,
					Date:    item.CreatedAt,
					Read:    item.Read(),
					Sender:  sender,
					Subject: item.Subject,
					Type:    item.Type,
				})
			}

			if done, err := params.EmitJSON(streams.output, listing); done {
				return err
			}
			printListing(streams.output, listing)
			return nil
		},
	}
}

func printListing(w io.Writer, listing []listEntry) {
	if len(listing) == 0 {
		fmt.Fprintln(w, "The mailbox is empty.")
		return
	}
	renderer := lipgloss.NewRenderer(w)
	header := renderer.NewStyle().Bold(true)
	unread := renderer.NewStyle().Bold(true)

	table := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(table, header.Render("ID")+"\t"+header.Render("DATE")+"\t \t"+header.Render("SENDER")+"\t"+header.Render("SUBJECT"))
	for _, entry := range listing {
		marker, subject := " ", entry.Subject
		if !entry.Read {
			marker, subject = "*", unread.Render(entry.Subject)
		}
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\n", entry.ID, entry.Date.Local().Format(time.DateOnly), marker, entry.Sender, subject)
	}
	table.Flush()
}

func markReadCommand(streams *streams) *cli.Command {
	var params GlobalOptions
	return &cli.Command{
		Name:    "mark-read",
		Summary: "Mark an item as read",
		Usage:   "inboxfs mark-read [flags] <id>",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("mark-read", &params) },
		Args:    cli.ExactArgs(1, "<id>"),
		Run: func(args []string) error {
			env, err := params.open(cli.NewCommandLogger(params.Verbose))
			if err != nil {
				return err
			}
			defer env.Close()
			if _, err := env.requireSession(); err != nil {
				return err
			}

			cache, store, err := env.openInbox()
			if err != nil {
				return err
			}
			defer cache.Close()
			defer store.Close()

			if err := cache.MarkRead(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(streams.output, "Marked %s as read.\n", args[0])
			return nil
		},
	}
}
