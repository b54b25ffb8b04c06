// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"os"

	"github.com/bureau-foundation/inboxfs/cmd/inboxfs/commands"
	"github.com/bureau-foundation/inboxfs/lib/mailbox"
	"github.com/bureau-foundation/inboxfs/lib/process"
)

// version is set at link time with -X main.version=...
var version = "dev"

func main() {
	mailbox.Version = version
	if err := commands.Root().Execute(os.Args[1:]); err != nil {
		// Commands that print their own outcome (like status) return an
		// ExitError; don't add an "error:" line for those.
		var coder process.ExitCoder
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		process.Fatal(err)
	}
}
