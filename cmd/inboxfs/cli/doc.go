// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for inboxfs.
//
// The central type is [Command]: a named subcommand with optional
// nested [Command.Subcommands], a [pflag.FlagSet] factory, a positional
// argument check, and a Run function. The tree is assembled in
// cmd/inboxfs/commands and dispatched via [Command.Execute], which
// handles flag parsing, subcommand routing, and help output with
// examples. Hidden commands dispatch normally but are left out of
// help.
//
// Unknown subcommands and flags get a "did you mean" suggestion when
// a known name is within edit distance 3 (suggest.go).
//
// Flags are usually declared as tagged struct fields and bound with
// [FlagsFromParams]; see [BindFlags] for the tags.
package cli
