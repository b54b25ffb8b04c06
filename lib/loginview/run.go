// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loginview

import (
	"context"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/bureau-foundation/inboxfs/lib/session"
)

// LoginFunc runs a login, reporting challenges to presenter.
// (*session.Manager).Login satisfies it.
type LoginFunc func(ctx context.Context, presenter session.Presenter) (*session.Session, error)

// Options configures [Run].
type Options struct {
	// Input and Output default to stdin and stderr.
	Input  io.Reader
	Output io.Writer

	// Plain forces the non-interactive presenter even on a terminal.
	Plain bool
}

type outcome struct {
	session *session.Session
	err     error
}

// Run performs login while showing its progress. The interactive view
// is used when both Input and Output are terminals. Pressing the
// cancel key cancels the login, which then returns
// session.ErrLoginCancelled.
func Run(ctx context.Context, options Options, login LoginFunc) (*session.Session, error) {
	if options.Input == nil {
		options.Input = os.Stdin
	}
	if options.Output == nil {
		options.Output = os.Stderr
	}
	if options.Plain || !isTerminal(options.Input) || !isTerminal(options.Output) {
		return login(ctx, NewPlainPresenter(options.Output))
	}

	loginContext, cancel := context.WithCancel(ctx)
	defer cancel()

	renderer := lipgloss.NewRenderer(options.Output, termenv.WithColorCache(true))
	program := tea.NewProgram(NewModel(renderer),
		tea.WithInput(options.Input),
		tea.WithOutput(options.Output),
	)

	results := make(chan outcome, 1)
	go func() {
		presenter := session.PresenterFunc(func(challenge session.Challenge) {
			program.Send(challengeMessage(challenge))
		})
		loggedIn, err := login(loginContext, presenter)
		results <- outcome{loggedIn, err}
		program.Send(finishedMessage{err})
	}()

	if _, err := program.Run(); err != nil {
		cancel()
		<-results
		return nil, fmt.Errorf("running login view: %w", err)
	}
	// A cancel key quits the program first; the login then unwinds.
	cancel()
	result := <-results
	return result.session, result.err
}

func isTerminal(stream any) bool {
	file, ok := stream.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(file.Fd()))
}
