// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loginview

import (
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/inboxfs/lib/session"
)

// KeyMap holds the login view's bindings.
type KeyMap struct {
	Cancel key.Binding
}

// DefaultKeyMap cancels on q, esc, or ctrl+c.
var DefaultKeyMap = KeyMap{
	Cancel: key.NewBinding(
		key.WithKeys("q", "esc", "ctrl+c"),
		key.WithHelp("q", "cancel"),
	),
}

// challengeMessage carries a new or rotated challenge.
type challengeMessage session.Challenge

// finishedMessage carries the outcome of the login.
type finishedMessage struct{ err error }

// Model is the bubbletea model of a pending login.
type Model struct {
	keys    KeyMap
	styles  styles
	spinner spinner.Model

	challenge session.Challenge
	code      string

	cancelled bool
	finished  bool
	err       error
}

// NewModel returns a model that renders through renderer.
func NewModel(renderer *lipgloss.Renderer) Model {
	styles := newStyles(renderer)
	indicator := spinner.New(spinner.WithSpinner(spinner.Dot))
	indicator.Style = styles.hint
	return Model{
		keys:    DefaultKeyMap,
		styles:  styles,
		spinner: indicator,
	}
}

// Cancelled reports whether the user asked to stop.
func (model Model) Cancelled() bool { return model.cancelled }

func (model Model) Init() tea.Cmd {
	return model.spinner.Tick
}

func (model Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.KeyMsg:
		if key.Matches(message, model.keys.Cancel) {
			model.cancelled = true
			return model, tea.Quit
		}
	case challengeMessage:
		challenge := session.Challenge(message)
		if challenge.QRCode != model.challenge.QRCode {
			model.code = QRCode(challenge.QRCode)
		}
		model.challenge = challenge
	case finishedMessage:
		model.finished = true
		model.err = message.err
		return model, tea.Quit
	case spinner.TickMsg:
		var command tea.Cmd
		model.spinner, command = model.spinner.Update(message)
		return model, command
	}
	return model, nil
}

func (model Model) View() string {
	switch {
	case model.cancelled:
		return model.styles.help.Render("Login cancelled.") + "\n"
	case model.finished && model.err == nil:
		return model.styles.title.Render("Logged in.") + "\n"
	case model.finished:
		return model.styles.fail.Render(failureText(model.err)) + "\n"
	}

	var builder strings.Builder
	builder.WriteString(model.styles.title.Render("Log in to your mailbox"))
	builder.WriteString("\n\n")
	if model.code == "" {
		builder.WriteString(model.spinner.View() + " " + model.styles.hint.Render("Requesting a login code..."))
	} else {
		builder.WriteString(model.styles.code.Render(model.code))
		builder.WriteString("\n\n")
		builder.WriteString(model.spinner.View() + " " + model.styles.hint.Render(Hint(model.challenge.Hint)))
	}
	builder.WriteString("\n\n")
	builder.WriteString(model.styles.help.Render(model.keys.Cancel.Help().Key + ": " + model.keys.Cancel.Help().Desc))
	builder.WriteString("\n")
	return builder.String()
}

func failureText(err error) string {
	switch {
	case errors.Is(err, session.ErrLoginExpired):
		return "The login expired before it was approved."
	case errors.Is(err, session.ErrLoginRejected):
		return "The login was declined."
	case errors.Is(err, session.ErrAlreadyInProgress):
		return "Another login is already running."
	default:
		return "Login failed: " + err.Error()
	}
}
