// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loginview

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mdp/qrterminal/v3"

	"github.com/bureau-foundation/inboxfs/lib/session"
)

// hints maps the service's progress codes to instructions.
var hints = map[string]string{
	"":                        "Scan the code with the BankID app on your phone.",
	"outstanding_transaction": "Scan the code with the BankID app on your phone.",
	"no_client":               "Scan the code with the BankID app on your phone.",
	"started":                 "Waiting for the BankID app to start.",
	"user_sign":               "Approve the login in the BankID app.",
	"user_mrtd_sign":          "Approve the login in the BankID app.",
}

// Hint returns the instruction for a progress code. Unknown codes are
// shown as they are.
func Hint(code string) string {
	if text, ok := hints[code]; ok {
		return text
	}
	return "Login status: " + code
}

// QRCode renders content as half-block characters, two modules per
// text row.
func QRCode(content string) string {
	var builder strings.Builder
	qrterminal.GenerateHalfBlock(content, qrterminal.L, &builder)
	return strings.TrimRight(builder.String(), "\n")
}

// styles holds the login view's lipgloss styles, bound to one
// renderer so color decisions follow the output stream.
type styles struct {
	title lipgloss.Style
	code  lipgloss.Style
	hint  lipgloss.Style
	help  lipgloss.Style
	fail  lipgloss.Style
}

func newStyles(renderer *lipgloss.Renderer) styles {
	return styles{
		title: renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("75")),
		// A light background keeps the code scannable on dark themes.
		code: renderer.NewStyle().Padding(1, 2).
			Foreground(lipgloss.Color("0")).Background(lipgloss.Color("15")),
		hint: renderer.NewStyle().Foreground(lipgloss.Color("252")),
		help: renderer.NewStyle().Foreground(lipgloss.Color("241")),
		fail: renderer.NewStyle().Foreground(lipgloss.Color("203")),
	}
}

// PlainPresenter writes challenges as plain text. It prints the code
// only when it changes and the hint only when it changes.
type PlainPresenter struct {
	output io.Writer

	mu        sync.Mutex
	lastCode  string
	lastHint  string
	announced bool
}

var _ session.Presenter = (*PlainPresenter)(nil)

// NewPlainPresenter returns a presenter writing to output.
func NewPlainPresenter(output io.Writer) *PlainPresenter {
	return &PlainPresenter{output: output}
}

// Show prints the parts of challenge that changed since the last call.
func (presenter *PlainPresenter) Show(challenge session.Challenge) {
	presenter.mu.Lock()
	defer presenter.mu.Unlock()

	if !presenter.announced {
		presenter.announced = true
		fmt.Fprintln(presenter.output, "Log in to your mailbox")
		if challenge.AutoStartToken != "" {
			fmt.Fprintf(presenter.output, "BankID on this device: bankid:///?autostarttoken=%s&redirect=null\n", challenge.AutoStartToken)
		}
	}
	if challenge.QRCode != "" && challenge.QRCode != presenter.lastCode {
		presenter.lastCode = challenge.QRCode
		fmt.Fprintln(presenter.output, QRCode(challenge.QRCode))
	}
	if hint := Hint(challenge.Hint); hint != presenter.lastHint {
		presenter.lastHint = hint
		fmt.Fprintln(presenter.output, hint)
	}
}
