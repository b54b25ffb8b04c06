// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loginview

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/bureau-foundation/inboxfs/lib/session"
)

func plainRenderer() *lipgloss.Renderer {
	renderer := lipgloss.NewRenderer(io.Discard, termenv.WithProfile(termenv.Ascii))
	renderer.SetColorProfile(termenv.Ascii)
	return renderer
}

func update(t *testing.T, model Model, message tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, command := model.Update(message)
	updated, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T, want Model", next)
	}
	return updated, command
}

func TestModelShowsChallengeAndHint(t *testing.T) {
	model := NewModel(plainRenderer())
	if view := model.View(); !strings.Contains(view, "Requesting a login code") {
		t.Errorf("initial view = %q", view)
	}

	model, _ = update(t, model, challengeMessage{QRCode: "bankid.qr.1", Hint: "outstanding_transaction"})
	view := model.View()
	if !strings.Contains(view, "Scan the code") {
		t.Errorf("view lacks the scan instruction: %q", view)
	}
	if !strings.Contains(view, "▀") && !strings.Contains(view, "▄") && !strings.Contains(view, "█") {
		t.Errorf("view lacks a half-block QR code: %q", view)
	}
	if !strings.Contains(view, "q: cancel") {
		t.Errorf("view lacks the cancel help: %q", view)
	}

	first := model.code
	model, _ = update(t, model, challengeMessage{QRCode: "bankid.qr.1", Hint: "user_sign"})
	if model.code != first {
		t.Error("code re-rendered although the payload did not change")
	}
	if !strings.Contains(model.View(), "Approve the login") {
		t.Errorf("hint not updated: %q", model.View())
	}
	model, _ = update(t, model, challengeMessage{QRCode: "bankid.qr.2", Hint: "user_sign"})
	if model.code == first {
		t.Error("rotated code was not re-rendered")
	}
}

func TestModelCancelKeyQuits(t *testing.T) {
	for _, pressed := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
	} {
		model, command := update(t, NewModel(plainRenderer()), pressed)
		if !model.Cancelled() {
			t.Errorf("%s did not cancel", pressed)
		}
		if command == nil {
			t.Fatalf("%s returned no command", pressed)
		}
		if _, ok := command().(tea.QuitMsg); !ok {
			t.Errorf("%s did not quit", pressed)
		}
	}

	model, _ := update(t, NewModel(plainRenderer()), tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	if model.Cancelled() {
		t.Error("an unbound key cancelled the login")
	}
}

func TestModelFinishedViews(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "Logged in."},
		{session.ErrLoginExpired, "expired"},
		{session.ErrLoginRejected, "declined"},
		{errors.New("boom"), "Login failed: boom"},
	}
	for _, test := range tests {
		model, command := update(t, NewModel(plainRenderer()), finishedMessage{test.err})
		if command == nil {
			t.Fatal("finished model did not quit")
		}
		if view := model.View(); !strings.Contains(view, test.want) {
			t.Errorf("view for %v = %q, want %q", test.err, view, test.want)
		}
	}
}

func TestHintPassesUnknownCodesThrough(t *testing.T) {
	if got := Hint("certificate_err"); got != "Login status: certificate_err" {
		t.Errorf("Hint = %q", got)
	}
}

func TestPlainPresenterPrintsChanges(t *testing.T) {
	var output bytes.Buffer
	presenter := NewPlainPresenter(&output)

	presenter.Show(session.Challenge{QRCode: "bankid.qr.1", AutoStartToken: "token-1"})
	presenter.Show(session.Challenge{QRCode: "bankid.qr.1", AutoStartToken: "token-1"})
	presenter.Show(session.Challenge{QRCode: "bankid.qr.1", AutoStartToken: "token-1", Hint: "user_sign"})

	text := output.String()
	if strings.Count(text, "Log in to your mailbox") != 1 {
		t.Errorf("heading printed more than once: %q", text)
	}
	if !strings.Contains(text, "autostarttoken=token-1") {
		t.Errorf("auto-start link missing: %q", text)
	}
	if strings.Count(text, QRCode("bankid.qr.1")) != 1 {
		t.Error("unchanged code printed more than once")
	}
	if strings.Count(text, "Scan the code") != 1 || !strings.Contains(text, "Approve the login") {
		t.Errorf("hints = %q", text)
	}
}

func TestRunWithoutTerminalUsesPlainPresenter(t *testing.T) {
	var output bytes.Buffer
	want := &session.Session{User: session.User{ID: "u-1001"}}
	got, err := Run(context.Background(), Options{Input: strings.NewReader(""), Output: &output},
		func(ctx context.Context, presenter session.Presenter) (*session.Session, error) {
			if _, ok := presenter.(*PlainPresenter); !ok {
				t.Errorf("presenter = %T, want *PlainPresenter", presenter)
			}
			presenter.Show(session.Challenge{QRCode: "bankid.qr.1"})
			return want, nil
		})
	if err != nil || got != want {
		t.Fatalf("Run = %v, %v", got, err)
	}
	if !strings.Contains(output.String(), "Scan the code") {
		t.Errorf("output = %q", output.String())
	}
}
