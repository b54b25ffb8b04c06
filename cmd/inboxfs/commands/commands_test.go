// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/inboxfs/cmd/inboxfs/cli"
	"github.com/bureau-foundation/inboxfs/lib/daemon"
	"github.com/bureau-foundation/inboxfs/lib/inbox"
)

// mockConfig writes a mock-profile configuration with every directory
// under a temporary root and fast login polling.
func mockConfig(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "config.yaml")
	content := `profile: mock
session:
  dir: ` + filepath.Join(root, "session") + `
cache:
  dir: ` + filepath.Join(root, "cache") + `
state:
  dir: ` + filepath.Join(root, "state") + `
login:
  poll_interval: 10ms
  min_poll_interval: 10ms
  max_poll_interval: 50ms
remote:
  retry:
    attempts: 1
    base_delay: 10ms
    max_delay: 10ms
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

type result struct {
	output string
	errors string
	err    error
}

// execute runs one command line against configPath. The config flag
// goes after the subcommand path, where global flags are accepted.
func execute(t *testing.T, configPath string, args ...string) result {
	t.Helper()
	var output, diagnostics bytes.Buffer
	command := root(&streams{input: strings.NewReader(""), output: &output, errors: &diagnostics})
	err := command.Execute(append(args, "--config", configPath))
	return result{output: output.String(), errors: diagnostics.String(), err: err}
}

func TestSessionLifecycle(t *testing.T) {
	configPath := mockConfig(t)

	status := execute(t, configPath, "status")
	var exitError *cli.ExitError
	if !errors.As(status.err, &exitError) || exitError.ExitCode() != 1 {
		t.Fatalf("status before login: err = %v, want exit code 1", status.err)
	}
	if !strings.Contains(status.output, "Not logged in (profile mock)") {
		t.Errorf("status output = %q", status.output)
	}

	login := execute(t, configPath, "login")
	if login.err != nil {
		t.Fatalf("login: %v", login.err)
	}
	if !strings.Contains(login.output, "Logged in as Testa Testsson (u-1001).") {
		t.Errorf("login output = %q", login.output)
	}
	if !strings.Contains(login.errors, "Scan the code") {
		t.Errorf("login did not show the challenge: %q", login.errors)
	}

	status = execute(t, configPath, "status", "--json")
	if status.err != nil {
		t.Fatalf("status --json: %v", status.err)
	}
	var decoded statusResult
	if err := json.Unmarshal([]byte(status.output), &decoded); err != nil {
		t.Fatalf("decoding status: %v\n%s", err, status.output)
	}
	if !decoded.LoggedIn || decoded.UserID != "u-1001" || decoded.ExpiresAt == nil {
		t.Errorf("status = %+v", decoded)
	}
	if decoded.Mounts == nil || len(decoded.Mounts) != 0 {
		t.Errorf("mounts = %#v, want empty list", decoded.Mounts)
	}

	logout := execute(t, configPath, "logout")
	if logout.err != nil || !strings.Contains(logout.output, "Logged out.") {
		t.Fatalf("logout = %+v", logout)
	}
	if status := execute(t, configPath, "status"); status.err == nil {
		t.Error("status after logout succeeded")
	}

	// Logging out twice is fine.
	if again := execute(t, configPath, "logout"); again.err != nil {
		t.Errorf("second logout: %v", again.err)
	}
}

func loggedIn(t *testing.T) string {
	t.Helper()
	configPath := mockConfig(t)
	if login := execute(t, configPath, "login"); login.err != nil {
		t.Fatalf("login: %v", login.err)
	}
	return configPath
}

func TestListNewestFirst(t *testing.T) {
	configPath := loggedIn(t)

	listed := execute(t, configPath, "list", "--json")
	if listed.err != nil {
		t.Fatalf("list --json: %v", listed.err)
	}
	var entries []listEntry
	if err := json.Unmarshal([]byte(listed.output), &entries); err != nil {
		t.Fatalf("decoding listing: %v\n%s", err, listed.output)
	}
	if len(entries) < 2 || entries[0].ID != "0007" || entries[1].ID != "0003" {
		t.Fatalf("listing = %+v, want 0007 then 0003 first", entries)
	}
	if entries[0].Read || !entries[1].Read {
		t.Errorf("read flags = %v, %v; want unread, read", entries[0].Read, entries[1].Read)
	}
	if entries[0].Sender != "Kraft & Ljus AB" || entries[0].Subject != "Invoice January" {
		t.Errorf("first entry = %+v", entries[0])
	}

	text := execute(t, configPath, "list", "--refresh")
	if text.err != nil {
		t.Fatalf("list: %v", text.err)
	}
	lines := strings.Split(strings.TrimSpace(text.output), "\n")
	if len(lines) < 3 || !strings.HasPrefix(lines[1], "0007") || !strings.Contains(lines[1], "*") {
		t.Errorf("text listing:\n%s", text.output)
	}
	if !strings.Contains(lines[1], "2024-01-15") && !strings.Contains(lines[1], "2024-01-16") {
		t.Errorf("first line lacks its date: %q", lines[1])
	}
}

func TestMarkRead(t *testing.T) {
	configPath := loggedIn(t)

	marked := execute(t, configPath, "mark-read", "0007")
	if marked.err != nil {
		t.Fatalf("mark-read: %v", marked.err)
	}
	if !strings.Contains(marked.output, "Marked 0007 as read.") {
		t.Errorf("output = %q", marked.output)
	}

	missing := execute(t, configPath, "mark-read", "9999")
	if !errors.Is(missing.err, inbox.ErrNotFound) {
		t.Errorf("mark-read of an unknown id: err = %v, want ErrNotFound", missing.err)
	}

	if usage := execute(t, configPath, "mark-read"); usage.err == nil || !strings.Contains(usage.err.Error(), "<id>") {
		t.Errorf("mark-read without an id: err = %v", usage.err)
	}
}

func TestCommandsRequireLogin(t *testing.T) {
	configPath := mockConfig(t)
	for _, args := range [][]string{
		{"list"},
		{"mark-read", "0007"},
		{"mount", t.TempDir()},
	} {
		got := execute(t, configPath, args...)
		if got.err == nil || !strings.Contains(got.err.Error(), "inboxfs login") {
			t.Errorf("%v: err = %v, want a hint to log in", args, got.err)
		}
	}
}

func TestControlCommandsWithoutMount(t *testing.T) {
	configPath := mockConfig(t)
	for _, command := range []string{"unmount", "refresh"} {
		got := execute(t, configPath, command, t.TempDir())
		if !errors.Is(got.err, daemon.ErrNotMounted) {
			t.Errorf("%s: err = %v, want ErrNotMounted", command, got.err)
		}
	}
}

func TestInvalidProfile(t *testing.T) {
	got := execute(t, mockConfig(t), "status", "--profile", "staging")
	if got.err == nil || !strings.Contains(got.err.Error(), "invalid profile") {
		t.Errorf("err = %v, want invalid profile", got.err)
	}
}

func TestServeFlags(t *testing.T) {
	t.Chdir(t.TempDir())
	options := GlobalOptions{ConfigPath: "inboxfs.yaml", Profile: "mock", Verbose: true}
	flags, err := options.serveFlags()
	if err != nil {
		t.Fatalf("serveFlags: %v", err)
	}
	if len(flags) != 5 || flags[0] != "--config" || !filepath.IsAbs(flags[1]) || flags[3] != "mock" || flags[4] != "--verbose" {
		t.Errorf("serveFlags = %v", flags)
	}

	if flags, _ := (&GlobalOptions{}).serveFlags(); len(flags) != 0 {
		t.Errorf("serveFlags of defaults = %v, want none", flags)
	}
}

func TestHelpHidesServe(t *testing.T) {
	var buffer bytes.Buffer
	Root().PrintHelp(&buffer)
	if strings.Contains(buffer.String(), "serve") {
		t.Errorf("help lists the daemon command:\n%s", buffer.String())
	}
	for _, name := range []string{"login", "mount", "unmount", "refresh", "mark-read"} {
		if !strings.Contains(buffer.String(), name) {
			t.Errorf("help lacks %q", name)
		}
	}
}
