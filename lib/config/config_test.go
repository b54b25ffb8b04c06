// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_CACHE_HOME", "/var/cache/tester")
	t.Setenv("XDG_STATE_HOME", "")
	t.Setenv(EnvironmentVariable, "")

	// HOME has no config file, so Load falls back to defaults.
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source != "" {
		t.Errorf("Source = %q, want empty when no file exists", cfg.Source)
	}
	if cfg.Profile != Production {
		t.Errorf("Profile = %q, want production", cfg.Profile)
	}
	if cfg.Session.Dir != "/home/tester/.config/inboxfs" {
		t.Errorf("Session.Dir = %q", cfg.Session.Dir)
	}
	if cfg.Cache.Dir != "/var/cache/tester/inboxfs" {
		t.Errorf("Cache.Dir = %q", cfg.Cache.Dir)
	}
	if cfg.State.Dir != "/home/tester/.local/state/inboxfs" {
		t.Errorf("State.Dir = %q", cfg.State.Dir)
	}
	if cfg.Inbox.Staleness.Std() != time.Minute {
		t.Errorf("Inbox.Staleness = %s, want 1m", cfg.Inbox.Staleness)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	directory := t.TempDir()
	configPath := filepath.Join(directory, "config.yaml")
	content := `
remote:
  request_timeout: 5s
  retry:
    attempts: 2
inbox:
  staleness: 10m
  snapshot_compression: lz4
session:
  dir: ${TEST_INBOXFS_ROOT}/session
mount:
  mark_read_on_open: true
`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("TEST_INBOXFS_ROOT", "/srv/inboxfs")

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Source != configPath {
		t.Errorf("Source = %q, want %q", cfg.Source, configPath)
	}
	if cfg.Remote.RequestTimeout.Std() != 5*time.Second {
		t.Errorf("RequestTimeout = %s, want 5s", cfg.Remote.RequestTimeout)
	}
	if cfg.Remote.Retry.Attempts != 2 {
		t.Errorf("Retry.Attempts = %d, want 2", cfg.Remote.Retry.Attempts)
	}
	// Keys not present in the file keep their defaults.
	if cfg.Remote.Retry.MaxDelay.Std() != 5*time.Second {
		t.Errorf("Retry.MaxDelay = %s, want default 5s", cfg.Remote.Retry.MaxDelay)
	}
	if cfg.Inbox.Staleness.Std() != 10*time.Minute {
		t.Errorf("Staleness = %s, want 10m", cfg.Inbox.Staleness)
	}
	if cfg.Session.Dir != "/srv/inboxfs/session" {
		t.Errorf("Session.Dir = %q, want expanded path", cfg.Session.Dir)
	}
	if !cfg.Mount.MarkReadOnOpen {
		t.Error("MarkReadOnOpen not applied")
	}
	if cfg.SnapshotTag().String() != "lz4" {
		t.Errorf("SnapshotTag = %s, want lz4", cfg.SnapshotTag())
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := Load(missing); err == nil {
		t.Fatal("Load of a missing explicit path succeeded")
	}

	t.Setenv(EnvironmentVariable, missing)
	if _, err := Load(""); err == nil {
		t.Fatal("Load with INBOXFS_CONFIG pointing at a missing file succeeded")
	}
}

func TestLoadRejectsBareIntegerDuration(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("inbox:\n  staleness: [60]\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := LoadFile(configPath); err == nil {
		t.Fatal("LoadFile accepted a non-scalar duration")
	}
}

func TestMockProfileSeparatesDirectories(t *testing.T) {
	cfg := Default()
	cfg.Session.Dir = "/home/tester/.config/inboxfs"
	cfg.Cache.Dir = "/home/tester/.cache/inboxfs"
	cfg.State.Dir = "/home/tester/.local/state/inboxfs"

	cfg.SetProfile(Mock)
	cfg.SetProfile(Mock)

	if cfg.Session.Dir != "/home/tester/.config/inboxfs/mock" {
		t.Errorf("Session.Dir = %q", cfg.Session.Dir)
	}
	if cfg.Cache.Dir != "/home/tester/.cache/inboxfs/mock" {
		t.Errorf("Cache.Dir = %q", cfg.Cache.Dir)
	}
	if cfg.State.Dir != "/home/tester/.local/state/inboxfs/mock" {
		t.Errorf("State.Dir = %q", cfg.State.Dir)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.expandVariables()
	cfg.Profile = "staging"
	cfg.Remote.APIURL = "not a url"
	cfg.Login.MinPollInterval = Seconds(20)
	cfg.Remote.PageSize = 0
	cfg.Inbox.SnapshotCompression = "brotli"
	cfg.Cache.Dir = "relative/cache"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted an invalid config")
	}
	message := err.Error()
	for _, want := range []string{
		"invalid profile",
		"remote.api_url",
		"login.min_poll_interval",
		"remote.page_size",
		"inbox.snapshot_compression",
		"cache.dir must be absolute",
	} {
		if !strings.Contains(message, want) {
			t.Errorf("Validate error missing %q:\n%s", want, message)
		}
	}
}

func TestEnsurePaths(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Session.Dir = filepath.Join(root, "session")
	cfg.Cache.Dir = filepath.Join(root, "cache")
	cfg.State.Dir = filepath.Join(root, "state")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	info, err := os.Stat(cfg.Session.Dir)
	if err != nil {
		t.Fatalf("stat session dir: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("session dir mode = %o, want 0700", info.Mode().Perm())
	}
}
