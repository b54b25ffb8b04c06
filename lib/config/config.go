// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/inboxfs/lib/compression"
)

// Profile selects which remote service the tool talks to.
type Profile string

const (
	// Production talks to the real mailbox service.
	Production Profile = "production"
	// Mock runs an in-process fake service seeded from a fixture.
	Mock Profile = "mock"
)

// EnvironmentVariable names the environment variable that points at a
// config file when no --config flag is given.
const EnvironmentVariable = "INBOXFS_CONFIG"

// Config is the complete inboxfs configuration.
type Config struct {
	// Profile is production or mock.
	Profile Profile `yaml:"profile"`

	Remote  RemoteConfig  `yaml:"remote"`
	Session SessionConfig `yaml:"session"`
	Login   LoginConfig   `yaml:"login"`
	Inbox   InboxConfig   `yaml:"inbox"`
	Cache   CacheConfig   `yaml:"cache"`
	State   StateConfig   `yaml:"state"`
	Mount   MountConfig   `yaml:"mount"`
	Mock    MockConfig    `yaml:"mock"`

	// Source is the file the configuration was read from, or empty
	// when only defaults apply.
	Source string `yaml:"-"`
}

// RemoteConfig configures the HTTP client for the mailbox service.
type RemoteConfig struct {
	// APIURL is the base URL of the content and OAuth API.
	APIURL string `yaml:"api_url"`

	// AccountsURL serves config.json with the OAuth client identity.
	AccountsURL string `yaml:"accounts_url"`

	// RequestTimeout bounds a single HTTP attempt.
	RequestTimeout Duration `yaml:"request_timeout"`

	// RateLimit is the sustained request rate in requests per second.
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the number of requests allowed above RateLimit.
	RateBurst int `yaml:"rate_burst"`

	// PageSize is the listing page size requested from the service.
	PageSize int `yaml:"page_size"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig controls exponential backoff for transient failures.
type RetryConfig struct {
	// Attempts is the total number of attempts, including the first.
	Attempts  int      `yaml:"attempts"`
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
}

// SessionConfig configures where credentials live and when they are
// refreshed.
type SessionConfig struct {
	// Dir holds the encrypted session file and its key.
	Dir string `yaml:"dir"`

	// RefreshMargin is how long before expiry a token is refreshed.
	RefreshMargin Duration `yaml:"refresh_margin"`
}

// LoginConfig configures the device-approval login polling.
type LoginConfig struct {
	PollInterval    Duration `yaml:"poll_interval"`
	MinPollInterval Duration `yaml:"min_poll_interval"`
	MaxPollInterval Duration `yaml:"max_poll_interval"`

	// Timeout is the overall deadline for one login attempt.
	Timeout Duration `yaml:"timeout"`
}

// InboxConfig configures the metadata cache.
type InboxConfig struct {
	// Staleness is the snapshot age after which a refresh starts.
	Staleness Duration `yaml:"staleness"`

	// DetailTTL is how long a fetched item detail stays cached.
	DetailTTL Duration `yaml:"detail_ttl"`

	// RefreshTimeout bounds one full listing refresh.
	RefreshTimeout Duration `yaml:"refresh_timeout"`

	// Snapshot enables persisting the listing for warm starts.
	Snapshot bool `yaml:"snapshot"`

	// SnapshotCompression is zstd, lz4, or none.
	SnapshotCompression string `yaml:"snapshot_compression"`
}

// CacheConfig configures the on-disk attachment store.
type CacheConfig struct {
	Dir string `yaml:"dir"`

	// FetchTimeout bounds one attachment download.
	FetchTimeout Duration `yaml:"fetch_timeout"`
}

// StateConfig configures where daemon pid and log files live.
type StateConfig struct {
	Dir string `yaml:"dir"`
}

// MountConfig configures the FUSE mount.
type MountConfig struct {
	// AllowOther lets users other than the mounting user access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool `yaml:"allow_other"`

	// MarkReadOnOpen marks an item read when one of its files is
	// opened.
	MarkReadOnOpen bool `yaml:"mark_read_on_open"`

	// ReadyTimeout bounds how long mount waits for the daemon.
	ReadyTimeout Duration `yaml:"ready_timeout"`

	EntryTimeout Duration `yaml:"entry_timeout"`
	AttrTimeout  Duration `yaml:"attr_timeout"`
}

// MockConfig configures the mock profile.
type MockConfig struct {
	// Fixture is a JSONC file describing the fake mailbox. Empty uses
	// the built-in fixture.
	Fixture string `yaml:"fixture"`
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		Profile: Production,
		Remote: RemoteConfig{
			APIURL:         "https://app.api.kivra.com",
			AccountsURL:    "https://accounts.kivra.com",
			RequestTimeout: Seconds(30),
			RateLimit:      10,
			RateBurst:      20,
			PageSize:       100,
			Retry: RetryConfig{
				Attempts:  4,
				BaseDelay: Milliseconds(200),
				MaxDelay:  Seconds(5),
			},
		},
		Session: SessionConfig{
			Dir:           "${XDG_CONFIG_HOME:-${HOME}/.config}/inboxfs",
			RefreshMargin: Seconds(60),
		},
		Login: LoginConfig{
			PollInterval:    Seconds(2),
			MinPollInterval: Seconds(1),
			MaxPollInterval: Seconds(10),
			Timeout:         Seconds(5 * 60),
		},
		Inbox: InboxConfig{
			Staleness:           Seconds(60),
			DetailTTL:           Seconds(60 * 60),
			RefreshTimeout:      Seconds(2 * 60),
			Snapshot:            true,
			SnapshotCompression: "zstd",
		},
		Cache: CacheConfig{
			Dir:          "${XDG_CACHE_HOME:-${HOME}/.cache}/inboxfs",
			FetchTimeout: Seconds(2 * 60),
		},
		State: StateConfig{
			Dir: "${XDG_STATE_HOME:-${HOME}/.local/state}/inboxfs",
		},
		Mount: MountConfig{
			ReadyTimeout: Seconds(30),
			EntryTimeout: Seconds(1),
			AttrTimeout:  Seconds(1),
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/inboxfs/config.yaml.
func DefaultPath() string {
	return expandVars("${XDG_CONFIG_HOME:-${HOME}/.config}/inboxfs/config.yaml", nil)
}

// Load reads configuration from path. An empty path falls back to the
// INBOXFS_CONFIG environment variable and then to [DefaultPath].
//
// An explicitly named file (flag or environment) must exist. The
// default file is optional: when it is absent, defaults apply.
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		path = os.Getenv(EnvironmentVariable)
	}
	if path == "" {
		path = DefaultPath()
		explicit = false
	}

	cfg := Default()
	err := cfg.loadFile(path)
	switch {
	case err == nil:
		cfg.Source = path
	case !explicit && errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	cfg.applyProfileOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// LoadFile loads configuration from a specific file path, which must
// exist.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}
	return Load(path)
}

// loadFile loads a single configuration file, merging into the current
// config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// SetProfile switches profile after loading, as the --profile flag
// does, and reapplies the profile's path overrides.
func (c *Config) SetProfile(profile Profile) {
	c.Profile = profile
	c.applyProfileOverrides()
}

// applyProfileOverrides keeps mock credentials and caches apart from
// production ones.
func (c *Config) applyProfileOverrides() {
	if c.Profile != Mock {
		return
	}
	for _, dir := range []*string{&c.Session.Dir, &c.Cache.Dir, &c.State.Dir} {
		if filepath.Base(*dir) != string(Mock) {
			*dir = filepath.Join(*dir, string(Mock))
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields.
func (c *Config) expandVariables() {
	c.Session.Dir = expandVars(c.Session.Dir, nil)
	c.Cache.Dir = expandVars(c.Cache.Dir, nil)
	c.State.Dir = expandVars(c.State.Dir, nil)
	c.Mock.Fixture = expandVars(c.Mock.Fixture, nil)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-((?:[^{}]|\$\{[^}]*\})*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. Defaults may contain
// one level of nested ${VAR}. Values in vars take precedence over the
// environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return expandVars(defaultValue, vars)
	})
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Profile != Production && c.Profile != Mock {
		errs = append(errs, fmt.Errorf("invalid profile: %q (want %q or %q)", c.Profile, Production, Mock))
	}

	for name, raw := range map[string]string{
		"remote.api_url":      c.Remote.APIURL,
		"remote.accounts_url": c.Remote.AccountsURL,
	} {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL, got %q", name, raw))
		}
	}

	positive := []struct {
		name  string
		value Duration
	}{
		{"remote.request_timeout", c.Remote.RequestTimeout},
		{"remote.retry.base_delay", c.Remote.Retry.BaseDelay},
		{"remote.retry.max_delay", c.Remote.Retry.MaxDelay},
		{"login.poll_interval", c.Login.PollInterval},
		{"login.min_poll_interval", c.Login.MinPollInterval},
		{"login.max_poll_interval", c.Login.MaxPollInterval},
		{"login.timeout", c.Login.Timeout},
		{"inbox.staleness", c.Inbox.Staleness},
		{"inbox.detail_ttl", c.Inbox.DetailTTL},
		{"inbox.refresh_timeout", c.Inbox.RefreshTimeout},
		{"cache.fetch_timeout", c.Cache.FetchTimeout},
		{"mount.ready_timeout", c.Mount.ReadyTimeout},
	}
	for _, field := range positive {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", field.name))
		}
	}
	if c.Session.RefreshMargin < 0 {
		errs = append(errs, fmt.Errorf("session.refresh_margin must not be negative"))
	}
	if c.Mount.EntryTimeout < 0 || c.Mount.AttrTimeout < 0 {
		errs = append(errs, fmt.Errorf("mount.entry_timeout and mount.attr_timeout must not be negative"))
	}

	if c.Login.MinPollInterval > c.Login.MaxPollInterval {
		errs = append(errs, fmt.Errorf("login.min_poll_interval (%s) exceeds login.max_poll_interval (%s)",
			c.Login.MinPollInterval, c.Login.MaxPollInterval))
	}
	if c.Remote.Retry.BaseDelay > c.Remote.Retry.MaxDelay {
		errs = append(errs, fmt.Errorf("remote.retry.base_delay exceeds remote.retry.max_delay"))
	}
	if c.Remote.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("remote.retry.attempts must be at least 1"))
	}
	if c.Remote.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("remote.rate_limit must be positive"))
	}
	if c.Remote.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("remote.rate_burst must be at least 1"))
	}
	if c.Remote.PageSize < 1 {
		errs = append(errs, fmt.Errorf("remote.page_size must be at least 1"))
	}

	if _, err := compression.ParseTag(c.Inbox.SnapshotCompression); err != nil {
		errs = append(errs, fmt.Errorf("inbox.snapshot_compression: %w", err))
	}

	for name, dir := range map[string]string{
		"session.dir": c.Session.Dir,
		"cache.dir":   c.Cache.Dir,
		"state.dir":   c.State.Dir,
	} {
		if dir == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		} else if !filepath.IsAbs(dir) {
			errs = append(errs, fmt.Errorf("%s must be absolute, got %q", name, dir))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the session, cache, and state directories with
// owner-only permissions.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Session.Dir, c.Cache.Dir, c.State.Dir} {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// SnapshotTag returns the parsed snapshot compression. Call after
// Validate.
func (c *Config) SnapshotTag() compression.Tag {
	tag, err := compression.ParseTag(c.Inbox.SnapshotCompression)
	if err != nil {
		return compression.TagZstd
	}
	return tag
}
