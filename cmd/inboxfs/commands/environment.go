// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/inboxfs/lib/attachstore"
	"github.com/bureau-foundation/inboxfs/lib/config"
	"github.com/bureau-foundation/inboxfs/lib/inbox"
	"github.com/bureau-foundation/inboxfs/lib/mailbox"
	"github.com/bureau-foundation/inboxfs/lib/mailbox/mailboxtest"
	"github.com/bureau-foundation/inboxfs/lib/session"
)

const (
	snapshotFile   = "inbox.snapshot"
	attachmentsDir = "attachments"
)

// GlobalOptions are accepted by every command. It binds its own flags
// so each command's params can embed it.
type GlobalOptions struct {
	ConfigPath string
	Profile    string
	Verbose    bool
}

func (options *GlobalOptions) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&options.ConfigPath, "config", "", "configuration file (default $"+config.EnvironmentVariable+" or "+config.DefaultPath()+")")
	flagSet.StringVar(&options.Profile, "profile", "", "service profile: production or mock (overrides the config file)")
	flagSet.BoolVarP(&options.Verbose, "verbose", "v", false, "log at debug level")
}

// serveFlags repeats the options for the daemon child. The config path
// is made absolute because the child may resolve it from another
// directory.
func (options *GlobalOptions) serveFlags() ([]string, error) {
	var flags []string
	if options.ConfigPath != "" {
		absolute, err := filepath.Abs(options.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("resolving --config: %w", err)
		}
		flags = append(flags, "--config", absolute)
	}
	if options.Profile != "" {
		flags = append(flags, "--profile", options.Profile)
	}
	if options.Verbose {
		flags = append(flags, "--verbose")
	}
	return flags, nil
}

// loadConfig reads, overrides, and validates the configuration and
// creates its directories.
func (options *GlobalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(options.ConfigPath)
	if err != nil {
		return nil, err
	}
	if options.Profile != "" {
		cfg.SetProfile(config.Profile(options.Profile))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// environment is the service graph shared by the commands: config,
// session manager, and mailbox client, all bound to one remote.
type environment struct {
	config   *config.Config
	logger   *slog.Logger
	mock     *mailboxtest.Server
	sessions *session.Manager
	client   *mailbox.Client
}

// open builds the environment. Under the mock profile it starts the
// in-process fake service; Close stops it.
func (options *GlobalOptions) open(logger *slog.Logger) (*environment, error) {
	cfg, err := options.loadConfig()
	if err != nil {
		return nil, err
	}
	env := &environment{config: cfg, logger: logger}

	apiURL, accountsURL := cfg.Remote.APIURL, cfg.Remote.AccountsURL
	var httpClient *http.Client
	if cfg.Profile == config.Mock {
		fixture := mailboxtest.DefaultFixture()
		if cfg.Mock.Fixture != "" {
			if fixture, err = mailboxtest.ReadFixture(cfg.Mock.Fixture); err != nil {
				return nil, err
			}
		}
		env.mock = mailboxtest.NewServer(fixture)
		apiURL, accountsURL = env.mock.URL, env.mock.URL
		httpClient = env.mock.Client()
		logger.Debug("started mock mailbox service", "url", env.mock.URL, "items", len(fixture.Items))
	}

	transport := mailbox.TransportConfig{
		HTTPClient:     httpClient,
		RequestTimeout: cfg.Remote.RequestTimeout.Std(),
		RateLimit:      cfg.Remote.RateLimit,
		RateBurst:      cfg.Remote.RateBurst,
		Retry: mailbox.RetryPolicy{
			Attempts:  cfg.Remote.Retry.Attempts,
			BaseDelay: cfg.Remote.Retry.BaseDelay.Std(),
			MaxDelay:  cfg.Remote.Retry.MaxDelay.Std(),
		},
		Logger: logger,
	}

	auth, err := mailbox.NewAuthClient(mailbox.AuthConfig{
		TransportConfig: transport,
		BaseURL:         apiURL,
		AccountsURL:     accountsURL,
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	env.sessions, err = session.NewManager(session.Config{
		Dir:             cfg.Session.Dir,
		Auth:            auth,
		RefreshMargin:   cfg.Session.RefreshMargin.Std(),
		PollInterval:    cfg.Login.PollInterval.Std(),
		MinPollInterval: cfg.Login.MinPollInterval.Std(),
		MaxPollInterval: cfg.Login.MaxPollInterval.Std(),
		LoginTimeout:    cfg.Login.Timeout.Std(),
		Logger:          logger,
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	env.client, err = mailbox.NewClient(mailbox.Config{
		TransportConfig: transport,
		BaseURL:         apiURL,
		Tokens:          env.sessions,
		PageSize:        cfg.Remote.PageSize,
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// requireSession fails with a hint to log in when there is no usable
// session.
func (env *environment) requireSession() (*session.Session, error) {
	current, err := env.sessions.Stored()
	if errors.Is(err, session.ErrUnauthenticated) || errors.Is(err, session.ErrCorrupt) {
		return nil, fmt.Errorf("not logged in; run 'inboxfs login' first")
	}
	return current, err
}

// openInbox creates the metadata cache and attachment store over the
// environment's client. The caller closes both, store first.
func (env *environment) openInbox() (*inbox.Cache, *attachstore.Store, error) {
	cfg := env.config
	cacheConfig := inbox.Config{
		Remote:              env.client,
		Staleness:           cfg.Inbox.Staleness.Std(),
		DetailTTL:           cfg.Inbox.DetailTTL.Std(),
		RefreshTimeout:      cfg.Inbox.RefreshTimeout.Std(),
		SnapshotCompression: cfg.SnapshotTag(),
		Logger:              env.logger,
	}
	if cfg.Inbox.Snapshot {
		cacheConfig.SnapshotPath = filepath.Join(cfg.Cache.Dir, snapshotFile)
	}
	cache, err := inbox.New(cacheConfig)
	if err != nil {
		return nil, nil, err
	}
	store, err := attachstore.New(attachstore.Config{
		Dir:          filepath.Join(cfg.Cache.Dir, attachmentsDir),
		Details:      cache,
		Parts:        env.client,
		FetchTimeout: cfg.Cache.FetchTimeout.Std(),
		Logger:       env.logger,
	})
	if err != nil {
		cache.Close()
		return nil, nil, err
	}
	return cache, store, nil
}

// Close stops the mock service, if any.
func (env *environment) Close() {
	if env.mock != nil {
		env.mock.Close()
	}
}
