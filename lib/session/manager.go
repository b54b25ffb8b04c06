// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/inboxfs/lib/clock"
	"github.com/bureau-foundation/inboxfs/lib/mailbox"
)

// Config holds configuration for creating a Manager.
type Config struct {
	// Dir is the session directory. Required.
	Dir string

	// Auth talks to the login and token endpoints. Required.
	Auth *mailbox.AuthClient

	// RefreshMargin refreshes tokens this long before they expire.
	// Defaults to one minute.
	RefreshMargin time.Duration

	// PollInterval is the login status poll period when the service
	// gives no retry_after hint. Hints are clamped to
	// [MinPollInterval, MaxPollInterval]. Defaults: 2s in [1s, 10s].
	PollInterval    time.Duration
	MinPollInterval time.Duration
	MaxPollInterval time.Duration

	// LoginTimeout bounds one login attempt. Defaults to five minutes.
	LoginTimeout time.Duration

	// Clock provides time operations. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Manager is the single owner of the persisted session.
type Manager struct {
	store  *Store
	auth   *mailbox.AuthClient
	config Config
	clock  clock.Clock
	logger *slog.Logger

	// loginActive guards against concurrent logins in this process;
	// the store's flock guards across processes.
	loginActive atomic.Bool

	// mu serializes this process's callers; the store's write lock
	// serializes processes.
	mu sync.Mutex
}

// NewManager creates a Manager. The session is not read until first
// use.
func NewManager(config Config) (*Manager, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("session: Dir is required")
	}
	if config.Auth == nil {
		return nil, fmt.Errorf("session: Auth is required")
	}
	if config.RefreshMargin <= 0 {
		config.RefreshMargin = time.Minute
	}
	if config.MinPollInterval <= 0 {
		config.MinPollInterval = time.Second
	}
	if config.MaxPollInterval <= 0 {
		config.MaxPollInterval = 10 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	config.PollInterval = min(max(config.PollInterval, config.MinPollInterval), config.MaxPollInterval)
	if config.LoginTimeout <= 0 {
		config.LoginTimeout = 5 * time.Minute
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  NewStore(config.Dir),
		auth:   config.Auth,
		config: config,
		clock:  clk,
		logger: logger,
	}, nil
}

// Stored returns the persisted session without refreshing it. It
// returns ErrUnauthenticated if there is none.
func (manager *Manager) Stored() (*Session, error) {
	return manager.load()
}

// Current returns a usable session, refreshing it first if it expires
// within the refresh margin. It fails with ErrUnauthenticated when
// there is no session and no refresh path.
func (manager *Manager) Current(ctx context.Context) (*Session, error) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	session, err := manager.load()
	if err != nil {
		return nil, err
	}
	if session.ExpiresWithin(manager.clock.Now(), manager.config.RefreshMargin) {
		return manager.refreshLocked(ctx, "")
	}
	return session, nil
}

// Token implements mailbox.TokenSource.
func (manager *Manager) Token(ctx context.Context) (mailbox.Credentials, error) {
	session, err := manager.Current(ctx)
	if err != nil {
		return mailbox.Credentials{}, err
	}
	return credentialsOf(session), nil
}

// Refresh implements mailbox.TokenSource. It forces a refresh unless
// the persisted token already differs from staleAccessToken, which
// means another caller refreshed first.
func (manager *Manager) Refresh(ctx context.Context, staleAccessToken string) (mailbox.Credentials, error) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	session, err := manager.load()
	if err != nil {
		return mailbox.Credentials{}, err
	}
	if session.AccessToken == staleAccessToken {
		if session, err = manager.refreshLocked(ctx, staleAccessToken); err != nil {
			return mailbox.Credentials{}, err
		}
	}
	return credentialsOf(session), nil
}

func credentialsOf(session *Session) mailbox.Credentials {
	return mailbox.Credentials{AccessToken: session.AccessToken, UserID: session.User.ID}
}

// Logout revokes the access token (best effort) and deletes the
// persisted session. Logging out with no session succeeds.
func (manager *Manager) Logout(ctx context.Context) error {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	unlock, err := manager.store.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	session, err := manager.store.Load()
	if err != nil {
		manager.logger.Warn("discarding unreadable session", "error", err)
	}
	if session != nil && !session.Expired(manager.clock.Now()) {
		revokeContext, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := manager.auth.Revoke(revokeContext, session.AccessToken); err != nil {
			manager.logger.Warn("revoking access token failed", "error", err)
		}
		cancel()
	}
	return manager.store.Delete()
}

// load reads the persisted session. A missing or unreadable file is
// ErrUnauthenticated.
func (manager *Manager) load() (*Session, error) {
	session, err := manager.store.Load()
	switch {
	case errors.Is(err, ErrCorrupt):
		manager.logger.Warn("persisted session is unreadable, login required", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	case err != nil:
		return nil, err
	case session == nil:
		return nil, ErrUnauthenticated
	}
	return session, nil
}

// refreshLocked obtains new tokens under the store's write lock. The
// session is reread under the lock: if another process logged out, the
// result is ErrUnauthenticated; if it refreshed or logged in again,
// its tokens are adopted. stale, when set, is an access token the
// service rejected.
func (manager *Manager) refreshLocked(ctx context.Context, stale string) (*Session, error) {
	unlock, err := manager.store.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := manager.load()
	if err != nil {
		return nil, err
	}
	now := manager.clock.Now()
	if current.AccessToken != stale && !current.ExpiresWithin(now, manager.config.RefreshMargin) {
		manager.logger.Debug("adopting session refreshed by another process")
		return current, nil
	}

	if current.RefreshToken == "" {
		if stale == "" && !current.Expired(now) {
			return current, nil
		}
		return nil, fmt.Errorf("%w: session expired and has no refresh token", ErrUnauthenticated)
	}

	tokens, err := manager.auth.RefreshToken(ctx, current.ClientID, current.RefreshToken)
	if err != nil {
		var apiError *mailbox.APIError
		if errors.As(err, &apiError) && apiError.StatusCode >= 400 && apiError.StatusCode < 500 {
			manager.logger.Info("refresh token rejected, login required", "status", apiError.StatusCode)
			return nil, fmt.Errorf("%w: refresh rejected: %w", ErrUnauthenticated, err)
		}
		if stale == "" && !current.Expired(now) {
			manager.logger.Warn("token refresh failed, using current token until expiry", "error", err)
			return current, nil
		}
		return nil, fmt.Errorf("refreshing session: %w", err)
	}

	refreshed := current.clone()
	refreshed.AccessToken = tokens.AccessToken
	refreshed.ExpiresAt = manager.clock.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	if tokens.RefreshToken != "" {
		refreshed.RefreshToken = tokens.RefreshToken
	}
	if tokens.IDToken != "" {
		if claims, err := mailbox.ParseIDToken(tokens.IDToken); err == nil {
			refreshed.IDToken = tokens.IDToken
			refreshed.User = User{ID: claims.UserID, Name: claims.Name, Email: claims.Email}
		}
	}
	if err := manager.store.Save(refreshed); err != nil {
		return nil, fmt.Errorf("saving refreshed session: %w", err)
	}
	manager.logger.Info("session refreshed", "expires_at", refreshed.ExpiresAt)
	return refreshed.clone(), nil
}
