// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/inboxfs/lib/mailbox"
)

// Challenge is what the user must act on to approve a login.
type Challenge struct {
	// QRCode is the payload to render as a scannable code. It rotates
	// while the login is pending.
	QRCode string

	// AutoStartToken lets an approving app on the same machine start
	// without scanning.
	AutoStartToken string

	// Hint is the service's progress code, such as
	// "outstanding_transaction" or "user_sign".
	Hint string
}

// Presenter shows login progress to the user. Show is called with the
// first challenge and again whenever it changes.
type Presenter interface {
	Show(challenge Challenge)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(Challenge)

// Show calls the function.
func (function PresenterFunc) Show(challenge Challenge) { function(challenge) }

// Login runs the device-approval flow and persists the resulting
// session. Cancelling ctx aborts the flow on the service and returns
// ErrLoginCancelled. Only one login runs at a time across all
// processes sharing the session directory; others fail with
// ErrAlreadyInProgress.
func (manager *Manager) Login(ctx context.Context, presenter Presenter) (*Session, error) {
	if !manager.loginActive.CompareAndSwap(false, true) {
		return nil, ErrAlreadyInProgress
	}
	defer manager.loginActive.Store(false)

	unlock, err := manager.store.TryLockLogin()
	if err != nil {
		return nil, err
	}
	defer unlock()

	oauth, err := manager.auth.FetchConfig(ctx)
	if err != nil {
		return nil, loginError(ctx, "fetching client configuration", err)
	}
	verifier, err := mailbox.NewVerifier()
	if err != nil {
		return nil, err
	}
	challenge, err := manager.auth.Authorize(ctx, mailbox.NewAuthorizeRequest(oauth, verifier))
	if err != nil {
		return nil, loginError(ctx, "starting login", err)
	}

	manager.logger.Info("login started")
	shown := Challenge{QRCode: challenge.QRCode, AutoStartToken: challenge.AutoStartToken}
	presenter.Show(shown)

	pollURL := challenge.NextPollURL
	if err := manager.awaitApproval(ctx, presenter, shown, &pollURL); err != nil {
		if errors.Is(err, ErrLoginCancelled) || errors.Is(err, ErrLoginExpired) {
			manager.abortRemote(ctx, pollURL)
		}
		return nil, err
	}

	tokens, err := manager.auth.ExchangeCode(ctx, oauth, challenge.Code, verifier)
	if err != nil {
		return nil, loginError(ctx, "exchanging code", err)
	}
	claims, err := mailbox.ParseIDToken(tokens.IDToken)
	if err != nil {
		return nil, fmt.Errorf("reading account identity: %w", err)
	}

	session := &Session{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IDToken:      tokens.IDToken,
		ClientID:     oauth.ClientID,
		ExpiresAt:    manager.clock.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second),
		User:         User{ID: claims.UserID, Name: claims.Name, Email: claims.Email},
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()
	unlockWrite, err := manager.store.Lock()
	if err != nil {
		return nil, err
	}
	defer unlockWrite()
	if err := manager.store.Save(session); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	manager.logger.Info("login complete", "user", session.User.ID)
	return session.clone(), nil
}

// awaitApproval polls until the login completes, fails, expires, or
// ctx is cancelled. pollURL is advanced as the service hands out new
// poll locations.
func (manager *Manager) awaitApproval(ctx context.Context, presenter Presenter, shown Challenge, pollURL *string) error {
	deadline := manager.clock.After(manager.config.LoginTimeout)
	interval := manager.config.PollInterval

	for {
		select {
		case <-ctx.Done():
			return ErrLoginCancelled
		case <-deadline:
			return fmt.Errorf("%w: not approved within %s", ErrLoginExpired, manager.config.LoginTimeout)
		case <-manager.clock.After(interval):
		}

		status, err := manager.auth.Poll(ctx, *pollURL)
		switch {
		case ctx.Err() != nil:
			return ErrLoginCancelled
		case errors.Is(err, mailbox.ErrNotFound):
			return fmt.Errorf("%w: login no longer pending", ErrLoginExpired)
		case err != nil:
			return fmt.Errorf("polling login status: %w", err)
		}

		switch {
		case status.Complete():
			return nil
		case status.Status == mailbox.PollFailed:
			return fmt.Errorf("%w: %s", ErrLoginRejected, status.MessageCode)
		case status.Status == mailbox.PollExpired:
			return fmt.Errorf("%w: service reported expiry", ErrLoginExpired)
		}

		if status.NextPollURL != "" {
			*pollURL = status.NextPollURL
		}
		interval = manager.pollInterval(status.RetryAfter)

		next := shown
		if status.QRCode != "" {
			next.QRCode = status.QRCode
		}
		next.Hint = status.ProgressStatus
		if next != shown {
			shown = next
			presenter.Show(shown)
		}
	}
}

func (manager *Manager) pollInterval(retryAfterSeconds int) time.Duration {
	if retryAfterSeconds <= 0 {
		return manager.config.PollInterval
	}
	hinted := time.Duration(retryAfterSeconds) * time.Second
	return min(max(hinted, manager.config.MinPollInterval), manager.config.MaxPollInterval)
}

// abortRemote tells the service to drop the pending login. It runs
// after ctx may have been cancelled, so it uses its own deadline.
func (manager *Manager) abortRemote(ctx context.Context, pollURL string) {
	abortContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := manager.auth.CancelPoll(abortContext, pollURL); err != nil && !errors.Is(err, mailbox.ErrNotFound) {
		manager.logger.Warn("aborting pending login failed", "error", err)
	}
}

func loginError(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil {
		return ErrLoginCancelled
	}
	return fmt.Errorf("%s: %w", step, err)
}
