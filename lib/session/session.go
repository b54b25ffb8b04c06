// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"time"
)

var (
	// ErrUnauthenticated means there is no usable session and no way
	// to refresh one. The user must log in.
	ErrUnauthenticated = errors.New("session: not logged in")

	// ErrAlreadyInProgress means another login is running, in this
	// process or another.
	ErrAlreadyInProgress = errors.New("session: login already in progress")

	// ErrCorrupt means the persisted session could not be read.
	ErrCorrupt = errors.New("session: persisted session is corrupt")

	// ErrLoginCancelled means the user aborted the login.
	ErrLoginCancelled = errors.New("session: login cancelled")

	// ErrLoginExpired means the approval was not given in time.
	ErrLoginExpired = errors.New("session: login expired")

	// ErrLoginRejected means the approving device declined or failed.
	ErrLoginRejected = errors.New("session: login rejected")
)

// User is the account identity.
type User struct {
	ID    string `cbor:"id"`
	Name  string `cbor:"name"`
	Email string `cbor:"email"`
}

// Session is the persisted credential material.
type Session struct {
	AccessToken  string `cbor:"access_token"`
	RefreshToken string `cbor:"refresh_token,omitempty"`
	IDToken      string `cbor:"id_token"`

	// ClientID is the OAuth client the tokens were issued to; refresh
	// grants must name it.
	ClientID string `cbor:"client_id"`

	ExpiresAt time.Time `cbor:"expires_at"`
	User      User      `cbor:"user"`
}

// ExpiresWithin reports whether the access token expires before
// now+margin.
func (session *Session) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(session.ExpiresAt)
}

// Expired reports whether the access token is past its expiry.
func (session *Session) Expired(now time.Time) bool {
	return !now.Before(session.ExpiresAt)
}

func (session *Session) clone() *Session {
	copied := *session
	return &copied
}
