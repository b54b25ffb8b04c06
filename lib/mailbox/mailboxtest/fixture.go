// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mailboxtest

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"
)

//go:embed fixture.jsonc
var defaultFixture []byte

// Fixture describes the fake mailbox: one account and its items.
type Fixture struct {
	User User `json:"user"`

	// PollsUntilComplete is how many status polls report pending
	// before the login completes. Defaults to 3.
	PollsUntilComplete int `json:"polls_until_complete"`

	// TokenLifetime is the expires_in reported for access tokens, in
	// seconds. Defaults to 3600.
	TokenLifetime int `json:"token_lifetime"`

	Items []Item `json:"items"`
}

// User is the identity carried in issued id_tokens.
type User struct {
	ID    string `json:"kivra_user_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Item is one fake inbox item with its parts.
type Item struct {
	Key        string    `json:"key"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name"`
	CreatedAt  time.Time `json:"created_at"`
	Subject    string    `json:"subject"`
	Status     string    `json:"status"`
	Type       string    `json:"type"`
	Parts      []Part    `json:"parts"`
}

// Part is one fake attachment. Keyed parts are served from Content by
// the raw endpoint; parts without a key are inline and carry Body.
type Part struct {
	Name        string  `json:"name"`
	ContentType string  `json:"content_type"`
	Key         string  `json:"key"`
	Content     string  `json:"content"`
	Body        *string `json:"body"`

	// HideSize omits the size from item details, as the service does
	// for some generated documents.
	HideSize bool `json:"hide_size"`
}

// ParseFixture parses a JSONC fixture. Comments and trailing commas
// are allowed.
func ParseFixture(data []byte) (*Fixture, error) {
	var fixture Fixture
	if err := json.Unmarshal(jsonc.ToJSON(data), &fixture); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	if fixture.User.ID == "" {
		return nil, fmt.Errorf("parsing fixture: user.kivra_user_id is required")
	}
	seen := make(map[string]bool, len(fixture.Items))
	for index, item := range fixture.Items {
		if item.Key == "" {
			return nil, fmt.Errorf("parsing fixture: item %d has no key", index)
		}
		if seen[item.Key] {
			return nil, fmt.Errorf("parsing fixture: duplicate item key %q", item.Key)
		}
		seen[item.Key] = true
	}
	if fixture.PollsUntilComplete <= 0 {
		fixture.PollsUntilComplete = 3
	}
	if fixture.TokenLifetime <= 0 {
		fixture.TokenLifetime = 3600
	}
	return &fixture, nil
}

// ReadFixture reads a JSONC fixture file.
func ReadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	fixture, err := ParseFixture(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fixture, nil
}

// DefaultFixture returns the built-in fixture.
func DefaultFixture() *Fixture {
	fixture, err := ParseFixture(defaultFixture)
	if err != nil {
		panic("mailboxtest: built-in fixture: " + err.Error())
	}
	return fixture
}
