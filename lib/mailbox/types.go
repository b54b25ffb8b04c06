// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"time"
)

// Item status values reported by the service.
const (
	StatusRead   = "read"
	StatusUnread = "unread"
)

// Item is one entry of the inbox listing.
type Item struct {
	// Key is the opaque, stable item identity.
	Key string `json:"key"`

	// Sender is the sender's key; SenderName is its display name.
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name"`

	CreatedAt time.Time `json:"created_at"`
	Subject   string    `json:"subject"`

	// Status is "read" or "unread".
	Status string `json:"status"`

	Labels map[string]bool `json:"labels,omitempty"`

	// Type is the service's content type, such as "letter" or
	// "invoice".
	Type string `json:"type,omitempty"`
}

// Read reports whether the item has been read.
func (item Item) Read() bool { return item.Status == StatusRead }

// Page is one page of the inbox listing.
type Page struct {
	Items []Item

	// NextCursor is empty on the last page.
	NextCursor string
}

// ItemDetail is an item with its full part list.
type ItemDetail struct {
	// Key is filled in from the request; the service does not echo it.
	Key string `json:"key"`

	Subject    string    `json:"subject"`
	SenderName string    `json:"sender_name"`
	CreatedAt  time.Time `json:"created_at"`
	Status     string    `json:"status"`
	Parts      []Part    `json:"parts"`
}

// Part is one attachment descriptor. Its position in
// ItemDetail.Parts is its index.
type Part struct {
	// Name is the original file name, if the service provides one.
	Name string `json:"name,omitempty"`

	ContentType string `json:"content_type"`

	// Size is the byte length if the service advertises it.
	Size *int64 `json:"size,omitempty"`

	// Key identifies the downloadable file. Parts without a key carry
	// their content inline in Body.
	Key  string  `json:"key,omitempty"`
	Body *string `json:"body,omitempty"`
}

// KnownSize returns the advertised size, or the inline body length.
func (part Part) KnownSize() (int64, bool) {
	if part.Key == "" && part.Body != nil {
		return int64(len(*part.Body)), true
	}
	if part.Size != nil && *part.Size >= 0 {
		return *part.Size, true
	}
	return 0, false
}

// ByteRange selects part of an attachment. The zero value selects all
// of it. A non-positive Length reads to the end.
type ByteRange struct {
	Offset int64
	Length int64
}

// IsFull reports whether the range covers the whole attachment.
func (byteRange ByteRange) IsFull() bool {
	return byteRange.Offset <= 0 && byteRange.Length <= 0
}

// Credentials are what an authenticated request needs from the
// session.
type Credentials struct {
	AccessToken string
	UserID      string
}

// OAuthConfig is the service's published client configuration.
type OAuthConfig struct {
	ClientID    string `json:"oauth_default_client_id"`
	RedirectURI string `json:"oauth_default_redirect_uri"`
}

// AuthorizeRequest starts a device-approval login.
type AuthorizeRequest struct {
	ResponseType        string `json:"response_type"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Scope               string `json:"scope"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
}

// Challenge is the service's answer to an authorize request.
type Challenge struct {
	AutoStartToken string `json:"auto_start_token"`

	// QRCode is the payload to render for the approving device. It
	// rotates; later values arrive in PollStatus.QRCode.
	QRCode string `json:"qr_code"`

	// Code is exchanged for tokens once the login completes.
	Code string `json:"code"`

	NextPollURL string `json:"next_poll_url"`
}

// Poll status values.
const (
	PollPending  = "pending"
	PollComplete = "complete"
	PollFailed   = "failed"
	PollExpired  = "expired"
)

// PollStatus is one answer from the login status endpoint.
type PollStatus struct {
	Status         string `json:"status"`
	ProgressStatus string `json:"progress_status"`
	MessageCode    string `json:"message_code"`
	QRCode         string `json:"qr_code"`
	SSN            string `json:"ssn,omitempty"`

	// RetryAfter is a server-suggested poll delay in seconds.
	RetryAfter  int    `json:"retry_after,omitempty"`
	NextPollURL string `json:"next_poll_url,omitempty"`
}

// Complete reports whether the approving device finished the login.
func (status PollStatus) Complete() bool {
	return status.SSN != "" || status.Status == PollComplete
}

// TokenResponse is the token endpoint's answer.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}
