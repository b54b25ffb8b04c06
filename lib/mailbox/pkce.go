// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// verifierBytes is the PKCE verifier length before encoding.
const verifierBytes = 48

// NewVerifier returns a random PKCE code verifier.
func NewVerifier() (string, error) {
	buffer := make([]byte, verifierBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("mailbox: generating code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

// ChallengeFor returns the S256 PKCE challenge for verifier.
func ChallengeFor(verifier string) string {
	digest := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// NewAuthorizeRequest builds the authorize body for a device-approval
// login with the given verifier.
func NewAuthorizeRequest(config *OAuthConfig, verifier string) AuthorizeRequest {
	return AuthorizeRequest{
		ResponseType:        "bankid_all",
		CodeChallenge:       ChallengeFor(verifier),
		CodeChallengeMethod: "S256",
		Scope:               "openid profile",
		ClientID:            config.ClientID,
		RedirectURI:         config.RedirectURI,
	}
}

// Claims is the account identity carried in an id_token.
type Claims struct {
	UserID string `json:"kivra_user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// ParseIDToken decodes the claims segment of a JWT without verifying
// its signature. The token came straight from the token endpoint over
// TLS; it is only read for display and for the user id in paths.
func ParseIDToken(idToken string) (Claims, error) {
	sections := strings.Split(idToken, ".")
	if len(sections) < 2 {
		return Claims{}, schemaError("id_token has too few sections", nil)
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(sections[1], "="))
	if err != nil {
		return Claims{}, schemaError("id_token claims", err)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, schemaError("id_token claims", err)
	}
	if claims.UserID == "" {
		return Claims{}, schemaError("id_token has no kivra_user_id", nil)
	}
	return claims, nil
}
