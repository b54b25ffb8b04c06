// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// defaultAccountsURL serves the published OAuth client configuration.
const defaultAccountsURL = "https://accounts.kivra.com"

// AuthConfig holds configuration for creating an AuthClient.
type AuthConfig struct {
	TransportConfig

	// BaseURL is the API root hosting the OAuth endpoints.
	BaseURL string

	// AccountsURL serves config.json.
	AccountsURL string
}

// AuthClient talks to the login and token endpoints. Requests are not
// bearer-authenticated except revocation.
type AuthClient struct {
	baseURL     string
	accountsURL string
	transport   *transport
}

// NewAuthClient creates an AuthClient. Both URLs must use HTTPS.
func NewAuthClient(config AuthConfig) (*AuthClient, error) {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	accountsURL := strings.TrimRight(config.AccountsURL, "/")
	if accountsURL == "" {
		accountsURL = defaultAccountsURL
	}
	for _, candidate := range []string{baseURL, accountsURL} {
		if !strings.HasPrefix(candidate, "https://") {
			return nil, fmt.Errorf("mailbox: auth client requires HTTPS (got %q)", candidate)
		}
	}
	return &AuthClient{
		baseURL:     baseURL,
		accountsURL: accountsURL,
		transport:   newTransport(config.TransportConfig),
	}, nil
}

func (client *AuthClient) call(ctx context.Context, outgoing request, result any) error {
	response, err := client.transport.send(ctx, outgoing)
	if err != nil {
		return err
	}
	return decodeJSON(response, result)
}

// FetchConfig reads the service's published OAuth client identity.
func (client *AuthClient) FetchConfig(ctx context.Context) (*OAuthConfig, error) {
	var config OAuthConfig
	outgoing := request{method: http.MethodGet, url: client.accountsURL + "/config.json"}
	if err := client.call(ctx, outgoing, &config); err != nil {
		return nil, err
	}
	if config.ClientID == "" {
		return nil, schemaError("config.json has no oauth_default_client_id", nil)
	}
	return &config, nil
}

// Authorize starts a device-approval login.
func (client *AuthClient) Authorize(ctx context.Context, authorize AuthorizeRequest) (*Challenge, error) {
	var challenge Challenge
	outgoing := request{method: http.MethodPost, url: client.baseURL + "/v2/oauth2/authorize", body: authorize}
	if err := client.call(ctx, outgoing, &challenge); err != nil {
		return nil, err
	}
	if challenge.NextPollURL == "" || challenge.Code == "" {
		return nil, schemaError("authorize response lacks code or next_poll_url", nil)
	}
	return &challenge, nil
}

// Poll reads the login status at pollURL, a path relative to the API
// root. A vanished poll resource matches ErrNotFound.
func (client *AuthClient) Poll(ctx context.Context, pollURL string) (*PollStatus, error) {
	var status PollStatus
	outgoing := request{method: http.MethodGet, url: client.baseURL + pollURL}
	if err := client.call(ctx, outgoing, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CancelPoll aborts a pending login.
func (client *AuthClient) CancelPoll(ctx context.Context, pollURL string) error {
	outgoing := request{method: http.MethodDelete, url: client.baseURL + pollURL}
	return client.call(ctx, outgoing, nil)
}

// ExchangeCode trades a completed login's code for tokens.
func (client *AuthClient) ExchangeCode(ctx context.Context, config *OAuthConfig, code, verifier string) (*TokenResponse, error) {
	body := map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     config.ClientID,
		"code":          code,
		"code_verifier": verifier,
		"redirect_uri":  config.RedirectURI,
	}
	return client.token(ctx, body)
}

// RefreshToken trades a refresh token for new tokens.
func (client *AuthClient) RefreshToken(ctx context.Context, clientID, refreshToken string) (*TokenResponse, error) {
	body := map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     clientID,
		"refresh_token": refreshToken,
	}
	return client.token(ctx, body)
}

func (client *AuthClient) token(ctx context.Context, body map[string]string) (*TokenResponse, error) {
	var tokens TokenResponse
	outgoing := request{method: http.MethodPost, url: client.baseURL + "/v2/oauth2/token", body: body}
	if err := client.call(ctx, outgoing, &tokens); err != nil {
		return nil, err
	}
	if tokens.AccessToken == "" {
		return nil, schemaError("token response has no access_token", nil)
	}
	return &tokens, nil
}

// Revoke invalidates an access token.
func (client *AuthClient) Revoke(ctx context.Context, accessToken string) error {
	outgoing := request{
		method: http.MethodPost,
		url:    client.baseURL + "/v2/oauth2/token/revoke",
		body: map[string]string{
			"token":           accessToken,
			"token_type_hint": "access_token",
		},
		bearer: accessToken,
	}
	return client.call(ctx, outgoing, nil)
}
