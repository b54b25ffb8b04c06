// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// defaultBaseURL is the production content API.
const defaultBaseURL = "https://app.api.kivra.com"

// TokenSource supplies credentials for authenticated requests. The
// session manager implements it.
type TokenSource interface {
	// Token returns current credentials, refreshing them first if they
	// are about to expire.
	Token(ctx context.Context) (Credentials, error)

	// Refresh is called after the service rejected staleAccessToken.
	// It returns fresh credentials, or the current ones if another
	// caller already refreshed.
	Refresh(ctx context.Context, staleAccessToken string) (Credentials, error)
}

// Config holds configuration for creating a Client.
type Config struct {
	TransportConfig

	// BaseURL is the root URL for API requests. Must use HTTPS.
	BaseURL string

	// Tokens supplies credentials. Required.
	Tokens TokenSource

	// PageSize is the listing page size. Defaults to 100.
	PageSize int
}

// Client is a typed mailbox API client with authentication, pacing,
// retries, and structured errors. It holds no cached data.
type Client struct {
	baseURL   string
	pageSize  int
	tokens    TokenSource
	transport *transport
	logger    *slog.Logger
}

// NewClient creates a Client from the given configuration.
func NewClient(config Config) (*Client, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("mailbox: API client requires HTTPS (got %q)", baseURL)
	}
	if config.Tokens == nil {
		return nil, fmt.Errorf("mailbox: no token source configured")
	}
	pageSize := config.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	transport := newTransport(config.TransportConfig)
	return &Client{
		baseURL:   baseURL,
		pageSize:  pageSize,
		tokens:    config.Tokens,
		transport: transport,
		logger:    transport.logger,
	}, nil
}

// doRaw executes an authenticated request and returns the response
// for the caller to consume and close. pathFor builds the path from
// the account's user id. A 401 refreshes the credentials once and
// replays the request.
func (client *Client) doRaw(ctx context.Context, method string, pathFor func(userID string) string, requestBody any, header http.Header) (*http.Response, error) {
	credentials, err := client.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	outgoing := request{
		method: method,
		url:    client.baseURL + pathFor(credentials.UserID),
		body:   requestBody,
		bearer: credentials.AccessToken,
		header: header,
	}
	response, err := client.transport.send(ctx, outgoing)
	if err == nil {
		return response, nil
	}
	var apiError *APIError
	if !errors.As(err, &apiError) || apiError.StatusCode != http.StatusUnauthorized {
		return nil, err
	}

	client.logger.Info("access token rejected, refreshing", "path", apiError.Path)
	refreshed, refreshErr := client.tokens.Refresh(ctx, credentials.AccessToken)
	if refreshErr != nil {
		return nil, refreshErr
	}
	outgoing.url = client.baseURL + pathFor(refreshed.UserID)
	outgoing.bearer = refreshed.AccessToken
	return client.transport.send(ctx, outgoing)
}

// do executes an authenticated request and decodes the JSON response
// into result, which may be nil.
func (client *Client) do(ctx context.Context, method string, pathFor func(userID string) string, requestBody, result any) error {
	response, err := client.doRaw(ctx, method, pathFor, requestBody, nil)
	if err != nil {
		return err
	}
	return decodeJSON(response, result)
}

func userPath(version, userID string, segments ...string) string {
	var builder strings.Builder
	builder.WriteString("/")
	builder.WriteString(version)
	builder.WriteString("/user/")
	builder.WriteString(url.PathEscape(userID))
	builder.WriteString("/content")
	for _, segment := range segments {
		builder.WriteString("/")
		builder.WriteString(segment)
	}
	return builder.String()
}

// ListItems fetches one page of the inbox listing. An empty cursor
// starts from the beginning. The service may answer with a bare JSON
// array (the whole listing) or an {items, next_cursor} page.
func (client *Client) ListItems(ctx context.Context, cursor string) (Page, error) {
	query := url.Values{}
	query.Set("listing", "all")
	query.Set("limit", strconv.Itoa(client.pageSize))
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	pathFor := func(userID string) string {
		return userPath("v3", userID) + "?" + query.Encode()
	}

	var raw json.RawMessage
	if err := client.do(ctx, http.MethodGet, pathFor, nil, &raw); err != nil {
		return Page{}, err
	}
	return decodePage(raw)
}

func decodePage(raw json.RawMessage) (Page, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Page{}, schemaError("listing: empty body", nil)
	}

	var page Page
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &page.Items); err != nil {
			return Page{}, schemaError("listing", err)
		}
	case '{':
		var wire struct {
			Items      *[]Item `json:"items"`
			NextCursor string  `json:"next_cursor"`
		}
		if err := json.Unmarshal(trimmed, &wire); err != nil {
			return Page{}, schemaError("listing", err)
		}
		if wire.Items == nil {
			return Page{}, schemaError("listing: object without items", nil)
		}
		page.Items = *wire.Items
		page.NextCursor = wire.NextCursor
	default:
		return Page{}, schemaError("listing: neither array nor object", nil)
	}

	for index, item := range page.Items {
		if item.Key == "" {
			return Page{}, schemaError(fmt.Sprintf("listing: item %d has no key", index), nil)
		}
		if item.CreatedAt.IsZero() {
			return Page{}, schemaError(fmt.Sprintf("listing: item %s has no created_at", item.Key), nil)
		}
	}
	return page, nil
}

// Items returns an iterator over the whole listing.
func (client *Client) Items() *PageIterator {
	return NewPageIterator(client)
}

// GetItemDetail fetches an item with its attachment descriptors.
// Returns an error matching ErrNotFound if the item no longer exists.
func (client *Client) GetItemDetail(ctx context.Context, key string) (*ItemDetail, error) {
	pathFor := func(userID string) string {
		return userPath("v3", userID, url.PathEscape(key))
	}
	var detail ItemDetail
	if err := client.do(ctx, http.MethodGet, pathFor, nil, &detail); err != nil {
		return nil, err
	}
	detail.Key = key
	for index, part := range detail.Parts {
		if part.Key == "" && part.Body == nil {
			return nil, schemaError(fmt.Sprintf("item %s part %d has neither key nor body", key, index), nil)
		}
	}
	return &detail, nil
}

// Attachment is a downloaded attachment stream. The caller must close
// Body.
type Attachment struct {
	Body io.ReadCloser

	// Size is the byte length of Body if known, else -1.
	Size int64

	ContentType string
}

// FetchAttachment downloads part index of the item, restricted to
// byteRange. The part list comes from a fresh detail request so that
// rotated part keys are picked up. Inline parts are served from the
// detail body without a second request.
func (client *Client) FetchAttachment(ctx context.Context, itemKey string, index int, byteRange ByteRange) (*Attachment, error) {
	detail, err := client.GetItemDetail(ctx, itemKey)
	if err != nil {
		return nil, err
	}
	return client.FetchPart(ctx, detail, index, byteRange)
}

// FetchPart downloads part index of an already fetched detail.
func (client *Client) FetchPart(ctx context.Context, detail *ItemDetail, index int, byteRange ByteRange) (*Attachment, error) {
	if index < 0 || index >= len(detail.Parts) {
		return nil, &APIError{
			StatusCode: http.StatusNotFound,
			Method:     http.MethodGet,
			Path:       fmt.Sprintf("item %s part %d", detail.Key, index),
			Message:    "attachment index out of range",
		}
	}
	part := detail.Parts[index]

	if part.Key == "" {
		body := []byte(*part.Body)
		body = sliceRange(body, byteRange)
		return &Attachment{
			Body:        io.NopCloser(bytes.NewReader(body)),
			Size:        int64(len(body)),
			ContentType: part.ContentType,
		}, nil
	}

	var header http.Header
	if !byteRange.IsFull() {
		header = http.Header{}
		header.Set("Range", rangeHeader(byteRange))
	}
	pathFor := func(userID string) string {
		return userPath("v1", userID, url.PathEscape(detail.Key), "file", url.PathEscape(part.Key), "raw")
	}
	response, err := client.doRaw(ctx, http.MethodGet, pathFor, nil, header)
	if err != nil {
		return nil, err
	}

	contentType := response.Header.Get("Content-Type")
	if contentType == "" {
		contentType = part.ContentType
	}
	return &Attachment{
		Body:        response.Body,
		Size:        response.ContentLength,
		ContentType: contentType,
	}, nil
}

func sliceRange(body []byte, byteRange ByteRange) []byte {
	if byteRange.Offset >= int64(len(body)) {
		return nil
	}
	body = body[max(byteRange.Offset, 0):]
	if byteRange.Length > 0 && byteRange.Length < int64(len(body)) {
		body = body[:byteRange.Length]
	}
	return body
}

func rangeHeader(byteRange ByteRange) string {
	if byteRange.Length <= 0 {
		return fmt.Sprintf("bytes=%d-", byteRange.Offset)
	}
	return fmt.Sprintf("bytes=%d-%d", byteRange.Offset, byteRange.Offset+byteRange.Length-1)
}

// MarkRead marks an item read on the service.
func (client *Client) MarkRead(ctx context.Context, key string) error {
	pathFor := func(userID string) string {
		return userPath("v3", userID, url.PathEscape(key), "status")
	}
	return client.do(ctx, http.MethodPost, pathFor, map[string]string{"status": StatusRead}, nil)
}
