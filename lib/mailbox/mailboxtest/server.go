// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mailboxtest runs a fake mailbox service over TLS for tests
// and for the mock profile.
//
// The fake serves both the accounts host and the API from one
// httptest server, so AccountsURL and APIURL are the same URL. Login
// completes after a configurable number of polls. Issued tokens are
// deterministic: the first access token is always
// "mock-access-token" and the refresh token is "mock-refresh-token",
// so a session created by one process stays valid against a fresh
// fake in another.
//
// Tests steer the fake with FailNext, ExpireTokens, HoldDownloads, and
// the item mutators, and inspect it with Requests, Downloads, and
// MarkedRead.
package mailboxtest

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Deterministic credentials issued by the fake.
const (
	AccessToken  = "mock-access-token"
	RefreshToken = "mock-refresh-token"
	AuthCode     = "mock-auth-code"
	ClientID     = "mock-client"
	RedirectURI  = "https://inbox.example/auth/callback"
)

// Route names one endpoint for failure injection and request counts.
type Route string

const (
	RouteConfig    Route = "config"
	RouteAuthorize Route = "authorize"
	RoutePoll      Route = "poll"
	RouteCancel    Route = "cancel"
	RouteToken     Route = "token"
	RouteRevoke    Route = "revoke"
	RouteList      Route = "list"
	RouteDetail    Route = "detail"
	RouteRaw       Route = "raw"
	RouteStatus    Route = "status"
)

// Server is a running fake mailbox service.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	fixture     *Fixture
	items       []Item
	read        map[string]bool
	validTokens map[string]bool
	issued      int
	polls       int
	pollOutcome string
	cancelled   bool
	challenge   string
	revoked     []string
	pageSize    int
	arrayList   bool
	failures    map[Route][]int
	requests    map[Route]int
	downloads   map[string]int
	hold        chan struct{}
	holding     chan struct{}
}

// NewServer starts a fake seeded from fixture, or from the built-in
// fixture when nil. The server is closed by Close.
func NewServer(fixture *Fixture) *Server {
	if fixture == nil {
		fixture = DefaultFixture()
	}
	server := &Server{
		fixture:     fixture,
		items:       slices.Clone(fixture.Items),
		read:        make(map[string]bool),
		validTokens: map[string]bool{AccessToken: true},
		failures:    make(map[Route][]int),
		requests:    make(map[Route]int),
		downloads:   make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /config.json", server.route(RouteConfig, server.handleConfig))
	mux.HandleFunc("POST /v2/oauth2/authorize", server.route(RouteAuthorize, server.handleAuthorize))
	mux.HandleFunc("GET /v2/oauth2/authorize/poll/{id}", server.route(RoutePoll, server.handlePoll))
	mux.HandleFunc("DELETE /v2/oauth2/authorize/poll/{id}", server.route(RouteCancel, server.handleCancel))
	mux.HandleFunc("POST /v2/oauth2/token", server.route(RouteToken, server.handleToken))
	mux.HandleFunc("POST /v2/oauth2/token/revoke", server.route(RouteRevoke, server.handleRevoke))
	mux.HandleFunc("GET /v3/user/{user}/content", server.authenticated(RouteList, server.handleList))
	mux.HandleFunc("GET /v3/user/{user}/content/{key}", server.authenticated(RouteDetail, server.handleDetail))
	mux.HandleFunc("POST /v3/user/{user}/content/{key}/status", server.authenticated(RouteStatus, server.handleStatus))
	mux.HandleFunc("GET /v1/user/{user}/content/{key}/file/{part}/raw", server.authenticated(RouteRaw, server.handleRaw))

	server.Server = httptest.NewTLSServer(mux)
	return server
}

// UserID returns the fixture account's user id.
func (server *Server) UserID() string { return server.fixture.User.ID }

// IDToken returns an unsigned JWT carrying the fixture identity.
func (server *Server) IDToken() string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims, _ := json.Marshal(server.fixture.User)
	return header + "." + base64.RawURLEncoding.EncodeToString(claims) + ".mock-signature"
}

// FailNext makes the next len(statuses) requests to route fail with
// the given statuses, in order.
func (server *Server) FailNext(route Route, statuses ...int) {
	server.mu.Lock()
	defer server.mu.Unlock()
	server.failures[route] = append(server.failures[route], statuses...)
}

// Requests returns how many requests reached route, including
// injected failures.
func (server *Server) Requests(route Route) int {
	server.mu.Lock()
	defer server.mu.Unlock()
	return server.requests[route]
}

// Downloads returns how many successful raw downloads served part.
func (server *Server) Downloads(partKey string) int {
	server.mu.Lock()
	defer server.mu.Unlock()
	return server.downloads[partKey]
}

// ExpireTokens invalidates every issued access token. The refresh
// token stays valid.
func (server *Server) ExpireTokens() {
	server.mu.Lock()
	defer server.mu.Unlock()
	clear(server.validTokens)
}

// SetPollOutcome makes the next polls report status ("failed" or
// "expired") instead of progressing.
func (server *Server) SetPollOutcome(status string) {
	server.mu.Lock()
	defer server.mu.Unlock()
	server.pollOutcome = status
}

// PollCancelled reports whether a client aborted a pending login.
func (server *Server) PollCancelled() bool {
	server.mu.Lock()
	defer server.mu.Unlock()
	return server.cancelled
}

// Revoked returns the access tokens clients revoked.
func (server *Server) Revoked() []string {
	server.mu.Lock()
	defer server.mu.Unlock()
	return slices.Clone(server.revoked)
}

// SetPageSize caps listing pages below the client's limit. Zero means
// the client's limit applies.
func (server *Server) SetPageSize(size int) {
	server.mu.Lock()
	defer server.mu.Unlock()
	server.pageSize = size
}

// SetArrayListing switches the listing to the bare-array form.
func (server *Server) SetArrayListing(enabled bool) {
	server.mu.Lock()
	defer server.mu.Unlock()
	server.arrayList = enabled
}

// AddItem appends an item to the mailbox.
func (server *Server) AddItem(item Item) {
	server.mu.Lock()
	defer server.mu.Unlock()
	server.items = append(server.items, item)
}

// RemoveItem deletes an item from the mailbox.
func (server *Server) RemoveItem(key string) {
	server.mu.Lock()
	defer server.mu.Unlock()
	server.items = slices.DeleteFunc(server.items, func(item Item) bool { return item.Key == key })
}

// MarkedRead reports whether a client marked key read.
func (server *Server) MarkedRead(key string) bool {
	server.mu.Lock()
	defer server.mu.Unlock()
	return server.read[key]
}

// HoldDownloads makes raw downloads block until release is called.
// The returned started channel receives once per download that
// reaches the hold.
func (server *Server) HoldDownloads() (started <-chan struct{}, release func()) {
	server.mu.Lock()
	defer server.mu.Unlock()
	hold := make(chan struct{})
	holding := make(chan struct{}, 64)
	server.hold = hold
	server.holding = holding
	var once sync.Once
	return holding, func() {
		once.Do(func() {
			server.mu.Lock()
			server.hold = nil
			server.mu.Unlock()
			close(hold)
		})
	}
}

// route counts the request and applies injected failures.
func (server *Server) route(name Route, handler http.HandlerFunc) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		server.mu.Lock()
		server.requests[name]++
		var status int
		if queue := server.failures[name]; len(queue) > 0 {
			status = queue[0]
			server.failures[name] = queue[1:]
		}
		server.mu.Unlock()

		if status != 0 {
			writeError(writer, status, "injected failure")
			return
		}
		handler(writer, request)
	}
}

// authenticated additionally checks the bearer token and user id.
func (server *Server) authenticated(name Route, handler http.HandlerFunc) http.HandlerFunc {
	return server.route(name, func(writer http.ResponseWriter, request *http.Request) {
		token, found := strings.CutPrefix(request.Header.Get("Authorization"), "Bearer ")
		server.mu.Lock()
		valid := found && server.validTokens[token]
		server.mu.Unlock()
		if !valid {
			writeError(writer, http.StatusUnauthorized, "invalid access token")
			return
		}
		if request.PathValue("user") != server.fixture.User.ID {
			writeError(writer, http.StatusForbidden, "wrong user")
			return
		}
		handler(writer, request)
	})
}

func (server *Server) handleConfig(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, map[string]string{
		"oauth_default_client_id":    ClientID,
		"oauth_default_redirect_uri": RedirectURI,
		"oauth_response_type":        "bankid_all",
	})
}

func (server *Server) handleAuthorize(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		CodeChallenge       string `json:"code_challenge"`
		CodeChallengeMethod string `json:"code_challenge_method"`
		ClientID            string `json:"client_id"`
	}
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil || body.CodeChallengeMethod != "S256" || body.ClientID != ClientID {
		writeError(writer, http.StatusBadRequest, "bad authorize request")
		return
	}

	server.mu.Lock()
	server.polls = 0
	server.cancelled = false
	server.challenge = body.CodeChallenge
	server.mu.Unlock()

	writeJSON(writer, map[string]any{
		"auto_start_token": "mock-autostart",
		"qr_code":          "bankid.mock.0",
		"qr_data":          []string{"bankid.mock.0"},
		"code":             AuthCode,
		"next_poll_url":    "/v2/oauth2/authorize/poll/1",
	})
}

func (server *Server) handlePoll(writer http.ResponseWriter, request *http.Request) {
	server.mu.Lock()
	server.polls++
	polls := server.polls
	outcome := server.pollOutcome
	cancelled := server.cancelled
	server.mu.Unlock()

	if cancelled {
		writeError(writer, http.StatusGone, "login aborted")
		return
	}

	status := map[string]any{
		"status":          "pending",
		"progress_status": "outstanding_transaction",
		"message_code":    "RFA1",
		"qr_code":         fmt.Sprintf("bankid.mock.%d", polls),
		"next_poll_url":   fmt.Sprintf("/v2/oauth2/authorize/poll/%d", polls+1),
	}
	switch {
	case outcome != "":
		status["status"] = outcome
	case polls > server.fixture.PollsUntilComplete:
		status["status"] = "complete"
		status["progress_status"] = "complete"
		status["ssn"] = "195208152712"
	}
	writeJSON(writer, status)
}

func (server *Server) handleCancel(writer http.ResponseWriter, request *http.Request) {
	server.mu.Lock()
	server.cancelled = true
	server.mu.Unlock()
	writer.WriteHeader(http.StatusNoContent)
}

func (server *Server) handleToken(writer http.ResponseWriter, request *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, "bad token request")
		return
	}

	server.mu.Lock()
	defer server.mu.Unlock()

	switch body["grant_type"] {
	case "authorization_code":
		digest := sha256.Sum256([]byte(body["code_verifier"]))
		if body["code"] != AuthCode || base64.RawURLEncoding.EncodeToString(digest[:]) != server.challenge {
			writeError(writer, http.StatusBadRequest, "invalid_grant")
			return
		}
	case "refresh_token":
		if body["refresh_token"] != RefreshToken {
			writeError(writer, http.StatusBadRequest, "invalid_grant")
			return
		}
	default:
		writeError(writer, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	access := AccessToken
	if body["grant_type"] == "refresh_token" {
		server.issued++
		access = AccessToken + "-" + strconv.Itoa(server.issued)
	}
	server.validTokens[access] = true

	writeJSON(writer, map[string]any{
		"access_token":  access,
		"expires_in":    server.fixture.TokenLifetime,
		"id_token":      server.IDToken(),
		"refresh_token": RefreshToken,
		"scope":         "openid profile",
		"token_type":    "Bearer",
	})
}

func (server *Server) handleRevoke(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	_ = json.NewDecoder(request.Body).Decode(&body)
	server.mu.Lock()
	server.revoked = append(server.revoked, body.Token)
	delete(server.validTokens, body.Token)
	server.mu.Unlock()
	writer.WriteHeader(http.StatusNoContent)
}

type wireItem struct {
	Key        string          `json:"key"`
	Sender     string          `json:"sender"`
	SenderName string          `json:"sender_name"`
	CreatedAt  time.Time       `json:"created_at"`
	Subject    string          `json:"subject"`
	Status     string          `json:"status"`
	Type       string          `json:"type"`
	Labels     map[string]bool `json:"labels"`
	IndexedAt  time.Time       `json:"indexed_at"`
}

func (server *Server) statusLocked(item Item) string {
	if server.read[item.Key] {
		return "read"
	}
	if item.Status == "" {
		return "unread"
	}
	return item.Status
}

func (server *Server) handleList(writer http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	start, _ := strconv.Atoi(query.Get("cursor"))

	server.mu.Lock()
	wire := make([]wireItem, 0, len(server.items))
	for _, item := range server.items {
		wire = append(wire, wireItem{
			Key:        item.Key,
			Sender:     item.Sender,
			SenderName: item.SenderName,
			CreatedAt:  item.CreatedAt,
			Subject:    item.Subject,
			Status:     server.statusLocked(item),
			Type:       item.Type,
			Labels:     map[string]bool{"viewed": server.statusLocked(item) == "read"},
			IndexedAt:  item.CreatedAt,
		})
	}
	if server.pageSize > 0 && (limit <= 0 || server.pageSize < limit) {
		limit = server.pageSize
	}
	arrayList := server.arrayList
	server.mu.Unlock()

	if arrayList {
		writeJSON(writer, wire)
		return
	}

	if start > len(wire) {
		start = len(wire)
	}
	end := len(wire)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	page := map[string]any{"items": wire[start:end]}
	if end < len(wire) {
		page["next_cursor"] = strconv.Itoa(end)
	}
	writeJSON(writer, page)
}

func (server *Server) findItem(key string) (Item, bool) {
	server.mu.Lock()
	defer server.mu.Unlock()
	index := slices.IndexFunc(server.items, func(item Item) bool { return item.Key == key })
	if index < 0 {
		return Item{}, false
	}
	return server.items[index], true
}

func (server *Server) handleDetail(writer http.ResponseWriter, request *http.Request) {
	item, found := server.findItem(request.PathValue("key"))
	if !found {
		writeError(writer, http.StatusNotFound, "no such content")
		return
	}

	parts := make([]map[string]any, 0, len(item.Parts))
	for _, part := range item.Parts {
		wire := map[string]any{"content_type": part.ContentType}
		if part.Name != "" {
			wire["name"] = part.Name
		}
		if part.Key != "" {
			wire["key"] = part.Key
			if !part.HideSize {
				wire["size"] = len(part.Content)
			}
		} else if part.Body != nil {
			wire["body"] = *part.Body
		}
		parts = append(parts, wire)
	}

	server.mu.Lock()
	status := server.statusLocked(item)
	server.mu.Unlock()

	writeJSON(writer, map[string]any{
		"subject":     item.Subject,
		"sender_name": item.SenderName,
		"created_at":  item.CreatedAt,
		"status":      status,
		"parts":       parts,
	})
}

func (server *Server) handleStatus(writer http.ResponseWriter, request *http.Request) {
	key := request.PathValue("key")
	if _, found := server.findItem(key); !found {
		writeError(writer, http.StatusNotFound, "no such content")
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil || body.Status != "read" {
		writeError(writer, http.StatusBadRequest, "bad status request")
		return
	}
	server.mu.Lock()
	server.read[key] = true
	server.mu.Unlock()
	writer.WriteHeader(http.StatusNoContent)
}

func (server *Server) handleRaw(writer http.ResponseWriter, request *http.Request) {
	item, found := server.findItem(request.PathValue("key"))
	if !found {
		writeError(writer, http.StatusNotFound, "no such content")
		return
	}
	partKey := request.PathValue("part")
	index := slices.IndexFunc(item.Parts, func(part Part) bool { return part.Key == partKey })
	if index < 0 {
		writeError(writer, http.StatusNotFound, "no such file")
		return
	}
	part := item.Parts[index]

	server.mu.Lock()
	hold, holding := server.hold, server.holding
	server.mu.Unlock()
	if hold != nil {
		select {
		case holding <- struct{}{}:
		default:
		}
		select {
		case <-hold:
		case <-request.Context().Done():
			return
		}
	}

	server.mu.Lock()
	server.downloads[partKey]++
	server.mu.Unlock()

	writer.Header().Set("Content-Type", part.ContentType)
	http.ServeContent(writer, request, "", item.CreatedAt, bytes.NewReader([]byte(part.Content)))
}

func writeJSON(writer http.ResponseWriter, value any) {
	writer.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(writer).Encode(value)
}

func writeError(writer http.ResponseWriter, status int, message string) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(map[string]string{"message": message})
}
