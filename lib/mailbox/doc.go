// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mailbox is a typed HTTP client for the remote digital
// mailbox service.
//
// [Client] covers the authenticated content API: listing items page by
// page, fetching item details, downloading attachment bytes, and
// marking items read. Credentials come from a [TokenSource] (the
// session manager); a 401 response triggers one refresh and replay.
//
// [AuthClient] covers the unauthenticated device-approval endpoints
// used to create a session: client configuration, authorize, status
// polling, code exchange, refresh, and revocation.
//
// Both share one transport that paces requests with a token-bucket
// limiter, bounds each attempt with a timeout, and retries transient
// transport failures, 5xx, and 429 responses with jittered
// exponential backoff. Authentication and not-found responses are
// never retried.
//
// Responses tolerate unknown fields. A response whose shape cannot be
// interpreted at all fails with [ErrSchema].
package mailbox
