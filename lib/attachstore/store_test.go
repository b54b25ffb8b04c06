// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package attachstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/inboxfs/lib/mailbox"
	"github.com/bureau-foundation/inboxfs/lib/mailbox/mailboxtest"
	"github.com/bureau-foundation/inboxfs/lib/netutil"
	"github.com/bureau-foundation/inboxfs/lib/testutil"
)

const invoiceBody = "%PDF-1.4 fake invoice body"

type staticTokens struct{ credentials mailbox.Credentials }

func (tokens staticTokens) Token(context.Context) (mailbox.Credentials, error) {
	return tokens.credentials, nil
}

func (tokens staticTokens) Refresh(context.Context, string) (mailbox.Credentials, error) {
	return tokens.credentials, nil
}

// clientDetails resolves details straight from the service.
type clientDetails struct{ client *mailbox.Client }

func (details clientDetails) Detail(ctx context.Context, id string) (*mailbox.ItemDetail, error) {
	return details.client.GetItemDetail(ctx, id)
}

type harness struct {
	server *mailboxtest.Server
	client *mailbox.Client
	store  *Store
	dir    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	server := mailboxtest.NewServer(nil)
	t.Cleanup(server.Close)

	client, err := mailbox.NewClient(mailbox.Config{
		TransportConfig: mailbox.TransportConfig{
			HTTPClient: server.Client(),
			Retry:      mailbox.RetryPolicy{Attempts: 1},
		},
		BaseURL: server.URL,
		Tokens:  staticTokens{mailbox.Credentials{AccessToken: mailboxtest.AccessToken, UserID: server.UserID()}},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	h := &harness{server: server, client: client, dir: filepath.Join(t.TempDir(), "attachments")}
	h.store = h.open(t)
	return h
}

func (h *harness) open(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{
		Dir:          h.dir,
		Details:      clientDetails{h.client},
		Parts:        h.client,
		FetchTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func (h *harness) entries(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := make([]string, len(entries))
	for index, entry := range entries {
		names[index] = entry.Name()
	}
	return names
}

func TestFetchDownloadsOnceAndReuses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, ok := h.store.Cached("0007", 0); ok {
		t.Fatal("attachment resident before the first fetch")
	}
	path, err := h.store.Fetch(ctx, "0007", 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != invoiceBody {
		t.Errorf("content = %q, want %q", data, invoiceBody)
	}

	detail, err := h.client.GetItemDetail(ctx, "0007")
	if err != nil {
		t.Fatalf("GetItemDetail: %v", err)
	}
	advertised, known := detail.Parts[0].KnownSize()
	if !known || advertised != int64(len(data)) {
		t.Errorf("advertised size %d (known %v), downloaded %d", advertised, known, len(data))
	}

	again, err := h.store.Fetch(ctx, "0007", 0)
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if again != path {
		t.Errorf("second Fetch path = %q, want %q", again, path)
	}
	if downloads := h.server.Downloads("p-0007-0"); downloads != 1 {
		t.Errorf("downloads = %d, want 1", downloads)
	}
	if size, ok := h.store.Cached("0007", 0); !ok || size != int64(len(invoiceBody)) {
		t.Errorf("Cached = %d, %v; want %d, true", size, ok, len(invoiceBody))
	}
}

func TestConcurrentFetchesShareOneDownload(t *testing.T) {
	h := newHarness(t)
	started, release := h.server.HoldDownloads()
	defer release()

	const callers = 8
	var wait sync.WaitGroup
	paths := make([]string, callers)
	errs := make([]error, callers)
	for index := range callers {
		wait.Add(1)
		go func() {
			defer wait.Done()
			paths[index], errs[index] = h.store.Fetch(context.Background(), "0007", 0)
		}()
	}

	testutil.RequireReceive(t, started, 5*time.Second, "download reached the server")
	release()
	wait.Wait()

	for index := range callers {
		if errs[index] != nil {
			t.Fatalf("caller %d: %v", index, errs[index])
		}
		if paths[index] != paths[0] {
			t.Errorf("caller %d got %q, caller 0 got %q", index, paths[index], paths[0])
		}
	}
	if downloads := h.server.Downloads("p-0007-0"); downloads != 1 {
		t.Errorf("downloads = %d, want exactly 1", downloads)
	}
}

func TestFailedFetchLeavesNothingBehind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.FailNext(mailboxtest.RouteRaw, 503)

	_, err := h.store.Fetch(ctx, "0007", 0)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("Fetch = %v, want ErrFetchFailed", err)
	}
	if names := h.entries(t); len(names) != 0 {
		t.Errorf("cache directory holds %v after a failed fetch", names)
	}

	// The next read starts from scratch and succeeds.
	if _, err := h.store.Fetch(ctx, "0007", 0); err != nil {
		t.Fatalf("Fetch after failure: %v", err)
	}
	if names := h.entries(t); len(names) != 1 || names[0] != BlobName("0007", 0) {
		t.Errorf("cache directory = %v, want only the published blob", names)
	}
}

func TestFetchUnknownAttachmentIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, target := range []struct {
		item  string
		index int
	}{
		{"0007", 5},
		{"9999", 0},
	} {
		_, err := h.store.Fetch(ctx, target.item, target.index)
		if !errors.Is(err, ErrFetchFailed) || !mailbox.IsNotFound(err) {
			t.Errorf("Fetch(%s, %d) = %v, want ErrFetchFailed wrapping not-found", target.item, target.index, err)
		}
	}
}

func TestInlinePartIsCached(t *testing.T) {
	h := newHarness(t)

	path, err := h.store.Fetch(context.Background(), "0007", 1)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "<p>Amount due: 412 SEK</p>" {
		t.Errorf("inline content = %q", data)
	}
}

func TestFetchWithoutAdvertisedSize(t *testing.T) {
	h := newHarness(t)

	path, err := h.store.Fetch(context.Background(), "0003", 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != int64(len("%PDF-1.4 fake statement")) {
		t.Errorf("size = %d", info.Size())
	}
}

func TestOversizedAttachmentIsRejected(t *testing.T) {
	h := newHarness(t)
	store, err := New(Config{
		Dir:     h.dir,
		Details: clientDetails{h.client},
		Parts:   h.client,
		MaxSize: 8,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(store.Close)

	// 0003 advertises no size, so only the body bound can stop it.
	_, err = store.Fetch(context.Background(), "0003", 0)
	if !errors.Is(err, ErrFetchFailed) || !errors.Is(err, netutil.ErrBodyTooLarge) {
		t.Fatalf("Fetch = %v, want ErrFetchFailed wrapping ErrBodyTooLarge", err)
	}
	if names := h.entries(t); len(names) != 0 {
		t.Errorf("cache directory holds %v after an oversized fetch", names)
	}
}

func TestReadAtServesRanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	buffer := make([]byte, 4)
	count, err := h.store.ReadAt(ctx, "0007", 0, buffer, 9)
	if err != nil || string(buffer[:count]) != "fake" {
		t.Errorf("ReadAt(9, 4) = %q, %v; want %q", buffer[:count], err, "fake")
	}

	tail := make([]byte, 64)
	count, err = h.store.ReadAt(ctx, "0007", 0, tail, 20)
	if err != nil || string(tail[:count]) != "e body" {
		t.Errorf("ReadAt across the end = %q, %v; want %q", tail[:count], err, "e body")
	}

	for _, offset := range []int64{int64(len(invoiceBody)), 1 << 20} {
		count, err := h.store.ReadAt(ctx, "0007", 0, buffer, offset)
		if err != nil || count != 0 {
			t.Errorf("ReadAt(%d) past the end = %d, %v; want 0, nil", offset, count, err)
		}
	}
	if downloads := h.server.Downloads("p-0007-0"); downloads != 1 {
		t.Errorf("downloads = %d, want 1", downloads)
	}
}

func TestNewSweepsPartialDownloads(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.Fetch(context.Background(), "0007", 0); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	stale := filepath.Join(h.dir, partialPrefix+"left-by-crash")
	if err := os.WriteFile(stale, []byte("half"), 0o600); err != nil {
		t.Fatal(err)
	}
	longAgo := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stale, longAgo, longAgo); err != nil {
		t.Fatal(err)
	}
	// A partial still being written by another mount of the same
	// cache directory.
	active := filepath.Join(h.dir, partialPrefix+"in-progress")
	if err := os.WriteFile(active, []byte("hal"), 0o600); err != nil {
		t.Fatal(err)
	}

	h.open(t)
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("partial download survived restart: %v", err)
	}
	if _, err := os.Stat(active); err != nil {
		t.Errorf("in-progress partial of another mount was removed: %v", err)
	}
	if _, ok := h.store.Cached("0007", 0); !ok {
		t.Error("complete blob removed by the sweep")
	}
}

func TestCloseAbortsInFlightDownload(t *testing.T) {
	h := newHarness(t)
	started, release := h.server.HoldDownloads()
	defer release()

	done := make(chan error, 1)
	go func() {
		_, err := h.store.Fetch(context.Background(), "0007", 0)
		done <- err
	}()
	testutil.RequireReceive(t, started, 5*time.Second, "download reached the server")

	h.store.Close()
	err := testutil.RequireReceive(t, done, 5*time.Second, "fetch returned after Close")
	if !errors.Is(err, ErrFetchFailed) {
		t.Errorf("Fetch = %v, want ErrFetchFailed", err)
	}
	if names := h.entries(t); len(names) != 0 {
		t.Errorf("cache directory holds %v after an aborted download", names)
	}
	if _, err := h.store.Fetch(context.Background(), "0003", 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Fetch after Close = %v, want ErrClosed", err)
	}
}

func TestBlobNameIsDeterministicAndDistinct(t *testing.T) {
	first := BlobName("0007", 0)
	if first != BlobName("0007", 0) {
		t.Fatal("BlobName is not deterministic")
	}
	if len(first) != 64 {
		t.Errorf("len(BlobName) = %d, want 64 hex characters", len(first))
	}
	seen := map[string]bool{}
	for _, key := range []struct {
		id    string
		index int
	}{
		{"0007", 0}, {"0007", 1}, {"0003", 0}, {"a", 10}, {"a1", 0}, {"", 0},
	} {
		name := BlobName(key.id, key.index)
		if seen[name] {
			t.Errorf("BlobName(%q, %d) collides", key.id, key.index)
		}
		seen[name] = true
	}
}
