// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package inbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/inboxfs/lib/clock"
	"github.com/bureau-foundation/inboxfs/lib/compression"
	"github.com/bureau-foundation/inboxfs/lib/mailbox"
	"github.com/bureau-foundation/inboxfs/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeRemote serves a mutable listing. When gate is set, ListItems
// reads its page, signals entered, and then waits on gate before
// returning, which lets a test interleave work with a refresh whose
// listing has already been read.
type fakeRemote struct {
	mu          sync.Mutex
	items       []mailbox.Item
	details     map[string]*mailbox.ItemDetail
	pageSize    int
	listErr     error
	listCalls   int
	detailCalls int
	marked      []string
	gate        chan struct{}
	entered     chan struct{}
}

func newFakeRemote(items ...mailbox.Item) *fakeRemote {
	return &fakeRemote{items: items, details: map[string]*mailbox.ItemDetail{}}
}

func (remote *fakeRemote) ListItems(ctx context.Context, cursor string) (mailbox.Page, error) {
	remote.mu.Lock()
	remote.listCalls++
	if remote.listErr != nil {
		err := remote.listErr
		remote.mu.Unlock()
		return mailbox.Page{}, err
	}
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := len(remote.items)
	if remote.pageSize > 0 && start+remote.pageSize < end {
		end = start + remote.pageSize
	}
	page := mailbox.Page{Items: slices.Clone(remote.items[start:end])}
	if end < len(remote.items) {
		page.NextCursor = strconv.Itoa(end)
	}
	gate, entered := remote.gate, remote.entered
	remote.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return mailbox.Page{}, ctx.Err()
		}
	}
	return page, nil
}

func (remote *fakeRemote) GetItemDetail(ctx context.Context, key string) (*mailbox.ItemDetail, error) {
	remote.mu.Lock()
	defer remote.mu.Unlock()
	remote.detailCalls++
	detail, ok := remote.details[key]
	if !ok {
		return nil, &mailbox.APIError{StatusCode: 404, Method: "GET", Path: "/v3/user/u/content/" + key}
	}
	copied := *detail
	return &copied, nil
}

func (remote *fakeRemote) MarkRead(ctx context.Context, key string) error {
	remote.mu.Lock()
	defer remote.mu.Unlock()
	remote.marked = append(remote.marked, key)
	for index := range remote.items {
		if remote.items[index].Key == key {
			remote.items[index].Status = mailbox.StatusRead
		}
	}
	return nil
}

func (remote *fakeRemote) remove(key string) {
	remote.mu.Lock()
	defer remote.mu.Unlock()
	remote.items = slices.DeleteFunc(remote.items, func(item mailbox.Item) bool { return item.Key == key })
}

func (remote *fakeRemote) add(item mailbox.Item) {
	remote.mu.Lock()
	defer remote.mu.Unlock()
	remote.items = append(remote.items, item)
}

func (remote *fakeRemote) setListErr(err error) {
	remote.mu.Lock()
	defer remote.mu.Unlock()
	remote.listErr = err
}

func (remote *fakeRemote) hold() (entered <-chan struct{}, release func()) {
	remote.mu.Lock()
	defer remote.mu.Unlock()
	remote.gate = make(chan struct{})
	remote.entered = make(chan struct{}, 1)
	gate := remote.gate
	var once sync.Once
	return remote.entered, func() {
		once.Do(func() {
			remote.mu.Lock()
			remote.gate = nil
			remote.mu.Unlock()
			close(gate)
		})
	}
}

func (remote *fakeRemote) counts() (list, detail int) {
	remote.mu.Lock()
	defer remote.mu.Unlock()
	return remote.listCalls, remote.detailCalls
}

func item(key, subject string, created time.Time, status string) mailbox.Item {
	return mailbox.Item{
		Key:        key,
		Sender:     "sender-" + key,
		SenderName: "Sender " + key,
		CreatedAt:  created,
		Subject:    subject,
		Status:     status,
	}
}

func scenarioItems() []mailbox.Item {
	return []mailbox.Item{
		item("3", "Statement", time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC), mailbox.StatusRead),
		item("7", "Invoice", time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC), mailbox.StatusUnread),
	}
}

func newTestCache(t *testing.T, remote Remote, clk clock.Clock, configure ...func(*Config)) *Cache {
	t.Helper()
	config := Config{
		Remote:    remote,
		Staleness: time.Minute,
		DetailTTL: time.Hour,
		Clock:     clk,
	}
	for _, apply := range configure {
		apply(&config)
	}
	cache, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(cache.Close)
	return cache
}

func ids(entries []Entry) []string {
	result := make([]string, len(entries))
	for index, entry := range entries {
		result[index] = entry.ID()
	}
	return result
}

func TestNewRequiresRemote(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New without a remote succeeded")
	}
}

func TestFirstAccessRefreshesNewestFirst(t *testing.T) {
	remote := newFakeRemote(scenarioItems()...)
	cache := newTestCache(t, remote, clock.Fake(epoch))

	if cache.Current().Loaded() {
		t.Fatal("snapshot loaded before first access")
	}
	entries, err := cache.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := ids(entries); !slices.Equal(got, []string{"7", "3"}) {
		t.Errorf("List order = %v, want [7 3]", got)
	}
	if generation := cache.Current().Generation; generation != 1 {
		t.Errorf("Generation = %d, want 1", generation)
	}
	if list, _ := remote.counts(); list != 1 {
		t.Errorf("ListItems called %d times, want 1", list)
	}
}

func TestListingOrderIsDeterministic(t *testing.T) {
	same := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	remote := newFakeRemote(
		item("b", "B", same, mailbox.StatusUnread),
		item("c", "C", same, mailbox.StatusUnread),
		item("newest", "N", same.Add(time.Hour), mailbox.StatusUnread),
		item("a", "A", same, mailbox.StatusUnread),
	)
	cache := newTestCache(t, remote, clock.Fake(epoch))
	ctx := context.Background()

	first, err := cache.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	want := []string{"newest", "a", "b", "c"}
	if got := ids(first.List()); !slices.Equal(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}

	// The service returning the same items in another order changes
	// nothing but the generation.
	remote.mu.Lock()
	slices.Reverse(remote.items)
	remote.mu.Unlock()

	second, err := cache.Refresh(ctx)
	if err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if got := ids(second.List()); !slices.Equal(got, want) {
		t.Errorf("order after second refresh = %v, want %v", got, want)
	}
	if second.Generation != first.Generation+1 {
		t.Errorf("generation %d -> %d, want an increment of one", first.Generation, second.Generation)
	}
}

func TestRefreshFollowsCursors(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var items []mailbox.Item
	for index := range 5 {
		items = append(items, item(strconv.Itoa(index), "s", base.Add(time.Duration(index)*time.Hour), mailbox.StatusUnread))
	}
	remote := newFakeRemote(items...)
	remote.pageSize = 2
	cache := newTestCache(t, remote, clock.Fake(epoch))

	snapshot, err := cache.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if snapshot.Len() != 5 {
		t.Errorf("Len() = %d, want 5", snapshot.Len())
	}
	if list, _ := remote.counts(); list != 3 {
		t.Errorf("ListItems called %d times, want 3 pages", list)
	}
}

func TestVanishedItemIsRetiredUntilDiscarded(t *testing.T) {
	remote := newFakeRemote(scenarioItems()...)
	cache := newTestCache(t, remote, clock.Fake(epoch))
	ctx := context.Background()

	if _, err := cache.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	remote.remove("3")
	snapshot, err := cache.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh after removal: %v", err)
	}

	if got := ids(snapshot.List()); !slices.Equal(got, []string{"7"}) {
		t.Errorf("List = %v, want [7]", got)
	}
	entry, ok := snapshot.Get("3")
	if !ok || !entry.Retired {
		t.Fatalf("Get(3) = %+v, %v; want a retired entry", entry, ok)
	}
	if retired := snapshot.Retired(); !slices.Equal(retired, []string{"3"}) {
		t.Errorf("Retired() = %v, want [3]", retired)
	}

	cache.Discard("7")
	if _, ok := cache.Current().Get("7"); !ok {
		t.Error("Discard removed a live entry")
	}
	cache.Discard("3")
	if _, err := cache.Get(ctx, "3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Discard = %v, want ErrNotFound", err)
	}
}

func TestReappearingItemIsLiveAgain(t *testing.T) {
	items := scenarioItems()
	remote := newFakeRemote(items...)
	cache := newTestCache(t, remote, clock.Fake(epoch))
	ctx := context.Background()

	cache.Refresh(ctx)
	remote.remove("3")
	cache.Refresh(ctx)
	remote.add(items[0])
	snapshot, err := cache.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if entry, _ := snapshot.Get("3"); entry.Retired {
		t.Error("item still retired after it reappeared")
	}
	if snapshot.Len() != 2 {
		t.Errorf("Len() = %d, want 2", snapshot.Len())
	}
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	remote := newFakeRemote(scenarioItems()...)
	cache := newTestCache(t, remote, clock.Fake(epoch))
	ctx := context.Background()

	before, err := cache.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	cause := errors.New("connection reset")
	remote.setListErr(cause)

	_, err = cache.Refresh(ctx)
	if !errors.Is(err, ErrRefreshFailed) || !errors.Is(err, cause) {
		t.Fatalf("Refresh error = %v, want ErrRefreshFailed wrapping the cause", err)
	}
	if after := cache.Current(); after != before {
		t.Errorf("snapshot replaced after a failed refresh: generation %d -> %d", before.Generation, after.Generation)
	}
	if entries, err := cache.List(ctx); err != nil || len(entries) != 2 {
		t.Errorf("List after failure = %d entries, %v; want the previous 2", len(entries), err)
	}
}

// stuckCursorRemote hands out the same cursor forever.
type stuckCursorRemote struct{ *fakeRemote }

func (remote stuckCursorRemote) ListItems(ctx context.Context, cursor string) (mailbox.Page, error) {
	page, err := remote.fakeRemote.ListItems(ctx, "")
	page.NextCursor = "stuck"
	return page, err
}

func TestStuckListingCursorFailsRefresh(t *testing.T) {
	remote := stuckCursorRemote{newFakeRemote(scenarioItems()...)}
	cache := newTestCache(t, remote, clock.Fake(epoch))

	_, err := cache.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshFailed) || !errors.Is(err, mailbox.ErrSchema) {
		t.Fatalf("Refresh = %v, want ErrRefreshFailed wrapping mailbox.ErrSchema", err)
	}
	if cache.Current().Loaded() {
		t.Error("a listing that never ended was published")
	}
	if calls := remote.listCalls; calls != 2 {
		t.Errorf("list calls = %d, want 2", calls)
	}
}

func TestFirstAccessFailureSurfaces(t *testing.T) {
	remote := newFakeRemote()
	remote.setListErr(errors.New("unreachable"))
	cache := newTestCache(t, remote, clock.Fake(epoch))

	if _, err := cache.List(context.Background()); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("List = %v, want ErrRefreshFailed", err)
	}
}

func TestStaleReadRefreshesInBackground(t *testing.T) {
	fake := clock.Fake(epoch)
	remote := newFakeRemote(scenarioItems()...)
	published := make(chan uint64, 4)
	cache := newTestCache(t, remote, fake, func(config *Config) {
		config.OnPublish = func(snapshot *Snapshot) { published <- snapshot.Generation }
	})
	ctx := context.Background()

	if _, err := cache.List(ctx); err != nil {
		t.Fatalf("List: %v", err)
	}
	testutil.RequireReceive(t, published, 5*time.Second, "initial refresh")

	// Within the staleness window reads are served from memory.
	fake.Advance(30 * time.Second)
	cache.List(ctx)
	if list, _ := remote.counts(); list != 1 {
		t.Fatalf("fresh read called ListItems %d times, want 1", list)
	}

	entered, release := remote.hold()
	fake.Advance(time.Minute)
	snapshot, err := cache.View(ctx)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if snapshot.Generation != 1 {
		t.Errorf("stale read returned generation %d, want the current 1", snapshot.Generation)
	}
	testutil.RequireReceive(t, entered, 5*time.Second, "background refresh started")
	release()

	if generation := testutil.RequireReceive(t, published, 5*time.Second, "background refresh published"); generation != 2 {
		t.Errorf("background refresh published generation %d, want 2", generation)
	}
}

func TestMarkReadSurvivesConcurrentRefresh(t *testing.T) {
	remote := newFakeRemote(scenarioItems()...)
	cache := newTestCache(t, remote, clock.Fake(epoch))
	ctx := context.Background()

	if _, err := cache.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// The refresh reads its listing while 7 is still unread upstream.
	entered, release := remote.hold()
	done := make(chan error, 1)
	go func() {
		_, err := cache.Refresh(ctx)
		done <- err
	}()
	testutil.RequireReceive(t, entered, 5*time.Second, "refresh read the listing")

	if err := cache.MarkRead(ctx, "7"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if entry, _ := cache.Get(ctx, "7"); !entry.Item.Read() {
		t.Error("item not read immediately after MarkRead")
	}

	release()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "refresh finished"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if entry, _ := cache.Get(ctx, "7"); !entry.Item.Read() {
		t.Error("read flag lost to a refresh that listed the item as unread")
	}

	// Once the service reports the item read, the local mark is no
	// longer needed.
	if _, err := cache.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pending := cache.pendingOverrides(); len(pending) != 0 {
		t.Errorf("pending overrides = %v, want none", pending)
	}
	if entry, _ := cache.Get(ctx, "7"); !entry.Item.Read() {
		t.Error("item unread after the service confirmed it")
	}
	if !slices.Equal(remote.marked, []string{"7"}) {
		t.Errorf("remote marked %v, want [7]", remote.marked)
	}
}

func TestMarkReadUnknownItem(t *testing.T) {
	remote := newFakeRemote(scenarioItems()...)
	cache := newTestCache(t, remote, clock.Fake(epoch))

	if err := cache.MarkRead(context.Background(), "404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkRead = %v, want ErrNotFound", err)
	}
	if len(remote.marked) != 0 {
		t.Errorf("remote called for an unknown item: %v", remote.marked)
	}
}

func TestDetailIsCachedForTTL(t *testing.T) {
	fake := clock.Fake(epoch)
	remote := newFakeRemote(scenarioItems()...)
	size := int64(12)
	remote.details["7"] = &mailbox.ItemDetail{
		Subject: "Invoice",
		Status:  mailbox.StatusUnread,
		Parts:   []mailbox.Part{{Name: "invoice.pdf", ContentType: "application/pdf", Key: "p0", Size: &size}},
	}
	cache := newTestCache(t, remote, fake)
	ctx := context.Background()

	first, err := cache.Detail(ctx, "7")
	if err != nil {
		t.Fatalf("Detail: %v", err)
	}
	if len(first.Parts) != 1 || first.Parts[0].Name != "invoice.pdf" {
		t.Fatalf("Detail parts = %+v", first.Parts)
	}
	if again, _ := cache.Detail(ctx, "7"); again != first {
		t.Error("second Detail within the TTL did not reuse the cached value")
	}
	if _, detail := remote.counts(); detail != 1 {
		t.Errorf("GetItemDetail called %d times, want 1", detail)
	}

	if err := cache.MarkReadLocally("7"); err != nil {
		t.Fatalf("MarkReadLocally: %v", err)
	}
	if detail, _ := cache.Detail(ctx, "7"); detail.Status != mailbox.StatusRead {
		t.Errorf("cached detail status = %q after marking read", detail.Status)
	}

	fake.Advance(2 * time.Hour)
	cache.Refresh(ctx)
	if _, err := cache.Detail(ctx, "7"); err != nil {
		t.Fatalf("Detail after TTL: %v", err)
	}
	if _, detail := remote.counts(); detail != 2 {
		t.Errorf("GetItemDetail called %d times after TTL, want 2", detail)
	}
}

func TestDetailNotFoundRetiresItem(t *testing.T) {
	remote := newFakeRemote(scenarioItems()...)
	cache := newTestCache(t, remote, clock.Fake(epoch))
	ctx := context.Background()

	_, err := cache.Detail(ctx, "3")
	if !errors.Is(err, ErrNotFound) || !mailbox.IsNotFound(err) {
		t.Fatalf("Detail = %v, want ErrNotFound wrapping the service error", err)
	}
	entry, err := cache.Get(ctx, "3")
	if err != nil || !entry.Retired {
		t.Errorf("Get(3) = %+v, %v; want a retired entry", entry, err)
	}
	if got := ids(cache.Current().List()); !slices.Equal(got, []string{"7"}) {
		t.Errorf("List = %v, want [7]", got)
	}
}

func TestSnapshotWarmStart(t *testing.T) {
	fake := clock.Fake(epoch)
	path := filepath.Join(t.TempDir(), "inbox.snapshot")
	withSnapshot := func(config *Config) {
		config.SnapshotPath = path
		config.SnapshotCompression = compression.TagZstd
	}
	ctx := context.Background()

	first := newTestCache(t, newFakeRemote(scenarioItems()...), fake, withSnapshot)
	if _, err := first.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := first.MarkReadLocally("7"); err != nil {
		t.Fatalf("MarkReadLocally: %v", err)
	}
	// Persist again so the pending read mark is on disk.
	if _, err := first.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	offline := newFakeRemote()
	offline.setListErr(errors.New("offline"))
	second := newTestCache(t, offline, fake, withSnapshot)

	restored := second.Current()
	if !restored.Loaded() || !restored.Warm() {
		t.Fatalf("restored snapshot loaded=%v warm=%v, want both", restored.Loaded(), restored.Warm())
	}
	if restored.Generation != 2 {
		t.Errorf("restored generation = %d, want 2", restored.Generation)
	}
	entries, err := second.List(ctx)
	if err != nil {
		t.Fatalf("List from warm snapshot: %v", err)
	}
	if got := ids(entries); !slices.Equal(got, []string{"7", "3"}) {
		t.Errorf("warm List = %v, want [7 3]", got)
	}
	if list, _ := offline.counts(); list != 0 {
		t.Errorf("warm read within the staleness window called ListItems %d times", list)
	}
	if pending := second.pendingOverrides(); !slices.Equal(pending, []string{"7"}) {
		t.Errorf("restored overrides = %v, want [7]", pending)
	}
}

func TestCorruptSnapshotIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.snapshot")
	if err := os.WriteFile(path, []byte("\x02not a frame"), 0o600); err != nil {
		t.Fatal(err)
	}
	remote := newFakeRemote(scenarioItems()...)
	cache := newTestCache(t, remote, clock.Fake(epoch), func(config *Config) {
		config.SnapshotPath = path
	})

	if cache.Current().Loaded() {
		t.Fatal("corrupt snapshot was loaded")
	}
	if entries, err := cache.List(context.Background()); err != nil || len(entries) != 2 {
		t.Errorf("List = %d entries, %v; want a fresh listing of 2", len(entries), err)
	}
}

func TestClosedCacheRefuses(t *testing.T) {
	cache := newTestCache(t, newFakeRemote(scenarioItems()...), clock.Fake(epoch))
	cache.Close()
	if _, err := cache.Refresh(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Refresh after Close = %v, want ErrClosed", err)
	}
}
