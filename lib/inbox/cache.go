// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/inboxfs/lib/clock"
	"github.com/bureau-foundation/inboxfs/lib/compression"
	"github.com/bureau-foundation/inboxfs/lib/mailbox"
)

var (
	// ErrRefreshFailed wraps the cause of a listing refresh that could
	// not complete. The previous snapshot stays published.
	ErrRefreshFailed = errors.New("inbox: refresh failed")

	// ErrNotFound reports an id the cache does not know, or one the
	// service no longer has.
	ErrNotFound = errors.New("inbox: item not found")

	// ErrClosed is returned for work requested after Close.
	ErrClosed = errors.New("inbox: cache closed")
)

// Remote is the part of the mailbox client the cache uses.
// *mailbox.Client satisfies it.
type Remote interface {
	mailbox.Lister
	GetItemDetail(ctx context.Context, key string) (*mailbox.ItemDetail, error)
	MarkRead(ctx context.Context, key string) error
}

// Config holds configuration for a Cache.
type Config struct {
	// Remote is the mailbox service. Required.
	Remote Remote

	// Staleness is the snapshot age after which a read starts a
	// background refresh. Defaults to one minute.
	Staleness time.Duration

	// DetailTTL is how long an item detail is reused. Defaults to one
	// hour.
	DetailTTL time.Duration

	// RefreshTimeout bounds one listing pass or detail fetch.
	// Defaults to two minutes.
	RefreshTimeout time.Duration

	// SnapshotPath is where refreshed listings are persisted. Empty
	// disables persistence.
	SnapshotPath string

	// SnapshotCompression is the frame algorithm for the snapshot
	// file.
	SnapshotCompression compression.Tag

	Clock  clock.Clock
	Logger *slog.Logger

	// OnPublish, if set, is called with every newly published
	// snapshot while the writer lock is held. It must not call back
	// into the cache.
	OnPublish func(*Snapshot)
}

type cachedDetail struct {
	detail    *mailbox.ItemDetail
	fetchedAt time.Time
}

// Cache is the in-memory inbox mirror. It is safe for concurrent use.
type Cache struct {
	remote         Remote
	staleness      time.Duration
	detailTTL      time.Duration
	refreshTimeout time.Duration
	snapshotPath   string
	snapshotTag    compression.Tag
	clock          clock.Clock
	logger         *slog.Logger
	onPublish      func(*Snapshot)

	current atomic.Pointer[Snapshot]

	// writeMu serializes snapshot publication and guards overrides.
	writeMu sync.Mutex
	// overrides holds ids marked read locally that the remote listing
	// has not yet reported as read.
	overrides map[string]bool

	detailsMu sync.Mutex
	details   map[string]cachedDetail

	group singleflight.Group

	// refreshQueued is set while a background refresh is scheduled.
	refreshQueued atomic.Bool
	// lastAttempt is the unix-nanosecond start of the latest refresh,
	// successful or not.
	lastAttempt atomic.Int64

	persistMu sync.Mutex

	lifecycleMu sync.Mutex
	closed      bool
	root        context.Context
	cancel      context.CancelFunc
	work        sync.WaitGroup
}

// New creates a Cache. If a snapshot file is configured and readable,
// it becomes the initial, stale snapshot.
func New(config Config) (*Cache, error) {
	if config.Remote == nil {
		return nil, fmt.Errorf("inbox: no remote configured")
	}
	staleness := config.Staleness
	if staleness <= 0 {
		staleness = time.Minute
	}
	detailTTL := config.DetailTTL
	if detailTTL <= 0 {
		detailTTL = time.Hour
	}
	refreshTimeout := config.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = 2 * time.Minute
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	root, cancel := context.WithCancel(context.Background())
	cache := &Cache{
		remote:         config.Remote,
		staleness:      staleness,
		detailTTL:      detailTTL,
		refreshTimeout: refreshTimeout,
		snapshotPath:   config.SnapshotPath,
		snapshotTag:    config.SnapshotCompression,
		clock:          clk,
		logger:         logger,
		onPublish:      config.OnPublish,
		overrides:      make(map[string]bool),
		details:        make(map[string]cachedDetail),
		root:           root,
		cancel:         cancel,
	}

	initial := emptySnapshot()
	if cache.snapshotPath != "" {
		restored, overrides, err := loadSnapshot(cache.snapshotPath)
		switch {
		case err != nil:
			logger.Warn("ignoring unreadable inbox snapshot",
				"path", cache.snapshotPath, "error", err)
		case restored != nil:
			initial = restored
			for _, id := range overrides {
				cache.overrides[id] = true
			}
			logger.Debug("restored inbox snapshot",
				"items", restored.Len(), "generation", restored.Generation,
				"refreshed_at", restored.RefreshedAt)
		}
	}
	cache.current.Store(initial)
	return cache, nil
}

// Current returns the published snapshot without triggering anything.
func (cache *Cache) Current() *Snapshot {
	return cache.current.Load()
}

// View returns a snapshot to answer a read. The first access blocks
// on a refresh; later accesses return the current snapshot at once
// and start a background refresh if it is stale.
func (cache *Cache) View(ctx context.Context) (*Snapshot, error) {
	snapshot := cache.current.Load()
	if !snapshot.Loaded() {
		return cache.Refresh(ctx)
	}
	if cache.stale(snapshot) {
		cache.TriggerRefresh()
	}
	return snapshot, nil
}

// List returns the live entries newest first.
func (cache *Cache) List(ctx context.Context) ([]Entry, error) {
	snapshot, err := cache.View(ctx)
	if err != nil {
		return nil, err
	}
	return snapshot.List(), nil
}

// Get returns the entry for id, including retired entries.
func (cache *Cache) Get(ctx context.Context, id string) (Entry, error) {
	snapshot, err := cache.View(ctx)
	if err != nil {
		return Entry{}, err
	}
	entry, ok := snapshot.Get(id)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry, nil
}

// stale reports whether a background refresh is due. A recent failed
// attempt counts, so an unreachable service is retried once per
// staleness window rather than on every read.
func (cache *Cache) stale(snapshot *Snapshot) bool {
	now := cache.clock.Now()
	if now.Sub(snapshot.RefreshedAt) < cache.staleness {
		return false
	}
	if last := cache.lastAttempt.Load(); last != 0 {
		return now.Sub(time.Unix(0, last)) >= cache.staleness
	}
	return true
}

// Refresh reads the full remote listing and publishes the merged
// snapshot. Concurrent callers share one listing pass. On failure the
// previous snapshot stays published and the error wraps
// ErrRefreshFailed.
func (cache *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	result, err := cache.shared(ctx, "refresh", cache.refresh)
	if err != nil {
		return nil, err
	}
	return result.(*Snapshot), nil
}

// TriggerRefresh starts a background refresh unless one is already
// scheduled.
func (cache *Cache) TriggerRefresh() {
	if !cache.refreshQueued.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer cache.refreshQueued.Store(false)
		// Errors are logged by refresh itself.
		cache.Refresh(cache.root)
	}()
}

// Run refreshes the cache every staleness interval until ctx is
// cancelled.
func (cache *Cache) Run(ctx context.Context) {
	ticker := cache.clock.NewTicker(cache.staleness)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cache.stale(cache.current.Load()) {
				cache.TriggerRefresh()
			}
		}
	}
}

// Close cancels in-flight remote work and waits for it to stop.
func (cache *Cache) Close() {
	cache.lifecycleMu.Lock()
	if cache.closed {
		cache.lifecycleMu.Unlock()
		return
	}
	cache.closed = true
	cache.lifecycleMu.Unlock()

	cache.cancel()
	cache.work.Wait()
}

func (cache *Cache) begin() bool {
	cache.lifecycleMu.Lock()
	defer cache.lifecycleMu.Unlock()
	if cache.closed {
		return false
	}
	cache.work.Add(1)
	return true
}

// shared runs work once per key across concurrent callers. The work
// runs under the cache's own context with the refresh timeout, so a
// caller that gives up does not cancel it for the others.
func (cache *Cache) shared(ctx context.Context, key string, work func(context.Context) (any, error)) (any, error) {
	channel := cache.group.DoChan(key, func() (any, error) {
		if !cache.begin() {
			return nil, ErrClosed
		}
		defer cache.work.Done()
		workContext, cancel := context.WithTimeout(cache.root, cache.refreshTimeout)
		defer cancel()
		return work(workContext)
	})
	select {
	case result := <-channel:
		return result.Val, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (cache *Cache) refresh(ctx context.Context) (any, error) {
	started := cache.clock.Now()
	cache.lastAttempt.Store(started.UnixNano())

	items, err := cache.fetchListing(ctx)
	if err != nil {
		previous := cache.current.Load()
		cache.logger.Warn("inbox refresh failed, keeping previous snapshot",
			"generation", previous.Generation, "items", previous.Len(), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	snapshot := cache.merge(items, started)
	cache.logger.Debug("inbox refreshed",
		"generation", snapshot.Generation, "items", snapshot.Len(),
		"retired", len(snapshot.Retired()))
	if cache.snapshotPath != "" {
		cache.persist(snapshot)
	}
	return snapshot, nil
}

func (cache *Cache) fetchListing(ctx context.Context) ([]mailbox.Item, error) {
	return mailbox.NewPageIterator(cache.remote).Collect(ctx)
}

// merge publishes a snapshot built from a complete listing. Ids absent
// from the listing become retired. Local read marks survive until the
// listing itself reports the item read.
func (cache *Cache) merge(items []mailbox.Item, listedAt time.Time) *Snapshot {
	cache.writeMu.Lock()
	defer cache.writeMu.Unlock()

	previous := cache.current.Load()
	entries := make(map[string]Entry, len(items)+len(previous.entries))
	for _, item := range items {
		if cache.overrides[item.Key] {
			if item.Read() {
				delete(cache.overrides, item.Key)
			} else {
				item.Status = mailbox.StatusRead
			}
		}
		entries[item.Key] = Entry{Item: item, FetchedAt: listedAt}
	}
	for id, entry := range previous.entries {
		if _, listed := entries[id]; listed {
			continue
		}
		entry.Retired = true
		entries[id] = entry
		delete(cache.overrides, id)
	}

	snapshot := &Snapshot{
		Generation:  previous.Generation + 1,
		RefreshedAt: listedAt,
		entries:     entries,
		order:       listingOrder(entries),
	}
	cache.publishLocked(snapshot)
	return snapshot
}

func (cache *Cache) publishLocked(snapshot *Snapshot) {
	cache.current.Store(snapshot)
	if cache.onPublish != nil {
		cache.onPublish(snapshot)
	}
}

// MarkRead marks the item read on the service and then in the cache.
func (cache *Cache) MarkRead(ctx context.Context, id string) error {
	if _, err := cache.Get(ctx, id); err != nil {
		return err
	}
	if err := cache.remote.MarkRead(ctx, id); err != nil {
		if mailbox.IsNotFound(err) {
			return fmt.Errorf("%w: %s: %w", ErrNotFound, id, err)
		}
		return fmt.Errorf("marking %s read: %w", id, err)
	}
	return cache.MarkReadLocally(id)
}

// MarkReadLocally sets the read flag of a cached item after the
// service accepted the change. The flag survives any refresh whose
// listing was read before the service applied it.
func (cache *Cache) MarkReadLocally(id string) error {
	cache.writeMu.Lock()
	defer cache.writeMu.Unlock()

	current := cache.current.Load()
	entry, ok := current.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cache.overrides[id] = true

	cache.detailsMu.Lock()
	if cached, ok := cache.details[id]; ok {
		updated := *cached.detail
		updated.Status = mailbox.StatusRead
		cached.detail = &updated
		cache.details[id] = cached
	}
	cache.detailsMu.Unlock()

	if entry.Item.Read() {
		return nil
	}
	entry.Item.Status = mailbox.StatusRead
	entries := current.cloneEntries()
	entries[id] = entry
	cache.publishLocked(current.with(entries))
	return nil
}

// Discard drops a retired entry and its cached detail. Live entries
// are left alone.
func (cache *Cache) Discard(id string) {
	cache.writeMu.Lock()
	defer cache.writeMu.Unlock()

	current := cache.current.Load()
	entry, ok := current.Get(id)
	if !ok || !entry.Retired {
		return
	}
	entries := current.cloneEntries()
	delete(entries, id)
	cache.publishLocked(current.with(entries))

	cache.detailsMu.Lock()
	delete(cache.details, id)
	cache.detailsMu.Unlock()
}

// retire marks a single entry retired after the service reported it
// gone outside of a listing pass.
func (cache *Cache) retire(id string) {
	cache.writeMu.Lock()
	defer cache.writeMu.Unlock()

	current := cache.current.Load()
	entry, ok := current.Get(id)
	if !ok || entry.Retired {
		return
	}
	entry.Retired = true
	entries := current.cloneEntries()
	entries[id] = entry
	delete(cache.overrides, id)
	cache.publishLocked(current.with(entries))
}

// Detail returns the item with its full part list. Details are reused
// for DetailTTL; concurrent misses for one id share one request. The
// returned value is shared and must not be modified.
func (cache *Cache) Detail(ctx context.Context, id string) (*mailbox.ItemDetail, error) {
	if _, err := cache.Get(ctx, id); err != nil {
		return nil, err
	}

	cache.detailsMu.Lock()
	cached, ok := cache.details[id]
	cache.detailsMu.Unlock()
	if ok && cache.clock.Now().Sub(cached.fetchedAt) < cache.detailTTL {
		return cached.detail, nil
	}

	result, err := cache.shared(ctx, "detail/"+id, func(ctx context.Context) (any, error) {
		detail, err := cache.remote.GetItemDetail(ctx, id)
		if err != nil {
			if mailbox.IsNotFound(err) {
				cache.retire(id)
				return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, id, err)
			}
			return nil, fmt.Errorf("fetching detail of %s: %w", id, err)
		}
		if cache.isOverridden(id) {
			detail.Status = mailbox.StatusRead
		}
		cache.detailsMu.Lock()
		cache.details[id] = cachedDetail{detail: detail, fetchedAt: cache.clock.Now()}
		cache.detailsMu.Unlock()
		return detail, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*mailbox.ItemDetail), nil
}

func (cache *Cache) isOverridden(id string) bool {
	cache.writeMu.Lock()
	defer cache.writeMu.Unlock()
	return cache.overrides[id]
}

func (cache *Cache) pendingOverrides() []string {
	cache.writeMu.Lock()
	defer cache.writeMu.Unlock()
	ids := make([]string, 0, len(cache.overrides))
	for id := range cache.overrides {
		ids = append(ids, id)
	}
	return ids
}
