// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package inbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/bureau-foundation/inboxfs/lib/atomicfile"
	"github.com/bureau-foundation/inboxfs/lib/codec"
	"github.com/bureau-foundation/inboxfs/lib/compression"
	"github.com/bureau-foundation/inboxfs/lib/mailbox"
)

// snapshotVersion is bumped when the persisted layout changes
// incompatibly. Other versions are ignored.
const snapshotVersion = 1

// persistedSnapshot is the on-disk form. Retired entries are not
// persisted; they only matter to handles held by the running mount.
type persistedSnapshot struct {
	Version     int            `cbor:"version"`
	Generation  uint64         `cbor:"generation"`
	RefreshedAt time.Time      `cbor:"refreshed_at"`
	Items       []mailbox.Item `cbor:"items"`
	Overrides   []string       `cbor:"overrides,omitempty"`
}

func (cache *Cache) persist(snapshot *Snapshot) {
	cache.persistMu.Lock()
	defer cache.persistMu.Unlock()

	// A newer snapshot may have been published while this one waited.
	if snapshot.Generation < cache.current.Load().Generation {
		return
	}

	overrides := cache.pendingOverrides()
	slices.Sort(overrides)
	document := persistedSnapshot{
		Version:     snapshotVersion,
		Generation:  snapshot.Generation,
		RefreshedAt: snapshot.RefreshedAt,
		Overrides:   overrides,
	}
	for _, entry := range snapshot.List() {
		document.Items = append(document.Items, entry.Item)
	}
	if err := writeSnapshot(cache.snapshotPath, document, cache.snapshotTag); err != nil {
		cache.logger.Warn("writing inbox snapshot failed",
			"path", cache.snapshotPath, "error", err)
	}
}

func writeSnapshot(path string, document persistedSnapshot, tag compression.Tag) error {
	encoded, err := codec.Marshal(document)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	frame, err := compression.Encode(encoded, tag)
	if err != nil {
		return fmt.Errorf("compressing snapshot: %w", err)
	}
	return atomicfile.Write(path, frame, 0o600)
}

// loadSnapshot reads a persisted snapshot. A missing file returns a
// nil snapshot and no error. Anything unreadable is an error for the
// caller to log and ignore.
func loadSnapshot(path string) (*Snapshot, []string, error) {
	frame, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading snapshot: %w", err)
	}
	encoded, err := compression.Decode(frame)
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing snapshot: %w", err)
	}
	var document persistedSnapshot
	if err := codec.Unmarshal(encoded, &document); err != nil {
		return nil, nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if document.Version != snapshotVersion {
		return nil, nil, fmt.Errorf("snapshot version %d, want %d", document.Version, snapshotVersion)
	}
	if document.RefreshedAt.IsZero() {
		return nil, nil, fmt.Errorf("snapshot has no refresh time")
	}

	entries := make(map[string]Entry, len(document.Items))
	for _, item := range document.Items {
		if item.Key == "" {
			return nil, nil, fmt.Errorf("snapshot item without key")
		}
		entries[item.Key] = Entry{Item: item, FetchedAt: document.RefreshedAt}
	}
	snapshot := &Snapshot{
		Generation:  document.Generation,
		RefreshedAt: document.RefreshedAt,
		warm:        true,
		entries:     entries,
		order:       listingOrder(entries),
	}
	return snapshot, document.Overrides, nil
}
