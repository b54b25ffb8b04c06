// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package inbox

import (
	"cmp"
	"maps"
	"slices"
	"time"

	"github.com/bureau-foundation/inboxfs/lib/mailbox"
)

// Entry is one cached item.
type Entry struct {
	Item mailbox.Item

	// FetchedAt is when the listing that produced Item was read.
	FetchedAt time.Time

	// Retired is set once the item is absent from a later listing.
	Retired bool
}

// ID returns the item's stable identity.
func (entry Entry) ID() string { return entry.Item.Key }

// Snapshot is one immutable view of the inbox. The zero generation
// means nothing has been loaded yet.
type Snapshot struct {
	// Generation increases with every successful refresh.
	Generation uint64

	// RefreshedAt is when the listing behind this snapshot was read.
	RefreshedAt time.Time

	warm    bool
	entries map[string]Entry
	order   []string
}

func emptySnapshot() *Snapshot {
	return &Snapshot{entries: map[string]Entry{}}
}

// Loaded reports whether the snapshot holds any listing at all, fresh
// or restored from disk.
func (snapshot *Snapshot) Loaded() bool { return !snapshot.RefreshedAt.IsZero() }

// Warm reports whether the snapshot was restored from disk and has
// not been replaced by a live listing yet.
func (snapshot *Snapshot) Warm() bool { return snapshot.warm }

// List returns the live entries newest first.
func (snapshot *Snapshot) List() []Entry {
	list := make([]Entry, 0, len(snapshot.order))
	for _, id := range snapshot.order {
		list = append(list, snapshot.entries[id])
	}
	return list
}

// Get returns the entry for id, including retired entries.
func (snapshot *Snapshot) Get(id string) (Entry, bool) {
	entry, ok := snapshot.entries[id]
	return entry, ok
}

// Len returns the number of live entries.
func (snapshot *Snapshot) Len() int { return len(snapshot.order) }

// Retired returns the ids of retired entries, sorted.
func (snapshot *Snapshot) Retired() []string {
	var retired []string
	for id, entry := range snapshot.entries {
		if entry.Retired {
			retired = append(retired, id)
		}
	}
	slices.Sort(retired)
	return retired
}

// with returns a copy of the snapshot with entries replaced. The
// generation and timestamps carry over; order is recomputed.
func (snapshot *Snapshot) with(entries map[string]Entry) *Snapshot {
	return &Snapshot{
		Generation:  snapshot.Generation,
		RefreshedAt: snapshot.RefreshedAt,
		warm:        snapshot.warm,
		entries:     entries,
		order:       listingOrder(entries),
	}
}

func (snapshot *Snapshot) cloneEntries() map[string]Entry {
	return maps.Clone(snapshot.entries)
}

// listingOrder returns live ids newest first. Equal timestamps are
// ordered by id so that the order never depends on map iteration or
// on the order the service returned.
func listingOrder(entries map[string]Entry) []string {
	order := make([]string, 0, len(entries))
	for id, entry := range entries {
		if !entry.Retired {
			order = append(order, id)
		}
	}
	slices.SortFunc(order, func(a, b string) int {
		if byTime := entries[b].Item.CreatedAt.Compare(entries[a].Item.CreatedAt); byTime != 0 {
			return byTime
		}
		return cmp.Compare(a, b)
	})
	return order
}
