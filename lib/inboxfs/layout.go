// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package inboxfs

import (
	"strconv"

	"github.com/bureau-foundation/inboxfs/lib/inbox"
	"github.com/bureau-foundation/inboxfs/lib/mailbox"
)

// itemName is one root directory entry.
type itemName struct {
	name  string
	entry inbox.Entry
}

// rootLayout is the root directory of one snapshot: live items in
// listing order with their final names. Besides its listed name every
// item also answers lookups as "<name>~<id>", the form it is listed
// under while it shares its name with an earlier item.
type rootLayout struct {
	snapshot *inbox.Snapshot
	items    []itemName
	byName   map[string]int
}

func layoutRoot(snapshot *inbox.Snapshot) *rootLayout {
	entries := snapshot.List()
	names := make([]string, len(entries))
	for position, entry := range entries {
		names[position] = ItemDirName(entry.Item)
	}
	bases := names
	names = disambiguate(names,
		func(position int) string { return entries[position].ID() },
		func(a, b int) bool { return arrivedBefore(entries[a].Item, entries[b].Item) },
		false)

	layout := &rootLayout{
		snapshot: snapshot,
		items:    make([]itemName, len(entries)),
		byName:   make(map[string]int, len(entries)),
	}
	for position, entry := range entries {
		layout.items[position] = itemName{name: names[position], entry: entry}
		layout.byName[names[position]] = position
	}
	for position, entry := range entries {
		alias := withSuffix(bases[position], entry.ID(), false)
		if _, taken := layout.byName[alias]; !taken {
			layout.byName[alias] = position
		}
	}
	return layout
}

// arrivedBefore orders namesakes: the older item keeps the plain
// name, and ids break ties.
func arrivedBefore(a, b mailbox.Item) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Key < b.Key
}

func (layout *rootLayout) lookup(name string) (inbox.Entry, bool) {
	position, ok := layout.byName[name]
	if !ok {
		return inbox.Entry{}, false
	}
	return layout.items[position].entry, true
}

// partName is one file inside an item directory.
type partName struct {
	name  string
	index int
	part  mailbox.Part
}

// layoutItem names the parts of an item in descriptor order.
func layoutItem(item mailbox.Item, detail *mailbox.ItemDetail) []partName {
	names := make([]string, len(detail.Parts))
	for index, part := range detail.Parts {
		names[index] = AttachmentFileName(item, part, index)
	}
	names = disambiguate(names, strconv.Itoa, func(a, b int) bool { return a < b }, true)

	parts := make([]partName, len(detail.Parts))
	for index, part := range detail.Parts {
		parts[index] = partName{name: names[index], index: index, part: part}
	}
	return parts
}
