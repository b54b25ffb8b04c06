// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package inboxfs

import "sync"

// Kind is the variant of an inode.
type Kind uint8

const (
	KindRoot Kind = iota
	KindItem
	KindAttachment
)

// RootIno is the inode number of the mount root, fixed by FUSE.
const RootIno uint64 = 1

// Identity names what an inode stands for. Index is meaningful only
// for attachments.
type Identity struct {
	Kind  Kind
	Item  string
	Index int
}

func itemIdentity(id string) Identity { return Identity{Kind: KindItem, Item: id} }

func attachmentIdentity(id string, index int) Identity {
	return Identity{Kind: KindAttachment, Item: id, Index: index}
}

// Table assigns inode numbers. An identity keeps its number for the
// life of the table and numbers are never reused, so a retired item's
// number can never come back as a different item.
type Table struct {
	mu         sync.Mutex
	next       uint64
	numbers    map[Identity]uint64
	identities map[uint64]Identity
}

// NewTable returns a table holding only the root.
func NewTable() *Table {
	root := Identity{Kind: KindRoot}
	return &Table{
		next:       RootIno + 1,
		numbers:    map[Identity]uint64{root: RootIno},
		identities: map[uint64]Identity{RootIno: root},
	}
}

// Number returns the inode number of identity, assigning the next
// unused number on first sight.
func (table *Table) Number(identity Identity) uint64 {
	table.mu.Lock()
	defer table.mu.Unlock()
	if number, ok := table.numbers[identity]; ok {
		return number
	}
	number := table.next
	table.next++
	table.numbers[identity] = number
	table.identities[number] = identity
	return number
}

// Resolve returns the identity behind an inode number.
func (table *Table) Resolve(number uint64) (Identity, bool) {
	table.mu.Lock()
	defer table.mu.Unlock()
	identity, ok := table.identities[number]
	return identity, ok
}

// Len returns how many identities have been numbered, root included.
func (table *Table) Len() int {
	table.mu.Lock()
	defer table.mu.Unlock()
	return len(table.numbers)
}
