// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"context"
	"fmt"
)

// maxPages guards against a service that never stops returning
// cursors.
const maxPages = 10000

// Lister reads one page of the inbox listing. *Client implements it.
type Lister interface {
	ListItems(ctx context.Context, cursor string) (Page, error)
}

// PageIterator walks the inbox listing one page at a time. Next
// returns nil, nil once the cursor is exhausted. A cursor that does
// not advance, or a listing longer than maxPages, is ErrSchema: the
// listing would never end, so no part of it is trusted.
//
// The iterator is not safe for concurrent use.
type PageIterator struct {
	lister Lister
	cursor string
	pages  int
	done   bool
}

// NewPageIterator returns an iterator over the listing served by
// lister, starting at the first page.
func NewPageIterator(lister Lister) *PageIterator {
	return &PageIterator{lister: lister}
}

// Next fetches the next page and returns its items.
func (iterator *PageIterator) Next(ctx context.Context) ([]Item, error) {
	if iterator.done {
		return nil, nil
	}
	if iterator.pages >= maxPages {
		return nil, schemaError(fmt.Sprintf("listing did not end after %d pages", maxPages), nil)
	}

	page, err := iterator.lister.ListItems(ctx, iterator.cursor)
	if err != nil {
		return nil, err
	}
	iterator.pages++

	switch page.NextCursor {
	case "":
		iterator.done = true
	case iterator.cursor:
		return nil, schemaError(fmt.Sprintf("listing cursor %q did not advance", iterator.cursor), nil)
	}
	iterator.cursor = page.NextCursor

	if page.Items == nil {
		page.Items = []Item{}
	}
	return page.Items, nil
}

// Collect fetches all remaining pages and returns the items in
// listing order. An item repeated on a later page, as happens when
// the listing shifts between requests, is kept at its first position.
func (iterator *PageIterator) Collect(ctx context.Context) ([]Item, error) {
	var all []Item
	seen := make(map[string]bool)
	for {
		items, err := iterator.Next(ctx)
		if err != nil {
			return nil, err
		}
		if items == nil {
			return all, nil
		}
		for _, item := range items {
			if seen[item.Key] {
				continue
			}
			seen[item.Key] = true
			all = append(all, item)
		}
	}
}
