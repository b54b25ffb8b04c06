// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"context"
	"errors"
	"testing"
)

// pagesByCursor serves fixed pages keyed by the requested cursor.
type pagesByCursor map[string]Page

func (pages pagesByCursor) ListItems(_ context.Context, cursor string) (Page, error) {
	page, ok := pages[cursor]
	if !ok {
		return Page{}, errors.New("unknown cursor " + cursor)
	}
	return page, nil
}

func TestPageIteratorStuckCursorIsSchemaError(t *testing.T) {
	pages := pagesByCursor{
		"":   {Items: []Item{{Key: "0007"}}, NextCursor: "c1"},
		"c1": {Items: []Item{{Key: "0003"}}, NextCursor: "c1"},
	}
	items, err := NewPageIterator(pages).Collect(context.Background())
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("Collect = %v, %v; want ErrSchema", items, err)
	}
	if items != nil {
		t.Errorf("Collect returned a partial listing %v", items)
	}
}

func TestPageIteratorKeepsFirstOfRepeatedItems(t *testing.T) {
	pages := pagesByCursor{
		"":   {Items: []Item{{Key: "0007", Subject: "first"}, {Key: "0005"}}, NextCursor: "c1"},
		"c1": {Items: []Item{{Key: "0005"}, {Key: "0007", Subject: "again"}, {Key: "0003"}}},
	}
	items, err := NewPageIterator(pages).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var keys []string
	for _, item := range items {
		keys = append(keys, item.Key)
	}
	if len(keys) != 3 || keys[0] != "0007" || keys[1] != "0005" || keys[2] != "0003" {
		t.Errorf("keys = %v, want [0007 0005 0003]", keys)
	}
	if items[0].Subject != "first" {
		t.Errorf("repeated item kept %q, want its first occurrence", items[0].Subject)
	}
}

func TestPageIteratorStopsAfterLastPage(t *testing.T) {
	iterator := NewPageIterator(pagesByCursor{"": {}})
	ctx := context.Background()

	items, err := iterator.Next(ctx)
	if err != nil || items == nil || len(items) != 0 {
		t.Fatalf("first Next = %v, %v; want an empty page", items, err)
	}
	if items, err := iterator.Next(ctx); err != nil || items != nil {
		t.Errorf("Next after the last page = %v, %v; want nil, nil", items, err)
	}
}
