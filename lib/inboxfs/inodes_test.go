// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package inboxfs

import "testing"

func TestTableAssignsStableUniqueNumbers(t *testing.T) {
	table := NewTable()
	if number := table.Number(Identity{Kind: KindRoot}); number != RootIno {
		t.Fatalf("root = %d, want %d", number, RootIno)
	}

	identities := []Identity{
		itemIdentity("7"),
		itemIdentity("3"),
		attachmentIdentity("7", 0),
		attachmentIdentity("7", 1),
		attachmentIdentity("3", 0),
	}
	seen := map[uint64]Identity{}
	for _, identity := range identities {
		number := table.Number(identity)
		if number == RootIno {
			t.Errorf("%+v got the root number", identity)
		}
		if previous, taken := seen[number]; taken {
			t.Errorf("%+v and %+v share number %d", identity, previous, number)
		}
		seen[number] = identity
	}

	for number, identity := range seen {
		if again := table.Number(identity); again != number {
			t.Errorf("%+v renumbered %d -> %d", identity, number, again)
		}
		if resolved, ok := table.Resolve(number); !ok || resolved != identity {
			t.Errorf("Resolve(%d) = %+v, %v; want %+v", number, resolved, ok, identity)
		}
	}
}

func TestTableNeverReusesNumbers(t *testing.T) {
	table := NewTable()
	retired := table.Number(itemIdentity("3"))
	for index := range 100 {
		if number := table.Number(attachmentIdentity("new", index)); number <= retired {
			t.Fatalf("new identity got %d, not above earlier %d", number, retired)
		}
	}
	if table.Len() != 102 {
		t.Errorf("Len() = %d, want 102", table.Len())
	}
}
