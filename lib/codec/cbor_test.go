// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
	"time"
)

type recordV1 struct {
	Version int       `cbor:"version"`
	Token   string    `cbor:"token"`
	Expires time.Time `cbor:"expires"`
}

type recordV2 struct {
	Version int               `cbor:"version"`
	Token   string            `cbor:"token"`
	Expires time.Time         `cbor:"expires"`
	Extra   map[string]string `cbor:"extra"`
}

func TestMarshalIsDeterministic(t *testing.T) {
	value := map[string]int{"zeta": 1, "alpha": 2, "mid": 3}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 20 {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding changed between calls: %x vs %x", first, again)
		}
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	newer := recordV2{
		Version: 2,
		Token:   "opaque",
		Expires: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Extra:   map[string]string{"added": "later"},
	}
	data, err := Marshal(newer)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var older recordV1
	if err := Unmarshal(data, &older); err != nil {
		t.Fatalf("Unmarshal into older type: %v", err)
	}
	if older.Token != "opaque" || !older.Expires.Equal(newer.Expires) {
		t.Errorf("decoded %+v, want token and expiry preserved", older)
	}
}

func TestUnmarshalRejectsTrailingBytes(t *testing.T) {
	data, err := Marshal(recordV1{Version: 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	data = append(data, 0x00)

	var decoded recordV1
	if err := Unmarshal(data, &decoded); err == nil {
		t.Fatal("Unmarshal accepted trailing bytes")
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var decoded recordV1
	if err := Unmarshal([]byte{0xff, 0x13, 0x37}, &decoded); err == nil {
		t.Fatal("Unmarshal accepted garbage")
	}
}
