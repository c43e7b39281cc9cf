// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type signedPayload struct {
	Author   string `cbor:"author"`
	Sequence uint64 `cbor:"sequence"`
}

type widerPayload struct {
	Author   string `cbor:"author"`
	Sequence uint64 `cbor:"sequence"`
	Extra    string `cbor:"extra"`
}

func TestMarshalDeterministic(t *testing.T) {
	first, err := Marshal(map[string]any{"b": 1, "a": 2, "c": "x"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 10 {
		again, err := Marshal(map[string]any{"c": "x", "a": 2, "b": 1})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic: %x != %x", first, again)
		}
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(widerPayload{Author: "@a", Sequence: 3, Extra: "new"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded signedPayload
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Author != "@a" || decoded.Sequence != 3 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestUnmarshalStrictRejectsUnknownFields(t *testing.T) {
	data, err := Marshal(widerPayload{Author: "@a", Sequence: 3, Extra: "smuggled"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded signedPayload
	if err := UnmarshalStrict(data, &decoded); err == nil {
		t.Fatal("UnmarshalStrict accepted an unknown field")
	}

	exact, err := Marshal(signedPayload{Author: "@a", Sequence: 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := UnmarshalStrict(exact, &decoded); err != nil {
		t.Fatalf("UnmarshalStrict on exact payload: %v", err)
	}
}

func TestStreamRoundtrip(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for i := range 3 {
		if err := encoder.Encode(signedPayload{Author: "@a", Sequence: uint64(i + 1)}); err != nil {
			t.Fatalf("Encode %d: %v", i, err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i := range 3 {
		var decoded signedPayload
		if err := decoder.Decode(&decoded); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if decoded.Sequence != uint64(i+1) {
			t.Errorf("message %d: sequence = %d", i, decoded.Sequence)
		}
	}
}

func TestMapDecodesToStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"feed": "@x", "tip": 4})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
}
