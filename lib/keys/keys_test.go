// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSignVerify(t *testing.T) {
	pair, err := Generate(nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	signature := pair.Sign([]byte("payload"))
	if !Verify(pair.Feed(), []byte("payload"), signature) {
		t.Fatal("Verify rejected a valid signature")
	}
	if Verify(pair.Feed(), []byte("tampered"), signature) {
		t.Fatal("Verify accepted a signature over different bytes")
	}
	other, _ := Generate(nil)
	if Verify(other.Feed(), []byte("payload"), signature) {
		t.Fatal("Verify accepted another feed's signature")
	}
}

func TestSecretJSONShape(t *testing.T) {
	pair, err := FromSeed(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	data, err := pair.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	var fields map[string]string
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if fields["curve"] != "ed25519" {
		t.Errorf("curve = %q", fields["curve"])
	}
	if fields["id"] != pair.Feed().String() {
		t.Errorf("id = %q, want %q", fields["id"], pair.Feed())
	}
	if !strings.HasSuffix(fields["private"], ".ed25519") || !strings.HasSuffix(fields["public"], ".ed25519") {
		t.Errorf("key fields missing suffix: %v", fields)
	}

	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Feed() != pair.Feed() {
		t.Error("Parse produced a different feed")
	}
}

func TestParseRejectsMismatchedID(t *testing.T) {
	first, _ := FromSeed(bytes.Repeat([]byte{1}, 32))
	second, _ := FromSeed(bytes.Repeat([]byte{2}, 32))
	data, _ := first.MarshalJSON()
	forged := strings.Replace(string(data), first.Feed().String(), second.Feed().String(), 1)
	if _, err := Parse([]byte(forged)); err == nil {
		t.Fatal("Parse accepted a secret whose id does not match its key")
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")

	if _, err := Load(path); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("Load on missing file: err = %v, want ErrNoSecret", err)
	}

	created, fresh, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if !fresh {
		t.Error("first LoadOrCreate reported an existing secret")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secret mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, fresh, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if fresh {
		t.Error("second LoadOrCreate generated a new secret")
	}
	if loaded.Feed() != created.Feed() {
		t.Error("reloaded identity differs")
	}
}
