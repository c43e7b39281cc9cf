// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// maxAliasLength keeps aliases usable as a DNS label, which is how
// rooms publish them.
const maxAliasLength = 63

// Alias is a name registered with a room server. Lowercase ASCII
// letters and digits only.
type Alias struct {
	name string
}

// ParseAlias validates raw as an alias.
func ParseAlias(raw string) (Alias, error) {
	if raw == "" {
		return Alias{}, fmt.Errorf("alias is empty")
	}
	if len(raw) > maxAliasLength {
		return Alias{}, fmt.Errorf("alias %q is longer than %d characters", raw, maxAliasLength)
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return Alias{}, fmt.Errorf("alias %q: character %q not allowed (lowercase letters and digits only)", raw, c)
		}
	}
	return Alias{name: raw}, nil
}

func MustParseAlias(raw string) Alias {
	alias, err := ParseAlias(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseAlias(%q): %v", raw, err))
	}
	return alias
}

func (a Alias) String() string { return a.name }
func (a Alias) IsZero() bool   { return a.name == "" }

func (a Alias) MarshalText() ([]byte, error) { return []byte(a.name), nil }

func (a *Alias) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*a = Alias{}
		return nil
	}
	parsed, err := ParseAlias(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
