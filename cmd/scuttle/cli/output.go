// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
)

// Stdout is where commands write results. Tests replace it.
var Stdout io.Writer = os.Stdout

// WriteJSON writes value as indented JSON.
func WriteJSON(value any) error {
	encoder := json.NewEncoder(Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// WriteDocument re-indents a JSON document the node returned. Documents
// that are not JSON are written unchanged.
func WriteDocument(document []byte) error {
	var indented bytes.Buffer
	if err := json.Indent(&indented, document, "", "  "); err != nil {
		_, err = Stdout.Write(document)
		return err
	}
	indented.WriteByte('\n')
	_, err := Stdout.Write(indented.Bytes())
	return err
}
