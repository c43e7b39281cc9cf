// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode produces RFC 8949 §4.2 core deterministic output. Message
// keys and signatures are computed over these bytes, so two nodes
// encoding the same struct must agree byte for byte.
var encMode cbor.EncMode

// decMode is lenient: unknown fields are skipped so newer peers can
// add frame fields without breaking older ones.
var decMode cbor.DecMode

// strictMode rejects unknown fields and duplicate map keys. Signed
// payloads are decoded with it so that a peer cannot smuggle extra
// data past the signature check.
var strictMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Ref types (FeedID, MessageKey, BlobRef) keep their value in an
	// unexported field and must travel as their sigil string form.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	lenient := cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}
	decMode, err = lenient.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	strict := lenient
	strict.ExtraReturnErrors = cbor.ExtraDecErrorUnknownField
	strict.DupMapKey = cbor.DupMapKeyEnforcedAPF
	strictMode, err = strict.DecMode()
	if err != nil {
		panic("codec: strict CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v, ignoring unknown fields.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// UnmarshalStrict decodes data into v and fails on unknown fields or
// duplicate map keys.
func UnmarshalStrict(data []byte, v any) error {
	return strictMode.Unmarshal(data, v)
}

// Encoder and Decoder alias the fxamacker stream types so callers
// only import this package.
type (
	Encoder    = cbor.Encoder
	Decoder    = cbor.Decoder
	RawMessage = cbor.RawMessage
)

// NewEncoder returns a deterministic stream encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a lenient stream decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose renders data in CBOR diagnostic notation. Used by the CLI's
// raw inspection commands.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
