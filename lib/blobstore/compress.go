// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compression identifies how a blob file's body is encoded. The value
// is the first byte of every blob file, so the numbering is fixed.
type compression uint8

const (
	compressionNone compression = 0
	compressionLZ4  compression = 1
	compressionZstd compression = 2
)

func (c compression) String() string {
	switch c {
	case compressionNone:
		return "none"
	case compressionLZ4:
		return "lz4"
	case compressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

var errIncompressible = errors.New("blobstore: data is incompressible")

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("blobstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("blobstore: zstd decoder initialization failed: " + err.Error())
	}
}

// probeSize is how much of a blob selectCompression looks at.
const probeSize = 64 << 10

// selectCompression picks zstd for data that compresses well, LZ4 for
// data that compresses a little, and nothing for media and other
// already-compressed blobs.
func selectCompression(data []byte) compression {
	if len(data) == 0 {
		return compressionNone
	}
	probe := data[:min(len(data), probeSize)]
	compressed := zstdEncoder.EncodeAll(probe, nil)
	ratio := float64(len(probe)) / float64(len(compressed))
	switch {
	case ratio >= 1.5:
		return compressionZstd
	case ratio >= 1.1:
		return compressionLZ4
	default:
		return compressionNone
	}
}

// compress encodes data with the selected algorithm, falling back to
// storing it raw when compression does not shrink it.
func compress(data []byte) ([]byte, compression, error) {
	tag := selectCompression(data)
	var (
		encoded []byte
		err     error
	)
	switch tag {
	case compressionNone:
		return data, compressionNone, nil
	case compressionLZ4:
		encoded, err = compressLZ4(data)
	case compressionZstd:
		encoded = zstdEncoder.EncodeAll(data, nil)
		if len(encoded) >= len(data) {
			err = errIncompressible
		}
	}
	if errors.Is(err, errIncompressible) {
		return data, compressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return encoded, tag, nil
}

// decompress reverses compress. size is the exact decoded length.
func decompress(encoded []byte, tag compression, size int) ([]byte, error) {
	switch tag {
	case compressionNone:
		if len(encoded) != size {
			return nil, fmt.Errorf("raw blob is %d bytes, expected %d", len(encoded), size)
		}
		return encoded, nil
	case compressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(encoded, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil
	case compressionZstd:
		result, err := zstdDecoder.DecodeAll(encoded, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unknown compression %s", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}
