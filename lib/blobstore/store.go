// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bureau-foundation/scuttle/lib/digest"
	"github.com/bureau-foundation/scuttle/lib/ref"
)

// MaxSize is the largest blob the store accepts.
const MaxSize = 5 << 20

var (
	// ErrNotFound is returned by Get for a blob the store does not have.
	ErrNotFound = errors.New("blobstore: blob not found")

	// ErrHashMismatch is returned by PutVerified when the data does not
	// hash to the claimed reference. Nothing is stored.
	ErrHashMismatch = errors.New("blobstore: blob does not match its reference")

	// ErrTooLarge is returned for blobs over MaxSize.
	ErrTooLarge = errors.New("blobstore: blob too large")
)

// tmpDir holds partially written blobs; it lives inside the store so
// the final rename never crosses filesystems.
const tmpDir = "tmp"

// Store is a content-addressed blob directory with a registry of
// blobs wanted from peers.
//
// Blobs live at <root>/<first two hex digits>/<remaining hex digits>.
// Each file starts with a compression byte and the uvarint decoded
// size. Writes go to a temporary file that is renamed into place, so
// concurrent writers of the same blob race harmlessly and readers
// never see a partial file.
type Store struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	wants map[ref.BlobRef]struct{}

	listenersMu  sync.Mutex
	wantFns      map[int]func(ref.BlobRef)
	addedFns     map[int]func(ref.BlobRef, int64)
	nextListener int
}

// New opens or creates the store at root.
func New(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(filepath.Join(root, tmpDir), 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: creating %s: %w", root, err)
	}
	return &Store{
		root:     root,
		logger:   logger,
		wants:    make(map[ref.BlobRef]struct{}),
		wantFns:  make(map[int]func(ref.BlobRef)),
		addedFns: make(map[int]func(ref.BlobRef, int64)),
	}, nil
}

func (s *Store) path(blob ref.BlobRef) string {
	name := blob.Digest().Hex()
	return filepath.Join(s.root, name[:2], name[2:])
}

// Has reports whether the blob is stored locally.
func (s *Store) Has(blob ref.BlobRef) bool {
	_, err := os.Stat(s.path(blob))
	return err == nil
}

// Size returns the decoded size of a stored blob.
func (s *Store) Size(blob ref.BlobRef) (int64, error) {
	file, err := os.Open(s.path(blob))
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("blobstore: opening %s: %w", blob, err)
	}
	defer file.Close()
	header := make([]byte, 1+binary.MaxVarintLen64)
	count, err := io.ReadFull(file, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, fmt.Errorf("blobstore: reading %s: %w", blob, err)
	}
	_, size, _, err := decodeHeader(header[:count])
	if err != nil {
		return 0, fmt.Errorf("blobstore: %s: %w", blob, err)
	}
	return int64(size), nil
}

// Get returns the content of a stored blob. The content is checked
// against the reference on every read.
func (s *Store) Get(blob ref.BlobRef) ([]byte, error) {
	raw, err := os.ReadFile(s.path(blob))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: reading %s: %w", blob, err)
	}
	tag, size, headerLength, err := decodeHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("blobstore: %s: %w", blob, err)
	}
	data, err := decompress(raw[headerLength:], tag, int(size))
	if err != nil {
		return nil, fmt.Errorf("blobstore: %s: %w", blob, err)
	}
	if digest.Blob(data) != blob {
		return nil, fmt.Errorf("blobstore: %s is corrupt on disk", blob)
	}
	return data, nil
}

// Put stores everything read from r and returns its reference and
// size. Storing a blob satisfies any outstanding want for it.
func (s *Store) Put(r io.Reader) (ref.BlobRef, int64, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return ref.BlobRef{}, 0, fmt.Errorf("blobstore: reading blob: %w", err)
	}
	if len(data) > MaxSize {
		return ref.BlobRef{}, 0, ErrTooLarge
	}
	blob := digest.Blob(data)
	if err := s.write(blob, data); err != nil {
		return ref.BlobRef{}, 0, err
	}
	return blob, int64(len(data)), nil
}

// PutVerified stores data received for blob, refusing it unless it
// hashes to blob.
func (s *Store) PutVerified(blob ref.BlobRef, data []byte) error {
	if len(data) > MaxSize {
		return ErrTooLarge
	}
	if digest.Blob(data) != blob {
		return ErrHashMismatch
	}
	return s.write(blob, data)
}

func (s *Store) write(blob ref.BlobRef, data []byte) error {
	if !s.Has(blob) {
		encoded, tag, err := compress(data)
		if err != nil {
			return fmt.Errorf("blobstore: compressing %s: %w", blob, err)
		}
		target := s.path(blob)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("blobstore: creating shard: %w", err)
		}
		tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "blob-*")
		if err != nil {
			return fmt.Errorf("blobstore: creating temporary file: %w", err)
		}
		tmpPath := tmp.Name()
		body := append(encodeHeader(tag, uint64(len(data))), encoded...)
		_, err = tmp.Write(body)
		if err == nil {
			err = tmp.Sync()
		}
		if closeErr := tmp.Close(); err == nil {
			err = closeErr
		}
		if err == nil {
			err = os.Rename(tmpPath, target)
		}
		if err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("blobstore: writing %s: %w", blob, err)
		}
		s.logger.Debug("stored blob", "blob", blob.String(), "size", len(data), "compression", tag.String())
	}

	s.mu.Lock()
	_, wanted := s.wants[blob]
	delete(s.wants, blob)
	s.mu.Unlock()
	if wanted {
		s.notifyAdded(blob, int64(len(data)))
	}
	return nil
}

// Want registers interest in a blob the store does not have and tells
// want listeners, which ask connected peers for it. Wanting a blob
// that is stored or already wanted does nothing. Reports whether the
// blob is stored already.
func (s *Store) Want(blob ref.BlobRef) bool {
	if s.Has(blob) {
		return true
	}
	s.mu.Lock()
	_, already := s.wants[blob]
	s.wants[blob] = struct{}{}
	s.mu.Unlock()
	if !already {
		s.notifyWant(blob)
	}
	return false
}

// Wanted reports whether blob is registered as wanted.
func (s *Store) Wanted(blob ref.BlobRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.wants[blob]
	return ok
}

// Wants returns every outstanding want, sorted.
func (s *Store) Wants() []ref.BlobRef {
	s.mu.Lock()
	wants := make([]ref.BlobRef, 0, len(s.wants))
	for blob := range s.wants {
		wants = append(wants, blob)
	}
	s.mu.Unlock()
	sort.Slice(wants, func(i, j int) bool {
		a, b := wants[i].Digest(), wants[j].Digest()
		return bytes.Compare(a[:], b[:]) < 0
	})
	return wants
}

// OnWant registers fn to be called for each newly wanted blob. The
// returned function unregisters it.
func (s *Store) OnWant(fn func(ref.BlobRef)) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.wantFns[id] = fn
	return func() {
		s.listenersMu.Lock()
		delete(s.wantFns, id)
		s.listenersMu.Unlock()
	}
}

// OnAdded registers fn to be called when a wanted blob arrives.
func (s *Store) OnAdded(fn func(ref.BlobRef, int64)) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.addedFns[id] = fn
	return func() {
		s.listenersMu.Lock()
		delete(s.addedFns, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) notifyWant(blob ref.BlobRef) {
	s.listenersMu.Lock()
	fns := make([]func(ref.BlobRef), 0, len(s.wantFns))
	for _, fn := range s.wantFns {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn(blob)
	}
}

func (s *Store) notifyAdded(blob ref.BlobRef, size int64) {
	s.listenersMu.Lock()
	fns := make([]func(ref.BlobRef, int64), 0, len(s.addedFns))
	for _, fn := range s.addedFns {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn(blob, size)
	}
}

func encodeHeader(tag compression, size uint64) []byte {
	return binary.AppendUvarint([]byte{byte(tag)}, size)
}

func decodeHeader(raw []byte) (compression, uint64, int, error) {
	if len(raw) < 2 {
		return 0, 0, 0, fmt.Errorf("truncated header")
	}
	size, n := binary.Uvarint(raw[1:])
	if n <= 0 {
		return 0, 0, 0, fmt.Errorf("bad size in header")
	}
	if size > MaxSize {
		return 0, 0, 0, fmt.Errorf("recorded size %d exceeds limit", size)
	}
	return compression(raw[0]), size, 1 + n, nil
}
