/*
Copyright 2022 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/


package blobstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	beresource "github.com/pubky/pubky-homeserver/lib/backend"
	"github.com/pubky/pubky-homeserver/lib/resource"
)

// chunkSize bounds how much of a single write lands in one backend key,
// keeping individual bbolt values small and writes interruptible.
const chunkSize = 256 * 1024

// EmbeddedBackend stores blob bytes chunk-by-chunk in the same
// backend.Backend used for entries and events, keyed by (file-id,
// chunk-index) as §3 "Blob" specifies for the embedded store.
type EmbeddedBackend struct {
	backend beresource.Backend
}

// NewEmbeddedBackend wraps a backend.Backend as a blob Backend.
func NewEmbeddedBackend(b beresource.Backend) *EmbeddedBackend {
	return &EmbeddedBackend{backend: b}
}

func chunkKey(fileID string, index uint32) []byte {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	return beresource.Key([]byte(fileID), idx[:])
}

func fileIDKey(res resource.Resource) []byte {
	return beresource.Key(res.Owner[:], []byte(res.Path))
}

type embeddedWriter struct {
	backend   beresource.Backend
	resource  resource.Resource
	fileID    string
	chunkIdx  uint32
	buf       []byte
	total     int64
	committed bool
}

func (b *EmbeddedBackend) NewWriter(ctx context.Context, res resource.Resource) (Writer, error) {
	return &embeddedWriter{
		backend:  b.backend,
		resource: res,
		fileID:   uuid.NewString(),
	}, nil
}

func (w *embeddedWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for len(w.buf) >= chunkSize {
		if err := w.flush(w.buf[:chunkSize]); err != nil {
			return 0, err
		}
		w.buf = w.buf[chunkSize:]
	}
	w.total += int64(len(p))
	return len(p), nil
}

func (w *embeddedWriter) flush(chunk []byte) error {
	key := chunkKey(w.fileID, w.chunkIdx)
	w.chunkIdx++
	return w.backend.Update(context.Background(), func(tx beresource.Tx) error {
		return tx.Put(beresource.BucketBlobChunks, key, chunk)
	})
}

// Commit flushes any buffered remainder and records the file-id ->
// chunk-count mapping under the resource key, replacing whatever blob
// previously lived there. The caller (blobstore.Store) is responsible
// for only calling Commit after the quota check has passed.
func (w *embeddedWriter) Commit(ctx context.Context) (string, string, error) {
	if len(w.buf) > 0 {
		if err := w.flush(w.buf); err != nil {
			return "", "", err
		}
		w.buf = nil
	}
	w.committed = true

	meta := fmt.Sprintf("%d", w.chunkIdx)
	err := w.backend.Update(ctx, func(tx beresource.Tx) error {
		// Drop the previous blob's chunks for this resource, if any, now
		// that the new content is fully durable — mirrors §4.5 step 5
		// ("commit the blob, then atomically the entry+event").
		if prevRaw, ok, err := tx.Get(beresource.BucketBlobChunks, fileIDKey(w.resource)); err == nil && ok {
			prevID, _ := parseFileMeta(prevRaw)
			deleteChunks(tx, prevID)
		}
		return tx.Put(beresource.BucketBlobChunks, fileIDKey(w.resource), []byte(w.fileID+":"+meta))
	})
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	return "embedded", w.fileID, nil
}

func (w *embeddedWriter) Abort(ctx context.Context) error {
	if w.committed {
		return nil
	}
	return w.backend.Update(ctx, func(tx beresource.Tx) error {
		deleteChunks(tx, w.fileID)
		return nil
	})
}

func deleteChunks(tx beresource.Tx, fileID string) {
	for i := uint32(0); ; i++ {
		key := chunkKey(fileID, i)
		_, ok, err := tx.Get(beresource.BucketBlobChunks, key)
		if err != nil || !ok {
			return
		}
		_ = tx.Delete(beresource.BucketBlobChunks, key)
	}
}

func parseFileMeta(raw []byte) (fileID string, chunkCount uint32) {
	s := string(raw)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			var n int
			fmt.Sscanf(s[i+1:], "%d", &n)
			return s[:i], uint32(n)
		}
	}
	return s, 0
}

func (b *EmbeddedBackend) Stat(ctx context.Context, res resource.Resource) (int64, error) {
	var total int64
	err := b.backend.View(ctx, func(tx beresource.Tx) error {
		raw, ok, err := tx.Get(beresource.BucketBlobChunks, fileIDKey(res))
		if err != nil {
			return trace.Wrap(err)
		}
		if !ok {
			return trace.NotFound("blob not found for %s", res.Path)
		}
		fileID, count := parseFileMeta(raw)
		for i := uint32(0); i < count; i++ {
			chunk, ok, err := tx.Get(beresource.BucketBlobChunks, chunkKey(fileID, i))
			if err != nil {
				return trace.Wrap(err)
			}
			if ok {
				total += int64(len(chunk))
			}
		}
		return nil
	})
	return total, err
}

func (b *EmbeddedBackend) Reader(ctx context.Context, res resource.Resource) (io.ReadCloser, error) {
	var chunks [][]byte
	err := b.backend.View(ctx, func(tx beresource.Tx) error {
		raw, ok, err := tx.Get(beresource.BucketBlobChunks, fileIDKey(res))
		if err != nil {
			return trace.Wrap(err)
		}
		if !ok {
			return trace.NotFound("blob not found for %s", res.Path)
		}
		fileID, count := parseFileMeta(raw)
		for i := uint32(0); i < count; i++ {
			chunk, ok, err := tx.Get(beresource.BucketBlobChunks, chunkKey(fileID, i))
			if err != nil {
				return trace.Wrap(err)
			}
			if ok {
				chunks = append(chunks, chunk)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newChunkReader(chunks), nil
}

func (b *EmbeddedBackend) Delete(ctx context.Context, res resource.Resource) error {
	return b.backend.Update(ctx, func(tx beresource.Tx) error {
		raw, ok, err := tx.Get(beresource.BucketBlobChunks, fileIDKey(res))
		if err != nil {
			return trace.Wrap(err)
		}
		if !ok {
			return nil
		}
		fileID, _ := parseFileMeta(raw)
		deleteChunks(tx, fileID)
		return tx.Delete(beresource.BucketBlobChunks, fileIDKey(res))
	})
}

// chunkReader concatenates in-memory chunks into a single io.ReadCloser.
type chunkReader struct {
	chunks [][]byte
	idx    int
	off    int
}

func newChunkReader(chunks [][]byte) *chunkReader {
	return &chunkReader{chunks: chunks}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for r.idx < len(r.chunks) && r.off >= len(r.chunks[r.idx]) {
		r.idx++
		r.off = 0
	}
	if r.idx >= len(r.chunks) {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.idx][r.off:])
	r.off += n
	return n, nil
}

func (r *chunkReader) Close() error { return nil }
