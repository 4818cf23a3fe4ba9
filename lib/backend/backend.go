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


// Package backend defines the pluggable transactional key-value substrate
// that lib/storage and lib/session are built over. It generalizes the
// teacher's backend.Backend (lib/services/local/presence.go: Put / Get /
// GetRange / DeleteRange keyed by backend.Key / backend.RangeEnd) into an
// explicit bucketed-transaction model, since the homeserver's
// write-entry transaction (§4.4) must atomically touch three logical
// tables (entries, users, events) rather than a single flat keyspace.
package backend

import (
	"bytes"
	"context"

	"github.com/gravitational/trace"
)

// Bucket names the logical tables the storage and session layers use.
// Backends create these lazily on first use.
type Bucket string

const (
	BucketUsers        Bucket = "users"
	BucketEntries      Bucket = "entries"
	BucketEvents       Bucket = "events"
	BucketEventsByUser Bucket = "events_by_user"
	BucketSignup       Bucket = "signup_tokens"
	BucketSession      Bucket = "sessions"
	BucketBlobChunks   Bucket = "blob_chunks"
)

// Tx is a single read or read-write transaction over one or more buckets.
// Backends guarantee a single writer at a time (teleport's "single writer,
// many readers" discipline, §5).
type Tx interface {
	// Get returns the value for key in bucket, or ok=false if absent.
	Get(bucket Bucket, key []byte) (value []byte, ok bool, err error)
	// Put writes key=value in bucket, creating it if absent.
	Put(bucket Bucket, key, value []byte) error
	// Delete removes key from bucket. It is not an error if key is absent.
	Delete(bucket Bucket, key []byte) error
	// Range iterates keys in [start, end) (end exclusive; a nil end means
	// "to the end of the bucket") in ascending or descending order,
	// calling fn for each item until it returns false or items are
	// exhausted.
	Range(bucket Bucket, start, end []byte, reverse bool, fn func(key, value []byte) bool) error
	// NextSequence returns a bucket-scoped monotonically increasing
	// integer, used to mint entry timestamps and event ids.
	NextSequence(bucket Bucket) (uint64, error)
}

// Backend is the storage substrate. Update opens a single read-write
// transaction (the only writer admitted at a time); View opens a
// read-only transaction that may run concurrently with others.
type Backend interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// RangeEnd computes the exclusive end key for a prefix scan over a byte
// range beginning with prefix, mirroring the teacher's backend.RangeEnd
// helper: increment the last byte, carrying as needed. A nil result means
// "scan to the end of the keyspace" (prefix was all 0xFF bytes or empty).
func RangeEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Key joins components with the 0x00 separator the way the teacher's
// backend.Key does, giving a deterministic, sortable composite key.
func Key(parts ...[]byte) []byte {
	return bytes.Join(parts, []byte{0x00})
}

// ErrNotFound is returned by single-item lookups that miss; callers
// translate it to trace.NotFound at the package boundary they own.
var ErrNotFound = trace.NotFound("key not found")
