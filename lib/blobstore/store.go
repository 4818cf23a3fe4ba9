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
	"io"
	"time"

	"github.com/gravitational/trace"
	"lukechampine.com/blake3"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/resource"
	"github.com/pubky/pubky-homeserver/lib/storage"
)

// Store is the quota-enforcing front door for blob writes (§4.5): it
// streams the request body through a blake3 hash while relaying bytes to
// the chosen Backend, checks the streamed length against the user's quota
// before committing the blob, then asks storage.Store.WriteEntry to
// record the entry, which checks the quota again inside its transaction.
// If that second check rejects the write, the just-committed blob is
// deleted so no orphaned content survives a quota failure.
type Store struct {
	backend       Backend
	entries       *storage.Store
	overheadBytes int64
	quotaBytes    int64
}

// NewStore builds a quota-enforcing blob store over backend, recording
// entry metadata in entries. overheadBytes and quotaBytes come from the
// [quota] config section (§4.5, SPEC_FULL.md OPEN QUESTIONS).
func NewStore(backend Backend, entries *storage.Store, overheadBytes, quotaBytes int64) *Store {
	return &Store{backend: backend, entries: entries, overheadBytes: overheadBytes, quotaBytes: quotaBytes}
}

// Put streams body into storage at (owner, path) and records the
// resulting entry. On quota rejection the blob just written is aborted
// (or, if already committed, deleted) and a trace.LimitExceeded error
// wrapping storage.ErrQuotaExceeded is returned.
func (s *Store) Put(ctx context.Context, owner types.PublicKey, path, contentType string, body io.Reader, now time.Time) (types.Entry, error) {
	res := resource.Resource{Owner: owner, Path: path}

	w, err := s.backend.NewWriter(ctx, res)
	if err != nil {
		return types.Entry{}, trace.Wrap(err, "opening blob writer for %s", path)
	}

	hasher := blake3.New(32, nil)
	n, copyErr := io.Copy(io.MultiWriter(w, hasher), body)
	if copyErr != nil {
		if abortErr := w.Abort(ctx); abortErr != nil {
			log.WithError(abortErr).Warn("aborting blob writer after copy failure")
		}
		return types.Entry{}, trace.Wrap(copyErr, "streaming body for %s", path)
	}

	// Check the quota before committing, so a rejected overwrite never
	// replaces the blob the live entry still points at.
	if s.quotaBytes > 0 {
		if user, err := s.entries.GetUser(ctx, owner); err == nil {
			delta := n + s.overheadBytes
			if prev, err := s.entries.GetEntry(ctx, owner, path); err == nil {
				delta = n - prev.ContentLength
			}
			if int64(user.UsedBytes)+delta > s.quotaBytes {
				if abortErr := w.Abort(ctx); abortErr != nil {
					log.WithError(abortErr).Warn("aborting blob writer after quota rejection")
				}
				return types.Entry{}, trace.Wrap(storage.ErrQuotaExceeded, "quota exceeded writing %s", path)
			}
		}
	}

	backendTag, fileID, err := w.Commit(ctx)
	if err != nil {
		if abortErr := w.Abort(ctx); abortErr != nil {
			log.WithError(abortErr).Warn("aborting blob writer after commit failure")
		}
		return types.Entry{}, trace.Wrap(err, "committing blob for %s", path)
	}

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	entry, err := s.entries.WriteEntry(ctx, storage.WriteEntryParams{
		Owner:         owner,
		Path:          path,
		ContentHash:   hash,
		ContentLength: n,
		ContentType:   contentType,
		Backend:       backendTag,
		FileID:        fileID,
		OverheadBytes: s.overheadBytes,
		QuotaBytes:    s.quotaBytes,
		Now:           now,
	})
	if err != nil {
		// The blob is already durable but the user's accounting rejects
		// it (over quota) or the user vanished; remove it so no blob is
		// left with no corresponding entry.
		if delErr := s.backend.Delete(ctx, res); delErr != nil {
			log.WithError(delErr).Warn("deleting orphaned blob after rejected entry write")
		}
		return types.Entry{}, err
	}
	return entry, nil
}

// Get returns the entry metadata and a stream of its current content.
// Callers must close the returned reader.
func (s *Store) Get(ctx context.Context, owner types.PublicKey, path string) (types.Entry, io.ReadCloser, error) {
	entry, err := s.entries.GetEntry(ctx, owner, path)
	if err != nil {
		return types.Entry{}, nil, err
	}
	r, err := s.backend.Reader(ctx, resource.Resource{Owner: owner, Path: path})
	if err != nil {
		return types.Entry{}, nil, trace.Wrap(err, "opening blob reader for %s", path)
	}
	return *entry, r, nil
}

// Delete removes both the entry metadata and the underlying blob. The
// entry is removed first: an entry pointing at a missing blob is a bug
// worth surfacing, whereas a blob outliving its entry is merely wasted
// space a GC sweep (out of scope here) can reclaim later.
func (s *Store) Delete(ctx context.Context, owner types.PublicKey, path string, now time.Time) error {
	if err := s.entries.DeleteEntry(ctx, owner, path, s.overheadBytes, now); err != nil {
		return err
	}
	return trace.Wrap(s.backend.Delete(ctx, resource.Resource{Owner: owner, Path: path}))
}
