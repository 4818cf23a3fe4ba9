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


package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/backend"
)

// entryRecord is the on-disk form of an Entry (§3 "Entry").
type entryRecord struct {
	TimestampUsec int64  `json:"ts"`
	ContentHash   string `json:"hash"` // hex
	ContentLength int64  `json:"len"`
	ContentType   string `json:"mime"`
	Backend       string `json:"backend"`
	FileID        string `json:"file_id"`
}

func entryFromRecord(owner types.PublicKey, path string, rec entryRecord) (types.Entry, error) {
	var hash [32]byte
	if err := decodeHexHash(rec.ContentHash, &hash); err != nil {
		return types.Entry{}, trace.Wrap(err)
	}
	return types.Entry{
		Owner:         owner,
		Path:          path,
		TimestampUsec: rec.TimestampUsec,
		ContentHash:   hash,
		ContentLength: rec.ContentLength,
		ContentType:   rec.ContentType,
		Backend:       rec.Backend,
		FileID:        rec.FileID,
	}, nil
}

// GetEntry returns the live entry at (owner, path), or trace.NotFound.
func (s *Store) GetEntry(ctx context.Context, owner types.PublicKey, path string) (*types.Entry, error) {
	var out *types.Entry
	err := s.backend.View(ctx, func(tx backend.Tx) error {
		raw, ok, err := tx.Get(backend.BucketEntries, entryKey(owner, path))
		if err != nil {
			return trace.Wrap(err)
		}
		if !ok {
			return trace.NotFound("entry %s not found", path)
		}
		var rec entryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return trace.Wrap(err)
		}
		e, err := entryFromRecord(owner, path, rec)
		if err != nil {
			return err
		}
		out = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WriteEntryParams bundles the inputs to WriteEntry.
type WriteEntryParams struct {
	Owner         types.PublicKey
	Path          string
	ContentHash   [32]byte
	ContentLength int64
	ContentType   string
	Backend       string
	FileID        string
	OverheadBytes int64
	QuotaBytes    int64 // 0 disables quota enforcement
	Now           time.Time
}

// WriteEntry implements the write-entry transaction of §4.4: it fetches
// the previous entry's length (if any), computes the user's new
// used_bytes, aborts with QuotaExceeded *before making any mutation* if
// that would exceed the configured quota, and otherwise commits the new
// entry, updates used_bytes, and appends a PUT event — all within a
// single backend.Update call. Checking quota before the first Put means
// the operation is safe to abort even on a backend (like MemoryBackend)
// that does not roll back partial writes on error: there are none yet.
func (s *Store) WriteEntry(ctx context.Context, p WriteEntryParams) (types.Entry, error) {
	var result types.Entry
	var committed types.Event
	err := s.backend.Update(ctx, func(tx backend.Tx) error {
		userRaw, ok, err := tx.Get(backend.BucketUsers, userKey(p.Owner))
		if err != nil {
			return trace.Wrap(err)
		}
		if !ok {
			return trace.NotFound("user %s not found", p.Owner)
		}
		var urec userRecord
		if err := json.Unmarshal(userRaw, &urec); err != nil {
			return trace.Wrap(err)
		}

		var oldLen int64
		existingRaw, existed, err := tx.Get(backend.BucketEntries, entryKey(p.Owner, p.Path))
		if err != nil {
			return trace.Wrap(err)
		}
		if existed {
			var old entryRecord
			if err := json.Unmarshal(existingRaw, &old); err != nil {
				return trace.Wrap(err)
			}
			oldLen = old.ContentLength
		}

		delta := p.ContentLength + p.OverheadBytes - oldLen
		if existed {
			delta -= p.OverheadBytes
		}
		newUsed := int64(urec.UsedBytes) + delta
		if p.QuotaBytes > 0 && newUsed > p.QuotaBytes {
			return trace.Wrap(ErrQuotaExceeded, "quota exceeded: %d + %d > %d", urec.UsedBytes, delta, p.QuotaBytes)
		}

		evID, err := tx.NextSequence(backend.BucketEvents)
		if err != nil {
			return trace.Wrap(err)
		}
		tsUsec := p.Now.UnixMicro()

		rec := entryRecord{
			TimestampUsec: tsUsec,
			ContentHash:   encodeHexHash(p.ContentHash),
			ContentLength: p.ContentLength,
			ContentType:   p.ContentType,
			Backend:       p.Backend,
			FileID:        p.FileID,
		}
		if err := tx.Put(backend.BucketEntries, entryKey(p.Owner, p.Path), marshalJSON(rec)); err != nil {
			return trace.Wrap(err)
		}

		urec.UsedBytes = uint64(newUsed)
		if err := tx.Put(backend.BucketUsers, userKey(p.Owner), marshalJSON(urec)); err != nil {
			return trace.Wrap(err)
		}

		event := eventRecord{
			OwnerID:     urec.ID,
			Kind:        string(types.EventPut),
			Path:        p.Path,
			ContentHash: rec.ContentHash,
			CreatedAt:   p.Now,
		}
		if err := putEvent(tx, uint64(evID), urec.ID, event); err != nil {
			return err
		}
		committed = types.Event{
			ID:          int64(evID),
			OwnerID:     urec.ID,
			Owner:       p.Owner,
			Kind:        types.EventPut,
			Path:        p.Path,
			ContentHash: p.ContentHash,
			CreatedAt:   p.Now,
		}

		result, err = entryFromRecord(p.Owner, p.Path, rec)
		return err
	})
	if err != nil {
		return types.Entry{}, err
	}
	if s.notify != nil {
		s.notify(committed)
	}
	return result, nil
}

// DeleteEntry implements the delete-entry transaction of §4.4: it fails
// with NotFound if no live entry exists (not retried on NotFound, per
// spec), otherwise deletes the entry, decrements used_bytes by exactly
// what WriteEntry added for it (content length plus the configured
// per-entry overhead), and appends a DEL event.
func (s *Store) DeleteEntry(ctx context.Context, owner types.PublicKey, path string, overheadBytes int64, now time.Time) error {
	var committed types.Event
	err := s.backend.Update(ctx, func(tx backend.Tx) error {
		existingRaw, ok, err := tx.Get(backend.BucketEntries, entryKey(owner, path))
		if err != nil {
			return trace.Wrap(err)
		}
		if !ok {
			return trace.NotFound("entry %s not found", path)
		}
		var old entryRecord
		if err := json.Unmarshal(existingRaw, &old); err != nil {
			return trace.Wrap(err)
		}

		userRaw, ok, err := tx.Get(backend.BucketUsers, userKey(owner))
		if err != nil {
			return trace.Wrap(err)
		}
		if !ok {
			return trace.NotFound("user %s not found", owner)
		}
		var urec userRecord
		if err := json.Unmarshal(userRaw, &urec); err != nil {
			return trace.Wrap(err)
		}

		if err := tx.Delete(backend.BucketEntries, entryKey(owner, path)); err != nil {
			return trace.Wrap(err)
		}

		newUsed := int64(urec.UsedBytes) - old.ContentLength - overheadBytes
		if newUsed < 0 {
			newUsed = 0
		}
		urec.UsedBytes = uint64(newUsed)
		if err := tx.Put(backend.BucketUsers, userKey(owner), marshalJSON(urec)); err != nil {
			return trace.Wrap(err)
		}

		evID, err := tx.NextSequence(backend.BucketEvents)
		if err != nil {
			return trace.Wrap(err)
		}
		event := eventRecord{
			OwnerID:   urec.ID,
			Kind:      string(types.EventDel),
			Path:      path,
			CreatedAt: now,
		}
		if err := putEvent(tx, uint64(evID), urec.ID, event); err != nil {
			return err
		}
		committed = types.Event{
			ID:        int64(evID),
			OwnerID:   urec.ID,
			Owner:     owner,
			Kind:      types.EventDel,
			Path:      path,
			CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.notify != nil {
		s.notify(committed)
	}
	return nil
}
