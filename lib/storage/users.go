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

// userIDIndexKey maps a numeric user id back to its public key, needed
// because events are keyed by the compact int64 id but callers (and the
// event-stream query surface, §4.8) address users by public key.
func userIDIndexKey(id int64) []byte {
	return backend.Key([]byte("by-id"), encodeUint64(uint64(id)))
}

// GetUser looks up a user by public key. Returns trace.NotFound if absent.
func (s *Store) GetUser(ctx context.Context, pk types.PublicKey) (*User, error) {
	var out *User
	err := s.backend.View(ctx, func(tx backend.Tx) error {
		raw, ok, err := tx.Get(backend.BucketUsers, userKey(pk))
		if err != nil {
			return trace.Wrap(err)
		}
		if !ok {
			return trace.NotFound("user %s not found", pk)
		}
		var rec userRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return trace.Wrap(err, "unmarshaling user record")
		}
		out = &User{ID: rec.ID, PublicKey: pk, CreatedAt: rec.CreatedAt, Disabled: rec.Disabled, UsedBytes: rec.UsedBytes}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetUserByID resolves a numeric user id to its full record, used when
// rendering events (which store only the compact id) back into
// pubky://<pk>/... form.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var pk types.PublicKey
	err := s.backend.View(ctx, func(tx backend.Tx) error {
		raw, ok, err := tx.Get(backend.BucketUsers, userIDIndexKey(id))
		if err != nil {
			return trace.Wrap(err)
		}
		if !ok {
			return trace.NotFound("user id %d not found", id)
		}
		copy(pk[:], raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, pk)
}

// CreateUserIfAbsent creates a user record for pk if one does not already
// exist, returning the (possibly pre-existing) record and whether it was
// newly created. Signup (§4.6) calls this in its own transaction, before
// the session record is written.
func (s *Store) CreateUserIfAbsent(ctx context.Context, pk types.PublicKey, now time.Time) (user *User, created bool, err error) {
	err = s.backend.Update(ctx, func(tx backend.Tx) error {
		raw, ok, err := tx.Get(backend.BucketUsers, userKey(pk))
		if err != nil {
			return trace.Wrap(err)
		}
		if ok {
			var rec userRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return trace.Wrap(err)
			}
			user = &User{ID: rec.ID, PublicKey: pk, CreatedAt: rec.CreatedAt, Disabled: rec.Disabled, UsedBytes: rec.UsedBytes}
			created = false
			return nil
		}

		id, err := tx.NextSequence(backend.BucketUsers)
		if err != nil {
			return trace.Wrap(err)
		}
		rec := userRecord{ID: int64(id), CreatedAt: now}
		if err := tx.Put(backend.BucketUsers, userKey(pk), marshalJSON(rec)); err != nil {
			return trace.Wrap(err)
		}
		if err := tx.Put(backend.BucketUsers, userIDIndexKey(int64(id)), pk[:]); err != nil {
			return trace.Wrap(err)
		}
		user = &User{ID: int64(id), PublicKey: pk, CreatedAt: now}
		created = true
		return nil
	})
	return user, created, err
}

// DisableUser sets the disabled flag; used by admin tooling out of this
// component's direct scope but exercised by the session enforcer to reject
// requests from disabled accounts.
func (s *Store) DisableUser(ctx context.Context, pk types.PublicKey) error {
	return s.backend.Update(ctx, func(tx backend.Tx) error {
		raw, ok, err := tx.Get(backend.BucketUsers, userKey(pk))
		if err != nil {
			return trace.Wrap(err)
		}
		if !ok {
			return trace.NotFound("user %s not found", pk)
		}
		var rec userRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return trace.Wrap(err)
		}
		rec.Disabled = true
		return tx.Put(backend.BucketUsers, userKey(pk), marshalJSON(rec))
	})
}

// adjustUsedBytes updates a user's used_bytes by delta within an
// already-open transaction, returning the resulting value. Negative
// deltas below zero are clamped (can only happen on repository bugs, not
// on valid traffic, since every call site computes delta from the actual
// prior entry size).
func adjustUsedBytes(tx backend.Tx, pk types.PublicKey, delta int64) (uint64, error) {
	raw, ok, err := tx.Get(backend.BucketUsers, userKey(pk))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if !ok {
		return 0, trace.NotFound("user %s not found", pk)
	}
	var rec userRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, trace.Wrap(err)
	}
	next := int64(rec.UsedBytes) + delta
	if next < 0 {
		next = 0
	}
	rec.UsedBytes = uint64(next)
	if err := tx.Put(backend.BucketUsers, userKey(pk), marshalJSON(rec)); err != nil {
		return 0, trace.Wrap(err)
	}
	return rec.UsedBytes, nil
}
