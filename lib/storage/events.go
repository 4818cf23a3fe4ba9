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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/backend"
)

// eventRecord is the on-disk form of an Event (§3 "Event").
type eventRecord struct {
	OwnerID     int64     `json:"owner_id"`
	Kind        string    `json:"kind"`
	Path        string    `json:"path"`
	ContentHash string    `json:"hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// eventsByUserKey indexes an event by (owner id, event id) so per-user
// cursor scans (§4.4 get_by_user_cursors) don't require a full-log scan.
func eventsByUserKey(ownerID int64, id uint64) []byte {
	return backend.Key(encodeUint64(uint64(ownerID)), encodeUint64(id))
}

func putEvent(tx backend.Tx, id uint64, ownerID int64, rec eventRecord) error {
	if err := tx.Put(backend.BucketEvents, encodeUint64(id), marshalJSON(rec)); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Put(backend.BucketEventsByUser, eventsByUserKey(ownerID, id), nil))
}

func eventFromRecord(id uint64, owner types.PublicKey, rec eventRecord) (types.Event, error) {
	var hash [32]byte
	if err := decodeHexHash(rec.ContentHash, &hash); err != nil {
		return types.Event{}, err
	}
	return types.Event{
		ID:          int64(id),
		OwnerID:     rec.OwnerID,
		Owner:       owner,
		Kind:        types.EventKind(rec.Kind),
		Path:        rec.Path,
		ContentHash: hash,
		CreatedAt:   rec.CreatedAt,
	}, nil
}

// GetByCursor returns events with id strictly greater than cursor (or
// from the beginning if cursor is nil), in ascending id order, bounded by
// limit.
func (s *Store) GetByCursor(ctx context.Context, cursor *int64, limit int) ([]types.Event, error) {
	var start []byte
	if cursor != nil {
		start = encodeUint64(uint64(*cursor) + 1)
	}
	var out []types.Event
	err := s.backend.View(ctx, func(tx backend.Tx) error {
		return tx.Range(backend.BucketEvents, start, nil, false, func(k, v []byte) bool {
			id := decodeUint64(k)
			var rec eventRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return true
			}
			owner, err := s.resolveOwnerID(tx, rec.OwnerID)
			if err != nil {
				return true
			}
			ev, err := eventFromRecord(id, owner, rec)
			if err != nil {
				return true
			}
			out = append(out, ev)
			return len(out) < limit
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// resolveOwnerID resolves a numeric owner id to a public key within an
// already-open transaction.
func (s *Store) resolveOwnerID(tx backend.Tx, id int64) (types.PublicKey, error) {
	var pk types.PublicKey
	raw, ok, err := tx.Get(backend.BucketUsers, userIDIndexKey(id))
	if err != nil {
		return pk, trace.Wrap(err)
	}
	if !ok {
		return pk, trace.NotFound("user id %d not found", id)
	}
	copy(pk[:], raw)
	return pk, nil
}

// UserCursor pairs a user id with the last event id that caller has
// already consumed for that user (nil meaning "from the beginning").
type UserCursor struct {
	UserID int64
	Cursor *int64
}

// GetByUserCursors implements §4.4 get_by_user_cursors: for each user,
// gather events after that user's own cursor (via the events_by_user
// index), merge the per-user candidate lists by global event id, apply
// an optional path-prefix filter, and return at most limit events total
// ordered by id (ascending) or by id descending if reverse is set.
func (s *Store) GetByUserCursors(ctx context.Context, cursors []UserCursor, reverse bool, pathPrefix string, limit int) ([]types.Event, error) {
	type candidate struct {
		id   uint64
		rec  eventRecord
		user int64
	}
	var candidates []candidate

	err := s.backend.View(ctx, func(tx backend.Tx) error {
		for _, uc := range cursors {
			var start []byte
			if uc.Cursor != nil {
				start = encodeUint64(uint64(*uc.Cursor) + 1)
			} else {
				start = encodeUint64(0)
			}
			prefix := encodeUint64(uint64(uc.UserID))
			rangeStart := backend.Key(prefix, start)
			rangeEnd := backend.RangeEnd(backend.Key(prefix, nil))

			count := 0
			err := tx.Range(backend.BucketEventsByUser, rangeStart, rangeEnd, reverse, func(k, _ []byte) bool {
				// key = ownerID(8) || 0x00 || eventID(8)
				idBytes := k[len(k)-8:]
				id := decodeUint64(idBytes)
				raw, ok, err := tx.Get(backend.BucketEvents, encodeUint64(id))
				if err != nil || !ok {
					return true
				}
				var rec eventRecord
				if err := json.Unmarshal(raw, &rec); err != nil {
					return true
				}
				// The path filter is applied here, before the event counts
				// toward this user's cap: otherwise a window of non-matching
				// events ahead of a real match could exhaust the per-user
				// cap on raw rows and make a post-filter empty/short batch
				// look like "no more matches" when more exist further on.
				if pathPrefix != "" && !strings.HasPrefix(rec.Path, pathPrefix) {
					return true
				}
				candidates = append(candidates, candidate{id: id, rec: rec, user: uc.UserID})
				count++
				return count < limit
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if reverse {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].id > candidates[j].id })
	} else {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })
	}

	var out []types.Event
	err = s.backend.View(ctx, func(tx backend.Tx) error {
		for _, c := range candidates {
			// pathPrefix was already applied per-user during the range scan
			// above, so every candidate here already matches it.
			owner, err := s.resolveOwnerID(tx, c.rec.OwnerID)
			if err != nil {
				continue
			}
			ev, err := eventFromRecord(c.id, owner, c.rec)
			if err != nil {
				continue
			}
			out = append(out, ev)
			if len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// legacyCursorThreshold disambiguates the two numeric cursor forms
// get_by_cursor/parse_cursor must accept (§4.4, §9 "Legacy cursors"): a
// small sequential event id versus a microsecond-since-epoch timestamp.
// Event ids are a monotonic per-store counter that will not reach this
// value; any unix-epoch microsecond timestamp later than mid-January 1970
// already exceeds it, so the split is unambiguous in practice.
const legacyCursorThreshold = 1_000_000_000_000

// ParseCursor accepts either a decimal event id (the current form) or a
// legacy microsecond-precision timestamp string, resolving the latter
// against the events table to find the id whose created_at matches
// exactly (§4.4, §9 "Legacy cursors").
func (s *Store) ParseCursor(ctx context.Context, raw string) (int64, error) {
	if raw == "" {
		return 0, trace.BadParameter("empty cursor")
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, trace.BadParameter("invalid cursor %q: not a decimal id or legacy timestamp", raw)
	}
	if value < legacyCursorThreshold {
		return value, nil
	}
	usec := value

	var found *int64
	err = s.backend.View(ctx, func(tx backend.Tx) error {
		return tx.Range(backend.BucketEvents, nil, nil, false, func(k, v []byte) bool {
			var rec eventRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return true
			}
			if rec.CreatedAt.UnixMicro() == usec {
				id := int64(decodeUint64(k))
				found = &id
				return false
			}
			return true
		})
	})
	if err != nil {
		return 0, err
	}
	if found == nil {
		return 0, trace.NotFound("no event found with legacy timestamp cursor %q", raw)
	}
	return *found, nil
}
