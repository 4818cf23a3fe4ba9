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


// Package storage implements the entry and event repository (component
// C4): a transactional mapping from (user, path) to entry metadata and an
// append-only per-user event log, both built over lib/backend. It follows
// the teacher's lib/services/local convention of a thin service struct
// wrapping a backend.Backend with marshal/unmarshal helpers per resource
// (lib/services/local/presence.go's PresenceService).
package storage

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/backend"
)

var log = logrus.WithFields(logrus.Fields{trace.Component: "storage"})

// ErrQuotaExceeded identifies a WriteEntry rejection caused by the user's
// per-account quota (§4.5), distinct from gravitational/trace's generic
// LimitExceeded kind that lib/ratelimit also produces for request-rate
// denials; the HTTP boundary maps this one to 507 and the other to 429.
var ErrQuotaExceeded = trace.LimitExceeded("quota exceeded")

// Store is the entry/event repository.
type Store struct {
	backend backend.Backend
	notify  func(types.Event)
}

// New wraps a backend.Backend with the entry/event repository.
func New(b backend.Backend) *Store {
	return &Store{backend: b}
}

// SetNotifier registers fn to be called, after a WriteEntry or DeleteEntry
// transaction commits, with the event it just appended. It feeds the
// broadcast bus that live event-stream subscribers consume (§5 "a single
// broadcast bus fans events out to live subscribers"). fn is called after
// the backend transaction has already committed, so it must not block the
// writer for long; a bounded, dropping bus is the expected implementation.
func (s *Store) SetNotifier(fn func(types.Event)) {
	s.notify = fn
}

// --- encoding helpers ---

func encodeUint64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func decodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func userKey(pk types.PublicKey) []byte {
	return pk[:]
}

func entryKey(pk types.PublicKey, path string) []byte {
	return backend.Key(pk[:], []byte(path))
}

func entryPrefix(pk types.PublicKey) []byte {
	return backend.Key(pk[:], nil)
}

// userRecord is the on-disk form of a User.
type userRecord struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Disabled  bool      `json:"disabled"`
	UsedBytes uint64    `json:"used_bytes"`
}

// User is the in-memory view of a user account (§3 "User").
type User struct {
	ID        int64
	PublicKey types.PublicKey
	CreatedAt time.Time
	Disabled  bool
	UsedBytes uint64
}

func marshalJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every type passed here is an internal, statically-known record;
		// a marshal failure is a programmer error, not a runtime one.
		panic(trace.Wrap(err, "marshaling storage record"))
	}
	return b
}
