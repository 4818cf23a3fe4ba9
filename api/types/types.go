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


// Package types holds the wire types shared by every layer of the
// homeserver: the public key / path / capability vocabulary that shows up
// in tokens, entries, events, and sessions alike.
package types

import (
	"fmt"
	"strings"
	"time"
)

// PublicKeySize is the size in bytes of an Ed25519 public key.
const PublicKeySize = 32

// PublicKey is an Ed25519 public key identifying a user or a homeserver.
// Its canonical textual form is z-base-32 (52 characters, no padding).
type PublicKey [PublicKeySize]byte

// String renders the public key in z-base-32.
func (k PublicKey) String() string {
	return EncodeZBase32(k[:])
}

// IsZero reports whether the key is the all-zero placeholder value.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// ParsePublicKey decodes a z-base-32 string into a PublicKey.
func ParsePublicKey(s string) (PublicKey, error) {
	var out PublicKey
	raw, err := DecodeZBase32(s)
	if err != nil {
		return out, fmt.Errorf("invalid public key %q: %w", s, err)
	}
	if len(raw) != PublicKeySize {
		return out, fmt.Errorf("invalid public key %q: want %d bytes, got %d", s, PublicKeySize, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// Mode is the access mode granted by a Capability.
type Mode int

const (
	// ModeRead grants read access.
	ModeRead Mode = 1 << iota
	// ModeWrite grants write access.
	ModeWrite
)

// ModeReadWrite is the union of read and write access.
const ModeReadWrite = ModeRead | ModeWrite

// String renders the mode using the on-wire letters: "r", "w", or "rw".
func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "r"
	case ModeWrite:
		return "w"
	case ModeReadWrite:
		return "rw"
	default:
		return ""
	}
}

// ParseMode parses "r", "w", or "rw" (in either order).
func ParseMode(s string) (Mode, error) {
	switch s {
	case "r":
		return ModeRead, nil
	case "w":
		return ModeWrite, nil
	case "rw", "wr":
		return ModeReadWrite, nil
	default:
		return 0, fmt.Errorf("invalid capability mode %q", s)
	}
}

// Satisfies reports whether m grants everything required grants.
func (m Mode) Satisfies(required Mode) bool {
	return m&required == required
}

// Capability is a scoped (path-prefix, mode) authorization, as granted by
// an AuthToken and held by a Session.
type Capability struct {
	Prefix string
	Mode   Mode
}

// RootCapability is the unrestricted ("/", rw) capability.
func RootCapability() Capability {
	return Capability{Prefix: "/", Mode: ModeReadWrite}
}

// String renders the capability as "<prefix>:<mode>".
func (c Capability) String() string {
	return c.Prefix + ":" + c.Mode.String()
}

// ParseCapability parses a single "<prefix>:<mode>" token. The prefix must
// be non-empty and begin with "/".
func ParseCapability(s string) (Capability, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return Capability{}, fmt.Errorf("invalid capability %q: missing mode", s)
	}
	prefix, modeStr := s[:idx], s[idx+1:]
	if prefix == "" || prefix[0] != '/' {
		return Capability{}, fmt.Errorf("invalid capability %q: prefix must be non-empty and start with /", s)
	}
	mode, err := ParseMode(modeStr)
	if err != nil {
		return Capability{}, fmt.Errorf("invalid capability %q: %w", s, err)
	}
	return Capability{Prefix: prefix, Mode: mode}, nil
}

// ParseCapabilities parses a comma-separated capability list.
func ParseCapabilities(s string) ([]Capability, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]Capability, 0, len(parts))
	for _, p := range parts {
		cap, err := ParseCapability(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, cap)
	}
	return out, nil
}

// FormatCapabilities renders a capability list back to its wire form.
func FormatCapabilities(caps []Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// Allows reports whether this capability permits an operation at path p
// requiring mode `required`. p must be under the capability's prefix as a
// path segment, not merely share a string prefix: a capability for
// "/pub/app" must not match "/pub/application/...".
func (c Capability) Allows(p string, required Mode) bool {
	if !pathUnderPrefix(p, c.Prefix) {
		return false
	}
	return c.Mode.Satisfies(required)
}

// pathUnderPrefix reports whether p is prefix itself or a path beneath it,
// respecting "/" as the segment boundary.
func pathUnderPrefix(p, prefix string) bool {
	if p == prefix {
		return true
	}
	trimmed := strings.TrimSuffix(prefix, "/")
	return strings.HasPrefix(p, trimmed+"/")
}

// AllowsAny reports whether any capability in the set permits the request.
func AllowsAny(caps []Capability, p string, required Mode) bool {
	for _, c := range caps {
		if c.Allows(p, required) {
			return true
		}
	}
	return false
}

// EventKind distinguishes the two event types the log can carry.
type EventKind string

const (
	// EventPut records a successful write (create or overwrite).
	EventPut EventKind = "PUT"
	// EventDel records a successful delete.
	EventDel EventKind = "DEL"
)

// Event is an append-only log record. Ids are monotonically increasing and
// globally unique; they are never reused or mutated after insert.
type Event struct {
	ID          int64
	OwnerID     int64
	Owner       PublicKey
	Kind        EventKind
	Path        string
	ContentHash [32]byte
	CreatedAt   time.Time
}

// Entry is the metadata record for a single resource (owner pubkey, path).
type Entry struct {
	Owner         PublicKey
	Path          string
	TimestampUsec int64 // monotonic, microsecond precision, globally unique per user
	ContentHash   [32]byte
	ContentLength int64
	ContentType   string
	Backend       string // backend location tag
	FileID        string // opaque handle into the blob backend
}
