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


package cryptoutil

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/pubky/pubky-homeserver/api/types"
)

// AuthTokenVersion is the wire protocol version tag for AuthToken.
const AuthTokenVersion byte = 1

// AuthToken is the signed credential a signer mints to authorize a session:
// either the user themself signing in, or a signer approving a third-party
// pairing request with a reduced capability set.
type AuthToken struct {
	Version      byte
	TimestampUsec int64
	Subject      types.PublicKey
	Capabilities []types.Capability
	Signature    []byte
}

// signedBytes returns the canonical byte representation over which the
// signature is computed: version || timestamp || subject || capabilities.
// Capabilities are serialized in the order given; callers that need
// canonical equality (the replay cache) must present them in a stable
// order; MintAuthToken keeps the order its caller passes.
func (t *AuthToken) signedBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(t.Version)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(t.TimestampUsec))
	buf.Write(tsBuf[:])
	buf.Write(t.Subject[:])
	buf.WriteString(types.FormatCapabilities(t.Capabilities))
	return buf.Bytes()
}

// Bytes returns the full wire encoding (signed bytes plus signature),
// suitable for encrypting and transmitting over the pairing relay.
func (t *AuthToken) Bytes() []byte {
	body := t.signedBytes()
	out := make([]byte, 0, len(body)+len(t.Signature))
	out = append(out, body...)
	out = append(out, t.Signature...)
	return out
}

// MintAuthToken signs a fresh AuthToken as of now, granting exactly the
// given capabilities.
func MintAuthToken(clock clockwork.Clock, signer *KeyPair, caps []types.Capability) *AuthToken {
	t := &AuthToken{
		Version:       AuthTokenVersion,
		TimestampUsec: clock.Now().UnixMicro(),
		Subject:       signer.Public,
		Capabilities:  caps,
	}
	t.Signature = signer.Sign(t.signedBytes())
	return t
}

// ParseAuthToken decodes a wire-format AuthToken. It does not verify the
// signature; call Verify for that.
func ParseAuthToken(raw []byte) (*AuthToken, error) {
	const minLen = 1 + 8 + types.PublicKeySize + ed25519SignatureSize
	if len(raw) < minLen {
		return nil, trace.BadParameter("auth token too short: %d bytes", len(raw))
	}
	t := &AuthToken{}
	t.Version = raw[0]
	if t.Version != AuthTokenVersion {
		return nil, trace.BadParameter("unsupported auth token version %d", t.Version)
	}
	t.TimestampUsec = int64(binary.BigEndian.Uint64(raw[1:9]))
	copy(t.Subject[:], raw[9:9+types.PublicKeySize])
	rest := raw[9+types.PublicKeySize:]
	sigStart := len(rest) - ed25519SignatureSize
	if sigStart < 0 {
		return nil, trace.BadParameter("auth token malformed: missing signature")
	}
	capsRaw := rest[:sigStart]
	t.Signature = append([]byte(nil), rest[sigStart:]...)
	caps, err := types.ParseCapabilities(string(capsRaw))
	if err != nil {
		return nil, trace.Wrap(err, "invalid capabilities in auth token")
	}
	t.Capabilities = caps
	return t, nil
}

const ed25519SignatureSize = 64

// ReplayCache records token bodies seen within the replay window so an
// identical token cannot be presented twice. It is a narrow, swappable
// interface so that Verify can be exercised with an in-memory fake in
// tests without pulling in the backend package.
type ReplayCache interface {
	// SeenRecently reports whether this exact token body has already been
	// recorded within the configured window, recording it if not.
	SeenRecently(body []byte, at time.Time) bool
}

// VerifyOptions configures AuthToken.Verify.
type VerifyOptions struct {
	Clock         clockwork.Clock
	ExpiryWindow  time.Duration
	ReplayCache   ReplayCache
	RequireRoot   bool
}

// Verify checks the token's signature, expiry window, and (if configured)
// replay status, and optionally requires the root capability.
func (t *AuthToken) Verify(opts VerifyOptions) error {
	if err := Verify(t.Subject, t.signedBytes(), t.Signature); err != nil {
		return trace.AccessDenied("invalid auth token: %v", err)
	}

	now := opts.Clock.Now()
	issued := time.UnixMicro(t.TimestampUsec)
	age := now.Sub(issued)
	if age < 0 {
		age = -age
	}
	if age > opts.ExpiryWindow {
		return trace.AccessDenied("auth token expired: issued %s ago, window %s", age, opts.ExpiryWindow)
	}

	if opts.ReplayCache != nil {
		if opts.ReplayCache.SeenRecently(t.signedBytes(), now) {
			return trace.AccessDenied("auth token already used (replay detected)")
		}
	}

	if opts.RequireRoot {
		root := types.RootCapability()
		found := false
		for _, c := range t.Capabilities {
			if c == root {
				found = true
				break
			}
		}
		if !found {
			return trace.AccessDenied("auth token does not grant root capability")
		}
	}
	return nil
}
