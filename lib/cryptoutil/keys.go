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


// Package cryptoutil implements the identity and capability primitives of
// the homeserver (component C1): Ed25519 keypairs, AuthToken signing and
// verification, the replay cache, and the authenticated symmetric cipher
// used by the pairing flow. It follows the teacher's convention of a small
// native keygen package (lib/auth/native) wrapping crypto/... behind a
// narrow interface.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/gravitational/trace"

	"github.com/pubky/pubky-homeserver/api/types"
)

// KeyPair is an Ed25519 signing keypair.
type KeyPair struct {
	Public  types.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh random Ed25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err, "generating ed25519 keypair")
	}
	var out types.PublicKey
	copy(out[:], pub)
	return &KeyPair{Public: out, private: priv}, nil
}

// KeyPairFromSeed reconstructs a keypair from a 32-byte Ed25519 seed, as
// used when a keypair is loaded from a persisted secret rather than
// generated fresh.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, trace.BadParameter("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var out types.PublicKey
	copy(out[:], priv.Public().(ed25519.PublicKey))
	return &KeyPair{Public: out, private: priv}, nil
}

// Sign signs a message with the keypair's private key.
func (k *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// Verify checks a signature against a public key, returning InvalidToken
// (via trace.AccessDenied) on mismatch.
func Verify(pub types.PublicKey, message, signature []byte) error {
	if !ed25519.Verify(ed25519.PublicKey(pub[:]), message, signature) {
		return trace.AccessDenied("invalid signature")
	}
	return nil
}
