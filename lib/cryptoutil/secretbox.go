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
	"crypto/rand"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/nacl/secretbox"
)

// SecretSize is the size in bytes of the symmetric secret used to encrypt
// pairing payloads (client_secret in §4.7 / §6).
const SecretSize = 32

// nonceSize is fixed by nacl/secretbox (XSalsa20-Poly1305).
const nonceSize = 24

// Encrypt seals plaintext with the given 32-byte secret using
// XSalsa20-Poly1305 (golang.org/x/crypto/nacl/secretbox, the same x/crypto
// module the teacher already pins). The returned ciphertext is
// nonce || sealed-box, so it is self-contained on the wire.
func Encrypt(secret *[SecretSize]byte, plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, trace.Wrap(err, "generating nonce")
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	out = secretbox.Seal(out, plaintext, &nonce, secret)
	return out, nil
}

// Decrypt opens ciphertext produced by Encrypt. It fails with a
// BadCiphertext-flavored error (trace.AccessDenied) on any tag mismatch,
// truncation, or corruption, never distinguishing the cause further to
// avoid oracle behavior.
func Decrypt(secret *[SecretSize]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, trace.AccessDenied("bad ciphertext: too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, secret)
	if !ok {
		return nil, trace.AccessDenied("bad ciphertext: authentication failed")
	}
	return plaintext, nil
}
