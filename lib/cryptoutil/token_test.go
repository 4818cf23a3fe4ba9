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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pubky/pubky-homeserver/api/types"
)

func TestMintAndVerifyAuthToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	signer, err := GenerateKeyPair()
	require.NoError(t, err)

	caps := []types.Capability{types.RootCapability()}
	token := MintAuthToken(clock, signer, caps)

	raw := token.Bytes()
	parsed, err := ParseAuthToken(raw)
	require.NoError(t, err)
	require.Equal(t, signer.Public, parsed.Subject)
	require.Equal(t, caps, parsed.Capabilities)

	err = parsed.Verify(VerifyOptions{
		Clock:        clock,
		ExpiryWindow: 30 * time.Second,
		RequireRoot:  true,
	})
	require.NoError(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	signer, err := GenerateKeyPair()
	require.NoError(t, err)

	token := MintAuthToken(clock, signer, []types.Capability{types.RootCapability()})
	clock.Advance(time.Minute)

	err = token.Verify(VerifyOptions{Clock: clock, ExpiryWindow: 30 * time.Second})
	require.Error(t, err)
}

func TestVerifyRejectsTamperedCapabilities(t *testing.T) {
	clock := clockwork.NewFakeClock()
	signer, err := GenerateKeyPair()
	require.NoError(t, err)

	token := MintAuthToken(clock, signer, []types.Capability{types.RootCapability()})
	token.Capabilities = append(token.Capabilities, types.Capability{Prefix: "/pub/evil/", Mode: types.ModeReadWrite})

	err = token.Verify(VerifyOptions{Clock: clock, ExpiryWindow: 30 * time.Second})
	require.Error(t, err)
}

func TestReplayCacheDetectsDuplicate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	signer, err := GenerateKeyPair()
	require.NoError(t, err)

	cache := NewInMemoryReplayCache(60 * time.Second)
	token := MintAuthToken(clock, signer, []types.Capability{types.RootCapability()})

	opts := VerifyOptions{Clock: clock, ExpiryWindow: 30 * time.Second, ReplayCache: cache}
	require.NoError(t, token.Verify(opts))
	require.Error(t, token.Verify(opts))
}

func TestCapabilityParsingRoundTrip(t *testing.T) {
	caps, err := types.ParseCapabilities("/pub/app/:rw,/pub/foo.bar/file:r")
	require.NoError(t, err)
	require.Len(t, caps, 2)
	require.Equal(t, "/pub/app/:rw,/pub/foo.bar/file:r", types.FormatCapabilities(caps))

	_, err = types.ParseCapability("no-colon")
	require.Error(t, err)

	_, err = types.ParseCapability("relative:rw")
	require.Error(t, err)
}

func TestSecretboxRoundTrip(t *testing.T) {
	var secret [SecretSize]byte
	copy(secret[:], []byte("0123456789abcdef0123456789abcdef"))

	ciphertext, err := Encrypt(&secret, []byte("hello pairing"))
	require.NoError(t, err)

	plaintext, err := Decrypt(&secret, ciphertext)
	require.NoError(t, err)
	require.Equal(t, "hello pairing", string(plaintext))

	ciphertext[len(ciphertext)-1] ^= 0xFF
	_, err = Decrypt(&secret, ciphertext)
	require.Error(t, err)
}
