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


package session

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/backend"
	"github.com/pubky/pubky-homeserver/lib/cryptoutil"
	"github.com/pubky/pubky-homeserver/lib/resource"
	"github.com/pubky/pubky-homeserver/lib/storage"
)

func testEnforcer(t *testing.T, mode SignupMode) (*Enforcer, *cryptoutil.KeyPair, clockwork.FakeClock) {
	t.Helper()
	b := backend.NewMemoryBackend()
	users := storage.New(b)
	clock := clockwork.NewFakeClock()
	kp, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	e := NewEnforcer(b, users, nil, nil, "", clock, cryptoutil.NewInMemoryReplayCache(time.Minute), 60*time.Second, mode)
	return e, kp, clock
}

func TestSignupThenLookup(t *testing.T) {
	e, kp, clock := testEnforcer(t, SignupOpen)
	root := types.RootCapability()
	token := cryptoutil.MintAuthToken(clock, kp, []types.Capability{root})

	secret, sess, err := e.Signup(context.Background(), token.Bytes(), "")
	require.NoError(t, err)
	require.Equal(t, kp.Public, sess.Owner)

	got, err := e.Lookup(context.Background(), secret)
	require.NoError(t, err)
	require.Equal(t, kp.Public, got.Owner)
}

func TestSignupRejectsNonRootToken(t *testing.T) {
	e, kp, clock := testEnforcer(t, SignupOpen)
	token := cryptoutil.MintAuthToken(clock, kp, []types.Capability{{Prefix: "/pub/app/", Mode: types.ModeReadWrite}})

	_, _, err := e.Signup(context.Background(), token.Bytes(), "")
	require.Error(t, err)
}

func TestSignupTokenRequiredConsumesOnce(t *testing.T) {
	e, kp, clock := testEnforcer(t, SignupTokenRequired)
	require.NoError(t, e.IssueSignupToken(context.Background(), "invite-1"))

	token := cryptoutil.MintAuthToken(clock, kp, []types.Capability{types.RootCapability()})
	_, _, err := e.Signup(context.Background(), token.Bytes(), "invite-1")
	require.NoError(t, err)

	kp2, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	token2 := cryptoutil.MintAuthToken(clock, kp2, []types.Capability{types.RootCapability()})
	_, _, err = e.Signup(context.Background(), token2.Bytes(), "invite-1")
	require.Error(t, err, "a signup token must not be reusable")
}

func TestSigninIssuesNewSessionForExistingUser(t *testing.T) {
	e, kp, clock := testEnforcer(t, SignupOpen)
	token := cryptoutil.MintAuthToken(clock, kp, []types.Capability{types.RootCapability()})
	_, _, err := e.Signup(context.Background(), token.Bytes(), "")
	require.NoError(t, err)

	clock.Advance(time.Second)
	signinToken := cryptoutil.MintAuthToken(clock, kp, []types.Capability{{Prefix: "/pub/app/", Mode: types.ModeReadWrite}})
	secret, sess, republish, err := e.Signin(context.Background(), signinToken.Bytes())
	require.NoError(t, err)
	require.Equal(t, kp.Public, sess.Owner)
	require.NotNil(t, republish)
	republish(context.Background()) // no dht configured: must be a safe no-op

	got, err := e.Lookup(context.Background(), secret)
	require.NoError(t, err)
	require.Equal(t, kp.Public, got.Owner)
}

func TestSignoutInvalidatesSession(t *testing.T) {
	e, kp, clock := testEnforcer(t, SignupOpen)
	token := cryptoutil.MintAuthToken(clock, kp, []types.Capability{types.RootCapability()})
	secret, _, err := e.Signup(context.Background(), token.Bytes(), "")
	require.NoError(t, err)

	require.NoError(t, e.Signout(context.Background(), secret))
	_, err = e.Lookup(context.Background(), secret)
	require.Error(t, err)
}

func TestCheckPublicReadAllowedAnonymously(t *testing.T) {
	var owner types.PublicKey
	owner[0] = 9
	res := resource.Resource{Owner: owner, Path: "/pub/foo.txt"}
	require.NoError(t, Check(res, types.ModeRead, nil))
}

func TestCheckPublicWriteRequiresSession(t *testing.T) {
	var owner types.PublicKey
	owner[0] = 9
	res := resource.Resource{Owner: owner, Path: "/pub/foo.txt"}
	err := Check(res, types.ModeWrite, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNoSession, "no session at all must be Unauthorized, not Forbidden")

	sess := &Session{Owner: owner, Capabilities: []types.Capability{{Prefix: "/pub/app/", Mode: types.ModeReadWrite}}}
	err = Check(res, types.ModeWrite, sess)
	require.Error(t, err, "capability does not cover /pub/foo.txt")
	require.NotErrorIs(t, err, ErrNoSession, "a present session with insufficient capability is Forbidden, not Unauthorized")

	sess.Capabilities = []types.Capability{types.RootCapability()}
	require.NoError(t, Check(res, types.ModeWrite, sess))
}

func TestCheckNonPublicRequiresOwnerAndCapability(t *testing.T) {
	var owner, other types.PublicKey
	owner[0], other[0] = 1, 2
	res := resource.Resource{Owner: owner, Path: "/session"}

	sess := &Session{Owner: other, Capabilities: []types.Capability{types.RootCapability()}}
	err := Check(res, types.ModeRead, sess)
	require.Error(t, err, "wrong owner must be rejected even with root capability")
	require.NotErrorIs(t, err, ErrNoSession, "a present session with the wrong owner is Forbidden, not Unauthorized")

	sess.Owner = owner
	require.NoError(t, Check(res, types.ModeRead, sess))
}
