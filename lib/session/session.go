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


// Package session implements session issuance and per-request capability
// enforcement (component C6): signup/signin from a verified AuthToken,
// the session table, and the public/non-public resource access rules of
// §4.6. It follows the teacher's lib/services/local convention of a thin
// service wrapping backend.Backend, the same pattern lib/storage uses for
// entries and events.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/backend"
	"github.com/pubky/pubky-homeserver/lib/cryptoutil"
	"github.com/pubky/pubky-homeserver/lib/pkdns"
	"github.com/pubky/pubky-homeserver/lib/resource"
	"github.com/pubky/pubky-homeserver/lib/storage"
)

var log = logrus.WithFields(logrus.Fields{trace.Component: "session"})

// secretSize is the number of random bytes behind a session cookie secret
// (§6 "a 32-byte URL-safe random secret"); newSecret encodes them as
// unpadded base64url so the cookie value is URL-safe.
const secretSize = 32

// Session is the server-side binding between a cookie secret and the
// owner pubkey plus the capability set granted at sign-in (§3 "Session").
type Session struct {
	Owner        types.PublicKey
	Capabilities []types.Capability
	CreatedAt    time.Time
}

type sessionRecord struct {
	Owner        types.PublicKey    `json:"owner"`
	Capabilities []types.Capability `json:"capabilities"`
	CreatedAt    time.Time          `json:"created_at"`
}

// SignupMode selects whether signup requires a single-use token.
type SignupMode string

const (
	SignupOpen          SignupMode = "open"
	SignupTokenRequired SignupMode = "token-required"
)

// KeypairResolver looks up the signing keypair the homeserver custodies
// for subject, if any. Publishing the subject's "_pubky" DHT record
// requires signing with the subject's own private key (§4.2); a
// self-sovereign client that holds its own key publishes its record
// directly and this resolver should report false for it. It exists so
// that session need not assume a custody model: self-hosted test-nets and
// managed-account deployments can both implement it.
type KeypairResolver func(subject types.PublicKey) (*cryptoutil.KeyPair, bool)

// Enforcer issues and validates sessions and implements signup/signin
// against the entry/event repository and the DHT record publisher.
type Enforcer struct {
	backend  backend.Backend
	users    *storage.Store
	dht      *pkdns.Publisher
	keypair  KeypairResolver
	selfHost string
	clock    clockwork.Clock

	replay       cryptoutil.ReplayCache
	expiryWindow time.Duration
	signupMode   SignupMode
}

// NewEnforcer builds a session Enforcer. dht may be nil, in which case
// signup/signin skip the record-publish step (useful in tests that do not
// exercise C2). selfHost is the homeserver's own address (its pubkey or a
// delegated DNS name) used as the "_pubky" target when publishing.
func NewEnforcer(b backend.Backend, users *storage.Store, dht *pkdns.Publisher, keypair KeypairResolver, selfHost string, clock clockwork.Clock, replay cryptoutil.ReplayCache, expiryWindow time.Duration, mode SignupMode) *Enforcer {
	return &Enforcer{backend: b, users: users, dht: dht, keypair: keypair, selfHost: selfHost, clock: clock, replay: replay, expiryWindow: expiryWindow, signupMode: mode}
}

func sessionKey(secret []byte) []byte {
	return secret
}

func newSecret() ([]byte, error) {
	raw := make([]byte, secretSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, trace.Wrap(err, "generating session secret")
	}
	return []byte(base64.RawURLEncoding.EncodeToString(raw)), nil
}

func (e *Enforcer) verifyToken(raw []byte, requireRoot bool) (*cryptoutil.AuthToken, error) {
	token, err := cryptoutil.ParseAuthToken(raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := token.Verify(cryptoutil.VerifyOptions{
		Clock:        e.clock,
		ExpiryWindow: e.expiryWindow,
		ReplayCache:  e.replay,
		RequireRoot:  requireRoot,
	}); err != nil {
		return nil, err
	}
	return token, nil
}

// Signup verifies tokenRaw (which must grant root), optionally consumes
// signupToken when the homeserver is in token-required mode, creates the
// user if absent, issues a session, and publishes the homeserver DHT
// record in force mode (§4.6).
func (e *Enforcer) Signup(ctx context.Context, tokenRaw []byte, signupToken string) (secret []byte, sess *Session, err error) {
	token, err := e.verifyToken(tokenRaw, true)
	if err != nil {
		return nil, nil, err
	}

	if e.signupMode == SignupTokenRequired {
		if err := e.consumeSignupToken(ctx, signupToken); err != nil {
			return nil, nil, err
		}
	}

	if _, _, err := e.users.CreateUserIfAbsent(ctx, token.Subject, e.clock.Now()); err != nil {
		return nil, nil, trace.Wrap(err, "creating user on signup")
	}

	secret, sess, err = e.create(ctx, token.Subject, token.Capabilities)
	if err != nil {
		return nil, nil, err
	}

	if kp, ok := e.resolveKeypair(token.Subject); ok {
		if err := e.dht.PublishHomeserver(ctx, kp, e.selfHost); err != nil {
			log.WithError(err).Warn("publishing homeserver record on signup")
		}
	}
	return secret, sess, nil
}

func (e *Enforcer) resolveKeypair(subject types.PublicKey) (*cryptoutil.KeyPair, bool) {
	if e.dht == nil || e.keypair == nil {
		return nil, false
	}
	return e.keypair(subject)
}

// Signin verifies tokenRaw, issues a fresh session, and schedules a
// best-effort if-stale republish of the homeserver record (§4.6). The
// caller is expected to run the returned func in the background ("the
// scheduled publish is fire-and-forget from the request handler's
// perspective").
func (e *Enforcer) Signin(ctx context.Context, tokenRaw []byte) (secret []byte, sess *Session, republish func(context.Context), err error) {
	token, err := e.verifyToken(tokenRaw, false)
	if err != nil {
		return nil, nil, nil, err
	}

	user, err := e.users.GetUser(ctx, token.Subject)
	if err != nil {
		return nil, nil, nil, trace.Wrap(err, "user has not signed up")
	}
	if user.Disabled {
		return nil, nil, nil, trace.AccessDenied("user account is disabled")
	}

	secret, sess, err = e.create(ctx, token.Subject, token.Capabilities)
	if err != nil {
		return nil, nil, nil, err
	}

	republish = func(bgCtx context.Context) {
		kp, ok := e.resolveKeypair(token.Subject)
		if !ok {
			return
		}
		if err := e.dht.RepublishIfStale(bgCtx, kp, e.selfHost); err != nil {
			log.WithError(err).Warn("republishing homeserver record on signin")
		}
	}
	return secret, sess, republish, nil
}

func (e *Enforcer) create(ctx context.Context, owner types.PublicKey, caps []types.Capability) ([]byte, *Session, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, nil, err
	}
	sess := &Session{Owner: owner, Capabilities: caps, CreatedAt: e.clock.Now()}
	rec := sessionRecord{Owner: owner, Capabilities: caps, CreatedAt: sess.CreatedAt}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, nil, trace.Wrap(err, "marshaling session record")
	}
	err = e.backend.Update(ctx, func(tx backend.Tx) error {
		return tx.Put(backend.BucketSession, sessionKey(secret), raw)
	})
	if err != nil {
		return nil, nil, trace.Wrap(err, "persisting session")
	}
	return secret, sess, nil
}

// Lookup resolves a cookie secret to its session, or trace.NotFound if the
// secret is unknown (expired, signed out, or never issued).
func (e *Enforcer) Lookup(ctx context.Context, secret []byte) (*Session, error) {
	var out *Session
	err := e.backend.View(ctx, func(tx backend.Tx) error {
		raw, ok, err := tx.Get(backend.BucketSession, sessionKey(secret))
		if err != nil {
			return trace.Wrap(err)
		}
		if !ok {
			return trace.NotFound("session not found")
		}
		var rec sessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return trace.Wrap(err, "unmarshaling session record")
		}
		out = &Session{Owner: rec.Owner, Capabilities: rec.Capabilities, CreatedAt: rec.CreatedAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Signout deletes the session bound to secret.
func (e *Enforcer) Signout(ctx context.Context, secret []byte) error {
	return trace.Wrap(e.backend.Update(ctx, func(tx backend.Tx) error {
		return tx.Delete(backend.BucketSession, sessionKey(secret))
	}))
}

// ErrNoSession is returned by Check when the request carries no session at
// all, the §4.6/§4.10 "Unauthorized" case. httplib.StatusFor matches it with
// errors.Is to answer 401, distinct from the "Forbidden" 403 cases below
// (wrong owner, insufficient capability), the same sentinel-error pattern
// storage.ErrQuotaExceeded uses to separate quota from generic rate limiting.
var ErrNoSession = trace.AccessDenied("unauthorized: no session")

// Check implements the per-request access rule of §4.6: for paths under
// resource.PublicRoot, anonymous GET is permitted; every write, and every
// operation on a non-public path, requires a session owned by res.Owner
// whose capabilities satisfy (res.Path, required).
func Check(res resource.Resource, required types.Mode, sess *Session) error {
	public := resource.IsPublic(res.Path)
	if public && required == types.ModeRead {
		return nil
	}
	if sess == nil {
		return ErrNoSession
	}
	if sess.Owner != res.Owner {
		return trace.AccessDenied("forbidden: session owner does not match target resource")
	}
	if !types.AllowsAny(sess.Capabilities, res.Path, required) {
		return trace.AccessDenied("forbidden: session capabilities do not cover %s", res.Path)
	}
	return nil
}
