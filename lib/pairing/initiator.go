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


package pairing

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/cryptoutil"
)

// pollBackoff is the pause before retrying any failed Get, a timeout
// included, so a misbehaving relay cannot spin the initiator's goroutine
// hot.
const pollBackoff = 250 * time.Millisecond

// Exchanger hands the decrypted AuthToken bytes to the homeserver's own
// session layer in return for a session secret. The initiator does not
// parse or verify the token; it passes the decrypted bytes on unchanged.
// It is a narrow seam so that pairing does not need to import lib/session
// directly; no type outside this package's tests implements it.
type Exchanger interface {
	ExchangeAuthToken(ctx context.Context, tokenRaw []byte) (secret []byte, owner types.PublicKey, caps []types.Capability, err error)
}

// Result is delivered to the initiator once the signer has approved and the
// resulting AuthToken has been exchanged for a session.
type Result struct {
	Secret       []byte
	Owner        types.PublicKey
	Capabilities []types.Capability
}

// Initiator runs the keyless third-party app's half of §4.7: mint a client
// secret, publish a deep link, and long-poll the relay channel until the
// signer answers or the request is aborted.
type Initiator struct {
	relay     Relay
	exchanger Exchanger
	clock     clockwork.Clock

	clientSecret [32]byte
	link         DeepLink

	cancel context.CancelFunc
	done   chan struct{}
	result Result
	err    error
}

// NewInitiator generates a fresh client secret and builds the deep link the
// caller displays to the signer (as a QR code or a tappable URL).
func NewInitiator(relay Relay, exchanger Exchanger, clock clockwork.Clock, caps []types.Capability, relayURL, homeserver, invite string) (*Initiator, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, trace.Wrap(err, "generating client secret")
	}
	link := DeepLink{
		Capabilities: caps,
		ClientSecret: secret,
		RelayURL:     relayURL,
		Homeserver:   homeserver,
		Invite:       invite,
	}
	return &Initiator{
		relay:        relay,
		exchanger:    exchanger,
		clock:        clock,
		clientSecret: secret,
		link:         link,
	}, nil
}

// DeepLink returns the pubkyauth link to display for scanning.
func (i *Initiator) DeepLink() string {
	return BuildDeepLink(i.link)
}

// Start launches the long-poll loop in the background. Calling Stop, or
// canceling ctx, aborts the poll task; Wait blocks for the outcome either
// way. Start must be called at most once per Initiator.
func (i *Initiator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.done = make(chan struct{})

	go func() {
		defer close(i.done)
		i.result, i.err = i.run(ctx)
	}()
}

// Stop aborts the background poll task. Safe to call multiple times and
// safe to call after the task has already finished.
func (i *Initiator) Stop() {
	if i.cancel != nil {
		i.cancel()
	}
}

// Wait blocks until the poll task finishes (success, RequestExpired, or
// cancellation) and returns its outcome.
func (i *Initiator) Wait() (Result, error) {
	<-i.done
	return i.result, i.err
}

func (i *Initiator) run(ctx context.Context) (Result, error) {
	channelID := ChannelID(i.clientSecret)
	for {
		ciphertext, err := i.relay.Get(ctx, channelID)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, trace.Wrap(ctx.Err())
			}
			if trace.IsNotFound(err) {
				return Result{}, trace.NotFound("pairing request expired")
			}
			// Transport timeout or transient failure: reconnect after
			// pollBackoff rather than giving up. A timeout gets the same
			// pause as any other failure; the retry is never immediate.
			log.WithError(err).Debug("relay poll failed, reconnecting")
			select {
			case <-ctx.Done():
				return Result{}, trace.Wrap(ctx.Err())
			case <-i.clock.After(pollBackoff):
			}
			continue
		}

		tokenRaw, err := cryptoutil.Decrypt(&i.clientSecret, ciphertext)
		if err != nil {
			return Result{}, trace.Wrap(err, "decrypting pairing response")
		}
		secret, owner, caps, err := i.exchanger.ExchangeAuthToken(ctx, tokenRaw)
		if err != nil {
			return Result{}, trace.Wrap(err, "exchanging pairing auth token")
		}
		return Result{Secret: secret, Owner: owner, Capabilities: caps}, nil
	}
}
