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


package pkdns

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/pubky/pubky-homeserver/lib/cryptoutil"
)

// RepublishMode selects the staleness policy of §4.2's publish_homeserver.
type RepublishMode int

const (
	// ModeForce always rebuilds and republishes.
	ModeForce RepublishMode = iota
	// ModeIfStale skips republishing if the existing record is younger
	// than the configured staleness window.
	ModeIfStale
)

// retryAttempts bounds publish attempts: 3 tries, 100ms initial backoff,
// doubling, capped by maxBackoff (§4.2 "bounded exponential backoff").
const retryAttempts = 3

var initialBackoff = 100 * time.Millisecond

// Publisher implements the republish policy of §4.2 over a Client.
type Publisher struct {
	client         Client
	clock          clockwork.Clock
	stalenessAfter time.Duration
	maxBackoff     time.Duration
}

// NewPublisher builds a Publisher. stalenessAfter is the republish
// staleness window (default 1 hour per §6); maxBackoff caps the bounded
// exponential retry delay.
func NewPublisher(client Client, clock clockwork.Clock, stalenessAfter, maxBackoff time.Duration) *Publisher {
	return &Publisher{client: client, clock: clock, stalenessAfter: stalenessAfter, maxBackoff: maxBackoff}
}

// isRetryable reports whether err is worth retrying: connection-level
// failures are, validation/signature failures are not.
func isRetryable(err error) bool {
	return trace.IsConnectionProblem(err)
}

func (p *Publisher) withRetry(ctx context.Context, op func() error) error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return trace.Wrap(ctx.Err())
			case <-time.After(fullJitter(backoff)):
			}
			backoff *= 2
			if backoff > p.maxBackoff {
				backoff = p.maxBackoff
			}
		}
		lastErr = op()
		if lastErr == nil || !isRetryable(lastErr) {
			return lastErr
		}
		log.WithError(lastErr).Warnf("pkdns publish attempt %d/%d failed, retrying", attempt+1, retryAttempts)
	}
	return lastErr
}

// PublishHomeserver implements §4.2's publish_homeserver: fetch the most
// recent record for keypair.Public, decide whether to republish per mode,
// rebuild the record (preserving non-"_pubky" entries) with a fresh
// "_pubky" HTTPS target, sign, and publish with the previous timestamp as
// a compare-and-swap hint.
//
// hostOverride, when non-empty, replaces whatever host a prior record
// declared; when empty, the existing record's host is reused, and if
// there is no existing record and no override, the call returns silently
// (nothing to publish).
func (p *Publisher) PublishHomeserver(ctx context.Context, keypair *cryptoutil.KeyPair, hostOverride string) error {
	return p.publish(ctx, keypair, hostOverride, ModeForce)
}

// RepublishIfStale is PublishHomeserver under §4.2's IfStale policy.
func (p *Publisher) RepublishIfStale(ctx context.Context, keypair *cryptoutil.KeyPair, hostOverride string) error {
	return p.publish(ctx, keypair, hostOverride, ModeIfStale)
}

func (p *Publisher) publish(ctx context.Context, keypair *cryptoutil.KeyPair, hostOverride string, mode RepublishMode) error {
	var existing *SignedPacket
	err := p.withRetry(ctx, func() error {
		var resolveErr error
		existing, resolveErr = p.client.Resolve(ctx, keypair.Public)
		return resolveErr
	})
	if err != nil {
		return trace.Wrap(err, "resolving existing record before publish")
	}

	host := hostOverride
	var preserved []ResourceRecord
	var previousTimestamp int64
	if existing != nil {
		previousTimestamp = existing.TimestampUsec
		preserved = withoutPubkyRecords(existing.Records)
		if host == "" {
			var ok bool
			host, ok = existing.PubkyTarget()
			if !ok {
				host = ""
			}
		}
		if mode == ModeIfStale {
			age := p.clock.Now().Sub(time.UnixMicro(existing.TimestampUsec))
			if age <= p.stalenessAfter {
				return nil
			}
		}
	}
	if host == "" {
		// No override and nothing to reuse: §4.2 "return silently".
		return nil
	}

	packet := &SignedPacket{
		Subject: keypair.Public,
		Records: append(preserved, ResourceRecord{Name: pubkyLabel, Type: "HTTPS", Value: host, TTL: defaultTTL}),
	}
	if err := packet.Sign(keypair, p.clock.Now()); err != nil {
		return trace.Wrap(err)
	}

	return p.withRetry(ctx, func() error {
		return p.client.Publish(ctx, packet, previousTimestamp)
	})
}
