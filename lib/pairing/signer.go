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

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/cryptoutil"
)

// Signer runs the signer's half of §4.7: a scanned deep link is parsed
// into its requested capabilities for the user to review, and on approval
// an AuthToken scoped to the (possibly reduced) approved set is minted,
// encrypted with the initiator's client secret, and posted to the relay.
type Signer struct {
	relay DeepLink
	keys  *cryptoutil.KeyPair
	clock clockwork.Clock
}

// NewSigner parses raw as a pubkyauth deep link.
func NewSigner(raw string, keys *cryptoutil.KeyPair, clock clockwork.Clock) (*Signer, error) {
	link, err := ParseDeepLink(raw)
	if err != nil {
		return nil, err
	}
	return &Signer{relay: link, keys: keys, clock: clock}, nil
}

// RequestedCapabilities returns the capabilities the initiator asked for,
// for the signer's app to present to the user before approval.
func (s *Signer) RequestedCapabilities() []types.Capability {
	return s.relay.Capabilities
}

// Homeserver returns the "hs" hint from the deep link, if present.
func (s *Signer) Homeserver() string {
	return s.relay.Homeserver
}

// Approve mints an AuthToken over approvedCaps (the user may have reduced
// the requested set), encrypts it with the initiator's client secret, and
// posts the ciphertext to the relay channel for the initiator to consume.
func (s *Signer) Approve(ctx context.Context, relay Relay, approvedCaps []types.Capability) error {
	if len(approvedCaps) == 0 {
		return trace.BadParameter("no capabilities approved")
	}
	token := cryptoutil.MintAuthToken(s.clock, s.keys, approvedCaps)
	ciphertext, err := cryptoutil.Encrypt(&s.relay.ClientSecret, token.Bytes())
	if err != nil {
		return trace.Wrap(err, "encrypting pairing response")
	}
	channelID := ChannelID(s.relay.ClientSecret)
	return relay.Post(ctx, channelID, ciphertext)
}
