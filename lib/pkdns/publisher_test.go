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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/cryptoutil"
)

type keyedFakeClient struct {
	stored map[string]*SignedPacket
}

func newKeyedFakeClient() *keyedFakeClient {
	return &keyedFakeClient{stored: make(map[string]*SignedPacket)}
}

func (c *keyedFakeClient) Resolve(ctx context.Context, pubkey types.PublicKey) (*SignedPacket, error) {
	return c.stored[pubkey.String()], nil
}

func (c *keyedFakeClient) Publish(ctx context.Context, packet *SignedPacket, previousTimestamp int64) error {
	c.stored[packet.Subject.String()] = packet
	return nil
}

func TestPublishHomeserverSkipsWhenNothingToPublish(t *testing.T) {
	kp, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	client := newKeyedFakeClient()
	clock := clockwork.NewFakeClock()
	pub := NewPublisher(client, clock, time.Hour, time.Second)

	require.NoError(t, pub.PublishHomeserver(context.Background(), kp, ""))
	require.Empty(t, client.stored)
}

func TestPublishHomeserverForceThenResolve(t *testing.T) {
	kp, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	client := newKeyedFakeClient()
	clock := clockwork.NewFakeClock()
	pub := NewPublisher(client, clock, time.Hour, time.Second)

	require.NoError(t, pub.PublishHomeserver(context.Background(), kp, "homeserver-a"))
	stored := client.stored[kp.Public.String()]
	require.NotNil(t, stored)
	target, ok := stored.PubkyTarget()
	require.True(t, ok)
	require.Equal(t, "homeserver-a", target)
	require.NoError(t, stored.Verify())
}

func TestRepublishIfStaleSkipsWithinWindow(t *testing.T) {
	kp, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	client := newKeyedFakeClient()
	clock := clockwork.NewFakeClock()
	pub := NewPublisher(client, clock, time.Hour, time.Second)

	require.NoError(t, pub.PublishHomeserver(context.Background(), kp, "homeserver-a"))
	first := client.stored[kp.Public.String()].TimestampUsec

	clock.Advance(time.Minute)
	require.NoError(t, pub.RepublishIfStale(context.Background(), kp, ""))
	require.Equal(t, first, client.stored[kp.Public.String()].TimestampUsec)

	clock.Advance(2 * time.Hour)
	require.NoError(t, pub.RepublishIfStale(context.Background(), kp, ""))
	require.Greater(t, client.stored[kp.Public.String()].TimestampUsec, first)
}

func TestRepublishPreservesNonPubkyRecords(t *testing.T) {
	kp, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	client := newKeyedFakeClient()
	clock := clockwork.NewFakeClock()
	pub := NewPublisher(client, clock, time.Hour, time.Second)

	require.NoError(t, pub.PublishHomeserver(context.Background(), kp, "homeserver-a"))
	stored := client.stored[kp.Public.String()]
	stored.Records = append(stored.Records, ResourceRecord{Name: "TXT", Type: "TXT", Value: "hello"})
	require.NoError(t, stored.Sign(kp, clock.Now()))
	client.stored[kp.Public.String()] = stored

	clock.Advance(2 * time.Hour)
	require.NoError(t, pub.RepublishIfStale(context.Background(), kp, ""))

	after := client.stored[kp.Public.String()]
	found := false
	for _, r := range after.Records {
		if r.Name == "TXT" && r.Value == "hello" {
			found = true
		}
	}
	require.True(t, found, "republish must preserve prior non-_pubky records")
}
