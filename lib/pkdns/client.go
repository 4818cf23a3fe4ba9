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
	"encoding/base64"
	"encoding/json"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/pubky/pubky-homeserver/api/types"
)

var log = logrus.WithFields(logrus.Fields{trace.Component: "pkdns"})

// Client is the narrow DHT gateway surface pkdns needs: resolve a
// public key's current signed packet, and publish a new one with a
// compare-and-swap hint.
type Client interface {
	Resolve(ctx context.Context, pubkey types.PublicKey) (*SignedPacket, error)
	Publish(ctx context.Context, packet *SignedPacket, previousTimestamp int64) error
}

// wireRecord/wirePacket are the JSON forms exchanged with the gateway.
type wireRecord struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
	TTL   int64  `json:"ttl_seconds"`
}

type wirePacket struct {
	Subject       string       `json:"subject"`
	Records       []wireRecord `json:"records"`
	TimestampUsec int64        `json:"timestamp_usec"`
	Signature     string       `json:"signature"`
	Previous      int64        `json:"previous_timestamp_usec,omitempty"`
}

// HTTPClient speaks to a pkarr-style HTTP gateway fronting the mainline
// DHT, using gravitational/roundtrip the way the teacher's lib/auth.Client
// wraps its own HTTP API (lib/auth/clt.go).
type HTTPClient struct {
	rt *roundtrip.Client
}

// NewHTTPClient builds an HTTPClient against a gateway base URL such as
// "https://relay.pkarr.example".
func NewHTTPClient(baseURL string, params ...roundtrip.ClientParam) (*HTTPClient, error) {
	rt, err := roundtrip.NewClient(baseURL, "", params...)
	if err != nil {
		return nil, trace.Wrap(err, "constructing pkdns gateway client")
	}
	return &HTTPClient{rt: rt}, nil
}

func (c *HTTPClient) Resolve(ctx context.Context, pubkey types.PublicKey) (*SignedPacket, error) {
	resp, err := c.rt.Get(ctx, c.rt.Endpoint(pubkey.String()), nil)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, nil
		}
		return nil, trace.ConnectionProblem(err, "resolving %s", pubkey)
	}
	var wire wirePacket
	if err := json.Unmarshal(resp.Bytes(), &wire); err != nil {
		return nil, trace.Wrap(err, "decoding signed packet for %s", pubkey)
	}
	return decodePacket(wire)
}

func (c *HTTPClient) Publish(ctx context.Context, packet *SignedPacket, previousTimestamp int64) error {
	wire := encodePacket(packet, previousTimestamp)
	if _, err := c.rt.PostJSON(ctx, c.rt.Endpoint(packet.Subject.String()), wire); err != nil {
		return trace.ConnectionProblem(err, "publishing record for %s", packet.Subject)
	}
	return nil
}

func decodePacket(wire wirePacket) (*SignedPacket, error) {
	subject, err := types.ParsePublicKey(wire.Subject)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(wire.Signature)
	if err != nil {
		return nil, trace.BadParameter("invalid signature encoding: %v", err)
	}
	records := make([]ResourceRecord, 0, len(wire.Records))
	for _, r := range wire.Records {
		records = append(records, ResourceRecord{Name: r.Name, Type: r.Type, Value: r.Value})
	}
	return &SignedPacket{Subject: subject, Records: records, TimestampUsec: wire.TimestampUsec, Signature: sig}, nil
}

func encodePacket(p *SignedPacket, previous int64) wirePacket {
	records := make([]wireRecord, 0, len(p.Records))
	for _, r := range p.Records {
		records = append(records, wireRecord{Name: r.Name, Type: r.Type, Value: r.Value, TTL: int64(r.TTL.Seconds())})
	}
	return wirePacket{
		Subject:       p.Subject.String(),
		Records:       records,
		TimestampUsec: p.TimestampUsec,
		Signature:     base64.RawURLEncoding.EncodeToString(p.Signature),
		Previous:      previous,
	}
}
