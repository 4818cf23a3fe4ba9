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


// Package pkdns implements the DHT record store client role (component
// C2): resolving and publishing the signed "_pubky" record that lets a
// client discover which homeserver currently hosts a given public key,
// and the republish policy of §4.2. It is grounded on the teacher's
// roundtrip-based outbound HTTP client pattern (lib/auth/clt.go) since
// this pack carries no mainline-DHT (BEP44) client; a pkarr-style HTTP
// relay in front of the DHT is the idiomatic way to reach it from Go.
package pkdns

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/gravitational/trace"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/cryptoutil"
)

// pubkyLabel is the resource-record name carrying the homeserver target.
const pubkyLabel = "_pubky"

// defaultTTL is the TTL applied to a freshly published _pubky record
// (§4.2: "add a fresh _pubky HTTPS record with the chosen host and TTL 1
// hour").
const defaultTTL = time.Hour

// ResourceRecord is one DNS-like record carried in a SignedPacket. Type is
// a short tag ("HTTPS", "TXT", ...); non-"_pubky" records are preserved
// verbatim across republish (§4.2, §6).
type ResourceRecord struct {
	Name  string
	Type  string
	Value string
	TTL   time.Duration
}

// SignedPacket is the user's signed DHT record: a set of resource
// records, a monotonic timestamp, and an Ed25519 signature over both.
type SignedPacket struct {
	Subject       types.PublicKey
	Records       []ResourceRecord
	TimestampUsec int64
	Signature     []byte
}

func (p *SignedPacket) signedBytes() []byte {
	var buf bytes.Buffer
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(p.TimestampUsec))
	buf.Write(ts[:])
	buf.Write(p.Subject[:])
	for _, r := range p.Records {
		buf.WriteString(r.Name)
		buf.WriteByte(0)
		buf.WriteString(r.Type)
		buf.WriteByte(0)
		buf.WriteString(r.Value)
		buf.WriteByte(0)
		var ttl [8]byte
		binary.BigEndian.PutUint64(ttl[:], uint64(r.TTL))
		buf.Write(ttl[:])
	}
	return buf.Bytes()
}

// Sign finalizes the packet, stamping it at now and signing with keypair.
// keypair.Public must equal Subject.
func (p *SignedPacket) Sign(keypair *cryptoutil.KeyPair, now time.Time) error {
	if keypair.Public != p.Subject {
		return trace.BadParameter("signing keypair does not match record subject")
	}
	p.TimestampUsec = now.UnixMicro()
	p.Signature = keypair.Sign(p.signedBytes())
	return nil
}

// Verify checks the packet's signature against its claimed subject.
func (p *SignedPacket) Verify() error {
	return cryptoutil.Verify(p.Subject, p.signedBytes(), p.Signature)
}

// PubkyTarget returns the HTTPS target of the packet's "_pubky" record,
// and whether one is present.
func (p *SignedPacket) PubkyTarget() (string, bool) {
	for _, r := range p.Records {
		if r.Name == pubkyLabel {
			return r.Value, true
		}
	}
	return "", false
}

// withoutPubkyRecords returns a copy of records excluding any "_pubky"
// entry, preserving every other record verbatim (§4.2, §6).
func withoutPubkyRecords(records []ResourceRecord) []ResourceRecord {
	out := make([]ResourceRecord, 0, len(records))
	for _, r := range records {
		if r.Name != pubkyLabel {
			out = append(out, r)
		}
	}
	return out
}
