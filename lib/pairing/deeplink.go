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


// Package pairing implements the out-of-band approval flow (component
// C7): an initiator (keyless third-party app) publishes a pubkyauth deep
// link and long-polls an untrusted relay channel; a signer scans the
// link, reviews the requested capabilities, and posts back an encrypted
// AuthToken. Grounded on the teacher's roundtrip-based HTTP client
// pattern (lib/auth/clt.go) for the relay leg and cryptoutil's secretbox
// wrapper for the encrypted payload.
package pairing

import (
	"crypto/sha256"
	"encoding/base64"
	"net/url"

	"github.com/gravitational/trace"

	"github.com/pubky/pubky-homeserver/api/types"
)

// DeepLink is the parsed form of a "pubkyauth:///" link (§6).
type DeepLink struct {
	Capabilities []types.Capability
	ClientSecret [32]byte
	RelayURL     string
	Homeserver   string // "hs", optional
	Invite       string // "ic", optional
}

// ChannelID derives the relay channel id from a client secret:
// base64url(sha256(client_secret)) (§4.7).
func ChannelID(clientSecret [32]byte) string {
	sum := sha256.Sum256(clientSecret[:])
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// BuildDeepLink renders the pubkyauth deep link an initiator displays for
// the signer to scan.
func BuildDeepLink(link DeepLink) string {
	q := url.Values{}
	q.Set("caps", types.FormatCapabilities(link.Capabilities))
	q.Set("secret", base64.RawURLEncoding.EncodeToString(link.ClientSecret[:]))
	q.Set("relay", link.RelayURL)
	if link.Homeserver != "" {
		q.Set("hs", link.Homeserver)
	}
	if link.Invite != "" {
		q.Set("ic", link.Invite)
	}
	return "pubkyauth:///?" + q.Encode()
}

// ParseDeepLink decodes a "pubkyauth:///?..." link, as the signer's
// scanning step does.
func ParseDeepLink(raw string) (DeepLink, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return DeepLink{}, trace.BadParameter("invalid pubkyauth link: %v", err)
	}
	if u.Scheme != "pubkyauth" {
		return DeepLink{}, trace.BadParameter("invalid pubkyauth link: wrong scheme %q", u.Scheme)
	}
	q := u.Query()

	caps, err := types.ParseCapabilities(q.Get("caps"))
	if err != nil {
		return DeepLink{}, trace.Wrap(err, "invalid capabilities in pubkyauth link")
	}

	secretRaw, err := base64.RawURLEncoding.DecodeString(q.Get("secret"))
	if err != nil || len(secretRaw) != 32 {
		return DeepLink{}, trace.BadParameter("invalid pubkyauth link: malformed client secret")
	}
	var secret [32]byte
	copy(secret[:], secretRaw)

	relay := q.Get("relay")
	if relay == "" {
		return DeepLink{}, trace.BadParameter("invalid pubkyauth link: missing relay")
	}

	return DeepLink{
		Capabilities: caps,
		ClientSecret: secret,
		RelayURL:     relay,
		Homeserver:   q.Get("hs"),
		Invite:       q.Get("ic"),
	}, nil
}
