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


package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"github.com/gravitational/trace"

	"github.com/pubky/pubky-homeserver/api/types"
)

// OwnerFunc resolves the owner pubkey of the current request, after
// hostname resolution (§4.6's pubky-host routing), for owner-keyed rules.
// It returns ok=false when the request carries no resolvable owner (for
// example, a signup request).
type OwnerFunc func(r *http.Request) (owner types.PublicKey, ok bool)

// extractKey implements §4.9's key-kind extraction. An owner-keyed rule
// with no resolvable owner fails with BadParameter, which the caller maps
// to 400 per the rule's "If the key cannot be extracted... fail with 400".
func extractKey(r *http.Request, kind KeyKind, resolveOwner OwnerFunc) (string, error) {
	switch kind {
	case KeyOwner:
		if resolveOwner == nil {
			return "", trace.BadParameter("owner-keyed rule has no owner resolver")
		}
		owner, ok := resolveOwner(r)
		if !ok {
			return "", trace.BadParameter("owner-keyed rule: no pubky-host on request")
		}
		return owner.String(), nil
	case KeyIP:
		return clientIP(r), nil
	default:
		return "", trace.BadParameter("unknown key kind %q", kind)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
