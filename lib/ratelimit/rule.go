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


// Package ratelimit implements the rate-limit layer (component C9): a
// configured list of rules, each a keyed token bucket, applied to both
// request rate and request/response throughput (§4.9). Grounded on the
// teacher's lib/services/local thin-service style for the keyed-bucket
// table and on golang.org/x/time/rate for the bucket itself.
package ratelimit

import (
	"net/http"
	"path"
	"strings"

	"golang.org/x/time/rate"
)

// KeyKind selects how a rule extracts its bucket key from a request.
type KeyKind string

const (
	// KeyIP keys on the client's IP address (§4.9 "derived from
	// X-Forwarded-For first, else X-Real-IP, else socket peer").
	KeyIP KeyKind = "ip"
	// KeyOwner keys on the resolved owner pubkey of a pubky:// request.
	KeyOwner KeyKind = "owner"
)

// Quota is either a request-rate quota or a throughput quota; exactly one
// of the two constructors below should be used to build a Rule.
type Quota struct {
	// RequestsPerSecond and Burst configure a request-based rule.
	RequestsPerSecond float64
	Burst             int
	// KilobytesPerSecond configures a throughput-based rule (0 means this
	// is a request-based quota instead).
	KilobytesPerSecond float64
}

func (q Quota) isThroughput() bool {
	return q.KilobytesPerSecond > 0
}

// Rule is one configured (path-glob, method, quota, key-kind, whitelist)
// entry (§4.9).
type Rule struct {
	PathGlob  string
	Method    string // "" matches any method
	Quota     Quota
	Key       KeyKind
	Whitelist []string // keys (IPs or pubkeys) exempt from this rule
}

func (r Rule) matches(req *http.Request) bool {
	if r.Method != "" && !strings.EqualFold(r.Method, req.Method) {
		return false
	}
	ok, err := path.Match(r.PathGlob, req.URL.Path)
	return err == nil && ok
}

func (r Rule) whitelisted(key string) bool {
	for _, w := range r.Whitelist {
		if w == key {
			return true
		}
	}
	return false
}

func newLimiter(q Quota) *rate.Limiter {
	if q.isThroughput() {
		// Throughput rules are paced per-kilobyte by ThrottledReader
		// rather than by the limiter's own wait semantics, so its rate is
		// kilobytes/second with a one-kilobyte burst.
		return rate.NewLimiter(rate.Limit(q.KilobytesPerSecond), 1)
	}
	burst := q.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(q.RequestsPerSecond), burst)
}
