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


package cryptoutil

import (
	"crypto/sha256"
	"sync"
	"time"
)

// InMemoryReplayCache is the default ReplayCache implementation: a
// short-TTL map keyed by the sha256 of the token body, swept lazily on
// each call. It is process-local, which is sufficient given the spec's
// replay window is measured in seconds (see SPEC_FULL.md "Open Questions
// — Decided").
type InMemoryReplayCache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[[32]byte]time.Time
}

// NewInMemoryReplayCache constructs a cache that forgets entries older
// than window.
func NewInMemoryReplayCache(window time.Duration) *InMemoryReplayCache {
	return &InMemoryReplayCache{
		window: window,
		seen:   make(map[[32]byte]time.Time),
	}
}

// SeenRecently implements ReplayCache.
func (c *InMemoryReplayCache) SeenRecently(body []byte, at time.Time) bool {
	key := sha256.Sum256(body)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweep(at)

	if firstSeen, ok := c.seen[key]; ok {
		return at.Sub(firstSeen) <= c.window
	}
	c.seen[key] = at
	return false
}

// sweep removes entries older than the window. Callers hold c.mu.
func (c *InMemoryReplayCache) sweep(now time.Time) {
	for k, t := range c.seen {
		if now.Sub(t) > c.window {
			delete(c.seen, k)
		}
	}
}
