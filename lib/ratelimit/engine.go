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
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"golang.org/x/time/rate"
)

var log = logrus.WithFields(logrus.Fields{trace.Component: "ratelimit"})

type bucketEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Engine holds one token bucket per (rule, key) pair and applies the
// rules of §4.9 to incoming requests.
type Engine struct {
	rules []Rule
	clock clockwork.Clock

	mu      sync.Mutex
	buckets []map[string]*bucketEntry // indexed by rule position
}

// NewEngine builds an Engine over rules.
func NewEngine(rules []Rule, clock clockwork.Clock) *Engine {
	buckets := make([]map[string]*bucketEntry, len(rules))
	for i := range buckets {
		buckets[i] = make(map[string]*bucketEntry)
	}
	return &Engine{rules: rules, clock: clock, buckets: buckets}
}

func (e *Engine) bucket(ruleIdx int, key string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.buckets[ruleIdx][key]
	if !ok {
		entry = &bucketEntry{limiter: newLimiter(e.rules[ruleIdx].Quota)}
		e.buckets[ruleIdx][key] = entry
	}
	entry.lastUsed = e.clock.Now()
	return entry.limiter
}

// Evict drops every bucket whose key has not been used within idleAfter,
// bounding the engine's memory (§4.9 "unused keys are periodically
// evicted"). It returns the number of buckets removed.
func (e *Engine) Evict(idleAfter time.Duration) int {
	now := e.clock.Now()
	removed := 0
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, keys := range e.buckets {
		for key, entry := range keys {
			if now.Sub(entry.lastUsed) > idleAfter {
				delete(keys, key)
				removed++
			}
		}
	}
	return removed
}

// matchingRules returns the indices of rules that apply to req.
func (e *Engine) matchingRules(req *http.Request) []int {
	var idxs []int
	for i, rule := range e.rules {
		if rule.matches(req) {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// Check applies every rule matching req, in order: extracts a key,
// skips whitelisted keys, and for request-based rules consults the
// bucket. It returns a non-nil error (trace.BadParameter if a key
// could not be extracted, trace.LimitExceeded if a request-based quota
// denied the request) the caller maps to 400/429 respectively. The
// returned throttles list holds the buckets of any throughput-based
// rules that matched, for the caller to wrap the request/response body
// streams with.
func (e *Engine) Check(r *http.Request, resolveOwner OwnerFunc) (throttles []*rate.Limiter, err error) {
	for _, idx := range e.matchingRules(r) {
		rule := e.rules[idx]
		key, err := extractKey(r, rule.Key, resolveOwner)
		if err != nil {
			return nil, err
		}
		if rule.whitelisted(key) {
			continue
		}
		limiter := e.bucket(idx, key)
		if rule.Quota.isThroughput() {
			throttles = append(throttles, limiter)
			continue
		}
		if !limiter.Allow() {
			return nil, trace.LimitExceeded("rate limit exceeded for %s", key)
		}
	}
	return throttles, nil
}
