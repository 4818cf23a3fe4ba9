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


// Package eventstream implements the live event broadcast and SSE server
// (component C8): a bounded fan-out bus fed by storage.Store writes, and
// an HTTP handler that drains history before switching to the live bus
// per §4.8's subscribe-before-query ordering guarantee. Grounded on the
// teacher's lib/services/local thin-service convention for the bus itself
// and on the pack's SSE connection-registry pattern
// (brennhill-gasoline-mcp-ai-devtools/cmd/dev-console/sse.go) for the
// wire format.
package eventstream

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gravitational/trace"
	"github.com/pubky/pubky-homeserver/api/types"
)

var log = logrus.WithFields(logrus.Fields{trace.Component: "eventstream"})

// subscriberBuffer bounds how many events a slow live consumer may lag
// before being disconnected (§4.8 step 6, §5 "slow consumers are
// disconnected rather than blocking writers").
const subscriberBuffer = 256

// subscription is a single live consumer's channel plus a latch recording
// whether it has ever missed an event because its buffer was full.
type subscription struct {
	events chan types.Event
	lagged chan struct{}
}

// Bus fans out committed events to live subscribers. Publish never blocks:
// a subscriber whose buffer is full misses the event and is marked lagged
// (its lagged channel is closed; its events channel stays open), so its
// reader observes the lag rather than stalling the writer that published
// the event.
type Bus struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// NewBus builds an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

// Subscribe registers a new live consumer. The returned subscription must
// be passed to Unsubscribe once the caller is done reading from it.
func (b *Bus) Subscribe() *subscription {
	sub := &subscription{
		events: make(chan types.Event, subscriberBuffer),
		lagged: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub from the bus. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Publish delivers ev to every current subscriber, dropping (and marking
// lagged) any whose buffer is currently full.
func (b *Bus) Publish(ev types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.events <- ev:
		default:
			select {
			case <-sub.lagged:
				// already marked
			default:
				close(sub.lagged)
			}
		}
	}
}
