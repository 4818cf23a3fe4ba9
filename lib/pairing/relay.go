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
	"net/http"
	"time"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithFields(logrus.Fields{trace.Component: "pairing"})

// Relay is the untrusted store-and-forward surface (§4.7): Post enqueues
// an opaque ciphertext blob on a channel; Get long-polls until a blob
// arrives or the relay's own timeout elapses. The relay never sees
// plaintext and a channel is single-shot: once Get returns a blob, the
// channel is considered consumed.
type Relay interface {
	Post(ctx context.Context, channelID string, ciphertext []byte) error
	Get(ctx context.Context, channelID string) ([]byte, error)
}

// HTTPRelay speaks to a relay over plain HTTP using
// gravitational/roundtrip, the same client wrapper the teacher's
// lib/auth.Client uses for its own outbound calls.
type HTTPRelay struct {
	rt *roundtrip.Client
}

// NewHTTPRelay builds an HTTPRelay against baseURL.
func NewHTTPRelay(baseURL string, timeout time.Duration) (*HTTPRelay, error) {
	rt, err := roundtrip.NewClient(baseURL, "", roundtrip.HTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, trace.Wrap(err, "constructing relay client")
	}
	return &HTTPRelay{rt: rt}, nil
}

func (r *HTTPRelay) Post(ctx context.Context, channelID string, ciphertext []byte) error {
	_, err := r.rt.PostJSON(ctx, r.rt.Endpoint(channelID), ciphertext)
	if err != nil {
		return trace.ConnectionProblem(err, "posting to relay channel %s", channelID)
	}
	return nil
}

// Get performs one long-poll round. A 404 from the relay becomes
// trace.NotFound; every other failure, a transport timeout included,
// becomes trace.ConnectionProblem, which the initiator's loop retries
// after pollBackoff.
func (r *HTTPRelay) Get(ctx context.Context, channelID string) ([]byte, error) {
	resp, err := r.rt.Get(ctx, r.rt.Endpoint(channelID), nil)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("relay channel %s expired", channelID)
		}
		return nil, trace.ConnectionProblem(err, "polling relay channel %s", channelID)
	}
	return resp.Bytes(), nil
}

// InMemoryRelay is a single-process Relay used by tests and by the
// signer/initiator unit tests in this package, avoiding a real HTTP round
// trip while preserving single-shot channel semantics.
type InMemoryRelay struct {
	channels map[string]chan []byte
}

// NewInMemoryRelay builds an empty InMemoryRelay.
func NewInMemoryRelay() *InMemoryRelay {
	return &InMemoryRelay{channels: make(map[string]chan []byte)}
}

func (r *InMemoryRelay) channel(id string) chan []byte {
	ch, ok := r.channels[id]
	if !ok {
		ch = make(chan []byte, 1)
		r.channels[id] = ch
	}
	return ch
}

func (r *InMemoryRelay) Post(ctx context.Context, channelID string, ciphertext []byte) error {
	select {
	case r.channel(channelID) <- ciphertext:
		return nil
	default:
		return trace.BadParameter("relay channel %s already has a pending message", channelID)
	}
}

func (r *InMemoryRelay) Get(ctx context.Context, channelID string) ([]byte, error) {
	select {
	case blob := <-r.channel(channelID):
		return blob, nil
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}
