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


package eventstream

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/backend"
	"github.com/pubky/pubky-homeserver/lib/storage"
)

func testStoreWithBus(t *testing.T) (*storage.Store, *Bus, types.PublicKey, types.PublicKey) {
	t.Helper()
	b := backend.NewMemoryBackend()
	s := storage.New(b)
	bus := NewBus()
	s.SetNotifier(bus.Publish)

	var a, bUser types.PublicKey
	a[0], bUser[0] = 1, 2
	ctx := context.Background()
	_, _, err := s.CreateUserIfAbsent(ctx, a, time.Unix(0, 0))
	require.NoError(t, err)
	_, _, err = s.CreateUserIfAbsent(ctx, bUser, time.Unix(0, 0))
	require.NoError(t, err)
	return s, bus, a, bUser
}

func writeN(t *testing.T, s *storage.Store, owner types.PublicKey, n int, prefix string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := s.WriteEntry(ctx, storage.WriteEntryParams{
			Owner: owner, Path: prefix + string(rune('a'+i)), ContentLength: 1,
			ContentType: "text/plain", OverheadBytes: 256, Now: time.Now(),
		})
		require.NoError(t, err)
	}
}

func TestParseParamsRejectsTooManyUsers(t *testing.T) {
	q := url.Values{}
	for i := 0; i < MaxUsers+1; i++ {
		q.Add("user", "x")
	}
	_, err := ParseParams(q)
	require.Error(t, err)
}

func TestParseParamsRejectsLiveAndReverse(t *testing.T) {
	q := url.Values{"user": {"x"}, "live": {"true"}, "reverse": {"true"}}
	_, err := ParseParams(q)
	require.Error(t, err)
}

func TestParseParamsNormalizesPathPrefix(t *testing.T) {
	var pk types.PublicKey
	pk[0] = 1
	q := url.Values{"user": {pk.String()}, "path": {"pub/app"}}
	p, err := ParseParams(q)
	require.NoError(t, err)
	require.Equal(t, "/pub/app", p.PathPrefix)
}

func TestServeMultiUserHistoricalDrain(t *testing.T) {
	s, bus, a, bUser := testStoreWithBus(t)
	writeN(t, s, a, 3, "/pub/")
	writeN(t, s, bUser, 2, "/pub/")

	h := NewHandler(s, bus)
	q := url.Values{"user": {a.String(), bUser.String()}}
	p, err := ParseParams(q)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/events-stream?"+q.Encode(), nil)
	require.NoError(t, h.Serve(context.Background(), rec, req, p))

	body := rec.Body.String()
	require.Equal(t, 5, strings.Count(body, "event: PUT"))
}

func TestServeResumeCursorExcludesConsumedEvents(t *testing.T) {
	s, bus, a, bUser := testStoreWithBus(t)
	writeN(t, s, a, 3, "/pub/")
	writeN(t, s, bUser, 2, "/pub/")

	h := NewHandler(s, bus)

	// First pass, consume only 2 events (both from A).
	q := url.Values{"user": {a.String(), bUser.String()}, "limit": {"2"}}
	p, err := ParseParams(q)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/events-stream?"+q.Encode(), nil)
	require.NoError(t, h.Serve(context.Background(), rec, req, p))
	require.Equal(t, 2, strings.Count(rec.Body.String(), "event: PUT"))

	// Resume with A's cursor at 2 (the id of the 2nd event A emitted, which
	// is global event id 2 since A wrote first).
	q2 := url.Values{"user": {a.String() + ":2", bUser.String()}}
	p2, err := ParseParams(q2)
	require.NoError(t, err)
	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("GET", "/events-stream?"+q2.Encode(), nil)
	require.NoError(t, h.Serve(context.Background(), rec2, req2, p2))
	require.Equal(t, 3, strings.Count(rec2.Body.String(), "event: PUT"), "1 remaining from A plus 2 from B")
}

func TestServeLiveTailDeliversNewEvent(t *testing.T) {
	s, bus, a, _ := testStoreWithBus(t)

	h := NewHandler(s, bus)
	q := url.Values{"user": {a.String()}, "live": {"true"}, "limit": {"1"}}
	p, err := ParseParams(q)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/events-stream?"+q.Encode(), nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, h.Serve(ctx, rec, req, p))
	}()

	// Give Serve a moment to subscribe before the write lands.
	time.Sleep(20 * time.Millisecond)
	writeN(t, s, a, 1, "/pub/")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("live stream did not deliver the new event before its limit closed it")
	}
	require.Contains(t, rec.Body.String(), "event: PUT")
}

func TestBusPublishDoesNotBlockOnLaggedSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	var owner types.PublicKey
	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(types.Event{ID: int64(i), Owner: owner, Kind: types.EventPut, Path: "/pub/x"})
	}

	select {
	case <-sub.lagged:
	default:
		t.Fatal("expected subscriber to be marked lagged after exceeding its buffer")
	}
}
