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


package storage

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/backend"
)

func testStore(t *testing.T) (*Store, types.PublicKey) {
	t.Helper()
	b := backend.NewMemoryBackend()
	s := New(b)
	var pk types.PublicKey
	pk[0] = 1
	_, _, err := s.CreateUserIfAbsent(context.Background(), pk, time.Unix(0, 0))
	require.NoError(t, err)
	return s, pk
}

func TestWriteEntryThenReadRoundTrip(t *testing.T) {
	s, pk := testStore(t)
	ctx := context.Background()

	entry, err := s.WriteEntry(ctx, WriteEntryParams{
		Owner: pk, Path: "/pub/foo.txt", ContentLength: 5, ContentType: "text/plain",
		OverheadBytes: 256, QuotaBytes: 0, Now: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, int64(5), entry.ContentLength)

	got, err := s.GetEntry(ctx, pk, "/pub/foo.txt")
	require.NoError(t, err)
	require.Equal(t, entry.TimestampUsec, got.TimestampUsec)

	user, err := s.GetUser(ctx, pk)
	require.NoError(t, err)
	require.Equal(t, uint64(5+256), user.UsedBytes)
}

func TestWriteEntryOverwriteAccountsNetDelta(t *testing.T) {
	s, pk := testStore(t)
	ctx := context.Background()

	_, err := s.WriteEntry(ctx, WriteEntryParams{Owner: pk, Path: "/pub/a", ContentLength: 100, OverheadBytes: 256, Now: time.Now()})
	require.NoError(t, err)
	_, err = s.WriteEntry(ctx, WriteEntryParams{Owner: pk, Path: "/pub/a", ContentLength: 50, OverheadBytes: 256, Now: time.Now()})
	require.NoError(t, err)

	user, err := s.GetUser(ctx, pk)
	require.NoError(t, err)
	require.Equal(t, uint64(50+256), user.UsedBytes)
}

func TestQuotaExceededLeavesNoSideEffects(t *testing.T) {
	s, pk := testStore(t)
	ctx := context.Background()
	quota := int64(1_048_576)

	_, err := s.WriteEntry(ctx, WriteEntryParams{Owner: pk, Path: "/pub/a", ContentLength: 600_000, OverheadBytes: 256, QuotaBytes: quota, Now: time.Now()})
	require.NoError(t, err)
	_, err = s.WriteEntry(ctx, WriteEntryParams{Owner: pk, Path: "/pub/a", ContentLength: 600_000, OverheadBytes: 256, QuotaBytes: quota, Now: time.Now()})
	require.NoError(t, err, "overwrite of the same resource stays within quota")

	_, err = s.WriteEntry(ctx, WriteEntryParams{Owner: pk, Path: "/pub/b", ContentLength: 600_000, OverheadBytes: 256, QuotaBytes: quota, Now: time.Now()})
	require.Error(t, err)

	_, err = s.GetEntry(ctx, pk, "/pub/b")
	require.Error(t, err, "failed write must not have created an entry")

	user, err := s.GetUser(ctx, pk)
	require.NoError(t, err)
	require.Equal(t, uint64(600_000+256), user.UsedBytes, "used_bytes must be unaffected by the rejected write")

	require.NoError(t, s.DeleteEntry(ctx, pk, "/pub/a", 256, time.Now()))
	_, err = s.WriteEntry(ctx, WriteEntryParams{Owner: pk, Path: "/pub/a", ContentLength: quota - 256, OverheadBytes: 256, QuotaBytes: quota, Now: time.Now()})
	require.NoError(t, err, "a write landing exactly on the quota boundary must succeed")
}

func TestDeleteEntryIsNotFoundOnMissing(t *testing.T) {
	s, pk := testStore(t)
	err := s.DeleteEntry(context.Background(), pk, "/pub/nope", 256, time.Now())
	require.Error(t, err)
}

func TestListShallowOrdering(t *testing.T) {
	s, pk := testStore(t)
	ctx := context.Background()
	for _, p := range []string{"/pub/x", "/pub/x/a.txt", "/pub/y"} {
		_, err := s.WriteEntry(ctx, WriteEntryParams{Owner: pk, Path: p, ContentLength: 1, OverheadBytes: 1, Now: time.Now()})
		require.NoError(t, err)
	}

	asc, err := s.List(ctx, ListParams{Owner: pk, Prefix: "/pub/", Shallow: true, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"x", "x/", "y"}, asc)

	desc, err := s.List(ctx, ListParams{Owner: pk, Prefix: "/pub/", Shallow: true, Reverse: true, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"y", "x/", "x"}, desc)
}

func TestGetByUserCursorsMultiUser(t *testing.T) {
	ctx := context.Background()
	b := backend.NewMemoryBackend()
	s := New(b)

	var a, bUser, c types.PublicKey
	a[0], bUser[0], c[0] = 1, 2, 3
	now := time.Now()
	for _, pk := range []types.PublicKey{a, bUser, c} {
		_, _, err := s.CreateUserIfAbsent(ctx, pk, now)
		require.NoError(t, err)
	}

	writeN := func(pk types.PublicKey, n int) {
		for i := 0; i < n; i++ {
			_, err := s.WriteEntry(ctx, WriteEntryParams{Owner: pk, Path: "/pub/f", ContentLength: 1, OverheadBytes: 1, Now: now})
			require.NoError(t, err)
		}
	}
	writeN(a, 3)
	writeN(bUser, 2)
	writeN(c, 4)

	ua, err := s.GetUser(ctx, a)
	require.NoError(t, err)
	ub, err := s.GetUser(ctx, bUser)
	require.NoError(t, err)

	events, err := s.GetByUserCursors(ctx, []UserCursor{{UserID: ua.ID}, {UserID: ub.ID}}, false, "", 50)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for _, ev := range events {
		require.NotEqual(t, c, ev.Owner)
	}

	// Resume: after consuming the first two (both A's), reconnecting with
	// user=A:<cursor2>&user=B should deliver exactly the 3rd A event plus
	// both B events.
	cursor := events[1].ID
	resumed, err := s.GetByUserCursors(ctx, []UserCursor{{UserID: ua.ID, Cursor: &cursor}, {UserID: ub.ID}}, false, "", 50)
	require.NoError(t, err)
	require.Len(t, resumed, 3)
}

func TestGetByUserCursorsAppliesPathFilterBeforeCap(t *testing.T) {
	ctx := context.Background()
	b := backend.NewMemoryBackend()
	s := New(b)

	var pk types.PublicKey
	pk[0] = 1
	now := time.Now()
	_, _, err := s.CreateUserIfAbsent(ctx, pk, now)
	require.NoError(t, err)
	user, err := s.GetUser(ctx, pk)
	require.NoError(t, err)

	// Five non-matching events land ahead of one matching event in the
	// log. A limit smaller than 5 must not let the non-matching events
	// exhaust the per-user raw cap before the filter is even applied.
	for i := 0; i < 5; i++ {
		_, err := s.WriteEntry(ctx, WriteEntryParams{Owner: pk, Path: "/other/f", ContentLength: 1, OverheadBytes: 1, Now: now})
		require.NoError(t, err)
	}
	_, err = s.WriteEntry(ctx, WriteEntryParams{Owner: pk, Path: "/pub/match", ContentLength: 1, OverheadBytes: 1, Now: now})
	require.NoError(t, err)

	events, err := s.GetByUserCursors(ctx, []UserCursor{{UserID: user.ID}}, false, "/pub/", 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "/pub/match", events[0].Path)
}

func TestParseCursorAcceptsIDAndLegacyTimestamp(t *testing.T) {
	s, pk := testStore(t)
	ctx := context.Background()
	now := time.Now()
	_, err := s.WriteEntry(ctx, WriteEntryParams{Owner: pk, Path: "/pub/f", ContentLength: 1, OverheadBytes: 1, Now: now})
	require.NoError(t, err)

	events, err := s.GetByCursor(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	idForm, err := s.ParseCursor(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, int64(42), idForm)

	legacyForm := strconv.FormatInt(events[0].CreatedAt.UnixMicro(), 10)
	legacy, err := s.ParseCursor(ctx, legacyForm)
	require.NoError(t, err)
	require.Equal(t, events[0].ID, legacy)
}
