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


package blobstore

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/backend"
	"github.com/pubky/pubky-homeserver/lib/storage"
)

func testStore(t *testing.T, quotaBytes int64) (*Store, types.PublicKey) {
	t.Helper()
	b := backend.NewMemoryBackend()
	entries := storage.New(b)
	var pk types.PublicKey
	pk[0] = 7
	_, _, err := entries.CreateUserIfAbsent(context.Background(), pk, time.Unix(0, 0))
	require.NoError(t, err)
	return NewStore(NewEmbeddedBackend(b), entries, 256, quotaBytes), pk
}

func TestPutThenGetRoundTrip(t *testing.T) {
	s, pk := testStore(t, 0)
	ctx := context.Background()
	body := bytes.Repeat([]byte("a"), 300_000)

	entry, err := s.Put(ctx, pk, "/pub/big.bin", "application/octet-stream", bytes.NewReader(body), time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), entry.ContentLength)

	gotEntry, r, err := s.Get(ctx, pk, "/pub/big.bin")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, body, got)
	require.Equal(t, entry.ContentHash, gotEntry.ContentHash)
}

func TestPutOverQuotaLeavesNoOrphanBlob(t *testing.T) {
	s, pk := testStore(t, 1024)
	ctx := context.Background()
	body := bytes.Repeat([]byte("z"), 2048)

	_, err := s.Put(ctx, pk, "/pub/too-big.bin", "application/octet-stream", bytes.NewReader(body), time.Now())
	require.Error(t, err)

	_, _, err = s.Get(ctx, pk, "/pub/too-big.bin")
	require.Error(t, err, "a quota-rejected write must leave no entry, and the blob behind it must be removed")
}

func TestPutOverwriteReplacesContent(t *testing.T) {
	s, pk := testStore(t, 0)
	ctx := context.Background()

	_, err := s.Put(ctx, pk, "/pub/f", "text/plain", bytes.NewReader([]byte("first")), time.Now())
	require.NoError(t, err)
	_, err = s.Put(ctx, pk, "/pub/f", "text/plain", bytes.NewReader([]byte("second-longer")), time.Now())
	require.NoError(t, err)

	_, r, err := s.Get(ctx, pk, "/pub/f")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "second-longer", string(got))
}

func TestDeleteRemovesEntryAndBlob(t *testing.T) {
	s, pk := testStore(t, 0)
	ctx := context.Background()

	_, err := s.Put(ctx, pk, "/pub/f", "text/plain", bytes.NewReader([]byte("data")), time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, pk, "/pub/f", time.Now()))

	_, _, err = s.Get(ctx, pk, "/pub/f")
	require.Error(t, err)
}
