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


package backend

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemoryBackend is an in-process Backend used as the default test double
// for every package built over backend.Backend, mirroring how the teacher
// tests its services against a lightweight backend rather than real
// etcd/dynamodb/firestore in unit tests (lib/services/local/presence_test.go).
// It is not selectable from configuration: storage.backend accepts only
// embedded, filesystem and google-bucket.
type MemoryBackend struct {
	mu   sync.Mutex
	data map[Bucket]map[string][]byte
	seq  map[Bucket]uint64
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data: make(map[Bucket]map[string][]byte),
		seq:  make(map[Bucket]uint64),
	}
}

func (m *MemoryBackend) Close() error { return nil }

func (m *MemoryBackend) View(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memoryTx{m: m})
}

func (m *MemoryBackend) Update(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memoryTx{m: m})
}

// memoryTx executes directly against the shared map since the whole
// backend is already under m.mu for the transaction's duration, giving
// the same single-writer-at-a-time discipline as BoltBackend without a
// separate commit step (there is nothing to roll back: a fn returning an
// error simply leaves whatever partial writes it already made, same as a
// caller-level failure after a real commit would require explicit
// compensating deletes — lib/storage checks the quota before its first
// write, and lib/blobstore checks it before committing a blob).
type memoryTx struct {
	m *MemoryBackend
}

func (t *memoryTx) bucket(b Bucket) map[string][]byte {
	bkt, ok := t.m.data[b]
	if !ok {
		bkt = make(map[string][]byte)
		t.m.data[b] = bkt
	}
	return bkt
}

func (t *memoryTx) Get(b Bucket, key []byte) ([]byte, bool, error) {
	v, ok := t.bucket(b)[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (t *memoryTx) Put(b Bucket, key, value []byte) error {
	t.bucket(b)[string(key)] = append([]byte(nil), value...)
	return nil
}

func (t *memoryTx) Delete(b Bucket, key []byte) error {
	delete(t.bucket(b), string(key))
	return nil
}

func (t *memoryTx) Range(b Bucket, start, end []byte, reverse bool, fn func(key, value []byte) bool) error {
	bkt := t.bucket(b)
	keys := make([]string, 0, len(bkt))
	for k := range bkt {
		kb := []byte(k)
		if start != nil && bytes.Compare(kb, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(kb, end) >= 0 {
			continue
		}
		keys = append(keys, k)
	}
	if reverse {
		sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	} else {
		sort.Strings(keys)
	}
	for _, k := range keys {
		if !fn([]byte(k), bkt[k]) {
			return nil
		}
	}
	return nil
}

func (t *memoryTx) NextSequence(b Bucket) (uint64, error) {
	t.m.seq[b]++
	return t.m.seq[b], nil
}
