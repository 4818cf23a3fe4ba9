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
	"time"

	"github.com/gravitational/trace"
	bolt "go.etcd.io/bbolt"
)

// BoltBackend is the embedded, single-process Backend implementation used
// by default (config "storage.backend = embedded"), grounded on
// go.etcd.io/bbolt, already present (indirectly) in the teacher's go.mod.
// bbolt serializes all writers through a single read-write mmap
// transaction, which is exactly the discipline §5 requires of the
// entries/events store.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bbolt database at path and
// pre-creates the known buckets.
func OpenBolt(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, trace.Wrap(err, "opening bbolt database %q", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range []Bucket{BucketUsers, BucketEntries, BucketEvents, BucketEventsByUser, BucketSignup, BucketSession, BucketBlobChunks} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, trace.Wrap(err, "initializing buckets")
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Close() error {
	return trace.Wrap(b.db.Close())
}

func (b *BoltBackend) View(ctx context.Context, fn func(Tx) error) error {
	return trace.Wrap(b.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	}))
}

func (b *BoltBackend) Update(ctx context.Context, fn func(Tx) error) error {
	return trace.Wrap(b.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	}))
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) bucket(b Bucket) (*bolt.Bucket, error) {
	bkt := t.tx.Bucket([]byte(b))
	if bkt == nil {
		var err error
		bkt, err = t.tx.CreateBucketIfNotExists([]byte(b))
		if err != nil {
			return nil, trace.Wrap(err, "creating bucket %q", b)
		}
	}
	return bkt, nil
}

func (t *boltTx) Get(b Bucket, key []byte) ([]byte, bool, error) {
	bkt, err := t.bucket(b)
	if err != nil {
		return nil, false, err
	}
	v := bkt.Get(key)
	if v == nil {
		return nil, false, nil
	}
	// bbolt's returned slice is only valid for the lifetime of the
	// transaction; copy it out for safety.
	return append([]byte(nil), v...), true, nil
}

func (t *boltTx) Put(b Bucket, key, value []byte) error {
	bkt, err := t.bucket(b)
	if err != nil {
		return err
	}
	return trace.Wrap(bkt.Put(key, value))
}

func (t *boltTx) Delete(b Bucket, key []byte) error {
	bkt, err := t.bucket(b)
	if err != nil {
		return err
	}
	return trace.Wrap(bkt.Delete(key))
}

func (t *boltTx) Range(b Bucket, start, end []byte, reverse bool, fn func(key, value []byte) bool) error {
	bkt, err := t.bucket(b)
	if err != nil {
		return err
	}
	c := bkt.Cursor()

	inRange := func(k []byte) bool {
		if k == nil {
			return false
		}
		if end != nil && bytes.Compare(k, end) >= 0 {
			return false
		}
		return true
	}

	if !reverse {
		var k, v []byte
		if start == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(start)
		}
		for ; inRange(k); k, v = c.Next() {
			if !fn(k, v) {
				return nil
			}
		}
		return nil
	}

	// Reverse iteration: seek to end (or last key), then walk backwards,
	// stopping once we pass start.
	var k, v []byte
	if end == nil {
		k, v = c.Last()
	} else {
		k, v = c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
	}
	for ; k != nil; k, v = c.Prev() {
		if start != nil && bytes.Compare(k, start) < 0 {
			break
		}
		if !fn(k, v) {
			return nil
		}
	}
	return nil
}

func (t *boltTx) NextSequence(b Bucket) (uint64, error) {
	bkt, err := t.bucket(b)
	if err != nil {
		return 0, err
	}
	seq, err := bkt.NextSequence()
	return seq, trace.Wrap(err)
}
