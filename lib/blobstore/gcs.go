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
	"context"
	"encoding/hex"
	"io"

	"cloud.google.com/go/storage"
	"github.com/gravitational/trace"

	"github.com/pubky/pubky-homeserver/lib/resource"
)

// GCSBackend stores blobs as objects in a single Google Cloud Storage
// bucket (config "storage.backend = google-bucket"), one object per
// resource, named the same way FilesystemBackend names its files so the
// two remain trivially swappable in config.
type GCSBackend struct {
	client *storage.Client
	bucket string
}

// NewGCSBackend wraps an already-authenticated *storage.Client for bucket.
func NewGCSBackend(client *storage.Client, bucket string) *GCSBackend {
	return &GCSBackend{client: client, bucket: bucket}
}

func objectName(res resource.Resource) string {
	return hex.EncodeToString(res.Owner[:]) + "/" + hex.EncodeToString([]byte(res.Path))
}

func (b *GCSBackend) object(res resource.Resource) *storage.ObjectHandle {
	return b.client.Bucket(b.bucket).Object(objectName(res))
}

type gcsWriter struct {
	w         *storage.Writer
	name      string
	committed bool
}

func (b *GCSBackend) NewWriter(ctx context.Context, res resource.Resource) (Writer, error) {
	w := b.object(res).NewWriter(ctx)
	return &gcsWriter{w: w, name: objectName(res)}, nil
}

func (w *gcsWriter) Write(p []byte) (int, error) {
	return w.w.Write(p)
}

func (w *gcsWriter) Commit(ctx context.Context) (string, string, error) {
	if err := w.w.Close(); err != nil {
		return "", "", trace.Wrap(err, "finalizing gcs object %q", w.name)
	}
	w.committed = true
	return "google-bucket", w.name, nil
}

func (w *gcsWriter) Abort(ctx context.Context) error {
	if w.committed {
		return nil
	}
	// storage.Writer has no explicit abort; closing without a prior
	// successful write discards the object server-side.
	return nil
}

func (b *GCSBackend) Reader(ctx context.Context, res resource.Resource) (io.ReadCloser, error) {
	r, err := b.object(res).NewReader(ctx)
	if err == storage.ErrObjectNotExist {
		return nil, trace.NotFound("blob not found for %s", res.Path)
	}
	if err != nil {
		return nil, trace.Wrap(err, "opening gcs object for %s", res.Path)
	}
	return r, nil
}

func (b *GCSBackend) Stat(ctx context.Context, res resource.Resource) (int64, error) {
	attrs, err := b.object(res).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return 0, trace.NotFound("blob not found for %s", res.Path)
	}
	if err != nil {
		return 0, trace.Wrap(err, "statting gcs object for %s", res.Path)
	}
	return attrs.Size, nil
}

func (b *GCSBackend) Delete(ctx context.Context, res resource.Resource) error {
	err := b.object(res).Delete(ctx)
	if err != nil && err != storage.ErrObjectNotExist {
		return trace.Wrap(err, "deleting gcs object for %s", res.Path)
	}
	return nil
}
