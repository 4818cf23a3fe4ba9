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
	"os"
	"path/filepath"

	"github.com/gravitational/trace"

	"github.com/pubky/pubky-homeserver/lib/resource"
)

// FilesystemBackend stores blobs as regular files under root, one file
// per (owner, path) resource, named by the hex of their owner public key
// and the hex of the resource path. Writes land in a ".tmp"-suffixed
// sibling first and are renamed into place on Commit, so a
// reader never observes a partially written file (config "storage.backend
// = filesystem").
type FilesystemBackend struct {
	root string
}

// NewFilesystemBackend roots blob storage at root, creating it if absent.
func NewFilesystemBackend(root string) (*FilesystemBackend, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, trace.Wrap(err, "creating blob root %q", root)
	}
	return &FilesystemBackend{root: root}, nil
}

func (b *FilesystemBackend) resourcePath(res resource.Resource) string {
	owner := hex.EncodeToString(res.Owner[:])
	escaped := hex.EncodeToString([]byte(res.Path))
	return filepath.Join(b.root, owner, escaped)
}

type filesystemWriter struct {
	final     string
	tmp       string
	f         *os.File
	committed bool
}

func (b *FilesystemBackend) NewWriter(ctx context.Context, res resource.Resource) (Writer, error) {
	final := b.resourcePath(res)
	if err := os.MkdirAll(filepath.Dir(final), 0o700); err != nil {
		return nil, trace.Wrap(err, "creating blob directory for %s", res.Path)
	}
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, trace.Wrap(err, "opening temp blob file for %s", res.Path)
	}
	return &filesystemWriter{final: final, tmp: tmp, f: f}, nil
}

func (w *filesystemWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *filesystemWriter) Commit(ctx context.Context) (string, string, error) {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return "", "", trace.Wrap(err, "syncing blob file")
	}
	if err := w.f.Close(); err != nil {
		return "", "", trace.Wrap(err, "closing blob file")
	}
	if err := os.Rename(w.tmp, w.final); err != nil {
		return "", "", trace.Wrap(err, "finalizing blob file")
	}
	w.committed = true
	return "filesystem", filepath.Base(w.final), nil
}

func (w *filesystemWriter) Abort(ctx context.Context) error {
	if w.committed {
		return nil
	}
	w.f.Close()
	if err := os.Remove(w.tmp); err != nil && !os.IsNotExist(err) {
		return trace.Wrap(err, "removing aborted temp blob file")
	}
	return nil
}

func (b *FilesystemBackend) Reader(ctx context.Context, res resource.Resource) (io.ReadCloser, error) {
	f, err := os.Open(b.resourcePath(res))
	if os.IsNotExist(err) {
		return nil, trace.NotFound("blob not found for %s", res.Path)
	}
	if err != nil {
		return nil, trace.Wrap(err, "opening blob for %s", res.Path)
	}
	return f, nil
}

func (b *FilesystemBackend) Stat(ctx context.Context, res resource.Resource) (int64, error) {
	info, err := os.Stat(b.resourcePath(res))
	if os.IsNotExist(err) {
		return 0, trace.NotFound("blob not found for %s", res.Path)
	}
	if err != nil {
		return 0, trace.Wrap(err, "statting blob for %s", res.Path)
	}
	return info.Size(), nil
}

func (b *FilesystemBackend) Delete(ctx context.Context, res resource.Resource) error {
	err := os.Remove(b.resourcePath(res))
	if err != nil && !os.IsNotExist(err) {
		return trace.Wrap(err, "deleting blob for %s", res.Path)
	}
	return nil
}
