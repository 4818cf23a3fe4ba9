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


package web

import (
	"encoding/hex"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/resource"
	"github.com/pubky/pubky-homeserver/lib/session"
	"github.com/pubky/pubky-homeserver/lib/storage"
)

// readOrList handles GET /:pubky/*respath (§4.10 "Read resource"/"List"):
// a trailing "/" means the target is a directory and is listed, anything
// else is a single-resource read.
func (h *Handler) readOrList(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	owner, err := h.resolveHost(r, p)
	if err != nil {
		return nil, err
	}
	res, err := resource.ParseRelative(owner, p.ByName("respath"))
	if err != nil {
		return nil, err
	}

	sess := h.lookupSession(r, owner)
	if err := session.Check(res, types.ModeRead, sess); err != nil {
		return nil, err
	}

	if resource.IsDir(res.Path) {
		return nil, h.list(w, r, res)
	}
	return nil, h.read(w, r, res)
}

func (h *Handler) read(w http.ResponseWriter, r *http.Request, res resource.Resource) error {
	entry, body, err := h.Blobs.Get(r.Context(), res.Owner, res.Path)
	if err != nil {
		return err
	}
	defer body.Close()

	contentType := entry.ContentType
	if contentType == "" {
		contentType = contentTypeForPath(res.Path)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", `"`+hex.EncodeToString(entry.ContentHash[:])+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(entry.ContentLength, 10))
	w.WriteHeader(http.StatusOK)
	_, err = io.Copy(w, body)
	return trace.Wrap(err, "streaming response body for %s", res)
}

// contentTypeForPath infers MIME type from the path extension (§3
// "Entry"), falling back to a generic octet stream for unknown or absent
// extensions.
func contentTypeForPath(p string) string {
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, res resource.Resource) error {
	q := r.URL.Query()

	limit := h.ListingDefaultLimit
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return trace.BadParameter("invalid limit %q", raw)
		}
		limit = v
	}
	if limit > h.ListingMaxLimit {
		limit = h.ListingMaxLimit
	}

	reverse := q.Get("reverse") == "true"
	shallow := q.Get("shallow") == "true"
	cursor := resource.ResolveListCursor(res.Owner.String(), res.Path, q.Get("cursor"))

	paths, err := h.Entries.List(r.Context(), storage.ListParams{
		Owner:   res.Owner,
		Prefix:  res.Path,
		Reverse: reverse,
		Cursor:  cursor,
		Limit:   limit,
		Shallow: shallow,
	})
	if err != nil {
		return err
	}

	lines := make([]string, len(paths))
	for i, pth := range paths {
		full := pth
		if shallow {
			// shallowProject returns a path segment relative to res.Path,
			// not a full path; non-shallow results are already full paths.
			full = res.Path + pth
		}
		lines[i] = "pubky://" + res.Owner.String() + full
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, err = io.WriteString(w, strings.Join(lines, "\n"))
	return trace.Wrap(err, "writing listing response")
}

// write handles PUT /:pubky/*respath (§4.10 "Write resource").
func (h *Handler) write(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	owner, err := h.resolveHost(r, p)
	if err != nil {
		return nil, err
	}
	res, err := resource.ParseRelative(owner, p.ByName("respath"))
	if err != nil {
		return nil, err
	}
	if resource.IsDir(res.Path) {
		return nil, trace.BadParameter("cannot write to a directory path %s", res.Path)
	}

	sess := h.lookupSession(r, owner)
	if err := session.Check(res, types.ModeWrite, sess); err != nil {
		return nil, err
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = contentTypeForPath(res.Path)
	}

	entry, err := h.Blobs.Put(r.Context(), owner, res.Path, contentType, r.Body, h.Clock.Now())
	if err != nil {
		return nil, err
	}

	w.Header().Set("ETag", `"`+hex.EncodeToString(entry.ContentHash[:])+`"`)
	w.WriteHeader(http.StatusCreated)
	return nil, nil
}

// delete handles DELETE /:pubky/*respath (§4.10 "Delete resource").
func (h *Handler) delete(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	owner, err := h.resolveHost(r, p)
	if err != nil {
		return nil, err
	}
	res, err := resource.ParseRelative(owner, p.ByName("respath"))
	if err != nil {
		return nil, err
	}

	sess := h.lookupSession(r, owner)
	if err := session.Check(res, types.ModeWrite, sess); err != nil {
		return nil, err
	}

	if err := h.Blobs.Delete(r.Context(), owner, res.Path, h.Clock.Now()); err != nil {
		return nil, err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil, nil
}
