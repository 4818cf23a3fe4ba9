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
	"net/http"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/pubky/pubky-homeserver/lib/eventstream"
)

// legacyEventFeed handles GET /events/?cursor&limit (§4.10 "Event feed
// (legacy)"): it writes its own plain-text body directly, so it returns
// (nil, nil) to tell httplib.MakeHandler not to write anything further.
func (h *Handler) legacyEventFeed(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	limit := h.LegacyFeedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return nil, trace.BadParameter("invalid limit %q", raw)
		}
		limit = v
	}

	cursor := r.URL.Query().Get("cursor")
	if cursor != "" {
		// Validate before writing the status line: WriteLegacyFeed cannot
		// signal a bad cursor through an HTTP status once streaming starts.
		if _, err := h.Entries.ParseCursor(r.Context(), cursor); err != nil {
			return nil, trace.Wrap(err, "invalid cursor")
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	err := eventstream.WriteLegacyFeed(r.Context(), h.Entries, w, cursor, limit)
	return nil, err
}

// eventStream handles GET /events-stream?... (§4.10 "Event stream",
// §4.8). Handler.Serve writes its own headers and body once validation
// passes, so this also returns (nil, nil) on success.
func (h *Handler) eventStream(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	params, err := eventstream.ParseParams(r.URL.Query())
	if err != nil {
		return nil, err
	}
	return nil, h.Events.Serve(r.Context(), w, r, params)
}
