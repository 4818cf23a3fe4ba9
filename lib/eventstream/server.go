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
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/storage"
)

// MaxUsers bounds the number of distinct `user=` parameters a single
// stream request may subscribe to (§4.8, §6 "default 50").
const MaxUsers = 50

// keepAlive is how often an idle live stream emits a comment line to hold
// the connection open through intermediate proxies (§5 "idle live streams
// are kept alive with periodic keep-alive pings").
const keepAlive = 15 * time.Second

// userQuery is one `user=<pubkey>[:<cursor>]` parameter.
type userQuery struct {
	PublicKey types.PublicKey
	Cursor    string // raw cursor string, empty if absent
}

// Params is a validated /events-stream request.
type Params struct {
	Users      []userQuery
	Limit      int // 0 means unbounded
	Live       bool
	Reverse    bool
	PathPrefix string
}

// ParseParams validates the query parameters of §4.8 step 1.
func ParseParams(q url.Values) (Params, error) {
	rawUsers := q["user"]
	if len(rawUsers) == 0 {
		return Params{}, trace.BadParameter("at least one user parameter is required")
	}
	if len(rawUsers) > MaxUsers {
		return Params{}, trace.BadParameter("too many users: %d > %d", len(rawUsers), MaxUsers)
	}

	live := q.Get("live") == "true"
	reverse := q.Get("reverse") == "true"
	if live && reverse {
		return Params{}, trace.BadParameter("live and reverse are incompatible")
	}

	var limit int
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return Params{}, trace.BadParameter("invalid limit %q", raw)
		}
		limit = int(v)
	}

	path := q.Get("path")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	users := make([]userQuery, 0, len(rawUsers))
	for _, raw := range rawUsers {
		pkRaw, cursor, _ := strings.Cut(raw, ":")
		pk, err := types.ParsePublicKey(pkRaw)
		if err != nil {
			return Params{}, trace.BadParameter("invalid user public key %q", pkRaw)
		}
		users = append(users, userQuery{PublicKey: pk, Cursor: cursor})
	}

	return Params{Users: users, Limit: limit, Live: live, Reverse: reverse, PathPrefix: path}, nil
}

// Handler serves the live/historical event stream of §4.8.
type Handler struct {
	store *storage.Store
	bus   *Bus
}

// NewHandler builds a Handler over store's history and bus's live feed.
func NewHandler(store *storage.Store, bus *Bus) *Handler {
	return &Handler{store: store, bus: bus}
}

// resolvedUser pairs a requested user with its numeric id and mutable
// emitted-cursor watermark.
type resolvedUser struct {
	userID       int64
	publicKey    types.PublicKey
	lastEmitted  *int64
}

// Serve validates and resolves p against the store, then streams SSE
// messages to w until the stream closes per §4.8 step 7. Any error
// returned here occurs before the first byte is written, so the caller
// may still map it to an HTTP status code; once streaming begins Serve
// always returns nil, having written as much of the stream as it could.
func (h *Handler) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, p Params) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return trace.BadParameter("streaming not supported by this response writer")
	}

	resolved := make([]resolvedUser, 0, len(p.Users))
	for _, uq := range p.Users {
		user, err := h.store.GetUser(ctx, uq.PublicKey)
		if err != nil {
			return trace.NotFound("unknown user %s", uq.PublicKey)
		}
		var cursor *int64
		if uq.Cursor != "" {
			id, err := h.store.ParseCursor(ctx, uq.Cursor)
			if err != nil {
				return trace.BadParameter("invalid cursor for user %s: %v", uq.PublicKey, err)
			}
			cursor = &id
		}
		resolved = append(resolved, resolvedUser{userID: user.ID, publicKey: uq.PublicKey, lastEmitted: cursor})
	}

	var sub *subscription
	if p.Live {
		// Subscribe before querying history so no write committed between
		// "now" and the first historical query is ever missed (§4.8 step 3).
		sub = h.bus.Subscribe()
		defer h.bus.Unsubscribe(sub)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	remaining := p.Limit
	unbounded := p.Limit == 0

	byUserID := make(map[int64]*resolvedUser, len(resolved))
	for i := range resolved {
		byUserID[resolved[i].userID] = &resolved[i]
	}

	// Phase 1: historical drain.
	for unbounded || remaining > 0 {
		batch := 100
		if !unbounded && remaining < batch {
			batch = remaining
		}
		cursors := make([]storage.UserCursor, len(resolved))
		for i, ru := range resolved {
			cursors[i] = storage.UserCursor{UserID: ru.userID, Cursor: ru.lastEmitted}
		}
		events, err := h.store.GetByUserCursors(ctx, cursors, p.Reverse, p.PathPrefix, batch)
		if err != nil {
			log.WithError(err).Warn("querying event history mid-stream")
			return nil
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			writeSSE(w, ev)
			if ru, ok := byUserID[ev.OwnerID]; ok {
				id := ev.ID
				ru.lastEmitted = &id
			}
			if !unbounded {
				remaining--
			}
		}
		flusher.Flush()
		if len(events) < batch {
			break
		}
	}

	if !p.Live || (!unbounded && remaining <= 0) {
		return nil
	}

	// Phase 2: live tail.
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.lagged:
			fmt.Fprint(w, ": stream lagged, reconnect with a cursor to resume\n\n")
			flusher.Flush()
			return nil
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.events:
			if !ok {
				return nil
			}
			ru, subscribed := byUserID[ev.OwnerID]
			if !subscribed {
				continue
			}
			if ru.lastEmitted != nil && ev.ID <= *ru.lastEmitted {
				continue
			}
			if p.PathPrefix != "" && !strings.HasPrefix(ev.Path, p.PathPrefix) {
				continue
			}
			writeSSE(w, ev)
			id := ev.ID
			ru.lastEmitted = &id
			flusher.Flush()
			if !unbounded {
				remaining--
				if remaining <= 0 {
					return nil
				}
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev types.Event) {
	fmt.Fprintf(w, "event: %s\n", ev.Kind)
	fmt.Fprintf(w, "data: pubky://%s/%s\n", ev.Owner, strings.TrimPrefix(ev.Path, "/"))
	fmt.Fprintf(w, "data: cursor: %d\n", ev.ID)
	if ev.Kind == types.EventPut {
		fmt.Fprintf(w, "data: content_hash: %s\n", base64.StdEncoding.EncodeToString(ev.ContentHash[:]))
	}
	fmt.Fprint(w, "\n")
}
