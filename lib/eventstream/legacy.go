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
	"fmt"
	"io"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/pubky/pubky-homeserver/lib/storage"
)

// defaultLegacyLimit bounds a single /events/ poll when the caller omits
// `limit` (§4.10 "Event feed (legacy)").
const defaultLegacyLimit = 100

// WriteLegacyFeed renders the plain-text `/events/` feed of §6: one
// "PUT pubky://..." or "DEL pubky://..." line per event, terminated by a
// "cursor: <id>" line giving the position to resume from.
func WriteLegacyFeed(ctx context.Context, store *storage.Store, w io.Writer, rawCursor string, limit int) error {
	if limit <= 0 {
		limit = defaultLegacyLimit
	}
	var cursor *int64
	if rawCursor != "" {
		id, err := store.ParseCursor(ctx, rawCursor)
		if err != nil {
			return trace.Wrap(err, "invalid cursor")
		}
		cursor = &id
	}

	events, err := store.GetByCursor(ctx, cursor, limit)
	if err != nil {
		return trace.Wrap(err, "querying event history")
	}

	last := int64(0)
	if cursor != nil {
		last = *cursor
	}
	for _, ev := range events {
		if _, err := fmt.Fprintf(w, "%s pubky://%s/%s\n", ev.Kind, ev.Owner, ev.Path[1:]); err != nil {
			return trace.Wrap(err)
		}
		last = ev.ID
	}
	_, err = fmt.Fprintf(w, "cursor: %s\n", strconv.FormatInt(last, 10))
	return trace.Wrap(err)
}
