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
	"strings"

	"github.com/gravitational/trace"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/backend"
)

// ListParams bundles the inputs to List (§4.4 "Listing").
type ListParams struct {
	Owner   types.PublicKey
	Prefix  string
	Reverse bool
	Cursor  string // already resolved to a comparable path via lib/resource.ResolveListCursor
	Limit   int
	Shallow bool
}

// List implements §4.4's listing algorithm. In non-shallow mode it
// returns full paths strictly under Prefix; in shallow mode it projects
// each match down to its first segment under Prefix, collapsing runs of
// the same segment into a single directory or file entry.
func (s *Store) List(ctx context.Context, p ListParams) ([]string, error) {
	if p.Limit <= 0 {
		return nil, trace.BadParameter("limit must be positive")
	}
	if !strings.HasSuffix(p.Prefix, "/") {
		return nil, trace.BadParameter("list prefix %q must end in /", p.Prefix)
	}

	start := backend.Key(p.Owner[:], []byte(p.Prefix))
	end := backend.RangeEnd(start)

	var cursorKey []byte
	if p.Cursor != "" {
		cursorKey = backend.Key(p.Owner[:], []byte(p.Cursor))
	}

	var rangeStart, rangeEnd []byte
	if !p.Reverse {
		rangeStart = start
		if cursorKey != nil {
			// Strictly after cursor; a directory cursor ("…/") also skips
			// everything beneath it.
			if strings.HasSuffix(p.Cursor, "/") {
				rangeStart = backend.RangeEnd(cursorKey)
			} else {
				rangeStart = append(append([]byte(nil), cursorKey...), 0x00)
			}
		}
		rangeEnd = end
	} else {
		rangeStart = start
		rangeEnd = end
		if cursorKey != nil {
			rangeEnd = cursorKey // strictly before cursor
		}
	}

	var paths []string
	err := s.backend.View(ctx, func(tx backend.Tx) error {
		return tx.Range(backend.BucketEntries, rangeStart, rangeEnd, p.Reverse, func(k, _ []byte) bool {
			// k = owner(32) || 0x00 || path
			path := string(k[33:])
			paths = append(paths, path)
			return true // shallow projection may collapse many keys into
			// fewer results, so keep scanning until we have Limit outputs
			// or run out of input, checked below.
		})
	})
	if err != nil {
		return nil, err
	}

	if !p.Shallow {
		if len(paths) > p.Limit {
			paths = paths[:p.Limit]
		}
		return paths, nil
	}
	return shallowProject(paths, p.Prefix, p.Reverse, p.Limit), nil
}

// shallowProject collapses each path under prefix to its first segment:
// a directory is emitted as "<segment>/", a file as "<segment>". Per
// §4.4, ordering places "x" before "x/" ascending and the reverse when
// descending, and duplicate segments collapse to a single output entry.
func shallowProject(paths []string, prefix string, reverse bool, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range paths {
		rest := strings.TrimPrefix(p, prefix)
		var projected string
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			projected = rest[:idx+1] // directory form
		} else {
			projected = rest // file form
		}
		if seen[projected] {
			continue
		}
		seen[projected] = true
		out = append(out, projected)
		if len(out) >= limit {
			break
		}
	}
	return out
}
