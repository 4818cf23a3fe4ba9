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


// Package resource implements the path and resource model (component C3):
// parsing, normalizing, and comparing pubky:// URLs and the paths beneath
// a user's tree.
package resource

import (
	"strings"

	"github.com/gravitational/trace"

	"github.com/pubky/pubky-homeserver/api/types"
)

// PublicRoot is the root of the user-facing public subtree.
const PublicRoot = "/pub/"

// ValidatePath checks the structural rules from §4.3: must begin with
// "/", no ".." segments, no null bytes, no control characters, and no
// empty segments other than a single trailing "/" that marks a directory.
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' {
		return trace.BadParameter("invalid path %q: must begin with /", p)
	}
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == 0 || c < 0x20 || c == 0x7f {
			return trace.BadParameter("invalid path %q: contains control or null byte", p)
		}
	}
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, seg := range segments {
		if seg == "" {
			// Only the last segment is allowed to be empty (trailing "/").
			if i != len(segments)-1 {
				return trace.BadParameter("invalid path %q: empty segment", p)
			}
			continue
		}
		if seg == ".." || seg == "." {
			return trace.BadParameter("invalid path %q: relative segment %q forbidden", p, seg)
		}
	}
	return nil
}

// IsDir reports whether the path denotes a directory (ends in "/").
func IsDir(p string) bool {
	return strings.HasSuffix(p, "/")
}

// IsPublic reports whether the path falls under the public subtree.
func IsPublic(p string) bool {
	return strings.HasPrefix(p, PublicRoot)
}

// Normalize prepends a leading "/" if missing, used for both path-filter
// query parameters and cursor fragments that may arrive without one.
func Normalize(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		return "/" + p
	}
	return p
}

// Less implements byte-wise lexicographic ordering over normalized paths.
func Less(a, b string) bool {
	return a < b
}

// Resource is the pair (owner pubkey, path) that every entry, blob, and
// event is keyed by.
type Resource struct {
	Owner types.PublicKey
	Path  string
}

// PubkyURL parses "pubky://<pk>/<path>" into its components. A bare
// relative path ("/pub/foo") is accepted only via ParseRelative, used in
// contexts where the owner is implicit (a session-bound client).
func PubkyURL(raw string) (Resource, error) {
	const scheme = "pubky://"
	if !strings.HasPrefix(raw, scheme) {
		return Resource{}, trace.BadParameter("invalid pubky url %q: missing pubky:// scheme", raw)
	}
	rest := raw[len(scheme):]
	slash := strings.IndexByte(rest, '/')
	var pkStr, path string
	if slash < 0 {
		pkStr, path = rest, "/"
	} else {
		pkStr, path = rest[:slash], rest[slash:]
	}
	pk, err := types.ParsePublicKey(pkStr)
	if err != nil {
		return Resource{}, trace.Wrap(err, "invalid pubky url %q", raw)
	}
	if err := ValidatePath(path); err != nil {
		return Resource{}, err
	}
	return Resource{Owner: pk, Path: path}, nil
}

// ParseRelative validates a bare path in a session-bound context where the
// owner pubkey is already known.
func ParseRelative(owner types.PublicKey, path string) (Resource, error) {
	path = Normalize(path)
	if err := ValidatePath(path); err != nil {
		return Resource{}, err
	}
	return Resource{Owner: owner, Path: path}, nil
}

// String renders the resource back to pubky://<pk>/<path> form.
func (r Resource) String() string {
	return "pubky://" + r.Owner.String() + r.Path
}
