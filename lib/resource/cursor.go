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


package resource

import "strings"

// ResolveListCursor normalizes a listing cursor, which §4.4 permits to
// arrive as a bare name ("a.txt"), a path fragment ("/a.txt"), or a full
// "pubky://pk/pub/ex/a.txt" URL, into the same comparable path form. All
// three forms for the same logical resource resolve identically.
func ResolveListCursor(owner, prefix, cursor string) string {
	if cursor == "" {
		return ""
	}
	if strings.HasPrefix(cursor, "pubky://") {
		rest := strings.TrimPrefix(cursor, "pubky://")
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			return rest[idx:]
		}
		return "/"
	}
	if strings.HasPrefix(cursor, prefix) {
		return Normalize(cursor)
	}
	// Bare name relative to the listing prefix.
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(cursor, "/")
}
