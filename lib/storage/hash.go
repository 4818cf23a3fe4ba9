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
	"encoding/hex"

	"github.com/gravitational/trace"
)

func encodeHexHash(h [32]byte) string {
	return hex.EncodeToString(h[:])
}

func decodeHexHash(s string, out *[32]byte) error {
	if s == "" {
		return nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return trace.Wrap(err, "decoding content hash")
	}
	if len(raw) != 32 {
		return trace.BadParameter("content hash must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return nil
}
