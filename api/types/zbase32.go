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


package types

import "fmt"

// z-base-32 is the human-oriented base32 alphabet used to render Ed25519
// public keys (RFC: "Human-Oriented Base-32 Encoding", Zooko Wilcox-O'Hearn).
// Unlike RFC 4648 base32 it has no padding and orders characters by visual
// distinctiveness rather than alphabetically.
const zbase32Alphabet = "ybndrfg8ejkmcpqxot1uwisza345h769"

var zbase32Decode [256]int8

func init() {
	for i := range zbase32Decode {
		zbase32Decode[i] = -1
	}
	for i, c := range zbase32Alphabet {
		zbase32Decode[c] = int8(i)
	}
}

// EncodeZBase32 encodes raw bytes using the z-base-32 alphabet.
func EncodeZBase32(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	bitCount := len(data) * 8
	charCount := (bitCount + 4) / 5
	out := make([]byte, charCount)
	for i := 0; i < charCount; i++ {
		bitPos := i * 5
		bytePos := bitPos / 8
		bitOffset := bitPos % 8

		var window uint16
		window = uint16(data[bytePos]) << 8
		if bytePos+1 < len(data) {
			window |= uint16(data[bytePos+1])
		}
		val := (window >> (11 - bitOffset)) & 0x1f
		out[i] = zbase32Alphabet[val]
	}
	return string(out)
}

// DecodeZBase32 decodes a z-base-32 string into raw bytes.
func DecodeZBase32(s string) ([]byte, error) {
	bitCount := len(s) * 5
	byteCount := bitCount / 8
	out := make([]byte, byteCount)

	var buf uint32
	var bits int
	pos := 0
	for i := 0; i < len(s); i++ {
		v := zbase32Decode[s[i]]
		if v < 0 {
			return nil, fmt.Errorf("invalid z-base-32 character %q", s[i])
		}
		buf = (buf << 5) | uint32(v)
		bits += 5
		if bits >= 8 {
			bits -= 8
			if pos >= byteCount {
				// Trailing bits beyond a full byte boundary must be zero padding.
				continue
			}
			out[pos] = byte(buf >> bits)
			pos++
		}
	}
	return out, nil
}
