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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCapabilityAllowsRespectsSegmentBoundary(t *testing.T) {
	cases := []struct {
		name   string
		prefix string
		path   string
		want   bool
	}{
		{"exact match", "/pub/app", "/pub/app", true},
		{"nested under prefix", "/pub/app", "/pub/app/data.json", true},
		{"sibling sharing a string prefix", "/pub/app", "/pub/application/data.json", false},
		{"unrelated path", "/pub/app", "/pub/other", false},
		{"prefix already slash-terminated", "/pub/app/", "/pub/app/data.json", true},
		{"root prefix matches everything", "/", "/pub/whatever", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Capability{Prefix: tc.prefix, Mode: ModeReadWrite}
			require.Equal(t, tc.want, c.Allows(tc.path, ModeRead))
		})
	}
}
