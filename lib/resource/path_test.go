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

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pubky/pubky-homeserver/api/types"
)

func TestValidatePath(t *testing.T) {
	cases := []struct {
		path  string
		valid bool
	}{
		{"/pub/foo.txt", true},
		{"/pub/dir/", true},
		{"no-leading-slash", false},
		{"/pub/../etc/passwd", false},
		{"/pub/\x00null", false},
		{"/pub//double-slash", false},
	}
	for _, c := range cases {
		err := ValidatePath(c.path)
		if c.valid {
			require.NoError(t, err, c.path)
		} else {
			require.Error(t, err, c.path)
		}
	}
}

func TestPubkyURL(t *testing.T) {
	kp := types.PublicKey{}
	for i := range kp {
		kp[i] = byte(i)
	}
	url := "pubky://" + kp.String() + "/pub/foo.txt"
	r, err := PubkyURL(url)
	require.NoError(t, err)
	require.Equal(t, kp, r.Owner)
	require.Equal(t, "/pub/foo.txt", r.Path)
	require.Equal(t, url, r.String())
}

func TestResolveListCursorAgreesAcrossForms(t *testing.T) {
	kp := types.PublicKey{}
	url := "pubky://" + kp.String() + "/pub/ex/a.txt"

	byBare := ResolveListCursor(kp.String(), "/pub/ex/", "a.txt")
	byFragment := ResolveListCursor(kp.String(), "/pub/ex/", "/pub/ex/a.txt")
	byURL := ResolveListCursor(kp.String(), "/pub/ex/", url)

	require.Equal(t, byFragment, byBare)
	require.Equal(t, byFragment, byURL)
}
