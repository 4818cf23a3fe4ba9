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


package pkdns

import (
	"math/rand"
	"time"
)

// fullJitter returns a random duration in [0, d), the same "full jitter"
// strategy the teacher's retryutils.NewFullJitter applies around
// lib/services/local/presence.go's backoff loop, adapted here as a small
// unexported helper rather than pulling in the teacher's own internal
// package.
func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}
