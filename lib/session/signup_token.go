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


package session

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/pubky/pubky-homeserver/lib/backend"
)

type signupTokenRecord struct {
	Used bool `json:"used"`
}

// IssueSignupToken marks token as a valid, unused single-use admission
// credential. Intended for out-of-scope admin tooling (§1 Non-goals list
// the CLI and admin console as external collaborators); exposed here so
// that tooling has something to call.
func (e *Enforcer) IssueSignupToken(ctx context.Context, token string) error {
	raw, err := json.Marshal(signupTokenRecord{Used: false})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(e.backend.Update(ctx, func(tx backend.Tx) error {
		return tx.Put(backend.BucketSignup, []byte(token), raw)
	}))
}

// consumeSignupToken atomically marks token used, failing with
// trace.BadParameter (surfaced as InvalidSignupToken, §4.6) if the token
// is missing, malformed, or already consumed.
func (e *Enforcer) consumeSignupToken(ctx context.Context, token string) error {
	if token == "" {
		return trace.BadParameter("invalid signup token: missing")
	}
	return trace.Wrap(e.backend.Update(ctx, func(tx backend.Tx) error {
		raw, ok, err := tx.Get(backend.BucketSignup, []byte(token))
		if err != nil {
			return trace.Wrap(err)
		}
		if !ok {
			return trace.BadParameter("invalid signup token: unknown")
		}
		var rec signupTokenRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return trace.Wrap(err, "unmarshaling signup token record")
		}
		if rec.Used {
			return trace.BadParameter("invalid signup token: already used")
		}
		rec.Used = true
		out, err := json.Marshal(rec)
		if err != nil {
			return trace.Wrap(err)
		}
		return tx.Put(backend.BucketSignup, []byte(token), out)
	}))
}
