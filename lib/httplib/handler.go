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


package httplib

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// HandlerFunc is a route handler that returns a JSON-encodable response or
// an error, in the teacher's lib/auth/apiserver.go convention. Returning
// (nil, nil) means the handler already wrote its own response body (used
// by routes that stream content, e.g. a resource GET or the event
// stream) and MakeHandler must not write anything further.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler adapts a HandlerFunc to an httprouter.Handle: on success it
// JSON-encodes the returned value (skipped entirely when the value is nil,
// meaning the handler already wrote its own response), on error it calls
// WriteError.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			WriteError(w, err)
			return
		}
		if out == nil {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
