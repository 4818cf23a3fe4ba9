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


package ratelimit

import (
	"io"
	"net/http"
)

// throttledReadCloser pairs a ThrottledReader with the original body's
// Close, so wrapping r.Body does not change its Closer semantics.
type throttledReadCloser struct {
	*ThrottledReader
	io.Closer
}

// throttledResponseWriter routes Write calls through a ThrottledWriter
// while preserving the rest of http.ResponseWriter's behavior.
type throttledResponseWriter struct {
	http.ResponseWriter
	throttle *ThrottledWriter
}

func (w throttledResponseWriter) Write(p []byte) (int, error) {
	return w.throttle.Write(p)
}

// Middleware builds an http middleware applying e's rules to every
// request (§4.9 "Application"). writeError reports a denied/malformed
// request; the caller wires it to the shared error-to-status mapping.
func Middleware(e *Engine, resolveOwner OwnerFunc, writeError func(w http.ResponseWriter, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			throttles, err := e.Check(r, resolveOwner)
			if err != nil {
				writeError(w, err)
				return
			}
			for _, limiter := range throttles {
				if r.Body != nil {
					r.Body = throttledReadCloser{NewThrottledReader(r.Body, limiter), r.Body}
				}
				w = throttledResponseWriter{ResponseWriter: w, throttle: NewThrottledWriter(w, limiter)}
			}
			next.ServeHTTP(w, r)
		})
	}
}
