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
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// jitterMin and jitterMax bound the per-kilobyte backoff sleep a
// throughput-limited stream uses while waiting for its bucket to refill
// (§4.9 "jittered backoff (25-500 ms)").
const (
	jitterMin = 25 * time.Millisecond
	jitterMax = 500 * time.Millisecond
)

func jitter() time.Duration {
	return jitterMin + time.Duration(rand.Int63n(int64(jitterMax-jitterMin)))
}

// kilobytes rounds n bytes up to whole kilobytes, so a chunk smaller than
// 1 KiB still costs one token (§4.9 invariant).
func kilobytes(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 1023) / 1024
}

// ThrottledReader wraps r so that every chunk it yields first pays
// ceil(len/1024) tokens from limiter, acquired one at a time with a
// jittered sleep between denied attempts, preserving per-kilobyte pacing
// even under a tight quota.
type ThrottledReader struct {
	r       io.Reader
	limiter *rate.Limiter
	sleep   func(time.Duration)
}

// NewThrottledReader builds a ThrottledReader. sleep defaults to
// time.Sleep when nil; tests may override it to avoid real delays.
func NewThrottledReader(r io.Reader, limiter *rate.Limiter) *ThrottledReader {
	return &ThrottledReader{r: r, limiter: limiter, sleep: time.Sleep}
}

func (t *ThrottledReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		pace(t.limiter, n, t.sleep)
	}
	return n, err
}

// ThrottledWriter is ThrottledReader's counterpart for response bodies
// (§4.9 "wrap the response body identically for throughput rules").
type ThrottledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	sleep   func(time.Duration)
}

// NewThrottledWriter builds a ThrottledWriter.
func NewThrottledWriter(w io.Writer, limiter *rate.Limiter) *ThrottledWriter {
	return &ThrottledWriter{w: w, limiter: limiter, sleep: time.Sleep}
}

func (t *ThrottledWriter) Write(p []byte) (int, error) {
	pace(t.limiter, len(p), t.sleep)
	return t.w.Write(p)
}

// pace acquires one token per kilobyte of n serially, sleeping a jittered
// backoff between denied attempts.
func pace(limiter *rate.Limiter, n int, sleep func(time.Duration)) {
	for i := 0; i < kilobytes(n); i++ {
		for !limiter.Allow() {
			sleep(jitter())
		}
	}
}
