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


package web

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/backend"
	"github.com/pubky/pubky-homeserver/lib/blobstore"
	"github.com/pubky/pubky-homeserver/lib/cryptoutil"
	"github.com/pubky/pubky-homeserver/lib/eventstream"
	"github.com/pubky/pubky-homeserver/lib/session"
	"github.com/pubky/pubky-homeserver/lib/storage"
)

type testServer struct {
	*Handler
	clock clockwork.FakeClock
}

func newTestServer(t *testing.T, quotaBytes int64) *testServer {
	t.Helper()
	b := backend.NewMemoryBackend()
	entries := storage.New(b)
	bus := eventstream.NewBus()
	entries.SetNotifier(bus.Publish)

	clock := clockwork.NewFakeClock()
	replay := cryptoutil.NewInMemoryReplayCache(time.Minute)
	enforcer := session.NewEnforcer(b, entries, nil, nil, "", clock, replay, 60*time.Second, session.SignupOpen)
	blobs := blobstore.NewStore(blobstore.NewEmbeddedBackend(b), entries, 256, quotaBytes)
	events := eventstream.NewHandler(entries, bus)

	h := NewHandler(Config{
		Sessions: enforcer,
		Blobs:    blobs,
		Entries:  entries,
		Events:   events,
		Clock:    clock,
	})
	return &testServer{Handler: h, clock: clock}
}

func signUp(t *testing.T, ts *testServer) (*cryptoutil.KeyPair, []*http.Cookie) {
	t.Helper()
	kp, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	token := cryptoutil.MintAuthToken(ts.clock, kp, []types.Capability{types.RootCapability()})

	req := httptest.NewRequest(http.MethodPost, "/signup", bytes.NewReader(token.Bytes()))
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	return kp, rec.Result().Cookies()
}

func withCookies(req *http.Request, cookies []*http.Cookie) *http.Request {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return req
}

func TestSignupSigninSessionInfoSignout(t *testing.T) {
	ts := newTestServer(t, 0)
	kp, cookies := signUp(t, ts)

	req := withCookies(httptest.NewRequest(http.MethodGet, "/"+kp.Public.String()+"/session", nil), cookies)
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), kp.Public.String())

	req = withCookies(httptest.NewRequest(http.MethodDelete, "/"+kp.Public.String()+"/session", nil), cookies)
	rec = httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = withCookies(httptest.NewRequest(http.MethodGet, "/"+kp.Public.String()+"/session", nil), cookies)
	rec = httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	ts.clock.Advance(time.Second)
	token := cryptoutil.MintAuthToken(ts.clock, kp, []types.Capability{types.RootCapability()})
	req = httptest.NewRequest(http.MethodPost, "/"+kp.Public.String()+"/session", bytes.NewReader(token.Bytes()))
	rec = httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	newCookies := rec.Result().Cookies()

	req = withCookies(httptest.NewRequest(http.MethodGet, "/"+kp.Public.String()+"/session", nil), newCookies)
	rec = httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSigninRejectsMismatchedSubject(t *testing.T) {
	ts := newTestServer(t, 0)
	kpA, _ := signUp(t, ts)
	kpB, _ := signUp(t, ts)

	token := cryptoutil.MintAuthToken(ts.clock, kpB, []types.Capability{types.RootCapability()})
	req := httptest.NewRequest(http.MethodPost, "/"+kpA.Public.String()+"/session", bytes.NewReader(token.Bytes()))
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWriteReadDeleteRoundTrip(t *testing.T) {
	ts := newTestServer(t, 0)
	kp, cookies := signUp(t, ts)
	owner := kp.Public.String()

	req := withCookies(httptest.NewRequest(http.MethodPut, "/"+owner+"/pub/foo.txt", strings.NewReader("hello")), cookies)
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, rec.Header().Get("ETag"))

	req = httptest.NewRequest(http.MethodGet, "/"+owner+"/pub/foo.txt", nil)
	rec = httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello", rec.Body.String())
	require.Equal(t, "text/plain", rec.Header().Get("Content-Type"))

	req = withCookies(httptest.NewRequest(http.MethodDelete, "/"+owner+"/pub/foo.txt", nil), cookies)
	rec = httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/"+owner+"/pub/foo.txt", nil)
	rec = httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWriteRejectedWithoutSession(t *testing.T) {
	ts := newTestServer(t, 0)
	kp, _ := signUp(t, ts)

	req := httptest.NewRequest(http.MethodPut, "/"+kp.Public.String()+"/pub/foo.txt", strings.NewReader("hello"))
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWriteRejectedForAnotherOwner(t *testing.T) {
	ts := newTestServer(t, 0)
	_, cookiesA := signUp(t, ts)
	kpB, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)

	req := withCookies(httptest.NewRequest(http.MethodPut, "/"+kpB.Public.String()+"/pub/foo.txt", strings.NewReader("x")), cookiesA)
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWriteRejectedOverQuota(t *testing.T) {
	ts := newTestServer(t, 4)
	kp, cookies := signUp(t, ts)

	req := withCookies(httptest.NewRequest(http.MethodPut, "/"+kp.Public.String()+"/pub/foo.txt", strings.NewReader("hello")), cookies)
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusInsufficientStorage, rec.Code)
}

func TestListReturnsWrittenPaths(t *testing.T) {
	ts := newTestServer(t, 0)
	kp, cookies := signUp(t, ts)
	owner := kp.Public.String()

	for _, name := range []string{"a.txt", "b.txt"} {
		req := withCookies(httptest.NewRequest(http.MethodPut, "/"+owner+"/pub/"+name, strings.NewReader("x")), cookies)
		rec := httptest.NewRecorder()
		ts.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/"+owner+"/pub/", nil)
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pubky://"+owner+"/pub/a.txt")
	require.Contains(t, rec.Body.String(), "pubky://"+owner+"/pub/b.txt")
}

func TestLegacyEventFeedListsWrites(t *testing.T) {
	ts := newTestServer(t, 0)
	kp, cookies := signUp(t, ts)
	owner := kp.Public.String()

	req := withCookies(httptest.NewRequest(http.MethodPut, "/"+owner+"/pub/a.txt", strings.NewReader("x")), cookies)
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/events/", nil)
	rec = httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "PUT pubky://"+owner+"/pub/a.txt")
	require.Contains(t, rec.Body.String(), "cursor:")
}

func TestEventStreamDeliversHistoricalEvent(t *testing.T) {
	ts := newTestServer(t, 0)
	kp, cookies := signUp(t, ts)
	owner := kp.Public.String()

	req := withCookies(httptest.NewRequest(http.MethodPut, "/"+owner+"/pub/a.txt", strings.NewReader("x")), cookies)
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/events-stream?user="+owner, nil)
	rec = httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "event: PUT")
	require.Contains(t, rec.Body.String(), "pubky://"+owner+"/pub/a.txt")
}
