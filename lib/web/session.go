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
	"context"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/pubky/pubky-homeserver/api/types"
	"github.com/pubky/pubky-homeserver/lib/session"
)

// sessionPayload is the client-facing session shape of §4.6 "Session
// payload": owner pubkey and the capability set.
type sessionPayload struct {
	Pubkey       types.PublicKey    `json:"pubky"`
	Capabilities []types.Capability `json:"capabilities"`
}

func newSessionPayload(sess *session.Session) sessionPayload {
	return sessionPayload{Pubkey: sess.Owner, Capabilities: sess.Capabilities}
}

// signup handles POST /signup?signup_token=... (§4.10 "Signup"): the
// request body is the wire-encoded AuthToken, which must grant root.
func (h *Handler) signup(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	tokenRaw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, trace.Wrap(err, "reading signup request body")
	}

	secret, sess, err := h.Sessions.Signup(r.Context(), tokenRaw, r.URL.Query().Get("signup_token"))
	if err != nil {
		return nil, err
	}

	h.writeSessionCookie(w, sess.Owner, secret)
	return newSessionPayload(sess), nil
}

// signin handles POST /:pubky/session (§4.10 "Signin"). The DHT republish
// scheduled by Signin runs in the background: it is fire-and-forget from
// this handler's perspective.
func (h *Handler) signin(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	target, err := h.resolveHost(r, p)
	if err != nil {
		return nil, err
	}

	tokenRaw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, trace.Wrap(err, "reading signin request body")
	}

	secret, sess, republish, err := h.Sessions.Signin(r.Context(), tokenRaw)
	if err != nil {
		return nil, err
	}
	if sess.Owner != target {
		if signoutErr := h.Sessions.Signout(r.Context(), secret); signoutErr != nil {
			log.WithError(signoutErr).Warn("signing out mismatched-owner session")
		}
		return nil, trace.AccessDenied("auth token subject does not match %s", target)
	}

	go republish(context.Background())

	h.writeSessionCookie(w, sess.Owner, secret)
	return newSessionPayload(sess), nil
}

// sessionInfo handles GET /:pubky/session (§4.10 "Session info").
func (h *Handler) sessionInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	owner, err := h.resolveHost(r, p)
	if err != nil {
		return nil, err
	}
	sess := h.lookupSession(r, owner)
	if sess == nil {
		return nil, trace.NotFound("no session")
	}
	return newSessionPayload(sess), nil
}

// signout handles DELETE /:pubky/session (§4.10 "Signout"); per §4.6 a
// stale or absent cookie is not an error, it simply leaves nothing to do.
func (h *Handler) signout(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	owner, err := h.resolveHost(r, p)
	if err != nil {
		return nil, err
	}
	if secret, ok := h.readSessionSecret(r, owner); ok {
		if err := h.Sessions.Signout(r.Context(), secret); err != nil && !trace.IsNotFound(err) {
			return nil, err
		}
	}
	h.clearSessionCookie(w, owner)
	w.WriteHeader(http.StatusNoContent)
	return nil, nil
}
