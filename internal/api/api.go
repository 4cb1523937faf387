// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api implements the management API surface: JSON CRUD over
// projects/deployments, env management, redeploy/delete, sync, logs
// and self-update, gated by bearer-JWT role.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ricopinazo/prezel/internal/apperr"
	"github.com/ricopinazo/prezel/internal/auth"
	"github.com/ricopinazo/prezel/internal/deployments"
	"github.com/ricopinazo/prezel/internal/livelog"
	"github.com/ricopinazo/prezel/internal/metastore"
	"github.com/ricopinazo/prezel/internal/reqlog"
	"github.com/ricopinazo/prezel/internal/selfupdate"
)

// Syncer lets POST /sync trigger a poll without the API depending on
// the full workers package.
type Syncer interface {
	Trigger()
}

// Server wires the metadata store and the live DeploymentMap into the
// management API's HTTP handlers.
type Server struct {
	store     *metastore.Store
	deploys   *deployments.Map
	signer    *auth.Signer
	sync      Syncer
	reconcile func()
	logs      *livelog.Broadcaster
	requests  *reqlog.Writer
	logDir    string
	updater   *selfupdate.Updater
	version   string

	log zerolog.Logger
}

func New(store *metastore.Store, deploys *deployments.Map, signer *auth.Signer, sync Syncer, reconcile func(), logs *livelog.Broadcaster, requests *reqlog.Writer, logDir, version string, updater *selfupdate.Updater, log zerolog.Logger) *Server {
	return &Server{
		store:     store,
		deploys:   deploys,
		signer:    signer,
		sync:      sync,
		reconcile: reconcile,
		logs:      logs,
		requests:  requests,
		logDir:    logDir,
		updater:   updater,
		version:   version,
		log:       log.With().Str("component", "api").Logger(),
	}
}

// Handler builds the full routed, auth-gated API mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /apps", s.withRole(auth.RoleUser, s.listApps))
	mux.HandleFunc("GET /apps/{name}", s.withRole(auth.RoleUser, s.getApp))
	mux.HandleFunc("POST /apps", s.withRole(auth.RoleAdmin, s.createApp))
	mux.HandleFunc("PATCH /apps/{id}", s.withRole(auth.RoleAdmin, s.patchApp))
	mux.HandleFunc("DELETE /apps/{id}", s.withRole(auth.RoleAdmin, s.deleteApp))
	mux.HandleFunc("GET /apps/{id}/env", s.withRole(auth.RoleAdmin, s.getEnv))
	mux.HandleFunc("PATCH /apps/{id}/env", s.withRole(auth.RoleAdmin, s.patchEnv))
	mux.HandleFunc("DELETE /apps/{id}/env/{name}", s.withRole(auth.RoleAdmin, s.deleteEnv))
	mux.HandleFunc("GET /apps/{id}/db-token", s.withRole(auth.RoleAdmin, s.dbToken))

	mux.HandleFunc("POST /deployments/redeploy", s.withRole(auth.RoleAdmin, s.redeploy))
	mux.HandleFunc("DELETE /deployments/{id}", s.withRole(auth.RoleAdmin, s.deleteDeployment))
	mux.HandleFunc("GET /deployments/{id}/logs", s.withRole(auth.RoleUser, s.deploymentLogs))
	mux.HandleFunc("GET /deployments/{id}/build", s.withRole(auth.RoleUser, s.buildLog))

	mux.HandleFunc("POST /sync", s.withRole(auth.RoleAdmin, s.triggerSync))
	mux.HandleFunc("GET /system/version", s.withRole(auth.RoleUser, s.systemVersion))
	mux.HandleFunc("GET /system/logs", s.withRole(auth.RoleUser, s.systemLogs))
	mux.HandleFunc("POST /version", s.withRole(auth.RoleAdmin, s.selfUpdate))

	return mux
}

// withRole enforces the bearer (or, for browser callers, cookie)
// session JWT and its minimum role: all mutating routes require admin,
// read routes only require user. Admin satisfies a user-role
// requirement: admin is a superset.
func (s *Server) withRole(min auth.Role, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.authenticate(r)
		if err != nil {
			writeError(w, apperr.New(apperr.Unauthorized, err.Error()))
			return
		}
		if min == auth.RoleAdmin && claims.Role != auth.RoleAdmin {
			writeError(w, apperr.New(apperr.Unauthorized, "admin role required"))
			return
		}
		h(w, r)
	}
}

func (s *Server) authenticate(r *http.Request) (*auth.Claims, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			token = h
		}
		return s.signer.Verify(token)
	}
	if c, err := r.Cookie("api." + hostFromRequest(r)); err == nil {
		return s.signer.Verify(c.Value)
	}
	return nil, apperr.New(apperr.Unauthorized, "missing bearer token")
}

func hostFromRequest(r *http.Request) string {
	host := r.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return strings.TrimPrefix(host, "api.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps an apperr.Kind to the HTTP status it represents.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.Unauthorized:
		status = http.StatusUnauthorized
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": string(kind), "message": err.Error()})
}
