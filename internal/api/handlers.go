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

package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ricopinazo/prezel/internal/apperr"
	"github.com/ricopinazo/prezel/internal/dbfork"
	"github.com/ricopinazo/prezel/internal/metastore"
	"github.com/ricopinazo/prezel/internal/reqlog"
	"github.com/ricopinazo/prezel/pkg/websocketutil"
)

// buildLogUpgrader upgrades GET /deployments/{id}/build to a
// websocket; the provider origin already passed CORS in
// applyCORS-equivalent checks at the proxy, so the origin check here is
// permissive.
var buildLogUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// AppSummary is one row of GET /apps.
type AppSummary struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	RepoID           string   `json:"repoId"`
	CustomDomains    []string `json:"customDomains"`
	ProdDeploymentID string   `json:"prodDeploymentId,omitempty"`
	ProdStatus       string   `json:"prodStatus"`
}

// DeploymentSummary is one entry of an app's deployment history.
type DeploymentSummary struct {
	ID              string `json:"id"`
	Slug            string `json:"slug"`
	Sha             string `json:"sha"`
	Branch          string `json:"branch"`
	IsDefaultBranch bool   `json:"isDefaultBranch"`
	CreatedAt       int64  `json:"createdAt"`
	Result          string `json:"result"`
	Visibility      string `json:"visibility"`
	State           string `json:"state"`
}

// AppDetail is GET /apps/{name}'s response.
type AppDetail struct {
	AppSummary
	Deployments []DeploymentSummary `json:"deployments"`
}

func (s *Server) appSummary(p metastore.Project) AppSummary {
	sum := AppSummary{ID: p.ID, Name: p.Name, RepoID: p.RepoID, CustomDomains: p.CustomDomains, ProdStatus: "none"}
	if c := s.deploys.GetProdDeployment(p.ID); c != nil {
		sum.ProdDeploymentID = c.DeploymentID()
		sum.ProdStatus = c.Snapshot().Kind.String()
	}
	return sum
}

func (s *Server) deploymentSummary(d metastore.Deployment) DeploymentSummary {
	sum := DeploymentSummary{
		ID:              d.ID,
		Slug:            d.Slug,
		Sha:             d.Sha,
		Branch:          d.Branch,
		IsDefaultBranch: d.IsDefaultBranch,
		CreatedAt:       d.CreatedAt.UnixMilli(),
		Result:          string(d.Result),
		Visibility:      string(d.Visibility),
		State:           "unknown",
	}
	if c := s.deploys.GetDeployment(d.ID); c != nil {
		sum.State = c.Snapshot().Kind.String()
	}
	return sum
}

func (s *Server) listApps(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]AppSummary, 0, len(projects))
	for _, p := range projects {
		out = append(out, s.appSummary(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getApp(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	project, err := s.store.GetProjectByName(name)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := s.store.ListDeploymentsForProject(project.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	detail := AppDetail{AppSummary: s.appSummary(project)}
	for _, d := range history {
		detail.Deployments = append(detail.Deployments, s.deploymentSummary(d))
	}
	writeJSON(w, http.StatusOK, detail)
}

type createAppRequest struct {
	Name   string `json:"name"`
	RepoID string `json:"repoId"`
	Root   string `json:"root"`
}

func (s *Server) createApp(w http.ResponseWriter, r *http.Request) {
	var req createAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.Validation, "invalid request body"))
		return
	}
	project, err := s.store.CreateProject(req.Name, req.RepoID, req.Root)
	if err != nil {
		writeError(w, err)
		return
	}
	s.triggerReconcile()
	writeJSON(w, http.StatusCreated, s.appSummary(project))
}

type patchAppRequest struct {
	Name          *string   `json:"name"`
	CustomDomains *[]string `json:"customDomains"`
	ProdID        *string   `json:"prodId"`
}

func (s *Server) patchApp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req patchAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.Validation, "invalid request body"))
		return
	}
	if req.Name != nil {
		if err := s.store.RenameProject(id, *req.Name); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.CustomDomains != nil {
		if err := s.store.SetProjectDomains(id, *req.CustomDomains); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.ProdID != nil {
		if err := s.store.SetProdOverride(id, *req.ProdID); err != nil {
			writeError(w, err)
			return
		}
	}
	project, err := s.store.GetProject(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.triggerReconcile()
	writeJSON(w, http.StatusOK, s.appSummary(project))
}

func (s *Server) deleteApp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteProject(id); err != nil {
		writeError(w, err)
		return
	}
	s.triggerReconcile()
	w.WriteHeader(http.StatusNoContent)
}

// dbToken mints a 24h token scoped to the requested role (defaulting to
// read-only) for the project's DB server, for use against its
// "{project}--libsql" proxy hostname.
func (s *Server) dbToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	role := dbfork.RoleReadOnly
	if r.URL.Query().Get("role") == "write" {
		role = dbfork.RoleReadWrite
	}
	token, err := s.deploys.DbToken(id, role)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.NotFound, "failed to mint db token", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "role": string(role)})
}

func (s *Server) getEnv(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	env, err := s.store.ProjectEnv(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

type patchEnvRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s *Server) patchEnv(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req patchEnvRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.Validation, "invalid request body"))
		return
	}
	if req.Name == "" {
		writeError(w, apperr.New(apperr.Validation, "name is required"))
		return
	}
	if err := s.store.UpsertEnv(id, req.Name, req.Value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteEnv(w http.ResponseWriter, r *http.Request) {
	id, name := r.PathValue("id"), r.PathValue("name")
	if err := s.store.DeleteEnv(id, name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type redeployRequest struct {
	DeploymentID string `json:"deploymentId"`
}

func (s *Server) redeploy(w http.ResponseWriter, r *http.Request) {
	var req redeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.Validation, "invalid request body"))
		return
	}
	clone, err := s.store.CloneDeployment(req.DeploymentID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.triggerReconcile()
	writeJSON(w, http.StatusCreated, s.deploymentSummary(clone))
}

func (s *Server) deleteDeployment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.TombstoneDeployment(id); err != nil {
		writeError(w, err)
		return
	}
	s.triggerReconcile()
	w.WriteHeader(http.StatusNoContent)
}

// logLine unifies a proxied request log entry and an engine execution
// log line for GET /deployments/{id}/logs: request logs and engine
// execution logs interleaved, sorted newest first.
type logLine struct {
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"` // "request" | "engine"
	Message   string `json:"message"`
}

func (s *Server) deploymentLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var lines []logLine

	if s.logDir != "" {
		entries, err := reqlog.ForDeployment(s.logDir, id)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, e := range entries {
			lines = append(lines, logLine{
				Timestamp: e.Timestamp.UnixMilli(),
				Source:    "request",
				Message:   e.Method + " " + e.Path + " " + e.Host + " -> " + strconv.Itoa(e.Status),
			})
		}
	}

	if c := s.deploys.GetDeployment(id); c != nil {
		if engineLogs, err := c.GetLogs(r.Context()); err == nil && engineLogs != "" {
			lines = append(lines, logLine{Timestamp: time.Now().UnixMilli(), Source: "engine", Message: engineLogs})
		}
	}

	sort.Slice(lines, func(i, j int) bool { return lines[i].Timestamp > lines[j].Timestamp })
	writeJSON(w, http.StatusOK, lines)
}

// buildLog streams a deployment's build output over a websocket: the
// persisted backlog first, then every subsequent line as the build (if
// still running) produces it, until the client disconnects.
func (s *Server) buildLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	backlog, err := s.store.BuildLog(id)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := buildLogUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to upgrade build log stream")
		return
	}
	rw := websocketutil.NewConnReadWriteCloserWithLogger(r.Context(), conn, s.log)
	defer rw.Close()

	enc := json.NewEncoder(rw)
	for _, l := range backlog {
		if err := enc.Encode(l); err != nil {
			return
		}
	}

	if s.logs == nil {
		return
	}
	ch := s.logs.Subscribe(id)
	defer s.logs.Unsubscribe(id, ch)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-rw.DoneCh:
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(line); err != nil {
				return
			}
		}
	}
}

func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	if s.sync != nil {
		s.sync.Trigger()
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) systemVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) systemLogs(w http.ResponseWriter, r *http.Request) {
	if s.logDir == "" {
		writeJSON(w, http.StatusOK, []reqlog.Entry{})
		return
	}
	entries, err := reqlog.ReadAll(s.logDir)
	if err != nil {
		writeError(w, err)
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	writeJSON(w, http.StatusOK, entries)
}

type selfUpdateRequest struct {
	URL string `json:"url"`
}

func (s *Server) selfUpdate(w http.ResponseWriter, r *http.Request) {
	var req selfUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.Validation, "invalid request body"))
		return
	}
	if s.updater == nil {
		writeError(w, apperr.New(apperr.Fatal, "self-update is not configured on this instance"))
		return
	}
	if err := s.updater.Update(r.Context(), req.URL); err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "self-update failed", err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) triggerReconcile() {
	if s.reconcile != nil {
		s.reconcile()
	}
}
