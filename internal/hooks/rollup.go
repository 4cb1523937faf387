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

// Package hooks implements the concrete StatusHook: on every build
// state change it updates a commit status check and upserts a single
// signed-JWT-encoded rollup comment on the PR whose branch the
// deployment tracks, if any.
package hooks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/ricopinazo/prezel/internal/deployments"
	"github.com/ricopinazo/prezel/internal/metastore"
	"github.com/ricopinazo/prezel/internal/source"
)

// AppStatus is one project's row in the rollup table: status,
// provider/preview URLs and when the row was last refreshed.
type AppStatus struct {
	Status      string    `json:"status"`
	ProviderURL string    `json:"providerUrl"`
	PreviewURL  string    `json:"previewUrl"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type rollupClaims struct {
	Apps map[string]AppStatus `json:"apps"`
	jwt.RegisteredClaims
}

// Rollup is the StatusHook implementation wired into every Container.
// Failures to reach the source host are logged, never returned, so
// they can never block a build state transition.
type Rollup struct {
	store    *metastore.Store
	src      source.SourceHost
	secret   []byte
	hostname string // instance base domain B, for preview URLs
	log      zerolog.Logger
}

func NewRollup(store *metastore.Store, src source.SourceHost, secret []byte, hostname string, log zerolog.Logger) *Rollup {
	return &Rollup{store: store, src: src, secret: secret, hostname: hostname, log: log.With().Str("component", "statusRollup").Logger()}
}

func statusText(event deployments.BuildEvent) string {
	switch event {
	case deployments.BuildStarted:
		return "building"
	case deployments.BuildFinished:
		return "ready"
	case deployments.BuildFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (r *Rollup) OnBuildEvent(ctx context.Context, projectID, deploymentID string, event deployments.BuildEvent) {
	project, err := r.store.GetProject(projectID)
	if err != nil {
		r.log.Warn().Err(err).Str("projectId", projectID).Msg("failed to load project for status hook")
		return
	}
	deployment, err := r.store.GetDeployment(deploymentID)
	if err != nil {
		r.log.Warn().Err(err).Str("deploymentId", deploymentID).Msg("failed to load deployment for status hook")
		return
	}

	r.updateStatusCheck(ctx, project, deployment, event)
	r.updateRollupComment(ctx, project, deployment, event)
}

func (r *Rollup) updateStatusCheck(ctx context.Context, project metastore.Project, deployment metastore.Deployment, event deployments.BuildEvent) {
	var state source.StatusState
	var desc string
	switch event {
	case deployments.BuildStarted:
		state, desc = source.StatusPending, "building"
	case deployments.BuildFinished:
		state, desc = source.StatusSuccess, "build succeeded"
	case deployments.BuildFailed:
		state, desc = source.StatusFailure, "build failed"
	}
	targetURL := "https://" + r.previewHostname(project, deployment)
	if err := r.src.SetStatus(ctx, project.RepoID, deployment.Sha, state, desc, targetURL); err != nil {
		r.log.Warn().Err(err).Str("sha", deployment.Sha).Msg("failed to set commit status")
	}
}

func (r *Rollup) updateRollupComment(ctx context.Context, project metastore.Project, deployment metastore.Deployment, event deployments.BuildEvent) {
	pr := r.matchingPR(ctx, project, deployment)
	if pr == nil {
		return
	}

	apps := map[string]AppStatus{}
	if existing, found, err := r.src.RollupMarker(ctx, project.RepoID, pr.Number); err != nil {
		r.log.Warn().Err(err).Int("pr", pr.Number).Msg("failed to read existing rollup marker")
	} else if found {
		if decoded, err := r.decode(existing); err != nil {
			r.log.Warn().Err(err).Int("pr", pr.Number).Msg("failed to decode existing rollup marker, starting fresh")
		} else {
			apps = decoded
		}
	}

	apps[project.Name] = AppStatus{
		Status:      statusText(event),
		ProviderURL: pr.URL,
		PreviewURL:  "https://" + r.previewHostname(project, deployment),
		UpdatedAt:   time.Now(),
	}

	marker, err := r.encode(apps)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to encode rollup marker")
		return
	}
	if err := r.src.UpsertPRComment(ctx, project.RepoID, pr.Number, marker, renderTable(apps)); err != nil {
		r.log.Warn().Err(err).Int("pr", pr.Number).Msg("failed to upsert rollup comment")
	}
}

func (r *Rollup) matchingPR(ctx context.Context, project metastore.Project, deployment metastore.Deployment) *source.PullRequest {
	if deployment.IsDefaultBranch {
		return nil
	}
	prs, err := r.src.OpenPullRequests(ctx, project.RepoID)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to list open pull requests for status hook")
		return nil
	}
	for _, pr := range prs {
		if pr.Branch == deployment.Branch {
			return &pr
		}
	}
	return nil
}

func (r *Rollup) previewHostname(project metastore.Project, deployment metastore.Deployment) string {
	if deployment.IsDefaultBranch {
		return project.Name + "." + r.hostname
	}
	return project.Name + "--" + deployment.Slug + "." + r.hostname
}

func (r *Rollup) encode(apps map[string]AppStatus) (string, error) {
	claims := rollupClaims{Apps: apps, RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(time.Now())}}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(r.secret)
}

func (r *Rollup) decode(marker string) (map[string]AppStatus, error) {
	var claims rollupClaims
	_, err := jwt.ParseWithClaims(marker, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims.Apps, nil
}

func renderTable(apps map[string]AppStatus) string {
	var b strings.Builder
	b.WriteString("| App | Status | Preview |\n|---|---|---|\n")
	for name, st := range apps {
		b.WriteString(fmt.Sprintf("| %s | %s | %s |\n", name, emoji(st.Status), st.PreviewURL))
	}
	return b.String()
}

func emoji(status string) string {
	switch status {
	case "ready":
		return "✅ Ready"
	case "failed":
		return "❌ Failed"
	case "building":
		return "🔨 Building"
	default:
		return status
	}
}

var _ deployments.StatusHook = (*Rollup)(nil)
