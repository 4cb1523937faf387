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

// Package metastore is the durable relational store holding projects,
// deployments, their env
// snapshots, custom domains and build logs. It is backed by SQLite via
// github.com/mattn/go-sqlite3, the driver the glinrdock reference
// manifest uses for this exact kind of single-node controller store.
package metastore

import "time"

// BuildResult is the outcome of a deployment's most recent build
// attempt. The zero value means "not yet attempted".
type BuildResult string

const (
	ResultUnknown BuildResult = ""
	ResultBuilt   BuildResult = "built"
	ResultFailed  BuildResult = "failed"
)

// EnvVar is one entry of a project's or deployment's env mapping.
type EnvVar struct {
	Name     string
	Value    string
	EditedAt time.Time
}

// Project mirrors the `projects` table.
type Project struct {
	ID             string
	Name           string
	RepoID         string
	Root           string
	CreatedAt      time.Time
	CustomDomains  []string
	Env            []EnvVar
	// ProdID, when non-empty, overrides the "newest successful
	// default-branch deployment" election rule: an explicit
	// projects.prodId always wins when set.
	ProdID string
}

// Deployment mirrors the `deployments` table plus its env snapshot
// (`deploymentEnv`), joined for convenience.
type Deployment struct {
	ID              string
	Slug            string
	ProjectID       string
	Sha             string
	Branch          string
	IsDefaultBranch bool
	Timestamp       time.Time
	CreatedAt       time.Time
	Env             []EnvVar
	BuildStart      *time.Time
	BuildEnd        *time.Time
	Result          BuildResult
	Deleted         bool
	// Visibility mirrors the deployment's resolved prezel.json visibility;
	// "" means unresolved/not-yet-built, which IsPrivate treats like
	// "standard" (private unless on the default branch) until a build
	// sets it.
	Visibility Visibility
}

// Visibility is one deployment's resolved prezel.json visibility:
// "standard", "public", or "private".
type Visibility string

const (
	VisibilityUnset    Visibility = ""
	VisibilityStandard Visibility = "standard"
	VisibilityPublic   Visibility = "public"
	VisibilityPrivate  Visibility = "private"
)

// IsPrivate reports whether a deployment with this visibility requires
// the proxy's auth gate. Each deployment reads its own prezel.json,
// independent of prod's visibility (see DESIGN.md).
func (v Visibility) IsPrivate(isDefaultBranch bool) bool {
	switch v {
	case VisibilityPublic:
		return false
	case VisibilityPrivate:
		return true
	default: // VisibilityUnset, VisibilityStandard
		return !isDefaultBranch
	}
}

// BuildLogLine is one entry of a deployment's append-only build log.
type BuildLogLine struct {
	DeploymentID string
	Timestamp    time.Time
	Content      string
	IsError      bool
}

// ProjectDeployment bundles a deployment with its owning project, the
// shape DeploymentMap.Reconcile reads.
type ProjectDeployment struct {
	Project    Project
	Deployment Deployment
}
