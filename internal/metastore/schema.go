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

package metastore

// schema creates the store's tables. Deletion of deployments is
// logical (a `deleted` tombstone flag), never a DELETE.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	repoId     TEXT NOT NULL,
	root       TEXT NOT NULL DEFAULT '',
	createdAt  INTEGER NOT NULL,
	prodId     TEXT
);

CREATE TABLE IF NOT EXISTS deployments (
	id              TEXT PRIMARY KEY,
	slug            TEXT NOT NULL,
	projectId       TEXT NOT NULL REFERENCES projects(id),
	sha             TEXT NOT NULL,
	branch          TEXT NOT NULL,
	isDefaultBranch INTEGER NOT NULL,
	timestamp       INTEGER NOT NULL,
	createdAt       INTEGER NOT NULL,
	result          TEXT NOT NULL DEFAULT '',
	buildStart      INTEGER,
	buildEnd        INTEGER,
	deleted         INTEGER NOT NULL DEFAULT 0,
	visibility      TEXT NOT NULL DEFAULT '',
	UNIQUE(projectId, sha)
);

CREATE TABLE IF NOT EXISTS env (
	projectId TEXT NOT NULL REFERENCES projects(id),
	name      TEXT NOT NULL,
	value     TEXT NOT NULL,
	editedAt  INTEGER NOT NULL,
	UNIQUE(projectId, name)
);

CREATE TABLE IF NOT EXISTS deploymentEnv (
	deploymentId TEXT NOT NULL REFERENCES deployments(id),
	name         TEXT NOT NULL,
	value        TEXT NOT NULL,
	UNIQUE(deploymentId, name)
);

CREATE TABLE IF NOT EXISTS domains (
	projectId TEXT NOT NULL REFERENCES projects(id),
	domain    TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS build (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	deploymentId TEXT NOT NULL REFERENCES deployments(id),
	timestamp    INTEGER NOT NULL,
	content      TEXT NOT NULL,
	isError      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_deployments_project ON deployments(projectId);
CREATE INDEX IF NOT EXISTS idx_build_deployment ON build(deploymentId);
CREATE INDEX IF NOT EXISTS idx_domains_project ON domains(projectId);
`
