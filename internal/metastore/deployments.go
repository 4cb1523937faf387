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

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ricopinazo/prezel/internal/apperr"
	"github.com/ricopinazo/prezel/internal/idgen"
)

// InsertDeployment inserts a new deployment for (projectID, sha),
// snapshotting the project's current env. The snapshot is frozen at
// creation time and never mutated afterwards. Returns apperr.Conflict
// if (projectId, sha) already exists.
func (s *Store) InsertDeployment(projectID, sha, branch string, isDefaultBranch bool, timestamp time.Time) (Deployment, error) {
	env, err := s.ProjectEnv(projectID)
	if err != nil {
		return Deployment{}, err
	}
	d := Deployment{
		ID:              idgen.DeploymentID(),
		Slug:            idgen.Slug(),
		ProjectID:       projectID,
		Sha:             sha,
		Branch:          branch,
		IsDefaultBranch: isDefaultBranch,
		Timestamp:       timestamp,
		CreatedAt:       time.Now(),
		Env:             env,
		Result:          ResultUnknown,
	}
	tx, err := s.db.Begin()
	if err != nil {
		return Deployment{}, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.Exec(`
		INSERT INTO deployments (id, slug, projectId, sha, branch, isDefaultBranch, timestamp, createdAt, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Slug, d.ProjectID, d.Sha, d.Branch, boolToInt(d.IsDefaultBranch), d.Timestamp.UnixMilli(), d.CreatedAt.UnixMilli(), string(d.Result))
	if err != nil {
		if isUniqueConstraint(err) {
			return Deployment{}, apperr.Wrap(apperr.Conflict, fmt.Sprintf("deployment for sha %q already exists", sha), err)
		}
		return Deployment{}, fmt.Errorf("failed to insert deployment: %w", err)
	}
	for _, e := range env {
		if _, err := tx.Exec(`INSERT INTO deploymentEnv (deploymentId, name, value) VALUES (?, ?, ?)`, d.ID, e.Name, e.Value); err != nil {
			return Deployment{}, fmt.Errorf("failed to snapshot env: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Deployment{}, fmt.Errorf("failed to commit: %w", err)
	}
	return d, nil
}

// CloneDeployment implements POST /deployments/redeploy: a fresh
// id/slug, same projectId/sha, and a copy of the original's env
// snapshot (not the project's current env — the clone re-runs the
// original source at the time it was recorded).
func (s *Store) CloneDeployment(id string) (Deployment, error) {
	orig, err := s.GetDeployment(id)
	if err != nil {
		return Deployment{}, err
	}
	clone := Deployment{
		ID:              idgen.DeploymentID(),
		Slug:            idgen.Slug(),
		ProjectID:       orig.ProjectID,
		Sha:             orig.Sha,
		Branch:          orig.Branch,
		IsDefaultBranch: orig.IsDefaultBranch,
		Timestamp:       orig.Timestamp,
		CreatedAt:       time.Now(),
		Env:             orig.Env,
		Result:          ResultUnknown,
	}
	tx, err := s.db.Begin()
	if err != nil {
		return Deployment{}, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.Exec(`
		INSERT INTO deployments (id, slug, projectId, sha, branch, isDefaultBranch, timestamp, createdAt, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, clone.ID, clone.Slug, clone.ProjectID, clone.Sha, clone.Branch, boolToInt(clone.IsDefaultBranch), clone.Timestamp.UnixMilli(), clone.CreatedAt.UnixMilli(), string(clone.Result))
	if err != nil {
		if isUniqueConstraint(err) {
			return Deployment{}, apperr.Wrap(apperr.Conflict, fmt.Sprintf("deployment for sha %q already exists", clone.Sha), err)
		}
		return Deployment{}, fmt.Errorf("failed to insert cloned deployment: %w", err)
	}
	for _, e := range clone.Env {
		if _, err := tx.Exec(`INSERT INTO deploymentEnv (deploymentId, name, value) VALUES (?, ?, ?)`, clone.ID, e.Name, e.Value); err != nil {
			return Deployment{}, fmt.Errorf("failed to copy env snapshot: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Deployment{}, fmt.Errorf("failed to commit: %w", err)
	}
	return clone, nil
}

// GetDeployment loads a deployment (including tombstoned ones) by id.
func (s *Store) GetDeployment(id string) (Deployment, error) {
	d, err := scanDeployment(s.db.QueryRow(`
		SELECT id, slug, projectId, sha, branch, isDefaultBranch, timestamp, createdAt, result, buildStart, buildEnd, deleted, visibility
		FROM deployments WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Deployment{}, apperr.New(apperr.NotFound, fmt.Sprintf("deployment %q not found", id))
		}
		return Deployment{}, err
	}
	env, err := s.DeploymentEnv(id)
	if err != nil {
		return Deployment{}, err
	}
	d.Env = env
	return d, nil
}

func scanDeployment(row *sql.Row) (Deployment, error) {
	var d Deployment
	var isDefault, deleted int
	var timestamp, createdAt int64
	var buildStart, buildEnd sql.NullInt64
	var result, visibility string
	if err := row.Scan(&d.ID, &d.Slug, &d.ProjectID, &d.Sha, &d.Branch, &isDefault, &timestamp, &createdAt, &result, &buildStart, &buildEnd, &deleted, &visibility); err != nil {
		return Deployment{}, fmt.Errorf("failed to scan deployment: %w", err)
	}
	d.IsDefaultBranch = isDefault != 0
	d.Timestamp = time.UnixMilli(timestamp)
	d.CreatedAt = time.UnixMilli(createdAt)
	d.Result = BuildResult(result)
	d.Deleted = deleted != 0
	d.Visibility = Visibility(visibility)
	if buildStart.Valid {
		t := time.UnixMilli(buildStart.Int64)
		d.BuildStart = &t
	}
	if buildEnd.Valid {
		t := time.UnixMilli(buildEnd.Int64)
		d.BuildEnd = &t
	}
	return d, nil
}

// DeploymentEnv returns a deployment's frozen env snapshot.
func (s *Store) DeploymentEnv(deploymentID string) ([]EnvVar, error) {
	rows, err := s.db.Query(`SELECT name, value FROM deploymentEnv WHERE deploymentId = ? ORDER BY name`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment env: %w", err)
	}
	defer rows.Close()
	var out []EnvVar
	for rows.Next() {
		var e EnvVar
		if err := rows.Scan(&e.Name, &e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ListLiveDeployments returns every non-tombstoned deployment joined
// with its project, the full working set the reconcile loop walks on
// each pass.
func (s *Store) ListLiveDeployments() ([]ProjectDeployment, error) {
	rows, err := s.db.Query(`SELECT id FROM deployments WHERE deleted = 0 ORDER BY createdAt`)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	out := make([]ProjectDeployment, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDeployment(id)
		if err != nil {
			return nil, err
		}
		p, err := s.GetProject(d.ProjectID)
		if err != nil {
			return nil, err
		}
		out = append(out, ProjectDeployment{Project: p, Deployment: d})
	}
	return out, nil
}

// ListDeploymentsForProject returns every non-tombstoned deployment for
// a project, newest-created first.
func (s *Store) ListDeploymentsForProject(projectID string) ([]Deployment, error) {
	rows, err := s.db.Query(`SELECT id FROM deployments WHERE projectId = ? AND deleted = 0 ORDER BY createdAt DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list project deployments: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	out := make([]Deployment, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDeployment(id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// TombstoneDeployment marks a deployment deleted (logical delete; the
// row stays for history and build-log retention).
func (s *Store) TombstoneDeployment(id string) error {
	res, err := s.db.Exec(`UPDATE deployments SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to tombstone deployment: %w", err)
	}
	return checkAffected(res, id)
}

// SetBuildStart records the start of a build attempt and clears the
// build log, since each attempt's log is independent of the last.
func (s *Store) SetBuildStart(id string, at time.Time) error {
	if _, err := s.db.Exec(`DELETE FROM build WHERE deploymentId = ?`, id); err != nil {
		return fmt.Errorf("failed to clear build log: %w", err)
	}
	res, err := s.db.Exec(`UPDATE deployments SET buildStart = ?, buildEnd = NULL WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to set build start: %w", err)
	}
	return checkAffected(res, id)
}

// SetBuildResult records the outcome of a build attempt.
func (s *Store) SetBuildResult(id string, result BuildResult, at time.Time) error {
	res, err := s.db.Exec(`UPDATE deployments SET result = ?, buildEnd = ? WHERE id = ?`, string(result), at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to set build result: %w", err)
	}
	return checkAffected(res, id)
}

// SetVisibility records a deployment's resolved prezel.json visibility.
// Called once per build, after checkout, before the image build runs.
func (s *Store) SetVisibility(id string, v Visibility) error {
	res, err := s.db.Exec(`UPDATE deployments SET visibility = ? WHERE id = ?`, string(v), id)
	if err != nil {
		return fmt.Errorf("failed to set visibility: %w", err)
	}
	return checkAffected(res, id)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
