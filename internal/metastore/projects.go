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
	"regexp"
	"time"

	"github.com/ricopinazo/prezel/internal/apperr"
	"github.com/ricopinazo/prezel/internal/idgen"
)

// ReservedNames may never be used as a project name: they'd collide
// with the api./www./system. hostnames the instance itself serves.
var ReservedNames = map[string]bool{
	"api":    true,
	"www":    true,
	"system": true,
}

// validProjectName matches lowercase alphanumerics and hyphens only, so
// a project name is always safe to embed directly in a hostname label.
var validProjectName = regexp.MustCompile(`^[a-z0-9-]+$`)

// CreateProject inserts a new project, rejecting reserved, non-URL-safe
// or duplicate names.
func (s *Store) CreateProject(name, repoID, root string) (Project, error) {
	if ReservedNames[name] {
		return Project{}, apperr.New(apperr.Validation, fmt.Sprintf("project name %q is reserved", name))
	}
	if !validProjectName.MatchString(name) {
		return Project{}, apperr.New(apperr.Validation, fmt.Sprintf("project name %q must match %s", name, validProjectName))
	}
	p := Project{
		ID:        idgen.ProjectID(),
		Name:      name,
		RepoID:    repoID,
		Root:      root,
		CreatedAt: time.Now(),
	}
	_, err := s.db.Exec(
		`INSERT INTO projects (id, name, repoId, root, createdAt) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.RepoID, p.Root, p.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return Project{}, apperr.Wrap(apperr.Conflict, fmt.Sprintf("project name %q already in use", name), err)
		}
		return Project{}, fmt.Errorf("failed to insert project: %w", err)
	}
	return p, nil
}

func isUniqueConstraint(err error) bool {
	// mattn/go-sqlite3 surfaces this as "UNIQUE constraint failed: ..."
	return err != nil && (contains(err.Error(), "UNIQUE constraint failed") || contains(err.Error(), "constraint failed"))
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// GetProject loads a project by id, including its env and custom
// domains.
func (s *Store) GetProject(id string) (Project, error) {
	var p Project
	var prodID sql.NullString
	var createdAt int64
	row := s.db.QueryRow(`SELECT id, name, repoId, root, createdAt, prodId FROM projects WHERE id = ?`, id)
	if err := row.Scan(&p.ID, &p.Name, &p.RepoID, &p.Root, &createdAt, &prodID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, apperr.New(apperr.NotFound, fmt.Sprintf("project %q not found", id))
		}
		return Project{}, fmt.Errorf("failed to load project: %w", err)
	}
	p.CreatedAt = time.UnixMilli(createdAt)
	if prodID.Valid {
		p.ProdID = prodID.String
	}
	env, err := s.ProjectEnv(id)
	if err != nil {
		return Project{}, err
	}
	p.Env = env
	domains, err := s.ProjectDomains(id)
	if err != nil {
		return Project{}, err
	}
	p.CustomDomains = domains
	return p, nil
}

// GetProjectByName loads a project by its unique name.
func (s *Store) GetProjectByName(name string) (Project, error) {
	var id string
	row := s.db.QueryRow(`SELECT id FROM projects WHERE name = ?`, name)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, apperr.New(apperr.NotFound, fmt.Sprintf("project %q not found", name))
		}
		return Project{}, fmt.Errorf("failed to load project by name: %w", err)
	}
	return s.GetProject(id)
}

// ListProjects returns every project, ordered by name.
func (s *Store) ListProjects() ([]Project, error) {
	rows, err := s.db.Query(`SELECT id FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
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
	projects := make([]Project, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProject(id)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, nil
}

// RenameProject renames a project; an empty newName is a no-op. Custom
// domains are replaced separately, through SetProjectDomains.
func (s *Store) RenameProject(id, newName string) error {
	if newName == "" {
		return nil
	}
	if ReservedNames[newName] {
		return apperr.New(apperr.Validation, fmt.Sprintf("project name %q is reserved", newName))
	}
	if !validProjectName.MatchString(newName) {
		return apperr.New(apperr.Validation, fmt.Sprintf("project name %q must match %s", newName, validProjectName))
	}
	res, err := s.db.Exec(`UPDATE projects SET name = ? WHERE id = ?`, newName, id)
	if err != nil {
		if isUniqueConstraint(err) {
			return apperr.Wrap(apperr.Conflict, fmt.Sprintf("project name %q already in use", newName), err)
		}
		return fmt.Errorf("failed to rename project: %w", err)
	}
	return checkAffected(res, id)
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, fmt.Sprintf("record %q not found", id))
	}
	return nil
}

// SetProjectDomains replaces the full set of custom domains for a
// project.
func (s *Store) SetProjectDomains(id string, domains []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM domains WHERE projectId = ?`, id); err != nil {
		return fmt.Errorf("failed to clear domains: %w", err)
	}
	for _, d := range domains {
		if _, err := tx.Exec(`INSERT INTO domains (projectId, domain) VALUES (?, ?)`, id, d); err != nil {
			if isUniqueConstraint(err) {
				return apperr.Wrap(apperr.Conflict, fmt.Sprintf("domain %q already registered", d), err)
			}
			return fmt.Errorf("failed to insert domain: %w", err)
		}
	}
	return tx.Commit()
}

// ProjectDomains returns a project's custom domains.
func (s *Store) ProjectDomains(id string) ([]string, error) {
	rows, err := s.db.Query(`SELECT domain FROM domains WHERE projectId = ? ORDER BY domain`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	defer rows.Close()
	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, nil
}

// AllDomains returns every custom domain mapped to its owning project,
// the shape the DeploymentMap.customDomains index needs.
func (s *Store) AllDomains() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT domain, projectId FROM domains`)
	if err != nil {
		return nil, fmt.Errorf("failed to list all domains: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var domain, projectID string
		if err := rows.Scan(&domain, &projectID); err != nil {
			return nil, err
		}
		out[domain] = projectID
	}
	return out, nil
}

// DeleteProject cascades: deployments are tombstoned, env/domains
// removed outright; the project row itself is removed. Filesystem
// reclamation happens later via the Files worker.
func (s *Store) DeleteProject(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`UPDATE deployments SET deleted = 1 WHERE projectId = ?`, id); err != nil {
		return fmt.Errorf("failed to tombstone deployments: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM env WHERE projectId = ?`, id); err != nil {
		return fmt.Errorf("failed to delete env: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM domains WHERE projectId = ?`, id); err != nil {
		return fmt.Errorf("failed to delete domains: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if err := checkAffected(res, id); err != nil {
		return err
	}
	return tx.Commit()
}

// SetProdOverride sets or clears projects.prodId: when set, it wins
// over the "newest successful default-branch deployment" election
// rule.
func (s *Store) SetProdOverride(projectID, deploymentID string) error {
	var arg any
	if deploymentID != "" {
		arg = deploymentID
	}
	res, err := s.db.Exec(`UPDATE projects SET prodId = ? WHERE id = ?`, arg, projectID)
	if err != nil {
		return fmt.Errorf("failed to set prod override: %w", err)
	}
	return checkAffected(res, projectID)
}

// ProjectEnv returns a project's env[] mapping, ordered by name.
func (s *Store) ProjectEnv(projectID string) ([]EnvVar, error) {
	rows, err := s.db.Query(`SELECT name, value, editedAt FROM env WHERE projectId = ? ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	defer rows.Close()
	var out []EnvVar
	for rows.Next() {
		var e EnvVar
		var editedAt int64
		if err := rows.Scan(&e.Name, &e.Value, &editedAt); err != nil {
			return nil, err
		}
		e.EditedAt = time.UnixMilli(editedAt)
		out = append(out, e)
	}
	return out, nil
}

// UpsertEnv sets a project env var, refreshing editedAt. It never
// retroactively mutates existing deployment env snapshots.
func (s *Store) UpsertEnv(projectID, name, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO env (projectId, name, value, editedAt) VALUES (?, ?, ?, ?)
		ON CONFLICT(projectId, name) DO UPDATE SET value = excluded.value, editedAt = excluded.editedAt
	`, projectID, name, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert env: %w", err)
	}
	return nil
}

// DeleteEnv removes a single project env var.
func (s *Store) DeleteEnv(projectID, name string) error {
	_, err := s.db.Exec(`DELETE FROM env WHERE projectId = ? AND name = ?`, projectID, name)
	if err != nil {
		return fmt.Errorf("failed to delete env: %w", err)
	}
	return nil
}
