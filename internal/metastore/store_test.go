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
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateProjectRejectsReservedName(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateProject("api", "repo1", ""); err == nil {
		t.Fatal("expected error creating project named 'api'")
	}
}

func TestDeploymentUniquePerProjectSha(t *testing.T) {
	s := newTestStore(t)
	p, err := s.CreateProject("demo", "repo1", "")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := s.InsertDeployment(p.ID, "abc", "main", true, time.Now()); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := s.InsertDeployment(p.ID, "abc", "main", true, time.Now()); err == nil {
		t.Fatal("expected conflict inserting duplicate (projectId, sha)")
	}
	if _, err := s.InsertDeployment(p.ID, "def", "main", true, time.Now()); err != nil {
		t.Fatalf("second distinct sha should succeed: %v", err)
	}
}

func TestEnvSnapshotNotRetroactive(t *testing.T) {
	s := newTestStore(t)
	p, err := s.CreateProject("demo", "repo1", "")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := s.UpsertEnv(p.ID, "FOO", "v1"); err != nil {
		t.Fatalf("UpsertEnv: %v", err)
	}
	d, err := s.InsertDeployment(p.ID, "abc", "main", true, time.Now())
	if err != nil {
		t.Fatalf("InsertDeployment: %v", err)
	}
	if len(d.Env) != 1 || d.Env[0].Value != "v1" {
		t.Fatalf("expected snapshot with FOO=v1, got %+v", d.Env)
	}
	if err := s.UpsertEnv(p.ID, "FOO", "v2"); err != nil {
		t.Fatalf("UpsertEnv: %v", err)
	}
	reloaded, err := s.GetDeployment(d.ID)
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if reloaded.Env[0].Value != "v1" {
		t.Fatalf("deployment env mutated retroactively: got %q, want %q", reloaded.Env[0].Value, "v1")
	}
}

func TestCloneDeploymentFreshIDAndSlug(t *testing.T) {
	s := newTestStore(t)
	p, err := s.CreateProject("demo", "repo1", "")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	d, err := s.InsertDeployment(p.ID, "abc", "main", true, time.Now())
	if err != nil {
		t.Fatalf("InsertDeployment: %v", err)
	}
	if err := s.TombstoneDeployment(d.ID); err != nil {
		t.Fatalf("Tombstone: %v", err)
	}
	clone, err := s.CloneDeployment(d.ID)
	if err != nil {
		t.Fatalf("CloneDeployment: %v", err)
	}
	if clone.ID == d.ID || clone.Slug == d.Slug {
		t.Fatalf("clone must have fresh id/slug: %+v vs %+v", clone, d)
	}
	if clone.Sha != d.Sha || clone.ProjectID != d.ProjectID {
		t.Fatalf("clone must preserve sha/projectId: %+v vs %+v", clone, d)
	}
}
