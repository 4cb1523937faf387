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

package workers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ricopinazo/prezel/internal/apperr"
	"github.com/ricopinazo/prezel/internal/metastore"
	"github.com/ricopinazo/prezel/internal/source"
)

// Poller is the source-host worker: for each project, reads the
// default branch HEAD and every open PR's head, inserting a deployment
// record for any sha not yet tracked.
type Poller struct {
	store     *metastore.Store
	src       source.SourceHost
	reconcile func()
	log       zerolog.Logger
}

func NewPoller(store *metastore.Store, src source.SourceHost, reconcile func(), log zerolog.Logger) *Poller {
	return &Poller{store: store, src: src, reconcile: reconcile, log: log.With().Str("component", "poller").Logger()}
}

// Run polls every project once. On any source-host error for a given
// project it aborts that project's sub-run without partial state, but
// continues with the remaining projects.
func (p *Poller) Run(ctx context.Context) error {
	projects, err := p.store.ListProjects()
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}

	inserted := false
	for _, project := range projects {
		if p.pollProject(ctx, project) {
			inserted = true
		}
	}
	if inserted && p.reconcile != nil {
		p.reconcile()
	}
	return nil
}

func (p *Poller) pollProject(ctx context.Context, project metastore.Project) bool {
	log := p.log.With().Str("projectId", project.ID).Logger()

	branch, head, err := p.src.DefaultBranchHead(ctx, project.RepoID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read default branch head, skipping project this tick")
		return false
	}
	prs, err := p.src.OpenPullRequests(ctx, project.RepoID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list open pull requests, skipping project this tick")
		return false
	}

	inserted := false
	if p.insertIfNew(project.ID, branch, head, true, log) {
		inserted = true
	}
	for _, pr := range prs {
		if p.insertIfNew(project.ID, pr.Branch, pr.Head, false, log) {
			inserted = true
		}
	}
	return inserted
}

func (p *Poller) insertIfNew(projectID, branch string, commit source.Commit, isDefault bool, log zerolog.Logger) bool {
	_, err := p.store.InsertDeployment(projectID, commit.Sha, branch, isDefault, commit.Timestamp)
	if err == nil {
		log.Info().Str("sha", commit.Sha).Str("branch", branch).Msg("new deployment discovered")
		return true
	}
	if apperr.KindOf(err) == apperr.Conflict {
		return false // already tracked
	}
	log.Warn().Err(err).Str("sha", commit.Sha).Msg("failed to insert deployment")
	return false
}
