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
	"os"

	"github.com/rs/zerolog"

	"github.com/ricopinazo/prezel/internal/config"
)

// deploymentIndex is the narrow slice of *deployments.Map the Files
// worker needs.
type deploymentIndex interface {
	LiveProjectIDs() map[string]bool
	LiveDeploymentIDs() map[string]bool
}

// Files removes orphan per-project/per-deployment directories: the
// DeploymentMap's live project/deployment ids are the single source of
// truth for which on-disk directories still belong to a live entity.
type Files struct {
	paths config.Paths
	index deploymentIndex
	log   zerolog.Logger
}

func NewFiles(paths config.Paths, index deploymentIndex, log zerolog.Logger) *Files {
	return &Files{paths: paths, index: index, log: log.With().Str("component", "filesWorker").Logger()}
}

func (f *Files) Run(ctx context.Context) error {
	projects := f.index.LiveProjectIDs()
	if err := f.sweep(f.paths.AppsDir(), projects); err != nil {
		return err
	}
	deployments := f.index.LiveDeploymentIDs()
	if err := f.sweep(f.paths.DeploymentsDir(), deployments); err != nil {
		return err
	}
	return nil
}

func (f *Files) sweep(dir string, live map[string]bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, e := range entries {
		if live[e.Name()] {
			continue
		}
		path := dir + "/" + e.Name()
		f.log.Info().Str("path", path).Msg("removing orphaned directory")
		if err := os.RemoveAll(path); err != nil {
			f.log.Warn().Err(err).Str("path", path).Msg("failed to remove orphaned directory, will retry next tick")
		}
	}
	return nil
}
