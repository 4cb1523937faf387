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

	"github.com/rs/zerolog"

	"github.com/ricopinazo/prezel/internal/deployments"
)

// queueAccessor is the narrow slice of *deployments.Map the Build
// worker needs: pick the next Queued container to build.
type queueAccessor interface {
	PickQueued() *deployments.Container
}

// Build drains the queue: pops a Queued container by priority, builds
// it, requests a reconcile, and repeats until none remain.
type Build struct {
	queue     queueAccessor
	reconcile func()
	log       zerolog.Logger
}

func NewBuild(queue queueAccessor, reconcile func(), log zerolog.Logger) *Build {
	return &Build{queue: queue, reconcile: reconcile, log: log.With().Str("component", "buildWorker").Logger()}
}

func (b *Build) Run(ctx context.Context) error {
	for {
		c := b.queue.PickQueued()
		if c == nil {
			return nil
		}
		b.log.Info().Str("deploymentId", c.DeploymentID()).Msg("building queued deployment")
		c.RunBuild(ctx)
		if b.reconcile != nil {
			b.reconcile()
		}
	}
}
