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
	"golang.org/x/sync/errgroup"

	"github.com/ricopinazo/prezel/internal/runtime"
)

// gcConcurrency bounds how many orphaned containers are stopped at
// once, so a GC pass over a large fleet doesn't hammer the engine API.
const gcConcurrency = 4

// ownedContainerLister is the narrow slice of *deployments.Map the GC
// worker needs.
type ownedContainerLister interface {
	OwnedContainerIDs() map[string]bool
}

// GC removes engine containers the map no longer references. It does
// not touch images: those are retained by default to speed up
// redeploys of the same sha.
type GC struct {
	rt    runtime.ContainerRuntime
	index ownedContainerLister
	log   zerolog.Logger
}

func NewGC(rt runtime.ContainerRuntime, index ownedContainerLister, log zerolog.Logger) *GC {
	return &GC{rt: rt, index: index, log: log.With().Str("component", "gcWorker").Logger()}
}

func (g *GC) Run(ctx context.Context) error {
	owned, err := g.rt.ListOwnedContainers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list owned containers: %w", err)
	}
	live := g.index.OwnedContainerIDs()

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(gcConcurrency)
	for _, id := range owned {
		if live[id] {
			continue
		}
		id := id
		group.Go(func() error {
			g.log.Info().Str("containerId", id).Msg("removing orphaned engine container")
			if err := g.rt.StopContainer(gctx, id); err != nil {
				g.log.Warn().Err(err).Str("containerId", id).Msg("failed to remove orphaned container, will retry next tick")
			}
			return nil
		})
	}
	return group.Wait()
}
