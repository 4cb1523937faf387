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

// Package selfupdate implements the instance's own self-update: pull
// the requested prezel image, then recreate the running instance
// container from it. Because the update necessarily kills the process
// serving the request, the new container is started, not the current
// one: the container engine's restart policy brings the new image up
// once the old container exits.
package selfupdate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ricopinazo/prezel/internal/runtime"
)

// ImageRepo is the Docker Hub repository self-update images are pulled
// from, matching the original's "prezel/prezel:<version>" convention.
const ImageRepo = "prezel/prezel"

// Updater recreates the running instance container from a new image
// tag, reusing the engine binds and network the instance was started
// with.
type Updater struct {
	rt          runtime.ContainerRuntime
	selfName    string // engine name of the running instance container
	network     string
	env         map[string]string
	mounts      map[string]string
	dockerSock  string
	log         zerolog.Logger
}

func NewUpdater(rt runtime.ContainerRuntime, selfName, network, dockerSock string, env, mounts map[string]string, log zerolog.Logger) *Updater {
	return &Updater{
		rt:         rt,
		selfName:   selfName,
		network:    network,
		env:        env,
		mounts:     mounts,
		dockerSock: dockerSock,
		log:        log.With().Str("component", "selfupdate").Logger(),
	}
}

// Update pulls prezel/prezel:<version>, stops the current instance
// container, and recreates+starts it from the new image. version may
// be a tag ("0.9.0") or "latest".
func (u *Updater) Update(ctx context.Context, version string) error {
	if version == "" {
		return fmt.Errorf("version is required")
	}
	image := fmt.Sprintf("%s:%s", ImageRepo, version)

	u.log.Info().Str("image", image).Msg("pulling self-update image")
	if err := u.rt.PullImage(ctx, image); err != nil {
		return fmt.Errorf("failed to pull %s: %w", image, err)
	}

	u.log.Info().Str("container", u.selfName).Msg("stopping current instance container")
	if err := u.rt.StopContainer(ctx, u.selfName); err != nil {
		return fmt.Errorf("failed to stop current instance: %w", err)
	}

	spec := runtime.ContainerSpec{
		Name:    u.selfName,
		Image:   image,
		Env:     u.env,
		Mounts:  u.mounts,
		Network: u.network,
	}
	id, err := u.rt.CreateContainer(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to create updated instance container: %w", err)
	}
	if err := u.rt.StartContainer(ctx, id); err != nil {
		return fmt.Errorf("failed to start updated instance container: %w", err)
	}
	u.log.Info().Str("image", image).Msg("self-update container started, process will exit")
	return nil
}
