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

// Package runtime defines the ContainerRuntime collaborator: image
// build/pull, container create/start/stop, log streaming and network
// attachment. This package owns only the interface and a concrete
// Docker-engine adapter; scheduling, retries and state belong to
// internal/deployments.
package runtime

import (
	"context"
	"io"
)

// BuildSpec describes a single image build.
type BuildSpec struct {
	// ImageName is a function of the deploymentId: repeated builds for
	// the same deployment reuse the same name, so the build is
	// idempotent at the engine level.
	ImageName string
	// ContextDir holds the unpacked source tarball plus a guaranteed
	// Dockerfile (synthesized if the repo didn't ship one).
	ContextDir string
	Dockerfile string
}

// ContainerSpec describes a single engine container to create.
type ContainerSpec struct {
	Name    string
	Image   string
	Env     map[string]string
	Mounts  map[string]string // host path -> container path
	Network string
}

// ContainerRuntime is the opaque external collaborator this package
// only consumes, never assumes specifics of beyond this interface.
type ContainerRuntime interface {
	// BuildImage builds ImageName from ContextDir/Dockerfile, streaming
	// output lines to onLog(line, isError).
	BuildImage(ctx context.Context, spec BuildSpec, onLog func(line string, isError bool)) error
	// PullImage ensures image is present locally.
	PullImage(ctx context.Context, image string) error
	// CreateContainer creates (but does not start) a container from spec,
	// returning the engine's container id.
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	// StartContainer starts a previously created container.
	StartContainer(ctx context.Context, containerID string) error
	// StopContainer stops and removes a running container. The image is
	// retained, to speed up redeploys of the same sha.
	StopContainer(ctx context.Context, containerID string) error
	// IPv4 returns the container's address on network.
	IPv4(ctx context.Context, containerID, network string) (string, error)
	// Logs returns the container's captured stdout/stderr.
	Logs(ctx context.Context, containerID string) (string, error)
	// ListOwnedContainers lists every engine container labelled as
	// belonging to this instance, the candidate set the GC worker
	// compares against the deployment map's live container ids.
	ListOwnedContainers(ctx context.Context) ([]string, error)
	// RemoveImage removes an image by reference.
	RemoveImage(ctx context.Context, image string) error
	// ImageDigest resolves a built/pulled image's content digest, for
	// build-log attribution.
	ImageDigest(ctx context.Context, image string) (ImageRef, error)
	// Probe performs a single readiness HTTP GET against socket; returns
	// nil on a 2xx/3xx response.
	Probe(ctx context.Context, socket string) error
}

// LogWriter adapts an onLog callback to an io.Writer for streaming
// engine build output line by line, the shape deployments.BuildLogSink's
// OnBuildLog expects.
type LogWriter struct {
	OnLine  func(line string, isError bool)
	IsError bool
	buf     []byte
}

func (w *LogWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := indexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(w.buf[:i])
		w.buf = w.buf[i+1:]
		if w.OnLine != nil {
			w.OnLine(line, w.IsError)
		}
	}
	return len(p), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

var _ io.Writer = (*LogWriter)(nil)
