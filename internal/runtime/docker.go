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

package runtime

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"
	digest "github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
)

// OwnerLabel marks every container/image this instance created, so a
// clean sweep can distinguish them from unrelated containers sharing
// the same docker daemon.
const OwnerLabel = "dev.prezel.owner"

// Docker adapts the Docker Engine API (github.com/docker/docker client)
// to ContainerRuntime.
type Docker struct {
	cli         *client.Client
	instanceTag string
}

// NewDocker dials the local Docker daemon. instanceTag scopes the
// OwnerLabel value so multiple instances sharing one daemon don't step
// on each other's GC sweep.
func NewDocker(instanceTag string) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{cli: cli, instanceTag: instanceTag}, nil
}

func (d *Docker) ownerLabels() map[string]string {
	return map[string]string{OwnerLabel: d.instanceTag}
}

func (d *Docker) BuildImage(ctx context.Context, spec BuildSpec, onLog func(line string, isError bool)) error {
	tarCtx, err := archive.TarWithOptions(spec.ContextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to tar build context: %w", err)
	}
	defer tarCtx.Close()

	dockerfile := spec.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	resp, err := d.cli.ImageBuild(ctx, tarCtx, buildOptions(spec.ImageName, dockerfile, d.ownerLabels()))
	if err != nil {
		return fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		isErr := strings.Contains(line, `"error"`)
		if onLog != nil {
			onLog(line, isErr)
		}
		if isErr {
			return fmt.Errorf("build failed: %s", line)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read build output: %w", err)
	}
	return nil
}

func (d *Docker) PullImage(ctx context.Context, img string) error {
	rc, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %q: %w", img, err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return fmt.Errorf("failed to read pull output: %w", err)
	}
	return nil
}

func (d *Docker) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	var env []string
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	var mounts []mount.Mount
	for host, cpath := range spec.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: host, Target: cpath})
	}
	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       d.ownerLabels(),
		ExposedPorts: nat.PortSet{"80/tcp": struct{}{}},
	}
	hostCfg := &container.HostConfig{
		Mounts: mounts,
	}
	netCfg := &network.NetworkingConfig{}
	if spec.Network != "" {
		netCfg.EndpointsConfig = map[string]*network.EndpointSettings{
			spec.Network: {},
		}
	}
	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

func (d *Docker) StartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

func (d *Docker) StopContainer(ctx context.Context, id string) error {
	timeout := 10
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

func (d *Docker) IPv4(ctx context.Context, id, net string) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", id)
	}
	if ep, ok := info.NetworkSettings.Networks[net]; ok && ep.IPAddress != "" {
		return ep.IPAddress, nil
	}
	for _, ep := range info.NetworkSettings.Networks {
		if ep.IPAddress != "" {
			return ep.IPAddress, nil
		}
	}
	return "", fmt.Errorf("container %s has no address on network %q", id, net)
}

func (d *Docker) Logs(ctx context.Context, id string) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: "200"})
	if err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	return buf.String(), nil
}

func (d *Docker) ListOwnedContainers(ctx context.Context) ([]string, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	var ids []string
	for _, c := range containers {
		if c.Labels[OwnerLabel] == d.instanceTag {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

func (d *Docker) RemoveImage(ctx context.Context, img string) error {
	if _, err := d.cli.ImageRemove(ctx, img, image.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove image %q: %w", img, err)
	}
	return nil
}

// ImageRef is a content-addressed reference to a built/pulled image,
// recorded in the build log so a deployment's running image can always
// be traced back to exactly what was built.
type ImageRef struct {
	Digest    digest.Digest
	MediaType string
}

func (d *Docker) ImageDigest(ctx context.Context, img string) (ImageRef, error) {
	inspect, _, err := d.cli.ImageInspectWithRaw(ctx, img)
	if err != nil {
		return ImageRef{}, fmt.Errorf("failed to inspect image %q: %w", img, err)
	}
	if inspect.ID == "" {
		return ImageRef{}, fmt.Errorf("image %q has no id", img)
	}
	dgst, err := digest.Parse(inspect.ID)
	if err != nil {
		// Older engines return a bare hex id rather than an
		// "algo:hex" reference; assume sha256.
		dgst = digest.NewDigestFromEncoded(digest.SHA256, strings.TrimPrefix(inspect.ID, "sha256:"))
	}
	return ImageRef{Digest: dgst, MediaType: imagespec.MediaTypeImageManifest}, nil
}

func (d *Docker) Probe(ctx context.Context, socket string) error {
	c := http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+socket+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

func buildOptions(tag, dockerfile string, labels map[string]string) client.ImageBuildOptions {
	return client.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfile,
		Labels:     labels,
		Remove:     true,
	}
}

// DialAddr returns host:port as used by net.JoinHostPort, a small helper
// kept local since deployment containers only ever expose port 80.
func DialAddr(ip string, port int) string {
	return net.JoinHostPort(ip, fmt.Sprintf("%d", port))
}

// EnsureDockerfile synthesizes a minimal Dockerfile at root when the
// repo doesn't ship one. detectStack picks a base image from the files
// present in root.
func EnsureDockerfile(root string) (dockerfilePath string, err error) {
	path := filepath.Join(root, "Dockerfile")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	stack, err := detectStack(root)
	if err != nil {
		return "", fmt.Errorf("failed to auto-detect stack: %w", err)
	}
	if err := os.WriteFile(path, []byte(stack), 0644); err != nil {
		return "", fmt.Errorf("failed to synthesize Dockerfile: %w", err)
	}
	return path, nil
}

func detectStack(root string) (string, error) {
	switch {
	case fileExists(filepath.Join(root, "package.json")):
		return nodeDockerfile, nil
	case fileExists(filepath.Join(root, "go.mod")):
		return goDockerfile, nil
	case fileExists(filepath.Join(root, "requirements.txt")):
		return pythonDockerfile, nil
	default:
		return "", fmt.Errorf("no recognized build recipe at repo root")
	}
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

const nodeDockerfile = `FROM node:20-slim
WORKDIR /app
COPY . .
RUN npm install && npm run build || true
ENV HOST=0.0.0.0 PORT=80
EXPOSE 80
CMD ["npm", "start"]
`

const goDockerfile = `FROM golang:1.22 AS build
WORKDIR /src
COPY . .
RUN go build -o /app ./...
FROM gcr.io/distroless/base
COPY --from=build /app /app
ENV HOST=0.0.0.0 PORT=80
EXPOSE 80
CMD ["/app"]
`

const pythonDockerfile = `FROM python:3.12-slim
WORKDIR /app
COPY . .
RUN pip install -r requirements.txt
ENV HOST=0.0.0.0 PORT=80
EXPOSE 80
CMD ["python", "main.py"]
`
