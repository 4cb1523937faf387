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

package deployments

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ricopinazo/prezel/internal/apperr"
	"github.com/ricopinazo/prezel/internal/dbfork"
	"github.com/ricopinazo/prezel/internal/metastore"
	"github.com/ricopinazo/prezel/internal/runtime"
	"github.com/ricopinazo/prezel/internal/source"
	"github.com/ricopinazo/prezel/pkg/targz"
)

// IdleDowngrade is the idle threshold after which a non-prod Ready
// container is downgraded to StandBy.
const IdleDowngrade = 30 * time.Second

// ProbeInterval/ProbeTimeout bound the readiness probe loop.
const (
	ProbeInterval = 200 * time.Millisecond
	ProbeTimeout  = 60 * time.Second
)

// Container is one deployment's lifecycle and request endpoint. All
// state-modifying transitions are claimed under mu before the
// corresponding side effect runs outside the lock: the lock only ever
// guards the in-memory tag, never a blocking call.
type Container struct {
	mu    sync.RWMutex
	state State

	repoID       string
	projectID    string
	deploymentID string
	sha          string
	slug         string
	env          []metastore.EnvVar

	// isDefaultBranch/createdAtUnix are immutable deployment identity,
	// safe to read without the lock. lastResult mirrors the persisted
	// `deployments.result` column (prod election keys off "result=Built",
	// which survives the live state later moving away from Built on
	// access); guarded by mu like the rest of the state.
	isDefaultBranch bool
	createdAtUnix   int64
	lastResult      metastore.BuildResult
	// visibility is re-resolved from prezel.json on every build: each
	// deployment reads its own config, independent of prod's; guarded by
	// mu since a build can update it.
	visibility metastore.Visibility

	store      *metastore.Store
	rt         runtime.ContainerRuntime
	src        source.SourceHost
	dbSetup    DbSetupper
	buildLog   BuildLogSink
	statusHook StatusHook
	network     string
	imageName   string
	buildRoot   string // scratch dir for source checkouts, one subdir per deployment
	projectRoot string // monorepo subdir the build context/prezel.json live under, "" for repo root
	trigger     func() // best-effort signal to the build worker

	log zerolog.Logger
}

// NewContainer constructs a Container in the initial state derived from
// the deployment's persisted result.
func NewContainer(
	d metastore.Deployment,
	repoID string,
	store *metastore.Store,
	rt runtime.ContainerRuntime,
	src source.SourceHost,
	dbSetup DbSetupper,
	buildLog BuildLogSink,
	statusHook StatusHook,
	network, buildRoot, projectRoot string,
	trigger func(),
	log zerolog.Logger,
) *Container {
	var st State
	switch d.Result {
	case metastore.ResultBuilt:
		st = builtState()
	case metastore.ResultFailed:
		st = failedState()
	default:
		st = queuedState(time.Time{})
	}
	return &Container{
		state:           st,
		repoID:          repoID,
		projectID:       d.ProjectID,
		deploymentID:    d.ID,
		sha:             d.Sha,
		slug:            d.Slug,
		isDefaultBranch: d.IsDefaultBranch,
		createdAtUnix:   d.CreatedAt.Unix(),
		lastResult:      d.Result,
		visibility:      d.Visibility,
		env:             d.Env,
		store:        store,
		rt:           rt,
		src:          src,
		dbSetup:      dbSetup,
		buildLog:     buildLog,
		statusHook:   statusHook,
		network:      network,
		imageName:    "prezel-deployment-" + d.ID,
		buildRoot:    buildRoot,
		projectRoot:  projectRoot,
		trigger:      trigger,
		log:          log.With().Str("deploymentId", d.ID).Logger(),
	}
}

// DeploymentID returns the owning deployment's id.
func (c *Container) DeploymentID() string { return c.deploymentID }

// IsDefaultBranch reports whether this deployment tracks its project's
// default branch, making it eligible for prod.
func (c *Container) IsDefaultBranch() bool { return c.isDefaultBranch }

// CreatedAtUnix is the deployment's creation time, used to break ties
// among prod candidates: the most recently created wins.
func (c *Container) CreatedAtUnix() int64 { return c.createdAtUnix }

// LastResult mirrors the persisted build result column, which prod
// election keys off rather than the live in-memory state.
func (c *Container) LastResult() metastore.BuildResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastResult
}

func (c *Container) slugIs(slug string) bool { return c.slug == slug }

// IsPrivate reports whether the proxy must gate access to this
// deployment behind the session-cookie auth check.
func (c *Container) IsPrivate() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.visibility.IsPrivate(c.isDefaultBranch)
}

// Snapshot returns a read-only copy of the current state, for
// inspection by reconcile/workers without exposing the lock.
func (c *Container) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Access is the proxy's only entry point into the container state
// machine, driving lazy builds and lazy starts from a single request.
func (c *Container) Access(ctx context.Context) AccessResult {
	c.mu.Lock()
	switch c.state.Kind {
	case KindReady:
		c.state.LastAccess = time.Now()
		socket := c.state.Socket
		c.mu.Unlock()
		return AccessResult{Kind: AccessSocket, Socket: socket}
	case KindBuilt:
		c.state = queuedState(time.Now())
		c.mu.Unlock()
		c.signalBuild()
		return AccessResult{Kind: AccessLoading}
	case KindQueued:
		if c.state.TriggerAccess.IsZero() {
			c.state.TriggerAccess = time.Now()
		}
		c.mu.Unlock()
		return AccessResult{Kind: AccessLoading}
	case KindBuilding:
		c.mu.Unlock()
		return AccessResult{Kind: AccessLoading}
	case KindFailed:
		c.mu.Unlock()
		return AccessResult{Kind: AccessFail}
	case KindStandBy, KindStarting:
		c.mu.Unlock()
		socket, err := c.start(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("start failed on access, will retry on next access")
			return AccessResult{Kind: AccessLoading}
		}
		return AccessResult{Kind: AccessSocket, Socket: socket}
	default:
		c.mu.Unlock()
		return AccessResult{Kind: AccessFail}
	}
}

// Enqueue forces a transition to Queued{triggerAccess=⊥}, used by
// reconcile to build a prod candidate that is merely Built without
// counting as a user-visible access.
func (c *Container) Enqueue() {
	c.mu.Lock()
	if c.state.Kind == KindBuilt {
		c.state = queuedState(time.Time{})
	}
	c.mu.Unlock()
	c.signalBuild()
}

func (c *Container) signalBuild() {
	if c.trigger != nil {
		c.trigger()
	}
}

// DowngradeIfUnused transitions Ready->StandBy when idle beyond
// IdleDowngrade, skipping prod candidates. isProd is evaluated by the
// caller (DeploymentMap) since prod-ness is a map-wide property, not
// something a Container can judge alone.
func (c *Container) DowngradeIfUnused(ctx context.Context, isProd bool) {
	c.mu.Lock()
	if c.state.Kind != KindReady || isProd {
		c.mu.Unlock()
		return
	}
	if time.Since(c.state.LastAccess) <= IdleDowngrade {
		c.mu.Unlock()
		return
	}
	containerID := c.state.ContainerID
	image := c.state.Image
	dbSetup := c.state.DbSetup
	c.state = State{Kind: KindStandBy, Image: image, DbSetup: dbSetup}
	c.mu.Unlock()

	if err := c.rt.StopContainer(ctx, containerID); err != nil {
		c.log.Warn().Err(err).Msg("failed to stop idle container, GC worker will reclaim it")
	}
}

// DbAccess resolves this deployment's forked DB server as a proxy
// target. Unlike Access, there is no lazy-start protocol here: the DB
// server is provisioned once up front during RunBuild, so until
// DbSetup lands this just reports AccessLoading.
func (c *Container) DbAccess(ctx context.Context) AccessResult {
	c.mu.RLock()
	setup := c.state.DbSetup
	c.mu.RUnlock()
	if setup == nil || setup.ContainerID == "" {
		return AccessResult{Kind: AccessLoading}
	}
	ip, err := c.rt.IPv4(ctx, setup.ContainerID, c.network)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to resolve branch db address")
		return AccessResult{Kind: AccessLoading}
	}
	return AccessResult{Kind: AccessSocket, Socket: runtime.DialAddr(ip, 80)}
}

// GetLogs returns the engine's execution logs for the current
// containerId, if any.
func (c *Container) GetLogs(ctx context.Context) (string, error) {
	c.mu.RLock()
	id := c.state.ContainerID
	c.mu.RUnlock()
	if id == "" {
		return "", nil
	}
	return c.rt.Logs(ctx, id)
}

// RunBuild runs the full build protocol for a Queued container. It is
// only ever invoked by the build worker, never concurrently for the
// same Container, so it claims Queued->Building itself rather than
// competing with other callers.
func (c *Container) RunBuild(ctx context.Context) {
	c.mu.Lock()
	if c.state.Kind != KindQueued {
		c.mu.Unlock()
		return
	}
	triggerAccess := c.state.TriggerAccess
	c.state = State{Kind: KindBuilding}
	c.mu.Unlock()

	c.log.Info().Msg("build started")
	now := time.Now()
	if err := c.store.SetBuildStart(c.deploymentID, now); err != nil {
		c.log.Error().Err(err).Msg("failed to record build start")
	}
	c.statusHook.OnBuildEvent(ctx, c.projectID, c.deploymentID, BuildStarted)

	dbSetup, err := c.dbSetup.Setup(ctx)
	if err != nil {
		c.fail(ctx, fmt.Errorf("db setup failed: %w", err))
		return
	}
	c.mu.Lock()
	c.state.DbSetup = dbSetup
	c.mu.Unlock()

	root := scratchDir(c.buildRoot, c.deploymentID)
	if err := c.checkout(ctx, root); err != nil {
		c.fail(ctx, fmt.Errorf("checkout failed: %w", err))
		return
	}

	buildCtx := filepath.Join(root, c.projectRoot)
	c.resolveVisibility(buildCtx)

	dockerfile, err := runtime.EnsureDockerfile(buildCtx)
	if err != nil {
		c.fail(ctx, fmt.Errorf("dockerfile detection failed: %w", err))
		return
	}

	onLog := func(line string, isError bool) {
		if err := c.store.AppendBuildLog(c.deploymentID, line, isError); err != nil {
			c.log.Error().Err(err).Msg("failed to append build log line")
		}
		if c.buildLog != nil {
			c.buildLog.OnBuildLog(c.deploymentID, line, isError)
		}
	}
	buildErr := c.rt.BuildImage(ctx, runtime.BuildSpec{
		ImageName:  c.imageName,
		ContextDir: buildCtx,
		Dockerfile: dockerfile,
	}, onLog)

	if buildErr != nil {
		c.fail(ctx, fmt.Errorf("image build failed: %w", buildErr))
		return
	}

	if err := c.store.SetBuildResult(c.deploymentID, metastore.ResultBuilt, time.Now()); err != nil {
		c.log.Error().Err(err).Msg("failed to record build result")
	}
	if ref, err := c.rt.ImageDigest(ctx, c.imageName); err != nil {
		c.log.Warn().Err(err).Msg("failed to resolve built image digest")
	} else {
		c.log.Info().Str("digest", ref.Digest.String()).Str("mediaType", ref.MediaType).Msg("image built")
	}
	c.statusHook.OnBuildEvent(ctx, c.projectID, c.deploymentID, BuildFinished)

	c.mu.Lock()
	c.lastResult = metastore.ResultBuilt
	c.state = State{Kind: KindStandBy, DbSetup: dbSetup, Image: c.imageName}
	c.mu.Unlock()
	if triggerAccess.IsZero() {
		c.log.Info().Msg("build finished, waiting for first access")
		return
	}
	c.log.Info().Msg("build finished, starting immediately for waiting access")
	if _, err := c.start(ctx); err != nil {
		c.log.Warn().Err(err).Msg("immediate post-build start failed, will retry on next access")
	}
}

func (c *Container) fail(ctx context.Context, cause error) {
	c.log.Error().Err(cause).Msg("build failed")
	if err := c.store.SetBuildResult(c.deploymentID, metastore.ResultFailed, time.Now()); err != nil {
		c.log.Error().Err(err).Msg("failed to record build failure")
	}
	c.statusHook.OnBuildEvent(ctx, c.projectID, c.deploymentID, BuildFailed)
	c.mu.Lock()
	c.lastResult = metastore.ResultFailed
	c.state = failedState()
	c.mu.Unlock()
}

// prezelConfig mirrors prezel.json: all fields optional.
type prezelConfig struct {
	Visibility metastore.Visibility `json:"visibility"`
}

// resolveVisibility reads prezel.json from the checked-out build
// context, if present, and persists the deployment's effective
// visibility: each deployment reads its own config, independent of
// prod's (see DESIGN.md). A missing or unparsable file resolves to
// VisibilityStandard, never blocking the build.
func (c *Container) resolveVisibility(buildCtx string) {
	v := metastore.VisibilityStandard
	b, err := os.ReadFile(filepath.Join(buildCtx, "prezel.json"))
	if err == nil {
		var cfg prezelConfig
		if jsonErr := json.Unmarshal(b, &cfg); jsonErr == nil && cfg.Visibility != "" {
			v = cfg.Visibility
		}
	}
	if err := c.store.SetVisibility(c.deploymentID, v); err != nil {
		c.log.Warn().Err(err).Msg("failed to persist resolved visibility")
	}
	c.mu.Lock()
	c.visibility = v
	c.mu.Unlock()
}

func (c *Container) checkout(ctx context.Context, root string) error {
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("failed to clear scratch dir: %w", err)
	}
	if err := ensureDir(root); err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	pr, pw := io.Pipe()
	errc := make(chan error, 1)
	go func() {
		errc <- c.src.Tarball(ctx, c.repoID, c.sha, pw)
		pw.Close()
	}()
	extractErr := targz.ReadFile(pr, func(h *tar.Header, r io.Reader) error {
		return extractEntry(root, h, r)
	})
	pr.Close()
	if err := <-errc; err != nil {
		return fmt.Errorf("failed to fetch tarball: %w", err)
	}
	return extractErr
}

// extractEntry writes one tar entry under root, rejecting anything that
// would escape it (the same symlink-escape guard dbfork.CopyFolder
// applies to on-disk DB forks, here applied to repo tarball contents).
func extractEntry(root string, h *tar.Header, r io.Reader) error {
	target := filepath.Join(root, h.Name)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return apperr.New(apperr.Corruption, fmt.Sprintf("tarball entry %q escapes its root", h.Name))
	}
	switch h.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0755)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(h.Mode))
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(f, r)
		return err
	default:
		// symlinks and other special entries from a repo tarball are not
		// part of the build context; skip them.
		return nil
	}
}

// start runs the race-free start protocol: the first caller to observe
// StandBy claims Starting and performs the
// side effects; concurrent callers observing Starting poll until the
// claimant finishes.
func (c *Container) start(ctx context.Context) (string, error) {
	c.mu.Lock()
	switch c.state.Kind {
	case KindReady:
		socket := c.state.Socket
		c.state.LastAccess = time.Now()
		c.mu.Unlock()
		return socket, nil
	case KindStandBy:
		image := c.state.Image
		dbSetup := c.state.DbSetup
		c.state = State{Kind: KindStarting, Image: image, DbSetup: dbSetup}
		c.mu.Unlock()
		return c.doStart(ctx, image, dbSetup)
	case KindStarting:
		c.mu.Unlock()
		return c.waitForReady(ctx)
	default:
		c.mu.Unlock()
		return "", fmt.Errorf("cannot start container in state %s", c.state.Kind)
	}
}

func (c *Container) waitForReady(ctx context.Context) (string, error) {
	deadline := time.Now().Add(ProbeTimeout)
	for time.Now().Before(deadline) {
		st := c.Snapshot()
		switch st.Kind {
		case KindReady:
			return st.Socket, nil
		case KindFailed:
			return "", fmt.Errorf("container failed to build")
		case KindStandBy:
			// the claimant rolled back after a failed attempt; join in
			// and try the start ourselves rather than waiting forever.
			return c.start(ctx)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(ProbeInterval):
		}
	}
	return "", fmt.Errorf("timed out waiting for another caller's start to finish")
}

func (c *Container) doStart(ctx context.Context, image string, dbSetup *dbfork.Setup) (string, error) {
	env := map[string]string{"HOST": "0.0.0.0", "PORT": "80"}
	for _, e := range c.env {
		env[e.Name] = e.Value
	}
	if dbSetup != nil {
		token, err := dbSetup.Keys.PermanentToken()
		if err != nil {
			c.rollbackToStandBy(image, dbSetup)
			return "", fmt.Errorf("failed to mint db token: %w", err)
		}
		dbName := dbfork.ProdDbName(c.projectID)
		if !c.isDefaultBranch {
			dbName = dbfork.BranchDbName(c.deploymentID)
		}
		dbURL := "http://" + dbName + ":80"
		// DB_URL/DB_AUTH_TOKEN are the canonical names; LIBSQL_* are kept
		// as compatibility aliases for client libraries that look for
		// them instead.
		env["DB_URL"] = dbURL
		env["DB_AUTH_TOKEN"] = token
		env["LIBSQL_URL"] = dbURL
		env["LIBSQL_AUTH_TOKEN"] = token
	}
	containerID, err := c.rt.CreateContainer(ctx, runtime.ContainerSpec{
		Name:    c.deploymentID,
		Image:   image,
		Env:     env,
		Network: c.network,
	})
	if err != nil {
		c.rollbackToStandBy(image, dbSetup)
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := c.rt.StartContainer(ctx, containerID); err != nil {
		c.rollbackToStandBy(image, dbSetup)
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	ip, err := c.rt.IPv4(ctx, containerID, c.network)
	if err != nil {
		c.rollbackToStandBy(image, dbSetup)
		return "", fmt.Errorf("failed to resolve container address: %w", err)
	}
	socket := runtime.DialAddr(ip, 80)

	deadline := time.Now().Add(ProbeTimeout)
	var probeErr error
	for time.Now().Before(deadline) {
		if probeErr = c.rt.Probe(ctx, socket); probeErr == nil {
			break
		}
		select {
		case <-ctx.Done():
			c.rollbackToStandBy(image, dbSetup)
			return "", ctx.Err()
		case <-time.After(ProbeInterval):
		}
	}
	if probeErr != nil {
		logs, _ := c.rt.Logs(ctx, containerID)
		c.rollbackToStandBy(image, dbSetup)
		return "", fmt.Errorf("readiness probe never succeeded: %w (container logs: %s)", probeErr, logs)
	}

	c.mu.Lock()
	c.state = State{
		Kind:        KindReady,
		Image:       image,
		DbSetup:     dbSetup,
		ContainerID: containerID,
		Socket:      socket,
		LastAccess:  time.Now(),
	}
	c.mu.Unlock()
	return socket, nil
}

// rollbackToStandBy restores the pre-start named state on a start
// failure: start failures are never persisted, so a subsequent access
// just retries.
func (c *Container) rollbackToStandBy(image string, dbSetup *dbfork.Setup) {
	c.mu.Lock()
	c.state = State{Kind: KindStandBy, Image: image, DbSetup: dbSetup}
	c.mu.Unlock()
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

func scratchDir(root, deploymentID string) string {
	return filepath.Join(root, deploymentID)
}
