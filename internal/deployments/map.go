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
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ricopinazo/prezel/internal/config"
	"github.com/ricopinazo/prezel/internal/dbfork"
	"github.com/ricopinazo/prezel/internal/metastore"
	"github.com/ricopinazo/prezel/internal/runtime"
	"github.com/ricopinazo/prezel/internal/source"
)

// CertStore is the narrow slice of the certificate store a reconcile
// pass needs: enqueue issuance for a domain it hasn't seen before.
// internal/certs.Store satisfies this.
type CertStore interface {
	EnsureDomain(domain string)
}

// Map is the in-memory authoritative index: single writer (reconcile),
// many readers (proxy, API, workers). All mutation goes through
// reconcile, which holds the write lock only for the in-memory update;
// builds, DB forks and cert issuance are triggered but run outside the
// lock.
type Map struct {
	mu sync.RWMutex

	containers     map[string]*Container // deploymentId -> Container
	byProject      map[string][]string   // projectId -> []deploymentId, for prod election
	projectsByName map[string]string     // name -> projectId
	projects       map[string]metastore.Project
	prod           map[string]string // projectId -> deploymentId
	customDomains  map[string]string // hostname -> projectId
	dbs            map[string]*dbfork.ProdDb

	hostname string // instance base domain B
	network  string
	paths    config.Paths

	store  *metastore.Store
	rt     runtime.ContainerRuntime
	src    source.SourceHost
	certs  CertStore
	hooks  StatusHook
	buildLog BuildLogSink

	buildTrigger func()
	repoIDs      map[string]string // projectId -> repoId, cached for Container construction

	log zerolog.Logger
}

// New constructs an empty Map. Call Reconcile at least once before
// serving traffic.
func New(hostname, network string, paths config.Paths, store *metastore.Store, rt runtime.ContainerRuntime, src source.SourceHost, certs CertStore, hooks StatusHook, buildLog BuildLogSink, buildTrigger func(), log zerolog.Logger) *Map {
	return &Map{
		containers:     make(map[string]*Container),
		byProject:      make(map[string][]string),
		projectsByName: make(map[string]string),
		projects:       make(map[string]metastore.Project),
		prod:           make(map[string]string),
		customDomains:  make(map[string]string),
		dbs:            make(map[string]*dbfork.ProdDb),
		repoIDs:        make(map[string]string),
		hostname:       hostname,
		network:        network,
		paths:          paths,
		store:          store,
		rt:             rt,
		src:            src,
		certs:          certs,
		hooks:          hooks,
		buildLog:       buildLog,
		buildTrigger:   buildTrigger,
		log:            log.With().Str("component", "deploymentMap").Logger(),
	}
}

// GetDeployment resolves a Container by deploymentId.
func (m *Map) GetDeployment(id string) *Container {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.containers[id]
}

// GetProdDeployment resolves a project's current prod Container, if any
// qualifies (invariant 3).
func (m *Map) GetProdDeployment(projectID string) *Container {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.prod[projectID]
	if !ok {
		return nil
	}
	return m.containers[id]
}

// IsProd reports whether deploymentID is currently elected prod for its
// project (used by DowngradeIfUnused, which must never downgrade prod).
func (m *Map) IsProd(projectID, deploymentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prod[projectID] == deploymentID
}

// DbToken mints a time-limited token scoped to role for projectID's DB
// server, for handing to external callers that reach the DB over the
// proxy's "{project}--libsql" hostname rather than the permanent
// DB_AUTH_TOKEN injected into the project's own deployment containers.
func (m *Map) DbToken(projectID string, role dbfork.Role) (string, error) {
	m.mu.RLock()
	db, ok := m.dbs[projectID]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no db server known for project %q", projectID)
	}
	if !db.Ready() {
		return "", fmt.Errorf("db server for project %q is not running yet", projectID)
	}
	return db.Keys().ExpiringToken(role)
}

// GetByHostname resolves a request hostname to whatever the proxy
// should forward to: a deployment's slug label resolves to its
// Container, a bare project label resolves to its elected prod
// Container, and a "-libsql" label resolves to the project's (or
// branch deployment's) DB server instead.
func (m *Map) GetByHostname(host string) ProxyTarget {
	host = strings.ToLower(host)
	suffix := "." + m.hostname
	if !strings.HasSuffix(host, suffix) {
		return m.getByCustomDomain(host)
	}
	label := strings.TrimSuffix(host, suffix)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if strings.Contains(label, "--") {
		parts := strings.SplitN(label, "--", 2)
		projectName, rest := parts[0], parts[1]
		projectID, ok := m.projectsByName[projectName]
		if !ok {
			return nil
		}
		if rest == "libsql" {
			return m.prodDbTargetLocked(projectID)
		}
		if slug, ok := strings.CutSuffix(rest, "-libsql"); ok {
			c := m.findBySlugLocked(projectID, slug)
			if c == nil {
				return nil
			}
			return dbTarget{deploymentID: c.deploymentID, access: c.DbAccess}
		}
		return containerTarget(m.findBySlugLocked(projectID, rest))
	}

	projectID, ok := m.projectsByName[label]
	if !ok {
		return nil
	}
	id, ok := m.prod[projectID]
	if !ok {
		return nil
	}
	return containerTarget(m.containers[id])
}

// prodDbTargetLocked resolves a project's bare "{project}--libsql"
// hostname to its always-on DB server. Callers hold m.mu.
func (m *Map) prodDbTargetLocked(projectID string) ProxyTarget {
	db, ok := m.dbs[projectID]
	if !ok {
		return nil
	}
	return dbTarget{
		deploymentID: projectID,
		access: func(ctx context.Context) AccessResult {
			if !db.Ready() {
				return AccessResult{Kind: AccessLoading}
			}
			addr, err := db.Addr(ctx)
			if err != nil {
				return AccessResult{Kind: AccessLoading}
			}
			return AccessResult{Kind: AccessSocket, Socket: addr}
		},
	}
}

func (m *Map) getByCustomDomain(host string) ProxyTarget {
	m.mu.RLock()
	defer m.mu.RUnlock()
	projectID, ok := m.customDomains[host]
	if !ok {
		return nil
	}
	id, ok := m.prod[projectID]
	if !ok {
		return nil
	}
	return containerTarget(m.containers[id])
}

func (m *Map) findBySlugLocked(projectID, slug string) *Container {
	for _, id := range m.byProject[projectID] {
		c, ok := m.containers[id]
		if !ok {
			continue
		}
		if c.slugIs(slug) {
			return c
		}
	}
	return nil
}

// Reconcile reads live deployments, diffs against the in-memory index,
// re-elects prod per project, and downgrades idle non-prod containers.
// It is best-effort at step granularity: a failure on one
// project/deployment is logged and does not abort the rest of the
// pass.
func (m *Map) Reconcile(ctx context.Context) error {
	live, err := m.store.ListLiveDeployments()
	if err != nil {
		return fmt.Errorf("failed to list live deployments: %w", err)
	}
	domains, err := m.store.AllDomains()
	if err != nil {
		return fmt.Errorf("failed to list domains: %w", err)
	}

	m.mu.Lock()

	liveIDs := make(map[string]bool, len(live))
	byProject := make(map[string][]string)
	knownProjects := make(map[string]bool)

	for _, pd := range live {
		liveIDs[pd.Deployment.ID] = true
		byProject[pd.Project.ID] = append(byProject[pd.Project.ID], pd.Deployment.ID)
		m.projects[pd.Project.ID] = pd.Project
		m.projectsByName[pd.Project.Name] = pd.Project.ID
		m.repoIDs[pd.Project.ID] = pd.Project.RepoID
		knownProjects[pd.Project.ID] = true

		if _, ok := m.dbs[pd.Project.ID]; !ok {
			m.dbs[pd.Project.ID] = dbfork.NewProdDb(m.rt, pd.Project.ID, m.paths.ProjectLibsqlDir(pd.Project.ID), m.network)
		}

		if _, ok := m.containers[pd.Deployment.ID]; !ok {
			m.containers[pd.Deployment.ID] = m.newContainerLocked(pd.Project, pd.Deployment)
		}
	}

	// step 4: remove containers whose deployment no longer appears.
	for id := range m.containers {
		if !liveIDs[id] {
			delete(m.containers, id)
		}
	}
	m.byProject = byProject

	// step 2 (custom domains): enqueue issuance for anything new.
	for domain := range domains {
		if _, already := m.customDomains[domain]; !already && m.certs != nil {
			m.certs.EnsureDomain(domain)
		}
	}
	m.customDomains = domains

	// step 5: re-elect prod per project.
	newProd := make(map[string]string, len(byProject))
	for projectID, ids := range byProject {
		if override := m.projects[projectID].ProdID; override != "" && liveIDs[override] {
			newProd[projectID] = override
			continue
		}
		best := ""
		var bestCreated = int64Min
		for _, id := range ids {
			c, ok := m.containers[id]
			if !ok || !c.isDefaultBranch {
				continue
			}
			if c.LastResult() != metastore.ResultBuilt {
				continue
			}
			if c.createdAtUnix > bestCreated {
				bestCreated = c.createdAtUnix
				best = id
			}
		}
		if best != "" {
			newProd[projectID] = best
		}
	}
	m.prod = newProd

	containersSnapshot := make([]*Container, 0, len(m.containers))
	for _, c := range m.containers {
		containersSnapshot = append(containersSnapshot, c)
	}
	prodSnapshot := make(map[string]string, len(m.prod))
	for k, v := range m.prod {
		prodSnapshot[k] = v
	}
	m.mu.Unlock()

	// step 6: prod StandBy->start, prod Built->Queued. Side effects run
	// outside the write lock.
	for _, deploymentID := range prodSnapshot {
		c := m.GetDeployment(deploymentID)
		if c == nil {
			continue
		}
		switch c.Snapshot().Kind {
		case KindStandBy:
			go func(c *Container) {
				if _, err := c.start(ctx); err != nil {
					m.log.Warn().Err(err).Str("deploymentId", c.deploymentID).Msg("failed to start prod candidate")
				}
			}(c)
		case KindBuilt:
			c.Enqueue()
		}
	}

	// step 7: downgrade idle non-prod Ready containers.
	for _, c := range containersSnapshot {
		isProd := prodSnapshot[c.projectID] == c.deploymentID
		c.DowngradeIfUnused(ctx, isProd)
	}

	return nil
}

const int64Min = -1 << 62

func (m *Map) newContainerLocked(p metastore.Project, d metastore.Deployment) *Container {
	prodDb := m.dbs[p.ID]
	var setupper DbSetupper
	if d.IsDefaultBranch {
		setupper = ProdDbSetupper{Db: prodDb}
	} else {
		branch := prodDb.Branch(d.ID, m.paths.DeploymentLibsqlDir(d.ID), m.network)
		setupper = BranchDbSetupper{Db: branch}
	}
	return NewContainer(d, p.RepoID, m.store, m.rt, m.src, setupper, m.buildLog, m.hooks, m.network, m.paths.DeploymentsDir(), p.Root, m.buildTrigger, m.log)
}

// PickQueued returns a container to build next: the one with the
// oldest non-⊥ triggerAccess, else a random queued container.
func (m *Map) PickQueued() *Container {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var triggered []*Container
	var untriggered []*Container
	for _, c := range m.containers {
		st := c.Snapshot()
		if st.Kind != KindQueued {
			continue
		}
		if st.hasTrigger() {
			triggered = append(triggered, c)
		} else {
			untriggered = append(untriggered, c)
		}
	}
	if len(triggered) > 0 {
		oldest := triggered[0]
		for _, c := range triggered[1:] {
			if c.Snapshot().TriggerAccess.Before(oldest.Snapshot().TriggerAccess) {
				oldest = c
			}
		}
		return oldest
	}
	if len(untriggered) == 0 {
		return nil
	}
	return untriggered[rand.Intn(len(untriggered))]
}

// OwnedContainerIDs returns every engine container id currently
// referenced by a live state, so the GC worker never reclaims a prod DB
// server, a branch DB fork, or a deployment container still tracked
// here.
func (m *Map) OwnedContainerIDs() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool)
	for _, c := range m.containers {
		st := c.Snapshot()
		if st.ContainerID != "" {
			out[st.ContainerID] = true
		}
		if st.DbSetup != nil && st.DbSetup.ContainerID != "" {
			out[st.DbSetup.ContainerID] = true
		}
	}
	for _, db := range m.dbs {
		if id := db.ContainerID(); id != "" {
			out[id] = true
		}
	}
	return out
}

// LiveDeploymentIDs returns every deploymentId currently in the map.
func (m *Map) LiveDeploymentIDs() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.containers))
	for id := range m.containers {
		out[id] = true
	}
	return out
}

// LiveProjectIDs returns every projectId currently known.
func (m *Map) LiveProjectIDs() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.projects))
	for id := range m.projects {
		out[id] = true
	}
	return out
}
