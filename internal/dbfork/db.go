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

package dbfork

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ricopinazo/prezel/internal/runtime"
)

// ProdDbName is the engine container name of a project's always-on DB
// server, shared between the container that creates it and the DNS
// name deployment containers use to reach it on the private network.
func ProdDbName(projectID string) string { return "proddb-" + projectID }

// BranchDbName is the engine container name of a branch deployment's
// forked DB server.
func BranchDbName(deploymentID string) string { return "branchdb-" + deploymentID }

func keysFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("corrupt db key seed: got %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// DbServerImage is the libSQL-compatible server image run for both
// ProdDb and BranchDb containers.
const DbServerImage = "ghcr.io/tursodatabase/libsql-server:latest"

// Setup is the materialized state a Container attaches to its
// deployment once a DB has been provisioned.
type Setup struct {
	Folder      string
	ContainerID string
	Keys        KeyPair
}

// ProdDb is the single, always-on DB server a project owns.
type ProdDb struct {
	ProjectID string
	Folder    string
	Network   string

	rt runtime.ContainerRuntime

	mu      sync.Mutex
	started bool
	setup   Setup
}

// NewProdDb returns a handle for projectID's prod DB at folder. It does
// not start anything until Ensure is called, which happens lazily when
// one of the project's default-branch deployments builds.
func NewProdDb(rt runtime.ContainerRuntime, projectID, folder, network string) *ProdDb {
	return &ProdDb{ProjectID: projectID, Folder: folder, Network: network, rt: rt}
}

// Ensure idempotently creates the folder, generates keys on first
// creation, and starts the DB server container if it isn't already
// running.
func (p *ProdDb) Ensure(ctx context.Context) (Setup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return p.setup, nil
	}
	if err := os.MkdirAll(p.Folder, 0755); err != nil {
		return Setup{}, fmt.Errorf("failed to create prod db folder: %w", err)
	}
	keys, err := loadOrGenerateKeys(filepath.Join(p.Folder, "..", "keys"))
	if err != nil {
		return Setup{}, err
	}
	id, err := p.rt.CreateContainer(ctx, runtime.ContainerSpec{
		Name:    ProdDbName(p.ProjectID),
		Image:   DbServerImage,
		Network: p.Network,
		Mounts:  map[string]string{p.Folder: "/var/lib/sqld"},
		Env:     dbServerEnv(keys),
	})
	if err != nil {
		return Setup{}, fmt.Errorf("failed to create prod db container: %w", err)
	}
	if err := p.rt.StartContainer(ctx, id); err != nil {
		return Setup{}, fmt.Errorf("failed to start prod db container: %w", err)
	}
	p.setup = Setup{Folder: p.Folder, ContainerID: id, Keys: keys}
	p.started = true
	return p.setup, nil
}

// Ready reports whether the prod DB server container has been created
// and started.
func (p *ProdDb) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// ContainerID returns the running DB server's engine container id, or
// "" before Ensure has run.
func (p *ProdDb) ContainerID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setup.ContainerID
}

// Keys returns the DB server's signing key pair, valid once Ensure has
// run.
func (p *ProdDb) Keys() KeyPair {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setup.Keys
}

// Addr resolves the running DB server's dialable socket, for the proxy
// to forward DB hostname traffic to directly.
func (p *ProdDb) Addr(ctx context.Context) (string, error) {
	p.mu.Lock()
	started := p.started
	containerID := p.setup.ContainerID
	p.mu.Unlock()
	if !started {
		return "", fmt.Errorf("prod db for project %q is not running yet", p.ProjectID)
	}
	ip, err := p.rt.IPv4(ctx, containerID, p.Network)
	if err != nil {
		return "", fmt.Errorf("failed to resolve prod db address: %w", err)
	}
	return runtime.DialAddr(ip, 80), nil
}

// dbServerEnv is the sqld server configuration shared by ProdDb and
// BranchDb containers: listen on 80, and validate bearer tokens against
// this DB's own public key so distinct projects/branches never accept
// each other's tokens.
func dbServerEnv(keys KeyPair) map[string]string {
	return map[string]string{
		"SQLD_HTTP_LISTEN_ADDR": "0.0.0.0:80",
		"SQLD_AUTH_JWT_KEY":     base64.StdEncoding.EncodeToString(keys.Public),
	}
}

// Branch returns a handle to fork this project's prod DB for
// deploymentID.
func (p *ProdDb) Branch(deploymentID, folder, network string) *BranchDb {
	return &BranchDb{ProjectID: p.ProjectID, DeploymentID: deploymentID, ProdFolder: p.Folder, Folder: folder, Network: network, rt: p.rt}
}

// BranchDb is a copy-on-first-build fork of a project's ProdDb.
type BranchDb struct {
	ProjectID    string
	DeploymentID string
	ProdFolder   string
	Folder       string
	Network      string

	rt runtime.ContainerRuntime
}

// Setup performs the fork: idempotent, since if Folder already exists
// the copy step is skipped rather than overwriting whatever data the
// branch deployment has already accumulated.
func (b *BranchDb) Setup(ctx context.Context) (Setup, error) {
	alreadyForked := dirExists(b.Folder)
	if !alreadyForked {
		if err := CopyFolder(b.ProdFolder, b.Folder); err != nil {
			return Setup{}, fmt.Errorf("failed to fork branch db folder: %w", err)
		}
	}
	keys, err := loadOrGenerateKeys(filepath.Join(b.Folder, "..", "keys-"+b.DeploymentID))
	if err != nil {
		return Setup{}, err
	}
	id, err := b.rt.CreateContainer(ctx, runtime.ContainerSpec{
		Name:    BranchDbName(b.DeploymentID),
		Image:   DbServerImage,
		Network: b.Network,
		Mounts:  map[string]string{b.Folder: "/var/lib/sqld"},
		Env:     dbServerEnv(keys),
	})
	if err != nil {
		return Setup{}, fmt.Errorf("failed to create branch db container: %w", err)
	}
	if err := b.rt.StartContainer(ctx, id); err != nil {
		return Setup{}, fmt.Errorf("failed to start branch db container: %w", err)
	}
	return Setup{Folder: b.Folder, ContainerID: id, Keys: keys}, nil
}

func dirExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

func loadOrGenerateKeys(path string) (KeyPair, error) {
	privPath := path + ".priv"
	if b, err := os.ReadFile(privPath); err == nil {
		return keysFromSeed(b)
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	if err := os.MkdirAll(filepath.Dir(privPath), 0755); err != nil {
		return KeyPair{}, fmt.Errorf("failed to create key dir: %w", err)
	}
	if err := os.WriteFile(privPath, kp.Private.Seed(), 0600); err != nil {
		return KeyPair{}, fmt.Errorf("failed to persist db key: %w", err)
	}
	return kp, nil
}
