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

// Package config loads and persists the instance's sole bootstrap
// configuration file, /config.json: a small JSON-tagged struct rather
// than a configuration framework.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Provider identifies the source-code host backing every project.
type Provider string

const (
	ProviderGitHub Provider = "github"
)

// Instance is the contents of /config.json.
type Instance struct {
	// Secret signs every JWT the instance issues (bearer tokens, session
	// cookies, PR-comment-rollup markers).
	Secret string `json:"secret"`
	// Hostname is the instance's base domain: projects, branch
	// deployments, their DB servers and the management API all resolve
	// as subdomains of this one root.
	Hostname string `json:"hostname"`
	Provider Provider `json:"provider"`
	// ProviderToken authenticates calls to the SourceHost on behalf of
	// the instance (reading repos, posting status checks/comments).
	ProviderToken string `json:"providerToken"`
}

const fileName = "config.json"

// Load reads /config.json from root, or bootstraps one with a fresh
// random secret on first run. A root directory that isn't writable is
// a fatal startup error, not something to recover from silently.
func Load(root string, hostname string, provider Provider, providerToken string) (*Instance, error) {
	path := filepath.Join(root, fileName)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		inst := &Instance{
			Secret:        newSecret(),
			Hostname:      hostname,
			Provider:      provider,
			ProviderToken: providerToken,
		}
		if err := inst.Save(root); err != nil {
			return nil, fmt.Errorf("failed to bootstrap config: %w", err)
		}
		return inst, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var inst Instance
	if err := json.Unmarshal(b, &inst); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &inst, nil
}

// Save persists the config to root/config.json.
func (i *Instance) Save(root string) error {
	b, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("failed to create root dir: %w", err)
	}
	return os.WriteFile(filepath.Join(root, fileName), b, 0600)
}

func newSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
