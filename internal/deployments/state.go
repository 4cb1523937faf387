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

// Package deployments implements the core of the engine: the in-memory
// DeploymentMap and the per-deployment Container state machine that
// governs lazy builds and lazy starts.
package deployments

import (
	"time"

	"github.com/ricopinazo/prezel/internal/dbfork"
)

// Kind is one of the named container states.
type Kind int

const (
	KindBuilt Kind = iota
	KindQueued
	KindBuilding
	KindStandBy
	KindStarting
	KindReady
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindBuilt:
		return "Built"
	case KindQueued:
		return "Queued"
	case KindBuilding:
		return "Building"
	case KindStandBy:
		return "StandBy"
	case KindStarting:
		return "Starting"
	case KindReady:
		return "Ready"
	case KindFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// State is the tagged union of a container's possible states. Only the
// fields relevant to Kind are meaningful at any given time.
type State struct {
	Kind Kind

	// Queued
	TriggerAccess time.Time // zero means ⊥ (untriggered)

	// Building / StandBy / Starting / Ready
	DbSetup *dbfork.Setup

	// StandBy / Starting / Ready
	Image string

	// Ready
	ContainerID string
	Socket      string
	LastAccess  time.Time
}

func builtState() State           { return State{Kind: KindBuilt} }
func failedState() State          { return State{Kind: KindFailed} }
func queuedState(trigger time.Time) State {
	return State{Kind: KindQueued, TriggerAccess: trigger}
}

// hasTrigger reports whether a Queued state carries a non-⊥
// triggerAccess, which the build worker prioritizes ahead of
// background/reconcile-triggered builds.
func (s State) hasTrigger() bool {
	return s.Kind == KindQueued && !s.TriggerAccess.IsZero()
}
