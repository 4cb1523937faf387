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

	"github.com/ricopinazo/prezel/internal/dbfork"
)

// BuildEvent is the kind of build-state change status hooks fan out to
// the source host.
type BuildEvent string

const (
	BuildStarted  BuildEvent = "started"
	BuildFinished BuildEvent = "finished"
	BuildFailed   BuildEvent = "failed"
)

// StatusHook is notified of every build state change. Implemented by
// internal/hooks; failures there must never block the build state
// transition, so the interface itself reports nothing back to the
// caller.
type StatusHook interface {
	OnBuildEvent(ctx context.Context, projectID, deploymentID string, event BuildEvent)
}

// NopStatusHook is used where no PR/status fan-out is configured (e.g.
// tests).
type NopStatusHook struct{}

func (NopStatusHook) OnBuildEvent(context.Context, string, string, BuildEvent) {}

// BuildLogSink receives build output lines as they are produced.
type BuildLogSink interface {
	OnBuildLog(deploymentID, line string, isError bool)
}

// DbSetupper provisions (or no-ops) the DB a deployment needs, as the
// first step of its build once it has entered Building. Default-branch
// deployments use ProdDbSetupper (ensuring the project's shared ProdDb
// is running); branch deployments fork the prod DB.
type DbSetupper interface {
	Setup(ctx context.Context) (*dbfork.Setup, error)
}

// NoDbSetup is a no-op strategy that provisions no DB at all.
type NoDbSetup struct{}

func (NoDbSetup) Setup(context.Context) (*dbfork.Setup, error) { return nil, nil }

// ProdDbSetupper ensures a project's always-on DB server is running
// before its prod Container starts building.
type ProdDbSetupper struct{ Db *dbfork.ProdDb }

func (p ProdDbSetupper) Setup(ctx context.Context) (*dbfork.Setup, error) {
	s, err := p.Db.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// BranchDbSetupper forks a project's prod DB for one branch deployment.
type BranchDbSetupper struct{ Db *dbfork.BranchDb }

func (b BranchDbSetupper) Setup(ctx context.Context) (*dbfork.Setup, error) {
	s, err := b.Db.Setup(ctx)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
