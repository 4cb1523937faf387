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

import "context"

// AccessKind is the result handed back to the proxy's only entry point.
type AccessKind int

const (
	AccessSocket AccessKind = iota
	AccessLoading
	AccessFail
)

// AccessResult is the proxy's handshake with a container or DB server.
type AccessResult struct {
	Kind   AccessKind
	Socket string
}

// ProxyTarget is anything the proxy can resolve a hostname to and
// forward a request against: a deployment container, or a project's
// (or branch deployment's) DB server exposed on its own `*-libsql`
// hostname. *Container satisfies this directly.
type ProxyTarget interface {
	Access(ctx context.Context) AccessResult
	IsPrivate() bool
	DeploymentID() string
}

// dbTarget adapts a DB server to ProxyTarget. DB hostnames never gate
// on the session cookie: the DB server itself validates the caller's
// bearer token against its own public key (dbfork.KeyPair), so the
// proxy just forwards.
type dbTarget struct {
	deploymentID string
	access       func(ctx context.Context) AccessResult
}

func (t dbTarget) Access(ctx context.Context) AccessResult { return t.access(ctx) }
func (t dbTarget) IsPrivate() bool                         { return false }
func (t dbTarget) DeploymentID() string                    { return t.deploymentID }

// containerTarget returns c as a ProxyTarget, or a literal nil
// interface when c is nil — never a nil *Container boxed into a
// non-nil interface value.
func containerTarget(c *Container) ProxyTarget {
	if c == nil {
		return nil
	}
	return c
}
