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

// Package livelog fans a deployment's build output out to any number
// of live subscribers (e.g. the API's websocket log stream): a pure
// broadcast, with no input side.
package livelog

import "sync"

// Line is one build log line as streamed to subscribers.
type Line struct {
	DeploymentID string
	Content      string
	IsError      bool
}

// Broadcaster implements deployments.BuildLogSink, fanning every line
// out to all currently-subscribed channels for that deployment. Slow or
// absent subscribers never block a build: sends are non-blocking.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan Line]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan Line]struct{})}
}

// OnBuildLog satisfies deployments.BuildLogSink.
func (b *Broadcaster) OnBuildLog(deploymentID, line string, isError bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[deploymentID] {
		select {
		case ch <- Line{DeploymentID: deploymentID, Content: line, IsError: isError}:
		default:
		}
	}
}

// Subscribe registers a channel to receive every subsequent line for
// deploymentID. Call Unsubscribe when done to release it.
func (b *Broadcaster) Subscribe(deploymentID string) chan Line {
	ch := make(chan Line, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[deploymentID] == nil {
		b.subs[deploymentID] = make(map[chan Line]struct{})
	}
	b.subs[deploymentID][ch] = struct{}{}
	return ch
}

func (b *Broadcaster) Unsubscribe(deploymentID string, ch chan Line) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[deploymentID], ch)
	close(ch)
}
