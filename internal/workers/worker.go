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

// Package workers implements the five background loops: Poller, Build
// worker, GC worker, Files worker and Scheduler. The first four run
// behind a Handle: a bounded channel coalescing triggers, a single
// consumer goroutine, and a best-effort Trigger()/blocking
// TriggerAndWait(). The Scheduler is a plain ticker loop that fires the
// Poller's trigger.
package workers

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Handle is the trigger-coalescing shape every worker exposes. A
// worker's work() runs at most once per arrival batch: all triggers
// collected while a run is in flight are coalesced into the next run,
// and every waiter from that batch is notified together on completion.
type Handle struct {
	name string
	log  zerolog.Logger

	ch chan chan struct{} // one slot; each send carries the waiters collected so far

	mu      sync.Mutex
	waiting []chan struct{}
}

// NewHandle starts the consumer goroutine running work on every
// trigger, until ctx is cancelled.
func NewHandle(ctx context.Context, name string, log zerolog.Logger, work func(context.Context) error) *Handle {
	h := &Handle{name: name, log: log.With().Str("worker", name).Logger(), ch: make(chan chan struct{}, 1)}
	go h.run(ctx, work)
	return h
}

// Trigger is a best-effort signal: a try-send on a bounded channel.
// Drops are acceptable because the next trigger catches up.
func (h *Handle) Trigger() {
	h.trigger(nil)
}

// TriggerAndWait signals the worker and blocks until a run that started
// at-or-after this call completes.
func (h *Handle) TriggerAndWait(ctx context.Context) {
	done := make(chan struct{})
	h.trigger(done)
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (h *Handle) trigger(done chan struct{}) {
	h.mu.Lock()
	if done != nil {
		h.waiting = append(h.waiting, done)
	}
	h.mu.Unlock()

	select {
	case h.ch <- nil:
	default:
		// a run is already pending; it will pick up our waiter when it
		// drains h.waiting before starting.
	}
}

func (h *Handle) run(ctx context.Context, work func(context.Context) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ch:
		}

		h.mu.Lock()
		batch := h.waiting
		h.waiting = nil
		h.mu.Unlock()

		if err := work(ctx); err != nil {
			h.log.Error().Err(err).Msg("worker run failed")
		}

		for _, done := range batch {
			close(done)
		}
	}
}
