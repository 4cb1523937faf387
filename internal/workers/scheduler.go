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

package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// PollInterval is the period of the full poll+reconcile timer task.
const PollInterval = 5 * time.Minute

// Scheduler fires a full poll + reconcile on a fixed timer, in addition
// to whatever event-driven triggers (API writes, webhook-less polling)
// already fire the same handles out of band.
type Scheduler struct {
	pollTrigger func()
	log         zerolog.Logger
}

func NewScheduler(pollTrigger func(), log zerolog.Logger) *Scheduler {
	return &Scheduler{pollTrigger: pollTrigger, log: log.With().Str("component", "scheduler").Logger()}
}

// Run blocks until ctx is cancelled, firing pollTrigger every
// PollInterval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.log.Debug().Msg("scheduled poll + reconcile")
			s.pollTrigger()
		}
	}
}
