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
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestHandleCoalescesBurstsIntoOneRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs int32
	release := make(chan struct{})
	h := NewHandle(ctx, "test", zerolog.Nop(), func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		<-release
		return nil
	})

	// first trigger starts a run that blocks on release; the next
	// several should coalesce into at most one more run.
	h.Trigger()
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 5; i++ {
		h.Trigger()
	}
	close(release)
	time.Sleep(50 * time.Millisecond)

	require.LessOrEqual(t, int(atomic.LoadInt32(&runs)), 2)
}

func TestTriggerAndWaitBlocksUntilRunCompletes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var done int32
	h := NewHandle(ctx, "test", zerolog.Nop(), func(context.Context) error {
		time.Sleep(10 * time.Millisecond)
		atomic.StoreInt32(&done, 1)
		return nil
	})

	h.TriggerAndWait(context.Background())
	require.Equal(t, int32(1), atomic.LoadInt32(&done))
}
