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

// Package logctx threads a single process-wide zerolog.Logger through
// context.Context, plain struct fields passed explicitly rather than a
// dependency-injection framework.
package logctx

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// WithLogger returns a context carrying l, retrievable with From.
func WithLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From returns the logger embedded in ctx, or a no-op logger if none
// was attached (e.g. in tests that never call WithLogger).
func From(ctx context.Context) *zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return &l
	}
	nop := zerolog.Nop()
	return &nop
}

// Component returns a child logger tagged with the given component name,
// the grouping every worker and request-path log line carries.
func Component(ctx context.Context, name string) zerolog.Logger {
	return From(ctx).With().Str("component", name).Logger()
}
