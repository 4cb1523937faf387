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

// Package idgen mints the opaque identifiers and public slugs used
// throughout the deployment engine: project/deployment ids are
// UUID-equivalent, deployment slugs are short nano-id style strings safe
// to embed in a hostname label.
package idgen

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// ProjectID returns a new opaque, stable project identifier.
func ProjectID() string {
	return uuid.NewString()
}

// DeploymentID returns a new opaque, stable deployment identifier.
func DeploymentID() string {
	return uuid.NewString()
}

const slugAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// SlugLength is the fixed length of a public deployment slug.
const SlugLength = 10

// Slug returns a fresh 10-char lowercase-alphanumeric slug for use in
// public hostnames, short enough to keep the "{project}--{slug}.{host}"
// label under DNS limits.
func Slug() string {
	b := make([]byte, SlugLength)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand failing means the system is unusable anyway
	}
	for i, v := range b {
		b[i] = slugAlphabet[int(v)%len(slugAlphabet)]
	}
	return string(b)
}
