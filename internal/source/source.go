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

// Package source defines the SourceHost collaborator: repo metadata,
// tarball download, file-at-ref retrieval, PR comments and status
// checks. internal/source/github.go is the one concrete adapter, over
// github.com/google/go-github/v53.
package source

import (
	"context"
	"io"
	"time"
)

// Commit is a single commit on a branch or PR head.
type Commit struct {
	Sha       string
	Timestamp time.Time
}

// PullRequest is an open PR tracked for status checks / comment rollups.
type PullRequest struct {
	Number int
	Branch string
	Head   Commit
	URL    string
}

// StatusState mirrors a commit status check's state.
type StatusState string

const (
	StatusPending StatusState = "pending"
	StatusSuccess StatusState = "success"
	StatusFailure StatusState = "failure"
)

// SourceHost is the external collaborator this package only consumes.
type SourceHost interface {
	// DefaultBranchHead returns the HEAD commit of repoID's default
	// branch.
	DefaultBranchHead(ctx context.Context, repoID string) (branch string, head Commit, err error)
	// OpenPullRequests lists every open PR for repoID.
	OpenPullRequests(ctx context.Context, repoID string) ([]PullRequest, error)
	// Tarball streams the source tree at sha to w.
	Tarball(ctx context.Context, repoID, sha string, w io.Writer) error
	// FileAtRef retrieves a single file's contents at ref (used to read
	// prezel.json without a full tarball fetch where possible).
	FileAtRef(ctx context.Context, repoID, ref, path string) ([]byte, error)
	// SetStatus upserts a commit status check for sha.
	SetStatus(ctx context.Context, repoID, sha string, state StatusState, description, targetURL string) error
	// UpsertPRComment creates or updates (by marker) the single rollup
	// comment on a PR.
	UpsertPRComment(ctx context.Context, repoID string, prNumber int, marker, body string) error
	// RollupMarker returns the still-encoded marker payload of the
	// existing rollup comment on a PR, if one exists, so the caller can
	// decode it and merge in the current app's status before re-encoding.
	RollupMarker(ctx context.Context, repoID string, prNumber int) (marker string, found bool, err error)
}
