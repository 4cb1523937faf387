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

package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/go-github/v53/github"
	"golang.org/x/oauth2"
)

// GitHub adapts the GitHub REST API to SourceHost. repoID is
// "owner/repo" throughout.
type GitHub struct {
	client *github.Client
}

// NewGitHub builds a GitHub-backed SourceHost authenticated with token
// (the instance's configured providerToken).
func NewGitHub(ctx context.Context, token string) *GitHub {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GitHub{client: github.NewClient(oauth2.NewClient(ctx, ts))}
}

func splitRepoID(repoID string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(repoID, "/")
	if !ok {
		return "", "", fmt.Errorf("invalid repoId %q, expected owner/repo", repoID)
	}
	return owner, repo, nil
}

func (g *GitHub) DefaultBranchHead(ctx context.Context, repoID string) (string, Commit, error) {
	owner, repo, err := splitRepoID(repoID)
	if err != nil {
		return "", Commit{}, err
	}
	r, _, err := g.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", Commit{}, fmt.Errorf("failed to get repo %q: %w", repoID, err)
	}
	branch := r.GetDefaultBranch()
	b, _, err := g.client.Repositories.GetBranch(ctx, owner, repo, branch, 0)
	if err != nil {
		return "", Commit{}, fmt.Errorf("failed to get branch %q: %w", branch, err)
	}
	sha := b.GetCommit().GetSHA()
	ts := b.GetCommit().GetCommit().GetCommitter().GetDate()
	return branch, Commit{Sha: sha, Timestamp: ts.Time}, nil
}

func (g *GitHub) OpenPullRequests(ctx context.Context, repoID string) ([]PullRequest, error) {
	owner, repo, err := splitRepoID(repoID)
	if err != nil {
		return nil, err
	}
	prs, _, err := g.client.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{State: "open"})
	if err != nil {
		return nil, fmt.Errorf("failed to list PRs for %q: %w", repoID, err)
	}
	out := make([]PullRequest, 0, len(prs))
	for _, pr := range prs {
		out = append(out, PullRequest{
			Number: pr.GetNumber(),
			Branch: pr.GetHead().GetRef(),
			Head: Commit{
				Sha:       pr.GetHead().GetSHA(),
				Timestamp: pr.GetUpdatedAt().Time,
			},
			URL: pr.GetHTMLURL(),
		})
	}
	return out, nil
}

func (g *GitHub) Tarball(ctx context.Context, repoID, sha string, w io.Writer) error {
	owner, repo, err := splitRepoID(repoID)
	if err != nil {
		return err
	}
	url, _, err := g.client.Repositories.GetArchiveLink(ctx, owner, repo, github.Tarball, &github.RepositoryContentGetOptions{Ref: sha}, 3)
	if err != nil {
		return fmt.Errorf("failed to resolve tarball link: %w", err)
	}
	req, err := g.client.NewRequest("GET", url.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build tarball request: %w", err)
	}
	_, err = g.client.Do(ctx, req, w)
	if err != nil {
		return fmt.Errorf("failed to download tarball: %w", err)
	}
	return nil
}

func (g *GitHub) FileAtRef(ctx context.Context, repoID, ref, path string) ([]byte, error) {
	owner, repo, err := splitRepoID(repoID)
	if err != nil {
		return nil, err
	}
	fc, _, _, err := g.client.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, fmt.Errorf("failed to get %q at %q: %w", path, ref, err)
	}
	content, err := fc.GetContent()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %q: %w", path, err)
	}
	return []byte(content), nil
}

func (g *GitHub) SetStatus(ctx context.Context, repoID, sha string, state StatusState, description, targetURL string) error {
	owner, repo, err := splitRepoID(repoID)
	if err != nil {
		return err
	}
	ghState := string(state)
	_, _, err = g.client.Repositories.CreateStatus(ctx, owner, repo, sha, &github.RepoStatus{
		State:       &ghState,
		Description: &description,
		TargetURL:   &targetURL,
		Context:     github.String("prezel/build"),
	})
	if err != nil {
		return fmt.Errorf("failed to set status for %s: %w", sha, err)
	}
	return nil
}

// commentMarkerPrefix tags the single rollup comment prezel maintains
// per PR with a leading marker line, so it can be found and updated
// instead of duplicated on every status change.
const commentMarkerPrefix = "<!-- prezel-rollup:"

func (g *GitHub) UpsertPRComment(ctx context.Context, repoID string, prNumber int, marker, body string) error {
	owner, repo, err := splitRepoID(repoID)
	if err != nil {
		return err
	}
	full := commentMarkerPrefix + marker + " -->\n" + body
	comments, _, err := g.client.Issues.ListComments(ctx, owner, repo, prNumber, nil)
	if err != nil {
		return fmt.Errorf("failed to list PR comments: %w", err)
	}
	for _, c := range comments {
		if strings.HasPrefix(c.GetBody(), commentMarkerPrefix) {
			_, _, err := g.client.Issues.EditComment(ctx, owner, repo, c.GetID(), &github.IssueComment{Body: &full})
			if err != nil {
				return fmt.Errorf("failed to update rollup comment: %w", err)
			}
			return nil
		}
	}
	_, _, err = g.client.Issues.CreateComment(ctx, owner, repo, prNumber, &github.IssueComment{Body: &full})
	if err != nil {
		return fmt.Errorf("failed to create rollup comment: %w", err)
	}
	return nil
}

// RollupMarker returns the still-encoded marker of the PR's existing
// rollup comment, if any.
func (g *GitHub) RollupMarker(ctx context.Context, repoID string, prNumber int) (string, bool, error) {
	owner, repo, err := splitRepoID(repoID)
	if err != nil {
		return "", false, err
	}
	comments, _, err := g.client.Issues.ListComments(ctx, owner, repo, prNumber, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to list PR comments: %w", err)
	}
	for _, c := range comments {
		if marker, ok := ExtractMarker(c.GetBody()); ok {
			return marker, true, nil
		}
	}
	return "", false, nil
}

// ExtractMarker pulls the marker payload back out of a comment body so
// an update can decode it, merge in the current app's status, and
// re-encode.
func ExtractMarker(body string) (string, bool) {
	if !strings.HasPrefix(body, commentMarkerPrefix) {
		return "", false
	}
	rest := body[len(commentMarkerPrefix):]
	end := strings.Index(rest, " -->")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}
