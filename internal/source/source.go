// Package source materializes the repository tree for a pipeline run and
// derives the image tag from the triggering commit.
package source

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

// TagLength is the number of leading commit characters used as the image
// tag. The same commit always yields the same tag.
const TagLength = 12

var commitPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// IsCommitSHA reports whether s looks like a full git commit identifier.
func IsCommitSHA(s string) bool {
	return commitPattern.MatchString(strings.ToLower(s))
}

// ShortSHA derives the deterministic image tag for a commit.
func ShortSHA(commit string) string {
	if len(commit) <= TagLength {
		return strings.ToLower(commit)
	}
	return strings.ToLower(commit[:TagLength])
}

// Fetcher clones repositories into run workspaces.
type Fetcher struct {
	repoURL string
}

// NewFetcher returns a Fetcher for the given repository URL.
func NewFetcher(repoURL string) (*Fetcher, error) {
	if strings.TrimSpace(repoURL) == "" {
		return nil, fmt.Errorf("repository URL cannot be empty")
	}
	return &Fetcher{repoURL: repoURL}, nil
}

// Fetch materializes the tree at the given commit inside dest. An empty
// commit means the current branch head; the resolved commit is returned
// either way.
func (f *Fetcher) Fetch(ctx context.Context, commit, dest string) (string, error) {
	if dest == "" {
		return "", fmt.Errorf("destination cannot be empty")
	}
	if err := runGit(ctx, dest, "clone", f.repoURL, "."); err != nil {
		return "", fmt.Errorf("git clone failed: %w", err)
	}
	if commit != "" {
		if !IsCommitSHA(commit) {
			return "", fmt.Errorf("invalid commit %q", commit)
		}
		if err := runGit(ctx, dest, "checkout", "--detach", commit); err != nil {
			return "", fmt.Errorf("git checkout %s failed: %w", ShortSHA(commit), err)
		}
	}
	return HeadCommit(ctx, dest)
}

// HeadCommit resolves the commit currently checked out in dir.
func HeadCommit(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w: %s", err, string(output))
	}
	head := strings.TrimSpace(string(output))
	if !IsCommitSHA(head) {
		return "", fmt.Errorf("unexpected rev-parse output %q", head)
	}
	return head, nil
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
