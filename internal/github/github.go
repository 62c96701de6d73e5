// Package github opens pull requests for approved patches using the gh
// CLI and a local checkout.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/lucasnoah/fixfactory/internal/pipeline"
)

// CmdRunner provides gh command execution. Interface for testing.
type CmdRunner interface {
	Run(args ...string) (string, error)
}

// GitRunner provides git command execution. Interface for testing.
type GitRunner interface {
	RunGit(dir string, args ...string) (string, error)
}

// ExecRunner runs gh and git commands via exec.
type ExecRunner struct{}

func (r *ExecRunner) Run(args ...string) (string, error) {
	cmd := exec.Command("gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// RunGit implements GitRunner using exec.Command.
func (r *ExecRunner) RunGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client turns approved patches into pull requests: branch, apply,
// commit, push, gh pr create.
type Client struct {
	cmd     CmdRunner
	git     GitRunner
	workdir string
}

// NewClient creates a Client over a local checkout. If cmd also
// implements GitRunner it is used for git operations.
func NewClient(cmd CmdRunner, workdir string) *Client {
	c := &Client{cmd: cmd, workdir: workdir}
	if git, ok := cmd.(GitRunner); ok {
		c.git = git
	}
	return c
}

// NewClientWithGit creates a Client with a separate git runner.
func NewClientWithGit(cmd CmdRunner, git GitRunner, workdir string) *Client {
	return &Client{cmd: cmd, git: git, workdir: workdir}
}

// CreatePR publishes the patch as a pull request. When a PR for the
// head branch already exists it resolves to the existing URL instead of
// failing, so a replayed attempt converges on one PR.
func (c *Client) CreatePR(ctx context.Context, req pipeline.PRRequest) (*pipeline.PRResult, error) {
	if c.git == nil {
		return nil, fmt.Errorf("git runner not configured")
	}
	if strings.HasPrefix(req.HeadBranch, "-") {
		return nil, fmt.Errorf("invalid branch name %q: must not start with -", req.HeadBranch)
	}

	if existing, err := c.FindPRByBranch(req.Repo, req.HeadBranch); err == nil && existing != "" {
		return &pipeline.PRResult{Status: "created", URL: existing, Message: "pull request already exists"}, nil
	}

	if _, err := c.git.RunGit(c.workdir, "fetch", "origin", req.BaseBranch); err != nil {
		return nil, fmt.Errorf("fetch base: %w", err)
	}
	if _, err := c.git.RunGit(c.workdir, "checkout", "-B", req.HeadBranch, "origin/"+req.BaseBranch); err != nil {
		return nil, fmt.Errorf("create branch: %w", err)
	}
	if err := c.applyDiff(req.DiffText); err != nil {
		return nil, err
	}
	if _, err := c.git.RunGit(c.workdir, "add", "-A"); err != nil {
		return nil, fmt.Errorf("stage changes: %w", err)
	}
	if _, err := c.git.RunGit(c.workdir, "commit", "-m", req.Title); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	if _, err := c.git.RunGit(c.workdir, "push", "-u", "origin", req.HeadBranch); err != nil {
		return nil, fmt.Errorf("push branch: %w", err)
	}

	args := []string{"pr", "create",
		"--repo", req.Repo,
		"--title", req.Title,
		"--body", req.Body,
		"--head", req.HeadBranch,
	}
	if req.BaseBranch != "" {
		args = append(args, "--base", req.BaseBranch)
	}
	if req.Label != "" {
		args = append(args, "--label", req.Label)
	}
	out, err := c.cmd.Run(args...)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			if url, ferr := c.FindPRByBranch(req.Repo, req.HeadBranch); ferr == nil && url != "" {
				return &pipeline.PRResult{Status: "created", URL: url, Message: "pull request already exists"}, nil
			}
		}
		return nil, fmt.Errorf("create PR: %w", err)
	}

	return &pipeline.PRResult{Status: "created", URL: out, CreatedAt: time.Now().UTC()}, nil
}

// FindPRByBranch returns the URL of an open PR for the branch, or ""
// when none exists.
func (c *Client) FindPRByBranch(repo, branch string) (string, error) {
	out, err := c.cmd.Run("pr", "list", "--repo", repo, "--head", branch, "--json", "url", "--limit", "1")
	if err != nil {
		return "", fmt.Errorf("find PR by branch: %w", err)
	}

	var prs []struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return "", fmt.Errorf("parse PR list JSON: %w", err)
	}
	if len(prs) == 0 {
		return "", nil
	}
	return prs[0].URL, nil
}

// applyDiff writes the diff to a temp file and applies it with git.
func (c *Client) applyDiff(diff string) error {
	tmp, err := os.CreateTemp("", "fixfactory-*.diff")
	if err != nil {
		return fmt.Errorf("write diff: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(diff); err != nil {
		tmp.Close()
		return fmt.Errorf("write diff: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write diff: %w", err)
	}
	if _, err := c.git.RunGit(c.workdir, "apply", "--whitespace=nowarn", tmp.Name()); err != nil {
		return fmt.Errorf("apply diff: %w", err)
	}
	return nil
}
