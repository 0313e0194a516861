package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Clone clones repoURL into dir (which must not yet exist) and checks out
// ref, returning the resulting HEAD SHA and a Workspace rooted at dir.
// Generalizes original_source's clone_repo.
func Clone(ctx context.Context, repoURL, dir, ref, harnessDir string) (*Workspace, string, error) {
	if _, err := os.Stat(dir); err == nil {
		return nil, "", fmt.Errorf("workspace: clone target already exists: %s", dir)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, "", fmt.Errorf("workspace: create clone parent dir: %w", err)
	}
	if _, _, err := runIn(ctx, "", "clone", repoURL, dir); err != nil {
		return nil, "", err
	}
	w := New(dir, harnessDir)
	if _, _, err := w.run(ctx, "checkout", ref); err != nil {
		return nil, "", err
	}
	sha, err := w.BaselineCommit(ctx)
	if err != nil {
		return nil, "", err
	}
	return w, sha, nil
}

// runIn runs a bare git invocation with no -C directory (used only for the
// initial clone, before a Workspace with a Dir exists).
func runIn(ctx context.Context, dir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), "", &CommandError{Args: args, Stdout: string(out), Err: err}
	}
	return string(out), "", nil
}

// CheckoutBranch checks out branchName, creating it off the current HEAD
// when create is true and it does not exist yet (an existing branch is just
// checked out). Used by the `forge run` CLI's --create-branch /
// --reuse-branch flags, ahead of handing the workspace to the factory.
func (w *Workspace) CheckoutBranch(ctx context.Context, branchName string, create bool) error {
	if create {
		if _, _, err := w.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branchName); err == nil {
			_, _, err := w.run(ctx, "checkout", branchName)
			return err
		}
		_, _, err := w.run(ctx, "checkout", "-b", branchName)
		return err
	}
	_, _, err := w.run(ctx, "checkout", branchName)
	return err
}

// PushBranch stages touchedFiles (or every change, via `git add -A`, when
// touchedFiles is empty) on branchName — creating it if it doesn't already
// exist locally — commits if anything is staged, and force-with-lease
// pushes the branch to origin. Generalizes
// original_source's push_branch, including its "checkout existing vs create"
// and "commit only if something is staged" behavior.
func (w *Workspace) PushBranch(ctx context.Context, branchName, commitMessage, authorName, authorEmail string, touchedFiles []string) error {
	current, _, err := w.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return err
	}
	if strings.TrimSpace(current) != branchName {
		if _, _, err := w.run(ctx, "show-ref", "--verify", "refs/heads/"+branchName); err == nil {
			if _, _, err := w.run(ctx, "checkout", branchName); err != nil {
				return err
			}
		} else {
			if _, _, err := w.run(ctx, "checkout", "-b", branchName); err != nil {
				return err
			}
		}
	}

	if len(touchedFiles) > 0 {
		addArgs := append([]string{"add", "--"}, touchedFiles...)
		if _, _, err := w.run(ctx, addArgs...); err != nil {
			return err
		}
	} else {
		if _, _, err := w.run(ctx, "add", "-A"); err != nil {
			return err
		}
	}

	diffOut, _, err := w.run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return err
	}
	if strings.TrimSpace(diffOut) != "" {
		if _, _, err := w.run(ctx,
			"-c", "user.name="+authorName, "-c", "user.email="+authorEmail,
			"commit", "-m", commitMessage,
		); err != nil {
			return err
		}
	}

	if _, _, err := w.run(ctx, "push", "-u", "origin", branchName, "--force-with-lease"); err != nil {
		return err
	}
	return nil
}
