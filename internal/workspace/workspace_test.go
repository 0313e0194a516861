package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestIsCleanIgnoresHarnessDir(t *testing.T) {
	dir := initTestRepo(t)
	ws := New(dir, ".forge_env")
	ctx := context.Background()

	clean, err := ws.IsClean(ctx)
	if err != nil || !clean {
		t.Fatalf("expected clean repo, got clean=%v err=%v", clean, err)
	}

	if err := os.MkdirAll(filepath.Join(dir, ".forge_env"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".forge_env", "sentinel"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	clean, err = ws.IsClean(ctx)
	if err != nil || !clean {
		t.Fatalf("expected harness dir to be ignored, got clean=%v err=%v", clean, err)
	}

	// A top-level file sharing the harness dir's name as a *prefix* (not a
	// full path segment) must NOT be ignored.
	if err := os.WriteFile(filepath.Join(dir, ".forge_env_extra"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	clean, err = ws.IsClean(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if clean {
		t.Fatal("expected prefix-sharing top-level file to make the repo dirty")
	}
}

func TestRollbackRestoresBaselineAndIsIdempotent(t *testing.T) {
	dir := initTestRepo(t)
	ws := New(dir, ".forge_env")
	ctx := context.Background()

	baseline, err := ws.BaselineCommit(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("modified\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "untracked.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := ws.Rollback(ctx, baseline)
	if res.Failed {
		t.Fatalf("rollback failed: %s", res.Remediation)
	}
	clean, err := ws.IsClean(ctx)
	if err != nil || !clean {
		t.Fatalf("expected clean after rollback, got clean=%v err=%v", clean, err)
	}
	content, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "hello\n" {
		t.Fatalf("expected hello.txt restored, got %q", content)
	}

	// Idempotent: rolling back again has the same effect.
	res2 := ws.Rollback(ctx, baseline)
	if res2.Failed {
		t.Fatalf("second rollback failed: %s", res2.Remediation)
	}
}

func TestDriftExcludesTouchedAndHarnessDir(t *testing.T) {
	dir := initTestRepo(t)
	ws := New(dir, ".forge_env")
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("touched\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "side_effect.txt"), []byte("oops"), 0o644); err != nil {
		t.Fatal(err)
	}

	drift, err := ws.Drift(ctx, []string{"hello.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if len(drift) != 1 || drift[0] != "side_effect.txt" {
		t.Fatalf("expected drift=[side_effect.txt], got %v", drift)
	}
}
