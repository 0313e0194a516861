package main

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/forgeharness/forge/internal/workorder"
)

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v failed: %v\n%s", args, err, out)
		}
	}
	run("git", "init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("git", "add", "-A")
	run("git", "commit", "-m", "init")
	return dir
}

func writeWorkOrderFile(t *testing.T, wo workorder.WorkOrder) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), wo.ID+".json")
	b, err := json.Marshal(wo)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadWorkOrderRoundTrips(t *testing.T) {
	want := workorder.WorkOrder{ID: "WO-01", Title: "add a file", AllowedFiles: []string{"a.txt"}}
	path := writeWorkOrderFile(t, want)
	got, err := loadWorkOrder(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != want.ID || got.Title != want.Title {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestLoadWorkOrderRejectsMissingFile(t *testing.T) {
	if _, err := loadWorkOrder(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error for a missing work order file")
	}
}

func TestRunOneWorkOrderRejectsNonGitRepo(t *testing.T) {
	t.Setenv("FORGE_LLM_API_KEY", "test-key")
	repo := t.TempDir() // not a git repo
	path := writeWorkOrderFile(t, workorder.WorkOrder{ID: "WO-01", AllowedFiles: []string{"a.txt"}})

	f := runFlags{repoDir: repo, workOrderPath: path}
	if _, err := runOneWorkOrder(context.Background(), newRunCmd(), f); err == nil {
		t.Fatal("expected an error for a non-git --repo")
	}
}

func TestRunOneWorkOrderRequiresLLMAPIKey(t *testing.T) {
	t.Setenv("FORGE_LLM_API_KEY", "")
	repo := initGitRepo(t)
	path := writeWorkOrderFile(t, workorder.WorkOrder{ID: "WO-01", AllowedFiles: []string{"a.txt"}})

	f := runFlags{repoDir: repo, workOrderPath: path}
	if _, err := runOneWorkOrder(context.Background(), newRunCmd(), f); err == nil {
		t.Fatal("expected an error when FORGE_LLM_API_KEY is unset")
	}
}

func TestSignalCancelContextCancelsOnCleanup(t *testing.T) {
	ctx, cleanup := signalCancelContext()
	select {
	case <-ctx.Done():
		t.Fatal("context should not be canceled before cleanup")
	default:
	}
	cleanup()
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected context to be canceled after cleanup")
	}
}
