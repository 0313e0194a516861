package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/forgeharness/forge/internal/llmtransport"
	"github.com/forgeharness/forge/internal/runstore"
	"github.com/forgeharness/forge/internal/workorder"
)

func runGit(t *testing.T, dir string, args ...string) string {
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
	return string(out)
}

// newOriginRepo creates a bare repo plus a working clone used to seed it,
// returning the bare repo's path (usable directly as a local "repo_url").
func newOriginRepo(t *testing.T) string {
	t.Helper()
	bare := filepath.Join(t.TempDir(), "origin.git")
	if err := os.MkdirAll(bare, 0o755); err != nil {
		t.Fatal(err)
	}
	runGit(t, bare, "init", "--bare", "-b", "main")

	seed := t.TempDir()
	runGit(t, seed, "init", "-b", "main")
	runGit(t, seed, "config", "user.name", "test")
	runGit(t, seed, "config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(seed, "README.md"), []byte("seed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, seed, "add", "-A")
	runGit(t, seed, "commit", "-m", "initial")
	runGit(t, seed, "remote", "add", "origin", bare)
	runGit(t, seed, "push", "origin", "main")
	return bare
}

type fakeCompleter struct {
	responses []string
	calls     int
}

func (f *fakeCompleter) Complete(ctx context.Context, req llmtransport.Request) (llmtransport.Response, error) {
	if f.calls >= len(f.responses) {
		return llmtransport.Response{}, fmt.Errorf("fakeCompleter: no more scripted responses")
	}
	resp := f.responses[f.calls]
	f.calls++
	return llmtransport.Response{OutputText: resp, Status: "completed"}, nil
}

func proposalJSON(t *testing.T, path, content string) string {
	t.Helper()
	p := struct {
		Summary string `json:"summary"`
		Writes  []struct {
			Path       string `json:"path"`
			BaseSHA256 string `json:"base_sha256"`
			Content    string `json:"content"`
		} `json:"writes"`
	}{Summary: "add " + path}
	p.Writes = append(p.Writes, struct {
		Path       string `json:"path"`
		BaseSHA256 string `json:"base_sha256"`
		Content    string `json:"content"`
	}{Path: path, BaseSHA256: sha256OfEmpty, Content: content})
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

// sha256OfEmpty is the base_sha256 expected for a new file (empty prior
// content).
const sha256OfEmpty = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func TestRunJobPassesAndSucceeds(t *testing.T) {
	origin := newOriginRepo(t)
	store, err := runstore.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	wo := workorder.WorkOrder{
		ID:                 "WO-01",
		Title:              "add greeting",
		AllowedFiles:       []string{"a.txt"},
		AcceptanceCommands: []string{"true"},
		Postconditions:     []workorder.Condition{{Kind: workorder.FileExists, Path: "a.txt"}},
		VerifyExempt:       true,
	}
	run, err := store.CreateRun(ctx, runstore.Run{
		RepoURL:   origin,
		RepoRef:   "main",
		WorkOrder: wo,
		Params:    map[string]any{"max_iterations": 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	completer := &fakeCompleter{responses: []string{proposalJSON(t, "a.txt", "hello\n")}}
	deps := WorkerDeps{
		Store:         store,
		Transport:     completer,
		WorkspaceRoot: filepath.Join(t.TempDir(), "workspaces"),
	}

	if err := RunJob(ctx, deps, run.ID); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != runstore.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (error=%v)", got.Status, got.Error)
	}
	if got.GitSHA == "" {
		t.Fatal("expected git_sha to be recorded")
	}

	events, err := store.ListEvents(ctx, run.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	var sawPOResult bool
	for _, e := range events {
		if e.Kind == runstore.EventPOResult {
			sawPOResult = true
		}
	}
	if !sawPOResult {
		t.Fatalf("expected a PO_RESULT event, got %+v", events)
	}
}

func TestRunJobExitsCleanlyWhenCanceledBeforeStart(t *testing.T) {
	origin := newOriginRepo(t)
	store, err := runstore.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	run, err := store.CreateRun(ctx, runstore.Run{RepoURL: origin, RepoRef: "main"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Cancel(ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	deps := WorkerDeps{
		Store:         store,
		Transport:     &fakeCompleter{},
		WorkspaceRoot: filepath.Join(t.TempDir(), "workspaces"),
	}
	if err := RunJob(ctx, deps, run.ID); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != runstore.StatusCanceled {
		t.Fatalf("expected status to remain CANCELED, got %s", got.Status)
	}
}
