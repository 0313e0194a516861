package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/forgeharness/forge/internal/llmtransport"
	"github.com/forgeharness/forge/internal/workorder"
	"github.com/forgeharness/forge/internal/workspace"
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
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

// fakeCompleter returns its scripted responses in order, one per call.
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

func proposalJSON(t *testing.T, summary string, path, content string) string {
	t.Helper()
	p := struct {
		Summary string `json:"summary"`
		Writes  []struct {
			Path       string `json:"path"`
			BaseSHA256 string `json:"base_sha256"`
			Content    string `json:"content"`
		} `json:"writes"`
	}{Summary: summary}
	p.Writes = append(p.Writes, struct {
		Path       string `json:"path"`
		BaseSHA256 string `json:"base_sha256"`
		Content    string `json:"content"`
	}{Path: path, BaseSHA256: sha256Hex(nil), Content: content})
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestRunWorkOrderPassOnFirstAttempt(t *testing.T) {
	dir := initTestRepo(t)
	ws := workspace.New(dir, ".forge_env")
	ctx := context.Background()

	wo := workorder.WorkOrder{
		ID:                 "WO-01",
		Title:              "add greeting",
		AllowedFiles:       []string{"a.txt"},
		AcceptanceCommands: []string{"true"},
		Postconditions:     []workorder.Condition{{Kind: workorder.FileExists, Path: "a.txt"}},
		VerifyExempt:       true,
	}
	completer := &fakeCompleter{responses: []string{proposalJSON(t, "add a.txt", "a.txt", "hello\n")}}

	s, err := RunWorkOrder(ctx, Options{
		WorkOrder:          wo,
		RunID:              "run1",
		Workspace:          ws,
		Transport:          completer,
		SyntaxCheckCommand: "true",
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Verdict != VerdictPass {
		t.Fatalf("expected PASS, got %s (attempts=%+v)", s.Verdict, s.Attempts)
	}
	if len(s.Attempts) != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", len(s.Attempts))
	}
	content, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "hello\n" {
		t.Fatalf("got %q", content)
	}
	clean, err := ws.IsClean(ctx)
	if err != nil || !clean {
		t.Fatalf("expected clean tree after commit, clean=%v err=%v", clean, err)
	}
}

func TestRunWorkOrderScopeViolationExhaustsAttemptsAndRollsBack(t *testing.T) {
	dir := initTestRepo(t)
	ws := workspace.New(dir, ".forge_env")
	ctx := context.Background()
	baseline, err := ws.BaselineCommit(ctx)
	if err != nil {
		t.Fatal(err)
	}

	wo := workorder.WorkOrder{
		ID:                 "WO-02",
		Title:              "out of scope",
		AllowedFiles:       []string{"a.txt"},
		AcceptanceCommands: []string{"true"},
		VerifyExempt:       true,
	}
	// Every attempt proposes a write outside allowed_files.
	resp := proposalJSON(t, "sneaky", "b.txt", "oops\n")
	completer := &fakeCompleter{responses: []string{resp, resp}}

	s, err := RunWorkOrder(ctx, Options{
		WorkOrder:   wo,
		RunID:       "run2",
		Workspace:   ws,
		Transport:   completer,
		MaxAttempts: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Verdict != VerdictFail {
		t.Fatalf("expected FAIL, got %s", s.Verdict)
	}
	if len(s.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(s.Attempts))
	}
	for _, a := range s.Attempts {
		if a.FailureBrief == nil || a.FailureBrief.Stage != StageWriteScopeViolation {
			t.Fatalf("expected write_scope_violation brief, got %+v", a.FailureBrief)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "b.txt")); !os.IsNotExist(err) {
		t.Fatal("b.txt must not exist: scope-violating writes are never applied")
	}
	head, err := ws.BaselineCommit(ctx)
	if err != nil || head != baseline {
		t.Fatalf("expected HEAD unchanged at %s, got %s (err=%v)", baseline, head, err)
	}
}

func TestRunWorkOrderPreconditionGateSkipsSE(t *testing.T) {
	dir := initTestRepo(t)
	ws := workspace.New(dir, ".forge_env")
	ctx := context.Background()

	wo := workorder.WorkOrder{
		ID:            "WO-03",
		Title:         "depends on missing file",
		AllowedFiles:  []string{"a.txt"},
		Preconditions: []workorder.Condition{{Kind: workorder.FileExists, Path: "does-not-exist.txt"}},
	}
	completer := &fakeCompleter{} // no scripted responses: must never be called

	s, err := RunWorkOrder(ctx, Options{
		WorkOrder: wo,
		RunID:     "run3",
		Workspace: ws,
		Transport: completer,
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Verdict != VerdictFail {
		t.Fatalf("expected FAIL, got %s", s.Verdict)
	}
	if completer.calls != 0 {
		t.Fatalf("expected SE never invoked, got %d calls", completer.calls)
	}
	if len(s.Attempts) != 1 || s.Attempts[0].FailureBrief.Stage != StagePreflight {
		t.Fatalf("expected single preflight attempt, got %+v", s.Attempts)
	}
}

func TestRunWorkOrderStaleContextRejectsMismatchedHash(t *testing.T) {
	dir := initTestRepo(t)
	ws := workspace.New(dir, ".forge_env")
	ctx := context.Background()

	wo := workorder.WorkOrder{
		ID:                 "WO-04",
		Title:              "stale write",
		AllowedFiles:       []string{"README.md"},
		AcceptanceCommands: []string{"true"},
		VerifyExempt:       true,
	}
	// base_sha256 of "" (empty) won't match the existing README.md content.
	resp := proposalJSON(t, "stale", "README.md", "new\n")
	completer := &fakeCompleter{responses: []string{resp}}

	s, err := RunWorkOrder(ctx, Options{
		WorkOrder:   wo,
		RunID:       "run4",
		Workspace:   ws,
		Transport:   completer,
		MaxAttempts: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Verdict != VerdictFail {
		t.Fatalf("expected FAIL, got %s", s.Verdict)
	}
	if s.Attempts[0].FailureBrief.Stage != StageStaleContext {
		t.Fatalf("expected stale_context, got %+v", s.Attempts[0].FailureBrief)
	}
}
