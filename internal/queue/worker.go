package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forgeharness/forge/internal/artifacts"
	"github.com/forgeharness/forge/internal/factory"
	"github.com/forgeharness/forge/internal/runstore"
	"github.com/forgeharness/forge/internal/runtimeenv"
	"github.com/forgeharness/forge/internal/sanitize"
	"github.com/forgeharness/forge/internal/workorder"
	"github.com/forgeharness/forge/internal/workspace"
)

// DefaultMaxIterations is used when a run's params carry no max_iterations
// entry.
const DefaultMaxIterations = 5

// DefaultHarnessDir is the per-repo environment directory name a cloned
// workspace excludes from cleanliness/drift/rollback (§4.C).
const DefaultHarnessDir = ".forge_env"

// WorkerDeps are the collaborators RunJob needs: the run store it reads and
// updates, the LLM transport the factory's SE phase calls, the runtime
// manager PO provisions through, and the filesystem root under which
// per-run workspaces and artifacts are materialized. Generalizes
// original_source/src/aos/queue/worker.py's module-level WORKSPACE_ROOT and
// its imported db/events/git/artifacts collaborators.
type WorkerDeps struct {
	Store         *runstore.Store
	Transport     factory.Completer
	Runtime       *runtimeenv.Manager
	WorkspaceRoot string

	GitHubToken string

	AuthorName  string
	AuthorEmail string

	CommandTimeout time.Duration
}

func (d WorkerDeps) workspaceRoot() string {
	if d.WorkspaceRoot != "" {
		return d.WorkspaceRoot
	}
	return filepath.Join(os.TempDir(), "forge", "workspaces")
}

func (d WorkerDeps) authorName() string {
	if d.AuthorName != "" {
		return d.AuthorName
	}
	return "forge"
}

func (d WorkerDeps) authorEmail() string {
	if d.AuthorEmail != "" {
		return d.AuthorEmail
	}
	return "forge@localhost"
}

// RunJob executes the full lifecycle of one queued run: load, transition to
// RUNNING, clone, run the factory loop, record events and artifacts,
// optionally push a writeback branch, and transition to a terminal status.
// Mirrors worker.py's run_job/_execute_run structure, generalized from "run
// the full graph once" to "drive internal/factory.Run against one work
// order".
func RunJob(ctx context.Context, deps WorkerDeps, runID string) error {
	if err := executeRun(ctx, deps, runID); err != nil {
		markFailed(ctx, deps.Store, runID, err)
		return err
	}
	return nil
}

func executeRun(ctx context.Context, deps WorkerDeps, runID string) error {
	run, err := deps.Store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("queue: load run %s: %w", runID, err)
	}
	if run.Status == runstore.StatusCanceled {
		return nil
	}
	if run.Status != runstore.StatusPending {
		return fmt.Errorf("queue: run %s is not PENDING: %s", runID, run.Status)
	}

	status, err := deps.Store.TransitionToRunning(ctx, runID)
	if err != nil {
		return fmt.Errorf("queue: transition to running: %w", err)
	}
	if status == runstore.StatusCanceled {
		return nil
	}
	_ = deps.Store.AppendEvent(ctx, runID, "INFO", runstore.EventRunStart, nil,
		map[string]any{"repo_url": run.RepoURL, "ref": run.RepoRef})

	runRoot := filepath.Join(deps.workspaceRoot(), runID)
	repoDir := filepath.Join(runRoot, "repo")
	artifactRoot := runRoot

	cloneURL := run.RepoURL
	if deps.GitHubToken != "" {
		if injected, err := sanitize.WithAccessToken(cloneURL, deps.GitHubToken); err == nil {
			cloneURL = injected
		}
	}

	ws, gitSHA, err := workspace.Clone(ctx, cloneURL, repoDir, run.RepoRef, DefaultHarnessDir)
	if err != nil {
		_ = deps.Store.AppendEvent(ctx, runID, "ERROR", runstore.EventErrorException, nil,
			map[string]any{"phase": "clone", "error": sanitize.Redact(err.Error())})
		return fmt.Errorf("queue: clone %s: %w", sanitize.Redact(run.RepoURL), err)
	}
	_ = deps.Store.SetGitSHA(ctx, runID, gitSHA)

	if canceled, _ := deps.Store.IsCanceled(ctx, runID); canceled {
		_ = deps.Store.MarkFinishedAt(ctx, runID)
		_ = deps.Store.AppendEvent(ctx, runID, "INFO", runstore.EventRunCanceled, nil,
			map[string]any{"reason": "canceled before factory start"})
		return nil
	}

	result, artifactDir := runFactory(ctx, deps, runID, artifactRoot, ws, run)
	recordIterationEvents(ctx, deps.Store, runID, artifactDir, result)

	finalStatus := runstore.StatusFailed
	if result.Verdict == factory.VerdictPass {
		finalStatus = runstore.StatusSucceeded
	}

	var pushedBranch string
	if result.Verdict == factory.VerdictPass && writebackMode(run.Writeback) == "push_branch" {
		branch, err := doWriteback(ctx, deps, ws, runID, run)
		if err != nil {
			_ = deps.Store.AppendEvent(ctx, runID, "WARN", runstore.EventErrorException, nil,
				map[string]any{"phase": "writeback", "error": sanitize.Redact(err.Error())})
		} else {
			pushedBranch = branch
		}
	}

	summary := string(result.Verdict)
	if pushedBranch != "" {
		summary += ", pushed to " + pushedBranch
	}
	saveOrchestrationSummary(ctx, deps.Store, runID, artifactDir, result, gitSHA, pushedBranch, finalStatus)
	indexFactoryArtifacts(ctx, deps.Store, runID, artifactDir, result)

	_ = deps.Store.SetIteration(ctx, runID, len(result.Attempts))
	var errPayload map[string]any
	if result.Verdict == factory.VerdictError {
		errPayload = map[string]any{"message": result.Error}
	}
	if err := deps.Store.Finish(ctx, runID, finalStatus, summary, errPayload); err != nil {
		return fmt.Errorf("queue: finish run: %w", err)
	}
	return nil
}

func runFactory(ctx context.Context, deps WorkerDeps, runID, artifactRoot string, ws *workspace.Workspace, run runstore.Run) (factory.Result, string) {
	artifactDir := artifacts.FactoryRunDir(artifactRoot, runID)
	opts := factory.Options{
		WorkOrder:      run.WorkOrder,
		RunID:          runID,
		ArtifactsDir:   artifactDir,
		Workspace:      ws,
		Transport:      deps.Transport,
		Runtime:        deps.Runtime,
		VerifyContract: verifyContractFromParams(run.Params),
		MaxAttempts:    maxIterations(run.Params),
		CommandTimeout: deps.CommandTimeout,
	}
	return factory.Run(ctx, opts), artifactDir
}

// maxIterations reads params["max_iterations"], accepting either a JSON
// number (decoded as float64) or an int, per §4.J's run_job looking up
// run.params.get("max_iterations", 5).
func maxIterations(params map[string]any) int {
	v, ok := params["max_iterations"]
	if !ok {
		return DefaultMaxIterations
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return DefaultMaxIterations
	}
}

// verifyContractFromParams decodes an optional "verify_contract" entry out
// of a run's free-form params blob — the single-work-order run API has no
// dedicated column for it, so it rides along in params the same way
// max_iterations does.
func verifyContractFromParams(params map[string]any) *workorder.VerifyContract {
	raw, ok := params["verify_contract"]
	if !ok {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var vc workorder.VerifyContract
	if err := json.Unmarshal(b, &vc); err != nil {
		return nil
	}
	return &vc
}

func writebackMode(writeback map[string]any) string {
	if writeback == nil {
		return ""
	}
	mode, _ := writeback["mode"].(string)
	return mode
}

func doWriteback(ctx context.Context, deps WorkerDeps, ws *workspace.Workspace, runID string, run runstore.Run) (string, error) {
	branchName, _ := run.Writeback["branch_name"].(string)
	if branchName == "" {
		short := runID
		if len(short) > 8 {
			short = short[:8]
		}
		branchName = fmt.Sprintf("forge/run-%s", short)
	}
	if err := sanitize.ValidateBranch(branchName); err != nil {
		return "", err
	}
	title := run.WorkOrder.Title
	if title == "" {
		title = "forge run"
	}
	commitMessage := fmt.Sprintf("forge: %s (run %s)", title, runID)
	if err := ws.PushBranch(ctx, branchName, commitMessage, deps.authorName(), deps.authorEmail(), nil); err != nil {
		return "", err
	}
	return branchName, nil
}

// recordIterationEvents emits the per-attempt SE_OUTPUT/TR_APPLY/PO_RESULT
// events, generalizing worker.py's _record_iteration_events from "one
// iteration per graph.invoke()" to "one event triple per factory attempt".
func recordIterationEvents(ctx context.Context, store *runstore.Store, runID, artifactDir string, result factory.Result) {
	for _, a := range result.Attempts {
		iter := a.AttemptIndex
		if a.ProposalPath != "" {
			_ = store.AppendEvent(ctx, runID, "INFO", runstore.EventSEOutput, &iter, map[string]any{
				"summary":      a.ProposalSummary,
				"writes_count": a.ProposalWriteCount,
			})
		}
		if a.ProposalPath != "" {
			_ = store.AppendEvent(ctx, runID, "INFO", runstore.EventTRApply, &iter, map[string]any{
				"touched_files_count": len(a.TouchedFiles),
				"write_ok":            a.WriteOK,
			})
		}
		if a.WriteOK {
			decision := "FAIL"
			if a.FailureBrief == nil {
				decision = "PASS"
			}
			_ = store.AppendEvent(ctx, runID, "INFO", runstore.EventPOResult, &iter, map[string]any{
				"decision":         decision,
				"verify_count":     len(a.VerifyResults),
				"acceptance_count": len(a.AcceptanceResults),
			})
		}
	}
}

// saveOrchestrationSummary writes and indexes the orchestration-level
// summary (status, decision, git sha, pushed branch), distinct from
// internal/factory's own run_summary.json (attempts detail). Generalizes
// worker.py's save_run_summary.
func saveOrchestrationSummary(ctx context.Context, store *runstore.Store, runID, artifactDir string, result factory.Result, gitSHA, pushedBranch string, finalStatus runstore.Status) {
	summary := map[string]any{
		"run_id":        runID,
		"status":        finalStatus,
		"decision":      result.Verdict,
		"iterations":    len(result.Attempts),
		"git_sha":       gitSHA,
		"pushed_branch": pushedBranch,
	}
	path := filepath.Join(artifactDir, "orchestration_summary.json")
	if err := artifacts.WriteJSON(path, summary); err != nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	recordArtifactFile(ctx, store, runID, "orchestration_summary.json", path, "application/json", data)
}

// indexFactoryArtifacts catalogs the per-attempt artifacts
// internal/factory already wrote to disk (se_packet.json, tool_report.json,
// po_report.json, run_summary.json) into the run store's artifact index.
func indexFactoryArtifacts(ctx context.Context, store *runstore.Store, runID, artifactDir string, result factory.Result) {
	if data, err := os.ReadFile(filepath.Join(artifactDir, "run_summary.json")); err == nil {
		recordArtifactFile(ctx, store, runID, "run_summary.json", filepath.Join(artifactDir, "run_summary.json"), "application/json", data)
	}
	for _, a := range result.Attempts {
		attemptDir := filepath.Join(artifactDir, fmt.Sprintf("attempt_%d", a.AttemptIndex))
		for _, name := range []string{"se_packet.json", "tool_report.json", "po_report.json"} {
			p := filepath.Join(attemptDir, name)
			data, err := os.ReadFile(p)
			if err != nil {
				continue
			}
			recordArtifactFile(ctx, store, runID, fmt.Sprintf("attempt_%d/%s", a.AttemptIndex, name), p, "application/json", data)
		}
	}
}

func recordArtifactFile(ctx context.Context, store *runstore.Store, runID, name, path, contentType string, data []byte) {
	_, _ = store.RecordArtifact(ctx, runstore.Artifact{
		RunID:       runID,
		Name:        name,
		Path:        path,
		ContentType: contentType,
		Bytes:       int64(len(data)),
		SHA256:      artifacts.SHA256Hex(data),
	})
}

func markFailed(ctx context.Context, store *runstore.Store, runID string, cause error) {
	_ = store.Finish(ctx, runID, runstore.StatusFailed, "", map[string]any{
		"type":    "exception",
		"message": sanitize.Redact(cause.Error()),
	})
}
