package factory

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/forgeharness/forge/internal/artifacts"
	"github.com/forgeharness/forge/internal/runtimeenv"
	"github.com/forgeharness/forge/internal/workorder"
	"github.com/forgeharness/forge/internal/workspace"
)

// DefaultMaxAttempts is the per-work-order retry budget (§4.H).
const DefaultMaxAttempts = 2

// Options configures one work-order run. Workspace and Transport are
// required; the rest fall back to spec defaults.
type Options struct {
	WorkOrder    workorder.WorkOrder
	RunID        string
	ArtifactsDir string // <artifactsRoot>/factory/<run_id>; attempt subdirs are created under it

	Workspace      *workspace.Workspace
	Transport      Completer
	Runtime        *runtimeenv.Manager
	VerifyContract *workorder.VerifyContract

	MaxAttempts        int
	MaxOutputTokens    int
	CommandTimeout     time.Duration
	BaseEnv            []string
	SyntaxCheckCommand string // overrides the verify_exempt lightweight-check command; defaults to "python -m compileall -q ."
}

func (o Options) maxAttempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return DefaultMaxAttempts
}

// RunWorkOrder executes the SE→TR→PO loop for one work order against an
// already-cloned repository, up to opts.maxAttempts() times, committing on
// PASS and rolling the working tree back to its pre-run baseline on FAIL.
func RunWorkOrder(ctx context.Context, opts Options) (*State, error) {
	ws := opts.Workspace
	baseline, err := ws.BaselineCommit(ctx)
	if err != nil {
		return nil, fmt.Errorf("factory: capture baseline: %w", err)
	}

	s := &State{
		WorkOrder:      opts.WorkOrder,
		RepoRoot:       ws.Dir,
		HarnessDir:     ws.HarnessDir,
		BaselineCommit: baseline,
		RunID:          opts.RunID,
		OutDir:         opts.ArtifactsDir,
		MaxAttempts:    opts.maxAttempts(),
	}

	if brief := checkPreconditions(s.RepoRoot, opts.WorkOrder.Preconditions); brief != nil {
		s.FailureBrief = brief
		s.AttemptIndex = 1
		recordAttempt(s)
		s.Verdict = VerdictFail
		writeRunSummary(opts.ArtifactsDir, s)
		return s, nil
	}

	poOpts := POOptions{
		VerifyContract:     opts.VerifyContract,
		Runtime:            opts.Runtime,
		CommandTimeout:     opts.CommandTimeout,
		BaseEnv:            opts.BaseEnv,
		SyntaxCheckCommand: opts.SyntaxCheckCommand,
	}

	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		s.AttemptIndex = attempt
		s.Proposal = nil
		s.TouchedFiles = nil
		s.WriteOK = false
		s.VerifyResults = nil
		s.AcceptanceResults = nil

		runSE(ctx, s, opts.Transport, opts.MaxOutputTokens)
		if s.FailureBrief != nil {
			recordAttempt(s)
			continue
		}

		runTR(ctx, s, ws)
		if s.FailureBrief != nil {
			recordAttempt(s)
			continue
		}

		runPO(ctx, s, poOpts)
		if s.FailureBrief != nil {
			if res := ws.Rollback(ctx, s.BaselineCommit); res.Failed {
				s.FailureBrief = newFailureBrief(StageException, "", nil, "rollback after failed attempt also failed: "+res.Remediation)
				recordAttempt(s)
				s.Verdict = VerdictError
				writeRunSummary(opts.ArtifactsDir, s)
				return s, nil
			}
			recordAttempt(s)
			continue
		}

		// PO passed: commit exactly the touched files and finalize.
		hash, err := ws.ScopedTreeHash(ctx, s.TouchedFiles)
		if err != nil {
			s.FailureBrief = newFailureBrief(StageException, "", nil, "tree hash after success: "+err.Error())
			recordAttempt(s)
			s.Verdict = VerdictError
			writeRunSummary(opts.ArtifactsDir, s)
			return s, nil
		}
		s.RepoTreeHashAfter = hash
		commitMsg := fmt.Sprintf("forge: %s %s", opts.WorkOrder.ID, opts.WorkOrder.Title)
		if _, err := ws.Commit(ctx, commitMsg, s.TouchedFiles); err != nil {
			s.FailureBrief = newFailureBrief(StageException, "", nil, "commit after success: "+err.Error())
			recordAttempt(s)
			s.Verdict = VerdictError
			writeRunSummary(opts.ArtifactsDir, s)
			return s, nil
		}
		recordAttempt(s)
		s.Verdict = VerdictPass
		writeRunSummary(opts.ArtifactsDir, s)
		return s, nil
	}

	// Attempt budget exhausted without a PASS: restore baseline and report FAIL.
	if res := ws.Rollback(ctx, s.BaselineCommit); res.Failed {
		s.Verdict = VerdictError
		writeRunSummary(opts.ArtifactsDir, s)
		return s, fmt.Errorf("factory: rollback after exhausted attempts failed: %s", res.Remediation)
	}
	s.Verdict = VerdictFail
	writeRunSummary(opts.ArtifactsDir, s)
	return s, nil
}

func checkPreconditions(repoRoot string, conditions []workorder.Condition) *FailureBrief {
	for _, c := range conditions {
		if err := checkCondition(repoRoot, c); err != nil {
			return newFailureBrief(StagePreflight, "", nil, err.Error())
		}
	}
	return nil
}

func recordAttempt(s *State) {
	a := Attempt{
		AttemptIndex:      s.AttemptIndex,
		BaselineCommit:    s.BaselineCommit,
		TouchedFiles:      append([]string{}, s.TouchedFiles...),
		WriteOK:           s.WriteOK,
		VerifyResults:     append([]CommandResult{}, s.VerifyResults...),
		AcceptanceResults: append([]CommandResult{}, s.AcceptanceResults...),
		FailureBrief:      s.FailureBrief,
		RepoTreeHashAfter: s.RepoTreeHashAfter,
	}
	if s.Proposal != nil {
		a.ProposalSummary = s.Proposal.Summary
		a.ProposalWriteCount = len(s.Proposal.Writes)
		if s.OutDir != "" {
			a.ProposalPath = filepath.Join(s.OutDir, fmt.Sprintf("attempt_%d", s.AttemptIndex), "se_packet.json")
		}
	}
	s.Attempts = append(s.Attempts, a)
	writeAttemptArtifacts(s)
}

// writeAttemptArtifacts persists the SE proposal, TR write report, and PO
// verdict for the attempt just recorded, best-effort, so a queue worker can
// surface them without re-deriving them from State (§4.J, §4.M).
func writeAttemptArtifacts(s *State) {
	if s.OutDir == "" {
		return
	}
	dir := filepath.Join(s.OutDir, fmt.Sprintf("attempt_%d", s.AttemptIndex))
	if s.Proposal != nil {
		_ = artifacts.WriteJSON(filepath.Join(dir, "se_packet.json"), s.Proposal)
	}
	_ = artifacts.WriteJSON(filepath.Join(dir, "tool_report.json"), map[string]any{
		"touched_files": s.TouchedFiles,
		"write_ok":      s.WriteOK,
	})
	decision := "FAIL"
	if s.FailureBrief == nil {
		decision = "PASS"
	}
	_ = artifacts.WriteJSON(filepath.Join(dir, "po_report.json"), map[string]any{
		"decision":           decision,
		"verify_results":     s.VerifyResults,
		"acceptance_results": s.AcceptanceResults,
		"failure_brief":      s.FailureBrief,
	})
}

// writeRunSummary persists the final state as an artifact, best-effort: a
// failure to write the summary does not change the verdict already decided.
func writeRunSummary(artifactsDir string, s *State) {
	if artifactsDir == "" {
		return
	}
	summary := map[string]any{
		"work_order_id":        s.WorkOrder.ID,
		"run_id":               s.RunID,
		"verdict":              s.Verdict,
		"attempts":             s.Attempts,
		"repo_tree_hash_after": s.RepoTreeHashAfter,
	}
	_ = artifacts.WriteJSON(filepath.Join(artifactsDir, "run_summary.json"), summary)
}
