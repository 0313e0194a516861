// Package factory implements the per-work-order transactional execution
// loop: SE (propose) → TR (apply) → PO (verify & accept), with a bounded
// attempt budget, Git baseline/rollback boundary, and an emergency handler
// around the whole invocation (§4.H). The state-machine shape generalizes
// internal/attractor/engine/engine.go's per-node loop.
package factory

import (
	"github.com/forgeharness/forge/internal/proposal"
	"github.com/forgeharness/forge/internal/workorder"
)

// Stage is the tagged variant over the eight allowed failure stages (§3).
type Stage string

const (
	StagePreflight           Stage = "preflight"
	StageLLMOutputInvalid    Stage = "llm_output_invalid"
	StageWriteScopeViolation Stage = "write_scope_violation"
	StageStaleContext        Stage = "stale_context"
	StageWriteFailed         Stage = "write_failed"
	StageVerifyFailed        Stage = "verify_failed"
	StageAcceptanceFailed    Stage = "acceptance_failed"
	StageException           Stage = "exception"
)

// ConstraintsReminder is the fixed reminder string embedded in every
// FailureBrief, re-stating the contract the next SE attempt must honor.
const ConstraintsReminder = "Remember: only write files listed in allowed_files; base_sha256 must match current on-disk bytes; all acceptance_commands and the global verify must pass; every postcondition must hold on disk."

const maxExcerpt = 2000

// FailureBrief is a stage-tagged, bounded-size failure record used to
// prompt the next retry (§3).
type FailureBrief struct {
	Stage       Stage  `json:"stage"`
	Command     string `json:"command,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Excerpt     string `json:"excerpt,omitempty"`
	Constraints string `json:"constraints"`
}

func newFailureBrief(stage Stage, command string, exitCode *int, excerpt string) *FailureBrief {
	if len(excerpt) > maxExcerpt {
		excerpt = excerpt[:maxExcerpt] + "…[truncated]"
	}
	return &FailureBrief{Stage: stage, Command: command, ExitCode: exitCode, Excerpt: excerpt, Constraints: ConstraintsReminder}
}

// Verdict is the terminal per-attempt or per-run outcome.
type Verdict string

const (
	VerdictPass  Verdict = "PASS"
	VerdictFail  Verdict = "FAIL"
	VerdictError Verdict = "ERROR"
)

// CommandResult is one executed command's outcome, used for both verify and
// acceptance command results.
type CommandResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout_excerpt"`
	Stderr   string `json:"stderr_excerpt"`
}

// Attempt is the per-WO iteration record (§3). Attempts are append-only.
type Attempt struct {
	AttemptIndex       int             `json:"attempt_index"`
	BaselineCommit     string          `json:"baseline_commit"`
	ProposalPath       string          `json:"proposal_path,omitempty"`
	ProposalSummary    string          `json:"proposal_summary,omitempty"`
	ProposalWriteCount int             `json:"proposal_write_count,omitempty"`
	TouchedFiles       []string        `json:"touched_files,omitempty"`
	WriteOK            bool            `json:"write_ok"`
	VerifyResults      []CommandResult `json:"verify_results,omitempty"`
	AcceptanceResults  []CommandResult `json:"acceptance_results,omitempty"`
	FailureBrief       *FailureBrief   `json:"failure_brief"`
	RepoTreeHashAfter  string          `json:"repo_tree_hash_after,omitempty"`
}

// State is the per-run record threaded through SE, TR, and PO; each phase
// updates it in place. Retry is a re-entry into SE with a fresh attempt
// index, not a back-edge.
type State struct {
	WorkOrder      workorder.WorkOrder
	RepoRoot       string
	HarnessDir     string
	BaselineCommit string
	AttemptIndex   int
	OutDir         string
	RunID          string
	MaxAttempts    int

	Proposal          *proposal.Proposal
	TouchedFiles      []string
	WriteOK           bool
	FailureBrief      *FailureBrief
	VerifyResults     []CommandResult
	AcceptanceResults []CommandResult

	Attempts []Attempt
	Verdict  Verdict

	RepoTreeHashAfter string
}

// Result is the outer Run() return value.
type Result struct {
	Verdict        Verdict
	Attempts       []Attempt
	TotalAttempts  int
	Error          string
	ErrorTraceback string
	RollbackFailed bool
	ExitCode       int
}

// Exit codes, per §4.H's CLI exit-code discipline.
const (
	ExitPass        = 0
	ExitFail        = 1
	ExitCrash       = 2
	ExitInterrupted = 130
)
