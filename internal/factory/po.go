package factory

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/forgeharness/forge/internal/pathsafety"
	"github.com/forgeharness/forge/internal/procrunner"
	"github.com/forgeharness/forge/internal/runtimeenv"
	"github.com/forgeharness/forge/internal/workorder"
)

// defaultSyntaxCheckCommand is the lightweight stand-in run in place of the
// full verify command when a work order is verify_exempt: it still catches
// gross syntax breakage without paying for the real test/build suite.
const defaultSyntaxCheckCommand = "python -m compileall -q ."

// POOptions carries the global verify contract and the execution
// environment PO needs to resolve and run commands (§4.H).
type POOptions struct {
	VerifyContract     *workorder.VerifyContract
	Runtime            *runtimeenv.Manager
	CommandTimeout     time.Duration
	BaseEnv            []string // nil means os.Environ()
	SyntaxCheckCommand string   // substituted for the verify command when VerifyExempt; defaults to defaultSyntaxCheckCommand
}

func (o POOptions) commandTimeout() time.Duration {
	if o.CommandTimeout > 0 {
		return o.CommandTimeout
	}
	return 30 * time.Second
}

func (o POOptions) syntaxCheckCommand() string {
	if o.SyntaxCheckCommand != "" {
		return o.SyntaxCheckCommand
	}
	return defaultSyntaxCheckCommand
}

// runPO runs the global verify command (or, for a verify_exempt work order,
// the syntax-check command in its place), then the work order's own
// acceptance commands, then
// checks postconditions on disk. The first failing phase short-circuits
// the rest and sets the corresponding FailureBrief.
func runPO(ctx context.Context, s *State, opts POOptions) {
	env := opts.BaseEnv
	if opts.Runtime != nil {
		envRoot, err := opts.Runtime.Ensure(ctx, s.RepoRoot)
		if err != nil {
			s.FailureBrief = newFailureBrief(StageVerifyFailed, "", nil, fmt.Sprintf("runtime environment setup failed: %v", err))
			return
		}
		base := opts.BaseEnv
		if base == nil {
			base = os.Environ()
		}
		env = opts.Runtime.EnvFor(envRoot, base)
	}

	// wo.VerifyExempt is only ever true here once both the manifest's own
	// flag and --allow-verify-exempt held at the CLI boundary (cmd/forge
	// clears it otherwise) — so a true value here substitutes a lightweight
	// syntax-check-only command for the real verify command rather than
	// skipping verification outright (§4.H).
	if s.WorkOrder.VerifyExempt {
		res, err := runOneCommand(ctx, opts.syntaxCheckCommand(), s.RepoRoot, env, opts.commandTimeout())
		if err != nil {
			s.FailureBrief = newFailureBrief(StageVerifyFailed, opts.syntaxCheckCommand(), nil, err.Error())
			return
		}
		s.VerifyResults = append(s.VerifyResults, res)
		if res.ExitCode != 0 {
			code := res.ExitCode
			s.FailureBrief = newFailureBrief(StageVerifyFailed, res.Command, &code, res.Stderr+"\n"+res.Stdout)
			return
		}
	} else if opts.VerifyContract != nil && opts.VerifyContract.Command != "" {
		res, err := runOneCommand(ctx, opts.VerifyContract.Command, s.RepoRoot, env, opts.commandTimeout())
		if err != nil {
			s.FailureBrief = newFailureBrief(StageVerifyFailed, opts.VerifyContract.Command, nil, err.Error())
			return
		}
		s.VerifyResults = append(s.VerifyResults, res)
		if res.ExitCode != 0 {
			code := res.ExitCode
			s.FailureBrief = newFailureBrief(StageVerifyFailed, res.Command, &code, res.Stderr+"\n"+res.Stdout)
			return
		}
	}

	for _, cmd := range s.WorkOrder.AcceptanceCommands {
		res, err := runOneCommand(ctx, cmd, s.RepoRoot, env, opts.commandTimeout())
		if err != nil {
			s.FailureBrief = newFailureBrief(StageAcceptanceFailed, cmd, nil, err.Error())
			return
		}
		s.AcceptanceResults = append(s.AcceptanceResults, res)
		if res.ExitCode != 0 {
			code := res.ExitCode
			s.FailureBrief = newFailureBrief(StageAcceptanceFailed, res.Command, &code, res.Stderr+"\n"+res.Stdout)
			return
		}
	}

	for _, c := range s.WorkOrder.Postconditions {
		if err := checkCondition(s.RepoRoot, c); err != nil {
			s.FailureBrief = newFailureBrief(StageAcceptanceFailed, "", nil, err.Error())
			return
		}
	}

	s.FailureBrief = nil
}

func runOneCommand(ctx context.Context, cmd, repoRoot string, env []string, timeout time.Duration) (CommandResult, error) {
	argv, err := pathsafety.TokenizeCommand(cmd)
	if err != nil {
		return CommandResult{}, err
	}
	res, err := procrunner.Run(ctx, procrunner.Spec{Argv: argv, Dir: repoRoot, Env: env, Timeout: timeout})
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Command: cmd, ExitCode: res.ExitCode, Stdout: res.StdoutExcerpt, Stderr: res.StderrExcerpt}, nil
}

func checkCondition(repoRoot string, c workorder.Condition) error {
	abs, err := pathsafety.SafeJoin(repoRoot, c.Path)
	if err != nil {
		return err
	}
	_, statErr := os.Stat(abs)
	exists := statErr == nil
	switch c.Kind {
	case workorder.FileExists:
		if !exists {
			return fmt.Errorf("postcondition violated: %s does not exist", c.Path)
		}
	case workorder.FileAbsent:
		if exists {
			return fmt.Errorf("postcondition violated: %s still exists", c.Path)
		}
	}
	return nil
}
