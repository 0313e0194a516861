package factory

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// Run wraps RunWorkOrder with the emergency handler required by §4.H: a
// panic anywhere in SE/TR/PO is caught, the working tree is rolled back to
// baseline, and the outcome is reported as a Result with the CLI's exit-code
// discipline (0 PASS, 1 FAIL, 2 crash, 130 interrupted) rather than crashing
// the process. The caller is expected to derive ctx from a cancel-on-signal
// context (e.g. SIGINT/SIGTERM) so an interrupted run is distinguishable
// from an ordinary failure.
func Run(ctx context.Context, opts Options) (res Result) {
	var baseline string
	if opts.Workspace != nil {
		baseline, _ = opts.Workspace.BaselineCommit(ctx)
	}

	defer func() {
		if r := recover(); r != nil {
			if recoverAsInterrupt(ctx) {
				res = Result{Verdict: VerdictError, Error: "interrupted", ExitCode: ExitInterrupted}
				res.RollbackFailed = rollbackBestEffort(opts, baseline)
				return
			}
			res = Result{
				Verdict:        VerdictError,
				Error:          fmt.Sprintf("panic: %v", r),
				ErrorTraceback: string(debug.Stack()),
				ExitCode:       ExitCrash,
			}
			res.RollbackFailed = rollbackBestEffort(opts, baseline)
		}
	}()

	s, err := RunWorkOrder(ctx, opts)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Verdict: VerdictError, Error: err.Error(), ExitCode: ExitInterrupted}
		}
		return Result{Verdict: VerdictError, Error: err.Error(), ExitCode: ExitCrash}
	}

	result := Result{Verdict: s.Verdict, Attempts: s.Attempts, TotalAttempts: len(s.Attempts)}
	switch s.Verdict {
	case VerdictPass:
		result.ExitCode = ExitPass
	case VerdictFail:
		result.ExitCode = ExitFail
	default:
		result.ExitCode = ExitCrash
	}
	return result
}

// recoverAsInterrupt reports whether ctx was canceled, which the caller
// treats as the run having been interrupted (e.g. by SIGINT) rather than
// having crashed on its own.
func recoverAsInterrupt(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

// rollbackBestEffort attempts to restore the working tree to baseline after
// a panic, using a fresh background context since ctx may already be
// canceled. Returns true if the rollback itself failed.
func rollbackBestEffort(opts Options, baseline string) bool {
	if opts.Workspace == nil || baseline == "" {
		return false
	}
	res := opts.Workspace.Rollback(context.Background(), baseline)
	return res.Failed
}
