package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeharness/forge/internal/artifacts"
	"github.com/forgeharness/forge/internal/config"
	"github.com/forgeharness/forge/internal/factory"
	"github.com/forgeharness/forge/internal/llmtransport"
	"github.com/forgeharness/forge/internal/queue"
	"github.com/forgeharness/forge/internal/runtimeenv"
	"github.com/forgeharness/forge/internal/workorder"
	"github.com/forgeharness/forge/internal/workspace"
)

// runFlags is the flag set shared by `forge run` and `forge run-all`.
// `run-all` accepts and then ignores any flag it does not recognize; such
// flags are not passed on to the per-work-order run.
type runFlags struct {
	repoDir           string
	workOrderPath     string
	branch            string
	createBranch      bool
	reuseBranch       bool
	maxAttempts       int
	llmModel          string
	allowVerifyExempt bool
	artifactsDir      string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.repoDir, "repo", "", "target repo checkout (required)")
	cmd.Flags().StringVar(&f.workOrderPath, "work-order", "", "path to a WO-*.json file (required)")
	cmd.Flags().StringVar(&f.branch, "branch", "", "branch to check out before running")
	cmd.Flags().BoolVar(&f.createBranch, "create-branch", false, "create --branch instead of checking out an existing one")
	cmd.Flags().BoolVar(&f.reuseBranch, "reuse-branch", false, "check out an existing --branch (default when --branch is given)")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "per-work-order retry budget (default: factory default)")
	cmd.Flags().StringVar(&f.llmModel, "llm-model", "", "override the configured LLM model")
	cmd.Flags().BoolVar(&f.allowVerifyExempt, "allow-verify-exempt", false, "honor a work order's verify_exempt flag by running a syntax-check command; forge run passes no global verify command, so none runs without this flag")
	cmd.Flags().StringVar(&f.artifactsDir, "artifacts-dir", "", "artifacts root (default: $FORGE_ARTIFACTS_ROOT or ./artifacts)")
}

func newRunCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one work order against a cloned repo through the SE/TR/PO factory loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.repoDir == "" || f.workOrderPath == "" {
				return exitf(1, fmt.Errorf("--repo and --work-order are required"))
			}
			if f.createBranch && f.reuseBranch {
				return exitf(1, fmt.Errorf("--create-branch and --reuse-branch are mutually exclusive"))
			}

			ctx, cleanup := signalCancelContext()
			defer cleanup()

			result, err := runOneWorkOrder(ctx, cmd, f)
			if err != nil {
				return exitf(1, err)
			}
			return exitf(result.ExitCode, nil)
		},
	}

	f.register(cmd)
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("work-order")
	return cmd
}

// runOneWorkOrder loads a work order and drives it through factory.Run. It
// is shared by `forge run` and `forge run-all`.
func runOneWorkOrder(ctx context.Context, cmd *cobra.Command, f runFlags) (factory.Result, error) {
	wo, err := loadWorkOrder(f.workOrderPath)
	if err != nil {
		return factory.Result{}, fmt.Errorf("load work order: %w", err)
	}

	cfg := config.FromEnv(config.Default())
	if f.llmModel != "" {
		cfg.LLMModel = f.llmModel
	}
	if f.artifactsDir != "" {
		cfg.ArtifactsRoot = f.artifactsDir
	}
	if cfg.LLMAPIKey == "" {
		return factory.Result{}, fmt.Errorf("FORGE_LLM_API_KEY is not set")
	}

	ws := workspace.New(f.repoDir, queue.DefaultHarnessDir)
	if !ws.IsGitRepo(ctx) {
		return factory.Result{}, fmt.Errorf("--repo %s is not a git repository", f.repoDir)
	}
	if f.branch != "" {
		if err := ws.CheckoutBranch(ctx, f.branch, f.createBranch); err != nil {
			return factory.Result{}, fmt.Errorf("checkout branch %s: %w", f.branch, err)
		}
	}

	transport, err := llmtransport.New(llmtransport.Config{
		BaseURL:         cfg.LLMBaseURL,
		APIKey:          cfg.LLMAPIKey,
		Model:           cfg.LLMModel,
		MaxRetries:      cfg.LLMMaxRetries,
		RetryBaseDelay:  cfg.LLMRetryBaseDelay,
		PollInterval:    cfg.LLMPollInterval,
		PollDeadline:    cfg.LLMPollDeadline,
		MaxOutputTokens: cfg.LLMMaxOutputTokens,
	})
	if err != nil {
		return factory.Result{}, fmt.Errorf("construct llm transport: %w", err)
	}

	if !f.allowVerifyExempt {
		wo.VerifyExempt = false
	}

	runID := fmt.Sprintf("run-%s-%d", wo.ID, time.Now().UnixNano())
	opts := factory.Options{
		WorkOrder:    wo,
		RunID:        runID,
		ArtifactsDir: artifacts.FactoryRunDir(cfg.ArtifactsRoot, runID),
		Workspace:    ws,
		Transport:    transport,
		Runtime:      runtimeenv.NewManager(queue.DefaultHarnessDir),
		MaxAttempts:  f.maxAttempts,
	}

	fmt.Fprintf(cmd.OutOrStdout(), "running %s against %s...\n", wo.ID, f.repoDir)
	result := factory.Run(ctx, opts)
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (exit %d)\n", wo.ID, result.Verdict, result.ExitCode)
	return result, nil
}

func loadWorkOrder(path string) (workorder.WorkOrder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return workorder.WorkOrder{}, err
	}
	var wo workorder.WorkOrder
	if err := json.Unmarshal(data, &wo); err != nil {
		return workorder.WorkOrder{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return wo, nil
}

// signalCancelContext cancels the returned context on SIGINT/SIGTERM, so
// factory.Run's panic-recovery path can distinguish an interrupted run
// (ctx.Err() == context.Canceled) from an ordinary crash.
func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stopCh := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-stopCh:
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel()
	}
}
