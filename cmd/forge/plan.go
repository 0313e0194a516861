package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forgeharness/forge/internal/artifacts"
	"github.com/forgeharness/forge/internal/config"
	"github.com/forgeharness/forge/internal/llmtransport"
	"github.com/forgeharness/forge/internal/planner"
	"github.com/forgeharness/forge/internal/planvalidate"
)

// Exit codes for `forge plan`, per spec §6.
const (
	exitPlanValidationFailure = 2
	exitPlanTransportError    = 3
	exitPlanParseExhausted    = 4
)

func newPlanCmd() *cobra.Command {
	var (
		specPath     string
		outDir       string
		repoDir      string
		artifactsDir string
		overwrite    bool
		printSummary bool
		quiet        bool
		verbose      bool
		noColor      bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compile a product spec into a work-order manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			if specPath == "" {
				return exitf(1, fmt.Errorf("--spec is required"))
			}
			_ = noColor

			cfg := config.FromEnv(config.Default())
			if cfg.LLMAPIKey == "" {
				return exitf(3, fmt.Errorf("FORGE_LLM_API_KEY is not set"))
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
				return exitf(3, fmt.Errorf("construct llm transport: %w", err))
			}

			if outDir == "" {
				outDir = "work_orders"
			}
			if artifactsDir == "" {
				artifactsDir = cfg.ArtifactsRoot
			}

			var onEvent func(planner.AttemptEvent)
			if !quiet {
				onEvent = func(ev planner.AttemptEvent) {
					switch ev.Kind {
					case "start":
						if verbose {
							fmt.Fprintf(cmd.OutOrStdout(), "attempt %d: compiling...\n", ev.AttemptIndex)
						}
					case "pass":
						fmt.Fprintf(cmd.OutOrStdout(), "attempt %d: PASS\n", ev.AttemptIndex)
					case "fail":
						fmt.Fprintf(cmd.OutOrStdout(), "attempt %d: fail (retrying): %s\n", ev.AttemptIndex, ev.ErrorExcerpt)
					case "FAIL":
						fmt.Fprintf(cmd.OutOrStdout(), "attempt %d: FAIL: %s\n", ev.AttemptIndex, ev.ErrorExcerpt)
					}
				}
			}

			manifest, hash, err := planner.Compile(context.Background(), planner.Options{
				SpecPath:     specPath,
				OutDir:       outDir,
				ArtifactsDir: artifactsDir,
				RepoPath:     repoDir,
				Overwrite:    overwrite,
				Model:        cfg.LLMModel,
				Transport:    transport,
				OnEvent:      onEvent,
			})
			if err != nil {
				return planFailure(artifactsDir, hash, err)
			}

			if printSummary {
				b, _ := json.MarshalIndent(manifest, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
			} else if !quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "compiled %d work orders to %s (compile hash %s)\n", len(manifest.WorkOrders), outDir, hash)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&specPath, "spec", "", "path to the product spec (required)")
	cmd.Flags().StringVar(&outDir, "outdir", "", "directory to write WO-*.json and the manifest (default: work_orders)")
	cmd.Flags().StringVar(&repoDir, "repo", "", "target repo, used to seed the initial file-state")
	cmd.Flags().StringVar(&artifactsDir, "artifacts-dir", "", "artifacts root (default: $FORGE_ARTIFACTS_ROOT or ./artifacts)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "allow overwriting an existing outdir")
	cmd.Flags().BoolVar(&printSummary, "print-summary", false, "print the compiled manifest summary as JSON")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "suppress attempt progress output")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print every attempt, not just pass/fail")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable color output")
	return cmd
}

// planFailure classifies a planner.Compile error into the exit code §6
// specifies: 2 validation failure, 3 transport error, 4 JSON-parse-exhausted,
// 1 everything else (e.g. unreadable spec, output dir already populated).
func planFailure(artifactsDir, hash string, err error) error {
	var alreadyExists *planner.ErrAlreadyExists
	if errors.As(err, &alreadyExists) {
		return exitf(1, err)
	}
	if hash == "" {
		return exitf(1, err)
	}
	if strings.Contains(err.Error(), "transport error") {
		return exitf(exitPlanTransportError, err)
	}
	if strings.Contains(err.Error(), "plan invalid after") {
		if allParseErrors(artifactsDir, hash) {
			return exitf(exitPlanParseExhausted, err)
		}
		return exitf(exitPlanValidationFailure, err)
	}
	return exitf(1, err)
}

// allParseErrors reads back the final attempt's validation_errors file and
// reports whether every diagnostic is a bare JSON-parse failure (E000),
// distinguishing "JSON parse failure exhausted retries" (exit 4) from an
// ordinary validation failure (exit 2) — neither is distinguished by
// planner.Compile's returned error alone.
func allParseErrors(artifactsDir, hash string) bool {
	compileDir := artifacts.PlannerCompileDir(artifactsDir, hash)
	path := filepath.Join(compileDir, fmt.Sprintf("validation_errors_attempt_%d.json", planner.MaxCompileAttempts))
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var diags []planvalidate.Diagnostic
	if err := json.Unmarshal(data, &diags); err != nil || len(diags) == 0 {
		return false
	}
	for _, d := range diags {
		if d.Code != "E000" {
			return false
		}
	}
	return true
}
