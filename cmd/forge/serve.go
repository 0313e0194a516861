package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeharness/forge/internal/config"
	"github.com/forgeharness/forge/internal/httpapi"
	"github.com/forgeharness/forge/internal/llmtransport"
	"github.com/forgeharness/forge/internal/logging"
	"github.com/forgeharness/forge/internal/queue"
	"github.com/forgeharness/forge/internal/runstore"
	"github.com/forgeharness/forge/internal/runtimeenv"
)

// dequeuePollTimeout bounds one Dequeue call, so the worker loop notices
// ctx cancellation promptly instead of blocking on Redis indefinitely.
const dequeuePollTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var (
		addr        string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the queue worker loop in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(slog.LevelInfo)
			cfg := config.FromEnv(config.Default())
			if cfg.LLMAPIKey == "" {
				return exitf(1, fmt.Errorf("FORGE_LLM_API_KEY is not set"))
			}

			dsn := cfg.DBDSN
			if dsn == "" {
				dsn = "forge.db"
			}
			store, err := runstore.Open(dsn)
			if err != nil {
				return exitf(1, fmt.Errorf("open run store: %w", err))
			}
			defer store.Close()

			q, err := queue.Open(queue.Config{RedisURL: cfg.RedisAddr})
			if err != nil {
				return exitf(1, fmt.Errorf("open queue: %w", err))
			}
			defer q.Close()

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
				return exitf(1, fmt.Errorf("construct llm transport: %w", err))
			}

			deps := queue.WorkerDeps{
				Store:         store,
				Transport:     transport,
				Runtime:       runtimeenv.NewManager(queue.DefaultHarnessDir),
				WorkspaceRoot: cfg.WorkspaceRoot,
				GitHubToken:   cfg.GitPushToken,
			}

			srv := httpapi.New(httpapi.Config{Addr: addr}, store, q, logger)

			ctx, cleanup := signalCancelContext()
			defer cleanup()

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := srv.ListenAndServe(); err != nil {
					logger.Error("httpapi exited", "error", err)
				}
			}()

			wg.Add(concurrency)
			for i := 0; i < concurrency; i++ {
				go func(worker int) {
					defer wg.Done()
					runWorkerLoop(ctx, logger, q, deps, worker)
				}(i)
			}

			<-ctx.Done()
			logger.Info("shutting down")
			srv.Shutdown()
			wg.Wait()
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "number of concurrent dequeue workers")
	return cmd
}

// runWorkerLoop repeatedly dequeues a run id and drives it to completion
// through queue.RunJob, bounding each job to queue.DefaultJobTimeout.
func runWorkerLoop(ctx context.Context, logger *slog.Logger, q *queue.Queue, deps queue.WorkerDeps, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := q.Dequeue(ctx, dequeuePollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", "worker", worker, "error", err)
			continue
		}
		if job == nil {
			continue
		}

		jobCtx, cancel := context.WithTimeout(ctx, queue.DefaultJobTimeout)
		if err := queue.RunJob(jobCtx, deps, job.RunID); err != nil {
			logger.Error("run job failed", "worker", worker, "run_id", job.RunID, "error", err)
		}
		cancel()
	}
}
