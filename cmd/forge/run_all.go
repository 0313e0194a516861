package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/forgeharness/forge/internal/workorder"
)

func newRunAllCmd() *cobra.Command {
	var (
		f       runFlags
		workdir string
	)

	cmd := &cobra.Command{
		Use:                "run-all",
		Short:              "Sequentially run WO-NN.json files from a directory, stopping on first failure",
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.repoDir == "" || workdir == "" {
				return exitf(1, fmt.Errorf("--repo and --workdir are required"))
			}

			ctx, cleanup := signalCancelContext()
			defer cleanup()

			for i := 1; ; i++ {
				path := filepath.Join(workdir, workorder.IDForIndex(i)+".json")
				if !fileExists(path) {
					break
				}
				f.workOrderPath = path
				result, err := runOneWorkOrder(ctx, cmd, f)
				if err != nil {
					return exitf(1, err)
				}
				if result.ExitCode != 0 {
					return exitf(result.ExitCode, nil)
				}
			}
			return nil
		},
	}

	f.register(cmd)
	cmd.Flags().StringVar(&workdir, "workdir", "", "directory containing WO-NN.json files (required)")
	cmd.Flags().Lookup("work-order").Hidden = true
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("workdir")
	return cmd
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
