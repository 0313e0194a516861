// Package runtimeenv provisions and caches a per-repo isolated interpreter
// environment, so that acceptance and verify commands resolve their
// interpreter and test runner to a controlled install independent of the
// harness's own environment (§4.C).
package runtimeenv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forgeharness/forge/internal/procrunner"
)

// SentinelName marks a successful provisioning of the environment root.
const SentinelName = ".provisioned"

// DefaultStepTimeout bounds each build step (§4.C).
const DefaultStepTimeout = 120 * time.Second

// Manager provisions a harness-managed environment directory named Dir
// (relative to each repo root) shared by every work order run against that
// repo.
type Manager struct {
	Dir         string // e.g. ".forge_env"
	Interpreter string // e.g. "python3"
	StepTimeout time.Duration
}

// NewManager returns a Manager with spec defaults.
func NewManager(dir string) *Manager {
	return &Manager{Dir: dir, Interpreter: "python3", StepTimeout: DefaultStepTimeout}
}

func (m *Manager) stepTimeout() time.Duration {
	if m.StepTimeout > 0 {
		return m.StepTimeout
	}
	return DefaultStepTimeout
}

// binDir returns the environment's binary directory.
func (m *Manager) binDir(envRoot string) string {
	return filepath.Join(envRoot, "bin")
}

func (m *Manager) interpreterPath(envRoot string) string {
	return filepath.Join(m.binDir(envRoot), filepath.Base(m.Interpreter))
}

// Ensure idempotently provisions the environment under repoRoot/Dir,
// returning the environment root. If the sentinel is present but the
// interpreter binary is missing (corruption or partial rollback), it
// rebuilds from scratch.
func (m *Manager) Ensure(ctx context.Context, repoRoot string) (string, error) {
	envRoot := filepath.Join(repoRoot, m.Dir)
	sentinel := filepath.Join(envRoot, SentinelName)

	if _, err := os.Stat(sentinel); err == nil {
		if _, err := os.Stat(m.interpreterPath(envRoot)); err == nil {
			return envRoot, nil
		}
		// Corrupted: wipe and rebuild.
		if err := os.RemoveAll(envRoot); err != nil {
			return "", fmt.Errorf("runtimeenv: clearing corrupted env %s: %w", envRoot, err)
		}
	}

	if err := os.MkdirAll(envRoot, 0o755); err != nil {
		return "", fmt.Errorf("runtimeenv: creating %s: %w", envRoot, err)
	}

	steps := [][]string{
		{m.Interpreter, "-m", "venv", envRoot},
		{m.interpreterPath(envRoot), "-m", "pip", "install", "--upgrade", "pip"},
		{m.interpreterPath(envRoot), "-m", "pip", "install", "pytest"},
	}
	for _, argv := range steps {
		res, err := procrunner.Run(ctx, procrunner.Spec{
			Argv:    argv,
			Dir:     repoRoot,
			Timeout: m.stepTimeout(),
		})
		if err != nil {
			return "", fmt.Errorf("runtimeenv: step %v: %w", argv, err)
		}
		if res.ExitCode != 0 {
			return "", fmt.Errorf("runtimeenv: step %v failed (exit %d): %s", argv, res.ExitCode, res.StderrExcerpt)
		}
	}

	if err := os.WriteFile(sentinel, []byte("ok\n"), 0o644); err != nil {
		return "", fmt.Errorf("runtimeenv: writing sentinel: %w", err)
	}
	return envRoot, nil
}

// EnvFor returns an environment mapping that prefixes envRoot's bin
// directory onto PATH, sets a VIRTUAL_ENV-style variable, and preserves
// sandbox variables from baseEnv.
func (m *Manager) EnvFor(envRoot string, baseEnv []string) []string {
	out := make([]string, 0, len(baseEnv)+2)
	bin := m.binDir(envRoot)
	pathSet := false
	for _, kv := range baseEnv {
		if len(kv) >= 5 && kv[:5] == "PATH=" {
			out = append(out, "PATH="+bin+string(os.PathListSeparator)+kv[5:])
			pathSet = true
			continue
		}
		out = append(out, kv)
	}
	if !pathSet {
		out = append(out, "PATH="+bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
	out = append(out, "VIRTUAL_ENV="+envRoot)
	return out
}
