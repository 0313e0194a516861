// Package planner implements the compile loop: render a prompt from a
// product spec, invoke the LLM, parse and validate the resulting manifest,
// retry with structured error feedback, and emit artifacts stamped with the
// derived verify_exempt attribute (§4.G).
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/forgeharness/forge/internal/artifacts"
	"github.com/forgeharness/forge/internal/llmtransport"
	"github.com/forgeharness/forge/internal/planvalidate"
	"github.com/forgeharness/forge/internal/workorder"
)

// MaxCompileAttempts bounds the planner's retry loop (§4.G).
const MaxCompileAttempts = 3

const (
	specPlaceholder     = "{{PRODUCT_SPEC}}"
	doctrinePlaceholder = "{{DOCTRINE}}"
	repoHintsPlaceholder = "{{REPO_HINTS}}"
)

// AttemptEvent is one {start|pass|fail|FAIL} event in the compile attempt
// stream exposed to the CLI for progress display.
type AttemptEvent struct {
	Kind         string // "start", "pass", "fail", "FAIL"
	AttemptIndex int
	ErrorExcerpt string
	ArtifactPath string
}

// Options configures a Compile invocation.
type Options struct {
	SpecPath      string
	OutDir        string
	TemplatePath  string // optional; default built-in template used if empty
	ArtifactsDir  string
	RepoPath      string // optional; feeds the initial FileState
	Overwrite     bool
	Model         string
	ReasoningEffort string

	Transport *llmtransport.Client
	OnEvent   func(AttemptEvent) // optional progress sink
}

// Summary is compile_summary.json's content.
type Summary struct {
	CompileHash   string    `json:"compile_hash"`
	Attempts      int       `json:"attempts"`
	Outcome       string    `json:"outcome"` // "valid" | "invalid" | "transport_error"
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// ErrAlreadyExists is returned when outdir already contains work-order
// output and Overwrite is false.
type ErrAlreadyExists struct{ Dir string }

func (e *ErrAlreadyExists) Error() string {
	return fmt.Sprintf("planner: %s already contains WO-*.json or a manifest (use --overwrite)", e.Dir)
}

const manifestFilename = "WORK_ORDERS_MANIFEST.json"

// Compile runs the attempt loop and returns the validated manifest plus its
// compile hash, or an error if every attempt failed.
func Compile(ctx context.Context, opts Options) (*workorder.Manifest, string, error) {
	specBytes, err := os.ReadFile(opts.SpecPath)
	if err != nil {
		return nil, "", fmt.Errorf("planner: reading spec: %w", err)
	}

	var templateBytes []byte
	if opts.TemplatePath != "" {
		templateBytes, err = os.ReadFile(opts.TemplatePath)
		if err != nil {
			return nil, "", fmt.Errorf("planner: reading template: %w", err)
		}
	} else {
		templateBytes = []byte(defaultTemplate)
	}

	rendered, err := renderTemplate(string(templateBytes), string(specBytes))
	if err != nil {
		return nil, "", err
	}

	hash := artifacts.CompileHash(specBytes, templateBytes, opts.Model, opts.ReasoningEffort)
	compileDir := artifacts.PlannerCompileDir(opts.ArtifactsDir, hash)

	if err := checkOverwrite(opts.OutDir, opts.Overwrite); err != nil {
		return nil, hash, err
	}

	initialState := repoTrackedFiles(opts.RepoPath)

	maxAttempts := MaxCompileAttempts
	prompt := rendered
	var lastDiags []planvalidate.Diagnostic
	summary := Summary{CompileHash: hash, StartedAt: nowFunc()}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		emit(opts.OnEvent, AttemptEvent{Kind: "start", AttemptIndex: attempt})

		if err := artifacts.WriteAtomic(filepath.Join(compileDir, fmt.Sprintf("prompt_attempt_%d.txt", attempt)), []byte(prompt)); err != nil {
			return nil, hash, err
		}

		resp, err := opts.Transport.Complete(ctx, llmtransport.Request{Prompt: prompt, Temperature: 0})
		if err != nil {
			summary.Outcome = "transport_error"
			summary.Attempts = attempt
			summary.FinishedAt = nowFunc()
			_ = artifacts.WriteJSON(filepath.Join(compileDir, "compile_summary.json"), summary)
			return nil, hash, fmt.Errorf("planner: transport error on attempt %d: %w", attempt, err)
		}

		rawPath := filepath.Join(compileDir, fmt.Sprintf("llm_raw_response_attempt_%d.txt", attempt))
		if err := artifacts.WriteAtomic(rawPath, []byte(resp.OutputText)); err != nil {
			return nil, hash, err
		}

		stripped := stripCodeFences(resp.OutputText)
		if len(stripped) > llmtransport.MaxPayloadBytes {
			lastDiags = []planvalidate.Diagnostic{{Code: "E000", Message: "JSON parse error: payload too large"}}
		} else {
			rawDiags := planvalidate.ValidateRawJSON([]byte(stripped))
			if planvalidate.HasErrors(rawDiags) {
				lastDiags = rawDiags
			} else {
				var manifest workorder.Manifest
				if err := json.Unmarshal([]byte(stripped), &manifest); err != nil {
					lastDiags = []planvalidate.Diagnostic{{Code: "E000", Message: "JSON parse error: " + err.Error()}}
				} else {
					diags := planvalidate.ValidateWithInitialState(&manifest, initialState)
					if !planvalidate.HasErrors(diags) {
						exempt := planvalidate.ComputeVerifyExempt(&manifest, initialState)
						for i := range manifest.WorkOrders {
							manifest.WorkOrders[i].VerifyExempt = exempt[manifest.WorkOrders[i].ID]
						}
						if err := emitValid(compileDir, opts.OutDir, &manifest); err != nil {
							return nil, hash, err
						}
						summary.Outcome = "valid"
						summary.Attempts = attempt
						summary.FinishedAt = nowFunc()
						_ = artifacts.WriteJSON(filepath.Join(compileDir, "compile_summary.json"), summary)
						emit(opts.OnEvent, AttemptEvent{Kind: "pass", AttemptIndex: attempt, ArtifactPath: opts.OutDir})
						return &manifest, hash, nil
					}
					lastDiags = diags
				}
			}
		}

		errPath := filepath.Join(compileDir, fmt.Sprintf("validation_errors_attempt_%d.json", attempt))
		if err := artifacts.WriteJSON(errPath, lastDiags); err != nil {
			return nil, hash, err
		}

		excerpt := diagsExcerpt(lastDiags)
		kind := "fail"
		if attempt == maxAttempts {
			kind = "FAIL"
		}
		emit(opts.OnEvent, AttemptEvent{Kind: kind, AttemptIndex: attempt, ErrorExcerpt: excerpt, ArtifactPath: errPath})

		prompt = buildRevisionPrompt(rendered, resp.OutputText, lastDiags)
	}

	summary.Outcome = "invalid"
	summary.Attempts = maxAttempts
	summary.FinishedAt = nowFunc()
	_ = artifacts.WriteJSON(filepath.Join(compileDir, "compile_summary.json"), summary)
	return nil, hash, fmt.Errorf("planner: plan invalid after %d attempts: %s", maxAttempts, diagsExcerpt(lastDiags))
}

// nowFunc is a seam for deterministic tests.
var nowFunc = time.Now

func renderTemplate(tmpl, spec string) (string, error) {
	if !strings.Contains(tmpl, specPlaceholder) {
		return "", fmt.Errorf("planner: template missing required %s placeholder", specPlaceholder)
	}
	out := strings.ReplaceAll(tmpl, specPlaceholder, spec)
	out = strings.ReplaceAll(out, doctrinePlaceholder, "")
	out = strings.ReplaceAll(out, repoHintsPlaceholder, "")
	return out, nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		lines := strings.SplitN(s, "\n", 2)
		if len(lines) == 2 {
			s = lines[1]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func diagsExcerpt(diags []planvalidate.Diagnostic) string {
	var parts []string
	for _, d := range diags {
		parts = append(parts, d.String())
	}
	return strings.Join(parts, "; ")
}

func buildRevisionPrompt(originalSpecPrompt, previousResponse string, diags []planvalidate.Diagnostic) string {
	var sb strings.Builder
	sb.WriteString("The previous plan failed validation with the following structured errors:\n")
	for _, d := range diags {
		sb.WriteString("- ")
		sb.WriteString(d.String())
		sb.WriteString("\n")
	}
	sb.WriteString("\nPrevious response (verbatim):\n")
	sb.WriteString(previousResponse)
	sb.WriteString("\n\nOriginal spec:\n")
	sb.WriteString(originalSpecPrompt)
	sb.WriteString("\n\nCorrect every listed error and return a complete, corrected manifest JSON. Do not explain; output only the JSON.")
	return sb.String()
}

func checkOverwrite(outDir string, overwrite bool) error {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("planner: reading outdir: %w", err)
	}
	var existing []string
	for _, e := range entries {
		name := e.Name()
		if name == manifestFilename || (strings.HasPrefix(name, "WO-") && strings.HasSuffix(name, ".json")) {
			existing = append(existing, name)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if !overwrite {
		return &ErrAlreadyExists{Dir: outDir}
	}
	for _, name := range existing {
		if err := os.Remove(filepath.Join(outDir, name)); err != nil {
			return fmt.Errorf("planner: removing stale %s: %w", name, err)
		}
	}
	return nil
}

// emitValid writes each WO-NN.json then the manifest last — the manifest
// write is the commit point (§4.G step 3d).
func emitValid(compileDir, outDir string, manifest *workorder.Manifest) error {
	if err := artifacts.WriteJSON(filepath.Join(compileDir, "manifest_normalized.json"), manifest); err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("planner: mkdir outdir: %w", err)
	}
	for _, wo := range manifest.WorkOrders {
		if err := artifacts.WriteJSON(filepath.Join(outDir, wo.ID+".json"), wo); err != nil {
			return err
		}
		if err := artifacts.WriteJSON(filepath.Join(compileDir, wo.ID+".json"), wo); err != nil {
			return err
		}
	}
	if err := artifacts.WriteJSON(filepath.Join(compileDir, manifestFilename), manifest); err != nil {
		return err
	}
	return artifacts.WriteJSON(filepath.Join(outDir, manifestFilename), manifest)
}

func emit(sink func(AttemptEvent), ev AttemptEvent) {
	if sink != nil {
		sink(ev)
	}
}

// repoTrackedFiles returns the sorted set of files found by walking
// repoPath, excluding the .git directory. It does not consult git, so
// untracked and ignored files are included as well. It returns nil if
// repoPath is empty or cannot be stat'ed — the planner's initial FileState
// is then empty, per §3.
func repoTrackedFiles(repoPath string) []string {
	if repoPath == "" {
		return nil
	}
	if _, err := os.Stat(repoPath); err != nil {
		return nil
	}
	// A full git-index parse is unnecessary here: the factory's own
	// workspace package is the authoritative source of on-disk truth at
	// execution time. The planner only needs a best-effort seed for its
	// static FileState chain check, so a shallow directory walk is
	// sufficient and avoids duplicating git plumbing.
	var files []string
	_ = filepath.Walk(repoPath, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(repoPath, path)
		if err != nil || strings.HasPrefix(rel, ".git/") || rel == ".git" {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(files)
	return files
}
