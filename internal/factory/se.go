package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/forgeharness/forge/internal/llmtransport"
	"github.com/forgeharness/forge/internal/pathsafety"
	"github.com/forgeharness/forge/internal/proposal"
)

// Completer is the narrow interface SE depends on, satisfied by
// *llmtransport.Client — and by a scripted fake in tests, since the
// transport's construction details are irrelevant to the state machine.
type Completer interface {
	Complete(ctx context.Context, req llmtransport.Request) (llmtransport.Response, error)
}

const defaultMaxOutputTokens = 65000

// buildSEPrompt renders the per-attempt proposal prompt: the work order's
// contract plus the content of its declared context files, and — on retry —
// the prior attempt's failure brief.
func buildSEPrompt(s *State, prior *FailureBrief) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Work order %s: %s\n\n%s\n\n", s.WorkOrder.ID, s.WorkOrder.Title, s.WorkOrder.Intent)

	if files, err := buildFileListing(s.RepoRoot, s.HarnessDir); err == nil && len(files) > 0 {
		b.WriteString("=== DIRECTORY STRUCTURE ===\n")
		for _, f := range files {
			fmt.Fprintf(&b, "  %s\n", f)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "You may only write these files: %s\n", strings.Join(s.WorkOrder.AllowedFiles, ", "))
	if len(s.WorkOrder.Forbidden) > 0 {
		fmt.Fprintf(&b, "You may never write these paths: %s\n", strings.Join(s.WorkOrder.Forbidden, ", "))
	}
	fmt.Fprintf(&b, "Acceptance commands that must pass: %s\n\n", strings.Join(s.WorkOrder.AcceptanceCommands, "; "))

	for _, rel := range s.WorkOrder.ContextFiles {
		abs, err := pathsafety.SafeJoin(s.RepoRoot, rel)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "--- context: %s ---\n%s\n\n", rel, string(data))
	}

	if prior != nil {
		fmt.Fprintf(&b, "Your previous attempt failed at stage %q", prior.Stage)
		if prior.Command != "" {
			fmt.Fprintf(&b, " running %q", prior.Command)
		}
		b.WriteString(":\n")
		b.WriteString(prior.Excerpt)
		b.WriteString("\n\n" + prior.Constraints + "\n\n")
	}

	b.WriteString("Respond with ONLY a JSON object: {\"summary\": \"...\", \"writes\": [{\"path\": \"...\", \"base_sha256\": \"...\", \"content\": \"...\"}]}\n")
	b.WriteString("base_sha256 must be the hex SHA-256 of the file's current on-disk bytes (or of the empty string for a new file).\n")
	return b.String(), nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) >= 2 && strings.HasPrefix(lines[len(lines)-1], "```") {
		lines = lines[1 : len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// runSE calls the LLM transport, parses its proposal, and records a
// preflight/llm_output_invalid failure brief on any contract violation that
// does not require filesystem state (that's TR's job).
func runSE(ctx context.Context, s *State, transport Completer, maxOutputTokens int) {
	if maxOutputTokens <= 0 {
		maxOutputTokens = defaultMaxOutputTokens
	}
	prompt, err := buildSEPrompt(s, priorFailureBrief(s))
	if err != nil {
		s.FailureBrief = newFailureBrief(StagePreflight, "", nil, err.Error())
		return
	}

	resp, err := transport.Complete(ctx, llmtransport.Request{Prompt: prompt, MaxOutputTokens: maxOutputTokens})
	if err != nil {
		s.FailureBrief = newFailureBrief(StageLLMOutputInvalid, "", nil, err.Error())
		return
	}

	raw := stripFences(resp.OutputText)
	var p proposal.Proposal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		s.FailureBrief = newFailureBrief(StageLLMOutputInvalid, "", nil, fmt.Sprintf("proposal is not valid JSON: %v\n\n%s", err, raw))
		return
	}
	if err := p.Validate(); err != nil {
		s.FailureBrief = newFailureBrief(StageLLMOutputInvalid, "", nil, err.Error())
		return
	}
	s.Proposal = &p
	s.FailureBrief = nil
}

func priorFailureBrief(s *State) *FailureBrief {
	if len(s.Attempts) == 0 {
		return nil
	}
	return s.Attempts[len(s.Attempts)-1].FailureBrief
}
