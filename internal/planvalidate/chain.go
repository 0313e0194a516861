package planvalidate

import (
	"fmt"
	"strings"

	"github.com/forgeharness/forge/internal/pathsafety"
	"github.com/forgeharness/forge/internal/workorder"
)

// FileState is the derived set of logical file paths treated as existing at
// a point in time (§3).
type FileState map[string]bool

// NewFileState returns a FileState seeded with initial (e.g. the target
// repo's tracked file set, or nil for an empty initial state).
func NewFileState(initial []string) FileState {
	fs := make(FileState, len(initial))
	for _, p := range initial {
		fs[p] = true
	}
	return fs
}

func (fs FileState) has(p string) bool { return fs[p] }

func (fs FileState) apply(wo workorder.WorkOrder) {
	for _, c := range wo.Postconditions {
		if c.Kind == workorder.FileExists {
			fs[c.Path] = true
		}
	}
}

// lintChain runs every cross-WO rule over cumulative file state, seeded
// from an empty initial state — callers needing the target repo's real
// tracked files should use ValidateWithInitialState instead.
func lintChain(m *workorder.Manifest) []Diagnostic {
	return validateChain(m, NewFileState(nil))
}

// ValidateWithInitialState runs Validate, seeding cumulative FileState from
// the target repo's real initial tracked-file set instead of empty.
func ValidateWithInitialState(m *workorder.Manifest, initial []string) []Diagnostic {
	var diags []Diagnostic
	for _, fn := range []lintFn{
		lintTopLevelShape, lintIDs, lintAcceptanceOperators, lintGlobChars,
		lintSchemaInvariants, lintEmbeddedSource, lintUnparseableCommands,
	} {
		diags = append(diags, fn(m)...)
	}
	if !HasErrors(diags) {
		diags = append(diags, validateChain(m, NewFileState(initial))...)
	}
	return diags
}

func validateChain(m *workorder.Manifest, state FileState) []Diagnostic {
	var diags []Diagnostic

	// state is mutated in place as WOs are walked below, so snapshot its
	// initial contents now for lintImportReachability's own independent walk.
	initial := make([]string, 0, len(state))
	for p := range state {
		initial = append(initial, p)
	}

	for _, wo := range m.WorkOrders {
		// E102: contradictory preconditions within one WO.
		exists := map[string]bool{}
		absent := map[string]bool{}
		for _, c := range wo.Preconditions {
			switch c.Kind {
			case workorder.FileExists:
				exists[c.Path] = true
			case workorder.FileAbsent:
				absent[c.Path] = true
			}
		}
		for p := range exists {
			if absent[p] {
				diags = append(diags, Diagnostic{Code: "E102", WOID: wo.ID, Message: fmt.Sprintf("path %q asserted both file_exists and file_absent", p), Field: "preconditions"})
			}
		}

		// E101: every precondition satisfied by the state immediately before this WO.
		for _, c := range wo.Preconditions {
			switch c.Kind {
			case workorder.FileExists:
				if !state.has(c.Path) {
					diags = append(diags, Diagnostic{Code: "E101", WOID: wo.ID, Message: fmt.Sprintf("precondition file_exists(%s) not satisfied by prior state", c.Path), Field: "preconditions"})
				}
			case workorder.FileAbsent:
				if state.has(c.Path) {
					diags = append(diags, Diagnostic{Code: "E101", WOID: wo.ID, Message: fmt.Sprintf("precondition file_absent(%s) not satisfied by prior state", c.Path), Field: "preconditions"})
				}
			}
		}

		// E103: every postcondition path must lie in allowed_files.
		allowed := make(map[string]bool, len(wo.AllowedFiles))
		for _, p := range wo.AllowedFiles {
			allowed[p] = true
		}
		postPaths := map[string]bool{}
		for _, c := range wo.Postconditions {
			postPaths[c.Path] = true
			if !allowed[c.Path] {
				diags = append(diags, Diagnostic{Code: "E103", WOID: wo.ID, Message: fmt.Sprintf("postcondition path %q is not in allowed_files", c.Path), Field: "postconditions"})
			}
		}

		// E104: every allowed_files path covered by at least one postcondition.
		for _, p := range wo.AllowedFiles {
			if !postPaths[p] {
				diags = append(diags, Diagnostic{Code: "E104", WOID: wo.ID, Message: fmt.Sprintf("allowed_files entry %q has no postcondition", p), Field: "allowed_files"})
			}
		}

		// Advance cumulative state for the next WO.
		state.apply(wo)
	}

	// E105: no acceptance command may equal the global verify command.
	if m.VerifyContract != nil && m.VerifyContract.Command != "" {
		verifyNorm, err := pathsafety.NormalizeCommandForComparison(m.VerifyContract.Command)
		if err == nil {
			for _, wo := range m.WorkOrders {
				for _, cmd := range wo.AcceptanceCommands {
					cmdNorm, err := pathsafety.NormalizeCommandForComparison(cmd)
					if err == nil && cmdNorm == verifyNorm {
						diags = append(diags, Diagnostic{Code: "E105", WOID: wo.ID, Message: fmt.Sprintf("acceptance command %q duplicates the global verify command", cmd), Field: "acceptance_commands"})
					}
				}
			}
		}
	}

	// E106: every verify_contract requirement eventually satisfied by the
	// cumulative post-state.
	if m.VerifyContract != nil {
		for _, req := range m.VerifyContract.Requires {
			if req.Kind == workorder.FileExists && !state.has(req.Path) {
				diags = append(diags, Diagnostic{Code: "E106", Message: fmt.Sprintf("verify_contract requirement file_exists(%s) never satisfied", req.Path), Field: "verify_contract"})
			}
		}
	}

	// W101: acceptance commands that import a module must have the
	// importable file appear in cumulative state by the time they run.
	diags = append(diags, lintImportReachability(m, initial)...)

	return diags
}

// ComputeVerifyExempt computes, per work order, whether running the global
// verify immediately before that WO would necessarily fail because the
// verify_contract's requirements are not yet fully satisfied. The compiler
// always overwrites any LLM-supplied verify_exempt with this value.
func ComputeVerifyExempt(m *workorder.Manifest, initial []string) map[string]bool {
	result := make(map[string]bool, len(m.WorkOrders))
	state := NewFileState(initial)
	for _, wo := range m.WorkOrders {
		result[wo.ID] = !verifyContractSatisfied(m.VerifyContract, state)
		state.apply(wo)
	}
	return result
}

func verifyContractSatisfied(vc *workorder.VerifyContract, state FileState) bool {
	if vc == nil {
		return true
	}
	for _, req := range vc.Requires {
		if req.Kind == workorder.FileExists && !state.has(req.Path) {
			return false
		}
	}
	return true
}

// lintImportReachability implements W101 using simple whitespace tokenizing
// of each acceptance command's embedded source to find "import a.b.c"
// occurrences. initial seeds cumulative state the same way validateChain's
// E10x rules are seeded, so W101 agrees with them about what already exists.
func lintImportReachability(m *workorder.Manifest, initial []string) []Diagnostic {
	var diags []Diagnostic
	state := NewFileState(initial)
	for _, wo := range m.WorkOrders {
		for _, cmd := range wo.AcceptanceCommands {
			for _, mod := range extractImports(cmd) {
				candidates := modulePathCandidates(mod)
				found := false
				for _, c := range candidates {
					if state.has(c) {
						found = true
						break
					}
				}
				if !found {
					diags = append(diags, Diagnostic{Code: "W101", WOID: wo.ID, Message: fmt.Sprintf("acceptance command imports %q but no candidate file %v is present in cumulative state", mod, candidates), Field: "acceptance_commands"})
				}
			}
		}
		state.apply(wo)
	}
	return diags
}

// extractImports returns the word after each whitespace-separated "import"
// in cmd, with trailing "," or ";" trimmed. For "from a.b.c import x" that
// word is x, not a.b.c, and an "import" fused to a quote character (as in
// python -c "import x") is not found.
func extractImports(cmd string) []string {
	var mods []string
	fields := strings.Fields(cmd)
	for i, f := range fields {
		if f == "import" && i+1 < len(fields) {
			mod := strings.TrimRight(fields[i+1], ",;")
			if mod != "" && !strings.Contains(mod, "(") {
				mods = append(mods, mod)
			}
		}
	}
	return mods
}

// modulePathCandidates resolves a dotted module path "a.b.c" to the file
// paths that would make it importable: a/b/c.py or a/b/c/__init__.py.
func modulePathCandidates(mod string) []string {
	parts := strings.Split(mod, ".")
	if len(parts) == 0 {
		return nil
	}
	asFile := strings.Join(parts, "/") + ".py"
	asPkg := strings.Join(parts, "/") + "/__init__.py"
	return []string{asFile, asPkg}
}
