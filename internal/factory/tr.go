package factory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgeharness/forge/internal/pathsafety"
	"github.com/forgeharness/forge/internal/workspace"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// scopeCheck normalizes rel and confirms it is listed in allowed, and is not
// listed in forbidden. allowed/forbidden are pre-normalized sets built from
// the work order (§4.A: allowed_files/forbidden carry no glob metacharacters,
// so this is an exact-match containment check, not a pattern match).
func scopeCheck(rel string, allowed, forbidden map[string]bool) (string, error) {
	norm, err := pathsafety.Normalize(rel)
	if err != nil {
		return "", fmt.Errorf("path %q: %w", rel, err)
	}
	if forbidden[norm] {
		return "", fmt.Errorf("path %q is forbidden", norm)
	}
	if len(allowed) > 0 && !allowed[norm] {
		return "", fmt.Errorf("path %q is not in allowed_files", norm)
	}
	return norm, nil
}

func normalizedSet(paths []string) map[string]bool {
	out := make(map[string]bool, len(paths))
	for _, p := range paths {
		if norm, err := pathsafety.Normalize(p); err == nil {
			out[norm] = true
		}
	}
	return out
}

// runTR applies s.Proposal's writes transactionally: every write is scope-
// checked and base-hash-checked against current on-disk bytes before any
// byte is written, then all writes land via temp-file-plus-rename. A
// rejection returns before anything is written; a mid-write failure rolls
// the working tree back to baseline. Both leave WriteOK=false with a
// FailureBrief set.
func runTR(ctx context.Context, s *State, ws *workspace.Workspace) {
	allowed := normalizedSet(s.WorkOrder.AllowedFiles)
	forbidden := normalizedSet(s.WorkOrder.Forbidden)

	type plannedWrite struct {
		rel, abs string
		content  []byte
	}
	var planned []plannedWrite

	for _, w := range s.Proposal.Writes {
		norm, err := scopeCheck(w.Path, allowed, forbidden)
		if err != nil {
			s.FailureBrief = newFailureBrief(StageWriteScopeViolation, "", nil, err.Error())
			return
		}
		abs, err := pathsafety.SafeJoin(s.RepoRoot, norm)
		if err != nil {
			s.FailureBrief = newFailureBrief(StageWriteScopeViolation, "", nil, err.Error())
			return
		}

		var current []byte
		if data, err := os.ReadFile(abs); err == nil {
			current = data
		} else if !os.IsNotExist(err) {
			s.FailureBrief = newFailureBrief(StageWriteFailed, "", nil, err.Error())
			return
		}
		if sha256Hex(current) != w.BaseSHA256 {
			s.FailureBrief = newFailureBrief(StageStaleContext, "", nil,
				fmt.Sprintf("base_sha256 for %s no longer matches on-disk content; the file changed since it was read", norm))
			return
		}
		planned = append(planned, plannedWrite{rel: norm, abs: abs, content: []byte(w.Content)})
	}

	touched := make([]string, 0, len(planned))
	for _, pw := range planned {
		if err := writeAtomic(pw.abs, pw.content); err != nil {
			s.FailureBrief = newFailureBrief(StageWriteFailed, "", nil, err.Error())
			s.TouchedFiles = touched
			_ = ws.Rollback(ctx, s.BaselineCommit)
			return
		}
		touched = append(touched, pw.rel)
	}

	s.TouchedFiles = touched
	s.WriteOK = true
	s.FailureBrief = nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".forge-write-*")
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}
