// Package artifacts provides the deterministic on-disk artifact layout and
// the atomic JSON writer every artifact-producing component uses (§4.M).
package artifacts

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// PlannerCompileDir returns <artifactsRoot>/planner/<compileHash>/compile.
func PlannerCompileDir(artifactsRoot, compileHash string) string {
	return filepath.Join(artifactsRoot, "planner", compileHash, "compile")
}

// FactoryRunDir returns <artifactsRoot>/factory/<runID>.
func FactoryRunDir(artifactsRoot, runID string) string {
	return filepath.Join(artifactsRoot, "factory", runID)
}

// FactoryAttemptDir returns <artifactsRoot>/factory/<runID>/attempt_<N>.
func FactoryAttemptDir(artifactsRoot, runID string, attemptIndex int) string {
	return filepath.Join(FactoryRunDir(artifactsRoot, runID), fmt.Sprintf("attempt_%d", attemptIndex))
}

// WriteJSON marshals v with sorted keys and 2-space indent, appends a
// trailing newline, and writes it atomically (temp file + fsync + rename).
//
// Go's encoding/json already emits object (map) keys sorted; struct fields
// are emitted in declaration order, so callers that need key-sorted struct
// output declare those structs with fields in the sorted order the spec's
// fixtures expect.
func WriteJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("artifacts: marshal %s: %w", path, err)
	}
	return WriteAtomic(path, buf.Bytes())
}

// WriteAtomic writes data to path via temp file + fsync + rename, creating
// parent directories as needed.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifacts: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("artifacts: create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("artifacts: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("artifacts: fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("artifacts: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("artifacts: rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}

// SHA256Hex is the spec-mandated content hash for Artifact.sha256 and for
// Proposal.Write.BaseSHA256 comparisons.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Blake3Hex returns the full 64-hex-digit blake3 digest of data, a faster
// companion fingerprint to SHA256Hex (grounded in the teacher's cxdb_sink.go
// use of blake3). CompileHash computes its own truncated blake3 digest, and
// the run store's artifact index records only the SHA-256.
func Blake3Hex(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CompileHash derives the 16-hex-digit compile hash from
// (spec bytes || template bytes || model name || reasoning effort), per §3.
func CompileHash(specBytes, templateBytes []byte, model, reasoningEffort string) string {
	var buf bytes.Buffer
	buf.Write(specBytes)
	buf.Write(templateBytes)
	buf.WriteString(model)
	buf.WriteString(reasoningEffort)
	full := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(full[:])[:16]
}
