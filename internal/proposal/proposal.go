// Package proposal defines the LLM's per-attempt output: a summary plus an
// ordered sequence of hash-guarded file writes.
package proposal

import "fmt"

// Size invariants (§3).
const (
	MaxWriteBytes = 200 * 1024
	MaxTotalBytes = 500 * 1024
)

// Write is one hash-guarded file write. BaseSHA256 is the hex SHA-256 of the
// file's current bytes at proposal time (or of the empty string for a new
// file); the factory's TR phase rejects the whole proposal if any entry's
// BaseSHA256 no longer matches on-disk reality.
type Write struct {
	Path       string `json:"path"`
	BaseSHA256 string `json:"base_sha256"`
	Content    string `json:"content"`
}

// Proposal is what the LLM returns for one SE attempt.
type Proposal struct {
	Summary string  `json:"summary"`
	Writes  []Write `json:"writes"`
}

// Validate checks the size invariants and duplicate-path rule from §3. It
// does not check scope (allowed_files) or hash freshness — those are the
// factory TR phase's job, since they require repo state.
func (p Proposal) Validate() error {
	seen := make(map[string]bool, len(p.Writes))
	var total int
	for _, w := range p.Writes {
		if seen[w.Path] {
			return fmt.Errorf("duplicate path in proposal: %s", w.Path)
		}
		seen[w.Path] = true
		n := len(w.Content)
		if n > MaxWriteBytes {
			return fmt.Errorf("write to %s exceeds per-write size limit (%d > %d bytes)", w.Path, n, MaxWriteBytes)
		}
		total += n
	}
	if total > MaxTotalBytes {
		return fmt.Errorf("proposal exceeds total size limit (%d > %d bytes)", total, MaxTotalBytes)
	}
	return nil
}
