// Package pathsafety normalizes relative paths, joins them safely against a
// root directory, and tokenizes shell-like command strings without ever
// invoking a shell.
package pathsafety

import (
	"fmt"
	"path"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ErrInvalidPath is wrapped by every rejection reason below.
type ErrInvalidPath struct {
	Path   string
	Reason string
}

func (e *ErrInvalidPath) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

// globMeta are the metacharacters §4.A forbids in a normalized path.
const globMeta = "*?["

// Normalize maps a candidate relative path to its canonical POSIX form.
// Backslashes become forward slashes, a leading "./" is dropped, "." segments
// collapse, and interior ".." segments resolve only when doing so does not
// escape the root. It rejects absolute paths, drive-letter prefixes, empty
// strings, results that are "." or start with "..", NUL/control characters,
// and glob metacharacters.
func Normalize(rel string) (string, error) {
	if rel == "" {
		return "", &ErrInvalidPath{rel, "empty path"}
	}
	for _, r := range rel {
		if r < 0x20 || r == 0x7f {
			return "", &ErrInvalidPath{rel, "control character"}
		}
	}
	if strings.ContainsAny(rel, globMeta) {
		return "", &ErrInvalidPath{rel, "glob metacharacter"}
	}

	p := strings.ReplaceAll(rel, "\\", "/")
	if len(p) >= 2 && p[1] == ':' {
		return "", &ErrInvalidPath{rel, "drive-letter prefix"}
	}
	if strings.HasPrefix(p, "/") {
		return "", &ErrInvalidPath{rel, "absolute path"}
	}

	segments := strings.Split(p, "/")
	var out []string
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return "", &ErrInvalidPath{rel, "escapes root"}
			}
			out = out[:len(out)-1]
		default:
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return "", &ErrInvalidPath{rel, "normalizes to root"}
	}
	result := strings.Join(out, "/")
	if result == "." || strings.HasPrefix(result, "..") {
		return "", &ErrInvalidPath{rel, "escapes root"}
	}
	return result, nil
}

// SafeJoin normalizes rel and joins it to base only once proven not to
// traverse outside base.
func SafeJoin(base, rel string) (string, error) {
	norm, err := Normalize(rel)
	if err != nil {
		return "", err
	}
	return path.Join(base, norm), nil
}

// HasGlobMeta reports whether s contains any of the glob metacharacters this
// package treats as forbidden in declared paths ("*", "?", "[").
func HasGlobMeta(s string) bool {
	return strings.ContainsAny(s, globMeta)
}

// shellOperators are bare tokens that, after lexing, indicate the command
// string tried to chain or redirect — these are rejected for execution.
var shellOperators = map[string]bool{
	"|": true, "||": true, "&&": true, ";": true,
	">": true, ">>": true, "<": true, "<<": true,
}

// TokenizeCommand parses a command string into an argv using POSIX
// shell-lexing rules (quoting, escapes) without invoking a shell. If the
// command contains an unquoted shell operator, or any resulting token equals
// one, the command is rejected. Unparseable commands yield a distinct error
// so callers can tell a syntax failure from a safety rejection.
func TokenizeCommand(cmd string) ([]string, error) {
	p := shellwords.NewParser()
	tokens, err := p.Parse(cmd)
	if err != nil {
		return nil, fmt.Errorf("unparseable command %q: %w", cmd, err)
	}
	// The lexer stops at the first unquoted ;, &, |, < or > and records that
	// rune offset in Position, so chaining never surfaces as a token.
	if rs := []rune(cmd); p.Position >= 0 && p.Position < len(rs) && strings.ContainsRune(";&|<>", rs[p.Position]) {
		return nil, fmt.Errorf("command %q contains shell operator %q", cmd, string(rs[p.Position]))
	}
	for _, t := range tokens {
		if shellOperators[t] {
			return nil, fmt.Errorf("command %q contains shell operator token %q", cmd, t)
		}
	}
	return tokens, nil
}

// NormalizeCommandForComparison renders a command the way E105 must compare
// it: shlex-split then posixpath-normalized and rejoined, so that leading
// whitespace, doubled spaces, and a "./" prefix on any token do not cause
// two equivalent commands to compare unequal.
func NormalizeCommandForComparison(cmd string) (string, error) {
	tokens, err := TokenizeCommand(cmd)
	if err != nil {
		return "", err
	}
	if len(tokens) == 0 {
		return "", nil
	}
	for i, t := range tokens {
		tokens[i] = path.Clean(t)
	}
	return strings.Join(tokens, " "), nil
}
