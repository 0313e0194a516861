// Package sanitize validates repo URLs, Git refs, and branch names, and
// redacts credential-shaped substrings before untrusted command output is
// persisted or returned to a caller (§4.K).
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

var repoURLRe = regexp.MustCompile(`^https://github\.com/[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+(\.git)?$`)

// ValidateRepoURL rejects anything but https://github.com/<org>/<repo>(.git)?.
func ValidateRepoURL(url string) error {
	if !repoURLRe.MatchString(url) {
		return fmt.Errorf("repo url %q must match https://github.com/<org>/<repo>(.git)?", url)
	}
	return nil
}

// refControlChars matches any ASCII control character.
var refControlChars = regexp.MustCompile(`[\x00-\x1f\x7f]`)

// ValidateRef checks a strict subset of Git's ref-format rules: no "..", no
// spaces, no control characters, no leading "-", and a length cap.
func ValidateRef(ref string) error {
	return validateRefLike(ref, false)
}

// ValidateBranch applies the same constraints as ValidateRef plus a ban on
// ":" (used in Git refspecs to separate source and destination).
func ValidateBranch(branch string) error {
	return validateRefLike(branch, true)
}

func validateRefLike(ref string, banColon bool) error {
	if ref == "" {
		return fmt.Errorf("ref must not be empty")
	}
	if len(ref) > 250 {
		return fmt.Errorf("ref exceeds 250 characters")
	}
	if strings.Contains(ref, "..") {
		return fmt.Errorf("ref must not contain '..'")
	}
	if strings.Contains(ref, " ") {
		return fmt.Errorf("ref must not contain spaces")
	}
	if refControlChars.MatchString(ref) {
		return fmt.Errorf("ref must not contain control characters")
	}
	if strings.HasPrefix(ref, "-") {
		return fmt.Errorf("ref must not start with '-'")
	}
	if banColon && strings.Contains(ref, ":") {
		return fmt.Errorf("branch name must not contain ':'")
	}
	return nil
}

var (
	bearerRe       = regexp.MustCompile(`(?i)Authorization:\s*Bearer\s+\S+`)
	accessTokenRe  = regexp.MustCompile(`x-access-token:[^@\s]+@`)
	queryTokenRe   = regexp.MustCompile(`(?i)([?&]token=)[^&\s]+`)
	genericTokenRe = regexp.MustCompile(`\b[A-Za-z0-9+/_-]{40,}\b`)
)

const redactedMarker = "[REDACTED]"

// Redact replaces Authorization: Bearer tokens, x-access-token credentials
// embedded in a URL, query-string tokens, and generic 40+-character
// hex/base64-looking tokens with a fixed marker, before the text is persisted
// or surfaced in an error.
func Redact(s string) string {
	s = bearerRe.ReplaceAllString(s, "Authorization: Bearer "+redactedMarker)
	s = accessTokenRe.ReplaceAllString(s, "x-access-token:"+redactedMarker+"@")
	s = queryTokenRe.ReplaceAllString(s, "${1}"+redactedMarker)
	s = genericTokenRe.ReplaceAllString(s, redactedMarker)
	return s
}

// WithAccessToken prefixes an HTTPS clone URL with an x-access-token
// credential, the single-env-var-token injection scheme §4.J specifies.
func WithAccessToken(httpsURL, token string) (string, error) {
	if token == "" {
		return httpsURL, nil
	}
	const scheme = "https://"
	if !strings.HasPrefix(httpsURL, scheme) {
		return "", fmt.Errorf("expected an https:// url, got %q", httpsURL)
	}
	return scheme + "x-access-token:" + token + "@" + strings.TrimPrefix(httpsURL, scheme), nil
}
