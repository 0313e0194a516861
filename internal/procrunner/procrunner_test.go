package procrunner

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesExitCode(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Argv:    []string{"sh", "-c", "exit 3"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", res.ExitCode)
	}
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Argv:    []string{"sh", "-c", "sleep 10"},
		Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.TimedOut || res.ExitCode != 124 {
		t.Fatalf("expected timeout with exit code 124, got %+v", res)
	}
}

func TestRunTruncatesOutput(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Argv:    []string{"sh", "-c", "yes x | head -c 5000"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(res.StdoutExcerpt, truncatedMarker) {
		t.Fatalf("expected truncated marker, got suffix %q", res.StdoutExcerpt[len(res.StdoutExcerpt)-20:])
	}
	if len(res.StdoutExcerpt) > TruncateLimit+len(truncatedMarker) {
		t.Fatalf("excerpt too long: %d", len(res.StdoutExcerpt))
	}
}
