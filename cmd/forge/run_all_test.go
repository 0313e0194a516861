package main

import (
	"os"
	"testing"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	if fileExists(dir + "/nope.json") {
		t.Fatal("expected nope.json to not exist")
	}
	path := writeWorkOrderFileRaw(t, dir+"/WO-01.json", `{"id":"WO-01"}`)
	if !fileExists(path) {
		t.Fatal("expected WO-01.json to exist")
	}
}

func TestRunAllStopsImmediatelyWhenWorkdirIsEmpty(t *testing.T) {
	repo := initGitRepo(t)
	workdir := t.TempDir()

	cmd := newRunAllCmd()
	cmd.SetArgs([]string{"--repo", repo, "--workdir", workdir})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected no error for an empty workdir, got %v", err)
	}
}

func writeWorkOrderFileRaw(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
