package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/forgeharness/forge/internal/queue"
	"github.com/forgeharness/forge/internal/runstore"
	"github.com/forgeharness/forge/internal/workorder"
)

func newTestServer(t *testing.T) (*httptest.Server, *runstore.Store, *queue.Queue) {
	t.Helper()
	store, err := runstore.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.FromClient(rdb, queue.Config{})

	srv := New(Config{Addr: ":0"}, store, q, nil)
	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)
	return ts, store, q
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHealthzAndReadyz(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", resp.StatusCode)
	}
}

func TestCreateRunThenGetAndListEvents(t *testing.T) {
	ts, _, q := newTestServer(t)

	req := CreateRunRequest{
		RepoURL: "https://github.com/forgeharness/demo",
		RepoRef: "main",
		WorkOrder: workorder.WorkOrder{
			ID:                 "WO-01",
			Title:              "add file",
			AllowedFiles:       []string{"a.txt"},
			AcceptanceCommands: []string{"true"},
		},
	}
	resp := postJSON(t, ts.URL+"/runs", req)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var created map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	runID := created["id"]
	if runID == "" {
		t.Fatal("expected a run id")
	}

	if job, err := q.Dequeue(context.Background(), time.Second); err != nil || job == nil || job.RunID != runID {
		t.Fatalf("expected run %s to be enqueued, got job=%v err=%v", runID, job, err)
	}

	getResp, err := http.Get(ts.URL + "/runs/" + runID)
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}
	var status RunStatus
	if err := json.NewDecoder(getResp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "PENDING" {
		t.Fatalf("expected PENDING, got %s", status.Status)
	}

	eventsResp, err := http.Get(ts.URL + "/runs/" + runID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer eventsResp.Body.Close()
	var events []EventDTO
	if err := json.NewDecoder(eventsResp.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 {
		t.Fatal("expected at least a RUN_CREATED event")
	}
}

func TestGetRunNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/runs/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCreateRunRejectsInvalidRepoURL(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/runs", CreateRunRequest{
		RepoURL: "not-a-url",
		RepoRef: "main",
		WorkOrder: workorder.WorkOrder{
			ID:           "WO-01",
			AllowedFiles: []string{"a.txt"},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCancelRunTransitionsToCanceled(t *testing.T) {
	ts, store, _ := newTestServer(t)

	run, err := store.CreateRun(context.Background(), runstore.Run{
		RepoURL: "https://github.com/forgeharness/demo",
		RepoRef: "main",
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(fmt.Sprintf("%s/runs/%s/cancel", ts.URL, run.ID), "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	got, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != runstore.StatusCanceled {
		t.Fatalf("expected CANCELED, got %s", got.Status)
	}
}

func TestGetArtifactStreamsBytes(t *testing.T) {
	ts, store, _ := newTestServer(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, runstore.Run{RepoURL: "https://github.com/forgeharness/demo", RepoRef: "main"})
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path := dir + "/run_summary.json"
	content := []byte(`{"ok":true}`)
	if err := writeFile(path, content); err != nil {
		t.Fatal(err)
	}
	if _, err := store.RecordArtifact(ctx, runstore.Artifact{
		RunID: run.ID, Name: "run_summary.json", Path: path, ContentType: "application/json", Bytes: int64(len(content)),
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(fmt.Sprintf("%s/runs/%s/artifacts/run_summary.json", ts.URL, run.ID))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func writeFile(path string, content []byte) error {
	return os.WriteFile(path, content, 0o644)
}
