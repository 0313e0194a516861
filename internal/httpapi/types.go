package httpapi

import (
	"time"

	"github.com/forgeharness/forge/internal/runstore"
	"github.com/forgeharness/forge/internal/workorder"
)

// CreateRunRequest is the POST /runs request body: one work order applied
// against one repo ref, per §4.J.
type CreateRunRequest struct {
	RepoURL        string              `json:"repo_url"`
	RepoRef        string              `json:"repo_ref"`
	WorkOrder      workorder.WorkOrder `json:"work_order"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	Params         map[string]any      `json:"params,omitempty"`
	Writeback      map[string]any      `json:"writeback,omitempty"`
}

// RunStatus is returned by GET /runs/{id}.
type RunStatus struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	RepoURL       string     `json:"repo_url"`
	RepoRef       string     `json:"repo_ref"`
	GitSHA        string     `json:"git_sha,omitempty"`
	Iteration     int        `json:"iteration"`
	ResultSummary string     `json:"result_summary,omitempty"`
	Error         map[string]any `json:"error,omitempty"`
}

func runStatusFromRun(r runstore.Run) RunStatus {
	return RunStatus{
		ID:            r.ID,
		Status:        string(r.Status),
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		RepoURL:       r.RepoURL,
		RepoRef:       r.RepoRef,
		GitSHA:        r.GitSHA,
		Iteration:     r.Iteration,
		ResultSummary: r.ResultSummary,
		Error:         r.Error,
	}
}

// EventDTO is one entry in the GET /runs/{id}/events response.
type EventDTO struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Kind      string         `json:"kind"`
	Iteration *int           `json:"iteration,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func eventDTOFromEvent(e runstore.Event) EventDTO {
	return EventDTO{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Level:     e.Level,
		Kind:      string(e.Kind),
		Iteration: e.Iteration,
		Payload:   e.Payload,
	}
}

// ErrorResponse is the standard error envelope, matching
// internal/server/types.go's ErrorResponse shape.
type ErrorResponse struct {
	Error string `json:"error"`
}
