// Package runstore is the persisted runs/events/artifacts store (§4.I):
// one row per queued/executing work order, an append-only event log, and an
// artifact index whose bytes live on disk. Access is through short-lived
// sessions that commit on success and roll back on error, mirroring the
// original AOS db layer's session discipline.
package runstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/forgeharness/forge/internal/workorder"
)

//go:embed schema.sql
var schemaSQL string

// Status is a Run's lifecycle state (§3).
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

// EventKind enumerates the recognized event kinds (§3).
type EventKind string

const (
	EventRunCreated     EventKind = "RUN_CREATED"
	EventRunStart       EventKind = "RUN_START"
	EventRunEnd         EventKind = "RUN_END"
	EventRunCanceled    EventKind = "RUN_CANCELED"
	EventSEOutput       EventKind = "SE_OUTPUT"
	EventTRApply        EventKind = "TR_APPLY"
	EventPOResult       EventKind = "PO_RESULT"
	EventErrorException EventKind = "ERROR_EXCEPTION"
)

// Run is the persisted queue-job record for one work order (§3, §4.I).
type Run struct {
	ID             string
	Status         Status
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	IdempotencyKey string
	RepoURL        string
	RepoRef        string
	GitSHA         string
	WorkOrder      workorder.WorkOrder
	WorkOrderBody  string
	Params         map[string]any
	Iteration      int
	Writeback      map[string]any
	RQJobID        string
	ResultSummary  string
	Error          map[string]any
	ArtifactRoot   string
}

// Event is one append-only audit-log row bound to a run (§3).
type Event struct {
	ID        int64
	RunID     string
	Timestamp time.Time
	Level     string
	Kind      EventKind
	Iteration *int
	Payload   map[string]any
}

// Artifact indexes a file produced during a run; bytes live on disk at Path (§3).
type Artifact struct {
	ID          int64
	RunID       string
	Name        string
	Path        string
	ContentType string
	Bytes       int64
	SHA256      string
	CreatedAt   time.Time
}

// ErrIdempotencyConflict is returned by CreateRun when idempotency_key
// already names an existing run.
var ErrIdempotencyConflict = fmt.Errorf("runstore: idempotency_key already exists")

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = fmt.Errorf("runstore: not found")

// Store wraps a *sql.DB opened against a SQLite file (or ":memory:" for
// tests), applying the embedded schema on Open.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at dsn and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("runstore: open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer at a time avoids SQLITE_BUSY
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("runstore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the underlying database is reachable, for the HTTP
// API's GET /readyz.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// NewRunID returns a fresh ULID-style run id (§3: "ULID-style id").
func NewRunID() string {
	return ulid.Make().String()
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSONOrEmpty(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

// CreateRun inserts a new PENDING run and its RUN_CREATED event in one
// transaction, matching §4.J step 1. Returns ErrIdempotencyConflict if
// run.IdempotencyKey is non-empty and already used by another run.
func (s *Store) CreateRun(ctx context.Context, run Run) (Run, error) {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.Status == "" {
		run.Status = StatusPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	woJSON, err := marshalJSON(run.WorkOrder)
	if err != nil {
		return Run{}, err
	}
	paramsJSON, err := marshalJSON(run.Params)
	if err != nil {
		return Run{}, err
	}
	writebackJSON, err := marshalJSON(run.Writeback)
	if err != nil {
		return Run{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, err
	}
	defer tx.Rollback()

	var idemKey any
	if run.IdempotencyKey != "" {
		idemKey = run.IdempotencyKey
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, status, created_at, idempotency_key, repo_url, repo_ref, work_order, work_order_body, params, iteration, writeback)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), run.CreatedAt.Format(time.RFC3339Nano), idemKey,
		run.RepoURL, run.RepoRef, woJSON, run.WorkOrderBody, paramsJSON, run.Iteration, writebackJSON,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return Run{}, ErrIdempotencyConflict
		}
		return Run{}, fmt.Errorf("runstore: insert run: %w", err)
	}

	if err := appendEventTx(ctx, tx, run.ID, "INFO", EventRunCreated, nil, nil); err != nil {
		return Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return Run{}, err
	}
	return run, nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, created_at, started_at, finished_at, idempotency_key, repo_url, repo_ref,
		       git_sha, work_order, work_order_body, params, iteration, writeback, rq_job_id,
		       result_summary, error, artifact_root
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

func scanRun(row *sql.Row) (Run, error) {
	var r Run
	var createdAt string
	var startedAt, finishedAt, idemKey, gitSHA, woJSON, paramsJSON, writebackJSON, rqJobID, resultSummary, errJSON, artifactRoot sql.NullString
	var status string
	err := row.Scan(&r.ID, &status, &createdAt, &startedAt, &finishedAt, &idemKey, &r.RepoURL, &r.RepoRef,
		&gitSHA, &woJSON, &r.WorkOrderBody, &paramsJSON, &r.Iteration, &writebackJSON, &rqJobID,
		&resultSummary, &errJSON, &artifactRoot)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("runstore: scan run: %w", err)
	}
	r.Status = Status(status)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		r.StartedAt = &t
	}
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
		r.FinishedAt = &t
	}
	r.IdempotencyKey = idemKey.String
	r.GitSHA = gitSHA.String
	r.RQJobID = rqJobID.String
	r.ResultSummary = resultSummary.String
	r.ArtifactRoot = artifactRoot.String
	if woJSON.Valid {
		_ = unmarshalJSONOrEmpty(woJSON.String, &r.WorkOrder)
	}
	if paramsJSON.Valid {
		_ = unmarshalJSONOrEmpty(paramsJSON.String, &r.Params)
	}
	if writebackJSON.Valid {
		_ = unmarshalJSONOrEmpty(writebackJSON.String, &r.Writeback)
	}
	if errJSON.Valid {
		_ = unmarshalJSONOrEmpty(errJSON.String, &r.Error)
	}
	return r, nil
}

// TransitionToRunning moves a PENDING run to RUNNING and records RUN_START,
// per §4.J step 1. If the run is already CANCELED, it returns the current
// status without error so the caller can "exit cleanly".
func (s *Store) TransitionToRunning(ctx context.Context, id string) (Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", err
	}
	if Status(status) == StatusCanceled {
		return StatusCanceled, nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, started_at = ? WHERE id = ?`, string(StatusRunning), now, id); err != nil {
		return "", err
	}
	if err := appendEventTx(ctx, tx, id, "INFO", EventRunStart, nil, nil); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return StatusRunning, nil
}

// Finish transitions a RUNNING run to its terminal status, recording
// RUN_END with an optional error payload (§4.J step 6).
func (s *Store) Finish(ctx context.Context, id string, final Status, resultSummary string, errPayload map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	errJSON, err := marshalJSON(errPayload)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, finished_at = ?, result_summary = ?, error = ? WHERE id = ?`,
		string(final), now, resultSummary, errJSON, id); err != nil {
		return err
	}
	level := "INFO"
	if final == StatusFailed {
		level = "ERROR"
	}
	payload := map[string]any{"result_summary": resultSummary}
	if errPayload != nil {
		payload["error"] = errPayload
	}
	if err := appendEventTx(ctx, tx, id, level, EventRunEnd, nil, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// Cancel flips status to CANCELED atomically, per §4.J's "Cancellation &
// timeouts". It is a no-op (returns nil) if the run is already terminal.
func (s *Store) Cancel(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	switch Status(status) {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ?`, string(StatusCanceled), id); err != nil {
		return err
	}
	if err := appendEventTx(ctx, tx, id, "INFO", EventRunCanceled, nil, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// IsCanceled reports whether a run's current status is CANCELED — the
// phase-boundary check the worker performs per §4.J.
func (s *Store) IsCanceled(ctx context.Context, id string) (bool, error) {
	var status string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		return false, err
	}
	return Status(status) == StatusCanceled, nil
}

// MarkFinishedAt stamps finished_at on a run without changing its status or
// appending an event — used when a worker discovers mid-flight that a run
// was already canceled and needs to close out the row.
func (s *Store) MarkFinishedAt(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET finished_at = ? WHERE id = ?`, now, id)
	return err
}

// SetIteration persists the run's current iteration counter.
func (s *Store) SetIteration(ctx context.Context, id string, iteration int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET iteration = ? WHERE id = ?`, iteration, id)
	return err
}

// SetGitSHA records the baseline commit captured immediately after clone.
func (s *Store) SetGitSHA(ctx context.Context, id, sha string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET git_sha = ? WHERE id = ?`, sha, id)
	return err
}

// AppendEvent inserts one append-only event row (§4.I: "events are always
// inserted ... to guarantee ordering").
func (s *Store) AppendEvent(ctx context.Context, runID string, level string, kind EventKind, iteration *int, payload map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := appendEventTx(ctx, tx, runID, level, kind, iteration, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func appendEventTx(ctx context.Context, tx *sql.Tx, runID string, level string, kind EventKind, iteration *int, payload map[string]any) error {
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (run_id, ts, level, kind, iteration, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, now, level, string(kind), iteration, payloadJSON)
	if err != nil {
		return fmt.Errorf("runstore: append event: %w", err)
	}
	return nil
}

// ListEvents returns a run's events in id order (the tailing-query shape
// §4.I's `(run_id, id)` index supports), optionally only those after afterID.
func (s *Store) ListEvents(ctx context.Context, runID string, afterID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, ts, level, kind, iteration, payload
		FROM events WHERE run_id = ? AND id > ? ORDER BY id ASC`, runID, afterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts, kind string
		var iteration sql.NullInt64
		var payloadJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &ts, &e.Level, &kind, &iteration, &payloadJSON); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.Kind = EventKind(kind)
		if iteration.Valid {
			v := int(iteration.Int64)
			e.Iteration = &v
		}
		if payloadJSON.Valid {
			var p map[string]any
			_ = unmarshalJSONOrEmpty(payloadJSON.String, &p)
			e.Payload = p
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecordArtifact inserts an artifact index row for a file already written
// to disk at path.
func (s *Store) RecordArtifact(ctx context.Context, a Artifact) (Artifact, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (run_id, name, path, content_type, bytes, sha256, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.Name, a.Path, a.ContentType, a.Bytes, a.SHA256, a.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Artifact{}, fmt.Errorf("runstore: record artifact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Artifact{}, err
	}
	a.ID = id
	return a, nil
}

// GetArtifactByName finds a run's artifact by its logical name, for
// `GET /runs/{id}/artifacts/{name}`.
func (s *Store) GetArtifactByName(ctx context.Context, runID, name string) (Artifact, error) {
	var a Artifact
	var createdAt string
	var contentType, sha256 sql.NullString
	var bytes sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, name, path, content_type, bytes, sha256, created_at
		FROM artifacts WHERE run_id = ? AND name = ? ORDER BY id DESC LIMIT 1`, runID, name).
		Scan(&a.ID, &a.RunID, &a.Name, &a.Path, &contentType, &bytes, &sha256, &createdAt)
	if err == sql.ErrNoRows {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, err
	}
	a.ContentType = contentType.String
	a.SHA256 = sha256.String
	a.Bytes = bytes.Int64
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return a, nil
}
