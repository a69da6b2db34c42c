package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/trbojevicstefan/taskwise/internal/task"
)

// TaskStore is the adapter for the standalone task store. Standalone tasks
// carry the embedding cache columns; the session-embedded stores do not.
type TaskStore struct {
	db *DB
}

// NewTaskStore returns a TaskStore over db.
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db}
}

const taskColumns = `id, user_id, COALESCE(workspace_id, ''), title,
	COALESCE(description, ''), COALESCE(assignee_name, ''),
	COALESCE(assignee_email, ''), status, COALESCE(due_at, 0),
	COALESCE(priority, ''), COALESCE(embedding, ''),
	COALESCE(embedding_model, '')`

// ListOpenTasks returns every task for the user whose status is not done,
// optionally restricted to one workspace. The excludeSessionID parameter is
// part of the shared reader contract and is ignored here: standalone tasks
// have no session wrapper.
func (s *TaskStore) ListOpenTasks(ctx context.Context, userID, workspaceID, excludeSessionID string) ([]task.Record, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = ? AND status != ?`
	args := []any{userID, task.StatusDone}
	if workspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing open tasks: %w", err)
	}
	defer rows.Close()

	var records []task.Record
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanTask(rows *sql.Rows) (task.Record, error) {
	var (
		rec           task.Record
		embeddingJSON string
	)
	err := rows.Scan(&rec.ID, &rec.UserID, &rec.WorkspaceID, &rec.Title,
		&rec.Description, &rec.AssigneeName, &rec.AssigneeEmail,
		&rec.Status, &rec.DueAt, &rec.Priority, &embeddingJSON,
		&rec.EmbeddingModel)
	if err != nil {
		return task.Record{}, fmt.Errorf("scanning task row: %w", err)
	}
	rec.Source = task.SourceTask
	rec.SessionID = rec.ID
	if embeddingJSON != "" {
		// A cache entry that fails to decode is treated as absent.
		_ = json.Unmarshal([]byte(embeddingJSON), &rec.Embedding)
	}
	return rec, nil
}

// Create inserts a standalone task. The product's CRUD layer owns task
// creation in production; this exists for bootstrap and tests.
func (s *TaskStore) Create(ctx context.Context, rec task.Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(rec.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	status := rec.Status
	if status == "" {
		status = task.StatusOpen
	}
	now := time.Now().Unix()
	query := `INSERT INTO tasks (id, user_id, workspace_id, title, description,
	assignee_name, assignee_email, status, due_at, priority, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Conn().ExecContext(ctx, query, rec.ID, rec.UserID, rec.WorkspaceID,
		rec.Title, rec.Description, rec.AssigneeName, rec.AssigneeEmail,
		status, rec.DueAt, rec.Priority, now, now)
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	return nil
}

// SetEmbedding writes the embedding cache fields for one task. Concurrent
// runs may race here; embeddings are a pure function of (text, model), so
// last write wins is correct.
func (s *TaskStore) SetEmbedding(ctx context.Context, taskID string, vector []float32, modelID string) error {
	encoded, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encoding embedding: %w", err)
	}
	query := `UPDATE tasks SET embedding = ?, embedding_model = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.Conn().ExecContext(ctx, query, string(encoded), modelID, time.Now().Unix(), taskID); err != nil {
		return fmt.Errorf("caching embedding: %w", err)
	}
	return nil
}

// SetStatus updates status and evidence for a batch of standalone tasks in
// one transaction. Re-applying the same update is a no-op beyond re-setting
// identical values.
func (s *TaskStore) SetStatus(ctx context.Context, taskIDs []string, status string, evidence []task.Evidence) error {
	if len(taskIDs) == 0 {
		return nil
	}
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return fmt.Errorf("encoding evidence: %w", err)
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning status update: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, id := range taskIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, completion_evidence = ?, updated_at = ? WHERE id = ?`,
			status, string(evidenceJSON), now, id); err != nil {
			return fmt.Errorf("updating task %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Get returns one task by id.
func (s *TaskStore) Get(ctx context.Context, taskID string) (task.Record, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	rows, err := s.db.Conn().QueryContext(ctx, query, taskID)
	if err != nil {
		return task.Record{}, fmt.Errorf("getting task: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return task.Record{}, err
		}
		return task.Record{}, sql.ErrNoRows
	}
	return scanTask(rows)
}

// GetEvidence returns the persisted completion evidence for one task.
func (s *TaskStore) GetEvidence(ctx context.Context, taskID string) ([]task.Evidence, error) {
	var evidenceJSON string
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT COALESCE(completion_evidence, '') FROM tasks WHERE id = ?`, taskID).
		Scan(&evidenceJSON)
	if err != nil {
		return nil, fmt.Errorf("getting evidence: %w", err)
	}
	if evidenceJSON == "" {
		return nil, nil
	}
	var evidence []task.Evidence
	if err := json.Unmarshal([]byte(evidenceJSON), &evidence); err != nil {
		return nil, fmt.Errorf("decoding evidence: %w", err)
	}
	return evidence, nil
}
