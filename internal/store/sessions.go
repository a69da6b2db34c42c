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

// SessionStore adapts one of the session-backed task sources (meetings or
// chat sessions). Both tables keep their task trees in a JSON column; the
// store flattens them into the same normalized records the standalone
// TaskStore produces, so readers never care which shape a task came from.
type SessionStore struct {
	db         *DB
	table      string
	treeColumn string
	source     task.Source
}

// NewMeetingStore returns the adapter for meeting-embedded task trees.
func NewMeetingStore(db *DB) *SessionStore {
	return &SessionStore{db: db, table: "meetings", treeColumn: "extracted_tasks", source: task.SourceMeeting}
}

// NewChatStore returns the adapter for chat-session-embedded task trees.
func NewChatStore(db *DB) *SessionStore {
	return &SessionStore{db: db, table: "chat_sessions", treeColumn: "suggested_tasks", source: task.SourceChat}
}

// Source reports which task source this store serves.
func (s *SessionStore) Source() task.Source {
	return s.source
}

// Session is one meeting or chat session row together with its decoded
// task tree.
type Session struct {
	ID          string
	UserID      string
	WorkspaceID string
	Name        string
	Tasks       []task.Node
	UpdatedAt   int64
}

// ListOpenTasks flattens every session tree for the user into open task
// records, skipping the session named by excludeSessionID (the meeting
// currently under analysis must not match against itself). A tree that
// fails to decode is treated as empty rather than aborting the listing.
func (s *SessionStore) ListOpenTasks(ctx context.Context, userID, workspaceID, excludeSessionID string) ([]task.Record, error) {
	query := fmt.Sprintf(`SELECT id, user_id, COALESCE(workspace_id, ''), COALESCE(name, ''), COALESCE(%s, '')
	FROM %s WHERE user_id = ?`, s.treeColumn, s.table)
	args := []any{userID}
	if workspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	if excludeSessionID != "" {
		query += ` AND id != ?`
		args = append(args, excludeSessionID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing %s tasks: %w", s.source, err)
	}
	defer rows.Close()

	var records []task.Record
	for rows.Next() {
		var (
			id, uid, wid, name, treeJSON string
		)
		if err := rows.Scan(&id, &uid, &wid, &name, &treeJSON); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", s.source, err)
		}
		if treeJSON == "" {
			continue
		}
		var nodes []task.Node
		if err := json.Unmarshal([]byte(treeJSON), &nodes); err != nil {
			continue
		}
		for _, rec := range task.Flatten(nodes, s.source, id, name) {
			if !task.IsOpen(rec.Status) {
				continue
			}
			rec.UserID = uid
			rec.WorkspaceID = wid
			records = append(records, rec)
		}
	}
	return records, rows.Err()
}

// Get returns one session with its decoded task tree.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (Session, error) {
	query := fmt.Sprintf(`SELECT id, user_id, COALESCE(workspace_id, ''), COALESCE(name, ''), COALESCE(%s, ''), updated_at
	FROM %s WHERE id = ?`, s.treeColumn, s.table)

	var (
		sess     Session
		treeJSON string
	)
	err := s.db.Conn().QueryRowContext(ctx, query, sessionID).
		Scan(&sess.ID, &sess.UserID, &sess.WorkspaceID, &sess.Name, &treeJSON, &sess.UpdatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("getting %s %s: %w", s.source, sessionID, err)
	}
	if treeJSON != "" {
		if err := json.Unmarshal([]byte(treeJSON), &sess.Tasks); err != nil {
			return Session{}, fmt.Errorf("decoding %s task tree: %w", s.source, err)
		}
	}
	return sess, nil
}

// Create inserts a session row. As with TaskStore.Create, session ingestion
// is owned elsewhere in production; this exists for bootstrap and tests.
func (s *SessionStore) Create(ctx context.Context, sess Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(sess.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	treeJSON, err := json.Marshal(sess.Tasks)
	if err != nil {
		return fmt.Errorf("encoding task tree: %w", err)
	}
	now := time.Now().Unix()
	query := fmt.Sprintf(`INSERT INTO %s (id, user_id, workspace_id, name, %s, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table, s.treeColumn)
	if _, err := s.db.Conn().ExecContext(ctx, query, sess.ID, sess.UserID, sess.WorkspaceID,
		sess.Name, string(treeJSON), now, now); err != nil {
		return fmt.Errorf("creating %s: %w", s.source, err)
	}
	return nil
}

// UpdateTaskTree replaces the stored task tree for one session.
func (s *SessionStore) UpdateTaskTree(ctx context.Context, sessionID string, nodes []task.Node) error {
	treeJSON, err := json.Marshal(nodes)
	if err != nil {
		return fmt.Errorf("encoding task tree: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET %s = ?, updated_at = ? WHERE id = ?`, s.table, s.treeColumn)
	res, err := s.db.Conn().ExecContext(ctx, query, string(treeJSON), time.Now().Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("updating %s task tree: %w", s.source, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("updating %s task tree: %w", s.source, sql.ErrNoRows)
	}
	return nil
}

// SetTaskStatus sets status and evidence on every node in the session's
// tree whose id or source task id is in taskIDs. Nodes that are already in
// the requested status are stamped again, so re-applying a confirmation is
// harmless.
func (s *SessionStore) SetTaskStatus(ctx context.Context, sessionID string, taskIDs []string, status string, evidence []task.Evidence) error {
	if len(taskIDs) == 0 {
		return nil
	}
	ids := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		ids[id] = true
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning %s status update: %w", s.source, err)
	}
	defer tx.Rollback()

	var treeJSON string
	query := fmt.Sprintf(`SELECT COALESCE(%s, '') FROM %s WHERE id = ?`, s.treeColumn, s.table)
	if err := tx.QueryRowContext(ctx, query, sessionID).Scan(&treeJSON); err != nil {
		return fmt.Errorf("loading %s task tree: %w", s.source, err)
	}

	var nodes []task.Node
	if treeJSON != "" {
		if err := json.Unmarshal([]byte(treeJSON), &nodes); err != nil {
			return fmt.Errorf("decoding %s task tree: %w", s.source, err)
		}
	}
	if stampStatus(nodes, ids, status, evidence) == 0 {
		// Nothing matched; the tree may have been edited since detection.
		return nil
	}

	updated, err := json.Marshal(nodes)
	if err != nil {
		return fmt.Errorf("encoding task tree: %w", err)
	}
	update := fmt.Sprintf(`UPDATE %s SET %s = ?, updated_at = ? WHERE id = ?`, s.table, s.treeColumn)
	if _, err := tx.ExecContext(ctx, update, string(updated), time.Now().Unix(), sessionID); err != nil {
		return fmt.Errorf("updating %s task tree: %w", s.source, err)
	}
	return tx.Commit()
}

func stampStatus(nodes []task.Node, ids map[string]bool, status string, evidence []task.Evidence) int {
	count := 0
	for i := range nodes {
		n := &nodes[i]
		if ids[n.ID] || (n.SourceTaskID != "" && ids[n.SourceTaskID]) {
			n.Status = status
			n.CompletionEvidence = evidence
			count++
		}
		count += stampStatus(n.Children, ids, status, evidence)
	}
	return count
}
