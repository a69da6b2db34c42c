package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trbojevicstefan/taskwise/internal/task"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenMigratesAndReopens(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	require.NoError(t, err)

	var version string
	err = db.Conn().QueryRow(`SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, "1", version)
	require.NoError(t, db.Close())

	// Reopening against an already-migrated file must be a no-op.
	db, err = Open(dir)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestTaskStoreListOpenTasks(t *testing.T) {
	ctx := context.Background()
	tasks := NewTaskStore(newTestDB(t))

	seed := []task.Record{
		{ID: "t1", UserID: "u1", WorkspaceID: "w1", Title: "Send contract", AssigneeEmail: "ana@acme.io", Status: task.StatusOpen},
		{ID: "t2", UserID: "u1", WorkspaceID: "w1", Title: "Book venue", Status: task.StatusInProgress},
		{ID: "t3", UserID: "u1", WorkspaceID: "w1", Title: "Old thing", Status: task.StatusDone},
		{ID: "t4", UserID: "u1", WorkspaceID: "w2", Title: "Other workspace", Status: task.StatusOpen},
		{ID: "t5", UserID: "u2", WorkspaceID: "w1", Title: "Other user", Status: task.StatusOpen},
	}
	for _, rec := range seed {
		require.NoError(t, tasks.Create(ctx, rec))
	}

	got, err := tasks.ListOpenTasks(ctx, "u1", "w1", "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, rec := range got {
		assert.Equal(t, "u1", rec.UserID)
		assert.Equal(t, "w1", rec.WorkspaceID)
		assert.Equal(t, task.SourceTask, rec.Source)
		assert.Equal(t, rec.ID, rec.SessionID)
		assert.NotEqual(t, task.StatusDone, rec.Status)
	}

	// Without a workspace filter the other-workspace task shows up too.
	got, err = tasks.ListOpenTasks(ctx, "u1", "", "")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestTaskStoreEmbeddingCache(t *testing.T) {
	ctx := context.Background()
	tasks := NewTaskStore(newTestDB(t))

	require.NoError(t, tasks.Create(ctx, task.Record{ID: "t1", UserID: "u1", Title: "Ship the beta"}))

	rec, err := tasks.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, rec.Embedding)
	assert.Empty(t, rec.EmbeddingModel)

	vec := []float32{0.25, -0.5, 1}
	require.NoError(t, tasks.SetEmbedding(ctx, "t1", vec, "text-embedding-3-small"))

	rec, err = tasks.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, vec, rec.Embedding)
	assert.Equal(t, "text-embedding-3-small", rec.EmbeddingModel)
}

func TestTaskStoreSetStatus(t *testing.T) {
	ctx := context.Background()
	tasks := NewTaskStore(newTestDB(t))

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, tasks.Create(ctx, task.Record{ID: id, UserID: "u1", Title: "Task " + id}))
	}

	evidence := []task.Evidence{{Text: "I sent the contract this morning", Speaker: "Ana"}}
	require.NoError(t, tasks.SetStatus(ctx, []string{"t1", "t3"}, task.StatusDone, evidence))

	rec, err := tasks.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, rec.Status)

	rec, err = tasks.Get(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, task.StatusOpen, rec.Status)

	got, err := tasks.GetEvidence(ctx, "t3")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Ana", got[0].Speaker)

	// Re-applying the same confirmation must not fail.
	require.NoError(t, tasks.SetStatus(ctx, []string{"t1", "t3"}, task.StatusDone, evidence))
}

func TestTaskStoreGetMissing(t *testing.T) {
	tasks := NewTaskStore(newTestDB(t))
	_, err := tasks.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestSessionStoreListOpenTasks(t *testing.T) {
	ctx := context.Background()
	meetings := NewMeetingStore(newTestDB(t))

	tree := []task.Node{
		{ID: "m1", Title: "Prepare launch", Status: task.StatusOpen, Children: []task.Node{
			{ID: "m1a", Title: "Draft announcement", Status: task.StatusOpen},
			{ID: "m1b", Title: "Old subtask", Status: task.StatusDone},
		}},
		{ID: "m2", Title: "Renew license", Status: task.StatusOpen},
	}
	require.NoError(t, meetings.Create(ctx, Session{ID: "s1", UserID: "u1", WorkspaceID: "w1", Name: "Planning sync", Tasks: tree}))
	require.NoError(t, meetings.Create(ctx, Session{ID: "s2", UserID: "u1", WorkspaceID: "w1", Name: "Current meeting", Tasks: []task.Node{
		{ID: "x1", Title: "Should be excluded", Status: task.StatusOpen},
	}}))

	got, err := meetings.ListOpenTasks(ctx, "u1", "w1", "s2")
	require.NoError(t, err)
	require.Len(t, got, 3)

	var titles []string
	for _, rec := range got {
		titles = append(titles, rec.Title)
		assert.Equal(t, task.SourceMeeting, rec.Source)
		assert.Equal(t, "s1", rec.SessionID)
		assert.Equal(t, "Planning sync", rec.SessionName)
		assert.Equal(t, "u1", rec.UserID)
		assert.Equal(t, "w1", rec.WorkspaceID)
	}
	assert.Equal(t, []string{"Prepare launch", "Draft announcement", "Renew license"}, titles)

	// Without the exclusion the second meeting's task is present.
	got, err = meetings.ListOpenTasks(ctx, "u1", "w1", "")
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestSessionStoreSetTaskStatus(t *testing.T) {
	ctx := context.Background()
	chats := NewChatStore(newTestDB(t))

	tree := []task.Node{
		{ID: "c1", Title: "Research vendors", Status: task.StatusOpen, Children: []task.Node{
			{ID: "c1a", SourceTaskID: "ext-42", Title: "Collect quotes", Status: task.StatusOpen},
		}},
		{ID: "c2", Title: "Untouched", Status: task.StatusOpen},
	}
	require.NoError(t, chats.Create(ctx, Session{ID: "s1", UserID: "u1", Tasks: tree}))

	evidence := []task.Evidence{{Text: "Quotes are all in", Speaker: "Ben"}}
	// c1a is addressed by its source task id, not its node id.
	require.NoError(t, chats.SetTaskStatus(ctx, "s1", []string{"c1", "ext-42"}, task.StatusDone, evidence))

	sess, err := chats.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, sess.Tasks, 2)
	assert.Equal(t, task.StatusDone, sess.Tasks[0].Status)
	assert.Equal(t, evidence, sess.Tasks[0].CompletionEvidence)
	assert.Equal(t, task.StatusDone, sess.Tasks[0].Children[0].Status)
	assert.Equal(t, task.StatusOpen, sess.Tasks[1].Status)
	assert.Empty(t, sess.Tasks[1].CompletionEvidence)

	// Ids that match nothing leave the tree alone.
	require.NoError(t, chats.SetTaskStatus(ctx, "s1", []string{"ghost"}, task.StatusDone, evidence))
	sess, err = chats.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusOpen, sess.Tasks[1].Status)
}

func TestSessionStoreUpdateTaskTree(t *testing.T) {
	ctx := context.Background()
	meetings := NewMeetingStore(newTestDB(t))

	require.NoError(t, meetings.Create(ctx, Session{ID: "s1", UserID: "u1"}))

	nodes := []task.Node{{ID: "n1", Title: "Replacement", Status: task.StatusOpen}}
	require.NoError(t, meetings.UpdateTaskTree(ctx, "s1", nodes))

	sess, err := meetings.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, sess.Tasks, 1)
	assert.Equal(t, "Replacement", sess.Tasks[0].Title)

	err = meetings.UpdateTaskTree(ctx, "missing", nodes)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}
