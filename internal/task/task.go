// Package task defines the normalized task shape shared by the three
// canonical stores and the completion-detection pipeline.
//
// The standalone task store, meeting documents, and chat-session documents
// each persist tasks in their own shape; per-store adapters map into Record
// before anything enters the pipeline, and map suggestion output back out
// afterward. Nothing downstream of the adapters knows which store a task
// came from except through its Source tag.
package task

// Source identifies the canonical store a task instance originated from.
type Source string

const (
	// SourceTask is the standalone task store.
	SourceTask Source = "task"
	// SourceMeeting is a task tree embedded in a meeting document.
	SourceMeeting Source = "meeting"
	// SourceChat is a task tree embedded in a chat-session document.
	SourceChat Source = "chat"
)

// AuthorityRank orders sources by how authoritative their task fields are
// when duplicates merge: standalone task > meeting > chat.
func (s Source) AuthorityRank() int {
	switch s {
	case SourceTask:
		return 3
	case SourceMeeting:
		return 2
	case SourceChat:
		return 1
	default:
		return 0
	}
}

// Task status values. Any status other than StatusDone counts as open for
// completion-candidate purposes.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

// IsOpen reports whether a task with the given status is still eligible to
// be reported complete.
func IsOpen(status string) bool {
	return status != StatusDone
}

// Target references one physical task record in one store. For
// Source==SourceTask the standalone store has no session wrapper, so
// SessionID equals TaskID.
type Target struct {
	Source      Source `json:"sourceType"`
	SessionID   string `json:"sourceSessionId"`
	TaskID      string `json:"taskId"`
	SessionName string `json:"sourceSessionName,omitempty"`
}

// Key returns the identity used to deduplicate targets within a candidate.
func (t Target) Key() string {
	return string(t.Source) + "|" + t.SessionID + "|" + t.TaskID
}

// Evidence is one transcript or summary sentence backing a completion.
type Evidence struct {
	Text      string `json:"text"`
	Speaker   string `json:"speaker,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Record is the flat normalized view of one task instance as read from a
// store adapter. Embedding and EmbeddingModel are only populated for
// standalone tasks, which carry the embedding cache.
type Record struct {
	ID             string
	SourceTaskID   string
	UserID         string
	WorkspaceID    string
	SessionID      string
	SessionName    string
	Source         Source
	Title          string
	Description    string
	AssigneeName   string
	AssigneeEmail  string
	Status         string
	DueAt          int64
	Priority       string
	Embedding      []float32
	EmbeddingModel string
}

// Target builds the reference tuple pointing back at this record's origin.
func (r Record) Target() Target {
	sessionID := r.SessionID
	if r.Source == SourceTask {
		sessionID = r.ID
	}
	return Target{
		Source:      r.Source,
		SessionID:   sessionID,
		TaskID:      r.ID,
		SessionName: r.SessionName,
	}
}

// Node is a task-tree node as persisted inside meeting and chat-session
// documents. Trees nest through Children; every node carries a stable ID.
// SourceTaskID links a session node to the standalone task it mirrors, when
// one exists.
//
// The Completion* fields are suggestion annotations: they mark a node as
// plausibly complete for human review without changing Status. Status only
// changes in the explicit apply phase.
type Node struct {
	ID            string `json:"id"`
	SourceTaskID  string `json:"sourceTaskId,omitempty"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	AssigneeName  string `json:"assigneeName,omitempty"`
	AssigneeEmail string `json:"assigneeEmail,omitempty"`
	Status        string `json:"status,omitempty"`
	DueAt         int64  `json:"dueAt,omitempty"`
	Priority      string `json:"priority,omitempty"`
	Children      []Node `json:"children,omitempty"`

	CompletionSuggested  bool       `json:"completionSuggested,omitempty"`
	CompletionConfidence float64    `json:"completionConfidence,omitempty"`
	CompletionEvidence   []Evidence `json:"completionEvidence,omitempty"`
	CompletionTargets    []Target   `json:"completionTargets,omitempty"`
}

// Flatten walks a task tree depth-first (parents before children) and
// returns the flat normalized records, stamped with the owning session's
// identity. The input tree is not modified.
func Flatten(nodes []Node, src Source, sessionID, sessionName string) []Record {
	var out []Record
	for _, n := range nodes {
		out = appendFlattened(out, n, src, sessionID, sessionName)
	}
	return out
}

func appendFlattened(out []Record, n Node, src Source, sessionID, sessionName string) []Record {
	out = append(out, Record{
		ID:            n.ID,
		SourceTaskID:  n.SourceTaskID,
		SessionID:     sessionID,
		SessionName:   sessionName,
		Source:        src,
		Title:         n.Title,
		Description:   n.Description,
		AssigneeName:  n.AssigneeName,
		AssigneeEmail: n.AssigneeEmail,
		Status:        n.Status,
		DueAt:         n.DueAt,
		Priority:      n.Priority,
	})
	for _, child := range n.Children {
		out = appendFlattened(out, child, src, sessionID, sessionName)
	}
	return out
}
