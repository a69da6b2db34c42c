// Package candidate aggregates open tasks from every backing store into a
// deduplicated per-run candidate set. A candidate is the cross-store view of
// one logical task: the same task may appear as a standalone record, inside
// a meeting's extracted tree, and inside a chat session's suggested tree,
// and all of those collapse into one candidate carrying a target per
// manifestation.
package candidate

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trbojevicstefan/taskwise/internal/task"
)

// TaskReader lists open task records from one backing store. The standalone
// task store ignores excludeSessionID; the session stores use it to skip the
// meeting currently under analysis.
type TaskReader interface {
	ListOpenTasks(ctx context.Context, userID, workspaceID, excludeSessionID string) ([]task.Record, error)
}

// Candidate is one deduplicated open task, valid for a single detection run.
type Candidate struct {
	// GroupID is a run-scoped synthetic id; it is never persisted.
	GroupID       string
	Key           string
	Title         string
	Description   string
	AssigneeName  string
	AssigneeEmail string
	AssigneeKey   string
	DueAt         int64
	Priority      string
	Source        task.Source
	Targets       []task.Target

	// CacheTaskID names the standalone task record that owns this
	// candidate's embedding cache slot, when it has one.
	CacheTaskID    string
	Embedding      []float32
	EmbeddingModel string

	descRank int
}

// Query scopes one aggregation pass.
type Query struct {
	UserID      string
	WorkspaceID string
	// Attendees are display names or emails of the people in the meeting.
	Attendees []string
	// ExcludeMeetingID skips the meeting being analyzed so its own tree
	// cannot match against itself.
	ExcludeMeetingID string
	// RequireAttendeeMatch restricts candidates to tasks assigned to one
	// of the attendees.
	RequireAttendeeMatch bool
}

// Aggregator builds candidate sets. Readers are consulted in authority
// order (standalone tasks, then meetings, then chats) so the first-seen
// instance of a duplicated task is always the most authoritative one.
type Aggregator struct {
	readers []TaskReader
	aliases map[string]string
	logger  *zap.Logger
}

// NewAggregator wires the three store readers.
func NewAggregator(tasks, meetings, chats TaskReader, logger *zap.Logger) (*Aggregator, error) {
	if tasks == nil || meetings == nil || chats == nil {
		return nil, fmt.Errorf("all three task readers are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		readers: []TaskReader{tasks, meetings, chats},
		aliases: task.DefaultNameAliases(),
		logger:  logger,
	}, nil
}

// Collect aggregates open tasks into candidates. When the attendee-restricted
// mode yields nothing (attendee names often diverge from stored assignee
// labels), it rebuilds once with unassigned matching allowed so a detection
// attempt is never empty purely from name friction.
func (a *Aggregator) Collect(ctx context.Context, q Query) ([]*Candidate, error) {
	if strings.TrimSpace(q.UserID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	candidates, err := a.collect(ctx, q, !q.RequireAttendeeMatch)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 && q.RequireAttendeeMatch {
		a.logger.Info("attendee-restricted aggregation empty, retrying with unassigned allowed",
			zap.String("user_id", q.UserID),
			zap.Int("attendees", len(q.Attendees)))
		return a.collect(ctx, q, true)
	}
	return candidates, nil
}

func (a *Aggregator) collect(ctx context.Context, q Query, allowUnassigned bool) ([]*Candidate, error) {
	attendeeKeys := a.attendeeKeys(q.Attendees)

	byKey := make(map[string]*Candidate)
	var ordered []*Candidate

	for _, reader := range a.readers {
		records, err := reader.ListOpenTasks(ctx, q.UserID, q.WorkspaceID, q.ExcludeMeetingID)
		if err != nil {
			return nil, fmt.Errorf("aggregating candidates: %w", err)
		}
		for _, rec := range records {
			if !task.ValidTitle(rec.Title) {
				continue
			}
			normTitle := task.NormalizeTitle(rec.Title)
			assigneeKey := task.AssigneeKey(rec.AssigneeName, rec.AssigneeEmail, allowUnassigned, a.aliases)
			if assigneeKey == "" {
				continue
			}
			if q.RequireAttendeeMatch && !attendeeAllowed(assigneeKey, attendeeKeys, allowUnassigned) {
				continue
			}

			identity := task.IdentityKey(normTitle, assigneeKey)
			existing, ok := byKey[identity]
			if !ok {
				c := newCandidate(identity, assigneeKey, rec)
				byKey[identity] = c
				ordered = append(ordered, c)
				continue
			}
			existing.absorb(rec)
		}
	}
	return ordered, nil
}

// attendeeKeys folds the attendee list into assignee-key space. Each entry
// may be a display name or an email; emails win the same way they do for
// task assignees.
func (a *Aggregator) attendeeKeys(attendees []string) map[string]bool {
	if len(attendees) == 0 {
		return nil
	}
	keys := make(map[string]bool, len(attendees))
	for _, attendee := range attendees {
		key := task.AssigneeKey(attendee, attendee, false, a.aliases)
		if key != "" {
			keys[key] = true
		}
	}
	return keys
}

func attendeeAllowed(assigneeKey string, attendeeKeys map[string]bool, allowUnassigned bool) bool {
	if allowUnassigned && assigneeKey == task.UnassignedKey {
		return true
	}
	return attendeeKeys[assigneeKey]
}

func newCandidate(identity, assigneeKey string, rec task.Record) *Candidate {
	c := &Candidate{
		GroupID:       uuid.NewString(),
		Key:           identity,
		Title:         rec.Title,
		Description:   rec.Description,
		AssigneeName:  rec.AssigneeName,
		AssigneeEmail: rec.AssigneeEmail,
		AssigneeKey:   assigneeKey,
		DueAt:         rec.DueAt,
		Priority:      rec.Priority,
		Source:        rec.Source,
		Targets:       []task.Target{rec.Target()},
		descRank:      rec.Source.AuthorityRank(),
	}
	c.adoptCache(rec)
	return c
}

// absorb folds a later-seen manifestation of the same logical task into the
// first-seen candidate: its target is appended (deduplicated by target
// identity) and its description replaces the current one only when it is
// non-empty and either longer or from a more authoritative source.
func (c *Candidate) absorb(rec task.Record) {
	target := rec.Target()
	if !c.hasTarget(target) {
		c.Targets = append(c.Targets, target)
	}

	if desc := rec.Description; desc != "" {
		rank := rec.Source.AuthorityRank()
		if len(desc) > len(c.Description) || rank > c.descRank {
			c.Description = desc
			c.descRank = rank
		}
	}
	c.adoptCache(rec)
}

func (c *Candidate) hasTarget(target task.Target) bool {
	key := target.Key()
	for _, t := range c.Targets {
		if t.Key() == key {
			return true
		}
	}
	return false
}

// adoptCache points the candidate at the first standalone record seen, so
// the ranker can reuse and refresh that record's embedding columns.
func (c *Candidate) adoptCache(rec task.Record) {
	if c.CacheTaskID != "" || rec.Source != task.SourceTask {
		return
	}
	c.CacheTaskID = rec.ID
	c.Embedding = rec.Embedding
	c.EmbeddingModel = rec.EmbeddingModel
}

// Text is the candidate's similarity corpus, title plus description.
func (c *Candidate) Text() string {
	if c.Description == "" {
		return c.Title
	}
	return c.Title + " " + c.Description
}
