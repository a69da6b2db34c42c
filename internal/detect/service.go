// Package detect runs the completion-detection pipeline end to end: extract
// completion snippets from a transcript, gather open-task candidates, rank
// them, arbitrate the ambiguous ones, and shape the accepted matches into
// completion suggestions. It also applies accepted suggestions back to the
// stores that own the matched tasks.
package detect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/trbojevicstefan/taskwise/internal/arbitration"
	"github.com/trbojevicstefan/taskwise/internal/candidate"
	"github.com/trbojevicstefan/taskwise/internal/merge"
	"github.com/trbojevicstefan/taskwise/internal/ranking"
	"github.com/trbojevicstefan/taskwise/internal/task"
	"github.com/trbojevicstefan/taskwise/internal/transcript"
)

const tracerName = "github.com/trbojevicstefan/taskwise/internal/detect"

// ErrMissingUserID is returned when a detection request names no user.
var ErrMissingUserID = errors.New("user id is required")

// TaskWriter applies a status change to standalone tasks.
type TaskWriter interface {
	SetStatus(ctx context.Context, taskIDs []string, status string, evidence []task.Evidence) error
}

// SessionWriter applies a status change to tasks embedded in one session
// document.
type SessionWriter interface {
	SetTaskStatus(ctx context.Context, sessionID string, taskIDs []string, status string, evidence []task.Evidence) error
}

// Request describes one detection run.
type Request struct {
	// UserID scopes the candidate search. Required.
	UserID string `json:"userId"`
	// WorkspaceID further scopes the candidate search when set.
	WorkspaceID string `json:"workspaceId,omitempty"`
	// Transcript is the meeting transcript text to scan.
	Transcript string `json:"transcript"`
	// Summary is optional meeting-summary text scanned alongside the
	// transcript.
	Summary string `json:"summary,omitempty"`
	// Attendees are the meeting participants, used to prefer (or require)
	// tasks assigned to someone in the room.
	Attendees []string `json:"attendees,omitempty"`
	// ExcludeMeetingID drops candidates sourced from the meeting being
	// processed, so a meeting never completes its own action items.
	ExcludeMeetingID string `json:"excludeMeetingId,omitempty"`
	// RequireAttendeeMatch keeps only candidates assigned to an attendee
	// (or unassigned) instead of merely preferring them.
	RequireAttendeeMatch bool `json:"requireAttendeeMatch,omitempty"`
	// MinMatchRatio overrides the configured acceptance threshold for this
	// run. Zero means use the configured default.
	MinMatchRatio float64 `json:"minMatchRatio,omitempty"`
}

// Diagnostics reports what a detection run did, stage by stage.
type Diagnostics struct {
	Snippets           int              `json:"snippets"`
	Candidates         int              `json:"candidates"`
	DirectMatches      int              `json:"directMatches"`
	ArbitratedMatches  int              `json:"arbitratedMatches"`
	FallbackMatches    int              `json:"fallbackMatches"`
	DroppedSnippets    int              `json:"droppedSnippets"`
	ClassifierCalls    int              `json:"classifierCalls"`
	EmbeddingBatches   int              `json:"embeddingBatches"`
	EmbeddingCacheHits int              `json:"embeddingCacheHits"`
	EmbeddingsDegraded bool             `json:"embeddingsDegraded"`
	StageMillis        map[string]int64 `json:"stageMillis,omitempty"`
}

// Result carries the completion suggestions of one run plus its diagnostics.
type Result struct {
	Suggestions []task.Node `json:"suggestions"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Options carries the pipeline components and stores a Service needs. The
// writers may be nil in a suggest-only deployment; Apply then rejects
// targets that name the missing store.
type Options struct {
	Extractor  *transcript.Extractor
	Aggregator *candidate.Aggregator
	Ranker     *ranking.Ranker
	Engine     *arbitration.Engine
	Tasks      TaskWriter
	Meetings   SessionWriter
	Chats      SessionWriter
}

// Service orchestrates detection runs and suggestion application.
type Service struct {
	extractor  *transcript.Extractor
	aggregator *candidate.Aggregator
	ranker     *ranking.Ranker
	engine     *arbitration.Engine
	tasks      TaskWriter
	meetings   SessionWriter
	chats      SessionWriter
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewService validates the pipeline components and returns a Service. A nil
// logger is replaced with a no-op logger.
func NewService(opts Options, logger *zap.Logger) (*Service, error) {
	if opts.Extractor == nil {
		return nil, errors.New("extractor is required")
	}
	if opts.Aggregator == nil {
		return nil, errors.New("aggregator is required")
	}
	if opts.Ranker == nil {
		return nil, errors.New("ranker is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("arbitration engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		extractor:  opts.Extractor,
		aggregator: opts.Aggregator,
		ranker:     opts.Ranker,
		engine:     opts.Engine,
		tasks:      opts.Tasks,
		meetings:   opts.Meetings,
		chats:      opts.Chats,
		tracer:     otel.Tracer(tracerName),
		logger:     logger,
	}, nil
}

// Detect runs the full pipeline for one transcript and returns completion
// suggestions for the user's open tasks. Empty stages short-circuit: a
// transcript with no completion snippets never touches the stores, and a
// user with no open tasks never calls the embedding provider.
func (s *Service) Detect(ctx context.Context, req Request) (*Result, error) {
	if req.UserID == "" {
		return nil, ErrMissingUserID
	}

	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "detect.run", trace.WithAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("workspace.id", req.WorkspaceID),
	))
	defer span.End()

	result := &Result{
		Suggestions: []task.Node{},
		Diagnostics: Diagnostics{StageMillis: make(map[string]int64)},
	}
	diag := &result.Diagnostics

	extractCtx, done := s.stage(ctx, diag, "extract")
	snippets, err := s.extractor.Extract(extractCtx, req.Transcript, req.Summary)
	done()
	if err != nil {
		span.RecordError(err)
		RecordRunResult(false)
		return nil, fmt.Errorf("extracting snippets: %w", err)
	}
	diag.Snippets = len(snippets)
	if len(snippets) == 0 {
		s.finish(span, started, req, result)
		return result, nil
	}

	collectCtx, done := s.stage(ctx, diag, "collect")
	candidates, err := s.aggregator.Collect(collectCtx, candidate.Query{
		UserID:               req.UserID,
		WorkspaceID:          req.WorkspaceID,
		Attendees:            req.Attendees,
		ExcludeMeetingID:     req.ExcludeMeetingID,
		RequireAttendeeMatch: req.RequireAttendeeMatch,
	})
	done()
	if err != nil {
		span.RecordError(err)
		RecordRunResult(false)
		return nil, fmt.Errorf("collecting candidates: %w", err)
	}
	diag.Candidates = len(candidates)
	if len(candidates) == 0 {
		s.finish(span, started, req, result)
		return result, nil
	}

	rankCtx, done := s.stage(ctx, diag, "rank")
	ranked, err := s.ranker.Rank(rankCtx, snippets, candidates)
	done()
	if err != nil {
		span.RecordError(err)
		RecordRunResult(false)
		return nil, fmt.Errorf("ranking candidates: %w", err)
	}
	diag.EmbeddingBatches = ranked.Batches
	diag.EmbeddingCacheHits = ranked.CacheHits
	diag.EmbeddingsDegraded = !ranked.EmbeddingsUsed

	resolveCtx, done := s.stage(ctx, diag, "resolve")
	matches, stats := s.engine.Resolve(resolveCtx, ranked, req.MinMatchRatio)
	done()
	diag.DirectMatches = stats.DirectMatches
	diag.ArbitratedMatches = stats.ArbitratedMatches
	diag.FallbackMatches = stats.FallbackMatches
	diag.DroppedSnippets = stats.DroppedSnippets
	diag.ClassifierCalls = stats.ClassifierCalls

	result.Suggestions = merge.BuildSuggestions(matches)

	s.finish(span, started, req, result)
	return result, nil
}

// Merge folds suggestions into an existing task tree without mutating it.
func (s *Service) Merge(existing, suggestions []task.Node) []task.Node {
	return merge.MergeSuggestions(existing, suggestions)
}

// FilterForSessionSync strips suggestions owned by other sessions before a
// merged tree is written back into its originating session document.
func (s *Service) FilterForSessionSync(nodes []task.Node, source task.Source, sessionID string) []task.Node {
	return merge.FilterForSessionSync(nodes, source, sessionID)
}

// Apply marks every flagged node's targets done in the store that owns
// them, carrying the node's evidence. Nodes are walked recursively so both
// flat suggestion lists and merged trees work. Returns how many store tasks
// were updated; the first store failure aborts the walk.
func (s *Service) Apply(ctx context.Context, suggestions []task.Node) (int, error) {
	ctx, span := s.tracer.Start(ctx, "detect.apply")
	defer span.End()

	applied := 0
	for i := range suggestions {
		n, err := s.applyNode(ctx, &suggestions[i])
		applied += n
		if err != nil {
			span.RecordError(err)
			return applied, err
		}
	}
	span.SetAttributes(attribute.Int("detect.applied", applied))
	s.logger.Info("applied completion suggestions", zap.Int("tasks", applied))
	return applied, nil
}

func (s *Service) applyNode(ctx context.Context, node *task.Node) (int, error) {
	applied := 0
	if node.CompletionSuggested && len(node.CompletionTargets) > 0 {
		n, err := s.applyTargets(ctx, node)
		applied += n
		if err != nil {
			return applied, err
		}
	}
	for i := range node.Children {
		n, err := s.applyNode(ctx, &node.Children[i])
		applied += n
		if err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// applyTargets groups one node's targets by owning store and issues one
// status write per store, or per session for session-owned tasks. Session
// IDs are walked in sorted order so retries hit stores in a stable order.
func (s *Service) applyTargets(ctx context.Context, node *task.Node) (int, error) {
	var taskIDs []string
	sessions := make(map[task.Source]map[string][]string)
	for _, t := range node.CompletionTargets {
		switch t.Source {
		case task.SourceTask:
			taskIDs = append(taskIDs, t.TaskID)
		case task.SourceMeeting, task.SourceChat:
			bySession := sessions[t.Source]
			if bySession == nil {
				bySession = make(map[string][]string)
				sessions[t.Source] = bySession
			}
			bySession[t.SessionID] = append(bySession[t.SessionID], t.TaskID)
		default:
			s.logger.Warn("skipping target with unknown source",
				zap.String("source", string(t.Source)),
				zap.String("task_id", t.TaskID))
		}
	}

	applied := 0
	if len(taskIDs) > 0 {
		if s.tasks == nil {
			return applied, fmt.Errorf("no task store configured for %d targets", len(taskIDs))
		}
		if err := s.tasks.SetStatus(ctx, taskIDs, task.StatusDone, node.CompletionEvidence); err != nil {
			return applied, fmt.Errorf("marking tasks done: %w", err)
		}
		applied += len(taskIDs)
	}

	for _, source := range []task.Source{task.SourceMeeting, task.SourceChat} {
		bySession := sessions[source]
		if len(bySession) == 0 {
			continue
		}
		writer := s.meetings
		if source == task.SourceChat {
			writer = s.chats
		}
		if writer == nil {
			return applied, fmt.Errorf("no %s store configured", source)
		}
		sessionIDs := make([]string, 0, len(bySession))
		for id := range bySession {
			sessionIDs = append(sessionIDs, id)
		}
		sort.Strings(sessionIDs)
		for _, sessionID := range sessionIDs {
			err := writer.SetTaskStatus(ctx, sessionID, bySession[sessionID], task.StatusDone, node.CompletionEvidence)
			if err != nil {
				return applied, fmt.Errorf("marking %s tasks done: %w", source, err)
			}
			applied += len(bySession[sessionID])
		}
	}
	return applied, nil
}

// stage opens a child span for one pipeline stage and returns a closer that
// records the stage duration in diag.
func (s *Service) stage(ctx context.Context, diag *Diagnostics, name string) (context.Context, func()) {
	ctx, span := s.tracer.Start(ctx, "detect."+name)
	started := time.Now()
	return ctx, func() {
		diag.StageMillis[name] = time.Since(started).Milliseconds()
		span.End()
	}
}

// finish stamps the run span, records metrics and logs the run outcome.
func (s *Service) finish(span trace.Span, started time.Time, req Request, result *Result) {
	elapsed := time.Since(started)
	diag := &result.Diagnostics
	span.SetAttributes(
		attribute.Int("detect.snippets", diag.Snippets),
		attribute.Int("detect.candidates", diag.Candidates),
		attribute.Int("detect.suggestions", len(result.Suggestions)),
		attribute.Bool("detect.embeddings_degraded", diag.EmbeddingsDegraded),
	)
	RecordRunResult(true)
	RecordRunMetrics(diag, elapsed)
	s.logger.Info("detection run complete",
		zap.String("user_id", req.UserID),
		zap.Int("snippets", diag.Snippets),
		zap.Int("candidates", diag.Candidates),
		zap.Int("suggestions", len(result.Suggestions)),
		zap.Int("classifier_calls", diag.ClassifierCalls),
		zap.Duration("elapsed", elapsed))
}
