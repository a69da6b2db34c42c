// Package arbitration turns ranked snippet/candidate scores into accepted
// completion matches.
//
// The engine applies a two-tier policy: snippets whose top candidate is
// both high-scoring and well separated from the runner-up are accepted
// directly with no classifier call, snippets with no plausible candidate
// are dropped, and everything in between is queued for a bounded number of
// classifier calls. Classifier verdicts that reference a candidate id that
// does not exist are recovered through a nearest-match rescore instead of
// being discarded.
package arbitration

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/trbojevicstefan/taskwise/internal/candidate"
	"github.com/trbojevicstefan/taskwise/internal/ranking"
	"github.com/trbojevicstefan/taskwise/internal/task"
	"github.com/trbojevicstefan/taskwise/internal/transcript"
)

// Threshold derivation anchors. The selection threshold tracks the
// caller's match ratio inside a sane band; the remaining thresholds derive
// from it so one knob moves the whole policy coherently.
const (
	selectionFloor   = 0.40
	selectionCeiling = 0.95
	candidateFloor   = 0.45
	shortlistBottom  = 0.32
)

// Default policy values.
const (
	defaultMinMatchRatio     = 0.6
	defaultDirectMatchMargin = 0.10
	defaultMaxArbitrations   = 12
	defaultShortlistSize     = 4
	defaultMaxTitleLength    = 96
	defaultConfidence        = 0.6
)

// Client generates a completion for a single classifier prompt.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// TextScorer rescores free text against candidates. Used to recover
// classifier verdicts whose candidate id went stale.
type TextScorer interface {
	ScoreText(ctx context.Context, text string, candidates []*candidate.Candidate, useEmbeddings bool) []ranking.Ranked
}

// Decision records which policy path accepted a match.
type Decision string

const (
	// DecisionDirect is a score-and-margin acceptance with no classifier
	// call.
	DecisionDirect Decision = "direct"

	// DecisionArbitrated is an acceptance confirmed by the classifier.
	DecisionArbitrated Decision = "arbitrated"

	// DecisionFallback is a nearest-match recovery from a stale classifier
	// verdict.
	DecisionFallback Decision = "fallback"
)

// Match is one accepted completion: the candidate, how sure the engine is,
// and the transcript evidence that claimed it.
type Match struct {
	Candidate  *candidate.Candidate
	Confidence float64
	Evidence   task.Evidence
	Decision   Decision
}

// Stats counts per-run policy outcomes for diagnostics.
type Stats struct {
	DirectMatches     int
	ArbitratedMatches int
	FallbackMatches   int
	DroppedSnippets   int
	ClassifierCalls   int
}

// Config carries the arbitration policy. Zero values fall back to the
// documented defaults during construction.
type Config struct {
	// MinMatchRatio anchors the selection threshold when a run does not
	// supply its own ratio. Clamped to [0.40, 0.95] during derivation.
	MinMatchRatio float64

	// DirectMatchMargin is the score lead over the runner-up required to
	// accept the top candidate without consulting the classifier.
	DirectMatchMargin float64

	// MaxArbitrations caps how many snippets reach the classifier per run.
	MaxArbitrations int

	// ShortlistSize caps how many candidates a single classifier call sees.
	ShortlistSize int

	// MaxTitleLength bounds shortlist titles inside the prompt.
	MaxTitleLength int

	// DefaultConfidence stands in when neither the classifier nor the
	// ranker supplies a usable confidence value.
	DefaultConfidence float64
}

// DefaultConfig returns the arbitration policy defaults.
func DefaultConfig() Config {
	return Config{
		MinMatchRatio:     defaultMinMatchRatio,
		DirectMatchMargin: defaultDirectMatchMargin,
		MaxArbitrations:   defaultMaxArbitrations,
		ShortlistSize:     defaultShortlistSize,
		MaxTitleLength:    defaultMaxTitleLength,
		DefaultConfidence: defaultConfidence,
	}
}

// thresholds are the derived per-run score bounds.
type thresholds struct {
	// selection is the clamped caller ratio everything else derives from.
	selection float64
	// minimum is the floor below which a snippet has no plausible match.
	minimum float64
	// direct is the score required for a classifier-free acceptance.
	direct float64
	// shortlist is the floor for shortlist membership.
	shortlist float64
	// rescue is the floor for accepting a singleton shortlist the
	// classifier declined to confirm.
	rescue float64
}

func deriveThresholds(ratio float64) thresholds {
	selection := math.Min(math.Max(ratio, selectionFloor), selectionCeiling)
	minimum := math.Max(candidateFloor, selection-0.15)
	return thresholds{
		selection: selection,
		minimum:   minimum,
		direct:    math.Max(minimum+0.20, selection+0.10),
		shortlist: math.Max(shortlistBottom, minimum-0.10),
		rescue:    minimum + 0.05,
	}
}

// Engine decides which ranked candidates count as completed.
type Engine struct {
	classifier Client
	scorer     TextScorer
	cfg        Config
	logger     *zap.Logger
}

// NewEngine creates an arbitration engine. The classifier may be nil, in
// which case ambiguous snippets resolve through the singleton rescue path
// only. The scorer is required for stale-verdict recovery.
func NewEngine(classifier Client, scorer TextScorer, cfg Config, logger *zap.Logger) (*Engine, error) {
	if scorer == nil {
		return nil, fmt.Errorf("text scorer cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	defaults := DefaultConfig()
	if cfg.MinMatchRatio <= 0 {
		cfg.MinMatchRatio = defaults.MinMatchRatio
	}
	if cfg.DirectMatchMargin <= 0 {
		cfg.DirectMatchMargin = defaults.DirectMatchMargin
	}
	if cfg.MaxArbitrations <= 0 {
		cfg.MaxArbitrations = defaults.MaxArbitrations
	}
	if cfg.ShortlistSize <= 0 {
		cfg.ShortlistSize = defaults.ShortlistSize
	}
	if cfg.MaxTitleLength <= 0 {
		cfg.MaxTitleLength = defaults.MaxTitleLength
	}
	if cfg.DefaultConfidence <= 0 {
		cfg.DefaultConfidence = defaults.DefaultConfidence
	}

	return &Engine{
		classifier: classifier,
		scorer:     scorer,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// queueItem is one ambiguous snippet awaiting a classifier verdict.
type queueItem struct {
	ranking   ranking.Ranking
	topScore  float64
	shortlist []ranking.Ranked
}

// verdict is one candidate the classifier reported as completed.
type verdict struct {
	groupID       string
	confidence    float64
	hasConfidence bool
	evidence      string
}

// Resolve walks every ranking and accepts, queues, or drops its snippet.
// minMatchRatio overrides the configured ratio for this run when positive.
// A candidate is accepted at most once per run; when several snippets claim
// the same candidate the highest-confidence claim wins.
func (e *Engine) Resolve(ctx context.Context, ranked ranking.Result, minMatchRatio float64) ([]Match, Stats) {
	if minMatchRatio <= 0 {
		minMatchRatio = e.cfg.MinMatchRatio
	}
	th := deriveThresholds(minMatchRatio)

	var (
		stats   Stats
		matches []Match
		// accepted maps a group id to its index in matches.
		accepted = make(map[string]int)
		byGroup  = make(map[string]*candidate.Candidate)
		queue    []queueItem
	)

	claim := func(cand *candidate.Candidate, confidence float64, ev task.Evidence, decision Decision) {
		confidence = clamp01(confidence)
		if idx, ok := accepted[cand.GroupID]; ok {
			if confidence > matches[idx].Confidence {
				matches[idx].Confidence = confidence
				matches[idx].Evidence = ev
				matches[idx].Decision = decision
			}
			return
		}
		accepted[cand.GroupID] = len(matches)
		matches = append(matches, Match{
			Candidate:  cand,
			Confidence: confidence,
			Evidence:   ev,
			Decision:   decision,
		})
	}

	// First pass: direct matches and drops; everything ambiguous queues.
	for _, rk := range ranked.Rankings {
		for _, rc := range rk.Candidates {
			byGroup[rc.Candidate.GroupID] = rc.Candidate
		}

		if len(rk.Candidates) == 0 {
			stats.DroppedSnippets++
			continue
		}

		top := rk.Top()
		switch {
		case top.Score >= th.direct && rk.Margin() >= e.cfg.DirectMatchMargin:
			claim(top.Candidate, top.Score, snippetEvidence(rk.Snippet), DecisionDirect)
		case top.Score < th.minimum:
			stats.DroppedSnippets++
		default:
			queue = append(queue, queueItem{
				ranking:   rk,
				topScore:  top.Score,
				shortlist: shortlistFor(rk.Candidates, th.shortlist, e.cfg.ShortlistSize),
			})
		}
	}

	// Strongest ambiguities go to the classifier first; the cap bounds
	// spend per run.
	sort.SliceStable(queue, func(i, j int) bool {
		return queue[i].topScore > queue[j].topScore
	})
	if len(queue) > e.cfg.MaxArbitrations {
		e.logger.Warn("arbitration queue over cap, dropping weakest snippets",
			zap.Int("queued", len(queue)),
			zap.Int("cap", e.cfg.MaxArbitrations))
		stats.DroppedSnippets += len(queue) - e.cfg.MaxArbitrations
		queue = queue[:e.cfg.MaxArbitrations]
	}

	for _, item := range queue {
		contributed := false
		verdicts := e.classify(ctx, item, &stats)

		for _, v := range verdicts {
			ev := verdictEvidence(item.ranking.Snippet, v.evidence)
			confidence := e.verdictConfidence(v, item.topScore)

			if cand, ok := byGroup[v.groupID]; ok {
				claim(cand, confidence, ev, DecisionArbitrated)
				contributed = true
				continue
			}

			// Stale or hallucinated id: rescore the evidence against the
			// candidates not matched yet and take the best one that still
			// clears the minimum.
			cand, score := e.nearestUnmatched(ctx, ev.Text, item.ranking.Candidates, accepted, ranked.EmbeddingsUsed)
			if cand != nil && score >= th.minimum {
				claim(cand, score, ev, DecisionFallback)
				contributed = true
				continue
			}
			e.logger.Warn("dropping unresolvable classifier verdict",
				zap.String("group_id", v.groupID),
				zap.Float64("best_score", score))
		}

		// A lone shortlisted candidate the classifier stayed silent on is
		// more often a wording mismatch than a true non-completion.
		if len(verdicts) == 0 && len(item.shortlist) == 1 && item.topScore >= th.rescue {
			only := item.shortlist[0]
			claim(only.Candidate, item.topScore, snippetEvidence(item.ranking.Snippet), DecisionArbitrated)
			contributed = true
		}

		if !contributed {
			stats.DroppedSnippets++
		}
	}

	for _, m := range matches {
		switch m.Decision {
		case DecisionDirect:
			stats.DirectMatches++
		case DecisionArbitrated:
			stats.ArbitratedMatches++
		case DecisionFallback:
			stats.FallbackMatches++
		}
	}

	return matches, stats
}

// classify sends one queued snippet to the classifier and parses its
// verdicts. Failures yield zero verdicts and the run continues.
func (e *Engine) classify(ctx context.Context, item queueItem, stats *Stats) []verdict {
	if e.classifier == nil {
		return nil
	}

	stats.ClassifierCalls++
	response, err := e.classifier.Complete(ctx, e.buildPrompt(item))
	if err != nil {
		e.logger.Warn("classifier call failed",
			zap.Int("shortlist_size", len(item.shortlist)),
			zap.Error(err))
		return nil
	}

	return parseVerdicts(response)
}

// nearestUnmatched rescoring excludes candidates already accepted this run
// so a stale verdict cannot displace a settled match.
func (e *Engine) nearestUnmatched(ctx context.Context, text string, ranked []ranking.Ranked, accepted map[string]int, useEmbeddings bool) (*candidate.Candidate, float64) {
	if strings.TrimSpace(text) == "" {
		return nil, 0
	}

	unmatched := make([]*candidate.Candidate, 0, len(ranked))
	for _, rc := range ranked {
		if _, ok := accepted[rc.Candidate.GroupID]; ok {
			continue
		}
		unmatched = append(unmatched, rc.Candidate)
	}
	if len(unmatched) == 0 {
		return nil, 0
	}

	scored := e.scorer.ScoreText(ctx, text, unmatched, useEmbeddings)
	if len(scored) == 0 {
		return nil, 0
	}
	return scored[0].Candidate, scored[0].Score
}

// verdictConfidence resolves the confidence for an accepted verdict: the
// classifier's value when present, the snippet's top score otherwise, the
// configured default as a last resort.
func (e *Engine) verdictConfidence(v verdict, topScore float64) float64 {
	switch {
	case v.hasConfidence:
		return clamp01(v.confidence)
	case topScore > 0:
		return clamp01(topScore)
	default:
		return e.cfg.DefaultConfidence
	}
}

// promptTask is a shortlist entry as presented to the classifier.
type promptTask struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Assignee string `json:"assignee,omitempty"`
}

// buildPrompt formats the snippet and its compacted shortlist into a
// classifier prompt. The response contract is a bare JSON array so the
// parser stays simple.
func (e *Engine) buildPrompt(item queueItem) string {
	var b strings.Builder

	b.WriteString("You are reviewing a statement from a meeting to decide which ")
	b.WriteString("previously tracked tasks it reports as already completed.\n\n")

	b.WriteString("## Statement\n\n")
	b.WriteString(formatSnippet(item.ranking.Snippet))
	b.WriteString("\n\n")

	b.WriteString("## Open Tasks\n\n")
	for _, rc := range item.shortlist {
		entry := promptTask{
			ID:       rc.Candidate.GroupID,
			Title:    compactTitle(rc.Candidate.Title, e.cfg.MaxTitleLength),
			Assignee: rc.Candidate.AssigneeKey,
		}
		line, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		b.Write(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString("## Instructions\n\n")
	b.WriteString("List every open task the statement clearly reports as finished. ")
	b.WriteString("Only count work described as already done, not work that is planned, ")
	b.WriteString("in progress, or negated.\n\n")
	b.WriteString("Respond ONLY with a JSON array, no additional text:\n")
	b.WriteString(`[{"id": "<task id>", "confidence": <0.0-1.0>, "evidence": "<short quote from the statement>"}]`)
	b.WriteString("\n\nRespond with [] when the statement completes none of the tasks.\n")

	return b.String()
}

// formatSnippet prefixes the snippet text with its timestamp and speaker
// when they were captured.
func formatSnippet(s transcript.Snippet) string {
	var b strings.Builder
	if s.Timestamp != "" {
		b.WriteString("[")
		b.WriteString(s.Timestamp)
		b.WriteString("] ")
	}
	if s.Speaker != "" {
		b.WriteString(s.Speaker)
		b.WriteString(": ")
	}
	b.WriteString(s.Text)
	return b.String()
}

// parseVerdicts parses a classifier response tolerantly. Models sometimes
// wrap the array in markdown fences or in an enclosing object; anything
// unparseable yields zero verdicts.
func parseVerdicts(response string) []verdict {
	cleaned := strings.TrimSpace(response)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	parsed := gjson.Parse(cleaned)
	items := parsed
	if parsed.IsObject() {
		items = parsed.Get("matches")
	}
	if !items.IsArray() {
		return nil
	}

	var verdicts []verdict
	items.ForEach(func(_, item gjson.Result) bool {
		id := item.Get("id").String()
		if id == "" {
			id = item.Get("groupId").String()
		}
		if id == "" {
			return true
		}

		v := verdict{
			groupID:  id,
			evidence: item.Get("evidence").String(),
		}
		if conf := item.Get("confidence"); conf.Exists() {
			v.confidence = conf.Float()
			v.hasConfidence = true
		}
		verdicts = append(verdicts, v)
		return true
	})

	return verdicts
}

// shortlistFor takes the leading candidates above the floor, at most limit
// of them. The input is sorted descending, so membership is a prefix.
func shortlistFor(ranked []ranking.Ranked, floor float64, limit int) []ranking.Ranked {
	shortlist := make([]ranking.Ranked, 0, limit)
	for _, rc := range ranked {
		if rc.Score < floor || len(shortlist) == limit {
			break
		}
		shortlist = append(shortlist, rc)
	}
	return shortlist
}

func snippetEvidence(s transcript.Snippet) task.Evidence {
	return task.Evidence{Text: s.Text, Speaker: s.Speaker, Timestamp: s.Timestamp}
}

// verdictEvidence prefers the classifier's quoted evidence but keeps the
// snippet's speaker and timestamp.
func verdictEvidence(s transcript.Snippet, quoted string) task.Evidence {
	ev := snippetEvidence(s)
	if quoted = strings.TrimSpace(quoted); quoted != "" {
		ev.Text = quoted
	}
	return ev
}

// compactTitle truncates a title for prompt use.
func compactTitle(title string, maxLen int) string {
	runes := []rune(title)
	if len(runes) <= maxLen {
		return title
	}
	return string(runes[:maxLen-1]) + "…"
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
