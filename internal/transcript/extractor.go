// Package transcript extracts completion snippets from meeting transcripts
// and summaries.
//
// A snippet is a sentence that plausibly reports an already-known task as
// finished ("I already sent the contract"). Extraction is purely lexical:
// a curated cue vocabulary gates sentences in, a sentence-local negation
// pattern gates them back out, and short pronoun-only sentences borrow the
// preceding line for referential grounding. Whether a snippet actually
// corresponds to an open task is decided downstream.
package transcript

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"
)

// ErrNoCueVocabulary is returned when an extractor is constructed with an
// empty cue list.
var ErrNoCueVocabulary = errors.New("cue vocabulary is empty")

// Snippet is one sentence flagged as plausibly reporting a completion,
// with the speaker and timestamp of its transcript line when present.
type Snippet struct {
	Text      string
	Speaker   string
	Timestamp string
}

// Config holds the immutable extraction vocabulary and limits. The zero
// value is not usable; start from DefaultConfig.
type Config struct {
	// Cues are words or phrases that signal completion. Matched
	// case-insensitively on word boundaries.
	Cues []string
	// Negators are words that cancel a cue when they appear at most
	// NegationWindow characters before it in the same sentence.
	Negators []string
	// NegationWindow is the maximum character distance between a negator
	// and the cue it cancels.
	NegationWindow int
	// GenericTokenLimit is the maximum token count for a sentence to be
	// considered generic ("that's done") and receive preceding-line context.
	GenericTokenLimit int
	// MaxTextLength caps input size; longer inputs are truncated at a line
	// boundary.
	MaxTextLength int
}

// DefaultConfig returns the curated extraction vocabulary. The verb list is
// deliberately past/perfective: "send" in "I'll send it" is a plan, "sent"
// is a completion.
func DefaultConfig() Config {
	return Config{
		Cues: []string{
			"done", "complete", "completed", "finished", "finalized",
			"shipped", "delivered", "merged", "deployed", "launched",
			"published", "released", "resolved", "closed", "approved",
			"signed", "sent", "submitted", "paid", "bought", "purchased",
			"booked", "scheduled", "ordered", "fixed", "handled",
			"set up", "wrapped up", "took care of", "checked off",
		},
		Negators: []string{
			"not", "never", "didn't", "didnt", "isn't", "isnt",
			"wasn't", "wasnt", "haven't", "havent", "hasn't", "hasnt",
		},
		NegationWindow:    32,
		GenericTokenLimit: 6,
		MaxTextLength:     400000,
	}
}

// Extractor scans transcript and summary text for completion snippets.
type Extractor struct {
	cfg      Config
	cueRe    *regexp.Regexp
	negRe    *regexp.Regexp
	cueTerms map[string]struct{}
	logger   *zap.Logger
}

// pronouns are the referential tokens that make a short sentence generic:
// they point at something said earlier rather than naming it.
var pronouns = map[string]struct{}{
	"it": {}, "that": {}, "this": {}, "these": {}, "those": {},
	"all": {}, "everything": {},
}

// fillerTokens are tokens that carry no task-identifying content. A short
// sentence made entirely of pronouns, cues and fillers is generic.
var fillerTokens = map[string]struct{}{
	"a": {}, "already": {}, "also": {}, "am": {}, "an": {}, "and": {},
	"are": {}, "as": {}, "be": {}, "been": {}, "btw": {}, "by": {},
	"got": {}, "had": {}, "has": {}, "have": {}, "i": {}, "is": {},
	"its": {}, "just": {}, "me": {}, "now": {}, "of": {}, "ok": {},
	"okay": {}, "s": {}, "so": {}, "the": {}, "too": {}, "up": {},
	"was": {}, "we": {}, "well": {}, "were": {}, "yeah": {}, "yep": {},
	"yes": {}, "yesterday": {}, "today": {}, "morning": {},
}

// NewExtractor compiles the cue and negation patterns from cfg. A nil
// logger is replaced with a no-op logger.
func NewExtractor(cfg Config, logger *zap.Logger) (*Extractor, error) {
	if len(cfg.Cues) == 0 {
		return nil, ErrNoCueVocabulary
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NegationWindow <= 0 {
		cfg.NegationWindow = DefaultConfig().NegationWindow
	}
	if cfg.GenericTokenLimit <= 0 {
		cfg.GenericTokenLimit = DefaultConfig().GenericTokenLimit
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = DefaultConfig().MaxTextLength
	}

	cueAlt := quoteAlternation(cfg.Cues)
	cueRe, err := regexp.Compile(`(?i)\b(?:` + cueAlt + `)\b`)
	if err != nil {
		return nil, err
	}

	// Cue terms as a token set, for the generic-sentence check.
	cueTerms := make(map[string]struct{})
	for _, cue := range cfg.Cues {
		for _, tok := range tokenize(cue) {
			cueTerms[tok] = struct{}{}
		}
	}

	var negRe *regexp.Regexp
	if len(cfg.Negators) > 0 {
		// Bounded window between negator and cue, and no sentence
		// terminator inside it: negation never crosses a sentence boundary.
		pattern := `(?i)\b(?:` + quoteAlternation(cfg.Negators) + `)\b[^.!?]{0,` +
			strconv.Itoa(cfg.NegationWindow) + `}\b(?:` + cueAlt + `)\b`
		negRe, err = regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
	}

	return &Extractor{
		cfg:      cfg,
		cueRe:    cueRe,
		negRe:    negRe,
		cueTerms: cueTerms,
		logger:   logger,
	}, nil
}

// Extract returns the ordered, deduplicated completion snippets found in
// the transcript and the optional summary. Transcript and summary are
// scanned independently and concatenated before deduplication, so a
// sentence repeated in both yields one snippet.
func (e *Extractor) Extract(ctx context.Context, transcript, summary string) ([]Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snippets, err := e.extractText(ctx, transcript)
	if err != nil {
		return nil, err
	}
	if summary != "" {
		fromSummary, err := e.extractText(ctx, summary)
		if err != nil {
			return nil, err
		}
		snippets = append(snippets, fromSummary...)
	}

	deduped := dedupeSnippets(snippets)
	e.logger.Debug("extracted completion snippets",
		zap.Int("raw", len(snippets)),
		zap.Int("deduped", len(deduped)))
	return deduped, nil
}

// extractText scans one text body line by line.
func (e *Extractor) extractText(ctx context.Context, text string) ([]Snippet, error) {
	if text == "" {
		return nil, nil
	}
	if len(text) > e.cfg.MaxTextLength {
		text = truncateAtLine(text, e.cfg.MaxTextLength)
		e.logger.Warn("input truncated", zap.Int("max_bytes", e.cfg.MaxTextLength))
	}

	var snippets []Snippet
	prevText := ""

	lines := strings.Split(text, "\n")
	for i, rawLine := range lines {
		if i%200 == 0 && i > 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		timestamp, speaker, lineText := parseLine(rawLine)
		if lineText == "" {
			continue
		}

		for _, sentence := range splitSentences(lineText) {
			if !e.cueRe.MatchString(sentence) {
				continue
			}
			if e.negRe != nil && e.negRe.MatchString(sentence) {
				continue
			}

			snippetText := sentence
			if e.isGeneric(sentence) && prevText != "" {
				snippetText = prevText + " " + sentence
			}

			snippets = append(snippets, Snippet{
				Text:      snippetText,
				Speaker:   speaker,
				Timestamp: timestamp,
			})
		}

		prevText = lineText
	}

	return snippets, nil
}

// isGeneric reports whether a sentence is too short and referential to
// stand alone: at most GenericTokenLimit tokens, at least one pronoun, and
// nothing besides pronouns, cue terms and filler.
func (e *Extractor) isGeneric(sentence string) bool {
	tokens := tokenize(sentence)
	if len(tokens) == 0 || len(tokens) > e.cfg.GenericTokenLimit {
		return false
	}

	sawPronoun := false
	for _, tok := range tokens {
		if _, ok := pronouns[tok]; ok {
			sawPronoun = true
			continue
		}
		if _, ok := e.cueTerms[tok]; ok {
			continue
		}
		if _, ok := fillerTokens[tok]; ok {
			continue
		}
		// A content token names the thing; the sentence grounds itself.
		return false
	}
	return sawPronoun
}

// lineTimestampRe matches an optional leading "HH:MM" or "HH:MM:SS"
// transcript timestamp followed by a dash.
var lineTimestampRe = regexp.MustCompile(`^\s*(\d{1,2}:\d{2}(?::\d{2})?)\s*-\s*`)

// lineSpeakerRe matches an optional "Speaker Name:" prefix. Speaker labels
// are short runs of name-like characters ("Alice Smith", "Speaker 2");
// anything longer or containing sentence punctuation is treated as line
// content.
var lineSpeakerRe = regexp.MustCompile(`^\s*([A-Za-z][\w .'\-]{0,39}):\s*`)

// parseLine strips the optional "HH:MM[:SS] - Speaker:" prefix from a
// transcript line. Timestamp and speaker are independently optional.
func parseLine(line string) (timestamp, speaker, text string) {
	line = strings.ReplaceAll(line, "’", "'")
	rest := line

	if m := lineTimestampRe.FindStringSubmatch(rest); m != nil {
		timestamp = m[1]
		rest = rest[len(m[0]):]
	}
	if m := lineSpeakerRe.FindStringSubmatch(rest); m != nil {
		after := rest[len(m[0]):]
		// "http://..." style lines are content, not a speaker label.
		if !strings.HasPrefix(after, "//") {
			speaker = strings.TrimSpace(m[1])
			rest = after
		}
	}

	return timestamp, speaker, strings.TrimSpace(rest)
}

// sentenceSplitRe splits on runs of sentence terminators.
var sentenceSplitRe = regexp.MustCompile(`[.!?]+`)

// splitSentences splits text into trimmed, non-empty sentences.
func splitSentences(text string) []string {
	parts := sentenceSplitRe.Split(text, -1)
	filtered := parts[:0]
	for _, s := range parts {
		s = strings.TrimSpace(s)
		if s != "" {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// dedupeSnippets keeps the first occurrence of each normalized text,
// preserving order.
func dedupeSnippets(snippets []Snippet) []Snippet {
	seen := make(map[string]struct{}, len(snippets))
	out := make([]Snippet, 0, len(snippets))
	for _, s := range snippets {
		key := strings.Join(tokenize(s.Text), " ")
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

// tokenize lowercases and splits on every non-alphanumeric rune.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// truncateAtLine cuts text to at most max bytes, backing up to the last
// full line.
func truncateAtLine(text string, max int) string {
	cut := text[:max]
	if idx := strings.LastIndexByte(cut, '\n'); idx > 0 {
		cut = cut[:idx]
	}
	return cut
}

// quoteAlternation joins terms into a regex alternation, quoting each term.
func quoteAlternation(terms []string) string {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(t)))
	}
	return strings.Join(quoted, "|")
}
