package task

import (
	"strings"
	"unicode"
)

// DefaultNameAliases maps common first-name short forms to their canonical
// form so that "Mike Johnson" and "Michael Johnson" produce the same
// assignee key. Callers may extend or override this map through
// configuration; it is never mutated here.
func DefaultNameAliases() map[string]string {
	return map[string]string{
		"alex":  "alexander",
		"andy":  "andrew",
		"ben":   "benjamin",
		"beth":  "elizabeth",
		"bill":  "william",
		"bob":   "robert",
		"chris": "christopher",
		"dan":   "daniel",
		"dave":  "david",
		"ed":    "edward",
		"jim":   "james",
		"joe":   "joseph",
		"kate":  "katherine",
		"katie": "katherine",
		"liz":   "elizabeth",
		"matt":  "matthew",
		"mike":  "michael",
		"nick":  "nicholas",
		"rob":   "robert",
		"sam":   "samuel",
		"steve": "steven",
		"tom":   "thomas",
		"will":  "william",
	}
}

// unassignedLabels are assignee names that mean "nobody", compared after
// folding (so "N/A", "n-a" and "na" all collapse to "na").
var unassignedLabels = map[string]struct{}{
	"":           {},
	"unassigned": {},
	"unknown":    {},
	"none":       {},
	"tbd":        {},
	"na":         {},
	"nobody":     {},
}

// UnassignedKey is the literal assignee key used for tasks with no resolvable
// assignee, when unassigned matching is allowed.
const UnassignedKey = "unassigned"

// placeholderTitles are normalized titles that do not identify a real task.
var placeholderTitles = map[string]struct{}{
	"untitled":      {},
	"untitled task": {},
	"new task":      {},
	"task":          {},
	"todo":          {},
	"tbd":           {},
	"na":            {},
	"no title":      {},
	"placeholder":   {},
}

// NormalizeTitle folds a title for identity comparison: lowercase, letters
// and digits only, single-space separated.
func NormalizeTitle(title string) string {
	return foldText(title)
}

// ValidTitle reports whether a title identifies a real task. Empty and
// placeholder titles are silently excluded during aggregation.
func ValidTitle(title string) bool {
	norm := NormalizeTitle(title)
	if norm == "" {
		return false
	}
	_, placeholder := placeholderTitles[norm]
	return !placeholder
}

// AssigneeKey computes the identity key for a task's assignee. A normalized
// email wins when present; otherwise the folded, alias-resolved display name
// is used unless it is an unassigned sentinel. Sentinels produce
// UnassignedKey when allowUnassigned is set and the empty string (meaning:
// reject this instance) otherwise.
//
// The key is a pure function of its inputs: identical (name, email) pairs
// always produce identical keys regardless of call order.
func AssigneeKey(name, email string, allowUnassigned bool, aliases map[string]string) string {
	if e := normalizeEmail(email); e != "" {
		return e
	}

	folded := foldText(name)
	if isUnassignedLabel(folded) {
		if allowUnassigned {
			return UnassignedKey
		}
		return ""
	}

	return applyAliases(folded, aliases)
}

// IdentityKey combines a normalized title and assignee key into the
// candidate identity used for cross-store deduplication.
func IdentityKey(normalizedTitle, assigneeKey string) string {
	return normalizedTitle + "|" + assigneeKey
}

func normalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	// A lone "@" or a sentinel in the email field is as good as no email.
	if len(email) < 3 || !strings.Contains(email, "@") {
		return ""
	}
	return email
}

func isUnassignedLabel(folded string) bool {
	compact := strings.ReplaceAll(folded, " ", "")
	_, ok := unassignedLabels[compact]
	return ok
}

// applyAliases resolves the first name token through the alias map; later
// tokens pass through unchanged ("Bob Smith" -> "robert smith").
func applyAliases(folded string, aliases map[string]string) string {
	if len(aliases) == 0 || folded == "" {
		return folded
	}
	tokens := strings.Split(folded, " ")
	if canonical, ok := aliases[tokens[0]]; ok {
		tokens[0] = canonical
	}
	return strings.Join(tokens, " ")
}

// foldText lowercases and keeps only letters and digits, collapsing every
// other run of characters into a single space.
func foldText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		} else {
			pendingSpace = true
		}
	}
	return b.String()
}
