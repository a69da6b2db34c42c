// Package merge turns accepted completion matches into suggestion nodes
// and folds them into existing task trees.
//
// Every transform here returns a new tree and leaves its inputs untouched,
// so callers can diff, retry, or discard a merge without compensating
// writes. Suggestions reuse the task node shape: a suggestion is a node
// with the completion fields populated.
package merge

import (
	"github.com/google/uuid"

	"github.com/trbojevicstefan/taskwise/internal/arbitration"
	"github.com/trbojevicstefan/taskwise/internal/task"
)

// BuildSuggestions converts accepted matches into suggestion nodes, one
// per matched candidate, in match order. Each suggestion carries the
// candidate's descriptive fields, a synthetic id, exactly one evidence
// entry, and every store location the candidate resolved to.
func BuildSuggestions(matches []arbitration.Match) []task.Node {
	suggestions := make([]task.Node, 0, len(matches))
	for _, m := range matches {
		c := m.Candidate
		suggestions = append(suggestions, task.Node{
			ID:                   uuid.NewString(),
			Title:                c.Title,
			Description:          c.Description,
			AssigneeName:         c.AssigneeName,
			AssigneeEmail:        c.AssigneeEmail,
			DueAt:                c.DueAt,
			Priority:             c.Priority,
			Status:               task.StatusOpen,
			CompletionSuggested:  true,
			CompletionConfidence: m.Confidence,
			CompletionEvidence:   []task.Evidence{m.Evidence},
			CompletionTargets:    append([]task.Target(nil), c.Targets...),
		})
	}
	return suggestions
}

// MergeSuggestions folds suggestions into an existing task tree. Open
// nodes whose normalized title and assignee key match a suggestion are
// flagged with the suggestion's confidence, evidence, and targets; their
// status is left alone so nothing completes without confirmation.
// Suggestions matching no node are appended as new top-level entries
// rather than dropped. The input trees are not modified.
func MergeSuggestions(existing, suggestions []task.Node) []task.Node {
	if len(suggestions) == 0 {
		return cloneNodes(existing)
	}

	aliases := task.DefaultNameAliases()
	index := make(map[string]task.Node, len(suggestions))
	order := make([]string, 0, len(suggestions))
	for _, s := range suggestions {
		key := identityOf(s, aliases)
		if _, ok := index[key]; ok {
			continue
		}
		index[key] = s
		order = append(order, key)
	}

	matched := make(map[string]bool)
	merged := mergeNodes(existing, index, matched, aliases)

	for _, key := range order {
		if matched[key] {
			continue
		}
		merged = append(merged, index[key])
	}
	return merged
}

func mergeNodes(nodes []task.Node, index map[string]task.Node, matched map[string]bool, aliases map[string]string) []task.Node {
	if nodes == nil {
		return nil
	}
	out := make([]task.Node, 0, len(nodes))
	for _, n := range nodes {
		node := n
		node.Children = mergeNodes(n.Children, index, matched, aliases)

		if task.IsOpen(node.Status) {
			key := identityOf(node, aliases)
			if s, ok := index[key]; ok {
				matched[key] = true
				node.CompletionSuggested = true
				node.CompletionConfidence = s.CompletionConfidence
				node.CompletionEvidence = append([]task.Evidence(nil), s.CompletionEvidence...)
				node.CompletionTargets = append([]task.Target(nil), s.CompletionTargets...)
			}
		}
		out = append(out, node)
	}
	return out
}

// FilterForSessionSync prepares a session's task tree for persistence by
// removing suggestion nodes whose targets all belong to other sessions.
// A node survives when it is not a suggestion, carries no targets, or has
// at least one target pointing back at this session; children of removed
// nodes are removed with them.
func FilterForSessionSync(nodes []task.Node, source task.Source, sessionID string) []task.Node {
	if nodes == nil {
		return nil
	}
	out := make([]task.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.CompletionSuggested && len(n.CompletionTargets) > 0 && !hasLocalTarget(n.CompletionTargets, source, sessionID) {
			continue
		}
		node := n
		node.Children = FilterForSessionSync(n.Children, source, sessionID)
		out = append(out, node)
	}
	return out
}

func hasLocalTarget(targets []task.Target, source task.Source, sessionID string) bool {
	for _, t := range targets {
		if t.Source == source && t.SessionID == sessionID {
			return true
		}
	}
	return false
}

func identityOf(n task.Node, aliases map[string]string) string {
	return task.IdentityKey(
		task.NormalizeTitle(n.Title),
		task.AssigneeKey(n.AssigneeName, n.AssigneeEmail, true, aliases),
	)
}

func cloneNodes(nodes []task.Node) []task.Node {
	if nodes == nil {
		return nil
	}
	out := make([]task.Node, 0, len(nodes))
	for _, n := range nodes {
		node := n
		node.Children = cloneNodes(n.Children)
		out = append(out, node)
	}
	return out
}
