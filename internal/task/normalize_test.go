package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "lowercases and trims",
			input:    "  Send Contract to Acme  ",
			expected: "send contract to acme",
		},
		{
			name:     "strips punctuation",
			input:    "Ship v2.0 -- finally!",
			expected: "ship v2 0 finally",
		},
		{
			name:     "collapses inner whitespace",
			input:    "update\t\tthe   roadmap",
			expected: "update the roadmap",
		},
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
		{
			name:     "punctuation only",
			input:    "---",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeTitle(tt.input))
		})
	}
}

func TestValidTitle(t *testing.T) {
	tests := []struct {
		name  string
		title string
		valid bool
	}{
		{"real title", "Send contract to Acme", true},
		{"empty", "", false},
		{"whitespace only", "   ", false},
		{"punctuation only", "...", false},
		{"placeholder untitled", "Untitled Task", false},
		{"placeholder todo", "TODO", false},
		{"placeholder tbd", "tbd", false},
		{"short but real", "Pay rent", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidTitle(tt.title))
		})
	}
}

func TestAssigneeKey(t *testing.T) {
	aliases := DefaultNameAliases()

	tests := []struct {
		name            string
		assigneeName    string
		assigneeEmail   string
		allowUnassigned bool
		expected        string
	}{
		{
			name:          "email wins over name",
			assigneeName:  "Alice Example",
			assigneeEmail: "Alice@X.com",
			expected:      "alice@x.com",
		},
		{
			name:          "email trimmed and lowercased",
			assigneeEmail: "  BOB@corp.io ",
			expected:      "bob@corp.io",
		},
		{
			name:         "name folded",
			assigneeName: "  Carol  O'Brien ",
			expected:     "carol o brien",
		},
		{
			name:         "alias resolves first token",
			assigneeName: "Mike Johnson",
			expected:     "michael johnson",
		},
		{
			name:         "alias-resolved equals canonical",
			assigneeName: "Michael Johnson",
			expected:     "michael johnson",
		},
		{
			name:         "sentinel rejected by default",
			assigneeName: "Unassigned",
			expected:     "",
		},
		{
			name:            "sentinel allowed when enabled",
			assigneeName:    "Unassigned",
			allowUnassigned: true,
			expected:        UnassignedKey,
		},
		{
			name:     "empty pair rejected by default",
			expected: "",
		},
		{
			name:            "empty pair allowed when enabled",
			allowUnassigned: true,
			expected:        UnassignedKey,
		},
		{
			name:         "n/a variants are sentinels",
			assigneeName: "N/A",
			expected:     "",
		},
		{
			name:          "invalid email falls back to name",
			assigneeName:  "Dana",
			assigneeEmail: "not-an-email",
			expected:      "dana",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AssigneeKey(tt.assigneeName, tt.assigneeEmail, tt.allowUnassigned, aliases)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestAssigneeKeyDeterminism(t *testing.T) {
	aliases := DefaultNameAliases()
	pairs := [][2]string{
		{"Alice Example", "alice@x.com"},
		{"Bob", ""},
		{"", "team@corp.io"},
		{"Unassigned", ""},
	}

	first := make([]string, len(pairs))
	for i, p := range pairs {
		first[i] = AssigneeKey(p[0], p[1], true, aliases)
	}
	// Recompute in reverse order; results must not depend on call order.
	for i := len(pairs) - 1; i >= 0; i-- {
		got := AssigneeKey(pairs[i][0], pairs[i][1], true, aliases)
		assert.Equal(t, first[i], got)
	}
}

func TestIdentityKey(t *testing.T) {
	assert.Equal(t, "send contract|alice@x.com", IdentityKey("send contract", "alice@x.com"))
	assert.NotEqual(t,
		IdentityKey("send contract", "alice@x.com"),
		IdentityKey("send contract", "bob@x.com"))
}
