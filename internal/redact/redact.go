// Package redact removes secrets from text before it leaves the process.
//
// Detection uses the Gitleaks SDK's default ruleset (800+ patterns),
// optionally narrowed by a user allowlist. Findings are replaced with
// [REDACTED:rule-id:preview] markers that keep enough surrounding context
// for embeddings and classifier prompts to stay useful.
package redact

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"
)

// previewLen is how many leading characters of a secret survive in the
// redaction marker.
const previewLen = 4

// Redactor detects and redacts secrets from text.
//
// The underlying detector is built once and reused; Redact is safe for
// concurrent use.
type Redactor struct {
	detector *detect.Detector
	logger   *zap.Logger
}

// NewRedactor creates a Redactor with the Gitleaks default config. The
// allowlist at allowlistPath is applied when the file exists; an empty path
// skips allowlist loading.
func NewRedactor(allowlistPath string, logger *zap.Logger) (*Redactor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating secret detector: %w", err)
	}

	allowlist, err := LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, fmt.Errorf("loading allowlist: %w", err)
	}
	applyAllowlist(&detector.Config, allowlist)

	return &Redactor{
		detector: detector,
		logger:   logger,
	}, nil
}

// Redact replaces every detected secret with a [REDACTED:rule-id:preview]
// marker. Text without findings is returned unchanged. Replacement is by
// secret value, so repeated occurrences of the same secret are all removed.
func (r *Redactor) Redact(text string) string {
	if text == "" {
		return text
	}

	findings := r.detector.DetectString(text)
	if len(findings) == 0 {
		return text
	}

	// First rule to flag a secret names its marker.
	markers := make(map[string]string, len(findings))
	for _, f := range findings {
		if f.Secret == "" {
			continue
		}
		if _, ok := markers[f.Secret]; !ok {
			markers[f.Secret] = fmt.Sprintf("[REDACTED:%s:%s]", f.RuleID, preview(f.Secret))
		}
	}
	if len(markers) == 0 {
		return text
	}

	// Longest secrets first so a secret containing another is replaced
	// whole instead of leaving fragments behind.
	secrets := make([]string, 0, len(markers))
	for s := range markers {
		secrets = append(secrets, s)
	}
	sort.Slice(secrets, func(i, j int) bool {
		if len(secrets[i]) != len(secrets[j]) {
			return len(secrets[i]) > len(secrets[j])
		}
		return secrets[i] < secrets[j]
	})

	for _, s := range secrets {
		text = strings.ReplaceAll(text, s, markers[s])
	}

	r.logger.Debug("redacted secrets from outbound text",
		zap.Int("findings", len(findings)),
		zap.Int("unique_secrets", len(secrets)))

	return text
}

// preview returns the first few characters of a secret for the marker.
func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	return s[:previewLen]
}
