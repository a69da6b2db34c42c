package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExtractSuggestions(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr string
	}{
		{
			name:  "bare array passes through",
			input: `[{"id":"s1"}]`,
			want:  `[{"id":"s1"}]`,
		},
		{
			name:  "detect response envelope",
			input: `{"suggestions":[{"id":"s1"},{"id":"s2"}],"diagnostics":{"snippets":3}}`,
			want:  `[{"id":"s1"},{"id":"s2"}]`,
		},
		{
			name:  "surrounding whitespace",
			input: "\n  [{\"id\":\"s1\"}]\n",
			want:  `[{"id":"s1"}]`,
		},
		{
			name:    "envelope without suggestions",
			input:   `{"diagnostics":{"snippets":3}}`,
			wantErr: "no suggestions field",
		},
		{
			name:    "invalid json",
			input:   `{"suggestions":`,
			wantErr: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractSuggestions([]byte(tt.input))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("extractSuggestions() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("extractSuggestions() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("extractSuggestions() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRunApplyPostsSuggestions(t *testing.T) {
	var gotPath string
	var gotBody ApplyRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding apply request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ApplyResponse{Applied: 2})
	}))
	defer srv.Close()

	origServer, origYes := serverURL, applyYes
	defer func() { serverURL, applyYes = origServer, origYes }()
	serverURL = srv.URL
	applyYes = true

	path := filepath.Join(t.TempDir(), "suggestions.json")
	content := `{"suggestions":[{"id":"s1"},{"id":"s2"}],"diagnostics":{"snippets":1}}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := runApply(applyCmd, []string{path}); err != nil {
		t.Fatalf("runApply() error = %v", err)
	}

	if gotPath != "/api/v1/apply" {
		t.Errorf("request path = %q, want /api/v1/apply", gotPath)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(gotBody.Suggestions, &items); err != nil {
		t.Fatalf("unmarshaling posted suggestions: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("posted %d suggestions, want 2", len(items))
	}
}

func TestRunApplyRequiresYesOnStdin(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	origStdin := os.Stdin
	defer func() { os.Stdin = origStdin }()
	os.Stdin = r

	if _, err := w.Write([]byte(`[{"id":"s1"}]`)); err != nil {
		t.Fatal(err)
	}
	w.Close()

	origYes := applyYes
	defer func() { applyYes = origYes }()
	applyYes = false

	err = runApply(applyCmd, []string{"-"})
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("runApply() error = %v, want confirmation error", err)
	}
}

func TestRunApplySurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"store offline"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	origServer, origYes := serverURL, applyYes
	defer func() { serverURL, applyYes = origServer, origYes }()
	serverURL = srv.URL
	applyYes = true

	path := filepath.Join(t.TempDir(), "suggestions.json")
	if err := os.WriteFile(path, []byte(`[{"id":"s1"}]`), 0o600); err != nil {
		t.Fatal(err)
	}

	err := runApply(applyCmd, []string{path})
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("runApply() error = %v, want status 500 error", err)
	}
}

func TestRunHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("request path = %q, want /health", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
	}))
	defer srv.Close()

	origServer := serverURL
	defer func() { serverURL = origServer }()
	serverURL = srv.URL

	if err := runHealth(healthCmd, nil); err != nil {
		t.Fatalf("runHealth() error = %v", err)
	}
}

func TestRunHealthReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	origServer := serverURL
	defer func() { serverURL = origServer }()
	serverURL = srv.URL

	err := runHealth(healthCmd, nil)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("runHealth() error = %v, want status 503 error", err)
	}
}
