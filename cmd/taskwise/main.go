// Package main implements the taskwise CLI for manual operations against the taskwised HTTP server.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the taskwised HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskwise",
	Short: "CLI for taskwised detection operations",
	Long: `taskwise is a command-line interface for the taskwised HTTP server.
It detects which open tasks a meeting transcript reports as completed and
applies accepted suggestions back to their source stores.`,
	Version: version,
}

var (
	detectUser          string
	detectWorkspace     string
	detectSummary       string
	detectAttendees     []string
	detectExcludeMtg    string
	detectMinMatchRatio float64
	detectRequireMatch  bool
	detectJSON          bool
	applyYes            bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8275", "taskwised server URL")

	detectCmd.Flags().StringVar(&detectUser, "user", "", "user whose open tasks are searched (required)")
	detectCmd.Flags().StringVar(&detectWorkspace, "workspace", "", "restrict the search to one workspace")
	detectCmd.Flags().StringVar(&detectSummary, "summary", "", "meeting summary text scanned alongside the transcript")
	detectCmd.Flags().StringSliceVar(&detectAttendees, "attendee", nil, "meeting attendee name (repeatable)")
	detectCmd.Flags().StringVar(&detectExcludeMtg, "exclude-meeting", "", "meeting session id whose own action items are skipped")
	detectCmd.Flags().Float64Var(&detectMinMatchRatio, "min-match-ratio", 0, "acceptance threshold override (0 = server default)")
	detectCmd.Flags().BoolVar(&detectRequireMatch, "require-attendee-match", false, "only match tasks assigned to an attendee or unassigned")
	detectCmd.Flags().BoolVar(&detectJSON, "json", false, "print the raw detection response instead of a table")
	_ = detectCmd.MarkFlagRequired("user")

	applyCmd.Flags().BoolVar(&applyYes, "yes", false, "apply without asking for confirmation")

	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(healthCmd)
}

// detectCmd runs completion detection on a transcript
var detectCmd = &cobra.Command{
	Use:   "detect [transcript-file]",
	Short: "Detect completed tasks in a meeting transcript",
	Long: `Detect which open tasks a meeting transcript reports as completed.

The transcript is read from a file or stdin and sent to the taskwised
server. Suggestions are printed as a table, or as JSON with --json so
they can be piped into "taskwise apply -".

Examples:
  # Detect against a transcript file
  taskwise detect --user maya standup.txt

  # Detect from stdin, restricted to meeting attendees
  cat standup.txt | taskwise detect --user maya --attendee Maya --attendee Jon -

  # Detect and apply in one pipeline
  taskwise detect --user maya --json standup.txt | taskwise apply --yes -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDetect,
}

// applyCmd applies accepted suggestions to their source stores
var applyCmd = &cobra.Command{
	Use:   "apply [suggestions-file]",
	Short: "Apply completion suggestions to their source stores",
	Long: `Apply completion suggestions to the stores the matched tasks live in.

Input is a detection response or a bare suggestions array, read from a
file or stdin. Applying marks the targeted tasks done, so confirmation
is required: answer the prompt, or pass --yes (always needed when the
suggestions arrive on stdin).

Examples:
  # Review first, then apply
  taskwise detect --user maya --json standup.txt > suggestions.json
  taskwise apply suggestions.json

  # Non-interactive pipeline
  taskwise detect --user maya --json standup.txt | taskwise apply --yes -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runApply,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check taskwised server health",
	Long: `Check the health status of the taskwised HTTP server.

Examples:
  # Check health
  taskwise health

  # Check health on a different server
  taskwise health --server http://localhost:8080`,
	RunE: runHealth,
}

// DetectRequest matches internal/detect Request
type DetectRequest struct {
	UserID               string   `json:"userId"`
	WorkspaceID          string   `json:"workspaceId,omitempty"`
	Transcript           string   `json:"transcript"`
	Summary              string   `json:"summary,omitempty"`
	Attendees            []string `json:"attendees,omitempty"`
	ExcludeMeetingID     string   `json:"excludeMeetingId,omitempty"`
	RequireAttendeeMatch bool     `json:"requireAttendeeMatch,omitempty"`
	MinMatchRatio        float64  `json:"minMatchRatio,omitempty"`
}

// DetectResponse matches internal/detect Result, keeping only the fields
// the CLI presents
type DetectResponse struct {
	Suggestions []Suggestion `json:"suggestions"`
	Diagnostics Diagnostics  `json:"diagnostics"`
}

// Suggestion matches the presentation fields of internal/task Node
type Suggestion struct {
	ID                   string  `json:"id"`
	Title                string  `json:"title"`
	AssigneeName         string  `json:"assigneeName"`
	CompletionConfidence float64 `json:"completionConfidence"`
}

// Diagnostics matches internal/detect Diagnostics
type Diagnostics struct {
	Snippets          int `json:"snippets"`
	Candidates        int `json:"candidates"`
	DirectMatches     int `json:"directMatches"`
	ArbitratedMatches int `json:"arbitratedMatches"`
	FallbackMatches   int `json:"fallbackMatches"`
	ClassifierCalls   int `json:"classifierCalls"`
}

// ApplyRequest matches internal/http/server.go ApplyRequest. Suggestions
// stays raw so the server receives exactly what detect produced.
type ApplyRequest struct {
	Suggestions json.RawMessage `json:"suggestions"`
}

// ApplyResponse matches internal/http/server.go ApplyResponse
type ApplyResponse struct {
	Applied int `json:"applied"`
}

// HealthResponse matches internal/http/server.go HealthResponse
type HealthResponse struct {
	Status string `json:"status"`
}

// runDetect handles the detect command
func runDetect(cmd *cobra.Command, args []string) error {
	transcript, err := readInput(args)
	if err != nil {
		return err
	}
	if len(transcript) == 0 && detectSummary == "" {
		return fmt.Errorf("no transcript to scan")
	}

	reqBody := DetectRequest{
		UserID:               detectUser,
		WorkspaceID:          detectWorkspace,
		Transcript:           string(transcript),
		Summary:              detectSummary,
		Attendees:            detectAttendees,
		ExcludeMeetingID:     detectExcludeMtg,
		RequireAttendeeMatch: detectRequireMatch,
		MinMatchRatio:        detectMinMatchRatio,
	}

	reqJSON, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/detect", serverURL)
	httpReq, err := http.NewRequest("POST", url, bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	// Arbitration may call the classifier several times per run.
	client := &http.Client{
		Timeout: 120 * time.Second,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var detectResp DetectResponse
	if err := json.Unmarshal(body, &detectResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if detectJSON {
		os.Stdout.Write(body)
		if !bytes.HasSuffix(body, []byte("\n")) {
			fmt.Println()
		}
	} else {
		printSuggestionTable(detectResp.Suggestions)
	}

	d := detectResp.Diagnostics
	fmt.Fprintf(os.Stderr, "[taskwise] %d suggestion(s) from %d snippet(s) against %d candidate(s): %d direct, %d arbitrated, %d fallback\n",
		len(detectResp.Suggestions), d.Snippets, d.Candidates, d.DirectMatches, d.ArbitratedMatches, d.FallbackMatches)

	return nil
}

// printSuggestionTable renders suggestions for human review.
func printSuggestionTable(suggestions []Suggestion) {
	if len(suggestions) == 0 {
		fmt.Println("No completed tasks detected.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONFIDENCE\tASSIGNEE\tTITLE")
	for _, s := range suggestions {
		assignee := s.AssigneeName
		if assignee == "" {
			assignee = "-"
		}
		fmt.Fprintf(w, "%.2f\t%s\t%s\n", s.CompletionConfidence, assignee, s.Title)
	}
	w.Flush()
}

// runApply handles the apply command
func runApply(cmd *cobra.Command, args []string) error {
	content, err := readInput(args)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return fmt.Errorf("no suggestions to apply")
	}

	suggestions, err := extractSuggestions(content)
	if err != nil {
		return err
	}

	var count []json.RawMessage
	if err := json.Unmarshal(suggestions, &count); err != nil {
		return fmt.Errorf("failed to parse suggestions: %w", err)
	}
	if len(count) == 0 {
		fmt.Fprintln(os.Stderr, "[taskwise] no suggestions to apply")
		return nil
	}

	if !applyYes {
		fromStdin := len(args) == 0 || args[0] == "-"
		if fromStdin {
			return fmt.Errorf("cannot prompt for confirmation when reading from stdin; re-run with --yes")
		}
		ok, err := confirm(fmt.Sprintf("Apply %d completion suggestion(s) to their source stores? [y/N]: ", len(count)))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "[taskwise] aborted; nothing applied")
			return nil
		}
	}

	reqJSON, err := json.Marshal(ApplyRequest{Suggestions: suggestions})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/apply", serverURL)
	httpReq, err := http.NewRequest("POST", url, bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	var applyResp ApplyResponse
	if err := json.NewDecoder(resp.Body).Decode(&applyResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Applied %d completion(s)\n", applyResp.Applied)
	return nil
}

// extractSuggestions accepts either a full detection response or a bare
// suggestions array and returns the array.
func extractSuggestions(content []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(content)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		return json.RawMessage(trimmed), nil
	}

	var envelope struct {
		Suggestions json.RawMessage `json:"suggestions"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse suggestions: %w", err)
	}
	if len(envelope.Suggestions) == 0 {
		return nil, fmt.Errorf("input has no suggestions field")
	}
	return envelope.Suggestions, nil
}

// confirm asks a yes/no question on the terminal.
func confirm(prompt string) (bool, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/health", serverURL)

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect to %s: %v\n", url, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	var healthResp HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Server Status: %s\n", healthResp.Status)
	fmt.Printf("Server URL: %s\n", serverURL)

	return nil
}

// readInput reads from the file named in args, or stdin when args is
// empty or names "-".
func readInput(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		return content, nil
	}
	content, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", args[0], err)
	}
	return content, nil
}

// statusError turns a non-200 response into an error carrying the body.
func statusError(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
}
