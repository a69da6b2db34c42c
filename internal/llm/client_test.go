package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestNewClient tests provider dispatch and credential validation.
func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name:    "empty provider disabled",
			cfg:     Config{},
			wantErr: ErrNotConfigured,
		},
		{
			name:    "none provider disabled",
			cfg:     Config{Provider: "none", APIKey: "sk-test123"},
			wantErr: ErrNotConfigured,
		},
		{
			name:    "disabled provider",
			cfg:     Config{Provider: "disabled"},
			wantErr: ErrNotConfigured,
		},
		{
			name:    "anthropic without key",
			cfg:     Config{Provider: "anthropic"},
			wantErr: ErrNotConfigured,
		},
		{
			name:    "openai without key",
			cfg:     Config{Provider: "openai"},
			wantErr: ErrNotConfigured,
		},
		{
			name:    "unknown provider",
			cfg:     Config{Provider: "cohere", APIKey: "key"},
			wantErr: ErrInvalidConfig,
		},
		{
			name: "anthropic with key",
			cfg:  Config{Provider: "anthropic", APIKey: "sk-ant-test123"},
		},
		{
			name: "openai with key",
			cfg:  Config{Provider: "openai", APIKey: "sk-test123"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.cfg, nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("NewClient() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewClient() error = %v", err)
			}
			if client == nil {
				t.Fatal("NewClient() returned nil client")
			}
		})
	}
}

// TestNewClientDefaults tests that model and base URL defaults are applied.
func TestNewClientDefaults(t *testing.T) {
	client, err := NewClient(Config{Provider: "anthropic", APIKey: "sk-ant-test123"}, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	ac := client.(*anthropicClient)
	if ac.model != defaultAnthropicModel {
		t.Errorf("model = %q, want %q", ac.model, defaultAnthropicModel)
	}
	if ac.baseURL != defaultAnthropicBaseURL {
		t.Errorf("baseURL = %q, want %q", ac.baseURL, defaultAnthropicBaseURL)
	}

	client, err = NewClient(Config{Provider: "openai", APIKey: "sk-test123", Model: "gpt-4o"}, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	oc := client.(*openAIClient)
	if oc.model != "gpt-4o" {
		t.Errorf("model = %q, want %q", oc.model, "gpt-4o")
	}
	if oc.baseURL != defaultOpenAIBaseURL {
		t.Errorf("baseURL = %q, want %q", oc.baseURL, defaultOpenAIBaseURL)
	}
}

// TestAnthropicClient_Complete tests the Anthropic client with a mock server.
func TestAnthropicClient_Complete(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse string
		statusCode     int
		wantErr        bool
		want           string
	}{
		{
			name: "successful completion",
			serverResponse: `{
				"id": "msg_123",
				"type": "message",
				"role": "assistant",
				"content": [{
					"type": "text",
					"text": "{\"matches\": []}"
				}],
				"model": "claude-3-5-sonnet-20241022",
				"stop_reason": "end_turn"
			}`,
			statusCode: http.StatusOK,
			want:       `{"matches": []}`,
		},
		{
			name: "unauthorized error",
			serverResponse: `{
				"type": "error",
				"error": {
					"type": "authentication_error",
					"message": "Invalid API key"
				}
			}`,
			statusCode: http.StatusUnauthorized,
			wantErr:    true,
		},
		{
			name: "empty response",
			serverResponse: `{
				"id": "msg_123",
				"type": "message",
				"role": "assistant",
				"content": [],
				"model": "claude-3-5-sonnet-20241022"
			}`,
			statusCode: http.StatusOK,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				// Verify request headers
				if r.Header.Get("X-API-Key") == "" {
					t.Error("Missing X-API-Key header")
				}
				if r.Header.Get("Content-Type") != "application/json" {
					t.Error("Missing Content-Type header")
				}
				if r.Header.Get("Anthropic-Version") != "2023-06-01" {
					t.Error("Missing or incorrect Anthropic-Version header")
				}

				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.serverResponse))
			}))
			defer server.Close()

			client, err := NewClient(Config{
				Provider: "anthropic",
				APIKey:   "sk-ant-test123",
				BaseURL:  server.URL,
			}, nil)
			if err != nil {
				t.Fatalf("Failed to create client: %v", err)
			}

			got, err := client.Complete(context.Background(), "classify this")
			if (err != nil) != tt.wantErr {
				t.Errorf("Complete() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Complete() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestOpenAIClient_Complete tests the OpenAI client with a mock server.
func TestOpenAIClient_Complete(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse string
		statusCode     int
		wantErr        bool
		want           string
	}{
		{
			name: "successful completion",
			serverResponse: `{
				"id": "chatcmpl-123",
				"object": "chat.completion",
				"created": 1677652288,
				"model": "gpt-4o-mini",
				"choices": [{
					"index": 0,
					"message": {
						"role": "assistant",
						"content": "{\"matches\": [{\"groupId\": \"g1\"}]}"
					},
					"finish_reason": "stop"
				}]
			}`,
			statusCode: http.StatusOK,
			want:       `{"matches": [{"groupId": "g1"}]}`,
		},
		{
			name: "unauthorized error",
			serverResponse: `{
				"error": {
					"message": "Invalid API key",
					"type": "invalid_request_error",
					"code": "invalid_api_key"
				}
			}`,
			statusCode: http.StatusUnauthorized,
			wantErr:    true,
		},
		{
			name: "empty choices",
			serverResponse: `{
				"id": "chatcmpl-123",
				"object": "chat.completion",
				"choices": []
			}`,
			statusCode: http.StatusOK,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				// Verify request headers
				auth := r.Header.Get("Authorization")
				if !strings.HasPrefix(auth, "Bearer ") {
					t.Error("Missing or invalid Authorization header")
				}
				if r.Header.Get("Content-Type") != "application/json" {
					t.Error("Missing Content-Type header")
				}

				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.serverResponse))
			}))
			defer server.Close()

			client, err := NewClient(Config{
				Provider: "openai",
				APIKey:   "sk-test123",
				BaseURL:  server.URL,
			}, nil)
			if err != nil {
				t.Fatalf("Failed to create client: %v", err)
			}

			got, err := client.Complete(context.Background(), "classify this")
			if (err != nil) != tt.wantErr {
				t.Errorf("Complete() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Complete() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestOpenAIClient_Retry tests retry behavior on rate limit responses.
func TestOpenAIClient_Retry(t *testing.T) {
	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		if requestCount <= 2 {
			// First two requests fail with rate limit
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error": {"message": "Rate limit exceeded"}}`))
			return
		}
		// Third request succeeds
		response := `{
			"id": "chatcmpl-123",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "ok after retry"
				},
				"finish_reason": "stop"
			}]
		}`
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(response))
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Provider: "openai",
		APIKey:   "sk-test123",
		BaseURL:  server.URL,
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	got, err := client.Complete(context.Background(), "classify this")
	if err != nil {
		t.Fatalf("Complete() failed after retries: %v", err)
	}
	if got != "ok after retry" {
		t.Errorf("Complete() = %q, want %q", got, "ok after retry")
	}
	if requestCount != 3 {
		t.Errorf("Expected 3 requests (2 retries), got %d", requestCount)
	}
}

// TestAnthropicClient_Retry tests retry behavior on server errors.
func TestAnthropicClient_Retry(t *testing.T) {
	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		if requestCount <= 2 {
			// First two requests fail with server error
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error": {"message": "Service temporarily unavailable"}}`))
			return
		}
		// Third request succeeds
		response := `{
			"id": "msg_123",
			"type": "message",
			"role": "assistant",
			"content": [{
				"type": "text",
				"text": "ok after retry"
			}],
			"model": "claude-3-5-sonnet-20241022"
		}`
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(response))
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Provider: "anthropic",
		APIKey:   "sk-ant-test123",
		BaseURL:  server.URL,
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	got, err := client.Complete(context.Background(), "classify this")
	if err != nil {
		t.Fatalf("Complete() failed after retries: %v", err)
	}
	if got != "ok after retry" {
		t.Errorf("Complete() = %q, want %q", got, "ok after retry")
	}
	if requestCount != 3 {
		t.Errorf("Expected 3 requests (2 retries), got %d", requestCount)
	}
}

// TestComplete_TerminalErrorNoRetry tests that client errors are not retried.
func TestComplete_TerminalErrorNoRetry(t *testing.T) {
	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "invalid_request_error"}}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Provider: "openai",
		APIKey:   "sk-bad",
		BaseURL:  server.URL,
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.Complete(context.Background(), "classify this")
	if err == nil {
		t.Fatal("Expected error for unauthorized response")
	}
	if requestCount != 1 {
		t.Errorf("Expected 1 request (no retries), got %d", requestCount)
	}
}

// markerRedactor replaces a known token so tests can observe redaction.
type markerRedactor struct{}

func (markerRedactor) Redact(text string) string {
	return strings.ReplaceAll(text, "sk-abc123secret", "[REDACTED:API_KEY]")
}

// TestComplete_RedactsPrompt tests that prompts are redacted before sending.
func TestComplete_RedactsPrompt(t *testing.T) {
	var receivedBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&receivedBody)
		response := `{
			"id": "msg_123",
			"type": "message",
			"role": "assistant",
			"content": [{
				"type": "text",
				"text": "ok"
			}],
			"model": "claude-3-5-sonnet-20241022"
		}`
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(response))
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Provider: "anthropic",
		APIKey:   "sk-ant-test123",
		BaseURL:  server.URL,
	}, markerRedactor{})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.Complete(context.Background(), "snippet mentions sk-abc123secret in passing")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	messages := receivedBody["messages"].([]interface{})
	if len(messages) == 0 {
		t.Fatal("No messages in request")
	}
	content := messages[0].(map[string]interface{})["content"].(string)
	if strings.Contains(content, "sk-abc123secret") {
		t.Error("Secret not redacted from outbound prompt")
	}
	if !strings.Contains(content, "[REDACTED:API_KEY]") {
		t.Error("Expected REDACTED placeholder in outbound prompt")
	}
}

// TestComplete_ContextCancellation tests that context cancellation is respected.
func TestComplete_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Provider: "openai",
		APIKey:   "sk-test123",
		BaseURL:  server.URL,
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = client.Complete(ctx, "classify this")
	if err == nil {
		t.Error("Expected error due to context cancellation")
	}
}

// TestRetryableError tests the retryable error type.
func TestRetryableError(t *testing.T) {
	err := &retryableError{err: fmt.Errorf("test error")}

	if err.Error() != "test error" {
		t.Errorf("Error() = %q, want %q", err.Error(), "test error")
	}
	if err.Unwrap() == nil {
		t.Error("Unwrap() = nil, want non-nil")
	}
	if !isRetryableError(err) {
		t.Error("isRetryableError() = false, want true")
	}

	wrapped := fmt.Errorf("request failed: %w", err)
	if !isRetryableError(wrapped) {
		t.Error("isRetryableError() = false for wrapped retryable, want true")
	}

	normalErr := fmt.Errorf("normal error")
	if isRetryableError(normalErr) {
		t.Error("isRetryableError() = true for normal error, want false")
	}
}
