package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trbojevicstefan/taskwise/internal/detect"
	"github.com/trbojevicstefan/taskwise/internal/task"
)

type fakeDetector struct {
	result    *detect.Result
	detectErr error
	applied   int
	applyErr  error

	lastDetect     detect.Request
	lastApply      []task.Node
	lastSource     task.Source
	lastSessionID  string
	filterReturned []task.Node
}

func (f *fakeDetector) Detect(_ context.Context, req detect.Request) (*detect.Result, error) {
	f.lastDetect = req
	if f.detectErr != nil {
		return nil, f.detectErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &detect.Result{Suggestions: []task.Node{}}, nil
}

func (f *fakeDetector) Apply(_ context.Context, suggestions []task.Node) (int, error) {
	f.lastApply = suggestions
	return f.applied, f.applyErr
}

func (f *fakeDetector) Merge(existing, suggestions []task.Node) []task.Node {
	merged := append([]task.Node{}, existing...)
	return append(merged, suggestions...)
}

func (f *fakeDetector) FilterForSessionSync(nodes []task.Node, source task.Source, sessionID string) []task.Node {
	f.lastSource = source
	f.lastSessionID = sessionID
	if f.filterReturned != nil {
		return f.filterReturned
	}
	return nodes
}

// setupTestServer creates a test server with default configuration.
func setupTestServer(t *testing.T, detector *fakeDetector) *Server {
	t.Helper()

	cfg := &Config{
		Host:          "127.0.0.1",
		Port:          8275,
		MinMatchRatio: 0.6,
	}

	server, err := NewServer(detector, zap.NewNop(), cfg)
	require.NoError(t, err)

	return server
}

func postJSON(t *testing.T, server *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("creates server with valid config", func(t *testing.T) {
		cfg := &Config{Host: "127.0.0.1", Port: 8275, MinMatchRatio: 0.6}

		server, err := NewServer(&fakeDetector{}, zap.NewNop(), cfg)
		require.NoError(t, err)
		assert.NotNil(t, server)
		assert.NotNil(t, server.echo)
		assert.Equal(t, cfg, server.config)
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(&fakeDetector{}, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", server.config.Host)
		assert.Equal(t, 8275, server.config.Port)
		assert.Equal(t, 0.6, server.config.MinMatchRatio)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(&fakeDetector{}, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when detector is nil", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "detector cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t, &fakeDetector{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleDetect(t *testing.T) {
	t.Run("returns suggestions and diagnostics", func(t *testing.T) {
		detector := &fakeDetector{
			result: &detect.Result{
				Suggestions: []task.Node{{
					ID:                   "s1",
					Title:                "Send contract to Acme",
					Status:               task.StatusDone,
					CompletionSuggested:  true,
					CompletionConfidence: 0.83,
				}},
				Diagnostics: detect.Diagnostics{Snippets: 1, Candidates: 1, DirectMatches: 1},
			},
		}
		server := setupTestServer(t, detector)

		rec := postJSON(t, server, "/api/v1/detect", detect.Request{
			UserID:     "u1",
			Transcript: "Bob: I sent the contract this morning.",
		})

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp detect.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Suggestions, 1)
		assert.Equal(t, "Send contract to Acme", resp.Suggestions[0].Title)
		assert.True(t, resp.Suggestions[0].CompletionSuggested)
		assert.Equal(t, 1, resp.Diagnostics.DirectMatches)
	})

	t.Run("fills threshold default from config", func(t *testing.T) {
		detector := &fakeDetector{}
		server, err := NewServer(detector, zap.NewNop(), &Config{
			Host:                 "127.0.0.1",
			Port:                 8275,
			MinMatchRatio:        0.55,
			RequireAttendeeMatch: true,
		})
		require.NoError(t, err)

		rec := postJSON(t, server, "/api/v1/detect", map[string]any{
			"userId":     "u1",
			"transcript": "Bob: shipped it.",
		})

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 0.55, detector.lastDetect.MinMatchRatio)
		assert.True(t, detector.lastDetect.RequireAttendeeMatch)
	})

	t.Run("keeps explicit threshold", func(t *testing.T) {
		detector := &fakeDetector{}
		server := setupTestServer(t, detector)

		rec := postJSON(t, server, "/api/v1/detect", map[string]any{
			"userId":        "u1",
			"transcript":    "Bob: shipped it.",
			"minMatchRatio": 0.8,
		})

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 0.8, detector.lastDetect.MinMatchRatio)
	})

	t.Run("rejects missing userId", func(t *testing.T) {
		server := setupTestServer(t, &fakeDetector{})

		rec := postJSON(t, server, "/api/v1/detect", map[string]any{
			"transcript": "Bob: shipped it.",
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp["message"], "userId")
	})

	t.Run("rejects empty transcript and summary", func(t *testing.T) {
		server := setupTestServer(t, &fakeDetector{})

		rec := postJSON(t, server, "/api/v1/detect", map[string]any{"userId": "u1"})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		server := setupTestServer(t, &fakeDetector{})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/detect", bytes.NewReader([]byte("not json")))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps detector failure to 500", func(t *testing.T) {
		server := setupTestServer(t, &fakeDetector{detectErr: errors.New("store offline")})

		rec := postJSON(t, server, "/api/v1/detect", map[string]any{
			"userId":     "u1",
			"transcript": "Bob: shipped it.",
		})

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "store offline")
	})
}

func TestHandleApply(t *testing.T) {
	t.Run("applies suggestions", func(t *testing.T) {
		detector := &fakeDetector{applied: 2}
		server := setupTestServer(t, detector)

		rec := postJSON(t, server, "/api/v1/apply", ApplyRequest{
			Suggestions: []task.Node{{ID: "s1", CompletionSuggested: true}},
		})

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp ApplyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Applied)
		assert.Len(t, detector.lastApply, 1)
	})

	t.Run("rejects empty suggestions", func(t *testing.T) {
		server := setupTestServer(t, &fakeDetector{})

		rec := postJSON(t, server, "/api/v1/apply", ApplyRequest{})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps store failure to 500", func(t *testing.T) {
		server := setupTestServer(t, &fakeDetector{applyErr: errors.New("write failed")})

		rec := postJSON(t, server, "/api/v1/apply", ApplyRequest{
			Suggestions: []task.Node{{ID: "s1"}},
		})

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestHandleMerge(t *testing.T) {
	server := setupTestServer(t, &fakeDetector{})

	rec := postJSON(t, server, "/api/v1/merge", MergeRequest{
		Existing:    []task.Node{{ID: "e1", Title: "Existing"}},
		Suggestions: []task.Node{{ID: "s1", Title: "Suggested"}},
	})

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp MergeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Nodes, 2)
	assert.Equal(t, "Existing", resp.Nodes[0].Title)
	assert.Equal(t, "Suggested", resp.Nodes[1].Title)
}

func TestHandleSessionFilter(t *testing.T) {
	t.Run("filters for a session", func(t *testing.T) {
		detector := &fakeDetector{}
		server := setupTestServer(t, detector)

		rec := postJSON(t, server, "/api/v1/sessions/filter", SessionFilterRequest{
			Nodes:     []task.Node{{ID: "n1"}},
			Source:    "meeting",
			SessionID: "mtg-7",
		})

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, task.SourceMeeting, detector.lastSource)
		assert.Equal(t, "mtg-7", detector.lastSessionID)

		var resp SessionFilterResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Len(t, resp.Nodes, 1)
	})

	t.Run("rejects unknown source", func(t *testing.T) {
		server := setupTestServer(t, &fakeDetector{})

		rec := postJSON(t, server, "/api/v1/sessions/filter", SessionFilterRequest{
			Source:    "task",
			SessionID: "mtg-7",
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects missing session id", func(t *testing.T) {
		server := setupTestServer(t, &fakeDetector{})

		rec := postJSON(t, server, "/api/v1/sessions/filter", SessionFilterRequest{
			Source: "chat",
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t, &fakeDetector{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServerLifecycle(t *testing.T) {
	t.Run("starts and shuts down gracefully", func(t *testing.T) {
		cfg := &Config{
			Host:          "127.0.0.1",
			Port:          0, // random available port
			MinMatchRatio: 0.6,
		}

		server, err := NewServer(&fakeDetector{}, zap.NewNop(), cfg)
		require.NoError(t, err)

		errChan := make(chan error, 1)
		go func() {
			errChan <- server.Start()
		}()

		time.Sleep(100 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err = server.Shutdown(ctx)
		assert.NoError(t, err)

		select {
		case err := <-errChan:
			assert.True(t, err == nil || err == http.ErrServerClosed)
		case <-time.After(6 * time.Second):
			t.Fatal("server did not shut down in time")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID to response", func(t *testing.T) {
		server := setupTestServer(t, &fakeDetector{})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)

		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		server := setupTestServer(t, &fakeDetector{})

		server.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		req := httptest.NewRequest(http.MethodGet, "/panic", nil)
		rec := httptest.NewRecorder()

		assert.NotPanics(t, func() {
			server.echo.ServeHTTP(rec, req)
		})

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
