package main

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	// Point everything at throwaway directories so the test never touches
	// a real config file or database.
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TASKWISE_DATABASE__DATA_DIR", t.TempDir())
	t.Setenv("TASKWISE_SERVER__PORT", "8296")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, "")
	}()

	// Wait for the server to come up. Startup compiles the redaction
	// rules, so poll instead of sleeping a fixed interval.
	var resp *http.Response
	var err error
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://127.0.0.1:8296/health")
		if err == nil {
			break
		}
		select {
		case startErr := <-errCh:
			t.Fatalf("run() exited before serving: %v", startErr)
		case <-time.After(100 * time.Millisecond):
		}
	}
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestPrintVersion(t *testing.T) {
	// printVersion writes to stdout; just make sure the version vars are
	// wired so a release build stamps them via ldflags.
	for name, value := range map[string]string{
		"version":   version,
		"gitCommit": gitCommit,
		"buildDate": buildDate,
	} {
		if value == "" {
			t.Errorf("%s is empty", name)
		}
	}
}
