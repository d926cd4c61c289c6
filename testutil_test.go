package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"llm-council-client/internal/devserver"
)

// TestHelper provides utilities for tests
type TestHelper struct {
	t       *testing.T
	tempDir string
}

// NewTestHelper creates a new test helper. Package configuration is restored after the test.
func NewTestHelper(t *testing.T) *TestHelper {
	resetConfig(t)
	return &TestHelper{t: t, tempDir: t.TempDir()}
}

// StartBackend runs a dev backend and points the client configuration at it.
func (h *TestHelper) StartBackend(token string) *httptest.Server {
	h.t.Helper()

	cfg := devserver.DefaultConfig()
	cfg.DataDir = filepath.Join(h.tempDir, "conversations")
	cfg.Token = token

	server, err := devserver.New(cfg, nil)
	if err != nil {
		h.t.Fatalf("Failed to create dev backend: %v", err)
	}
	srv := httptest.NewServer(server.Handler())
	h.t.Cleanup(srv.Close)

	APIURL = srv.URL
	SessionToken = token
	DuplicateModels = []string{}
	return srv
}

// Run executes a command line and returns its stdout.
func (h *TestHelper) Run(args ...string) (string, error) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return plain(stdout.String()), err
}
