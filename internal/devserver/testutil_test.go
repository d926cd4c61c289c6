package devserver

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestServer builds a server on a temporary data dir. councilYAML, when not empty,
// is written to a council file first.
func newTestServer(t *testing.T, token, councilYAML string) *Server {
	t.Helper()
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "conversations")
	cfg.Token = token
	if councilYAML != "" {
		cfg.CouncilFile = filepath.Join(dir, "council.yaml")
		require.NoError(t, os.WriteFile(cfg.CouncilFile, []byte(councilYAML), 0644))
	}

	s, err := New(cfg, nil)
	require.NoError(t, err)
	return s
}

// doRequest performs a request against the server's handler.
func doRequest(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

const twoModelCouncil = `
council_models:
  - acme/foo
  - acme/bar
chairman_model: acme/chair
title_words: 3
`
