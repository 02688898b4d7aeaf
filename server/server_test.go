package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nl2sql "github.com/nadeem4/nl2sql-sub001"
	"github.com/nadeem4/nl2sql-sub001/artifact"
	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/llm"
	"github.com/nadeem4/nl2sql-sub001/policy"
	"github.com/nadeem4/nl2sql-sub001/schema"
	"github.com/nadeem4/nl2sql-sub001/vector"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	settings := core.LoadSettings()
	settings.AuditLogPath = filepath.Join(t.TempDir(), "audit.jsonl")
	settings.ObservabilityExporter = "none"

	script := llm.NewScriptClient().
		On("You are a security gate", `{"allowed": true}`).
		On("", "{}")

	engine, err := nl2sql.NewEngine(context.Background(), settings,
		nl2sql.WithLogger(&core.NoOpLogger{}),
		nl2sql.WithVectorIndex(vector.NewMemoryIndex()),
		nl2sql.WithSchemaStore(schema.NewMemoryStore(4)),
		nl2sql.WithArtifactStore(artifact.NewMemoryStore()),
		nl2sql.WithLLMFactory(func(c llm.AgentConfig) (core.LLMClient, error) { return script, nil }),
		nl2sql.WithPolicyChecker(policy.NewChecker([]policy.RolePolicy{
			{Role: "analyst", AllowedDatasources: []string{"*"}},
		})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	return New(engine, &core.NoOpLogger{}, cfg)
}

func do(t *testing.T, srv *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(t, Config{})

	w := do(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(t, srv, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestQueryValidation(t *testing.T) {
	srv := newTestServer(t, Config{})

	t.Run("empty body", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/query", "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing query field", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/query", `{"execute": true}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown datasource", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/query", `{"query":"how many orders","datasource_id":"warehouse"}`, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

// TestQueryReturnsResult verifies the endpoint always answers 200 with a
// QueryResult: pipeline failures live inside the body, not the status.
func TestQueryReturnsResult(t *testing.T) {
	srv := newTestServer(t, Config{})

	w := do(t, srv, http.MethodPost, "/query",
		`{"query":"how many orders","user_context":{"user_id":"u1","roles":["analyst"]}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result core.QueryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.NotEmpty(t, result.TraceID)
	// No datasources are registered, so the request fails closed inside
	// the result.
	assert.NotEmpty(t, result.Errors)
	assert.NotEmpty(t, result.FinalAnswer)
}

func TestLLMEndpoints(t *testing.T) {
	srv := newTestServer(t, Config{})

	t.Run("get unknown agent", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/llm/planner", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("configure then get hides the key", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/llm",
			`{"name":"planner","provider":"script","model":"m","api_key":"sk-super-secret"}`, nil)
		require.Equal(t, http.StatusCreated, w.Code)

		w = do(t, srv, http.MethodGet, "/llm/planner", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), "sk-super-secret")
		assert.Contains(t, w.Body.String(), `"api_key_set":true`)

		w = do(t, srv, http.MethodGet, "/llm", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"planner"`)
	})

	t.Run("invalid agent config", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/llm", `{"name":"x","provider":"script"}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/llm", `not json`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDatasourceEndpoints(t *testing.T) {
	srv := newTestServer(t, Config{})

	t.Run("list starts empty", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/datasource", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"datasources":[]}`, w.Body.String())
	})

	t.Run("add requires an id", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/datasource", `{"connection":{"type":"postgres"}}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown connection type", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/datasource", `{"id":"x","connection":{"type":"oracle"}}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("index unknown datasource", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/index/warehouse", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("index all with nothing registered", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/index-all", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{}`, w.Body.String())
	})

	t.Run("clear index", func(t *testing.T) {
		w := do(t, srv, http.MethodDelete, "/index", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"cleared"}`, w.Body.String())
	})
}

// TestAPIKeyProtection exercises the configured auth end to end: probes
// stay open, everything else needs the key.
func TestAPIKeyProtection(t *testing.T) {
	srv := newTestServer(t, Config{APIKey: "hunter2"})

	w := do(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodGet, "/datasource", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, srv, http.MethodGet, "/datasource", "", map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, srv, http.MethodGet, "/datasource", "", map[string]string{"X-API-Key": "hunter2"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCorrelationIDEcho(t *testing.T) {
	srv := newTestServer(t, Config{})

	w := do(t, srv, http.MethodGet, "/health", "", map[string]string{"X-Correlation-ID": "trace-42"})
	assert.Equal(t, "trace-42", w.Header().Get("X-Correlation-ID"))

	w = do(t, srv, http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}
