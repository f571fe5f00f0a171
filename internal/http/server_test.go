package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/historyd/internal/conversationlog"
	"github.com/fyrsmithlabs/historyd/internal/metrics"
	"github.com/fyrsmithlabs/historyd/internal/resilience"
	"github.com/fyrsmithlabs/historyd/internal/retention"
	"github.com/fyrsmithlabs/historyd/internal/semanticindex"
	"github.com/fyrsmithlabs/historyd/internal/service"
)

type staticEmbedder struct{ dims int }

func (e staticEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, e.dims)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

func (e staticEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, e.dims)
	v[0] = 1
	return v, nil
}

func (e staticEmbedder) Dimensions() int { return e.dims }

type testServer struct {
	server *Server
	svc    *service.Service
	reg    *prometheus.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	log, err := conversationlog.Open(":memory:", nil)
	require.NoError(t, err)

	store, err := semanticindex.NewChromemStore("", nil)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	sink, err := metrics.NewPrometheusSink(reg)
	require.NoError(t, err)

	wrapper := resilience.New(resilience.Config{MaxAttempts: 1, Timeout: time.Second}, nil, sink)
	index, err := semanticindex.New(store, staticEmbedder{dims: 3}, nil, wrapper, nil, sink,
		semanticindex.Config{Environment: "test"})
	require.NoError(t, err)
	require.NoError(t, index.Init(context.Background()))

	svc := service.New(log, index, nil, sink, service.Config{Workers: 1})
	t.Cleanup(func() { svc.Close() })

	engine := retention.NewEngine(log, index, nil, sink, retention.Policy{})

	server, err := NewServer(svc, engine, reg, zap.NewNop(), Config{Port: 8080})
	require.NoError(t, err)
	return &testServer{server: server, svc: svc, reg: reg}
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/ready", "").Code)
}

func TestAppendMessage(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/messages",
		`{"session_id":"sess-1","role":"user","content":"How do I export my data?"}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.NotEmpty(t, msg["message_id"])
	assert.NotEmpty(t, msg["conversation_id"])
}

func TestAppendMessageValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/messages",
		`{"session_id":"sess-1","role":"system","content":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/messages", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	for _, content := range []string{"first", "second"} {
		rec := ts.do(t, http.MethodPost, "/api/v1/messages",
			`{"session_id":"sess-1","role":"user","content":"`+content+`"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/history?session_id=sess-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var parsed struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	require.Len(t, parsed.Messages, 2)
	assert.Equal(t, "first", parsed.Messages[0].Content)
}

func TestHistoryRequiresSession(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/history", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/history?session_id=s&limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryOffsetPagination(t *testing.T) {
	ts := newTestServer(t)

	for _, content := range []string{"one", "two", "three"} {
		rec := ts.do(t, http.MethodPost, "/api/v1/messages",
			`{"session_id":"sess-1","role":"user","content":"`+content+`"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/history?session_id=sess-1&limit=2&offset=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var parsed struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	require.Len(t, parsed.Messages, 1)
	assert.Equal(t, "one", parsed.Messages[0].Content)

	rec = ts.do(t, http.MethodGet, "/api/v1/history?session_id=sess-1&offset=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/history?session_id=sess-1&offset=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionStats(t *testing.T) {
	ts := newTestServer(t)

	for _, content := range []string{"first", "second"} {
		rec := ts.do(t, http.MethodPost, "/api/v1/messages",
			`{"session_id":"sess-1","role":"user","content":"`+content+`"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/sessions/sess-1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		Messages      int `json:"messages"`
		Conversations int `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Messages)
	assert.Equal(t, 1, stats.Conversations)
}

func TestSearch(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/messages",
		`{"session_id":"sess-1","role":"user","content":"resetting passwords is easy"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	ts.svc.Flush()

	rec = ts.do(t, http.MethodPost, "/api/v1/search",
		`{"session_id":"sess-1","query":"password reset"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Hits []struct {
			SessionID string `json:"session_id"`
		} `json:"hits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "sess-1", result.Hits[0].SessionID)
}

func TestSearchValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/search", `{"query":"missing session"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteHistory(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/messages",
		`{"session_id":"sess-1","role":"user","content":"to be removed"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	ts.svc.Flush()

	rec = ts.do(t, http.MethodDelete, "/api/v1/history/sess-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var parsed map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	assert.Equal(t, 1, parsed["messages_deleted"])

	rec = ts.do(t, http.MethodGet, "/api/v1/history?session_id=sess-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"messages":[]`)
}

func TestDeleteHistoryConversationScoped(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/messages",
		`{"session_id":"sess-1","role":"user","content":"billing question","topic_context":"billing"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	conversationID, _ := first["conversation_id"].(string)
	require.NotEmpty(t, conversationID)

	rec = ts.do(t, http.MethodPost, "/api/v1/messages",
		`{"session_id":"sess-1","role":"user","content":"deploy question","topic_context":"deploys"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	ts.svc.Flush()

	// A different session must not be able to delete the conversation.
	rec = ts.do(t, http.MethodDelete, "/api/v1/history/sess-other?conversation_id="+conversationID, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/history/sess-1?conversation_id="+conversationID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var parsed map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	assert.Equal(t, 1, parsed["messages_deleted"])
	assert.Equal(t, 1, parsed["conversations_deleted"])

	rec = ts.do(t, http.MethodGet, "/api/v1/history?session_id=sess-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deploy question")
	assert.NotContains(t, rec.Body.String(), "billing question")
}

func TestAdminExpireCutoff(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/messages",
		`{"session_id":"sess-1","role":"user","content":"soon expired"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	ts.svc.Flush()

	rec = ts.do(t, http.MethodPost, "/admin/cleanup/expire?cutoff=not-a-time", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// No age policy is set, so only the explicit cutoff can expire anything.
	cutoff := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec = ts.do(t, http.MethodPost, "/admin/cleanup/expire?cutoff="+url.QueryEscape(cutoff), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		SessionsExpired int `json:"sessions_expired"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.SessionsExpired)

	rec = ts.do(t, http.MethodGet, "/api/v1/history?session_id=sess-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"messages":[]`)
}

func TestAdminCleanupAndStats(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/admin/cleanup/run", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/admin/retention/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"log"`)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/messages",
		`{"session_id":"sess-1","role":"user","content":"count me"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	ts.svc.Flush()

	rec = ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "historyd_operations_total")
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(nil, nil, nil, zap.NewNop(), Config{})
	assert.Error(t, err)
}
