package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoramesh-ai/agoramesh-sub001/internal/config"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/directory"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/dispatcher"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/executor"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/identity"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/ratelimit"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/registry"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/trust"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/wsgw"
)

type harness struct {
	srv  *Server
	exec *executor.FakeExecutor
}

func newHarness(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()
	cfg := &config.Config{
		Host:               "127.0.0.1",
		Port:               0,
		RequireAuth:        false,
		FreeTierEnabled:    true,
		SandboxRoot:        t.TempDir(),
		BodyLimitBytes:     1 << 20,
		MaxPending:         100,
		MaxCompleted:       100,
		CompletedTTLSecs:   3600,
		TaskTimeoutSeconds: 30,
	}
	if mutate != nil {
		mutate(cfg)
	}

	reg := registry.New(cfg.MaxPending, cfg.MaxCompleted, time.Duration(cfg.CompletedTTLSecs)*time.Second)
	ids := identity.NewResolver(cfg.BearerToken)
	limiter := ratelimit.New(10, 20, "")
	trustStore := trust.NewStore(1000, "")
	exec := executor.NewFakeExecutor()
	hub := wsgw.New(nil)
	disp := dispatcher.New(reg, exec, nil, trustStore, "", nil, hub.Broadcast)
	dirClient := directory.New("")

	srv := New(cfg, nil, reg, ids, limiter, trustStore, disp, dirClient, hub)
	return &harness{srv: srv, exec: exec}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthUnauthenticated(t *testing.T) {
	h := newHarness(t, nil)
	rr := doJSON(t, h.srv.Router(), http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	_, hasAgent := body["agent"]
	assert.False(t, hasAgent)
}

func TestSubmitTaskSyncWaitReturnsCompletedRecord(t *testing.T) {
	h := newHarness(t, nil)

	rr := doJSON(t, h.srv.Router(), http.MethodPost, "/task?wait=true", map[string]interface{}{
		"kind":   "prompt",
		"prompt": "hello",
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, "completed", rec["status"])
}

func TestSubmitTaskAsyncReturns202WithLocation(t *testing.T) {
	h := newHarness(t, nil)

	rr := doJSON(t, h.srv.Router(), http.MethodPost, "/task", map[string]interface{}{
		"kind":   "prompt",
		"prompt": "hello",
	}, nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Location"))
}

func TestSubmitTaskRejectsEmptyPrompt(t *testing.T) {
	h := newHarness(t, nil)

	rr := doJSON(t, h.srv.Router(), http.MethodPost, "/task", map[string]interface{}{
		"kind":   "prompt",
		"prompt": "",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetTaskUnknownIDReturns404(t *testing.T) {
	h := newHarness(t, nil)

	rr := doJSON(t, h.srv.Router(), http.MethodGet, "/task/does-not-exist", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetTaskForbiddenForDifferentIdentity(t *testing.T) {
	h := newHarness(t, nil)
	router := h.srv.Router()

	submitRR := doJSON(t, router, http.MethodPost, "/task", map[string]interface{}{
		"kind":            "prompt",
		"prompt":          "hello",
		"client_identity": "alice",
	}, map[string]string{"X-Client-DID": "alice"})
	require.Equal(t, http.StatusAccepted, submitRR.Code)
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(submitRR.Body.Bytes(), &accepted))
	taskID := accepted["task_id"]

	getRR := doJSON(t, router, http.MethodGet, "/task/"+taskID, nil, map[string]string{"X-Client-DID": "mallory"})
	assert.Equal(t, http.StatusForbidden, getRR.Code)
}

func TestGetTaskSameIdentitySeesResult(t *testing.T) {
	h := newHarness(t, nil)
	router := h.srv.Router()

	submitRR := doJSON(t, router, http.MethodPost, "/task?wait=true", map[string]interface{}{
		"kind":   "prompt",
		"prompt": "hello",
	}, map[string]string{"X-Client-DID": "did:x"})
	require.Equal(t, http.StatusOK, submitRR.Code)
	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(submitRR.Body.Bytes(), &rec))
	taskID := rec["task_id"].(string)

	getRR := doJSON(t, router, http.MethodGet, "/task/"+taskID, nil, map[string]string{"X-Client-DID": "did:x"})
	assert.Equal(t, http.StatusOK, getRR.Code)
}

func TestSubmitTaskRequiresAuthWhenConfigured(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.RequireAuth = true
		cfg.BearerToken = "secret-token"
	})

	rr := doJSON(t, h.srv.Router(), http.MethodPost, "/task", map[string]interface{}{
		"kind":   "prompt",
		"prompt": "hello",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSubmitTaskWithBearerTokenSucceeds(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.RequireAuth = true
		cfg.BearerToken = "secret-token"
	})

	rr := doJSON(t, h.srv.Router(), http.MethodPost, "/task", map[string]interface{}{
		"kind":   "prompt",
		"prompt": "hello",
	}, map[string]string{"Authorization": "Bearer secret-token"})
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestFreeTierQuotaExhaustionReturns429(t *testing.T) {
	h := newHarness(t, nil)
	router := h.srv.Router()

	var last *httptest.ResponseRecorder
	for i := 0; i < 11; i++ {
		last = doJSON(t, router, http.MethodPost, "/task", map[string]interface{}{
			"kind":   "prompt",
			"prompt": "hello",
		}, map[string]string{"X-Forwarded-For": "9.9.9.9"})
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
}

func TestCapabilityDocumentServedAtWellKnownPaths(t *testing.T) {
	h := newHarness(t, nil)
	router := h.srv.Router()

	for _, path := range []string{"/.well-known/agent.json", "/.well-known/agent-card.json", "/.well-known/a2a.json"} {
		rr := doJSON(t, router, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}
}

func TestJSONRPCMessageSendReturnsArtifact(t *testing.T) {
	h := newHarness(t, nil)

	rr := doJSON(t, h.srv.Router(), http.MethodPost, "/", map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "message/send",
		"params": map[string]interface{}{
			"message": map[string]interface{}{
				"role":  "user",
				"parts": []map[string]string{{"type": "text", "text": "hello"}},
			},
		},
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Regexp(t, "^a2a-", result["id"])
}

func TestJSONRPCMalformedEnvelopeReturnsInvalidRequest(t *testing.T) {
	h := newHarness(t, nil)

	rr := doJSON(t, h.srv.Router(), http.MethodPost, "/", map[string]interface{}{
		"jsonrpc": "1.0",
		"id":      1,
		"method":  "message/send",
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.EqualValues(t, -32600, resp.Error.Code)
}

func TestJSONRPCUnknownMethodReturnsMethodNotFound(t *testing.T) {
	h := newHarness(t, nil)

	rr := doJSON(t, h.srv.Router(), http.MethodPost, "/", map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "nonexistent/method",
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.EqualValues(t, -32601, resp.Error.Code)
}

func TestJSONRPCTasksCancelUnknownIDReturnsNotCancellable(t *testing.T) {
	h := newHarness(t, nil)

	rr := doJSON(t, h.srv.Router(), http.MethodPost, "/", map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tasks/cancel",
		"params":  map[string]interface{}{"task_id": "nope"},
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "TaskNotCancellable", resp.Error.Code)
}

func TestSandboxTrialRespectsPromptCap(t *testing.T) {
	h := newHarness(t, nil)

	long := make([]byte, 501)
	for i := range long {
		long[i] = 'x'
	}
	rr := doJSON(t, h.srv.Router(), http.MethodPost, "/sandbox", map[string]interface{}{
		"prompt": string(long),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSandboxTrialSucceedsWithinHourlyCap(t *testing.T) {
	h := newHarness(t, nil)
	router := h.srv.Router()

	for i := 0; i < 3; i++ {
		rr := doJSON(t, router, http.MethodPost, "/sandbox", map[string]interface{}{"prompt": "hi"}, nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	}
	rr := doJSON(t, router, http.MethodPost, "/sandbox", map[string]interface{}{"prompt": "hi"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestDiscoveryEndpointsUnavailableWhenNotConfigured(t *testing.T) {
	h := newHarness(t, nil)

	rr := doJSON(t, h.srv.Router(), http.MethodGet, "/discovery/agents", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
