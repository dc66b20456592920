package gateway_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/quorum/internal/agent"
	"github.com/basket/quorum/internal/bus"
	"github.com/basket/quorum/internal/deliberate"
	"github.com/basket/quorum/internal/experiment"
	"github.com/basket/quorum/internal/gateway"
	"github.com/basket/quorum/internal/prompt"
	"github.com/basket/quorum/internal/provider"
	"github.com/basket/quorum/internal/store"
)

// panelStub answers all three phases with valid structured output. The
// synthesis always reports full consensus so sessions finish in one
// iteration.
func panelStub(name string, tokens int, gate chan struct{}) *provider.Stub {
	return provider.NewStub(name, func(_ int, req provider.Request) (*provider.Response, error) {
		if gate != nil {
			<-gate
		}
		var text string
		switch {
		case strings.Contains(req.UserPrompt, "Integrate the panel's positions"):
			text = `{"summary": "panel agrees", "consensus_level": 0.95}`
		case strings.Contains(req.UserPrompt, "Critique this analysis"):
			text = `{"critique": "minor gaps", "score": 8}`
		default:
			text = fmt.Sprintf(`{"analysis": "view of %s", "confidence": 0.8}`, name)
		}
		return &provider.Response{Text: text, TokensIn: tokens, TokensOut: tokens}, nil
	})
}

type env struct {
	srv    *httptest.Server
	store  store.Store
	engine *deliberate.Engine
	bus    *bus.Bus
}

type envOptions struct {
	authToken string
	origins   []string
	tokens    int
	gate      chan struct{}
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	if opts.tokens == 0 {
		opts.tokens = 100
	}
	st := store.NewMemory()
	eventBus := bus.New()
	reg := agent.NewRegistry()
	for _, def := range agent.Defaults() {
		reg.Register(&agent.Agent{Definition: def, Adapter: panelStub(def.ID, opts.tokens, opts.gate)})
	}
	runner := agent.NewRunner(st, eventBus, nil)
	resolver := prompt.NewResolver(st, "", nil)
	engine := deliberate.New(st, reg, runner, resolver, eventBus, nil)

	srv := httptest.NewServer(gateway.NewServer(gateway.Config{
		Store:          st,
		Registry:       reg,
		Engine:         engine,
		Prompts:        resolver,
		Experiments:    experiment.NewService(st, nil),
		Bus:            eventBus,
		AuthToken:      opts.authToken,
		AllowedOrigins: opts.origins,
	}).Handler())
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: st, engine: engine, bus: eventBus}
}

func (e *env) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (e *env) put(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPut, e.srv.URL+path, bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("build PUT %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT %s: %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func validAnalyzeBody() map[string]any {
	return map[string]any{
		"task":      "Should we self-host the vector database?",
		"task_type": "development",
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t, envOptions{})
	resp := e.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["healthy"] != true {
		t.Fatalf("healthy = %v", body["healthy"])
	}
	if body["agent_count"] != float64(4) {
		t.Fatalf("agent_count = %v", body["agent_count"])
	}
	agents, ok := body["agents"].([]any)
	if !ok || len(agents) != 4 {
		t.Fatalf("agents = %v, want all 4 listed", body["agents"])
	}
	providers, ok := body["providers"].(map[string]any)
	if !ok || len(providers) != 4 {
		t.Fatalf("providers = %v, want 4 entries", body["providers"])
	}
	// Every panelist's adapter is registered in this fixture.
	for name, up := range providers {
		if up != true {
			t.Fatalf("provider %s reported down: %v", name, providers)
		}
	}
}

func TestAgents(t *testing.T) {
	e := newEnv(t, envOptions{})
	resp := e.get(t, "/agents")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	agents, ok := body["agents"].([]any)
	if !ok || len(agents) != 4 {
		t.Fatalf("agents = %v", body["agents"])
	}
	first := agents[0].(map[string]any)
	if first["id"] != "architect" {
		t.Fatalf("first agent = %v, want architect (sorted)", first["id"])
	}
}

func TestAnalyze_Sync(t *testing.T) {
	e := newEnv(t, envOptions{})
	resp := e.post(t, "/analyze", validAnalyzeBody())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != string(store.StatusCompleted) {
		t.Fatalf("status = %v", body["status"])
	}
	taskID, _ := body["task_id"].(string)
	if taskID == "" {
		t.Fatal("missing task_id")
	}
	result, ok := body["result"].(map[string]any)
	if !ok || result["synthesis"] == nil {
		t.Fatalf("result = %v", body["result"])
	}
}

func TestAnalyze_Validation(t *testing.T) {
	e := newEnv(t, envOptions{})
	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing task", map[string]any{"task_type": "strategy"}},
		{"blank task", map[string]any{"task": "   "}},
		{"unknown task type", map[string]any{"task": "x", "task_type": "horoscope"}},
		{"unknown agent", map[string]any{"task": "x", "enabled_agents": []string{"oracle"}}},
		{"temperature out of range", map[string]any{"task": "x", "temperature": 1.5}},
		{"too many iterations", map[string]any{"task": "x", "max_iterations": 9}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := e.post(t, "/analyze", tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestAnalyze_BudgetExhausted(t *testing.T) {
	e := newEnv(t, envOptions{tokens: 500_000})
	body := validAnalyzeBody()
	body["budget_usd"] = 0.05
	resp := e.post(t, "/analyze", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
}

func TestTask_GetTranscript(t *testing.T) {
	e := newEnv(t, envOptions{})
	created := decodeBody(t, e.post(t, "/analyze", validAnalyzeBody()))
	taskID := created["task_id"].(string)

	resp := e.get(t, "/tasks/"+taskID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["task"] == nil || body["result"] == nil {
		t.Fatalf("transcript incomplete: %v", body)
	}
	if analyses, ok := body["analyses"].([]any); !ok || len(analyses) != 4 {
		t.Fatalf("analyses = %v", body["analyses"])
	}
	if critiques, ok := body["critiques"].([]any); !ok || len(critiques) != 12 {
		t.Fatalf("critiques = %v", body["critiques"])
	}
}

func TestTask_NotFound(t *testing.T) {
	e := newEnv(t, envOptions{})
	resp := e.get(t, "/tasks/no-such-task")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTask_DeleteTerminalConflicts(t *testing.T) {
	e := newEnv(t, envOptions{})
	created := decodeBody(t, e.post(t, "/analyze", validAnalyzeBody()))
	taskID := created["task_id"].(string)

	req, _ := http.NewRequest(http.MethodDelete, e.srv.URL+"/tasks/"+taskID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for terminal session", resp.StatusCode)
	}
}

func TestTask_DeleteCancelsRunning(t *testing.T) {
	gate := make(chan struct{})
	e := newEnv(t, envOptions{gate: gate})

	created := decodeBody(t, e.post(t, "/analyze/async", validAnalyzeBody()))
	taskID := created["task_id"].(string)

	// Wait for the background run to register itself.
	deadline := time.Now().Add(5 * time.Second)
	for !e.engine.Running(taskID) {
		if time.Now().After(deadline) {
			t.Fatal("session never started running")
		}
		time.Sleep(10 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodDelete, e.srv.URL+"/tasks/"+taskID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	close(gate)

	deadline = time.Now().Add(10 * time.Second)
	for {
		sess, err := e.store.LoadSession(t.Context(), taskID)
		if err == nil && sess.Status == store.StatusCancelled {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never reached cancelled, status %v", sess.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAnalyzeAsync_Accepted(t *testing.T) {
	e := newEnv(t, envOptions{})
	resp := e.post(t, "/analyze/async", validAnalyzeBody())
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	taskID := body["task_id"].(string)

	deadline := time.Now().Add(10 * time.Second)
	for {
		sess, err := e.store.LoadSession(t.Context(), taskID)
		if err == nil && sess.Status.Terminal() {
			if sess.Status != store.StatusCompleted {
				t.Fatalf("status = %q, want completed", sess.Status)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("async session never finished")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAuth(t *testing.T) {
	e := newEnv(t, envOptions{authToken: "secret-token"})

	// Health is exempt.
	resp := e.get(t, "/health")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	resp = e.get(t, "/agents")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/agents", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong token status = %d, want 403", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, e.srv.URL+"/agents", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer token status = %d, want 200", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, e.srv.URL+"/agents", nil)
	req.Header.Set("X-API-Key", "secret-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("x-api-key status = %d, want 200", resp.StatusCode)
	}

	// Query form for SSE clients.
	resp = e.get(t, "/agents?api_key=secret-token")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query token status = %d, want 200", resp.StatusCode)
	}
}

func TestCORS_Preflight(t *testing.T) {
	e := newEnv(t, envOptions{origins: []string{"https://studio.example.com"}})

	req, _ := http.NewRequest(http.MethodOptions, e.srv.URL+"/analyze", nil)
	req.Header.Set("Origin", "https://studio.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://studio.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}

	// Unlisted origins get no CORS headers.
	req, _ = http.NewRequest(http.MethodOptions, e.srv.URL+"/analyze", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow-origin %q for unlisted origin", got)
	}
}

func TestRequestSizeLimit(t *testing.T) {
	e := newEnv(t, envOptions{})
	huge := map[string]any{
		"task":    strings.Repeat("x", 2<<20),
		"context": "oversized",
	}
	resp := e.post(t, "/analyze", huge)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for oversized body", resp.StatusCode)
	}
}

func TestStudioPrompts(t *testing.T) {
	e := newEnv(t, envOptions{})

	resp := e.post(t, "/studio/prompts", map[string]any{
		"agent_id": "logician", "prompt_type": "system",
		"content": "be extra rigorous", "activate": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("save status = %d", resp.StatusCode)
	}
	saved := decodeBody(t, resp)
	if saved["version"] != float64(1) {
		t.Fatalf("version = %v, want 1", saved["version"])
	}

	resp = e.post(t, "/studio/prompts", map[string]any{
		"agent_id": "oracle", "prompt_type": "system", "content": "x",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown agent status = %d, want 400", resp.StatusCode)
	}

	resp = e.post(t, "/studio/prompts", map[string]any{"agent_id": "logician"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing fields status = %d, want 400", resp.StatusCode)
	}

	// PUT appends a new version too; templates are never edited in place.
	resp = e.put(t, "/studio/prompts", map[string]any{
		"agent_id": "logician", "prompt_type": "system",
		"content": "be even more rigorous", "activate": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("put status = %d", resp.StatusCode)
	}
	updated := decodeBody(t, resp)
	if updated["version"] != float64(2) {
		t.Fatalf("put version = %v, want 2", updated["version"])
	}

	resp = e.get(t, "/studio/prompts?agent_id=logician")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if prompts, ok := body["prompts"].([]any); !ok || len(prompts) != 2 {
		t.Fatalf("prompts = %v", body["prompts"])
	}
}

func TestStudioExperiments(t *testing.T) {
	e := newEnv(t, envOptions{})

	resp := e.post(t, "/studio/experiments", map[string]any{
		"name": "terse prompts", "treatment_percentage": 50,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decodeBody(t, resp)
	expID := created["id"].(string)

	resp = e.post(t, "/studio/experiments/"+expID+"/status", map[string]any{"status": "running"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set status = %d", resp.StatusCode)
	}

	resp = e.post(t, "/studio/experiments/"+expID+"/runs", map[string]any{
		"task_id": "task-1",
		"metrics": map[string]float64{"consensus_level": 0.85},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("record run status = %d", resp.StatusCode)
	}
	run := decodeBody(t, resp)
	if v := run["variant"]; v != "control" && v != "treatment" {
		t.Fatalf("variant = %v", v)
	}

	resp = e.get(t, "/studio/experiments/"+expID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["experiment"] == nil || body["results"] == nil {
		t.Fatalf("incomplete experiment payload: %v", body)
	}

	resp = e.put(t, "/studio/experiments", map[string]any{
		"id": expID, "name": "terser prompts", "treatment_percentage": 25,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	updated := decodeBody(t, resp)
	if updated["name"] != "terser prompts" || updated["treatment_percentage"] != float64(25) {
		t.Fatalf("update not applied: %v", updated)
	}
	// The status set earlier survives an update that does not carry one.
	if updated["status"] != "running" {
		t.Fatalf("update lost status: %v", updated["status"])
	}

	resp = e.put(t, "/studio/experiments", map[string]any{
		"id": "ghost", "name": "x", "treatment_percentage": 10,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("update unknown id status = %d, want 404", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, e.srv.URL+"/studio/experiments/"+expID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = e.get(t, "/studio/experiments/"+expID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted status = %d, want 404", resp.StatusCode)
	}
}

func TestStudioMetrics(t *testing.T) {
	e := newEnv(t, envOptions{})
	decodeBody(t, e.post(t, "/analyze", validAnalyzeBody()))

	resp := e.get(t, "/studio/metrics?period=24h")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if calls, ok := body["calls"].(float64); !ok || calls < 17 {
		t.Fatalf("calls = %v, want at least 17", body["calls"])
	}

	resp = e.get(t, "/studio/metrics?period=1h")
	body = decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("period=1h status = %d, want 200", resp.StatusCode)
	}
	if calls, ok := body["calls"].(float64); !ok || calls < 17 {
		t.Fatalf("1h calls = %v, want at least 17", body["calls"])
	}

	resp = e.get(t, "/studio/metrics?period=1y")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown period status = %d, want 400", resp.StatusCode)
	}
}
