package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ucplabs/ucp/internal/api/handlers"
	"github.com/ucplabs/ucp/internal/api/middleware"
	"github.com/ucplabs/ucp/internal/compiler"
	"github.com/ucplabs/ucp/internal/config"
	"github.com/ucplabs/ucp/internal/driver"
	"github.com/ucplabs/ucp/internal/interpreter"
	"github.com/ucplabs/ucp/internal/keys"
	"github.com/ucplabs/ucp/internal/ledger"
	"github.com/ucplabs/ucp/internal/runner"
	"github.com/ucplabs/ucp/internal/store"
	"github.com/ucplabs/ucp/pkg/models"
)

const bootstrapKey = "test-bootstrap-key"

// newTestServer wires a full router against the in-memory store and a stub
// chat-completions provider.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	providerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices": [{"message": {"role": "assistant", "content": "Tides follow the moon."}}],
			"usage": {"prompt_tokens": 40, "completion_tokens": 10, "total_tokens": 50}
		}`)
	}))
	t.Cleanup(providerSrv.Close)

	m := store.NewMemoryStore("")
	t.Cleanup(func() { m.Close() })

	l := ledger.New(m)
	pipeline := compiler.NewPipeline(m, l)
	fallback := models.ProviderConfig{
		BaseURL:         providerSrv.URL,
		APIKey:          "pk-test",
		DefaultModel:    "test-model",
		ContextWindow:   8192,
		CostPer1kInput:  0.001,
		CostPer1kOutput: 0.002,
	}
	run := runner.New(m, l, fallback, 5*time.Second)

	registry := driver.NewRegistry(
		driver.NewHTTPDriver(nil),
		driver.NewNotifyDriver(),
		driver.NewTransformDriver(),
		driver.NewWaitDriver(),
	)
	registry.Register(driver.NewKVDriver(), "local")
	engine := interpreter.New(registry)

	keySvc := keys.NewService(m, 100)
	h := handlers.New(m, pipeline, run, engine, l, keySvc, registry)
	auth := middleware.NewAuth(keySvc, bootstrapKey, true)

	cfg := &config.Config{Version: "test"}
	srv := httptest.NewServer(NewRouter(cfg, h, auth))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, key string, body any, out any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body == nil {
		rd = bytes.NewReader(nil)
	} else {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp
}

func TestPublicEndpoints(t *testing.T) {
	srv := newTestServer(t)

	var health map[string]string
	resp := doJSON(t, srv, http.MethodGet, "/health", "", nil, &health)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	if health["status"] != "healthy" {
		t.Errorf("health = %q", health["status"])
	}

	var version map[string]string
	doJSON(t, srv, http.MethodGet, "/version", "", nil, &version)
	if version["version"] != "test" {
		t.Errorf("version = %q", version["version"])
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodGet, "/api/v1/sessions", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list = %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, srv, http.MethodGet, "/api/v1/sessions", bootstrapKey, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bootstrap list = %d, want 200", resp.StatusCode)
	}
}

func TestCompileEndpoint(t *testing.T) {
	srv := newTestServer(t)

	var result compiler.CompileResult
	resp := doJSON(t, srv, http.MethodPost, "/api/v1/compile", bootstrapKey,
		map[string]any{"prompt": "Explain how tides work in 100 words"}, &result)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("compile status = %d", resp.StatusCode)
	}
	if result.SessionID == "" || result.Packet == nil {
		t.Fatal("compile result missing session or packet")
	}
	if len(result.Hops) != 3 {
		t.Errorf("got %d hops, want 3", len(result.Hops))
	}
	if result.ChainHash == "" {
		t.Error("chain hash missing")
	}
}

func TestCompileRejectsEmptyPrompt(t *testing.T) {
	srv := newTestServer(t)

	var body map[string]any
	resp := doJSON(t, srv, http.MethodPost, "/api/v1/compile", bootstrapKey,
		map[string]any{"prompt": ""}, &body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body["error"] != string(models.KindInvalidInput) {
		t.Errorf("error = %v", body["error"])
	}
}

func TestRunEndpoint(t *testing.T) {
	srv := newTestServer(t)

	var result struct {
		Compile *compiler.CompileResult `json:"compile"`
		Execute *runner.Result          `json:"execute"`
	}
	resp := doJSON(t, srv, http.MethodPost, "/api/v1/run", bootstrapKey,
		map[string]any{"prompt": "Summarize the history of navigation"}, &result)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run status = %d", resp.StatusCode)
	}
	if result.Execute == nil || result.Execute.FinalOutput != "Tides follow the moon." {
		t.Fatalf("unexpected execute result: %+v", result.Execute)
	}
	if len(result.Execute.NewHops) != 3 {
		t.Errorf("got %d provider hops, want 3", len(result.Execute.NewHops))
	}

	// The finished session must verify end to end.
	var verdict map[string]any
	doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+result.Compile.SessionID+"/verify", bootstrapKey, nil, &verdict)
	if verdict["valid"] != true {
		t.Errorf("chain verify failed: %v", verdict["error"])
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)

	var compiled compiler.CompileResult
	doJSON(t, srv, http.MethodPost, "/api/v1/compile", bootstrapKey,
		map[string]any{"prompt": "Write a haiku about rivers"}, &compiled)

	var hops []models.Hop
	doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+compiled.SessionID+"/hops", bootstrapKey, nil, &hops)
	if len(hops) != 3 {
		t.Fatalf("got %d hops, want 3", len(hops))
	}
	for i, hop := range hops {
		if hop.HopIndex != i {
			t.Errorf("hop %d has index %d", i, hop.HopIndex)
		}
	}

	resp := doJSON(t, srv, http.MethodDelete, "/api/v1/sessions/"+compiled.SessionID, bootstrapKey, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+compiled.SessionID, bootstrapKey, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted session = %d, want 404", resp.StatusCode)
	}
}

func TestKeyLifecycle(t *testing.T) {
	srv := newTestServer(t)

	var created struct {
		Key    string        `json:"key"`
		APIKey models.APIKey `json:"api_key"`
	}
	resp := doJSON(t, srv, http.MethodPost, "/api/v1/keys", bootstrapKey, map[string]any{
		"name":        "ci",
		"permissions": []string{"execute", "read"},
	}, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create key status = %d", resp.StatusCode)
	}
	if !strings.HasPrefix(created.Key, "ucp_") {
		t.Fatalf("plaintext %q lacks ucp_ prefix", created.Key)
	}

	// The minted key authenticates real requests.
	resp = doJSON(t, srv, http.MethodGet, "/api/v1/sessions", created.Key, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("minted key list = %d, want 200", resp.StatusCode)
	}

	// Listing never exposes plaintext or hashes.
	var listed []models.APIKey
	doJSON(t, srv, http.MethodGet, "/api/v1/keys", bootstrapKey, nil, &listed)
	if len(listed) != 1 {
		t.Fatalf("got %d keys, want 1", len(listed))
	}
	if listed[0].KeyHash != "" {
		t.Error("key hash leaked into list response")
	}

	resp = doJSON(t, srv, http.MethodPost, "/api/v1/keys/"+created.APIKey.ID+"/revoke", bootstrapKey, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}
	resp = doJSON(t, srv, http.MethodGet, "/api/v1/sessions", created.Key, nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key status = %d, want 401", resp.StatusCode)
	}
}

func TestKeyRateLimit(t *testing.T) {
	srv := newTestServer(t)

	var created struct {
		Key string `json:"key"`
	}
	doJSON(t, srv, http.MethodPost, "/api/v1/keys", bootstrapKey, map[string]any{
		"name":       "tiny",
		"rate_limit": 2,
	}, &created)

	for i := 0; i < 2; i++ {
		if resp := doJSON(t, srv, http.MethodGet, "/api/v1/sessions", created.Key, nil, nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d status = %d", i, resp.StatusCode)
		}
	}
	resp := doJSON(t, srv, http.MethodGet, "/api/v1/sessions", created.Key, nil, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third call status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestExecutePacket(t *testing.T) {
	srv := newTestServer(t)

	packet := map[string]any{
		"ucp_version": "1.0",
		"id":          "pkt-api-1",
		"ops": []any{
			map[string]any{"id": "save", "op": "kv.put", "args": map[string]any{"key": "city", "value": "Lisbon"}},
			map[string]any{"id": "load", "op": "kv.get", "args": map[string]any{"key": "city"}},
		},
	}

	var receipt interpreter.Receipt
	resp := doJSON(t, srv, http.MethodPost, "/api/v1/execute", bootstrapKey, packet, &receipt)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute status = %d", resp.StatusCode)
	}
	if receipt.Status != interpreter.ReceiptSuccess {
		t.Fatalf("receipt status = %s", receipt.Status)
	}
	if len(receipt.OpResults) != 2 {
		t.Fatalf("got %d op results, want 2", len(receipt.OpResults))
	}
	if receipt.PacketHash == "" || receipt.ReceiptHash == "" {
		t.Error("receipt hashes missing")
	}
}

func TestExecutePacketPermissionDenied(t *testing.T) {
	srv := newTestServer(t)

	// Key with execute but without storage cannot run kv ops.
	var created struct {
		Key string `json:"key"`
	}
	doJSON(t, srv, http.MethodPost, "/api/v1/keys", bootstrapKey, map[string]any{
		"name":        "no-storage",
		"permissions": []string{"execute", "read"},
	}, &created)

	packet := map[string]any{
		"ucp_version": "1.0",
		"id":          "pkt-api-2",
		"ops": []any{
			map[string]any{"op": "kv.put", "args": map[string]any{"key": "k", "value": "v"}},
		},
	}
	var body map[string]any
	resp := doJSON(t, srv, http.MethodPost, "/api/v1/execute", created.Key, packet, &body)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if body["error"] != string(models.KindUnauthorized) {
		t.Errorf("error = %v", body["error"])
	}
}

func TestExecuteSignedPacket(t *testing.T) {
	srv := newTestServer(t)

	var created struct {
		Key    string        `json:"key"`
		APIKey models.APIKey `json:"api_key"`
	}
	doJSON(t, srv, http.MethodPost, "/api/v1/keys", bootstrapKey, map[string]any{
		"name":        "signer",
		"permissions": []string{"execute", "read", "storage"},
	}, &created)

	packet := map[string]any{
		"ucp_version": "1.0",
		"id":          "pkt-signed",
		"ops": []any{
			map[string]any{"op": "kv.put", "args": map[string]any{"key": "k", "value": "v"}},
		},
	}
	sig, err := keys.Sign(packet, created.Key)
	if err != nil {
		t.Fatal(err)
	}

	send := func(signature string) *http.Response {
		data, _ := json.Marshal(packet)
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/execute", bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+created.Key)
		req.Header.Set(keys.HeaderSignature, signature)
		req.Header.Set(keys.HeaderKeyPrefix, created.APIKey.KeyPrefix)
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := send(sig); resp.StatusCode != http.StatusOK {
		t.Fatalf("signed execute status = %d", resp.StatusCode)
	}
	if resp := send("deadbeef"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d, want 401", resp.StatusCode)
	}
}

func TestRuleCRUD(t *testing.T) {
	srv := newTestServer(t)

	var rule models.UCPRule
	resp := doJSON(t, srv, http.MethodPost, "/api/v1/rules", bootstrapKey, map[string]any{
		"name":      "strip greeting",
		"rule_type": "replace",
		"is_active": true,
		"priority":  10,
		"condition": map[string]any{"pattern": "^hello[,!]?\\s*"},
		"action":    map[string]any{"replacement": ""},
	}, &rule)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status = %d", resp.StatusCode)
	}
	if rule.ID == "" {
		t.Fatal("rule id not assigned")
	}

	// The rule now shapes compilation output.
	var compiled compiler.CompileResult
	doJSON(t, srv, http.MethodPost, "/api/v1/compile", bootstrapKey,
		map[string]any{"prompt": "hello, explain gravity briefly"}, &compiled)
	var hops []models.Hop
	doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+compiled.SessionID+"/hops", bootstrapKey, nil, &hops)
	if len(hops) < 2 {
		t.Fatalf("got %d hops", len(hops))
	}
	if got := hops[1].Content; strings.HasPrefix(got, "hello") {
		t.Errorf("normalization rule not applied: %q", got)
	}

	resp = doJSON(t, srv, http.MethodDelete, "/api/v1/rules/"+rule.ID, bootstrapKey, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete rule status = %d", resp.StatusCode)
	}
}

func TestProviderCRUD(t *testing.T) {
	srv := newTestServer(t)

	var cfg models.ProviderConfig
	resp := doJSON(t, srv, http.MethodPost, "/api/v1/providers", bootstrapKey, map[string]any{
		"name":           "stub",
		"base_url":       "https://provider.test",
		"default_model":  "test-model",
		"context_window": 16384,
	}, &cfg)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create provider status = %d", resp.StatusCode)
	}

	var fetched models.ProviderConfig
	doJSON(t, srv, http.MethodGet, "/api/v1/providers/"+cfg.ID, bootstrapKey, nil, &fetched)
	if fetched.BaseURL != "https://provider.test" {
		t.Errorf("base_url = %q", fetched.BaseURL)
	}

	resp = doJSON(t, srv, http.MethodPut, "/api/v1/providers/"+cfg.ID, bootstrapKey,
		map[string]any{"name": "stub-2", "base_url": "https://provider.test", "context_window": 32768}, &fetched)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update provider status = %d", resp.StatusCode)
	}
	if fetched.ContextWindow != 32768 {
		t.Errorf("context_window = %d", fetched.ContextWindow)
	}
}

func TestCapabilities(t *testing.T) {
	srv := newTestServer(t)

	var body struct {
		Drivers []string `json:"drivers"`
	}
	doJSON(t, srv, http.MethodGet, "/api/v1/capabilities", bootstrapKey, nil, &body)
	want := map[string]bool{"http": true, "kv": true, "local": true, "notify": true, "transform": true, "wait": true}
	for _, ns := range body.Drivers {
		delete(want, ns)
	}
	if len(want) != 0 {
		t.Errorf("missing driver namespaces: %v", want)
	}
}
