package interpreter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ucplabs/ucp/internal/digest"
	"github.com/ucplabs/ucp/pkg/models"
)

type driverCall struct {
	namespace string
	method    string
	args      map[string]any
}

// fakeDrivers records every dispatch and returns canned outputs keyed by
// "namespace.method".
type fakeDrivers struct {
	mu      sync.Mutex
	calls   []driverCall
	outputs map[string]map[string]any
	fail    map[string]error
}

func (f *fakeDrivers) Dispatch(ctx context.Context, namespace, method string, args map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, driverCall{namespace, method, args})
	f.mu.Unlock()
	key := namespace + "." + method
	if err, ok := f.fail[key]; ok {
		return nil, err
	}
	if out, ok := f.outputs[key]; ok {
		return out, nil
	}
	return map[string]any{"ok": true}, nil
}

func (f *fakeDrivers) callsFor(key string) []driverCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []driverCall
	for _, c := range f.calls {
		if c.namespace+"."+c.method == key {
			out = append(out, c)
		}
	}
	return out
}

func mustDecode(t *testing.T, body string) *ExecPacket {
	t.Helper()
	p, err := DecodePacket([]byte(body))
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	return p
}

func TestDecodePacketRejectsBadEnvelopes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing id", `{"ucp_version":"1.0.0","ops":[{"op":"kv.get"}]}`, "id"},
		{"missing version", `{"id":"p1","ops":[{"op":"kv.get"}]}`, "ucp_version"},
		{"empty ops", `{"ucp_version":"1.0.0","id":"p1","ops":[]}`, "ops"},
		{"op without dot", `{"ucp_version":"1.0.0","id":"p1","ops":[{"op":"badformat"}]}`, "namespace.method"},
		{"conditional without then", `{"ucp_version":"1.0.0","id":"p1","ops":[{"type":"conditional","condition":"true"}]}`, "then"},
		{"loop without source", `{"ucp_version":"1.0.0","id":"p1","ops":[{"type":"loop","ops":[{"op":"kv.get"}]}]}`, "items"},
		{"loop range too short", `{"ucp_version":"1.0.0","id":"p1","ops":[{"type":"loop","range":[5],"ops":[{"op":"kv.get"}]}]}`, "range"},
		{"loop range too long", `{"ucp_version":"1.0.0","id":"p1","ops":[{"type":"loop","range":[1,2,3],"ops":[{"op":"kv.get"}]}]}`, "range"},
		{"not json", `{{{`, "JSON"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodePacket([]byte(tc.body))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if got := models.KindOf(err); got != models.KindInvalidInput {
				t.Errorf("kind = %q, want %q", got, models.KindInvalidInput)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestDecodePacketNestedValidation(t *testing.T) {
	body := `{
	  "ucp_version": "1.0.0",
	  "id": "p1",
	  "ops": [
	    {"type": "try", "ops": [
	      {"type": "parallel", "ops": [{"op": "nodot"}]}
	    ]}
	  ]
	}`
	_, err := DecodePacket([]byte(body))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "ops[0].ops[0].ops[0]") {
		t.Errorf("error %q missing nested path", err)
	}
}

func TestResolveReferences(t *testing.T) {
	rs := NewResultStore()
	rs.Set(0, "fetch", map[string]any{
		"status": float64(200),
		"response": map[string]any{
			"name":  "ada",
			"langs": []any{"go", "ts"},
		},
	}, StatusOK)
	scope := Scope{"item": "x", "index": 2}

	cases := []struct {
		tmpl string
		want string
	}{
		{"{{opId.fetch.status}}", "200"},
		{"{{opId.fetch.response.name}}", "ada"},
		{"{{opId.fetch.response.langs[1]}}", "ts"},
		{"{{op.0.status}}", "200"},
		{"status={{opId.fetch.status}} ok", "status=200 ok"},
		{"{{loop.item}}/{{loop.index}}", "x/2"},
		{"{{var.item}}", "x"},
		{"{{opId.fetch.response.langs}}", `["go","ts"]`},
		{"no refs here", "no refs here"},
	}
	for _, tc := range cases {
		got, err := Resolve(tc.tmpl, rs, scope)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.tmpl, err)
		}
		if got != tc.want {
			t.Errorf("Resolve(%q) = %q, want %q", tc.tmpl, got, tc.want)
		}
	}
}

func TestResolveRecursesIntoArgs(t *testing.T) {
	rs := NewResultStore()
	rs.Set(0, "cfg", map[string]any{"host": "example.com"}, StatusOK)

	args := map[string]any{
		"url":   "https://{{opId.cfg.host}}/items",
		"count": float64(3),
		"tags":  []any{"a", "{{opId.cfg.host}}"},
	}
	resolved, err := Resolve(args, rs, Scope{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	m := resolved.(map[string]any)
	if m["url"] != "https://example.com/items" {
		t.Errorf("url = %v", m["url"])
	}
	if m["count"] != float64(3) {
		t.Errorf("count = %v, want 3 untouched", m["count"])
	}
	if tags := m["tags"].([]any); tags[1] != "example.com" {
		t.Errorf("tags[1] = %v", tags[1])
	}
}

func TestResolveUnknownReferenceFails(t *testing.T) {
	rs := NewResultStore()
	if _, err := Resolve("{{opId.ghost.status}}", rs, Scope{}); err == nil {
		t.Error("unknown opId should fail")
	}
	if _, err := Resolve("{{var.missing}}", rs, Scope{}); err == nil {
		t.Error("unbound variable should fail")
	}
	rs.Set(0, "a", map[string]any{"x": float64(1)}, StatusOK)
	if _, err := Resolve("{{opId.a.nope}}", rs, Scope{}); err == nil {
		t.Error("missing path should fail")
	}
}

func TestEvaluateConditionStrings(t *testing.T) {
	rs := NewResultStore()
	rs.Set(0, "fetch", map[string]any{"status": float64(200)}, StatusOK)

	cases := []struct {
		cond string
		want bool
	}{
		{"200 == 200", true},
		{"{{opId.fetch.status}} == 200", true},
		{"{{opId.fetch.status}} > 300", false},
		{"1 < 2 && 2 < 3", true},
		{"", false},
	}
	for _, tc := range cases {
		got, err := EvaluateCondition(tc.cond, rs, Scope{})
		if err != nil {
			t.Fatalf("EvaluateCondition(%q): %v", tc.cond, err)
		}
		if got != tc.want {
			t.Errorf("EvaluateCondition(%q) = %v, want %v", tc.cond, got, tc.want)
		}
	}
}

func TestEvaluateConditionTagged(t *testing.T) {
	rs := NewResultStore()
	rs.Set(0, "fetch", map[string]any{"status": float64(200), "body": "hello world"}, StatusOK)

	cases := []struct {
		name string
		cond map[string]any
		want bool
	}{
		{"eq with coercion", map[string]any{"op": "eq", "left": "{{opId.fetch.status}}", "right": float64(200)}, true},
		{"neq", map[string]any{"op": "neq", "left": "{{opId.fetch.status}}", "right": float64(500)}, true},
		{"gt", map[string]any{"op": "gt", "left": "{{opId.fetch.status}}", "right": float64(100)}, true},
		{"lte false", map[string]any{"op": "lte", "left": "{{opId.fetch.status}}", "right": float64(100)}, false},
		{"contains", map[string]any{"op": "contains", "left": "{{opId.fetch.body}}", "right": "world"}, true},
		{"startsWith", map[string]any{"op": "startsWith", "left": "{{opId.fetch.body}}", "right": "hello"}, true},
		{"matches", map[string]any{"op": "matches", "left": "{{opId.fetch.body}}", "right": "^hel+o"}, true},
		{"exists", map[string]any{"op": "exists", "left": "{{opId.fetch.body}}"}, true},
		{"empty string", map[string]any{"op": "empty", "value": ""}, true},
		{"in", map[string]any{"op": "in", "left": "b", "right": []any{"a", "b"}}, true},
		{"status by id", map[string]any{"op": "status", "left": "fetch", "right": "OK"}, true},
		{"and", map[string]any{"op": "and", "left": "1 == 1", "right": "2 == 2"}, true},
		{"or short circuit", map[string]any{"op": "or", "left": "1 == 1", "right": "{{opId.ghost.x}}"}, true},
		{"not", map[string]any{"op": "not", "left": "1 == 2"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EvaluateCondition(tc.cond, rs, Scope{})
			if err != nil {
				t.Fatalf("EvaluateCondition: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluateConditionFieldExtraction(t *testing.T) {
	rs := NewResultStore()
	rs.Set(0, "fetch", map[string]any{"response": map[string]any{"total": float64(42)}}, StatusOK)

	// The left value arrives as a JSON string and is parsed before the
	// field path is applied.
	cond := map[string]any{
		"op":    "gt",
		"left":  "{{opId.fetch.response}}",
		"field": "total",
		"right": float64(10),
	}
	got, err := EvaluateCondition(cond, rs, Scope{})
	if err != nil {
		t.Fatalf("EvaluateCondition: %v", err)
	}
	if !got {
		t.Error("field extraction through JSON string failed")
	}
}

func TestExecuteConditionalBranches(t *testing.T) {
	body := `{
	  "ucp_version": "1.0.0",
	  "id": "p1",
	  "ops": [
	    {"id": "fetch", "op": "http.get", "args": {"url": "https://example.com"}},
	    {"type": "conditional", "id": "check",
	      "condition": "{{opId.fetch.status}} == 200",
	      "then": [{"op": "notify.show", "args": {"title": "up"}}],
	      "else": [{"op": "notify.show", "args": {"title": "down"}}]}
	  ]
	}`

	drivers := &fakeDrivers{outputs: map[string]map[string]any{
		"http.get": {"status": float64(200), "ok": true},
	}}
	receipt, err := New(drivers).Execute(context.Background(), mustDecode(t, body))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if receipt.Status != ReceiptSuccess {
		t.Fatalf("status = %q, want SUCCESS", receipt.Status)
	}
	shows := drivers.callsFor("notify.show")
	if len(shows) != 1 {
		t.Fatalf("notify.show calls = %d, want 1", len(shows))
	}
	if shows[0].args["title"] != "up" {
		t.Errorf("took branch %v, want then", shows[0].args["title"])
	}
	cond := receipt.OpResults[1]
	if cond.Branch != "then" || cond.ConditionResult == nil || !*cond.ConditionResult {
		t.Errorf("conditional result = %+v", cond)
	}
}

func TestExecuteLoopBindings(t *testing.T) {
	body := `{
	  "ucp_version": "1.0.0",
	  "id": "p1",
	  "ops": [
	    {"type": "loop", "id": "batch", "items": ["a", "b", "c"], "as": "name",
	      "ops": [{"op": "kv.put", "args": {"key": "user-{{loop.index}}", "value": "{{loop.name}}"}}]}
	  ]
	}`

	drivers := &fakeDrivers{}
	receipt, err := New(drivers).Execute(context.Background(), mustDecode(t, body))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	puts := drivers.callsFor("kv.put")
	if len(puts) != 3 {
		t.Fatalf("kv.put calls = %d, want 3", len(puts))
	}
	for i, want := range []string{"a", "b", "c"} {
		if puts[i].args["key"] != fmt.Sprintf("user-%d", i) || puts[i].args["value"] != want {
			t.Errorf("iteration %d args = %v", i, puts[i].args)
		}
	}
	loop := receipt.OpResults[0]
	if loop.Iterations != 3 || loop.TotalItems != 3 || loop.Status != StatusOK {
		t.Errorf("loop result = %+v", loop)
	}
}

func TestExecuteLoopCount(t *testing.T) {
	body := `{
	  "ucp_version": "1.0.0",
	  "id": "p1",
	  "ops": [
	    {"type": "loop", "count": 2, "ops": [{"op": "kv.put", "args": {"i": "{{loop.index}}", "last": "{{loop.last}}"}}]}
	  ]
	}`
	drivers := &fakeDrivers{}
	if _, err := New(drivers).Execute(context.Background(), mustDecode(t, body)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	puts := drivers.callsFor("kv.put")
	if len(puts) != 2 {
		t.Fatalf("kv.put calls = %d, want 2", len(puts))
	}
	if puts[1].args["last"] != "true" {
		t.Errorf("last iteration binding = %v", puts[1].args["last"])
	}
}

func TestExecuteLoopStopsOnError(t *testing.T) {
	body := `{
	  "ucp_version": "1.0.0",
	  "id": "p1",
	  "ops": [
	    {"type": "loop", "count": 5, "ops": [{"op": "http.get", "args": {}}]}
	  ]
	}`
	drivers := &fakeDrivers{fail: map[string]error{"http.get": errors.New("connection refused")}}
	receipt, err := New(drivers).Execute(context.Background(), mustDecode(t, body))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if receipt.Status != ReceiptFailed {
		t.Errorf("status = %q, want FAILED", receipt.Status)
	}
	if got := len(drivers.callsFor("http.get")); got != 1 {
		t.Errorf("loop ran %d iterations after failure, want 1", got)
	}
}

func TestExecuteParallel(t *testing.T) {
	body := `{
	  "ucp_version": "1.0.0",
	  "id": "p1",
	  "ops": [
	    {"type": "parallel", "continueOnError": true, "ops": [
	      {"op": "http.get", "args": {"url": "https://a"}},
	      {"op": "kv.put", "args": {"key": "k"}},
	      {"op": "notify.show", "args": {"title": "t"}}
	    ]},
	    {"op": "kv.get", "args": {}}
	  ]
	}`
	drivers := &fakeDrivers{fail: map[string]error{"http.get": errors.New("boom")}}
	receipt, err := New(drivers).Execute(context.Background(), mustDecode(t, body))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// continueOnError isolates the failed branch: the parallel node is OK
	// and the following op still runs.
	if receipt.Status != ReceiptSuccess {
		t.Errorf("status = %q, want SUCCESS", receipt.Status)
	}
	par := receipt.OpResults[0]
	if par.Status != StatusOK || len(par.ParallelResults) != 3 {
		t.Errorf("parallel result = %+v", par)
	}
	if got := len(drivers.callsFor("kv.get")); got != 1 {
		t.Errorf("op after parallel ran %d times, want 1", got)
	}
}

func TestExecuteParallelFailsWithoutContinueOnError(t *testing.T) {
	body := `{
	  "ucp_version": "1.0.0",
	  "id": "p1",
	  "ops": [
	    {"type": "parallel", "ops": [
	      {"op": "http.get", "args": {}},
	      {"op": "kv.put", "args": {}}
	    ]},
	    {"op": "kv.get", "args": {}}
	  ]
	}`
	drivers := &fakeDrivers{fail: map[string]error{"http.get": errors.New("boom")}}
	receipt, err := New(drivers).Execute(context.Background(), mustDecode(t, body))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if receipt.Status != ReceiptFailed {
		t.Errorf("status = %q, want FAILED", receipt.Status)
	}
	if got := len(drivers.callsFor("kv.get")); got != 0 {
		t.Errorf("op after failed parallel ran %d times, want 0", got)
	}
}

func TestExecuteTryCatchFinally(t *testing.T) {
	body := `{
	  "ucp_version": "1.0.0",
	  "id": "p1",
	  "ops": [
	    {"type": "try",
	      "ops": [{"op": "http.get", "args": {}}],
	      "catch": [{"op": "notify.show", "args": {"title": "failed: {{var.errorMessage}}"}}],
	      "finally": [{"op": "kv.put", "args": {"key": "done"}}]},
	    {"op": "kv.get", "args": {}}
	  ]
	}`
	drivers := &fakeDrivers{fail: map[string]error{"http.get": errors.New("timeout")}}
	receipt, err := New(drivers).Execute(context.Background(), mustDecode(t, body))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// A handled failure does not fail the packet.
	if receipt.Status != ReceiptSuccess {
		t.Errorf("status = %q, want SUCCESS", receipt.Status)
	}
	shows := drivers.callsFor("notify.show")
	if len(shows) != 1 || !strings.Contains(shows[0].args["title"].(string), "timeout") {
		t.Errorf("catch branch calls = %v", shows)
	}
	if got := len(drivers.callsFor("kv.put")); got != 1 {
		t.Errorf("finally ran %d times, want 1", got)
	}
	if got := len(drivers.callsFor("kv.get")); got != 1 {
		t.Errorf("op after handled try ran %d times, want 1", got)
	}
	tr := receipt.OpResults[0]
	if !tr.Caught || tr.Status != StatusOK {
		t.Errorf("try result = %+v", tr)
	}
}

func TestExecuteSkipIfAndRunIf(t *testing.T) {
	body := `{
	  "ucp_version": "1.0.0",
	  "id": "p1",
	  "ops": [
	    {"id": "first", "op": "kv.put", "args": {"key": "a"}},
	    {"op": "notify.show", "skipIf": {"op": "status", "left": "first", "right": "OK"}, "args": {}},
	    {"op": "kv.get", "runIf": {"op": "status", "left": "first", "right": "ERROR"}, "args": {}}
	  ]
	}`
	drivers := &fakeDrivers{}
	receipt, err := New(drivers).Execute(context.Background(), mustDecode(t, body))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if receipt.Status != ReceiptSuccess {
		t.Errorf("status = %q, want SUCCESS", receipt.Status)
	}
	if got := len(drivers.callsFor("notify.show")); got != 0 {
		t.Errorf("skipIf op ran %d times, want 0", got)
	}
	if got := len(drivers.callsFor("kv.get")); got != 0 {
		t.Errorf("runIf op ran %d times, want 0", got)
	}
	if receipt.OpResults[1].Status != StatusSkipped || receipt.OpResults[2].Status != StatusSkipped {
		t.Errorf("statuses = %q, %q, want SKIPPED", receipt.OpResults[1].Status, receipt.OpResults[2].Status)
	}
}

func TestExecuteStopsAfterError(t *testing.T) {
	body := `{
	  "ucp_version": "1.0.0",
	  "id": "p1",
	  "ops": [
	    {"op": "http.get", "args": {}},
	    {"op": "kv.put", "args": {}}
	  ]
	}`
	drivers := &fakeDrivers{fail: map[string]error{"http.get": errors.New("boom")}}
	receipt, err := New(drivers).Execute(context.Background(), mustDecode(t, body))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if receipt.Status != ReceiptFailed {
		t.Errorf("status = %q, want FAILED", receipt.Status)
	}
	if len(receipt.OpResults) != 1 {
		t.Errorf("op results = %d, want 1 (execution stops at first error)", len(receipt.OpResults))
	}
	if got := len(drivers.callsFor("kv.put")); got != 0 {
		t.Errorf("op after error ran %d times, want 0", got)
	}
}

func TestReceiptHashesCommit(t *testing.T) {
	body := `{"ucp_version":"1.0.0","id":"p1","ops":[{"op":"kv.put","args":{"key":"a"}}]}`
	p := mustDecode(t, body)
	receipt, err := New(&fakeDrivers{}).Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	wantPacket, err := digest.CanonicalSHA256(json.RawMessage(body))
	if err != nil {
		t.Fatalf("CanonicalSHA256: %v", err)
	}
	if receipt.PacketHash != wantPacket {
		t.Errorf("packet hash = %s, want %s", receipt.PacketHash, wantPacket)
	}

	// The receipt hash covers the receipt with an empty receiptHash field
	// and no token stats.
	check := *receipt
	check.ReceiptHash = ""
	check.TokenStats = nil
	wantReceipt, err := digest.CanonicalSHA256(&check)
	if err != nil {
		t.Fatalf("CanonicalSHA256: %v", err)
	}
	if receipt.ReceiptHash != wantReceipt {
		t.Errorf("receipt hash = %s, want %s", receipt.ReceiptHash, wantReceipt)
	}
}

func TestTokenStatsAccumulate(t *testing.T) {
	body := `{
	  "ucp_version": "1.0.0",
	  "id": "p1",
	  "ops": [
	    {"op": "llm.invoke", "args": {"prompt": "hi"}},
	    {"op": "llm.invoke", "args": {"prompt": "again"}}
	  ]
	}`
	drivers := &fakeDrivers{outputs: map[string]map[string]any{
		"llm.invoke": {
			"response": "ok",
			"tokens":   map[string]any{"input": float64(10), "output": float64(5), "saved": float64(0)},
		},
	}}
	receipt, err := New(drivers).Execute(context.Background(), mustDecode(t, body))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if receipt.TokenStats == nil {
		t.Fatal("token stats missing")
	}
	if receipt.TokenStats.Calls != 2 || receipt.TokenStats.TotalTokens != 30 {
		t.Errorf("token stats = %+v", receipt.TokenStats)
	}
}

func TestRequiredPermissions(t *testing.T) {
	body := `{
	  "ucp_version": "1.0.0",
	  "id": "p1",
	  "ops": [
	    {"type": "try", "ops": [{"op": "http.get", "args": {}}],
	      "catch": [{"op": "kv.put", "args": {}}]},
	    {"op": "llm.invoke", "args": {}}
	  ]
	}`
	p := mustDecode(t, body)
	perms := RequiredPermissions(p)
	want := map[models.Permission]bool{
		models.PermExecute: true,
		models.PermHTTP:    true,
		models.PermStorage: true,
		models.PermLLM:     true,
	}
	if len(perms) != len(want) {
		t.Fatalf("permissions = %v", perms)
	}
	for _, p := range perms {
		if !want[p] {
			t.Errorf("unexpected permission %q", p)
		}
	}
}

func TestExecuteCancellation(t *testing.T) {
	body := `{
	  "ucp_version": "1.0.0",
	  "id": "p1",
	  "ops": [{"op": "kv.put", "args": {}}, {"op": "kv.get", "args": {}}]
	}`
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	receipt, err := New(&fakeDrivers{}).Execute(ctx, mustDecode(t, body))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if receipt.Status != ReceiptFailed {
		t.Errorf("status = %q, want FAILED", receipt.Status)
	}
	if len(receipt.OpResults) == 0 || receipt.OpResults[0].Error != "execution aborted" {
		t.Errorf("op results = %+v", receipt.OpResults)
	}
}
