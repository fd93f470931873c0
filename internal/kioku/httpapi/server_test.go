package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bdobrica/Kioku/internal/kioku/chat"
	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

type testEnv struct {
	ts    *httptest.Server
	asm   *memory.Assembler
	store *memory.Store
}

func newTestEnv(t *testing.T, ready func(context.Context) error) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("kioku_test", reg)

	cfg := memory.DefaultConfig()
	cfg.CompactionThreshold = 100
	store, err := memory.NewStore(cfg, memory.NewHashEmbedder(256), memory.NewMemoryIndex(), llm.Echo{}, nil, metrics)
	if err != nil {
		t.Fatal(err)
	}
	asm, err := memory.NewAssembler(cfg, store, nil, metrics)
	if err != nil {
		t.Fatal(err)
	}
	svc := chat.NewService(asm, llm.Echo{}, chat.NewRateLimiter(100, time.Minute), nil, metrics)

	srv := New(Deps{
		Chat:          svc,
		Conversations: asm,
		LongTerm:      store,
		Gatherer:      reg,
		Ready:         ready,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = asm.Flush(ctx)
	})
	return &testEnv{ts: ts, asm: asm, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on responses")
	}
	resp, _ = env.do(t, http.MethodGet, "/readyz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz = %d", resp.StatusCode)
	}

	down := newTestEnv(t, func(context.Context) error { return errors.New("database is locked") })
	resp, body = down.do(t, http.MethodGet, "/readyz", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing check = %d %v", resp.StatusCode, body)
	}
}

func TestChat_RemembersFacts(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.do(t, http.MethodPost, "/v1/chat", chatRequest{UserID: "u1", Text: "My name is Alex"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first chat = %d", resp.StatusCode)
	}
	resp, body := env.do(t, http.MethodPost, "/v1/chat", chatRequest{UserID: "u1", Text: "what is my name?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second chat = %d", resp.StatusCode)
	}
	if reply, _ := body["reply"].(string); !strings.Contains(reply, "Alex") {
		t.Errorf("reply = %q, want the remembered name", reply)
	}

	resp, body = env.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}

func TestChat_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name string
		body any
	}{
		{"missing user", chatRequest{Text: "hi"}},
		{"empty text", chatRequest{UserID: "u1"}},
		{"unknown field", map[string]any{"user_id": "u1", "text": "hi", "extra": true}},
		{"no body", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/v1/chat", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			errObj, _ := body["error"].(map[string]any)
			if errObj["code"] != "invalid_request" || errObj["detail"] == "" {
				t.Errorf("error body = %v", body)
			}
		})
	}
}

func TestRecordContextAndHistory(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodPost, "/v1/record", recordRequest{UserID: "u1", UserMessage: "I live in Warsaw", AssistantReply: "Nice city!"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("record = %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodPost, "/v1/context", contextRequest{UserID: "u1", Message: "where do I live?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("context = %d", resp.StatusCode)
	}
	facts, _ := body["recalled_facts"].([]any)
	if len(facts) == 0 {
		t.Fatalf("context has no recalled facts: %v", body)
	}
	turns, _ := body["recent_turns"].([]any)
	if len(turns) != 2 {
		t.Errorf("recent_turns = %v", turns)
	}

	resp, body = env.do(t, http.MethodGet, "/v1/users/u1/history", nil)
	if resp.StatusCode != http.StatusOK || body["max_messages"] != float64(3) {
		t.Fatalf("history = %d %v", resp.StatusCode, body)
	}
	if turns, _ := body["turns"].([]any); len(turns) != 3 {
		t.Errorf("history turns = %v, want system + 2", turns)
	}

	resp, _ = env.do(t, http.MethodDelete, "/v1/users/u1/history", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("clear = %d", resp.StatusCode)
	}
	if got := env.asm.History("u1"); len(got) != 1 {
		t.Errorf("history after clear = %+v", got)
	}
}

func TestUserSettings(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodPut, "/v1/users/u1/limit", limitRequest{MaxMessages: 7})
	if resp.StatusCode != http.StatusOK || env.asm.Limit("u1") != 7 {
		t.Fatalf("set limit = %d, limit %d", resp.StatusCode, env.asm.Limit("u1"))
	}
	resp, _ = env.do(t, http.MethodPut, "/v1/users/u1/limit", limitRequest{MaxMessages: 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("limit 0 = %d, want 400", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPut, "/v1/users/u1/system", systemRequest{Content: "Answer like a pirate."})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("set system = %d", resp.StatusCode)
	}
	if h := env.asm.History("u1"); len(h) == 0 || h[0].Content != "Answer like a pirate." {
		t.Errorf("system turn = %+v", h)
	}
}

func TestRecallAndCompact(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.store.Remember(ctx, "u1", "My name is Alex", memory.RoleUser)
	env.store.Remember(ctx, "u1", "I live in Warsaw", memory.RoleUser)

	resp, body := env.do(t, http.MethodPost, "/v1/users/u1/recall", recallRequest{Query: "where do I live", K: 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recall = %d", resp.StatusCode)
	}
	facts, _ := body["facts"].([]any)
	if len(facts) != 1 {
		t.Fatalf("recall facts = %v", facts)
	}

	resp, body = env.do(t, http.MethodPost, "/v1/users/nobody/compact", nil)
	if resp.StatusCode != http.StatusOK || body["compacted"] != false {
		t.Errorf("compact with no facts = %d %v", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodPost, "/v1/users/u1/compact", nil)
	if resp.StatusCode != http.StatusOK || body["compacted"] != true {
		t.Fatalf("compact = %d %v", resp.StatusCode, body)
	}
	summary, _ := body["summary"].(map[string]any)
	if summary["category"] != string(memory.CategorySummary) {
		t.Errorf("summary = %v", summary)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&memory.ValidationError{Field: "k", Reason: "bad"}, http.StatusBadRequest},
		{chat.ErrRateLimited, http.StatusTooManyRequests},
		{errors.Join(memory.ErrCollaboratorUnavailable, errors.New("503")), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestChatWebSocket(t *testing.T) {
	env := newTestEnv(t, nil)
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/chat/ws?user_id=ws-user"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	exchange := func(payload string) wsOutbound {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			t.Fatalf("write: %v", err)
		}
		var out wsOutbound
		if err := conn.ReadJSON(&out); err != nil {
			t.Fatalf("read: %v", err)
		}
		return out
	}

	if out := exchange(`{"text":"I live in Warsaw"}`); out.Type != frameReply {
		t.Fatalf("first frame = %+v", out)
	}
	out := exchange(`{"text":"where do I live?"}`)
	if out.Type != frameReply || !strings.Contains(out.Text, "Warsaw") {
		t.Errorf("second frame = %+v", out)
	}
	if out := exchange(`not json`); out.Type != frameError || out.Code != "invalid_request" {
		t.Errorf("bad frame reply = %+v", out)
	}
	if out := exchange(`{"text":"   "}`); out.Type != frameError || out.Code != "invalid_request" {
		t.Errorf("empty text reply = %+v", out)
	}
	if got := env.asm.History("ws-user"); len(got) != 4 {
		t.Errorf("history for the fixed user = %d turns, want 4", len(got))
	}
}

func TestWebSocketOrigin(t *testing.T) {
	env := newTestEnv(t, nil)
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/chat/ws"
	hdr := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, hdr); err == nil {
		t.Fatal("cross-origin upgrade should be refused")
	} else if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}
