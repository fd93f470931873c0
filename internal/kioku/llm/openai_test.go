package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bdobrica/Kioku/common/retry"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, ShouldRetry: retry.Transient}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{APIKey: "k", Temperature: 0.3})
	if err != nil {
		t.Fatal(err)
	}
	if c.Model() != defaultModel || c.cfg.MaxTokens != defaultMaxTokens || c.Temperature() != 0.3 {
		t.Errorf("unexpected defaults: model=%s max_tokens=%d temp=%v", c.Model(), c.cfg.MaxTokens, c.Temperature())
	}
}

func TestTemperatureValidation(t *testing.T) {
	if _, err := New(Config{Temperature: 2.5}); !memory.IsValidation(err) {
		t.Fatalf("New with temperature 2.5: %v", err)
	}
	c, _ := New(Config{Temperature: 0.3})
	for _, bad := range []float64{-0.1, 2.01} {
		if err := c.SetTemperature(bad); !memory.IsValidation(err) {
			t.Errorf("SetTemperature(%v) = %v, want ValidationError", bad, err)
		}
	}
	if c.Temperature() != 0.3 {
		t.Errorf("rejected update changed temperature to %v", c.Temperature())
	}
	if err := c.SetTemperature(2); err != nil || c.Temperature() != 2 {
		t.Errorf("SetTemperature(2) = %v, temperature %v", err, c.Temperature())
	}
}

func TestComplete_SendsContext(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(chatResponse{Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: "  You live in Warsaw.  "}}}})
	}))
	defer srv.Close()

	c, _ := New(Config{APIKey: "test-key", BaseURL: srv.URL + "/", Temperature: 0.3, Retry: fastRetry()})
	reply, err := c.Complete(context.Background(), memory.CompletionRequest{
		SystemPrompt: "Be brief.",
		Turns: []memory.Turn{
			{Role: memory.RoleUser, Content: "hi"},
			{Role: memory.RoleAssistant, Content: "hello"},
		},
		Facts:       []memory.Fact{{RawText: "I live in Warsaw"}},
		UserMessage: "where do I live?",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "You live in Warsaw." {
		t.Errorf("reply = %q", reply)
	}

	want := []chatMessage{
		{Role: "system", Content: "Be brief.\n\n" + factsHeader + "\n- I live in Warsaw"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "where do I live?"},
	}
	if diff := cmp.Diff(want, got.Messages); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	if got.Temperature != 0.3 || got.MaxTokens != defaultMaxTokens {
		t.Errorf("temperature=%v max_tokens=%d", got.Temperature, got.MaxTokens)
	}
}

func TestComplete_TemperatureOverride(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(chatResponse{Choices: []chatChoice{{Message: chatMessage{Content: "ok"}}}})
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL, Temperature: 0.3})
	zero := 0.0
	if _, err := c.Complete(context.Background(), memory.CompletionRequest{UserMessage: "x", Temperature: &zero}); err != nil {
		t.Fatal(err)
	}
	if got.Temperature != 0 {
		t.Errorf("temperature = %v, want override 0", got.Temperature)
	}
	bad := 3.0
	if _, err := c.Complete(context.Background(), memory.CompletionRequest{UserMessage: "x", Temperature: &bad}); !memory.IsValidation(err) {
		t.Errorf("expected ValidationError for override 3.0, got %v", err)
	}
}

func TestComplete_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(chatResponse{Choices: []chatChoice{{Message: chatMessage{Content: "finally"}}}})
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL, Retry: fastRetry()})
	reply, err := c.Complete(context.Background(), memory.CompletionRequest{UserMessage: "x"})
	if err != nil || reply != "finally" {
		t.Fatalf("Complete = %q, %v", reply, err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestComplete_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"context too long","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL, Retry: fastRetry()})
	_, err := c.Complete(context.Background(), memory.CompletionRequest{UserMessage: "x"})
	var se *retry.StatusError
	if !errors.As(err, &se) || se.StatusCode != 400 || se.Message != "context too long" {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL, Retry: fastRetry()})
	if _, err := c.Complete(context.Background(), memory.CompletionRequest{UserMessage: "x"}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}
