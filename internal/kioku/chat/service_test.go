package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestAssembler(t *testing.T) *memory.Assembler {
	t.Helper()
	cfg := memory.DefaultConfig()
	store, err := memory.NewStore(cfg, memory.NewHashEmbedder(256), memory.NewMemoryIndex(), llm.Echo{}, nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	asm, err := memory.NewAssembler(cfg, store, nil, nil)
	if err != nil {
		t.Fatalf("NewAssembler: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := asm.Flush(ctx); err != nil {
			t.Errorf("Flush: %v", err)
		}
	})
	return asm
}

// tempCompleter records the requests it receives and supports /temp.
type tempCompleter struct {
	mu    sync.Mutex
	temp  float64
	reqs  []memory.CompletionRequest
	reply string
	err   error
}

func (c *tempCompleter) Complete(_ context.Context, req memory.CompletionRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return c.reply, c.err
}

func (c *tempCompleter) SetTemperature(t float64) error {
	if err := llm.ValidateTemperature(t); err != nil {
		return err
	}
	c.mu.Lock()
	c.temp = t
	c.mu.Unlock()
	return nil
}

func TestHandle_RemembersAcrossTurns(t *testing.T) {
	asm := newTestAssembler(t)
	svc := NewService(asm, llm.Echo{}, nil, nil, nil)
	ctx := context.Background()

	if _, err := svc.Handle(ctx, "test", "u1", "I live in Warsaw"); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	reply, err := svc.Handle(ctx, "test", "u1", "where do I live?")
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if !strings.Contains(reply, "Warsaw") {
		t.Errorf("reply %q does not mention the remembered fact", reply)
	}

	hist := asm.History("u1")
	if len(hist) != 4 || hist[0].Role != memory.RoleSystem || hist[2].Content != "where do I live?" || hist[3].Role != memory.RoleAssistant {
		t.Errorf("unexpected history after two turns with limit 3: %+v", hist)
	}
}

func TestHandle_SendsBundleToCompleter(t *testing.T) {
	asm := newTestAssembler(t)
	c := &tempCompleter{reply: "hello"}
	svc := NewService(asm, c, nil, nil, nil)

	if _, err := svc.Handle(context.Background(), "test", "u1", "hi there"); err != nil {
		t.Fatal(err)
	}
	if len(c.reqs) != 1 {
		t.Fatalf("completer called %d times", len(c.reqs))
	}
	req := c.reqs[0]
	if req.UserMessage != "hi there" || req.SystemPrompt != memory.DefaultSystemPrompt {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestHandle_CompleterFailure(t *testing.T) {
	asm := newTestAssembler(t)
	cause := errors.New("connection refused")
	svc := NewService(asm, &tempCompleter{err: cause}, nil, nil, nil)

	_, err := svc.Handle(context.Background(), "test", "u1", "hello")
	if !errors.Is(err, memory.ErrCollaboratorUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("err = %v, want wrapped ErrCollaboratorUnavailable and cause", err)
	}
	if got := asm.History("u1"); len(got) != 1 {
		t.Errorf("failed turn must not be recorded, history = %+v", got)
	}
}

func TestHandle_Validation(t *testing.T) {
	svc := NewService(newTestAssembler(t), llm.Echo{}, nil, nil, nil)
	for _, tc := range []struct{ user, text string }{{"", "hi"}, {"u1", "   "}} {
		if _, err := svc.Handle(context.Background(), "test", tc.user, tc.text); !memory.IsValidation(err) {
			t.Errorf("Handle(%q, %q) = %v, want ValidationError", tc.user, tc.text, err)
		}
	}
}

func TestHandle_RateLimited(t *testing.T) {
	svc := NewService(newTestAssembler(t), llm.Echo{}, NewRateLimiter(1, time.Minute), nil, nil)
	ctx := context.Background()

	if _, err := svc.Handle(ctx, "test", "u1", "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Handle(ctx, "test", "u1", "two"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second turn err = %v, want ErrRateLimited", err)
	}
	if _, err := svc.Handle(ctx, "test", "u1", "/help"); err != nil {
		t.Errorf("commands are not rate limited, got %v", err)
	}
}

func TestCommands(t *testing.T) {
	asm := newTestAssembler(t)
	c := &tempCompleter{reply: "ok"}
	svc := NewService(asm, c, nil, nil, nil)
	ctx := context.Background()

	run := func(text string) string {
		t.Helper()
		reply, err := svc.Handle(ctx, "test", "u1", text)
		if err != nil {
			t.Fatalf("Handle(%q): %v", text, err)
		}
		return reply
	}

	if got := run("/start"); got != startText {
		t.Errorf("/start = %q", got)
	}
	if got := run("/help@kioku_bot"); got != helpText {
		t.Errorf("/help = %q", got)
	}
	if got := run("/history"); !strings.Contains(got, "last 3 messages") {
		t.Errorf("/history = %q", got)
	}
	if got := run("/history 5"); !strings.Contains(got, "5") || asm.Limit("u1") != 5 {
		t.Errorf("/history 5 = %q, limit %d", got, asm.Limit("u1"))
	}
	if got := run("/history zero"); !strings.HasPrefix(got, "Usage") || asm.Limit("u1") != 5 {
		t.Errorf("/history zero = %q, limit %d", got, asm.Limit("u1"))
	}

	run("remember this")
	if got := run("/history"); !strings.Contains(got, "user: remember this") {
		t.Errorf("/history after a turn = %q", got)
	}
	run("/clear")
	if got := asm.History("u1"); len(got) != 1 || got[0].Role != memory.RoleSystem {
		t.Errorf("history after /clear = %+v", got)
	}

	if got := run("/temp 0,7"); got != "Temperature set to 0.7." || c.temp != 0.7 {
		t.Errorf("/temp 0,7 = %q, temp %v", got, c.temp)
	}
	if got := run("/temp 3"); !strings.Contains(got, "temperature") || c.temp != 0.7 {
		t.Errorf("/temp 3 = %q, temp %v", got, c.temp)
	}
	if got := run("/nope"); !strings.HasPrefix(got, "Unknown command /nope") {
		t.Errorf("/nope = %q", got)
	}
	if len(c.reqs) != 1 {
		t.Errorf("commands must not reach the completer, got %d requests", len(c.reqs))
	}
}

func TestCommands_TempUnsupported(t *testing.T) {
	svc := NewService(newTestAssembler(t), llm.Echo{}, nil, nil, nil)
	reply, err := svc.Handle(context.Background(), "test", "u1", "/temp 1")
	if err != nil || !strings.Contains(reply, "does not support") {
		t.Errorf("/temp with Echo = %q, %v", reply, err)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{"/history 5", "history", []string{"5"}, true},
		{"/HELP", "help", []string{}, true},
		{"/", "", nil, false},
		{"hello /help", "", nil, false},
	}
	for _, tt := range tests {
		cmd, ok := parseCommand(tt.in)
		if ok != tt.ok || cmd.name != tt.name || len(cmd.args) != len(tt.args) {
			t.Errorf("parseCommand(%q) = %+v, %v", tt.in, cmd, ok)
		}
	}
}

// slowCompleter holds each request briefly and tracks how many run at once.
type slowCompleter struct {
	mu       sync.Mutex
	active   int
	maxSeen  int
	requests []memory.CompletionRequest
}

func (c *slowCompleter) Complete(ctx context.Context, req memory.CompletionRequest) (string, error) {
	c.mu.Lock()
	c.active++
	c.maxSeen = max(c.maxSeen, c.active)
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	c.mu.Lock()
	c.active--
	c.mu.Unlock()
	return "re: " + req.UserMessage, nil
}

func TestHandle_SerializesTurnsPerUser(t *testing.T) {
	asm := newTestAssembler(t)
	if err := asm.SetLimit("u1", 10); err != nil {
		t.Fatal(err)
	}
	completer := &slowCompleter{}
	svc := NewService(asm, completer, nil, nil, nil)

	messages := []string{"I live in Warsaw", "I like jazz", "My name is Alex"}
	var wg sync.WaitGroup
	for _, msg := range messages {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Handle(context.Background(), "test", "u1", msg); err != nil {
				t.Errorf("Handle(%q): %v", msg, err)
			}
		}()
	}
	wg.Wait()

	if completer.maxSeen != 1 {
		t.Errorf("%d turns of one user overlapped", completer.maxSeen)
	}
	// Each turn sees every exchange recorded before it.
	for i, req := range completer.requests {
		if len(req.Turns) != 2*i {
			t.Errorf("turn %d saw %d prior turns, want %d", i, len(req.Turns), 2*i)
		}
	}
	hist := asm.History("u1")
	if len(hist) != 1+2*len(messages) || hist[0].Role != memory.RoleSystem {
		t.Fatalf("history has %d turns, want system turn plus %d", len(hist), 2*len(messages))
	}
	hist = hist[1:]
	for i := 0; i < len(hist); i += 2 {
		user, assistant := hist[i], hist[i+1]
		if user.Role != memory.RoleUser || assistant.Role != memory.RoleAssistant || assistant.Content != "re: "+user.Content {
			t.Errorf("exchange %d interleaved: %q / %q", i/2, user.Content, assistant.Content)
		}
	}
	if n := svc.locks.len(); n != 0 {
		t.Errorf("%d turn locks left behind", n)
	}
}

func TestHandle_OtherUsersDoNotWait(t *testing.T) {
	asm := newTestAssembler(t)
	completer := &slowCompleter{}
	svc := NewService(asm, completer, nil, nil, nil)

	var wg sync.WaitGroup
	for _, user := range []string{"u1", "u2", "u3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Handle(context.Background(), "test", user, "hello"); err != nil {
				t.Errorf("Handle(%s): %v", user, err)
			}
		}()
	}
	wg.Wait()
	if len(completer.requests) != 3 {
		t.Fatalf("completer saw %d requests, want 3", len(completer.requests))
	}
}
