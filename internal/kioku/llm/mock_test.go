package llm

import (
	"context"
	"testing"

	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

func TestEcho(t *testing.T) {
	ctx := t.Context()
	reply, err := Echo{}.Complete(ctx, memory.CompletionRequest{
		SystemPrompt: memory.DefaultSystemPrompt,
		Facts:        []memory.Fact{{RawText: "I live in Warsaw"}},
		UserMessage:  "where do I live?",
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := "You said: where do I live? (I remember: I live in Warsaw)"; reply != want {
		t.Errorf("reply = %q, want %q", reply, want)
	}

	summary, _ := Echo{}.Complete(ctx, memory.CompletionRequest{
		SystemPrompt: memory.CompactionPrompt,
		Facts:        []memory.Fact{{RawText: "My name is Alex"}, {RawText: "I live in Warsaw"}},
	})
	if summary != "My name is Alex; I live in Warsaw" {
		t.Errorf("summary = %q", summary)
	}
}

func TestEcho_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Echo{}).Complete(ctx, memory.CompletionRequest{UserMessage: "x"}); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
