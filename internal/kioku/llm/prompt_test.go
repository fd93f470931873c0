package llm

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

func TestBuildMessages(t *testing.T) {
	tests := []struct {
		name string
		req  memory.CompletionRequest
		want []chatMessage
	}{
		{
			name: "user message only",
			req:  memory.CompletionRequest{UserMessage: "hi"},
			want: []chatMessage{{Role: "user", Content: "hi"}},
		},
		{
			name: "pinned system turn is not repeated",
			req: memory.CompletionRequest{
				SystemPrompt: "Be kind.",
				Turns:        []memory.Turn{{Role: memory.RoleSystem, Content: "Be kind."}, {Role: memory.RoleUser, Content: "a"}},
			},
			want: []chatMessage{{Role: "system", Content: "Be kind."}, {Role: "user", Content: "a"}},
		},
		{
			name: "extra system turn folded into system message",
			req: memory.CompletionRequest{
				SystemPrompt: "Be kind.",
				Turns:        []memory.Turn{{Role: memory.RoleSystem, Content: "Use metric units."}},
				UserMessage:  "how far?",
			},
			want: []chatMessage{
				{Role: "system", Content: "Be kind.\n\nUse metric units."},
				{Role: "user", Content: "how far?"},
			},
		},
		{
			name: "facts without prompt",
			req: memory.CompletionRequest{
				Facts:       []memory.Fact{{RawText: "My name is Alex"}, {RawText: "I like pizza"}},
				UserMessage: "who am I?",
			},
			want: []chatMessage{
				{Role: "system", Content: factsHeader + "\n- My name is Alex\n- I like pizza"},
				{Role: "user", Content: "who am I?"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, buildMessages(tt.req)); diff != "" {
				t.Errorf("buildMessages mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
