package llm

import (
	"strings"

	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

const factsHeader = "Personal information about the user:"

// buildMessages lays out a request as chat messages: one system message with
// the prompt and any facts, the recent turns, then the new user message.
// System turns inside req.Turns are folded into the system message.
func buildMessages(req memory.CompletionRequest) []chatMessage {
	var system strings.Builder
	system.WriteString(strings.TrimSpace(req.SystemPrompt))
	for _, t := range req.Turns {
		if t.Role == memory.RoleSystem && t.Content != req.SystemPrompt {
			appendBlock(&system, t.Content)
		}
	}
	if len(req.Facts) > 0 {
		var facts strings.Builder
		facts.WriteString(factsHeader)
		for _, f := range req.Facts {
			facts.WriteString("\n- ")
			facts.WriteString(f.RawText)
		}
		appendBlock(&system, facts.String())
	}

	msgs := make([]chatMessage, 0, len(req.Turns)+2)
	if system.Len() > 0 {
		msgs = append(msgs, chatMessage{Role: string(memory.RoleSystem), Content: system.String()})
	}
	for _, t := range req.Turns {
		if t.Role == memory.RoleSystem {
			continue
		}
		msgs = append(msgs, chatMessage{Role: string(t.Role), Content: t.Content})
	}
	if req.UserMessage != "" {
		msgs = append(msgs, chatMessage{Role: string(memory.RoleUser), Content: req.UserMessage})
	}
	return msgs
}

func appendBlock(b *strings.Builder, block string) {
	block = strings.TrimSpace(block)
	if block == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(block)
}
