package memory

import (
	"fmt"
	"strings"
)

// ContextBundle is what the language model gets for one turn: the pinned
// system prompt, the recent turns and the facts recalled for the message.
type ContextBundle struct {
	UserID        string `json:"user_id"`
	SystemPrompt  string `json:"system_prompt"`
	RecentTurns   []Turn `json:"recent_turns"`
	RecalledFacts []Fact `json:"recalled_facts"`
}

// Render formats the personal information and the recent conversation as
// plain text sections. Empty sections are left out.
//
//	Personal Information:
//	My name is Alex
//
//	Recent Conversation:
//	user: hi
//	assistant: hello
func (b ContextBundle) Render() string {
	var sections []string
	if len(b.RecalledFacts) > 0 {
		lines := make([]string, len(b.RecalledFacts))
		for i, f := range b.RecalledFacts {
			lines[i] = f.RawText
		}
		sections = append(sections, "Personal Information:\n"+strings.Join(lines, "\n"))
	}
	if len(b.RecentTurns) > 0 {
		lines := make([]string, len(b.RecentTurns))
		for i, t := range b.RecentTurns {
			lines[i] = fmt.Sprintf("%s: %s", t.Role, t.Content)
		}
		sections = append(sections, "Recent Conversation:\n"+strings.Join(lines, "\n"))
	}
	return strings.Join(sections, "\n\n")
}

// Request turns the bundle into a completion request for userMessage.
func (b ContextBundle) Request(userMessage string) CompletionRequest {
	return CompletionRequest{
		SystemPrompt: b.SystemPrompt,
		Turns:        b.RecentTurns,
		Facts:        b.RecalledFacts,
		UserMessage:  userMessage,
	}
}
