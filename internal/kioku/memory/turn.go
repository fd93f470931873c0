// Package memory implements per-user conversational memory for Kioku.
// Short-term memory keeps the last few turns verbatim in a bounded
// TurnStore; long-term memory classifies durable user facts, chunks and
// embeds them, and recalls them by semantic similarity. The Assembler ties
// both together into the context bundle handed to the language model.
package memory

import "time"

// Role identifies the author of a conversational turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Turn is a single message in a conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}
