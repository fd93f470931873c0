package memory

import (
	"fmt"
	"strings"
	"time"
)

// summaryPreviewRunes is how much of each turn Summary shows.
const summaryPreviewRunes = 50

// TurnStore is the bounded short-term buffer for a single user.
//
// At most one system turn is kept and it is pinned at the front of List;
// it never counts against the limit and is never evicted. Non-system turns
// are evicted oldest-first once their count exceeds the limit.
//
// A TurnStore is not safe for concurrent use. The Assembler serializes
// access per user.
type TurnStore struct {
	limit  int
	system *Turn
	turns  []Turn
	seq    uint64
	now    func() time.Time
}

// NewTurnStore returns an empty store that keeps at most maxMessages
// non-system turns.
func NewTurnStore(maxMessages int) (*TurnStore, error) {
	if maxMessages < 1 {
		return nil, invalid("max_messages", "must be at least 1, got %d", maxMessages)
	}
	return &TurnStore{limit: maxMessages, now: time.Now}, nil
}

// Append records a turn. A system turn replaces any previous system turn;
// any other turn is added at the end and the oldest non-system turns are
// evicted while the count exceeds the limit.
func (s *TurnStore) Append(role Role, content string) Turn {
	s.seq++
	t := Turn{Role: role, Content: content, Seq: s.seq, CreatedAt: s.now().UTC()}
	if role == RoleSystem {
		s.system = &t
		return t
	}
	s.turns = append(s.turns, t)
	s.trim()
	return t
}

// List returns a copy of the stored turns, system turn first, then the
// remaining turns in insertion order.
func (s *TurnStore) List() []Turn {
	out := make([]Turn, 0, len(s.turns)+1)
	if s.system != nil {
		out = append(out, *s.system)
	}
	return append(out, s.turns...)
}

// Len returns the number of non-system turns held.
func (s *TurnStore) Len() int { return len(s.turns) }

// Limit returns the current maximum number of non-system turns.
func (s *TurnStore) Limit() int { return s.limit }

// System returns the pinned system turn, if any.
func (s *TurnStore) System() (Turn, bool) {
	if s.system == nil {
		return Turn{}, false
	}
	return *s.system, true
}

// SetLimit changes the limit and immediately evicts down to it.
func (s *TurnStore) SetLimit(n int) error {
	if n < 1 {
		return invalid("max_messages", "must be at least 1, got %d", n)
	}
	s.limit = n
	s.trim()
	return nil
}

// Clear drops all non-system turns. The system turn survives.
func (s *TurnStore) Clear() {
	clear(s.turns)
	s.turns = s.turns[:0]
}

// Remove deletes every non-system turn whose content equals content and
// returns how many were removed.
func (s *TurnStore) Remove(content string) int {
	kept := s.turns[:0]
	for _, t := range s.turns {
		if t.Content != content {
			kept = append(kept, t)
		}
	}
	removed := len(s.turns) - len(kept)
	clear(s.turns[len(kept):])
	s.turns = kept
	return removed
}

// Summary renders one line per non-system turn with the content truncated,
// e.g. "user: I live in Warsaw and I work as a ...".
func (s *TurnStore) Summary() string {
	var b strings.Builder
	for i, t := range s.turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", t.Role, truncateRunes(t.Content, summaryPreviewRunes))
	}
	return b.String()
}

func (s *TurnStore) trim() {
	excess := len(s.turns) - s.limit
	if excess <= 0 {
		return
	}
	n := copy(s.turns, s.turns[excess:])
	clear(s.turns[n:])
	s.turns = s.turns[:n]
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
