package memory

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func contents(turns []Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = string(t.Role) + ":" + t.Content
	}
	return out
}

func TestNewTurnStore_RejectsZeroLimit(t *testing.T) {
	for _, n := range []int{0, -1} {
		if _, err := NewTurnStore(n); !IsValidation(err) {
			t.Errorf("NewTurnStore(%d) error = %v, want ValidationError", n, err)
		}
	}
}

func TestTurnStore_EvictsOldestNonSystem(t *testing.T) {
	s, _ := NewTurnStore(3)
	s.Append(RoleSystem, "sys")
	for _, c := range []string{"a", "b", "c", "d"} {
		s.Append(RoleUser, c)
	}

	want := []string{"system:sys", "user:b", "user:c", "user:d"}
	if diff := cmp.Diff(want, contents(s.List())); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestTurnStore_SystemTurnReplacedNotDuplicated(t *testing.T) {
	s, _ := NewTurnStore(2)
	s.Append(RoleUser, "hello")
	s.Append(RoleSystem, "first")
	s.Append(RoleSystem, "second")

	got := s.List()
	if len(got) != 2 {
		t.Fatalf("expected 2 turns, got %v", contents(got))
	}
	if got[0].Role != RoleSystem || got[0].Content != "second" {
		t.Errorf("expected pinned system turn 'second', got %+v", got[0])
	}
	if sys, ok := s.System(); !ok || sys.Content != "second" {
		t.Errorf("System() = %+v, %v", sys, ok)
	}
}

func TestTurnStore_SetLimitShrinksImmediately(t *testing.T) {
	s, _ := NewTurnStore(5)
	s.Append(RoleSystem, "sys")
	for _, c := range []string{"1", "2", "3", "4", "5"} {
		s.Append(RoleUser, c)
	}
	if err := s.SetLimit(2); err != nil {
		t.Fatalf("SetLimit(2): %v", err)
	}
	want := []string{"system:sys", "user:4", "user:5"}
	if diff := cmp.Diff(want, contents(s.List())); diff != "" {
		t.Errorf("List() after SetLimit mismatch (-want +got):\n%s", diff)
	}
	if s.Limit() != 2 {
		t.Errorf("Limit() = %d, want 2", s.Limit())
	}
}

func TestTurnStore_SetLimitRejectsZero(t *testing.T) {
	s, _ := NewTurnStore(3)
	s.Append(RoleUser, "keep")
	if err := s.SetLimit(0); !IsValidation(err) {
		t.Fatalf("SetLimit(0) error = %v, want ValidationError", err)
	}
	if s.Limit() != 3 || s.Len() != 1 {
		t.Errorf("store changed after rejected SetLimit: limit=%d len=%d", s.Limit(), s.Len())
	}
}

func TestTurnStore_ClearKeepsSystem(t *testing.T) {
	s, _ := NewTurnStore(3)
	s.Append(RoleSystem, "sys")
	s.Append(RoleUser, "a")
	s.Append(RoleAssistant, "b")
	s.Clear()

	want := []string{"system:sys"}
	if diff := cmp.Diff(want, contents(s.List())); diff != "" {
		t.Errorf("List() after Clear mismatch (-want +got):\n%s", diff)
	}
}

func TestTurnStore_ListReturnsCopy(t *testing.T) {
	s, _ := NewTurnStore(3)
	s.Append(RoleUser, "original")
	got := s.List()
	got[0].Content = "mutated"
	if s.List()[0].Content != "original" {
		t.Error("mutating List() result changed the store")
	}
}

func TestTurnStore_SequenceIncreases(t *testing.T) {
	s, _ := NewTurnStore(10)
	a := s.Append(RoleUser, "a")
	b := s.Append(RoleAssistant, "b")
	if b.Seq <= a.Seq {
		t.Errorf("expected increasing sequence numbers, got %d then %d", a.Seq, b.Seq)
	}
}

func TestTurnStore_Remove(t *testing.T) {
	s, _ := NewTurnStore(5)
	s.Append(RoleSystem, "dup")
	s.Append(RoleUser, "dup")
	s.Append(RoleAssistant, "other")
	s.Append(RoleUser, "dup")

	if n := s.Remove("dup"); n != 2 {
		t.Fatalf("Remove() = %d, want 2", n)
	}
	want := []string{"system:dup", "assistant:other"}
	if diff := cmp.Diff(want, contents(s.List())); diff != "" {
		t.Errorf("List() after Remove mismatch (-want +got):\n%s", diff)
	}
}

func TestTurnStore_Summary(t *testing.T) {
	s, _ := NewTurnStore(3)
	s.Append(RoleSystem, "not shown")
	s.Append(RoleUser, "short")
	s.Append(RoleAssistant, strings.Repeat("ż", 60))

	lines := strings.Split(s.Summary(), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 summary lines, got %q", s.Summary())
	}
	if lines[0] != "user: short" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if want := "assistant: " + strings.Repeat("ż", 50) + "..."; lines[1] != want {
		t.Errorf("line 1 = %q, want %q", lines[1], want)
	}
}

func TestTurnStore_NeverExceedsLimit(t *testing.T) {
	for limit := 1; limit <= 4; limit++ {
		s, _ := NewTurnStore(limit)
		s.Append(RoleSystem, "sys")
		for i := 0; i < 20; i++ {
			s.Append(RoleUser, "u")
			if s.Len() > limit {
				t.Fatalf("limit %d: Len() = %d after %d appends", limit, s.Len(), i+1)
			}
			if s.List()[0].Role != RoleSystem {
				t.Fatalf("limit %d: system turn lost after %d appends", limit, i+1)
			}
		}
	}
}
