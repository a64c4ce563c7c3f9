package session_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"collabwiki/internal/ot"
	"collabwiki/internal/session"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func stamped(op ot.Op, user string, seq uint64) ot.Op {
	switch o := op.(type) {
	case ot.Insert:
		o.Meta = ot.Meta{ID: uuid.New(), UserID: user}
		return o.WithServerSeq(seq)
	case ot.Delete:
		o.Meta = ot.Meta{ID: uuid.New(), UserID: user}
		return o.WithServerSeq(seq)
	case ot.Replace:
		o.Meta = ot.Meta{ID: uuid.New(), UserID: user}
		return o.WithServerSeq(seq)
	}
	return op
}

func TestWithOperation(t *testing.T) {
	s := session.New("page", "ab", 100, t0)
	s, err := s.WithOperation(stamped(ot.Insert{Pos: 1, Text: "X"}, "alice", 1), t0.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if s.Content != "aXb" {
		t.Fatalf("content %q, want %q", s.Content, "aXb")
	}
	if s.Seq != 1 {
		t.Fatalf("seq %d, want 1", s.Seq)
	}
	if len(s.History) != 1 {
		t.Fatalf("history len %d, want 1", len(s.History))
	}
	if s.LastActivity != t0.Add(time.Second) {
		t.Fatalf("last activity not touched")
	}
	if _, ok := s.Contributors["alice"]; !ok {
		t.Fatal("alice not recorded as contributor")
	}
}

func TestWithOperationKeepsOriginal(t *testing.T) {
	s := session.New("page", "ab", 100, t0)
	next, err := s.WithOperation(stamped(ot.Insert{Pos: 0, Text: "z"}, "u", 1), t0)
	if err != nil {
		t.Fatal(err)
	}
	if s.Content != "ab" || s.Seq != 0 || len(s.History) != 0 {
		t.Fatal("original session mutated")
	}
	if next.Content != "zab" {
		t.Fatalf("new session content %q", next.Content)
	}
}

func TestHistoryRingBounded(t *testing.T) {
	s := session.New("page", "", 3, t0)
	var err error
	for i := 1; i <= 5; i++ {
		s, err = s.WithOperation(stamped(ot.Insert{Pos: 0, Text: "x"}, "u", uint64(i)), t0)
		if err != nil {
			t.Fatal(err)
		}
	}
	if len(s.History) != 3 {
		t.Fatalf("history len %d, want 3", len(s.History))
	}
	if got := s.History[0].OpMeta().ServerSeq; got != 3 {
		t.Fatalf("oldest retained seq %d, want 3", got)
	}
}

func TestOperationsSince(t *testing.T) {
	s := session.New("page", "", 100, t0)
	var err error
	for i := 1; i <= 4; i++ {
		s, err = s.WithOperation(stamped(ot.Insert{Pos: 0, Text: "x"}, "u", uint64(i)), t0)
		if err != nil {
			t.Fatal(err)
		}
	}
	ops := s.OperationsSince(2)
	if len(ops) != 2 {
		t.Fatalf("got %d ops, want 2", len(ops))
	}
	if ops[0].OpMeta().ServerSeq != 3 || ops[1].OpMeta().ServerSeq != 4 {
		t.Fatalf("wrong suffix: %d, %d", ops[0].OpMeta().ServerSeq, ops[1].OpMeta().ServerSeq)
	}
	if got := s.OperationsSince(4); got != nil {
		t.Fatalf("caught-up client got %d ops", len(got))
	}
}

func TestHasOperation(t *testing.T) {
	s := session.New("page", "", 100, t0)
	op := stamped(ot.Insert{Pos: 0, Text: "x"}, "u", 1)
	s, err := s.WithOperation(op, t0)
	if err != nil {
		t.Fatal(err)
	}
	if !s.HasOperation(op.OpMeta().ID.String()) {
		t.Fatal("applied operation not found")
	}
	if s.HasOperation(uuid.New().String()) {
		t.Fatal("unknown operation reported as present")
	}
}

func TestUserPresence(t *testing.T) {
	s := session.New("page", "", 100, t0)
	s = s.WithUser(session.UserPresence{UserID: "alice", DisplayName: "Alice"}, t0)
	s = s.WithUser(session.UserPresence{UserID: "bob", DisplayName: "Bob"}, t0)
	if len(s.Users) != 2 {
		t.Fatalf("users %d, want 2", len(s.Users))
	}

	s = s.WithCursor("alice", session.CursorPosition{Pos: 5, SelectionEnd: 8}, t0.Add(time.Minute))
	if got := s.Users["alice"].Cursor.Pos; got != 5 {
		t.Fatalf("cursor pos %d, want 5", got)
	}
	if got := s.Users["alice"].LastSeen; got != t0.Add(time.Minute) {
		t.Fatal("cursor update did not refresh last seen")
	}

	// Cursor updates for unknown users are ignored, not a join.
	s = s.WithCursor("carol", session.CursorPosition{Pos: 1}, t0)
	if _, ok := s.Users["carol"]; ok {
		t.Fatal("cursor update created a user")
	}

	s = s.WithoutUser("alice", t0)
	if _, ok := s.Users["alice"]; ok {
		t.Fatal("alice still present after leave")
	}
}

func TestIsInactive(t *testing.T) {
	threshold := 10 * time.Minute
	s := session.New("page", "", 100, t0)
	if s.IsInactive(threshold, t0.Add(5*time.Minute)) {
		t.Fatal("fresh session reported inactive")
	}
	if !s.IsInactive(threshold, t0.Add(11*time.Minute)) {
		t.Fatal("stale empty session not reported inactive")
	}

	occupied := s.WithUser(session.UserPresence{UserID: "alice"}, t0)
	if occupied.IsInactive(threshold, t0.Add(24*time.Hour)) {
		t.Fatal("session with a connected user reported inactive")
	}
}

func TestColorForStable(t *testing.T) {
	if session.ColorFor("alice") != session.ColorFor("alice") {
		t.Fatal("color changed across calls")
	}
	if session.ColorFor("alice") == "" {
		t.Fatal("empty color")
	}
}
