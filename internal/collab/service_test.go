package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"collabwiki/internal/ot"
	"collabwiki/internal/session"
	"collabwiki/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeBroadcaster records every broadcast for assertions.
type fakeBroadcaster struct {
	mu         sync.Mutex
	operations []ot.Op
	cursors    []string
	presence   [][]session.UserPresence
}

func (f *fakeBroadcaster) BroadcastOperation(_ context.Context, _ string, op ot.Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.operations = append(f.operations, op)
	return nil
}

func (f *fakeBroadcaster) BroadcastCursor(_ context.Context, _, userID string, _ session.CursorPosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, userID)
	return nil
}

func (f *fakeBroadcaster) BroadcastPresence(_ context.Context, _ string, users []session.UserPresence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, users)
	return nil
}

type fixture struct {
	service   *Service
	pages     *store.MemoryPages
	revisions *store.MemoryRevisions
	bcast     *fakeBroadcaster
	clock     *time.Time
}

func newFixture() *fixture {
	pages := store.NewMemoryPages()
	revisions := store.NewMemoryRevisions()
	bcast := &fakeBroadcaster{}
	svc := New(store.NewMemoryStore(), pages, revisions, bcast, Config{
		IdleThreshold: 30 * time.Minute,
		HistoryLimit:  100,
	})
	clock := t0
	svc.now = func() time.Time { return clock }
	return &fixture{service: svc, pages: pages, revisions: revisions, bcast: bcast, clock: &clock}
}

func insertOp(user string, pos int, text string, expected uint64) ot.Insert {
	return ot.Insert{Meta: ot.Meta{ID: uuid.New(), UserID: user, ExpectedSeq: expected}, Pos: pos, Text: text}
}

func deleteOp(user string, pos, n int, expected uint64) ot.Delete {
	return ot.Delete{Meta: ot.Meta{ID: uuid.New(), UserID: user, ExpectedSeq: expected}, Pos: pos, Len: n}
}

func replaceOp(user string, start, end int, text string, expected uint64) ot.Replace {
	return ot.Replace{Meta: ot.Meta{ID: uuid.New(), UserID: user, ExpectedSeq: expected}, Start: start, End: end, Text: text}
}

func (f *fixture) join(t *testing.T, pageID, user string) {
	t.Helper()
	if _, err := f.service.Join(context.Background(), pageID, user, user); err != nil {
		t.Fatalf("join %s: %v", user, err)
	}
}

func (f *fixture) content(t *testing.T, pageID string) string {
	t.Helper()
	snap, err := f.service.Snapshot(context.Background(), pageID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap.Content
}

func TestProcessOperationWithoutSession(t *testing.T) {
	f := newFixture()
	_, err := f.service.ProcessOperation(context.Background(), "ghost", insertOp("alice", 0, "x", 0))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestJoinSeedsContentFromPageProvider(t *testing.T) {
	f := newFixture()
	f.pages.SetContent("page", "seeded text")
	f.join(t, "page", "alice")
	if got := f.content(t, "page"); got != "seeded text" {
		t.Fatalf("content %q, want %q", got, "seeded text")
	}
	snap, err := f.service.Snapshot(context.Background(), "page")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Users) != 1 || snap.Users[0].UserID != "alice" {
		t.Fatalf("users %+v", snap.Users)
	}
	if snap.Users[0].Color == "" {
		t.Fatal("no cursor color assigned")
	}
}

func TestMonotonicSequenceAssignment(t *testing.T) {
	f := newFixture()
	f.join(t, "page", "alice")
	for i := 1; i <= 10; i++ {
		// Clients track the server sequence, so expected always
		// matches here and no transform is needed.
		p, err := f.service.ProcessOperation(context.Background(), "page",
			insertOp("alice", 0, "x", uint64(i-1)))
		if err != nil {
			t.Fatal(err)
		}
		if p.Seq != uint64(i) {
			t.Fatalf("op %d assigned seq %d", i, p.Seq)
		}
		if p.Op.OpMeta().ServerSeq != uint64(i) {
			t.Fatalf("op %d stamped seq %d", i, p.Op.OpMeta().ServerSeq)
		}
	}
}

func TestConcurrentInsertsAtSamePosition(t *testing.T) {
	// Content "ab": A and B both insert at position 1 against seq 0.
	// B arrives second, transforms against A's insert (tie keeps it in
	// place) and the merged result is "aYXb".
	f := newFixture()
	f.pages.SetContent("page", "ab")
	f.join(t, "page", "alice")
	f.join(t, "page", "bob")

	pa, err := f.service.ProcessOperation(context.Background(), "page", insertOp("alice", 1, "X", 0))
	if err != nil {
		t.Fatal(err)
	}
	if pa.Seq != 1 {
		t.Fatalf("first op seq %d", pa.Seq)
	}

	pb, err := f.service.ProcessOperation(context.Background(), "page", insertOp("bob", 1, "Y", 0))
	if err != nil {
		t.Fatal(err)
	}
	if pb.Seq != 2 {
		t.Fatalf("second op seq %d", pb.Seq)
	}
	got, ok := pb.Op.(ot.Insert)
	if !ok || got.Pos != 1 {
		t.Fatalf("transformed op %#v, want insert at 1", pb.Op)
	}
	if content := f.content(t, "page"); content != "aYXb" {
		t.Fatalf("content %q, want %q", content, "aYXb")
	}
}

func TestLaggingInsertAfterDelete(t *testing.T) {
	// "hello world": the delete of "hello" lands first; a lagging
	// insert at 0 passes through unchanged.
	f := newFixture()
	f.pages.SetContent("page", "hello world")
	f.join(t, "page", "alice")
	f.join(t, "page", "bob")

	if _, err := f.service.ProcessOperation(context.Background(), "page", deleteOp("alice", 0, 5, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.ProcessOperation(context.Background(), "page", insertOp("bob", 0, "Hi ", 0)); err != nil {
		t.Fatal(err)
	}
	if content := f.content(t, "page"); content != "Hi  world" {
		t.Fatalf("content %q, want %q", content, "Hi  world")
	}
}

func TestOverlappingReplacesCollapse(t *testing.T) {
	f := newFixture()
	f.pages.SetContent("page", "abcdef")
	f.join(t, "page", "alice")
	f.join(t, "page", "bob")

	if _, err := f.service.ProcessOperation(context.Background(), "page", replaceOp("alice", 1, 4, "XY", 0)); err != nil {
		t.Fatal(err)
	}
	p, err := f.service.ProcessOperation(context.Background(), "page", replaceOp("bob", 2, 5, "Z", 0))
	if err != nil {
		t.Fatalf("overlapping replace should collapse, not fail: %v", err)
	}
	collapsed, ok := p.Op.(ot.Insert)
	if !ok {
		t.Fatalf("transformed op %#v, want collapse to insert", p.Op)
	}
	if collapsed.Pos != 1 || collapsed.Text != "Z" {
		t.Fatalf("collapsed to %#v", collapsed)
	}
	if content := f.content(t, "page"); content != "aZXYef" {
		t.Fatalf("content %q, want %q", content, "aZXYef")
	}
}

func TestLaggingClientBeyondRetainedHistory(t *testing.T) {
	// With a history ring of 1, the first operation is trimmed as soon
	// as the second lands. A client still at sequence 0 can no longer be
	// transformed correctly, so its submission must fail as a conflict
	// instead of being merged against the partial history.
	f := newFixture()
	f.service.cfg.HistoryLimit = 1
	ctx := context.Background()
	f.pages.SetContent("page", "aaaaaaaaaabbbbbbbbbb")
	f.join(t, "page", "alice")
	f.join(t, "page", "bob")

	if _, err := f.service.ProcessOperation(ctx, "page", deleteOp("alice", 0, 10, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.ProcessOperation(ctx, "page", insertOp("alice", 0, "C", 1)); err != nil {
		t.Fatal(err)
	}
	before := f.content(t, "page")

	_, err := f.service.ProcessOperation(ctx, "page", insertOp("bob", 5, "X", 0))
	if !errors.Is(err, ot.ErrConflict) {
		t.Fatalf("got %v, want conflict", err)
	}
	if after := f.content(t, "page"); after != before {
		t.Fatalf("rejected operation mutated content: %q -> %q", before, after)
	}

	// A client that has seen everything still retained is unaffected.
	if _, err := f.service.ProcessOperation(ctx, "page", insertOp("bob", 0, "y", 2)); err != nil {
		t.Fatal(err)
	}
}

func TestDuplicateSubmissionRejected(t *testing.T) {
	f := newFixture()
	f.pages.SetContent("page", "ab")
	f.join(t, "page", "alice")

	op := insertOp("alice", 0, "x", 0)
	if _, err := f.service.ProcessOperation(context.Background(), "page", op); err != nil {
		t.Fatal(err)
	}
	before := f.content(t, "page")

	_, err := f.service.ProcessOperation(context.Background(), "page", op)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}
	if after := f.content(t, "page"); after != before {
		t.Fatalf("duplicate mutated content: %q -> %q", before, after)
	}
}

func TestValidationFailureLeavesSessionUntouched(t *testing.T) {
	f := newFixture()
	f.pages.SetContent("page", "ab")
	f.join(t, "page", "alice")

	_, err := f.service.ProcessOperation(context.Background(), "page", insertOp("alice", 99, "x", 0))
	var ve *ot.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("got %v, want validation error", err)
	}
	snap, err := f.service.Snapshot(context.Background(), "page")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Content != "ab" || snap.Seq != 0 {
		t.Fatalf("session mutated: %+v", snap)
	}
	if len(f.bcast.operations) != 0 {
		t.Fatal("rejected operation was broadcast")
	}
}

func TestOperationBroadcastToTransport(t *testing.T) {
	f := newFixture()
	f.pages.SetContent("page", "ab")
	f.join(t, "page", "alice")

	if _, err := f.service.ProcessOperation(context.Background(), "page", insertOp("alice", 1, "z", 0)); err != nil {
		t.Fatal(err)
	}
	if len(f.bcast.operations) != 1 {
		t.Fatalf("broadcast %d operations, want 1", len(f.bcast.operations))
	}
	if f.bcast.operations[0].OpMeta().ServerSeq != 1 {
		t.Fatal("broadcast operation missing assigned sequence")
	}
}

func TestCursorUpdate(t *testing.T) {
	f := newFixture()
	f.join(t, "page", "alice")
	if err := f.service.UpdateCursor(context.Background(), "page", "alice", session.CursorPosition{Pos: 3}); err != nil {
		t.Fatal(err)
	}
	if len(f.bcast.cursors) != 1 || f.bcast.cursors[0] != "alice" {
		t.Fatalf("cursor broadcasts %v", f.bcast.cursors)
	}
	if err := f.service.UpdateCursor(context.Background(), "ghost", "alice", session.CursorPosition{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestReaperRemovesIdleSessions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.join(t, "idle", "alice")
	if err := f.service.Leave(ctx, "idle", "alice"); err != nil {
		t.Fatal(err)
	}
	f.join(t, "busy", "bob")

	// Not past the threshold yet: nothing is reaped.
	*f.clock = t0.Add(10 * time.Minute)
	if n := f.service.ReapIdle(ctx); n != 0 {
		t.Fatalf("reaped %d sessions early", n)
	}

	// Way past the threshold: only the empty session goes, no matter
	// how old the occupied one is.
	*f.clock = t0.Add(48 * time.Hour)
	if n := f.service.ReapIdle(ctx); n != 1 {
		t.Fatalf("reaped %d sessions, want 1", n)
	}
	if _, err := f.service.Snapshot(ctx, "idle"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("idle session still present: %v", err)
	}
	if _, err := f.service.Snapshot(ctx, "busy"); err != nil {
		t.Fatalf("occupied session reaped: %v", err)
	}
}

func TestRejoinKeepsEditedContent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.pages.SetContent("page", "base")
	f.join(t, "page", "alice")
	if _, err := f.service.ProcessOperation(ctx, "page", insertOp("alice", 4, "!", 0)); err != nil {
		t.Fatal(err)
	}
	if err := f.service.Leave(ctx, "page", "alice"); err != nil {
		t.Fatal(err)
	}
	// The session idles but is not reaped; a rejoin resumes it.
	f.join(t, "page", "bob")
	if got := f.content(t, "page"); got != "base!" {
		t.Fatalf("content %q, want %q", got, "base!")
	}
}

func TestCommitArchivesRevisionAndDropsSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.pages.SetContent("page", "ab")
	f.join(t, "page", "alice")
	f.join(t, "page", "bob")
	if _, err := f.service.ProcessOperation(ctx, "page", insertOp("alice", 0, "x", 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.ProcessOperation(ctx, "page", insertOp("bob", 0, "y", 1)); err != nil {
		t.Fatal(err)
	}

	rev, err := f.service.Commit(ctx, "page")
	if err != nil {
		t.Fatal(err)
	}
	if rev.Content != "yxab" || rev.Seq != 2 {
		t.Fatalf("revision %+v", rev)
	}
	if len(rev.Contributors) != 2 {
		t.Fatalf("contributors %v", rev.Contributors)
	}
	if got := f.revisions.Revisions(); len(got) != 1 {
		t.Fatalf("archived %d revisions", len(got))
	}
	if _, err := f.service.Snapshot(ctx, "page"); !errors.Is(err, ErrNotFound) {
		t.Fatal("session survived commit")
	}
}

func TestPagesProcessIndependently(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.pages.SetContent("a", "")
	f.pages.SetContent("b", "")
	f.join(t, "a", "alice")
	f.join(t, "b", "bob")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		seq := uint64(i)
		go func() {
			defer wg.Done()
			f.service.ProcessOperation(ctx, "a", insertOp("alice", 0, "x", seq))
		}()
		go func() {
			defer wg.Done()
			f.service.ProcessOperation(ctx, "b", insertOp("bob", 0, "y", seq))
		}()
	}
	wg.Wait()

	snapA, err := f.service.Snapshot(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	snapB, err := f.service.Snapshot(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if int(snapA.Seq) != len(snapA.Content) || int(snapB.Seq) != len(snapB.Content) {
		t.Fatalf("content/sequence drift: a=%d/%d b=%d/%d",
			snapA.Seq, len(snapA.Content), snapB.Seq, len(snapB.Content))
	}
}

func TestPageLockMapDoesNotAccumulate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		page := fmt.Sprintf("page-%d", i)
		f.join(t, page, "alice")
		if _, err := f.service.ProcessOperation(ctx, page, insertOp("alice", 0, "x", 0)); err != nil {
			t.Fatal(err)
		}
		if _, err := f.service.Commit(ctx, page); err != nil {
			t.Fatal(err)
		}
	}

	f.service.mu.Lock()
	n := len(f.service.locks)
	f.service.mu.Unlock()
	if n != 0 {
		t.Fatalf("%d page locks retained with no work in flight", n)
	}
}
