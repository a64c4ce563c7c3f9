// Package collab orchestrates collaborative editing: it validates
// incoming operations, transforms them against the history a lagging
// client has not seen, assigns server sequence numbers, applies them to
// the session and persists the result. It also owns user join/leave,
// cursor updates, revision commits and idle-session reaping.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"collabwiki/internal/ot"
	"collabwiki/internal/session"
	"collabwiki/internal/store"
)

// Service-level errors. Validation errors surface as *ot.ValidationError
// and transform failures wrap ot.ErrConflict; everything else is a
// server error.
var (
	ErrNotFound  = errors.New("no active session for page")
	ErrDuplicate = errors.New("operation already applied")
)

// Broadcaster pushes processed events to the other members of a session.
// The transport behind it is an external collaborator; the service only
// hands it payloads and logs delivery failures.
type Broadcaster interface {
	BroadcastOperation(ctx context.Context, pageID string, op ot.Op) error
	BroadcastCursor(ctx context.Context, pageID, userID string, cur session.CursorPosition) error
	BroadcastPresence(ctx context.Context, pageID string, users []session.UserPresence) error
}

// Config carries the externally supplied tuning values.
type Config struct {
	// IdleThreshold is how long a session with no connected users lives
	// before the reaper removes it.
	IdleThreshold time.Duration
	// HistoryLimit bounds the per-session operation history ring.
	HistoryLimit int
}

// Processed is the outcome of a successful operation submission: the
// transformed, sequence-stamped operation that gets broadcast to the
// other clients.
type Processed struct {
	Op  ot.Op
	Seq uint64
}

// Snapshot is a read-only view of a session for the HTTP API and for
// clients joining mid-edit.
type Snapshot struct {
	PageID  string                 `json:"page_id"`
	Content string                 `json:"content"`
	Seq     uint64                 `json:"sequence_number"`
	Users   []session.UserPresence `json:"users"`
}

// Service is the authoritative entry point for everything that mutates a
// session. All work for one page is serialized behind that page's mutex;
// different pages proceed in parallel. No code path takes two page locks
// at once.
type Service struct {
	store   store.SessionStore
	pages   store.PageProvider
	archive store.RevisionArchiver
	bcast   Broadcaster
	cfg     Config
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*pageLock
}

// New creates a Service. Broadcaster may be nil when no transport is
// attached (tests, offline tools).
func New(st store.SessionStore, pages store.PageProvider, archive store.RevisionArchiver, bcast Broadcaster, cfg Config) *Service {
	return &Service{
		store:   st,
		pages:   pages,
		archive: archive,
		bcast:   bcast,
		cfg:     cfg,
		now:     time.Now,
		locks:   make(map[string]*pageLock),
	}
}

// pageLock serializes all work on one page. Entries are refcounted so
// the map only holds pages with in-flight work; committed and reaped
// pages do not accumulate.
type pageLock struct {
	mu   sync.Mutex
	refs int
}

func (s *Service) lockPage(pageID string) *pageLock {
	s.mu.Lock()
	l, ok := s.locks[pageID]
	if !ok {
		l = &pageLock{}
		s.locks[pageID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return l
}

func (s *Service) unlockPage(pageID string, l *pageLock) {
	l.mu.Unlock()
	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, pageID)
	}
	s.mu.Unlock()
}

// ProcessOperation runs one submission through the full pipeline:
// dedupe, validate, transform against missed history, assign the next
// sequence number, apply, persist, broadcast. On any failure before
// persistence the session is left untouched.
func (s *Service) ProcessOperation(ctx context.Context, pageID string, op ot.Op) (Processed, error) {
	l := s.lockPage(pageID)
	defer s.unlockPage(pageID, l)

	sess, err := s.store.Get(ctx, pageID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return Processed{}, ErrNotFound
	}
	if err != nil {
		return Processed{}, fmt.Errorf("load session: %w", err)
	}

	meta := op.OpMeta()
	if sess.HasOperation(meta.ID.String()) {
		return Processed{}, ErrDuplicate
	}
	if err := op.Validate(sess.Content); err != nil {
		return Processed{}, err
	}

	applied := op
	if meta.ExpectedSeq < sess.Seq {
		missed := sess.OperationsSince(meta.ExpectedSeq)
		// The retained history is contiguous and ends at sess.Seq. If the
		// ring has already dropped entries the client has not seen, the
		// fold set is incomplete and transforming over it would mis-merge
		// the operation.
		if uint64(len(missed)) != sess.Seq-meta.ExpectedSeq {
			return Processed{}, fmt.Errorf("%w: history for page %s no longer reaches back to sequence %d", ot.ErrConflict, pageID, meta.ExpectedSeq)
		}
		for _, past := range missed {
			if ot.Conflicts(op, past) {
				log.Printf("page %s: op %s overlaps seq %d from %s", pageID, meta.ID, past.OpMeta().ServerSeq, past.OpMeta().UserID)
			}
		}
		applied, err = ot.TransformAgainstHistory(op, missed)
		if err != nil {
			return Processed{}, err
		}
	}

	applied = applied.WithServerSeq(sess.Seq + 1)
	sess, err = sess.WithOperation(applied, s.now())
	if err != nil {
		return Processed{}, fmt.Errorf("apply operation %s: %w", meta.ID, err)
	}
	if err := s.store.Save(ctx, sess); err != nil {
		return Processed{}, fmt.Errorf("save session: %w", err)
	}

	if s.bcast != nil {
		if err := s.bcast.BroadcastOperation(ctx, pageID, applied); err != nil {
			log.Printf("page %s: broadcast op %s: %v", pageID, meta.ID, err)
		}
	}
	return Processed{Op: applied, Seq: applied.OpMeta().ServerSeq}, nil
}

// Join adds a user to a page's session, creating the session lazily with
// content seeded from the page provider.
func (s *Service) Join(ctx context.Context, pageID, userID, displayName string) (session.UserPresence, error) {
	l := s.lockPage(pageID)
	defer s.unlockPage(pageID, l)

	now := s.now()
	sess, err := s.store.Get(ctx, pageID)
	if errors.Is(err, store.ErrSessionNotFound) {
		content, perr := s.pages.InitialContent(ctx, pageID)
		if perr != nil {
			return session.UserPresence{}, fmt.Errorf("bootstrap page %s: %w", pageID, perr)
		}
		sess = session.New(pageID, content, s.cfg.HistoryLimit, now)
	} else if err != nil {
		return session.UserPresence{}, fmt.Errorf("load session: %w", err)
	}

	p := session.UserPresence{
		UserID:      userID,
		DisplayName: displayName,
		Color:       session.ColorFor(userID),
		LastSeen:    now,
	}
	sess = sess.WithUser(p, now)
	if err := s.store.Save(ctx, sess); err != nil {
		return session.UserPresence{}, fmt.Errorf("save session: %w", err)
	}
	s.broadcastPresence(ctx, sess)
	return p, nil
}

// Leave removes a user's presence. The session stays in the store so a
// rejoin picks up where editing left off; the reaper removes it if
// nobody comes back.
func (s *Service) Leave(ctx context.Context, pageID, userID string) error {
	l := s.lockPage(pageID)
	defer s.unlockPage(pageID, l)

	sess, err := s.store.Get(ctx, pageID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	sess = sess.WithoutUser(userID, s.now())
	if err := s.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.broadcastPresence(ctx, sess)
	return nil
}

// UpdateCursor moves a connected user's cursor.
func (s *Service) UpdateCursor(ctx context.Context, pageID, userID string, cur session.CursorPosition) error {
	l := s.lockPage(pageID)
	defer s.unlockPage(pageID, l)

	sess, err := s.store.Get(ctx, pageID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	sess = sess.WithCursor(userID, cur, s.now())
	if err := s.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if s.bcast != nil {
		if err := s.bcast.BroadcastCursor(ctx, pageID, userID, cur); err != nil {
			log.Printf("page %s: broadcast cursor for %s: %v", pageID, userID, err)
		}
	}
	return nil
}

// Snapshot returns the session's current content, sequence number and
// connected users.
func (s *Service) Snapshot(ctx context.Context, pageID string) (Snapshot, error) {
	l := s.lockPage(pageID)
	defer s.unlockPage(pageID, l)

	sess, err := s.store.Get(ctx, pageID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load session: %w", err)
	}
	users := make([]session.UserPresence, 0, len(sess.Users))
	for _, p := range sess.Users {
		users = append(users, p)
	}
	return Snapshot{PageID: pageID, Content: sess.Content, Seq: sess.Seq, Users: users}, nil
}

// Commit archives the session's content as a durable revision and drops
// the session. The next join starts over from the page provider.
func (s *Service) Commit(ctx context.Context, pageID string) (store.Revision, error) {
	l := s.lockPage(pageID)
	defer s.unlockPage(pageID, l)

	sess, err := s.store.Get(ctx, pageID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return store.Revision{}, ErrNotFound
	}
	if err != nil {
		return store.Revision{}, fmt.Errorf("load session: %w", err)
	}

	rev := store.Revision{
		PageID:       pageID,
		Content:      sess.Content,
		Seq:          sess.Seq,
		Contributors: sess.ContributorIDs(),
		CreatedAt:    s.now(),
	}
	if err := s.archive.SaveRevision(ctx, rev); err != nil {
		return store.Revision{}, fmt.Errorf("archive revision: %w", err)
	}
	if err := s.store.Remove(ctx, pageID); err != nil {
		return store.Revision{}, fmt.Errorf("drop session: %w", err)
	}
	log.Printf("page %s: committed revision at seq %d (%d contributors)", pageID, rev.Seq, len(rev.Contributors))
	return rev, nil
}

func (s *Service) broadcastPresence(ctx context.Context, sess session.Session) {
	if s.bcast == nil {
		return
	}
	users := make([]session.UserPresence, 0, len(sess.Users))
	for _, p := range sess.Users {
		users = append(users, p)
	}
	if err := s.bcast.BroadcastPresence(ctx, sess.PageID, users); err != nil {
		log.Printf("page %s: broadcast presence: %v", sess.PageID, err)
	}
}
