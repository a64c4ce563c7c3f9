// Package store provides the storage boundaries of the collaboration
// core: a key-addressed session store plus the narrow page-content and
// revision-archive collaborators. The core depends only on the
// interfaces here; redis and mongo back them in production and the
// memory implementations back them in tests and standalone mode.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"collabwiki/internal/session"
)

// Sentinel errors.
var (
	ErrSessionNotFound = errors.New("session not found")
)

// SessionStore is keyed storage for collaboration sessions.
type SessionStore interface {
	// Get returns the session for a page, or ErrSessionNotFound.
	Get(ctx context.Context, pageID string) (session.Session, error)
	// Save stores or replaces the session for its page.
	Save(ctx context.Context, s session.Session) error
	// Remove deletes the session for a page. Removing a missing session
	// is not an error.
	Remove(ctx context.Context, pageID string) error
	// ListActive returns the page IDs of every stored session.
	ListActive(ctx context.Context) ([]string, error)
}

// PageProvider supplies a page's current content when a session is
// bootstrapped. The core never writes back through it.
type PageProvider interface {
	InitialContent(ctx context.Context, pageID string) (string, error)
}

// Revision is a durable snapshot of a page produced when a session is
// committed.
type Revision struct {
	PageID       string    `json:"page_id" bson:"page_id"`
	Content      string    `json:"content" bson:"content"`
	Seq          uint64    `json:"sequence_number" bson:"sequence_number"`
	Contributors []string  `json:"contributors" bson:"contributors"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
}

// RevisionArchiver stores committed revisions.
type RevisionArchiver interface {
	SaveRevision(ctx context.Context, rev Revision) error
}

// MemoryStore is an in-memory SessionStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]session.Session)}
}

func (m *MemoryStore) Get(_ context.Context, pageID string) (session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[pageID]
	if !ok {
		return session.Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *MemoryStore) Save(_ context.Context, s session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.PageID] = s
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, pageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, pageID)
	return nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

// MemoryPages is an in-memory PageProvider. Unknown pages start empty.
type MemoryPages struct {
	mu    sync.RWMutex
	pages map[string]string
}

func NewMemoryPages() *MemoryPages {
	return &MemoryPages{pages: make(map[string]string)}
}

func (m *MemoryPages) SetContent(pageID, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[pageID] = content
}

func (m *MemoryPages) InitialContent(_ context.Context, pageID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pages[pageID], nil
}

// MemoryRevisions is an in-memory RevisionArchiver.
type MemoryRevisions struct {
	mu        sync.Mutex
	revisions []Revision
}

func NewMemoryRevisions() *MemoryRevisions {
	return &MemoryRevisions{}
}

func (m *MemoryRevisions) SaveRevision(_ context.Context, rev Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revisions = append(m.revisions, rev)
	return nil
}

func (m *MemoryRevisions) Revisions() []Revision {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Revision, len(m.revisions))
	copy(out, m.revisions)
	return out
}
