// Package session holds the per-page collaboration state: current
// content, sequence counter, connected users and the bounded operation
// history used to transform lagging clients.
//
// Session is a value type. Mutation happens through With methods that
// return an updated copy, so callers never share hidden aliases and the
// per-page locking in the service stays easy to reason about.
package session

import (
	"hash/fnv"
	"time"

	"collabwiki/internal/ot"
)

// CursorPosition is a user's caret, with an optional selection extending
// to SelectionEnd.
type CursorPosition struct {
	Pos          int `json:"position"`
	SelectionEnd int `json:"selection_end"`
}

// UserPresence describes one connected user.
type UserPresence struct {
	UserID      string         `json:"user_id"`
	DisplayName string         `json:"display_name"`
	Color       string         `json:"color"`
	Cursor      CursorPosition `json:"cursor"`
	LastSeen    time.Time      `json:"last_seen"`
}

// Session is the authoritative state for one page. Content always equals
// the session's base content with every history entry applied in
// server-sequence order, and Seq equals the ServerSeq of the last applied
// operation.
type Session struct {
	PageID       string
	Content      string
	Seq          uint64
	Users        map[string]UserPresence
	History      []ot.Op
	HistoryLimit int
	Contributors map[string]struct{}
	CreatedAt    time.Time
	LastActivity time.Time
}

// New creates a session seeded with the page's current content.
func New(pageID, content string, historyLimit int, now time.Time) Session {
	return Session{
		PageID:       pageID,
		Content:      content,
		Users:        map[string]UserPresence{},
		HistoryLimit: historyLimit,
		Contributors: map[string]struct{}{},
		CreatedAt:    now,
		LastActivity: now,
	}
}

// WithOperation applies op to the content, appends it to history and
// advances the sequence counter to op's server sequence. The operation
// must already carry its assigned ServerSeq.
func (s Session) WithOperation(op ot.Op, now time.Time) (Session, error) {
	content, err := op.Apply(s.Content)
	if err != nil {
		return s, err
	}
	history := make([]ot.Op, 0, len(s.History)+1)
	history = append(history, s.History...)
	history = append(history, op)
	if s.HistoryLimit > 0 && len(history) > s.HistoryLimit {
		history = history[len(history)-s.HistoryLimit:]
	}
	contributors := cloneSet(s.Contributors)
	contributors[op.OpMeta().UserID] = struct{}{}

	s.Content = content
	s.Seq = op.OpMeta().ServerSeq
	s.History = history
	s.Contributors = contributors
	s.LastActivity = now
	return s, nil
}

// WithUser adds or replaces a user's presence.
func (s Session) WithUser(p UserPresence, now time.Time) Session {
	users := cloneUsers(s.Users)
	users[p.UserID] = p
	s.Users = users
	s.LastActivity = now
	return s
}

// WithoutUser removes a user's presence. Removing an unknown user is a
// no-op apart from touching activity.
func (s Session) WithoutUser(userID string, now time.Time) Session {
	users := cloneUsers(s.Users)
	delete(users, userID)
	s.Users = users
	s.LastActivity = now
	return s
}

// WithCursor updates a connected user's cursor. Unknown users are
// ignored; a cursor update is not a join.
func (s Session) WithCursor(userID string, cur CursorPosition, now time.Time) Session {
	p, ok := s.Users[userID]
	if !ok {
		return s
	}
	p.Cursor = cur
	p.LastSeen = now
	return s.WithUser(p, now)
}

// OperationsSince returns the history suffix with ServerSeq > seq, the
// fold set for a client whose believed sequence is seq.
func (s Session) OperationsSince(seq uint64) []ot.Op {
	for i, op := range s.History {
		if op.OpMeta().ServerSeq > seq {
			return s.History[i:]
		}
	}
	return nil
}

// HasOperation reports whether an operation ID is present in the
// retained history. Used for duplicate-submission rejection.
func (s Session) HasOperation(id string) bool {
	for _, op := range s.History {
		if op.OpMeta().ID.String() == id {
			return true
		}
	}
	return false
}

// IsInactive reports whether the session has no connected users and has
// seen no activity for longer than threshold.
func (s Session) IsInactive(threshold time.Duration, now time.Time) bool {
	return len(s.Users) == 0 && now.Sub(s.LastActivity) > threshold
}

// ContributorIDs returns the IDs of every user that ever had an
// operation applied, in no particular order.
func (s Session) ContributorIDs() []string {
	ids := make([]string, 0, len(s.Contributors))
	for id := range s.Contributors {
		ids = append(ids, id)
	}
	return ids
}

func cloneUsers(m map[string]UserPresence) map[string]UserPresence {
	out := make(map[string]UserPresence, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m)+1)
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// cursorColors is the palette cursors are rendered with. Assignment is a
// stable hash of the user ID so a user keeps their color across rejoins.
var cursorColors = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#008080",
}

// ColorFor picks a cursor color for a user.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return cursorColors[h.Sum32()%uint32(len(cursorColors))]
}
