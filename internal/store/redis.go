package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"collabwiki/internal/ot"
	"collabwiki/internal/session"
)

const activeSessionsKey = "active_sessions"

// RedisStore keeps live sessions in redis so every server instance sees
// the same state. Sessions expire after TTL as a backstop; the reaper is
// the primary cleanup path.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// sessionDoc is the JSON document stored under session:<page>. History
// entries use the operation wire form.
type sessionDoc struct {
	PageID       string                          `json:"page_id"`
	Content      string                          `json:"content"`
	Seq          uint64                          `json:"sequence_number"`
	Users        map[string]session.UserPresence `json:"users"`
	History      []json.RawMessage               `json:"history"`
	HistoryLimit int                             `json:"history_limit"`
	Contributors []string                        `json:"contributors"`
	CreatedAt    time.Time                       `json:"created_at"`
	LastActivity time.Time                       `json:"last_activity"`
}

func sessionKey(pageID string) string {
	return fmt.Sprintf("session:%s", pageID)
}

func (r *RedisStore) Get(ctx context.Context, pageID string) (session.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(pageID)).Result()
	if err == redis.Nil {
		return session.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session %s: %w", pageID, err)
	}

	var doc sessionDoc
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return session.Session{}, fmt.Errorf("decode session %s: %w", pageID, err)
	}
	history, err := ot.DecodeOps(doc.History)
	if err != nil {
		return session.Session{}, fmt.Errorf("decode session %s history: %w", pageID, err)
	}
	contributors := make(map[string]struct{}, len(doc.Contributors))
	for _, id := range doc.Contributors {
		contributors[id] = struct{}{}
	}
	users := doc.Users
	if users == nil {
		users = map[string]session.UserPresence{}
	}
	return session.Session{
		PageID:       doc.PageID,
		Content:      doc.Content,
		Seq:          doc.Seq,
		Users:        users,
		History:      history,
		HistoryLimit: doc.HistoryLimit,
		Contributors: contributors,
		CreatedAt:    doc.CreatedAt,
		LastActivity: doc.LastActivity,
	}, nil
}

func (r *RedisStore) Save(ctx context.Context, s session.Session) error {
	history, err := ot.EncodeOps(s.History)
	if err != nil {
		return fmt.Errorf("encode session %s history: %w", s.PageID, err)
	}
	doc := sessionDoc{
		PageID:       s.PageID,
		Content:      s.Content,
		Seq:          s.Seq,
		Users:        s.Users,
		History:      history,
		HistoryLimit: s.HistoryLimit,
		Contributors: s.ContributorIDs(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.PageID, err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, sessionKey(s.PageID), data, r.ttl)
	pipe.SAdd(ctx, activeSessionsKey, s.PageID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session %s: %w", s.PageID, err)
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, pageID string) error {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, sessionKey(pageID))
	pipe.SRem(ctx, activeSessionsKey, pageID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove session %s: %w", pageID, err)
	}
	return nil
}

func (r *RedisStore) ListActive(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return ids, nil
}
