package collab

import (
	"context"
	"errors"
	"log"
	"time"

	"collabwiki/internal/store"
)

// RunReaper sweeps for idle sessions every interval until ctx is
// cancelled. The inactivity threshold comes from the service config.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReapIdle(ctx)
		}
	}
}

// ReapIdle removes every session that has had no connected users for
// longer than the configured threshold. Each candidate is re-checked
// under its page lock so a sweep never races an in-flight operation or
// rejoin. Returns the number of sessions removed.
func (s *Service) ReapIdle(ctx context.Context) int {
	ids, err := s.store.ListActive(ctx)
	if err != nil {
		log.Printf("reaper: list sessions: %v", err)
		return 0
	}

	reaped := 0
	for _, pageID := range ids {
		l := s.lockPage(pageID)
		sess, err := s.store.Get(ctx, pageID)
		switch {
		case err == nil && sess.IsInactive(s.cfg.IdleThreshold, s.now()):
			if err := s.store.Remove(ctx, pageID); err != nil {
				log.Printf("reaper: remove session %s: %v", pageID, err)
			} else {
				log.Printf("reaper: removed idle session %s (last activity %s)", pageID, sess.LastActivity.Format(time.RFC3339))
				reaped++
			}
		case err != nil && !errors.Is(err, store.ErrSessionNotFound):
			log.Printf("reaper: load session %s: %v", pageID, err)
		}
		s.unlockPage(pageID, l)
	}
	return reaped
}
