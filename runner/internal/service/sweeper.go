package service

import (
	"context"
	"time"
)

// RunSweeper expires idle threads and forgets finished runs every interval
// until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one expiry pass and reports what it removed.
func (s *Service) Sweep() (threads, runs, registrations int) {
	now := s.now()

	s.mu.Lock()
	if s.threadTTL > 0 {
		for id, t := range s.threads {
			if now.Sub(t.LastUsedAt) >= s.threadTTL {
				delete(s.threads, id)
				threads++
			}
		}
	}
	for id, run := range s.runs {
		if run.CompletedAt != nil && now.Sub(*run.CompletedAt) >= s.retention {
			delete(s.runs, id)
			runs++
		}
	}
	s.mu.Unlock()

	registrations = s.hub.Sweep(s.retention, now)
	if threads+runs+registrations > 0 {
		s.logger.Info("sweep finished", "threads_expired", threads, "runs_removed", runs, "registrations_removed", registrations)
	}
	return threads, runs, registrations
}
