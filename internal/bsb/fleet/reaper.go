package fleet

import "time"

// StartReaper launches the background reaper (every reaperInterval) and
// the url_token GC (every 60s) as goroutines. Both loops exit when the
// store is stopped with Stop.
func (s *Store) StartReaper(reaperInterval time.Duration) {
	go s.reaperLoop(reaperInterval)
	go s.tokenGCLoop(60 * time.Second)
}

func (s *Store) reaperLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reapOnce()
		}
	}
}

// reapOnce releases any session whose heartbeat has gone stale, or whose
// WebSocket presence has lapsed past the grace period.
func (s *Store) reapOnce() {
	s.mu.Lock()
	now := time.Now()
	var toRelease []int
	for slotID, sess := range s.sessions {
		if now.Sub(sess.LastHeartbeatAt) > s.sessionTimeout {
			toRelease = append(toRelease, slotID)
			continue
		}
		pastGrace := now.Sub(sess.AssignedAt) > s.assignmentGrace
		idleWS := sess.ActiveWSCount == 0 && !sess.LastWSGoneAt.IsZero() && now.Sub(sess.LastWSGoneAt) > s.wsPresenceTimeout
		if pastGrace && idleWS {
			toRelease = append(toRelease, slotID)
		}
	}
	for _, slotID := range toRelease {
		s.releaseLocked(slotID)
		s.incMetric("reaper_evictions")
		s.log.Info("reaper released slot %d", slotID)
	}
	s.mu.Unlock()
}

func (s *Store) tokenGCLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.gcExpiredTokens()
		}
	}
}

func (s *Store) gcExpiredTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for token, entry := range s.urlTokenInfo {
		if now.Sub(entry.mintedAt) > s.urlTokenTTL {
			delete(s.urlTokenInfo, token)
		}
	}
}
