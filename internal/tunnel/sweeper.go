package tunnel

import (
	"context"
	"time"
)

// runSweeper reclaims streams with no traffic in either direction for
// tunnel_idle_timeout. This is the backstop for peers that vanished
// without an RST (or whose RST found no free slot).
func (s *Session) runSweeper(ctx context.Context) error {
	idle := s.cfg.Settings.TunnelIdleTimeout.Std()
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-idle)

		s.mu.Lock()
		stale := make([]*Stream, 0)
		for _, st := range s.streams {
			if st.LastActivity().Before(cutoff) {
				stale = append(stale, st)
			}
		}
		s.mu.Unlock()

		for _, st := range stale {
			st.terminate(StateReset, "idle", true)
		}
	}
}
