package tunnel

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tumanvpn/tuman/internal/observability"
	"github.com/tumanvpn/tuman/internal/util"
)

// pollConcurrency caps parallel slot reads per tick so a large pool
// does not hammer the document store.
const pollConcurrency = 8

// scrubWritePool clears every write slot before the first frame goes
// out, so the peer's baseline snapshot never sees a previous run's
// leftovers as fresh traffic.
func (s *Session) scrubWritePool() {
	g, ctx := errgroup.WithContext(s.ctx)
	g.SetLimit(pollConcurrency)
	for _, slot := range s.sched.Slots() {
		g.Go(func() error {
			if err := s.store.Clear(ctx, slot); err != nil {
				util.Warnf("slot %q: startup clear failed: %v", slot, err)
			}
			return nil
		})
	}
	g.Wait()
}

// primeBaselines records the current revision of every read slot.
// Anything already sitting in the pool predates this session and must
// not be delivered.
func (s *Session) primeBaselines() {
	g, ctx := errgroup.WithContext(s.ctx)
	g.SetLimit(pollConcurrency)
	for _, slot := range s.readSlots {
		g.Go(func() error {
			rec, err := s.store.Read(ctx, slot)
			if err != nil {
				util.Warnf("slot %q: baseline read failed: %v", slot, err)
				return nil
			}
			s.trackMu.Lock()
			s.revs[slot] = rec.Revision
			s.trackMu.Unlock()
			return nil
		})
	}
	g.Wait()
}

// runPoller rescans the read pool on every tick, plus any write slots
// waiting for the peer's consumed-signal. Per-slot work runs
// concurrently; the inflight set keeps a slow slot from being scanned
// twice.
func (s *Session) runPoller(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Settings.PollInterval.Std())
	defer ticker.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pollConcurrency)

	inflight := make(map[string]bool)
	release := func(slot string) {
		s.trackMu.Lock()
		delete(inflight, slot)
		s.trackMu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			g.Wait()
			return ctx.Err()
		case <-ticker.C:
		}

		observability.SlotsFree.Set(float64(s.sched.FreeCount()))

		for _, slot := range s.pollTargets() {
			s.trackMu.Lock()
			busy := inflight[slot]
			if !busy {
				inflight[slot] = true
			}
			s.trackMu.Unlock()
			if busy {
				continue
			}

			g.Go(func() error {
				defer release(slot)
				s.checkSlot(gctx, slot)
				return nil
			})
		}
	}
}

// pollTargets lists the slots worth reading this tick: the whole read
// pool plus write slots whose clear we are waiting on.
func (s *Session) pollTargets() []string {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()

	targets := make([]string, 0, len(s.readSlots)+len(s.awaitClear))
	targets = append(targets, s.readSlots...)
	for slot := range s.awaitClear {
		targets = append(targets, slot)
	}
	return targets
}

// checkSlot reads one slot and reacts to what changed. Read slots
// yield frames; awaited write slots coming back empty mean the peer
// consumed them, so their scheduler entry is freed.
func (s *Session) checkSlot(ctx context.Context, slot string) {
	rec, err := s.store.Read(ctx, slot)
	if err != nil {
		observability.TransportErrorsTotal.Inc()
		util.Debugf("slot %q: read failed: %v", slot, err)
		return
	}

	s.trackMu.Lock()
	_, awaited := s.awaitClear[slot]
	prev, seen := s.revs[slot]
	s.revs[slot] = rec.Revision
	if awaited && len(rec.Payload) == 0 {
		delete(s.awaitClear, slot)
	}
	s.trackMu.Unlock()

	if awaited {
		if len(rec.Payload) == 0 {
			s.sched.Release(slot)
			util.Debugf("slot %q: consumed by peer, recycled", slot)
		}
		return
	}

	if seen && rec.Revision == prev {
		return
	}
	if len(rec.Payload) == 0 {
		return
	}

	f, err := s.codec.Decode(s.recvDir, rec.Payload)
	if err != nil {
		observability.IntegrityDropsTotal.Inc()
		util.Warnf("slot %q: undecodable frame dropped: %v", slot, err)
		if s.cfg.Settings.CleanupChunks {
			s.clearSlot(ctx, slot)
		}
		return
	}

	observability.FramesTotal.WithLabelValues("received").Inc()
	s.deliver(f)

	if s.cfg.Settings.CleanupChunks {
		s.clearSlot(ctx, slot)
	}
}

// clearSlot empties a consumed read slot, which is the signal that
// frees the matching scheduler entry on the peer.
func (s *Session) clearSlot(ctx context.Context, slot string) {
	if err := s.store.Clear(ctx, slot); err != nil {
		observability.TransportErrorsTotal.Inc()
		util.Warnf("slot %q: clear failed: %v", slot, err)
	}
}
