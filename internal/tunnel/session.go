package tunnel

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tumanvpn/tuman/internal/config"
	"github.com/tumanvpn/tuman/internal/observability"
	"github.com/tumanvpn/tuman/internal/pool"
	"github.com/tumanvpn/tuman/internal/protocol"
	"github.com/tumanvpn/tuman/internal/store"
	"github.com/tumanvpn/tuman/internal/util"
)

// DialFunc opens the outbound connection for a server-side stream.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// DefaultDialer dials over TCP with the context's deadline.
func DefaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Session multiplexes streams over the two slot pools. One side writes
// frames into its write pool and polls the opposite pool for frames
// going the other way; the peer does the mirror image.
type Session struct {
	cfg   *config.Config
	codec *protocol.Codec
	sched *pool.Scheduler
	store store.Storage
	dial  DialFunc

	sendDir   protocol.Direction
	recvDir   protocol.Direction
	readSlots []string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32

	// Revision baselines and slots awaiting a consumed-signal from the
	// peer. Both maps are shared between poller goroutines.
	trackMu    sync.Mutex
	revs       map[string]int64
	awaitClear map[string]struct{}
}

// NewSession wires a session for the given role. The scheduler is
// seeded with the role's write pool; readSlots is the peer's.
func NewSession(ctx context.Context, cfg *config.Config, pl *config.Pool, codec *protocol.Codec, storage store.Storage, dial DialFunc) *Session {
	if dial == nil {
		dial = DefaultDialer
	}

	sendDir := protocol.ClientToServer
	recvDir := protocol.ServerToClient
	if cfg.Mode == config.ModeServer {
		sendDir, recvDir = recvDir, sendDir
	}

	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		cfg:        cfg,
		codec:      codec,
		sched:      pool.NewScheduler(pl.WriteSlots(cfg.Mode)),
		store:      storage,
		dial:       dial,
		sendDir:    sendDir,
		recvDir:    recvDir,
		readSlots:  pl.ReadSlots(cfg.Mode),
		ctx:        sctx,
		cancel:     cancel,
		streams:    make(map[uint32]*Stream),
		nextID:     rand.Uint32(),
		revs:       make(map[string]int64),
		awaitClear: make(map[string]struct{}),
	}
}

// Run drives the session until the context ends: it scrubs the write
// pool of leftovers from a previous run, snapshots revision baselines
// so stale frames are never replayed, then polls and sweeps.
func (s *Session) Run() error {
	defer s.cancel()

	s.scrubWritePool()
	s.primeBaselines()

	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return s.runPoller(ctx) })
	g.Go(func() error { return s.runSweeper(ctx) })
	err := g.Wait()

	s.closeAll()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close ends the session and every stream on it.
func (s *Session) Close() {
	s.cancel()
}

// Open starts a client stream carrying the given local connection
// toward host:port on the far side.
func (s *Session) Open(conn net.Conn, host string, port int) *Stream {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	st := newStream(s, id, conn, host, port)
	s.streams[id] = st
	s.mu.Unlock()

	util.Stats.AddStream()
	observability.StreamsOpen.Inc()
	util.Infof("stream %08x: opened for %s:%d", id, host, port)

	go st.runInbound()
	go st.runOutbound()
	return st
}

// StreamCount returns the number of live streams.
func (s *Session) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// deliver routes one decoded frame to its stream. RST bypasses the
// inbox and the reassembler: an abrupt close applies regardless of
// sequence order. Unknown identifiers start a pending stream on the
// server, since the OPEN may still be in flight behind later frames.
func (s *Session) deliver(f *protocol.Frame) {
	s.mu.Lock()
	st, ok := s.streams[f.StreamID]
	if !ok {
		if f.IsRst() || s.cfg.Mode != config.ModeServer || (f.IsFin() && !f.IsOpen() && !f.IsData()) {
			s.mu.Unlock()
			util.Debugf("stream %08x: dropping frame for unknown stream", f.StreamID)
			return
		}
		st = newStream(s, f.StreamID, nil, "", 0)
		s.streams[f.StreamID] = st
		s.mu.Unlock()

		util.Stats.AddStream()
		observability.StreamsOpen.Inc()
		go st.runInbound()
	} else {
		s.mu.Unlock()
	}

	if f.IsRst() {
		st.terminate(StateReset, "peer", false)
		return
	}

	select {
	case st.inbox <- f:
	case <-st.ctx.Done():
	}
}

// remove drops a finished stream from the lookup table.
func (s *Session) remove(id uint32) {
	s.mu.Lock()
	_, ok := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()

	if ok {
		util.Stats.RemoveStream()
		observability.StreamsOpen.Dec()
	}
}

func (s *Session) closeAll() {
	s.mu.Lock()
	open := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		open = append(open, st)
	}
	s.mu.Unlock()

	for _, st := range open {
		st.terminate(StateClosed, "", false)
	}
}

// writeAsync encodes the frame and pushes it into the slot without
// blocking the caller. Overlapping writes of one stream are fine; the
// peer's reassembler restores ordering. A failed write resets the
// stream, because the frame's sequence number is already consumed and
// cannot be filled in again.
func (s *Session) writeAsync(ctx context.Context, st *Stream, slot string, f *protocol.Frame) {
	go func() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		payload := s.codec.Encode(s.sendDir, f)

		wctx, cancel := context.WithTimeout(ctx, s.cfg.Settings.Timeout.Std())
		defer cancel()

		if err := s.store.Write(wctx, slot, payload); err != nil {
			if ctx.Err() != nil {
				// The stream was torn down mid-write and its slots were
				// already reclaimed; touching the slot now could free it
				// out from under a new owner.
				return
			}
			observability.TransportErrorsTotal.Inc()
			util.Warnf("stream %08x: slot %q write failed: %v", f.StreamID, slot, err)
			s.sched.Release(slot)
			st.terminate(StateReset, "transport", false)
			return
		}

		util.Stats.AddFrameSent(len(f.Payload))
		observability.FramesTotal.WithLabelValues("sent").Inc()
		observability.BytesTotal.WithLabelValues("sent").Add(float64(len(f.Payload)))

		if s.cfg.Settings.CleanupChunks {
			// Hold the slot until the peer clears it.
			s.trackMu.Lock()
			s.awaitClear[slot] = struct{}{}
			s.trackMu.Unlock()
		} else {
			// Nobody will clear the slot for us; rely on revisions and
			// recycle it right away.
			s.sched.Release(slot)
		}
	}()
}
