package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tumanvpn/tuman/internal/config"
	"github.com/tumanvpn/tuman/internal/observability"
	"github.com/tumanvpn/tuman/internal/protocol"
	"github.com/tumanvpn/tuman/internal/util"
)

// inboxBufferSize is the per-stream inbox channel capacity.
const inboxBufferSize = 64

// State is the lifecycle state of a stream.
type State int32

const (
	StateOpen State = iota
	StateHalfClosed
	StateClosed
	StateReset
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfClosed:
		return "HALF_CLOSED"
	case StateClosed:
		return "CLOSED"
	case StateReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// Stream is one logical multiplexed connection. The session owns
// streams by identifier in its lookup table; a stream reaches back to
// the session only for the shared scheduler, codec and store.
//
// Two goroutines serve a stream: the inbound loop (frames → local
// conn) and the outbound pump (local conn → frames). The reassembler
// is confined to the inbound loop and needs no locking.
type Stream struct {
	id   uint32
	sess *Session

	// Client dial target, carried by the OPEN frame.
	host string
	port int

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	inbox chan *protocol.Frame
	seq   *SeqGen
	reasm *Reassembler

	lastActivity atomic.Int64 // unix nanos

	mu        sync.Mutex
	conn      net.Conn // nil while a server stream awaits its OPEN frame
	localFin  bool
	remoteFin bool
	state     State
}

func newStream(sess *Session, id uint32, conn net.Conn, host string, port int) *Stream {
	ctx, cancel := context.WithCancel(sess.ctx)
	st := &Stream{
		id:     id,
		sess:   sess,
		host:   host,
		port:   port,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan *protocol.Frame, inboxBufferSize),
		seq:    NewSeqGen(),
		reasm:  NewReassembler(),
		conn:   conn,
		state:  StateOpen,
	}
	st.touch()
	return st
}

// ID returns the stream identifier.
func (st *Stream) ID() uint32 { return st.id }

// State returns the current lifecycle state.
func (st *Stream) State() State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// LastActivity returns the time of the last send or delivery.
func (st *Stream) LastActivity() time.Time {
	return time.Unix(0, st.lastActivity.Load())
}

func (st *Stream) touch() {
	st.lastActivity.Store(time.Now().UnixNano())
}

func (st *Stream) localConn() net.Conn {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.conn
}

// ---------------------------------------------------------------------------
// Inbound: mailbox → local connection
// ---------------------------------------------------------------------------

// runInbound drains the inbox, reorders frames, and applies them in
// sequence. It also owns the gap deadline: a missing sequence number
// that stays missing longer than chunk_idle_timeout resets the stream,
// because the medium has no retransmission channel.
func (st *Stream) runInbound() {
	gapLimit := st.sess.cfg.Settings.ChunkIdleTimeout.Std()
	gap := time.NewTimer(gapLimit)
	if !gap.Stop() {
		<-gap.C
	}
	defer gap.Stop()

	for {
		select {
		case f := <-st.inbox:
			st.touch()
			for _, d := range st.reasm.Feed(f) {
				if !st.apply(d) {
					return
				}
			}
			st.rearmGapTimer(gap, gapLimit)

		case <-gap.C:
			since, blocked := st.reasm.Blocked()
			if !blocked {
				continue
			}
			if wait := time.Since(since); wait < gapLimit {
				gap.Reset(gapLimit - wait)
				continue
			}
			util.Warnf("stream %08x: missing frame %d for %s, resetting", st.id, st.reasm.Expected(), gapLimit)
			st.terminate(StateReset, "gap", false)
			return

		case <-st.ctx.Done():
			return
		}
	}
}

// rearmGapTimer keeps the gap timer in sync with the reassembler after
// each batch of deliveries.
func (st *Stream) rearmGapTimer(gap *time.Timer, limit time.Duration) {
	if !gap.Stop() {
		select {
		case <-gap.C:
		default:
		}
	}
	if since, blocked := st.reasm.Blocked(); blocked {
		if wait := limit - time.Since(since); wait > 0 {
			gap.Reset(wait)
		} else {
			gap.Reset(time.Nanosecond)
		}
	}
}

// apply handles one in-order frame. It returns false when the stream
// is finished and the inbound loop must exit.
func (st *Stream) apply(f *protocol.Frame) bool {
	switch {
	case f.IsOpen():
		return st.applyOpen(f)

	case f.IsData():
		conn := st.localConn()
		if conn == nil {
			// Data cannot precede OPEN in sequence order; a nil conn here
			// means a malformed peer. Drop the stream.
			util.Warnf("stream %08x: data frame before open, resetting", st.id)
			st.terminate(StateReset, "peer", true)
			return false
		}
		if len(f.Payload) > 0 {
			if _, err := conn.Write(f.Payload); err != nil {
				util.Warnf("stream %08x: local write failed: %v", st.id, err)
				st.terminate(StateReset, "write", true)
				return false
			}
			util.Stats.AddFrameRecv(len(f.Payload))
			observability.BytesTotal.WithLabelValues("received").Add(float64(len(f.Payload)))
		}
		if f.IsFin() {
			return st.remoteFinished()
		}
		return true

	case f.IsFin():
		return st.remoteFinished()

	default:
		util.Debugf("stream %08x: ignoring frame with flags %#x", st.id, f.Flags)
		return true
	}
}

// applyOpen dials the requested destination (server role). The dial
// blocks this stream's inbound loop only; data frames queued behind
// the OPEN are flushed right after, in order.
func (st *Stream) applyOpen(f *protocol.Frame) bool {
	if st.sess.cfg.Mode != config.ModeServer || st.localConn() != nil {
		util.Debugf("stream %08x: ignoring duplicate open", st.id)
		return true
	}

	req, err := protocol.DecodeOpenRequest(f.Payload)
	if err != nil {
		util.Warnf("stream %08x: bad open request: %v", st.id, err)
		st.terminate(StateReset, "peer", true)
		return false
	}

	dialCtx, cancel := context.WithTimeout(st.ctx, st.sess.cfg.Settings.Timeout.Std())
	defer cancel()

	conn, err := st.sess.dial(dialCtx, req.Addr())
	if err != nil {
		util.Warnf("stream %08x: dial %s failed: %v", st.id, req.Addr(), err)
		st.terminate(StateReset, "dial", true)
		return false
	}

	st.mu.Lock()
	st.conn = conn
	st.mu.Unlock()

	util.Infof("stream %08x: connected to %s", st.id, req.Addr())
	go st.runOutbound()
	return true
}

// remoteFinished records the peer's FIN. All prior sequence numbers
// are satisfied by construction (the reassembler delivered us).
func (st *Stream) remoteFinished() bool {
	st.mu.Lock()
	st.remoteFin = true
	both := st.localFin
	conn := st.conn
	if !both && st.state == StateOpen {
		st.state = StateHalfClosed
	}
	st.mu.Unlock()

	if both {
		st.terminate(StateClosed, "", false)
		return false
	}

	// Half-closed: no more inbound data, but our direction may still
	// flow. Signal EOF to the local endpoint.
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	return true
}

// ---------------------------------------------------------------------------
// Outbound: local connection → mailbox
// ---------------------------------------------------------------------------

// runOutbound reads the local connection and frames everything it
// gets. Slot acquisition inside Submit blocks when the pool is
// exhausted, which stops this read loop and lets TCP flow control
// push back on the application.
func (st *Stream) runOutbound() {
	if st.sess.cfg.Mode == config.ModeClient {
		open := &protocol.Frame{
			Flags:    protocol.FlagOpen,
			StreamID: st.id,
			Seq:      st.seq.Next(),
			Payload:  protocol.EncodeOpenRequest(st.host, st.port),
		}
		if err := st.sendFrame(open); err != nil {
			st.terminate(StateReset, "transport", false)
			return
		}
	}

	conn := st.localConn()
	buf := make([]byte, st.sess.cfg.Settings.ChunkSize)
	for {
		n, err := conn.Read(buf)

		if n > 0 {
			st.touch()
			if serr := st.Submit(buf[:n], err == io.EOF); serr != nil {
				st.terminate(StateReset, "transport", false)
				return
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				if n == 0 {
					_ = st.Submit(nil, true)
				}
				st.localFinished()
				return
			}
			select {
			case <-st.ctx.Done():
				// Already shutting down — the conn was closed under us.
			default:
				util.Debugf("stream %08x: local read failed: %v", st.id, err)
				st.terminate(StateReset, "read", true)
			}
			return
		}
	}
}

// Submit splits data into chunk-sized frames with consecutive sequence
// numbers and hands each to the scheduler and store. The final frame
// of an orderly close carries FIN.
func (st *Stream) Submit(data []byte, fin bool) error {
	for _, f := range splitFrames(st.seq, st.id, data, st.sess.cfg.Settings.ChunkSize, fin) {
		if err := st.sendFrame(f); err != nil {
			return err
		}
	}
	return nil
}

// splitFrames cuts a byte sequence into frames of at most limit
// plaintext bytes each. A nil/empty payload with fin produces a single
// bare FIN frame; without fin it produces nothing.
func splitFrames(seq *SeqGen, streamID uint32, data []byte, limit int, fin bool) []*protocol.Frame {
	if len(data) == 0 {
		if !fin {
			return nil
		}
		return []*protocol.Frame{{
			Flags:    protocol.FlagFin,
			StreamID: streamID,
			Seq:      seq.Next(),
		}}
	}

	var frames []*protocol.Frame
	for off := 0; off < len(data); off += limit {
		end := min(off+limit, len(data))

		payload := make([]byte, end-off)
		copy(payload, data[off:end])

		f := &protocol.Frame{
			Flags:    protocol.FlagData,
			StreamID: streamID,
			Seq:      seq.Next(),
			Payload:  payload,
		}
		if fin && end == len(data) {
			f.Flags |= protocol.FlagFin
		}
		frames = append(frames, f)
	}
	return frames
}

// sendFrame acquires a slot (blocking — this is the backpressure
// point) and fires the store write asynchronously; the receiver's
// reassembler restores ordering, so writes of one stream may overlap.
func (st *Stream) sendFrame(f *protocol.Frame) error {
	slot, err := st.sess.sched.Acquire(st.ctx, st.id)
	if err != nil {
		return err
	}
	st.touch()
	st.sess.writeAsync(st.ctx, st, slot, f)
	return nil
}

// localFinished records our FIN after the outbound pump drained.
func (st *Stream) localFinished() {
	st.mu.Lock()
	st.localFin = true
	both := st.remoteFin
	if !both && st.state == StateOpen {
		st.state = StateHalfClosed
	}
	st.mu.Unlock()

	if both {
		st.terminate(StateClosed, "", false)
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Close tears the stream down abruptly from the local side (RST to the
// peer). Orderly closes happen through FIN exchange instead.
func (st *Stream) Close() {
	st.terminate(StateReset, "local", true)
}

// terminate consolidates all shutdown actions behind sync.Once so that
// regardless of which goroutine exits first, resources are released
// exactly once. Slots held by a RESET stream return to the free list
// immediately; a CLOSED stream's slots drain normally once the peer
// clears them.
func (st *Stream) terminate(final State, cause string, notifyPeer bool) {
	st.closeOnce.Do(func() {
		st.mu.Lock()
		st.state = final
		conn := st.conn
		st.mu.Unlock()

		st.cancel()
		if conn != nil {
			conn.Close()
		}
		if final == StateReset {
			// Reclaim slots held by aborted in-flight writes. The cancel
			// above stops those writes before the slots can be reused.
			if n := st.sess.sched.ReleaseStream(st.id); n > 0 {
				util.Debugf("stream %08x: released %d held slots", st.id, n)
			}
			observability.StreamResetsTotal.WithLabelValues(causeLabel(cause)).Inc()
		}
		if notifyPeer {
			st.sendRst()
		}
		st.sess.remove(st.id)

		if cause != "" {
			util.Infof("stream %08x: reset (%s)", st.id, cause)
		} else {
			util.Debugf("stream %08x: closed", st.id)
		}
	})
}

func causeLabel(cause string) string {
	if cause == "" {
		return "unknown"
	}
	return cause
}

// sendRst notifies the peer of an abrupt close. Best effort: when the
// pool is exhausted the RST is skipped and the peer's idle sweeper
// reclaims the stream instead.
func (st *Stream) sendRst() {
	slot, err := st.sess.sched.TryAcquire(st.id)
	if err != nil {
		util.Debugf("stream %08x: no free slot for RST, relying on peer idle timeout", st.id)
		return
	}
	// The stream context is gone by now; the RST rides on the session.
	st.sess.writeAsync(st.sess.ctx, st, slot, &protocol.Frame{
		Flags:    protocol.FlagRst,
		StreamID: st.id,
		Seq:      st.seq.Next(),
	})
}
