package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tumanvpn/tuman/internal/config"
	"github.com/tumanvpn/tuman/internal/protocol"
	"github.com/tumanvpn/tuman/internal/store"
)

func testConfig(t *testing.T, mode config.Mode) *config.Config {
	t.Helper()
	cfg, err := config.Parse(fmt.Appendf(nil, `{
		"mode": %q,
		"storage": {"cookies_path": "unused", "encryption_key": "test-secret"},
		"settings": {
			"timeout": 5,
			"chunk_size": 1024,
			"chunk_idle_timeout": 0.5,
			"poll_interval": 0.01,
			"tunnel_idle_timeout": 5
		}
	}`, mode))
	require.NoError(t, err)
	return cfg
}

func testPool(t *testing.T) *config.Pool {
	t.Helper()
	p, err := config.ParsePool([]byte(`{
		"client_pool": ["c1", "c2", "c3", "c4"],
		"server_pool": ["s1", "s2", "s3", "s4"]
	}`))
	require.NoError(t, err)
	return p
}

func testCodec(t *testing.T) *protocol.Codec {
	t.Helper()
	c, err := protocol.NewCodec("test-secret")
	require.NoError(t, err)
	return c
}

// startEcho runs a TCP echo server for the lifetime of the test.
func startEcho(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestSessionsRoundTripThroughSharedStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := store.NewMemoryStore()
	pl := testPool(t)

	server := NewSession(ctx, testConfig(t, config.ModeServer), pl, testCodec(t), mem, nil)
	go server.Run()
	time.Sleep(100 * time.Millisecond) // let the server snapshot baselines

	client := NewSession(ctx, testConfig(t, config.ModeClient), pl, testCodec(t), mem, nil)
	go client.Run()
	time.Sleep(100 * time.Millisecond)

	host, port := startEcho(t)

	local, remote := net.Pipe()
	defer local.Close()
	client.Open(remote, host, port)

	msg := []byte("ping across the mailbox")
	local.SetDeadline(time.Now().Add(10 * time.Second))
	_, err := local.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(local, got)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	// A payload larger than chunk_size exercises split and reassembly.
	big := make([]byte, 5000)
	for i := range big {
		big[i] = byte(i)
	}
	go func() { local.Write(big) }()

	gotBig := make([]byte, len(big))
	_, err = io.ReadFull(local, gotBig)
	require.NoError(t, err)
	require.Equal(t, big, gotBig)
}

func TestSessionResetsStreamOnWriteFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := store.NewMemoryStore()
	mem.FailWrites = true

	client := NewSession(ctx, testConfig(t, config.ModeClient), testPool(t), testCodec(t), mem, nil)
	go client.Run()
	time.Sleep(50 * time.Millisecond)

	local, remote := net.Pipe()
	defer local.Close()
	st := client.Open(remote, "example.com", 80)

	require.Eventually(t, func() bool {
		return st.State() == StateReset
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return client.StreamCount() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// Its slots must have returned to the free list.
	require.Equal(t, 4, client.sched.FreeCount())
}

func TestSessionResetsStreamOnSequenceGap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewSession(ctx, testConfig(t, config.ModeClient), testPool(t), testCodec(t), store.NewMemoryStore(), nil)
	go client.Run()
	time.Sleep(50 * time.Millisecond)

	local, remote := net.Pipe()
	defer local.Close()
	st := client.Open(remote, "example.com", 80)

	// Sequence 5 arrives but 0..4 never do; the gap deadline fires.
	client.deliver(&protocol.Frame{Flags: protocol.FlagData, StreamID: st.ID(), Seq: 5, Payload: []byte("x")})

	require.Eventually(t, func() bool {
		return st.State() == StateReset
	}, 5*time.Second, 10*time.Millisecond)

	// Slots held for the unconsumed OPEN frame come back with the reset.
	require.Eventually(t, func() bool {
		return client.sched.FreeCount() == 4
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSweeperReclaimsIdleStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t, config.ModeClient)
	cfg.Settings.TunnelIdleTimeout = config.Duration(200 * time.Millisecond)

	client := NewSession(ctx, cfg, testPool(t), testCodec(t), store.NewMemoryStore(), nil)
	go client.Run()
	time.Sleep(50 * time.Millisecond)

	local, remote := net.Pipe()
	defer local.Close()
	st := client.Open(remote, "example.com", 80)

	require.Eventually(t, func() bool {
		return st.State() == StateReset
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return client.StreamCount() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// The idle stream's own slot returns to the free list; the RST
	// notification occupies one new slot until a peer would clear it.
	require.Eventually(t, func() bool {
		return client.sched.FreeCount() >= 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServerCreatesPendingStreamAndDials(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := store.NewMemoryStore()
	pl := testPool(t)
	codec := testCodec(t)

	server := NewSession(ctx, testConfig(t, config.ModeServer), pl, codec, mem, nil)
	go server.Run()
	time.Sleep(100 * time.Millisecond)

	host, port := startEcho(t)

	// Hand-craft a client: OPEN at seq 0 followed by data at seq 1,
	// written straight into the client pool.
	open := codec.Encode(protocol.ClientToServer, &protocol.Frame{
		Flags:    protocol.FlagOpen,
		StreamID: 77,
		Seq:      0,
		Payload:  protocol.EncodeOpenRequest(host, port),
	})
	data := codec.Encode(protocol.ClientToServer, &protocol.Frame{
		Flags:    protocol.FlagData,
		StreamID: 77,
		Seq:      1,
		Payload:  []byte("hello"),
	})

	// Deliver out of order; the reassembler must hold the data frame
	// until the OPEN lands.
	require.NoError(t, mem.Write(ctx, "c1", data))
	require.NoError(t, mem.Write(ctx, "c2", open))

	// The echo reply comes back through the server pool.
	require.Eventually(t, func() bool {
		for _, slot := range pl.ServerPool {
			payload := mem.Peek(slot)
			if len(payload) == 0 {
				continue
			}
			f, err := codec.Decode(protocol.ServerToClient, payload)
			if err != nil {
				continue
			}
			if f.StreamID == 77 && string(f.Payload) == "hello" {
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)
}
