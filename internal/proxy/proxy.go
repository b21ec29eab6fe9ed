// Package proxy implements the local entry point of the tunnel: a TCP
// listener that speaks both SOCKS5 and HTTP proxy protocols, detected
// from the first byte of each connection.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tumanvpn/tuman/internal/util"
)

// handshakeTimeout bounds how long a client may take to complete the
// proxy handshake before we drop the connection.
const handshakeTimeout = 30 * time.Second

// OpenFunc hands an accepted connection to the tunnel: everything read
// from conn goes to host:port on the far side and vice versa.
type OpenFunc func(conn net.Conn, host string, port int)

// Server accepts local proxy connections.
type Server struct {
	addr string
	open OpenFunc
}

// NewServer creates a proxy listening on addr whose tunneled
// destinations are opened through open.
func NewServer(addr string, open OpenFunc) *Server {
	return &Server{addr: addr, open: open}
}

// Serve listens and accepts until the context ends.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}
	util.Infof("proxy listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("proxy accept: %w", err)
			}
		}
		go s.handleConn(conn)
	}
}

// handleConn sniffs the protocol from the first byte. SOCKS5 always
// begins with its version octet 0x05; no HTTP method starts with that
// byte, so everything else is treated as HTTP.
func (s *Server) handleConn(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		conn.Close()
		return
	}

	var (
		host   string
		port   int
		prefix []byte
	)
	if first[0] == socksVersion {
		host, port, err = handleSocks(br, conn)
	} else {
		host, port, prefix, err = handleHTTP(br, conn)
	}
	if err != nil {
		util.Debugf("proxy handshake with %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	conn.SetDeadline(time.Time{})

	// A rewritten plain-HTTP request plus any bytes the client
	// pipelined behind the handshake are replayed ahead of conn reads.
	s.open(wrapBuffered(conn, br, prefix), host, port)
}

// bufferedConn replays pending bytes before reading from the
// connection itself.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func wrapBuffered(conn net.Conn, br *bufio.Reader, prefix []byte) net.Conn {
	if len(prefix) == 0 && br.Buffered() == 0 {
		return conn
	}
	return &bufferedConn{Conn: conn, r: io.MultiReader(bytes.NewReader(prefix), br, conn)}
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// CloseWrite forwards the half-close when the underlying transport
// supports it.
func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
