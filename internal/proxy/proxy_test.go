package proxy

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type opened struct {
	conn net.Conn
	host string
	port int
}

// dialProxy runs handleConn against one end of a pipe and reports what
// the tunnel side would have been asked to open.
func dialProxy(t *testing.T) (net.Conn, <-chan opened) {
	t.Helper()

	ch := make(chan opened, 1)
	srv := NewServer("", func(conn net.Conn, host string, port int) {
		ch <- opened{conn: conn, host: host, port: port}
	})

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	go srv.handleConn(server)

	client.SetDeadline(time.Now().Add(5 * time.Second))
	return client, ch
}

func TestSocksConnectDomain(t *testing.T) {
	client, ch := dialProxy(t)

	// Greeting: version 5, one method, no auth.
	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)

	reply := make([]byte, 2)
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, reply)

	// CONNECT example.com:443, domain address type.
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len("example.com"))}
	req = append(req, "example.com"...)
	req = append(req, 0x01, 0xBB)
	_, err = client.Write(req)
	require.NoError(t, err)

	reply = make([]byte, 10)
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x05), reply[0])
	require.Equal(t, byte(0x00), reply[1])

	go client.Write([]byte("tunneled payload"))

	got := <-ch
	require.Equal(t, "example.com", got.host)
	require.Equal(t, 443, got.port)

	buf := make([]byte, 16)
	_, err = io.ReadFull(got.conn, buf)
	require.NoError(t, err)
	require.Equal(t, "tunneled payload", string(buf))
}

func TestSocksConnectIPv4(t *testing.T) {
	client, ch := dialProxy(t)

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	_, err = io.ReadFull(client, make([]byte, 2))
	require.NoError(t, err)

	_, err = client.Write([]byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50})
	require.NoError(t, err)
	_, err = io.ReadFull(client, make([]byte, 10))
	require.NoError(t, err)

	got := <-ch
	require.Equal(t, "10.0.0.1", got.host)
	require.Equal(t, 80, got.port)
}

func TestSocksRejectsBind(t *testing.T) {
	client, ch := dialProxy(t)

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	_, err = io.ReadFull(client, make([]byte, 2))
	require.NoError(t, err)

	// BIND command.
	_, err = client.Write([]byte{0x05, 0x02, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50})
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x07), reply[1])

	select {
	case <-ch:
		t.Fatal("rejected handshake must not open a stream")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHTTPConnect(t *testing.T) {
	client, ch := dialProxy(t)

	_, err := client.Write([]byte("CONNECT example.com:8443 HTTP/1.1\r\nHost: example.com:8443\r\n\r\n"))
	require.NoError(t, err)

	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "200 Connection Established")
	_, err = br.ReadString('\n') // blank line
	require.NoError(t, err)

	got := <-ch
	require.Equal(t, "example.com", got.host)
	require.Equal(t, 8443, got.port)
}

func TestHTTPConnectDefaultPort(t *testing.T) {
	client, ch := dialProxy(t)

	_, err := client.Write([]byte("CONNECT example.com HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "200")

	got := <-ch
	require.Equal(t, "example.com", got.host)
	require.Equal(t, 443, got.port)
}

func TestHTTPAbsoluteURIRewrite(t *testing.T) {
	client, ch := dialProxy(t)

	_, err := client.Write([]byte("GET http://example.com/path?q=1 HTTP/1.1\r\nHost: example.com\r\nProxy-Connection: keep-alive\r\nAccept: */*\r\n\r\n"))
	require.NoError(t, err)

	got := <-ch
	require.Equal(t, "example.com", got.host)
	require.Equal(t, 80, got.port)

	// The tunneled bytes are the request in origin form.
	req, err := http.ReadRequest(bufio.NewReader(got.conn))
	require.NoError(t, err)
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "/path?q=1", req.URL.RequestURI())
	require.Equal(t, "example.com", req.Host)
	require.Empty(t, req.Header.Get("Proxy-Connection"))
	require.Equal(t, "*/*", req.Header.Get("Accept"))
}

func TestHTTPRejectsRelativeURI(t *testing.T) {
	client, ch := dialProxy(t)

	_, err := client.Write([]byte("GET /path HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)

	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.Contains(line, "400"))

	select {
	case <-ch:
		t.Fatal("bad request must not open a stream")
	case <-time.After(100 * time.Millisecond):
	}
}
