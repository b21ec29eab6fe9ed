package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// handleHTTP serves one proxied HTTP request line. CONNECT turns the
// connection into a raw tunnel; an absolute-URI request is rewritten
// to origin form and replayed toward the destination, which covers
// plain-HTTP clients configured with a proxy.
func handleHTTP(br *bufio.Reader, conn net.Conn) (string, int, []byte, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return "", 0, nil, fmt.Errorf("http request: %w", err)
	}

	if req.Method == http.MethodConnect {
		host, port, err := splitHostPort(req.Host, 443)
		if err != nil {
			respond(conn, http.StatusBadRequest)
			return "", 0, nil, err
		}
		if _, err := fmt.Fprintf(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
			return "", 0, nil, err
		}
		return host, port, nil, nil
	}

	if !req.URL.IsAbs() {
		respond(conn, http.StatusBadRequest)
		return "", 0, nil, fmt.Errorf("http proxy request without absolute URI: %s", req.RequestURI)
	}

	host, port, err := splitHostPort(req.URL.Host, 80)
	if err != nil {
		respond(conn, http.StatusBadRequest)
		return "", 0, nil, err
	}

	// Re-serialize for the origin server. Hop-by-hop proxy headers do
	// not survive the rewrite.
	req.RequestURI = ""
	req.Header.Del("Proxy-Connection")
	req.Header.Del("Proxy-Authorization")

	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		return "", 0, nil, fmt.Errorf("http rewrite: %w", err)
	}
	return host, port, buf.Bytes(), nil
}

func respond(conn net.Conn, code int) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nConnection: close\r\n\r\n", code, http.StatusText(code))
}

func splitHostPort(hostport string, defaultPort int) (string, int, error) {
	if !strings.Contains(hostport, ":") || strings.HasSuffix(hostport, "]") {
		return hostport, defaultPort, nil
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, fmt.Errorf("bad host %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("bad port %q", portStr)
	}
	return host, port, nil
}
