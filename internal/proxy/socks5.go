package proxy

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Minimal SOCKS5 server side, RFC 1928: no authentication, CONNECT
// only. BIND and UDP ASSOCIATE are rejected with the matching reply
// code.
const (
	socksVersion = 0x05

	socksAuthNone = 0x00

	socksCmdConnect = 0x01

	socksAtypIPv4   = 0x01
	socksAtypDomain = 0x03
	socksAtypIPv6   = 0x04

	socksRepSuccess         = 0x00
	socksRepCmdUnsupported  = 0x07
	socksRepAddrUnsupported = 0x08
)

func handleSocks(br *bufio.Reader, conn net.Conn) (string, int, error) {
	// Greeting: VER NMETHODS METHODS...
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return "", 0, fmt.Errorf("socks greeting: %w", err)
	}
	if hdr[0] != socksVersion {
		return "", 0, fmt.Errorf("socks version %#x unsupported", hdr[0])
	}
	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(br, methods); err != nil {
		return "", 0, fmt.Errorf("socks methods: %w", err)
	}
	if _, err := conn.Write([]byte{socksVersion, socksAuthNone}); err != nil {
		return "", 0, err
	}

	// Request: VER CMD RSV ATYP DST.ADDR DST.PORT
	req := make([]byte, 4)
	if _, err := io.ReadFull(br, req); err != nil {
		return "", 0, fmt.Errorf("socks request: %w", err)
	}
	if req[1] != socksCmdConnect {
		socksReply(conn, socksRepCmdUnsupported)
		return "", 0, fmt.Errorf("socks command %#x unsupported", req[1])
	}

	var host string
	switch req[3] {
	case socksAtypIPv4:
		addr := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(br, addr); err != nil {
			return "", 0, err
		}
		host = net.IP(addr).String()
	case socksAtypIPv6:
		addr := make([]byte, net.IPv6len)
		if _, err := io.ReadFull(br, addr); err != nil {
			return "", 0, err
		}
		host = net.IP(addr).String()
	case socksAtypDomain:
		n, err := br.ReadByte()
		if err != nil {
			return "", 0, err
		}
		name := make([]byte, int(n))
		if _, err := io.ReadFull(br, name); err != nil {
			return "", 0, err
		}
		host = string(name)
	default:
		socksReply(conn, socksRepAddrUnsupported)
		return "", 0, fmt.Errorf("socks address type %#x unsupported", req[3])
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(br, portBuf[:]); err != nil {
		return "", 0, err
	}
	port := int(binary.BigEndian.Uint16(portBuf[:]))

	// The dial happens asynchronously on the far side, so success is
	// reported optimistically; a failed dial surfaces as a reset.
	if err := socksReply(conn, socksRepSuccess); err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func socksReply(conn net.Conn, code byte) error {
	_, err := conn.Write([]byte{socksVersion, code, 0x00, socksAtypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}
