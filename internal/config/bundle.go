package config

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Bundle packages everything one side needs to join a tunnel: the
// captured cookie file, the config document and the pool document. It
// is exchanged between operators as a single tuman:// string.
type Bundle struct {
	Cookies []byte
	Config  *Config
	Pool    *Pool
}

const (
	bundleScheme = "tuman://"
	configMarker = "\n---CONFIG---\n"
	poolMarker   = "\n---POOL---\n"
)

// EncodeBundle renders a bundle as a tuman:// connection string:
// base64 of cookie bytes, the ---CONFIG--- marker line, the config
// JSON, the ---POOL--- marker line, and the pool JSON.
func EncodeBundle(b *Bundle) (string, error) {
	cfgJSON, err := json.Marshal(b.Config)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	poolJSON, err := json.Marshal(b.Pool)
	if err != nil {
		return "", fmt.Errorf("marshal pool: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(b.Cookies)
	buf.WriteString(configMarker)
	buf.Write(cfgJSON)
	buf.WriteString(poolMarker)
	buf.Write(poolJSON)

	return bundleScheme + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeBundle parses a tuman:// connection string. Any deviation from
// the expected layout fails with ErrFormat.
func DecodeBundle(s string) (*Bundle, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, bundleScheme) {
		return nil, fmt.Errorf("%w: connection string must start with %q", ErrFormat, bundleScheme)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, bundleScheme))
	if err != nil {
		return nil, fmt.Errorf("%w: connection string is not valid base64: %v", ErrFormat, err)
	}

	cookies, rest, ok := bytes.Cut(raw, []byte(configMarker))
	if !ok {
		return nil, fmt.Errorf("%w: connection string is missing the CONFIG marker", ErrFormat)
	}
	cfgJSON, poolJSON, ok := bytes.Cut(rest, []byte(poolMarker))
	if !ok {
		return nil, fmt.Errorf("%w: connection string is missing the POOL marker", ErrFormat)
	}

	cfg, err := Parse(cfgJSON)
	if err != nil {
		return nil, err
	}
	pool, err := ParsePool(poolJSON)
	if err != nil {
		return nil, err
	}

	return &Bundle{Cookies: cookies, Config: cfg, Pool: pool}, nil
}
