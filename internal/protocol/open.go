package protocol

import (
	"encoding/json"
	"fmt"
)

// OpenRequest is the payload of an OPEN frame: the destination the
// server side must dial for this stream.
type OpenRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns the host:port dial target.
func (r *OpenRequest) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// EncodeOpenRequest serializes a dial request for an OPEN frame.
func EncodeOpenRequest(host string, port int) []byte {
	data, _ := json.Marshal(&OpenRequest{Host: host, Port: port})
	return data
}

// DecodeOpenRequest parses an OPEN frame payload.
func DecodeOpenRequest(payload []byte) (*OpenRequest, error) {
	r := &OpenRequest{}
	if err := json.Unmarshal(payload, r); err != nil {
		return nil, fmt.Errorf("malformed open request: %w", err)
	}
	if r.Host == "" || r.Port < 1 || r.Port > 65535 {
		return nil, fmt.Errorf("invalid open request target %s:%d", r.Host, r.Port)
	}
	return r, nil
}
