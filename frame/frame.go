// Package frame implements the 4-byte binary header codec and command
// routing for the Zumi realtime gateway protocol.
//
// Header layout (4 bytes):
//
//	[0]   version  uint8
//	[1-2] cmd      uint16 (little-endian)
//	[3]   subCmd   uint8
//
// Everything after the header is a UTF-8 JSON document, possibly empty.
// Control frames (cipher-key handshake, ping) carry plain JSON objects;
// data frames carry an envelope whose "data" field is either an inline
// object or an encrypted base64 string (see the cipher package).
package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed length of the binary frame header.
	HeaderSize = 4

	// Version is the protocol version the gateway currently speaks.
	Version = 1
)

var (
	ErrTooShort    = errors.New("frame: too short")
	ErrInvalidJSON = errors.New("frame: invalid json payload")
)

// Header is the fixed 4-byte header preceding every frame.
type Header struct {
	Version uint8
	Cmd     uint16
	SubCmd  uint8
}

// Frame is a decoded gateway frame. Raw holds the undecoded JSON remainder
// so callers can probe dynamic fields without re-marshalling Payload.
type Frame struct {
	Header
	Payload map[string]any
	Raw     []byte
}

// Encode serialises a header and a JSON-serializable payload into a single
// byte slice. A nil payload produces a header-only frame; a non-nil empty
// map produces "{}".
func Encode(h Header, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("frame: marshal payload: %w", err)
		}
		body = b
	}

	out := make([]byte, HeaderSize+len(body))
	out[0] = h.Version
	binary.LittleEndian.PutUint16(out[1:3], h.Cmd)
	out[3] = h.SubCmd
	copy(out[HeaderSize:], body)
	return out, nil
}

// Decode parses a byte slice into a frame. The JSON remainder, when
// present, must be an object.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, ErrTooShort
	}

	f := Frame{Header: Header{
		Version: data[0],
		Cmd:     binary.LittleEndian.Uint16(data[1:3]),
		SubCmd:  data[3],
	}}

	raw := data[HeaderSize:]
	if len(raw) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(raw, &f.Payload); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	f.Raw = raw
	return f, nil
}
