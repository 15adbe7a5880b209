// Package frame implements the length-prefixed binary frame used to
// address per-session terminal data over a single WebSocket connection.
//
// Layout: [L:u8][id: L bytes][payload]. L is the byte length of the
// session id and must fit in a single byte (<= 255).
package frame

import "errors"

// ErrIDTooLong is returned by Encode when the session id exceeds 255 bytes.
var ErrIDTooLong = errors.New("frame: session id exceeds 255 bytes")

// ErrShort is returned by Decode when data is too short to contain the
// length prefix and the declared id.
var ErrShort = errors.New("frame: frame shorter than declared id length")

// Encode builds a frame for sessionID carrying payload.
func Encode(sessionID string, payload []byte) ([]byte, error) {
	if len(sessionID) > 255 {
		return nil, ErrIDTooLong
	}
	buf := make([]byte, 1+len(sessionID)+len(payload))
	buf[0] = byte(len(sessionID))
	n := copy(buf[1:], sessionID)
	copy(buf[1+n:], payload)
	return buf, nil
}

// Decode splits a frame back into its session id and payload. Frames
// shorter than 1+L are malformed and rejected with ErrShort.
func Decode(data []byte) (sessionID string, payload []byte, err error) {
	if len(data) < 1 {
		return "", nil, ErrShort
	}
	l := int(data[0])
	if len(data) < 1+l {
		return "", nil, ErrShort
	}
	sessionID = string(data[1 : 1+l])
	payload = data[1+l:]
	return sessionID, payload, nil
}

// IsJSON reports whether payload looks like an in-band JSON control
// message rather than raw terminal bytes, per the `{`-sniffing rule.
func IsJSON(payload []byte) bool {
	return len(payload) > 0 && payload[0] == '{'
}
