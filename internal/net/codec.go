// Package net carries client connections: line transports over TCP and
// websocket, per-connection reader/writer goroutines, and the manager
// that routes script messaging onto live links.
package net

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Out-of-band structured messages travel as 0x00 '[' TAG ']' JSON LF.
// Everything else on the wire is a plain text line; colour and markup
// tokens inside it are opaque here.
const framePrefix = 0x00

// Frame tags owned by the driver. Mudlib code may emit any tag it likes
// through tell_gui; these two have driver-side meaning.
const (
	TagAuth = "AUTH"
	TagGUI  = "GUI"
)

// EncodeFrame builds the wire form of a structured frame, without the
// trailing newline the transport adds.
func EncodeFrame(tag string, payload any) ([]byte, error) {
	if !validTag(tag) {
		return nil, fmt.Errorf("bad frame tag %q", tag)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", tag, err)
	}
	buf := make([]byte, 0, len(tag)+len(body)+3)
	buf = append(buf, framePrefix, '[')
	buf = append(buf, tag...)
	buf = append(buf, ']')
	buf = append(buf, body...)
	return buf, nil
}

// DecodeFrame parses a received line as a structured frame. ok is false
// for plain text lines and for malformed frames; callers drop the latter.
func DecodeFrame(line []byte) (tag string, payload json.RawMessage, ok bool) {
	if len(line) < 4 || line[0] != framePrefix || line[1] != '[' {
		return "", nil, false
	}
	end := bytes.IndexByte(line, ']')
	if end < 2 {
		return "", nil, false
	}
	tag = string(line[2:end])
	body := bytes.TrimSpace(line[end+1:])
	if !validTag(tag) || !json.Valid(body) {
		return "", nil, false
	}
	return tag, json.RawMessage(body), true
}

// IsFrame reports whether a line carries the structured-frame prefix.
func IsFrame(line []byte) bool {
	return len(line) > 0 && line[0] == framePrefix
}

func validTag(tag string) bool {
	if len(tag) == 0 || len(tag) > 16 {
		return false
	}
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
