// Package wsv3 implements the binary WebSocket v3 protocol: the frame
// codec, the per-connection subscription hub, and HQ-mode remote
// federation (spec.md §4.4, §4.5).
package wsv3

import (
	"encoding/binary"
	"fmt"
)

// MessageType is the single leading byte of every frame.
type MessageType uint8

const (
	Ping MessageType = 1
	Pong MessageType = 2

	Subscribe   MessageType = 10
	Unsubscribe MessageType = 11
	Welcome     MessageType = 12

	Stdout      MessageType = 20
	SnapshotVT  MessageType = 21
	Event       MessageType = 30
	ErrorFrame  MessageType = 31
	InputText   MessageType = 40
	InputKey    MessageType = 41
	Resize      MessageType = 42
	Kill        MessageType = 43
	ResetSize   MessageType = 44
)

// SubscribeFlags is the bitmask carried in a SUBSCRIBE payload.
type SubscribeFlags uint32

const (
	FlagStdout    SubscribeFlags = 1
	FlagSnapshots SubscribeFlags = 2
	FlagEvents    SubscribeFlags = 4
)

// Frame is one decoded WS v3 message.
type Frame struct {
	Type      MessageType
	SessionID string
	Payload   []byte
}

// Encode lays a Frame out as u8 type, u16 BE session-id length, session id
// bytes, then payload verbatim.
func Encode(f Frame) []byte {
	sidBytes := []byte(f.SessionID)
	buf := make([]byte, 1+2+len(sidBytes)+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(sidBytes)))
	copy(buf[3:3+len(sidBytes)], sidBytes)
	copy(buf[3+len(sidBytes):], f.Payload)
	return buf
}

// Decode parses a raw binary WebSocket message into a Frame.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < 3 {
		return Frame{}, fmt.Errorf("wsv3: frame too short: %d bytes", len(raw))
	}
	msgType := MessageType(raw[0])
	sidLen := int(binary.BigEndian.Uint16(raw[1:3]))
	if 3+sidLen > len(raw) {
		return Frame{}, fmt.Errorf("wsv3: session id length %d exceeds frame", sidLen)
	}
	sessionID := string(raw[3 : 3+sidLen])
	payload := raw[3+sidLen:]
	return Frame{Type: msgType, SessionID: sessionID, Payload: payload}, nil
}

// EncodeSubscribePayload encodes a SUBSCRIBE flags bitmask as u32 BE.
func EncodeSubscribePayload(flags SubscribeFlags) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(flags))
	return buf
}

// DecodeSubscribePayload parses a SUBSCRIBE payload into a flags bitmask.
func DecodeSubscribePayload(payload []byte) (SubscribeFlags, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("wsv3: SUBSCRIBE payload too short: %d bytes", len(payload))
	}
	return SubscribeFlags(binary.BigEndian.Uint32(payload[:4])), nil
}

// EncodeResizePayload encodes RESIZE's (cols, rows) as two u16 BE fields.
func EncodeResizePayload(cols, rows uint16) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], cols)
	binary.BigEndian.PutUint16(buf[2:4], rows)
	return buf
}

// DecodeResizePayload parses a RESIZE payload into (cols, rows).
func DecodeResizePayload(payload []byte) (cols, rows uint16, err error) {
	if len(payload) < 4 {
		return 0, 0, fmt.Errorf("wsv3: RESIZE payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint16(payload[0:2]), binary.BigEndian.Uint16(payload[2:4]), nil
}
