package transfer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame layout:
//
//	uint32 header length | JSON header | uint32 payload length | payload
const (
	frameLenSize   = 4
	MaxHeaderSize  = 8 * 1024 * 1024
	MaxPayloadSize = MaxChunkSize
)

var ErrMalformedFrame = errors.New("malformed frame")

// FrameSerializer encodes messages as length-prefixed binary frames so a
// chunk's bytes travel in the same unit as its correlation fields.
type FrameSerializer struct{}

func NewFrameSerializer() *FrameSerializer {
	return &FrameSerializer{}
}

func (f *FrameSerializer) Marshal(msg *Message) ([]byte, error) {
	if len(msg.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d", len(msg.Payload), MaxPayloadSize)
	}
	header, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(header) > MaxHeaderSize {
		return nil, fmt.Errorf("header of %d bytes exceeds %d", len(header), MaxHeaderSize)
	}

	buf := make([]byte, 0, 2*frameLenSize+len(header)+len(msg.Payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(header)))
	buf = append(buf, header...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	return buf, nil
}

func (f *FrameSerializer) Unmarshal(data []byte) (*Message, error) {
	if len(data) < frameLenSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(data))
	}
	headerLen := int(binary.BigEndian.Uint32(data))
	if headerLen > MaxHeaderSize || len(data) < 2*frameLenSize+headerLen {
		return nil, fmt.Errorf("%w: header length %d", ErrMalformedFrame, headerLen)
	}
	rest := data[frameLenSize:]

	var msg Message
	if err := json.Unmarshal(rest[:headerLen], &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	rest = rest[headerLen:]

	payloadLen := int(binary.BigEndian.Uint32(rest))
	rest = rest[frameLenSize:]
	if payloadLen != len(rest) {
		return nil, fmt.Errorf("%w: payload length %d, have %d", ErrMalformedFrame, payloadLen, len(rest))
	}
	if payloadLen > 0 {
		msg.Payload = append([]byte(nil), rest...)
	}

	if err := validate.Struct(&msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &msg, nil
}

func (f *FrameSerializer) Name() string {
	return "frame"
}

func (f *FrameSerializer) IsBinary() bool {
	return true
}
