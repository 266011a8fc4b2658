package codec

import (
	"encoding/binary"
	"fmt"

	"looprpc/message"
	"looprpc/status"
)

// FrameCodec encodes *message.Frame values in the fixed binary layout.
type FrameCodec struct{}

func (c *FrameCodec) Encode(v any) ([]byte, error) {
	// v must be *Frame
	f, ok := v.(*message.Frame)
	if !ok {
		return nil, fmt.Errorf("FrameCodec: v must be *message.Frame, got %T", v)
	}
	return EncodeFrame(f)
}

func (c *FrameCodec) Decode(data []byte, v any) error {
	f, ok := v.(*message.Frame)
	if !ok {
		return fmt.Errorf("FrameCodec: v must be *message.Frame, got %T", v)
	}
	return DecodeFrame(data, f)
}

func (c *FrameCodec) Type() CodecType {
	return CodecTypeFrame
}

// EncodeFrame serializes f including its length prefix.
func EncodeFrame(f *message.Frame) ([]byte, error) {
	if !f.Kind.Valid() {
		return nil, status.Errorf(status.InvalidArgument, "invalid frame kind %d", f.Kind)
	}
	method := f.Method
	code := f.ErrorCode
	switch f.Kind {
	case message.KindRequest, message.KindNotification:
		if method == "" {
			return nil, status.Errorf(status.InvalidArgument, "empty method name")
		}
		if len(method) > MaxMethodLen {
			return nil, status.Errorf(status.InvalidArgument, "method name too long (%d bytes)", len(method))
		}
		code = 0
	case message.KindResponse:
		method = ""
	}
	// Calculate the length of the frame
	total := HeaderSize + len(method) + len(f.Payload)
	if total > MaxFrameSize {
		return nil, status.Errorf(status.PayloadTooLarge, "frame of %d bytes exceeds %d", total, MaxFrameSize)
	}
	buf := make([]byte, LengthSize+total)

	offset := 0
	// Total length -- 4 bytes
	binary.BigEndian.PutUint32(buf[offset:], uint32(total))
	offset += 4
	// Kind -- 1 byte
	buf[offset] = byte(f.Kind)
	offset++
	// Correlation id -- 4 bytes
	binary.BigEndian.PutUint32(buf[offset:], f.ID)
	offset += 4
	// Error code -- 4 bytes
	binary.BigEndian.PutUint32(buf[offset:], uint32(code))
	offset += 4
	// Method -- 2 bytes length + n bytes
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(method)))
	offset += 2
	offset += copy(buf[offset:], method)
	// Payload -- 4 bytes length + n bytes
	binary.BigEndian.PutUint32(buf[offset:], uint32(len(f.Payload)))
	offset += 4
	copy(buf[offset:], f.Payload)
	return buf, nil
}

// DecodeFrame parses data, which must hold exactly one frame including its
// length prefix. The decoded Payload aliases data.
func DecodeFrame(data []byte, f *message.Frame) error {
	if len(data) < LengthSize {
		return decodeErr("short frame: %d bytes", len(data))
	}
	declared := binary.BigEndian.Uint32(data)
	body := data[LengthSize:]
	if declared > MaxFrameSize {
		return decodeErr("declared length %d exceeds %d", declared, MaxFrameSize)
	}
	if int(declared) != len(body) {
		return decodeErr("declared length %d, received %d", declared, len(body))
	}
	if len(body) < HeaderSize {
		return decodeErr("truncated header: %d bytes", len(body))
	}

	offset := 0
	kind := message.Kind(body[offset])
	offset++
	if !kind.Valid() {
		return decodeErr("unsupported frame kind: %d", kind)
	}
	id := binary.BigEndian.Uint32(body[offset:])
	offset += 4
	code := int32(binary.BigEndian.Uint32(body[offset:]))
	offset += 4
	methodLen := int(binary.BigEndian.Uint16(body[offset:]))
	offset += 2
	if len(body)-offset < methodLen+4 {
		return decodeErr("truncated method: want %d bytes", methodLen)
	}
	method := string(body[offset : offset+methodLen])
	offset += methodLen
	payloadLen := binary.BigEndian.Uint32(body[offset:])
	offset += 4
	if uint64(len(body)-offset) != uint64(payloadLen) {
		return decodeErr("payload length %d, received %d", payloadLen, len(body)-offset)
	}

	switch kind {
	case message.KindRequest, message.KindNotification:
		if methodLen == 0 {
			return decodeErr("%v without method", kind)
		}
		if code != 0 {
			return decodeErr("%v with error code %d", kind, code)
		}
	case message.KindResponse:
		if methodLen != 0 {
			return decodeErr("response carrying a method")
		}
	}

	f.Kind = kind
	f.ID = id
	f.ErrorCode = code
	f.Method = method
	f.Payload = body[offset:]
	return nil
}
