package codec

import (
	"encoding/binary"
	"fmt"

	"looprpc/message"
	"looprpc/status"
)

// TopicCodec encodes *message.BroadcastFrame values:
// topic length (2) | topic | payload length (4) | payload.
type TopicCodec struct{}

func (c *TopicCodec) Encode(v any) ([]byte, error) {
	f, ok := v.(*message.BroadcastFrame)
	if !ok {
		return nil, fmt.Errorf("TopicCodec: v must be *message.BroadcastFrame, got %T", v)
	}
	return EncodeBroadcast(f)
}

func (c *TopicCodec) Decode(data []byte, v any) error {
	f, ok := v.(*message.BroadcastFrame)
	if !ok {
		return fmt.Errorf("TopicCodec: v must be *message.BroadcastFrame, got %T", v)
	}
	return DecodeBroadcast(data, f)
}

func (c *TopicCodec) Type() CodecType {
	return CodecTypeTopic
}

// EncodeBroadcast serializes a broadcast frame. Empty topics are allowed:
// they match only subscribers of the empty topic.
func EncodeBroadcast(f *message.BroadcastFrame) ([]byte, error) {
	if len(f.Topic) > MaxTopicLen {
		return nil, status.Errorf(status.InvalidArgument, "topic too long (%d bytes)", len(f.Topic))
	}
	if len(f.Payload) > MaxFrameSize {
		return nil, status.Errorf(status.PayloadTooLarge, "payload of %d bytes exceeds %d", len(f.Payload), MaxFrameSize)
	}
	buf := make([]byte, 2+len(f.Topic)+4+len(f.Payload))
	binary.BigEndian.PutUint16(buf, uint16(len(f.Topic)))
	offset := 2
	offset += copy(buf[offset:], f.Topic)
	binary.BigEndian.PutUint32(buf[offset:], uint32(len(f.Payload)))
	offset += 4
	copy(buf[offset:], f.Payload)
	return buf, nil
}

// DecodeBroadcast parses exactly one broadcast frame. Payload aliases data.
func DecodeBroadcast(data []byte, f *message.BroadcastFrame) error {
	if len(data) < 2 {
		return decodeErr("short broadcast frame: %d bytes", len(data))
	}
	topicLen := int(binary.BigEndian.Uint16(data))
	offset := 2
	if len(data)-offset < topicLen+4 {
		return decodeErr("truncated topic: want %d bytes", topicLen)
	}
	topic := string(data[offset : offset+topicLen])
	offset += topicLen
	payloadLen := binary.BigEndian.Uint32(data[offset:])
	offset += 4
	if uint64(len(data)-offset) != uint64(payloadLen) {
		return decodeErr("payload length %d, received %d", payloadLen, len(data)-offset)
	}
	f.Topic = topic
	f.Payload = data[offset:]
	return nil
}
