// Package codec implements the wire encoding of RPC frames and broadcast frames.
//
// RPC frame layout (all integers big-endian):
//
//	0        4    5        9        13     15              15+m     19+m
//	┌────────┬────┬────────┬────────┬──────┬───────────────┬────────┬───────────┐
//	│ length │kind│   id   │  code  │ mlen │  method bytes │  plen  │ payload   │
//	│ uint32 │ u8 │ uint32 │ int32  │uint16│  mlen bytes   │ uint32 │ plen bytes│
//	└────────┴────┴────────┴────────┴──────┴───────────────┴────────┴───────────┘
//
// length counts the bytes that follow it, so a stream consumer can find frame
// boundaries and a datagram consumer can check the datagram is exactly one frame.
package codec

import "looprpc/status"

type CodecType byte

const (
	CodecTypeFrame CodecType = 1 // RPC frames
	CodecTypeTopic CodecType = 2 // broadcast frames
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeTopic {
		return &TopicCodec{}
	}

	return &FrameCodec{}
}

const (
	// LengthSize is the width of the frame length prefix.
	LengthSize = 4
	// HeaderSize is kind + id + code + method length + payload length.
	HeaderSize = 1 + 4 + 4 + 2 + 4
	// MaxFrameSize bounds the declared length of a frame.
	MaxFrameSize = 64 * 1024 * 1024
	// MaxMethodLen is the largest method name the 2-byte length can carry.
	MaxMethodLen = 0xffff
	// MaxTopicLen is the largest topic the 2-byte length can carry.
	MaxTopicLen = 0xffff
)

// Overhead returns the encoded size of a frame minus its payload.
func Overhead(method string) int {
	return LengthSize + HeaderSize + len(method)
}

func decodeErr(format string, args ...any) error {
	return status.Errorf(status.DecodeError, format, args...)
}
