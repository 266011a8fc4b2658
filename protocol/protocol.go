// Package protocol implements the stream framing that carries codec frames
// between a connector and a listener.
//
// A connection opens with a 4-byte greeting written by the connector. After
// that both directions exchange envelopes. An envelope is three pieces: the
// peer identity, an empty delimiter, and the body (an RPC frame, a broadcast
// frame, or a subscription command). The listener uses the identity piece to
// route a response back to the peer that sent the request.
//
// Piece format:
//
//	0     1          5
//	┌─────┬──────────┬──────────────┐
//	│flags│  length  │  bytes ...   │
//	│     │  uint32  │ length bytes │
//	└─────┴──────────┴──────────────┘
//
// flags bit0 (MORE) is set on every piece except the last of an envelope.
// flags bit1 (COMMAND) marks a body carrying a subscription command.
package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"looprpc/codec"
	"looprpc/status"
)

// Greeting bytes: "lrp" + version.
const (
	GreetingByte1 byte = 'l'
	GreetingByte2 byte = 'r'
	GreetingByte3 byte = 'p'
	Version       byte = 0x01
	GreetingSize  int  = 4
)

const (
	FlagMore    byte = 1 << 0
	FlagCommand byte = 1 << 1

	PieceHeaderSize = 5 // 1 (flags) + 4 (length)
	MaxIdentityLen  = 255
	// MaxPieceSize bounds a body piece: the largest frame plus its length prefix.
	MaxPieceSize = codec.MaxFrameSize + codec.LengthSize
)

// Subscription command opcodes, the first byte of a command body.
const (
	CmdUnsubscribe byte = 0x00
	CmdSubscribe   byte = 0x01
)

var greeting = []byte{GreetingByte1, GreetingByte2, GreetingByte3, Version}

// WriteGreeting writes the connection greeting.
func WriteGreeting(w io.Writer) error {
	_, err := w.Write(greeting)
	return err
}

// ReadGreeting reads and validates the connection greeting.
func ReadGreeting(r io.Reader) error {
	buf := make([]byte, GreetingSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if !bytes.Equal(buf[:3], greeting[:3]) {
		return status.Errorf(status.DecodeError, "invalid greeting: %x", buf[:3])
	}
	if buf[3] != Version {
		return status.Errorf(status.DecodeError, "unsupported version: %d", buf[3])
	}
	return nil
}

// Envelope is one reassembled three-piece message.
type Envelope struct {
	Identity []byte
	Body     []byte
	Command  bool
}

// AppendEnvelope appends the wire pieces of env to dst.
func AppendEnvelope(dst []byte, env *Envelope) []byte {
	dst = appendPiece(dst, FlagMore, env.Identity)
	dst = appendPiece(dst, FlagMore, nil)
	var flags byte
	if env.Command {
		flags = FlagCommand
	}
	return appendPiece(dst, flags, env.Body)
}

func appendPiece(dst []byte, flags byte, data []byte) []byte {
	var hdr [PieceHeaderSize]byte
	hdr[0] = flags
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(data)))
	dst = append(dst, hdr[:]...)
	return append(dst, data...)
}

// WriteEnvelope writes env to w in one Write call, so a single writer
// goroutine never interleaves two envelopes.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	if len(env.Identity) > MaxIdentityLen {
		return status.Errorf(status.InvalidArgument, "identity of %d bytes", len(env.Identity))
	}
	buf := make([]byte, 0, 3*PieceHeaderSize+len(env.Identity)+len(env.Body))
	_, err := w.Write(AppendEnvelope(buf, env))
	return err
}

// ReadEnvelope reads pieces until one without MORE and reassembles them.
// Anything other than {identity}{empty}{body} is a DecodeError; the caller
// should drop the connection since the stream can no longer be trusted.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var env Envelope
	for i := 0; ; i++ {
		flags, data, err := readPiece(r)
		if err != nil {
			return nil, err
		}
		more := flags&FlagMore != 0
		switch i {
		case 0:
			if !more {
				return nil, status.Errorf(status.DecodeError, "envelope of one piece")
			}
			if len(data) > MaxIdentityLen {
				return nil, status.Errorf(status.DecodeError, "identity of %d bytes", len(data))
			}
			env.Identity = data
		case 1:
			if !more {
				return nil, status.Errorf(status.DecodeError, "envelope of two pieces")
			}
			if len(data) != 0 {
				return nil, status.Errorf(status.DecodeError, "non-empty delimiter of %d bytes", len(data))
			}
		case 2:
			if more {
				return nil, status.Errorf(status.DecodeError, "envelope longer than three pieces")
			}
			env.Body = data
			env.Command = flags&FlagCommand != 0
			return &env, nil
		}
		if flags&FlagCommand != 0 {
			return nil, status.Errorf(status.DecodeError, "command flag on piece %d", i)
		}
	}
}

func readPiece(r io.Reader) (byte, []byte, error) {
	var hdr [PieceHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	if hdr[0]&^(FlagMore|FlagCommand) != 0 {
		return 0, nil, status.Errorf(status.DecodeError, "unknown piece flags: %#x", hdr[0])
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxPieceSize {
		return 0, nil, status.Errorf(status.DecodeError, "piece of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, err
	}
	return hdr[0], data, nil
}

// Command is a subscription change sent from a subscriber to a publisher.
type Command struct {
	Subscribe bool
	Topic     string
}

// EncodeCommand returns the body of a command envelope.
func EncodeCommand(c Command) []byte {
	op := CmdUnsubscribe
	if c.Subscribe {
		op = CmdSubscribe
	}
	return append([]byte{op}, c.Topic...)
}

// DecodeCommand parses the body of a command envelope.
func DecodeCommand(body []byte) (Command, error) {
	if len(body) == 0 {
		return Command{}, status.Errorf(status.DecodeError, "empty command")
	}
	switch body[0] {
	case CmdSubscribe:
		return Command{Subscribe: true, Topic: string(body[1:])}, nil
	case CmdUnsubscribe:
		return Command{Topic: string(body[1:])}, nil
	default:
		return Command{}, status.Errorf(status.DecodeError, "unknown command: %#x", body[0])
	}
}
