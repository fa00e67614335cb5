// Package wire defines the inferwire frame envelope and payload layouts.
//
// Every message on the wire is one frame: a fixed 24-byte header followed by
// exactly Length payload bytes. There is no outer length prefix; the header's
// own Length field is the single canonical framing.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic identifies an inferwire frame. "IWR1" little-endian.
	Magic uint32 = 0x31525749

	// Version is the only protocol version this build speaks.
	Version uint16 = 1

	// HeaderSize is the encoded size of the frame header in bytes.
	HeaderSize = 24

	// MaxPayload bounds a single frame's payload. Frames declaring more are a
	// protocol error, which also bounds inbound buffer growth per connection.
	MaxPayload = 16 << 20

	// ReqHeaderSize is the fixed prefix of a ReqInfer payload.
	ReqHeaderSize = 12

	// DoneSize is the payload size of a RespDone frame.
	DoneSize = 16
)

// MsgType enumerates frame types.
type MsgType uint16

const (
	ReqInfer  MsgType = 1 // client -> server inference request
	RespChunk MsgType = 2 // server -> client incremental output
	RespDone  MsgType = 3 // server -> client terminal marker
	RespErr   MsgType = 4 // server -> client error text
)

func (t MsgType) String() string {
	switch t {
	case ReqInfer:
		return "REQ_INFER"
	case RespChunk:
		return "RESP_CHUNK"
	case RespDone:
		return "RESP_DONE"
	case RespErr:
		return "RESP_ERR"
	}
	return fmt.Sprintf("MsgType(%d)", uint16(t))
}

var (
	ErrBadMagic      = errors.New("wire: bad magic")
	ErrBadVersion    = errors.New("wire: unsupported protocol version")
	ErrFrameTooLarge = errors.New("wire: frame payload exceeds limit")
	ErrShortPayload  = errors.New("wire: payload shorter than declared")
)

// Message is one decoded frame as handed to transport handlers. Payload is
// owned by the receiver; decoding always copies it out of transport buffers.
type Message struct {
	ReqID   uint64
	Type    MsgType
	Payload []byte
}

// AppendFrame appends one encoded frame to dst and returns the extended slice.
func AppendFrame(dst []byte, reqID uint64, t MsgType, payload []byte) []byte {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint16(hdr[4:6], Version)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(t))
	binary.LittleEndian.PutUint64(hdr[8:16], reqID)
	binary.LittleEndian.PutUint32(hdr[16:20], 0) // flags, reserved
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// EncodeFrame builds one frame as a fresh slice.
func EncodeFrame(reqID uint64, t MsgType, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), reqID, t, payload)
}

// Decode attempts to parse one complete frame from the front of buf.
//
// It returns the decoded message and the number of bytes consumed. A zero
// consumed count with a nil error means buf does not yet hold a complete frame
// and the caller should wait for more data. A non-nil error is a protocol
// violation and is fatal to the connection or endpoint that produced buf.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < HeaderSize {
		return Message{}, 0, nil
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return Message{}, 0, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != Version {
		return Message{}, 0, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, v, Version)
	}
	length := binary.LittleEndian.Uint32(buf[20:24])
	if length > MaxPayload {
		return Message{}, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	total := HeaderSize + int(length)
	if len(buf) < total {
		return Message{}, 0, nil
	}
	msg := Message{
		ReqID: binary.LittleEndian.Uint64(buf[8:16]),
		Type:  MsgType(binary.LittleEndian.Uint16(buf[6:8])),
	}
	if length > 0 {
		msg.Payload = make([]byte, length)
		copy(msg.Payload, buf[HeaderSize:total])
	}
	return msg, total, nil
}

// EncodeInferRequest builds a ReqInfer payload:
// max_tokens u32, credit_bytes u32, prompt_len u32, prompt bytes.
func EncodeInferRequest(maxTokens, creditBytes uint32, prompt string) []byte {
	p := make([]byte, ReqHeaderSize, ReqHeaderSize+len(prompt))
	binary.LittleEndian.PutUint32(p[0:4], maxTokens)
	binary.LittleEndian.PutUint32(p[4:8], creditBytes)
	binary.LittleEndian.PutUint32(p[8:12], uint32(len(prompt)))
	return append(p, prompt...)
}

// ParseInferRequest decodes a ReqInfer payload. A payload shorter than the
// fixed prefix plus the declared prompt length fails with ErrShortPayload.
func ParseInferRequest(payload []byte) (maxTokens, creditBytes uint32, prompt string, err error) {
	if len(payload) < ReqHeaderSize {
		return 0, 0, "", fmt.Errorf("%w: %d byte request payload", ErrShortPayload, len(payload))
	}
	maxTokens = binary.LittleEndian.Uint32(payload[0:4])
	creditBytes = binary.LittleEndian.Uint32(payload[4:8])
	promptLen := binary.LittleEndian.Uint32(payload[8:12])
	if uint32(len(payload)-ReqHeaderSize) < promptLen {
		return 0, 0, "", fmt.Errorf("%w: declared prompt_len %d, have %d bytes",
			ErrShortPayload, promptLen, len(payload)-ReqHeaderSize)
	}
	prompt = string(payload[ReqHeaderSize : ReqHeaderSize+int(promptLen)])
	return maxTokens, creditBytes, prompt, nil
}

// Done is the decoded payload of a RespDone frame.
type Done struct {
	Tokens    uint32
	ElapsedUs uint64
}

// EncodeDone builds a RespDone payload: tokens u32, reserved u32, elapsed_us u64.
func EncodeDone(tokens uint32, elapsedUs uint64) []byte {
	p := make([]byte, DoneSize)
	binary.LittleEndian.PutUint32(p[0:4], tokens)
	binary.LittleEndian.PutUint64(p[8:16], elapsedUs)
	return p
}

// ParseDone decodes a RespDone payload.
func ParseDone(payload []byte) (Done, error) {
	if len(payload) < DoneSize {
		return Done{}, fmt.Errorf("%w: %d byte done payload", ErrShortPayload, len(payload))
	}
	return Done{
		Tokens:    binary.LittleEndian.Uint32(payload[0:4]),
		ElapsedUs: binary.LittleEndian.Uint64(payload[8:16]),
	}, nil
}
