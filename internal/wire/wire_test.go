package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		reqID   uint64
		msgType MsgType
		payload []byte
	}{
		{"request", 42, ReqInfer, []byte("hello")},
		{"chunk", 1<<63 + 7, RespChunk, []byte("partial output text")},
		{"done", 9, RespDone, EncodeDone(8, 12345)},
		{"err", 1, RespErr, []byte("backend exploded")},
		{"empty_payload", 77, RespChunk, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := EncodeFrame(tc.reqID, tc.msgType, tc.payload)
			if len(frame) != HeaderSize+len(tc.payload) {
				t.Fatalf("frame length %d, want %d", len(frame), HeaderSize+len(tc.payload))
			}
			msg, n, err := Decode(frame)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if n != len(frame) {
				t.Fatalf("consumed %d, want %d", n, len(frame))
			}
			if msg.ReqID != tc.reqID || msg.Type != tc.msgType {
				t.Fatalf("got (%d, %v), want (%d, %v)", msg.ReqID, msg.Type, tc.reqID, tc.msgType)
			}
			if !bytes.Equal(msg.Payload, tc.payload) {
				t.Fatalf("payload %q, want %q", msg.Payload, tc.payload)
			}
		})
	}
}

func TestDecodePartial(t *testing.T) {
	frame := EncodeFrame(5, RespChunk, []byte("abcdef"))
	for cut := 0; cut < len(frame); cut++ {
		_, n, err := Decode(frame[:cut])
		if err != nil {
			t.Fatalf("cut %d: unexpected error %v", cut, err)
		}
		if n != 0 {
			t.Fatalf("cut %d: consumed %d from incomplete frame", cut, n)
		}
	}
}

// Feeding the bytes of several frames split at arbitrary boundaries must
// produce the same decoded sequence as feeding them whole.
func TestReassemblyInvariance(t *testing.T) {
	frames := [][]byte{
		EncodeFrame(1, ReqInfer, EncodeInferRequest(8, 1024, "hi")),
		EncodeFrame(1, RespChunk, []byte("alpha ")),
		EncodeFrame(1, RespChunk, nil),
		EncodeFrame(1, RespChunk, []byte("beta")),
		EncodeFrame(1, RespDone, EncodeDone(8, 99)),
	}
	var stream []byte
	for _, f := range frames {
		stream = append(stream, f...)
	}

	for _, step := range []int{1, 2, 3, 7, HeaderSize, HeaderSize + 1, len(stream)} {
		var buf []byte
		var got []Message
		for off := 0; off < len(stream); off += step {
			end := off + step
			if end > len(stream) {
				end = len(stream)
			}
			buf = append(buf, stream[off:end]...)
			for {
				msg, n, err := Decode(buf)
				if err != nil {
					t.Fatalf("step %d: decode error %v", step, err)
				}
				if n == 0 {
					break
				}
				buf = buf[n:]
				got = append(got, msg)
			}
		}
		if len(buf) != 0 {
			t.Fatalf("step %d: %d residual bytes", step, len(buf))
		}
		if len(got) != len(frames) {
			t.Fatalf("step %d: decoded %d messages, want %d", step, len(got), len(frames))
		}
		for i, msg := range got {
			want, _, _ := Decode(frames[i])
			if msg.ReqID != want.ReqID || msg.Type != want.Type || !bytes.Equal(msg.Payload, want.Payload) {
				t.Fatalf("step %d: message %d = %+v, want %+v", step, i, msg, want)
			}
		}
	}
}

func TestDecodeBadMagic(t *testing.T) {
	frame := EncodeFrame(1, RespChunk, []byte("x"))
	binary.LittleEndian.PutUint32(frame[0:4], 0xdeadbeef)
	_, _, err := Decode(frame)
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestDecodeBadVersion(t *testing.T) {
	frame := EncodeFrame(1, RespChunk, []byte("x"))
	binary.LittleEndian.PutUint16(frame[4:6], Version+1)
	_, _, err := Decode(frame)
	if !errors.Is(err, ErrBadVersion) {
		t.Fatalf("err = %v, want ErrBadVersion", err)
	}
}

func TestDecodeOversizedFrame(t *testing.T) {
	frame := EncodeFrame(1, RespChunk, nil)
	binary.LittleEndian.PutUint32(frame[20:24], MaxPayload+1)
	_, _, err := Decode(frame)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestInferRequestRoundTrip(t *testing.T) {
	p := EncodeInferRequest(64, 256<<10, "explain tag matching")
	maxTokens, credit, prompt, err := ParseInferRequest(p)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if maxTokens != 64 || credit != 256<<10 || prompt != "explain tag matching" {
		t.Fatalf("got (%d, %d, %q)", maxTokens, credit, prompt)
	}
}

func TestInferRequestShortPayload(t *testing.T) {
	p := EncodeInferRequest(8, 1024, "a longer prompt than declared below")
	// Truncate the prompt bytes so the payload no longer covers prompt_len.
	_, _, _, err := ParseInferRequest(p[:ReqHeaderSize+4])
	if !errors.Is(err, ErrShortPayload) {
		t.Fatalf("err = %v, want ErrShortPayload", err)
	}
	if _, _, _, err := ParseInferRequest(p[:6]); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("err = %v, want ErrShortPayload", err)
	}
}

func TestDoneRoundTrip(t *testing.T) {
	d, err := ParseDone(EncodeDone(128, 4_200_000))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Tokens != 128 || d.ElapsedUs != 4_200_000 {
		t.Fatalf("got %+v", d)
	}
}
