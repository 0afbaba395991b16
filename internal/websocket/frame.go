package websocket

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/danmuck/netbridge/internal/buffer"
	"github.com/danmuck/netbridge/internal/errs"
)

type Opcode uint8

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (o Opcode) IsControl() bool { return o&0x8 != 0 }

func (o Opcode) IsData() bool { return o <= OpBinary }

// Valid reports whether o is a defined opcode.
func (o Opcode) Valid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%x)", uint8(o))
	}
}

const (
	finBit  = 0x80
	rsvMask = 0x70
	maskBit = 0x80

	maxHeaderLen = 14

	// MaxControlPayload bounds ping, pong and close payloads.
	MaxControlPayload = 125
)

// Close status codes used by the engine.
const (
	CloseNormal          uint16 = 1000
	CloseGoingAway       uint16 = 1001
	CloseProtocolError   uint16 = 1002
	CloseUnsupported     uint16 = 1003
	CloseNoStatus        uint16 = 1005
	CloseInvalidPayload  uint16 = 1007
	ClosePolicyViolation uint16 = 1008
	CloseTooBig          uint16 = 1009
)

var (
	ErrReservedOpcode    = errs.New(errs.ProtocolError, "websocket: reserved opcode")
	ErrFragmentedControl = errs.New(errs.ProtocolError, "websocket: fragmented control frame")
	ErrControlTooLarge   = errs.New(errs.ProtocolError, "websocket: control payload too large")
	ErrPayloadTooLarge   = errs.New(errs.ProtocolError, "websocket: payload too large")
	ErrBadLength         = errs.New(errs.ProtocolError, "websocket: invalid payload length")
	ErrBadClosePayload   = errs.New(errs.ProtocolError, "websocket: invalid close payload")
	ErrShortFrame        = errs.New(errs.ProtocolError, "websocket: unexpected eof inside frame")
)

// Frame is one decoded frame. Payload is owned by the receiver and is
// already unmasked.
type Frame struct {
	Fin     bool
	Rsv     uint8
	Opcode  Opcode
	Masked  bool
	Mask    [4]byte
	Payload *buffer.Slice
}

// Release frees the payload.
func (f *Frame) Release() error {
	if f == nil || f.Payload == nil {
		return nil
	}
	return f.Payload.Release()
}

// CloseStatus parses the payload of a close frame. An empty payload
// reports CloseNoStatus.
func (f *Frame) CloseStatus() (uint16, string, error) {
	if f.Opcode != OpClose {
		return 0, "", fmt.Errorf("%w: %s frame", ErrBadClosePayload, f.Opcode)
	}
	b, err := f.Payload.Bytes()
	if err != nil {
		return 0, "", err
	}
	return parseClosePayload(b)
}

func parseClosePayload(b []byte) (uint16, string, error) {
	switch {
	case len(b) == 0:
		return CloseNoStatus, "", nil
	case len(b) == 1:
		return 0, "", ErrBadClosePayload
	}
	reason := b[2:]
	if !utf8.Valid(reason) {
		return 0, "", fmt.Errorf("%w: reason is not utf-8", ErrBadClosePayload)
	}
	return binary.BigEndian.Uint16(b[:2]), string(reason), nil
}

// Limits constrains decode memory use.
type Limits struct {
	MaxPayload uint64
}

func DefaultLimits() Limits {
	return Limits{MaxPayload: 16 * 1024 * 1024}
}

// AppendFrame encodes one frame onto dst. A nil mask sends unmasked.
func AppendFrame(dst []byte, fin bool, rsv uint8, op Opcode, mask *[4]byte, payload []byte) []byte {
	b0 := byte(op) & 0x0f
	if fin {
		b0 |= finBit
	}
	b0 |= (rsv << 4) & rsvMask

	var b1 byte
	if mask != nil {
		b1 = maskBit
	}
	n := len(payload)
	switch {
	case n <= 125:
		dst = append(dst, b0, b1|byte(n))
	case n <= 0xffff:
		dst = append(dst, b0, b1|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, b1|127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	if mask == nil {
		return append(dst, payload...)
	}
	dst = append(dst, mask[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	applyMask(dst[start:], *mask, 0)
	return dst
}

// applyMask xors b in place with mask starting at offset pos.
func applyMask(b []byte, mask [4]byte, pos int) {
	for i := range b {
		b[i] ^= mask[(pos+i)&3]
	}
}

// closePayload builds a close frame body, trimming reason to fit the
// control frame limit on a rune boundary.
func closePayload(code uint16, reason string) []byte {
	limit := MaxControlPayload - 2
	if len(reason) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}
	out := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(out, code)
	return append(out, reason...)
}
