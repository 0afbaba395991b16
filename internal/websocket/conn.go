// Package websocket implements RFC 6455 framing over a transport stream.
// It decodes one frame per read and leaves message reassembly, masking
// policy and close replies to the caller.
package websocket

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/danmuck/netbridge/internal/bridge"
	"github.com/danmuck/netbridge/internal/buffer"
	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/observability"
	"github.com/danmuck/netbridge/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnectionClosed = errs.New(errs.ConnectionClosed, "websocket: connection closed")
	ErrFragmentControl  = errs.New(errs.TypeError, "websocket: control frames cannot be fragmented")
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey derives Sec-WebSocket-Accept from Sec-WebSocket-Key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// NewClientKey returns a fresh Sec-WebSocket-Key.
func NewClientKey() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

// SendOptions picks the send variant.
type SendOptions struct {
	Masked bool
	// Fragment clears FIN so more frames of the message follow.
	Fragment bool
}

// Conn is a framed WebSocket connection. One reader and one writer may
// run concurrently.
type Conn struct {
	s       *transport.Stream
	limits  Limits
	rmu     sync.Mutex
	wmu     sync.Mutex
	partial *partialFrame
	logger  zerolog.Logger
}

// partialFrame is a frame whose header was consumed while its payload was
// still arriving when a read gave up. The next ReadFrame resumes it.
type partialFrame struct {
	f       *Frame
	payload []byte
	got     int
}

func New(s *transport.Stream, limits Limits) *Conn {
	if limits.MaxPayload == 0 {
		limits = DefaultLimits()
	}
	return &Conn{
		s:      s,
		limits: limits,
		logger: log.With().Str("component", "websocket").Str("stream", s.ID().String()).Logger(),
	}
}

func (c *Conn) Stream() *transport.Stream { return c.s }

// ReadFrame decodes exactly one frame. The header is only peeked until the
// read commits, so a read cancelled before that consumes nothing. A read
// interrupted inside the payload keeps what arrived and the next call
// continues the same frame.
func (c *Conn) ReadFrame(ctx context.Context) (*Frame, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if c.partial == nil {
		f, size, length, err := c.peekHeader(ctx)
		if err != nil {
			return nil, err
		}
		if !bridge.Commit(ctx) {
			return nil, errs.Wrap(errs.Cancelled, context.Canceled)
		}
		var hdr [maxHeaderLen]byte
		if _, err := c.s.ReadFull(context.WithoutCancel(ctx), hdr[:size]); err != nil {
			return nil, c.readErr(err)
		}
		c.partial = &partialFrame{f: f, payload: make([]byte, length)}
	} else if !bridge.Commit(ctx) {
		return nil, errs.Wrap(errs.Cancelled, context.Canceled)
	}

	p := c.partial
	if p.got < len(p.payload) {
		n, err := c.s.ReadFull(ctx, p.payload[p.got:])
		p.got += n
		if err != nil {
			if ctx.Err() == nil {
				c.partial = nil
			}
			return nil, c.readErr(err)
		}
	}
	c.partial = nil

	f := p.f
	if f.Masked {
		applyMask(p.payload, f.Mask, 0)
	}
	if f.Opcode == OpClose {
		if _, _, err := parseClosePayload(p.payload); err != nil {
			return nil, err
		}
	}
	f.Payload = buffer.Own(p.payload)
	observability.RecordFrame("websocket", "in", f.Opcode.String())
	return f, nil
}

// peekHeader decodes and validates the next frame header without
// consuming it. size is the header length on the wire.
func (c *Conn) peekHeader(ctx context.Context) (*Frame, int, uint64, error) {
	hdr, err := c.s.Peek(ctx, 2)
	if err != nil {
		if len(hdr) == 0 && errors.Is(err, io.EOF) {
			return nil, 0, 0, ErrConnectionClosed
		}
		return nil, 0, 0, c.readErr(err)
	}

	f := &Frame{
		Fin:    hdr[0]&finBit != 0,
		Rsv:    (hdr[0] & rsvMask) >> 4,
		Opcode: Opcode(hdr[0] & 0x0f),
		Masked: hdr[1]&maskBit != 0,
	}
	if !f.Opcode.Valid() {
		return nil, 0, 0, fmt.Errorf("%w: 0x%x", ErrReservedOpcode, uint8(f.Opcode))
	}

	size := 2
	length := uint64(hdr[1] & 0x7f)
	switch length {
	case 126:
		size += 2
	case 127:
		size += 8
	}
	if f.Masked {
		size += 4
	}
	if size > 2 {
		if hdr, err = c.s.Peek(ctx, size); err != nil {
			return nil, 0, 0, c.readErr(err)
		}
	}

	switch length {
	case 126:
		length = uint64(binary.BigEndian.Uint16(hdr[2:4]))
	case 127:
		length = binary.BigEndian.Uint64(hdr[2:10])
		if length>>63 != 0 {
			return nil, 0, 0, ErrBadLength
		}
	}

	if f.Opcode.IsControl() {
		if !f.Fin {
			return nil, 0, 0, ErrFragmentedControl
		}
		if length > MaxControlPayload {
			return nil, 0, 0, ErrControlTooLarge
		}
	}
	if length > c.limits.MaxPayload {
		return nil, 0, 0, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, length, c.limits.MaxPayload)
	}
	if f.Masked {
		copy(f.Mask[:], hdr[size-4:size])
	}
	return f, size, length, nil
}

func (c *Conn) readErr(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ErrShortFrame
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errs.Wrap(errs.IOError, err)
}

// Send writes one frame. Fragmented or oversized control frames are
// rejected.
func (c *Conn) Send(ctx context.Context, op Opcode, payload []byte, opts SendOptions) error {
	if !op.Valid() {
		return fmt.Errorf("%w: 0x%x", ErrReservedOpcode, uint8(op))
	}
	if op.IsControl() {
		if opts.Fragment {
			return ErrFragmentControl
		}
		if len(payload) > MaxControlPayload {
			return ErrControlTooLarge
		}
	}
	return c.write(ctx, !opts.Fragment, op, payload, opts.Masked)
}

// Close sends a close frame with code and reason. It does not wait for
// the peer's close frame.
func (c *Conn) Close(ctx context.Context, code uint16, reason string, masked bool) error {
	return c.write(ctx, true, OpClose, closePayload(code, reason), masked)
}

func (c *Conn) write(ctx context.Context, fin bool, op Opcode, payload []byte, masked bool) error {
	var mask *[4]byte
	if masked {
		var key [4]byte
		if _, err := rand.Read(key[:]); err != nil {
			return errs.Wrap(errs.IOError, err)
		}
		mask = &key
	}
	frame := AppendFrame(make([]byte, 0, len(payload)+14), fin, 0, op, mask, payload)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.s.WriteContext(ctx, frame); err != nil {
		if errs.IsClosed(err) {
			return ErrConnectionClosed
		}
		return errs.Wrap(errs.IOError, err)
	}
	observability.RecordFrame("websocket", "out", op.String())
	c.logger.Trace().Str("opcode", op.String()).Int("len", len(payload)).Bool("masked", masked).Msg("frame sent")
	return nil
}

// Release closes the underlying stream.
func (c *Conn) Release() error {
	return c.s.Close()
}
