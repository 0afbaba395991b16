// Package transport provides the byte streams the protocol engines run on:
// TCP, TLS and an in-memory duplex pipe.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/observability"
	"github.com/google/uuid"
)

var ErrStreamClosed = errs.New(errs.ConnectionClosed, "transport: stream closed")

type Kind int

const (
	KindTCP Kind = iota
	KindTLS
	KindPipe
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindTLS:
		return "tls"
	case KindPipe:
		return "pipe"
	default:
		return "unknown"
	}
}

// Stream is a duplex byte channel with a peekable read side.
type Stream struct {
	conn net.Conn
	r    *bufio.Reader
	kind Kind
	id   uuid.UUID
	alpn string

	closeOnce sync.Once
	closeErr  error
}

func newStream(conn net.Conn, kind Kind, bufsize int) *Stream {
	if bufsize <= 0 {
		bufsize = DefaultConfig().ReadBufferSize
	}
	return &Stream{
		conn: conn,
		r:    bufio.NewReaderSize(conn, bufsize),
		kind: kind,
		id:   uuid.New(),
	}
}

// NewStream wraps an established connection.
func NewStream(conn net.Conn, kind Kind) *Stream {
	return newStream(conn, kind, 0)
}

func (s *Stream) ID() uuid.UUID { return s.id }

func (s *Stream) Kind() Kind { return s.kind }

// NegotiatedProtocol is the ALPN result of a TLS stream, or "".
func (s *Stream) NegotiatedProtocol() string { return s.alpn }

func (s *Stream) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	observability.RecordBytes(s.kind.String(), "in", n)
	return n, err
}

func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.conn.Write(p)
	observability.RecordBytes(s.kind.String(), "out", n)
	return n, err
}

// ReadContext reads like Read but gives up when ctx is done. Bytes already
// buffered stay buffered.
func (s *Stream) ReadContext(ctx context.Context, p []byte) (int, error) {
	stop := s.interruptReads(ctx)
	n, err := s.Read(p)
	return n, stop(err)
}

// ReadFull fills p or fails, honouring ctx.
func (s *Stream) ReadFull(ctx context.Context, p []byte) (int, error) {
	stop := s.interruptReads(ctx)
	n, err := io.ReadFull(s, p)
	return n, stop(err)
}

// WriteContext writes all of p, giving up when ctx is done.
func (s *Stream) WriteContext(ctx context.Context, p []byte) (int, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetWriteDeadline(time.Unix(1, 0))
	})
	n, err := s.Write(p)
	if !stop() {
		_ = s.conn.SetWriteDeadline(time.Time{})
		if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
			err = ctxErr
		}
	}
	return n, err
}

// Peek returns the next n bytes without consuming them, waiting for them
// to arrive.
func (s *Stream) Peek(ctx context.Context, n int) ([]byte, error) {
	stop := s.interruptReads(ctx)
	b, err := s.r.Peek(n)
	return b, stop(err)
}

// Buffered returns the bytes read from the connection but not yet consumed.
func (s *Stream) Buffered() int { return s.r.Buffered() }

func (s *Stream) interruptReads(ctx context.Context) func(error) error {
	if ctx.Done() == nil {
		return func(err error) error { return err }
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Unix(1, 0))
	})
	return func(err error) error {
		if stop() {
			return err
		}
		_ = s.conn.SetReadDeadline(time.Time{})
		if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
			return ctxErr
		}
		return err
	}
}

// CloseWrite shuts down the write half when the underlying connection
// supports it, and closes the stream otherwise.
func (s *Stream) CloseWrite() error {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return s.Close()
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Release satisfies the result-release contract of the future bridge.
func (s *Stream) Release() error { return s.Close() }

// NetConn returns a connection that yields the buffered bytes first.
func (s *Stream) NetConn() net.Conn {
	if s.r.Buffered() == 0 {
		return s.conn
	}
	return &readerConn{Conn: s.conn, r: s.r}
}

// WithPrefix returns a stream that replays prefix before the remaining
// bytes of s. s must not be used afterwards.
func (s *Stream) WithPrefix(prefix []byte) *Stream {
	if len(prefix) == 0 {
		return s
	}
	p := make([]byte, len(prefix))
	copy(p, prefix)
	conn := &readerConn{Conn: s.conn, r: io.MultiReader(bytes.NewReader(p), s.r)}
	out := newStream(conn, s.kind, s.r.Size())
	out.id = s.id
	out.alpn = s.alpn
	return out
}

type readerConn struct {
	net.Conn
	r io.Reader
}

func (c *readerConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *readerConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

type Family int

const (
	FamilyUnknown Family = iota
	FamilyIPv4
	FamilyIPv6
)

// PeerAddress is the remote endpoint of an accepted stream.
type PeerAddress struct {
	Family Family
	Addr   netip.AddrPort
	raw    string
}

func peerFrom(addr net.Addr) PeerAddress {
	if addr == nil {
		return PeerAddress{}
	}
	out := PeerAddress{raw: addr.String()}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return out
	}
	out.Addr = ap
	if ap.Addr().Unmap().Is4() {
		out.Family = FamilyIPv4
	} else {
		out.Family = FamilyIPv6
	}
	return out
}

func (p PeerAddress) IsIPv4() bool { return p.Family == FamilyIPv4 }

func (p PeerAddress) IsIPv6() bool { return p.Family == FamilyIPv6 }

func (p PeerAddress) Port() uint16 { return p.Addr.Port() }

func (p PeerAddress) String() string {
	if p.Addr.IsValid() {
		return p.Addr.String()
	}
	return p.raw
}

// Bundle is the result of accept: the stream and who is on the other end.
type Bundle struct {
	Stream *Stream
	Peer   PeerAddress
}

// Release closes the bundled stream.
func (b Bundle) Release() error {
	if b.Stream == nil {
		return nil
	}
	return b.Stream.Close()
}
