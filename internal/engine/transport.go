package engine

import (
	"context"
	"errors"
	"io"

	"github.com/danmuck/netbridge/internal/bridge"
	"github.com/danmuck/netbridge/internal/buffer"
	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/transport"
)

var ErrBadLength = errs.New(errs.TypeError, "engine: length must be positive")

// opErr gives uncoded failures the code a boundary caller expects.
func opErr(ctx context.Context, err error) error {
	var coded *errs.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &coded):
		return err
	case ctx.Err() != nil:
		return errs.Wrap(errs.Cancelled, ctx.Err())
	case errs.IsClosed(err):
		return errs.Wrap(errs.ConnectionClosed, err)
	}
	return errs.Wrap(errs.IOError, err)
}

// cancelled reports the loss of a race against Cancel after the result
// was produced.
var cancelled = errs.Wrap(errs.Cancelled, context.Canceled)

func (e *Engine) openStream(s *transport.Stream) *Opened {
	return &Opened{Handle: e.streams.Insert(s), free: e.StreamFree}
}

// Listen binds addr. The result is an *Opened listener handle.
func (e *Engine) Listen(fh Handle, addr string) error {
	return e.start(fh, "listen", false, func(ctx context.Context) (any, error) {
		l, err := transport.Listen(ctx, addr, e.cfg.Transport)
		if err != nil {
			return nil, err
		}
		if !bridge.Commit(ctx) {
			_ = l.Close()
			return nil, cancelled
		}
		return &Opened{Handle: e.listeners.Insert(l), free: e.ListenerFree}, nil
	})
}

// Accept waits for one connection on lh. The result is an *Accepted. Any
// number of accepts may be outstanding on one listener.
func (e *Engine) Accept(fh, lh Handle) error {
	l, err := e.listeners.Get(lh)
	if err != nil {
		return err
	}
	return e.start(fh, "accept", false, func(ctx context.Context) (any, error) {
		b, err := l.Accept(ctx)
		if err != nil {
			return nil, opErr(ctx, err)
		}
		if !bridge.Commit(ctx) {
			_ = b.Release()
			return nil, cancelled
		}
		return &Accepted{Stream: e.streams.Insert(b.Stream), Addr: e.addrs.Insert(b.Peer), e: e}, nil
	})
}

// Connect dials addr over TCP. The result is an *Opened stream handle.
func (e *Engine) Connect(fh Handle, addr string) error {
	return e.start(fh, "connect", false, func(ctx context.Context) (any, error) {
		s, err := transport.Connect(ctx, addr, e.cfg.Transport)
		if err != nil {
			return nil, err
		}
		if !bridge.Commit(ctx) {
			_ = s.Close()
			return nil, cancelled
		}
		return e.openStream(s), nil
	})
}

// TLSConnect dials addr and performs a verified handshake for domain,
// offering alpn.
func (e *Engine) TLSConnect(fh Handle, addr, domain string, alpn []string) error {
	return e.tlsConnect(fh, addr, domain, alpn, true)
}

// TLSConnectUnverified skips certificate verification.
func (e *Engine) TLSConnectUnverified(fh Handle, addr, domain string, alpn []string) error {
	return e.tlsConnect(fh, addr, domain, alpn, false)
}

func (e *Engine) tlsConnect(fh Handle, addr, domain string, alpn []string, verify bool) error {
	alpn = append([]string(nil), alpn...)
	return e.start(fh, "tls_connect", false, func(ctx context.Context) (any, error) {
		s, err := transport.TLSConnect(ctx, addr, domain, alpn, verify, e.cfg.Transport)
		if err != nil {
			return nil, err
		}
		if !bridge.Commit(ctx) {
			_ = s.Close()
			return nil, cancelled
		}
		return e.openStream(s), nil
	})
}

// TLSServerConfig builds a server configuration from a PEM key pair. The
// slices are borrowed for the call.
func (e *Engine) TLSServerConfig(certPEM, keyPEM *buffer.Slice, alpn []string) (Handle, error) {
	certB, err := borrowed(certPEM)
	if err != nil {
		return 0, err
	}
	keyB, err := borrowed(keyPEM)
	if err != nil {
		return 0, err
	}
	cert, err := transport.LoadKeyPairPEM(certB, keyB)
	if err != nil {
		return 0, err
	}
	conf := transport.ServerTLSConfig(transport.NewCertSelector(cert), append([]string(nil), alpn...))
	return e.tlsConfs.Insert(conf), nil
}

func (e *Engine) TLSConfigFree(ch Handle) error {
	_, err := e.tlsConfs.Remove(ch)
	return err
}

// TLSUpgrade runs the server handshake over sh, which is consumed. The
// result is an *Opened handle for the encrypted stream.
func (e *Engine) TLSUpgrade(fh, sh, ch Handle) error {
	conf, err := e.tlsConfs.Get(ch)
	if err != nil {
		return err
	}
	s, err := e.streams.Remove(sh)
	if err != nil {
		return err
	}
	err = e.start(fh, "tls_upgrade", true, func(ctx context.Context) (any, error) {
		out, err := transport.UpgradeServer(ctx, s, conf, e.cfg.Transport)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		return e.openStream(out), nil
	})
	if err != nil {
		_ = s.Close()
	}
	return err
}

// DetectProtocol classifies sh from its first bytes without consuming
// them. The result is a transport.Protocol.
func (e *Engine) DetectProtocol(fh, sh Handle) error {
	s, err := e.streams.Get(sh)
	if err != nil {
		return err
	}
	return e.start(fh, "detect", false, func(ctx context.Context) (any, error) {
		p, err := transport.DetectProtocol(ctx, s)
		return p, opErr(ctx, err)
	})
}

// DuplexPair creates two connected in-memory streams.
func (e *Engine) DuplexPair(bufsize int) (Handle, Handle) {
	a, b := transport.DuplexPair(bufsize)
	return e.streams.Insert(a), e.streams.Insert(b)
}

func (e *Engine) AddrIsIPv4(ah Handle) (bool, error) {
	a, err := e.addrs.Get(ah)
	return a.IsIPv4(), err
}

func (e *Engine) AddrIsIPv6(ah Handle) (bool, error) {
	a, err := e.addrs.Get(ah)
	return a.IsIPv6(), err
}

func (e *Engine) AddrString(ah Handle) (string, error) {
	a, err := e.addrs.Get(ah)
	if err != nil {
		return "", err
	}
	return a.String(), nil
}

func (e *Engine) AddrFree(ah Handle) error {
	_, err := e.addrs.Remove(ah)
	return err
}

// StreamRead reads at most size bytes. The result is an owned
// *buffer.Slice; an empty one marks the end of the stream. Bytes are only
// consumed once the read can no longer be cancelled.
func (e *Engine) StreamRead(fh, sh Handle, size int) error {
	if size <= 0 {
		return ErrBadLength
	}
	s, err := e.streams.Get(sh)
	if err != nil {
		return err
	}
	return e.start(fh, "stream_read", false, func(ctx context.Context) (any, error) {
		if _, err := s.Peek(ctx, 1); err != nil {
			if errors.Is(err, io.EOF) && ctx.Err() == nil {
				return buffer.Copy(nil), nil
			}
			return nil, opErr(ctx, err)
		}
		if !bridge.Commit(ctx) {
			return nil, cancelled
		}
		out := make([]byte, min(size, s.Buffered()))
		n, err := s.ReadFull(context.WithoutCancel(ctx), out)
		if err != nil {
			return nil, opErr(ctx, err)
		}
		return buffer.Own(out[:n]), nil
	})
}

// StreamPeek waits for n bytes and returns an owned copy without
// consuming them.
func (e *Engine) StreamPeek(fh, sh Handle, n int) error {
	if n <= 0 {
		return ErrBadLength
	}
	s, err := e.streams.Get(sh)
	if err != nil {
		return err
	}
	return e.start(fh, "stream_peek", false, func(ctx context.Context) (any, error) {
		b, err := s.Peek(ctx, n)
		if err != nil && !(errors.Is(err, io.EOF) && len(b) > 0) {
			return nil, opErr(ctx, err)
		}
		return buffer.Copy(b), nil
	})
}

// maxWriteChunk bounds one StreamWrite.
const maxWriteChunk = 64 * 1024

// StreamWrite writes up to 64 KiB of data and resolves with the number of
// bytes written; callers loop for the rest.
func (e *Engine) StreamWrite(fh, sh Handle, data *buffer.Slice) error {
	return e.streamWrite(fh, sh, data, maxWriteChunk, "stream_write")
}

// StreamWriteAll writes every byte of data before resolving.
func (e *Engine) StreamWriteAll(fh, sh Handle, data *buffer.Slice) error {
	return e.streamWrite(fh, sh, data, 0, "stream_write_all")
}

func (e *Engine) streamWrite(fh, sh Handle, data *buffer.Slice, limit int, name string) error {
	s, err := e.streams.Get(sh)
	if err != nil {
		return err
	}
	p, err := borrowed(data)
	if err != nil {
		return err
	}
	if limit > 0 && len(p) > limit {
		p = p[:limit]
	}
	return e.start(fh, name, true, func(ctx context.Context) (any, error) {
		n, err := s.WriteContext(ctx, p)
		return n, opErr(ctx, err)
	})
}

// StreamALPN is the protocol a TLS handshake on sh negotiated, or "".
func (e *Engine) StreamALPN(sh Handle) (string, error) {
	s, err := e.streams.Get(sh)
	if err != nil {
		return "", err
	}
	return s.NegotiatedProtocol(), nil
}

// StreamCloseWrite shuts down the write half of sh.
func (e *Engine) StreamCloseWrite(sh Handle) error {
	s, err := e.streams.Get(sh)
	if err != nil {
		return err
	}
	return s.CloseWrite()
}

// StreamFree closes sh and drops the handle.
func (e *Engine) StreamFree(sh Handle) error {
	s, err := e.streams.Remove(sh)
	if err != nil {
		return err
	}
	return s.Close()
}

// ListenerAddr is the bound address of lh.
func (e *Engine) ListenerAddr(lh Handle) (string, error) {
	l, err := e.listeners.Get(lh)
	if err != nil {
		return "", err
	}
	return l.Addr().String(), nil
}

func (e *Engine) ListenerFree(lh Handle) error {
	l, err := e.listeners.Remove(lh)
	if err != nil {
		return err
	}
	return l.Close()
}

// take removes sh from the table: the engine object wrapping it owns it
// from now on.
func (e *Engine) take(sh Handle) (*transport.Stream, error) {
	return e.streams.Remove(sh)
}
