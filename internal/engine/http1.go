package engine

import (
	"context"
	"fmt"

	"github.com/danmuck/netbridge/internal/buffer"
	"github.com/danmuck/netbridge/internal/http1"
	"github.com/danmuck/netbridge/internal/http2"
	"github.com/danmuck/netbridge/internal/message"
)

// Http1New wraps sh, which is consumed, in a server socket.
func (e *Engine) Http1New(sh Handle, bufsize int) (Handle, error) {
	s, err := e.take(sh)
	if err != nil {
		return 0, err
	}
	return e.servers.Insert(http1.NewSocket(s, bufsize, e.cfg.HTTP1)), nil
}

// HTTPType reports the protocol version behind a server socket handle.
func (e *Engine) HTTPType(hh Handle) (message.Version, error) {
	s, err := e.servers.Get(hh)
	if err != nil {
		return message.VersionUnknown, err
	}
	return s.Version(), nil
}

func (e *Engine) serverRead(fh, hh Handle, name string, read func(message.ServerSocket, context.Context) (*message.Request, error)) error {
	s, err := e.servers.Get(hh)
	if err != nil {
		return err
	}
	return e.start(fh, name, false, func(ctx context.Context) (any, error) {
		req, err := read(s, ctx)
		return req, opErr(ctx, err)
	})
}

// HTTPReadClient advances the request read by one step. The result is a
// *message.Request snapshot.
func (e *Engine) HTTPReadClient(fh, hh Handle) error {
	return e.serverRead(fh, hh, "http_read", message.ServerSocket.ReadRequest)
}

func (e *Engine) HTTPReadUntilHeadComplete(fh, hh Handle) error {
	return e.serverRead(fh, hh, "http_read_head", message.ServerSocket.ReadUntilHeadComplete)
}

func (e *Engine) HTTPReadUntilComplete(fh, hh Handle) error {
	return e.serverRead(fh, hh, "http_read_all", message.ServerSocket.ReadUntilComplete)
}

func (e *Engine) HTTPSetStatus(hh Handle, code int, reason string) error {
	s, err := e.servers.Get(hh)
	if err != nil {
		return err
	}
	return s.SetStatus(code, reason)
}

func (e *Engine) HTTPSetHeader(hh Handle, p buffer.HeaderPair) error {
	s, err := e.servers.Get(hh)
	if err != nil {
		return err
	}
	name, value, err := p.Strings()
	if err != nil {
		return err
	}
	return s.SetHeader(name, value)
}

func (e *Engine) HTTPAddHeader(hh Handle, p buffer.HeaderPair) error {
	s, err := e.servers.Get(hh)
	if err != nil {
		return err
	}
	name, value, err := p.Strings()
	if err != nil {
		return err
	}
	return s.AddHeader(name, value)
}

// HTTPDelHeader removes every field called name.
func (e *Engine) HTTPDelHeader(hh Handle, name *buffer.Slice) error {
	s, err := e.servers.Get(hh)
	if err != nil {
		return err
	}
	text, err := name.Text()
	if err != nil {
		return err
	}
	return s.DelHeader(text)
}

func (e *Engine) serverWrite(fh, hh Handle, data *buffer.Slice, name string, write func(message.ServerSocket, context.Context, []byte) error) error {
	s, err := e.servers.Get(hh)
	if err != nil {
		return err
	}
	p, err := borrowed(data)
	if err != nil {
		return err
	}
	return e.start(fh, name, true, func(ctx context.Context) (any, error) {
		return nil, opErr(ctx, write(s, ctx, p))
	})
}

// HTTPWrite sends the head on first use, then data as body.
func (e *Engine) HTTPWrite(fh, hh Handle, data *buffer.Slice) error {
	return e.serverWrite(fh, hh, data, "http_write", message.ServerSocket.Write)
}

// HTTPClose writes final and finishes the response.
func (e *Engine) HTTPClose(fh, hh Handle, final *buffer.Slice) error {
	return e.serverWrite(fh, hh, final, "http_close", message.ServerSocket.Close)
}

func (e *Engine) HTTPFlush(fh, hh Handle) error {
	return e.serverWrite(fh, hh, nil, "http_flush", func(s message.ServerSocket, ctx context.Context, _ []byte) error {
		return s.Flush(ctx)
	})
}

// Http1DirectWrite bypasses response framing.
func (e *Engine) Http1DirectWrite(fh, hh Handle, data *buffer.Slice) error {
	s, err := e.http1Socket(hh)
	if err != nil {
		return err
	}
	p, err := borrowed(data)
	if err != nil {
		return err
	}
	return e.start(fh, "http1_direct_write", true, func(ctx context.Context) (any, error) {
		return nil, opErr(ctx, s.DirectWrite(ctx, p))
	})
}

func (e *Engine) http1Socket(hh Handle) (*http1.Socket, error) {
	v, err := e.servers.Get(hh)
	if err != nil {
		return nil, err
	}
	s, ok := v.(*http1.Socket)
	if !ok {
		return nil, fmt.Errorf("%w: want an http/1 socket", ErrWrongKind)
	}
	return s, nil
}

// Http1WebSocket answers the upgrade request read on hh. On success hh is
// consumed and the result is an *Opened WebSocket handle.
func (e *Engine) Http1WebSocket(fh, hh Handle) error {
	s, err := e.http1Socket(hh)
	if err != nil {
		return err
	}
	return e.start(fh, "http1_websocket", true, func(ctx context.Context) (any, error) {
		conn, err := s.AcceptWebSocket(ctx, e.cfg.WebSocket)
		if err != nil {
			return nil, opErr(ctx, err)
		}
		_, _ = e.servers.Remove(hh)
		return &Opened{Handle: e.sockets.Insert(conn), free: e.WebSocketFree}, nil
	})
}

// Http1H2C answers an h2c upgrade request. On success hh is consumed and
// the result is an *Opened server session whose stream 1 carries the
// upgraded request.
func (e *Engine) Http1H2C(fh, hh Handle) error {
	s, err := e.http1Socket(hh)
	if err != nil {
		return err
	}
	return e.start(fh, "http1_h2c", true, func(ctx context.Context) (any, error) {
		up, err := s.AcceptH2C(ctx)
		if err != nil {
			return nil, opErr(ctx, err)
		}
		_, _ = e.servers.Remove(hh)
		sess := http2.With(up.Stream, 0, http2.ModeServer, e.cfg.Strict, http2.DefaultSettings())
		if _, err := sess.AdoptUpgrade(up.Request, up.Settings); err != nil {
			_ = sess.Close()
			return nil, err
		}
		return &Opened{Handle: e.sessions.Insert(sess), free: e.Http2Free}, nil
	})
}

// HTTPClient returns a snapshot of the request read so far.
func (e *Engine) HTTPClient(hh Handle) (*message.Request, error) {
	s, err := e.servers.Get(hh)
	if err != nil {
		return nil, err
	}
	return s.Request(), nil
}

func (e *Engine) request(hh Handle) (*message.Request, error) {
	req, err := e.HTTPClient(hh)
	if err != nil {
		return nil, err
	}
	if req == nil || !req.HeadComplete {
		return nil, http1.ErrHeadIncomplete
	}
	return req, nil
}

func (e *Engine) HTTPClientMethod(hh Handle) (message.Method, error) {
	req, err := e.request(hh)
	if err != nil {
		return message.MethodUnknown, err
	}
	return req.Method, nil
}

// HTTPClientMethodStr is the method as sent, including unknown tokens.
func (e *Engine) HTTPClientMethodStr(hh Handle) (string, error) {
	req, err := e.request(hh)
	if err != nil {
		return "", err
	}
	return req.MethodText, nil
}

func (e *Engine) HTTPClientPath(hh Handle) (string, error) {
	req, err := e.request(hh)
	if err != nil {
		return "", err
	}
	return req.Path, nil
}

func (e *Engine) HTTPClientVersion(hh Handle) (message.Version, error) {
	req, err := e.request(hh)
	if err != nil {
		return message.VersionUnknown, err
	}
	return req.Version, nil
}

func (e *Engine) HTTPClientHasHeader(hh Handle, name string) (bool, error) {
	req, err := e.request(hh)
	if err != nil {
		return false, err
	}
	return req.Headers.Has(name), nil
}

func (e *Engine) HTTPClientHeaderCount(hh Handle, name string) (int, error) {
	req, err := e.request(hh)
	if err != nil {
		return 0, err
	}
	return req.Headers.Count(name), nil
}

func (e *Engine) HTTPClientFirstHeader(hh Handle, name string) (string, bool, error) {
	return e.HTTPClientHeader(hh, name, 0)
}

// HTTPClientHeader returns the index-th value of name.
func (e *Engine) HTTPClientHeader(hh Handle, name string, index int) (string, bool, error) {
	req, err := e.request(hh)
	if err != nil {
		return "", false, err
	}
	v, ok := req.Headers.Get(name, index)
	return v, ok, nil
}

// HTTPClientBody returns an owned copy of the body read so far.
func (e *Engine) HTTPClientBody(hh Handle) (*buffer.Slice, error) {
	req, err := e.request(hh)
	if err != nil {
		return nil, err
	}
	return buffer.Own(req.Body), nil
}

// HTTPFree drops a server socket handle and closes what it owns.
func (e *Engine) HTTPFree(hh Handle) error {
	s, err := e.servers.Remove(hh)
	if err != nil {
		return err
	}
	return release(s)
}

// Http1RequestNew wraps sh, which is consumed, in a client request.
func (e *Engine) Http1RequestNew(sh Handle, bufsize int) (Handle, error) {
	s, err := e.take(sh)
	if err != nil {
		return 0, err
	}
	return e.clients.Insert(http1.NewRequest(s, bufsize, e.cfg.HTTP1)), nil
}

func (e *Engine) HTTPReqSetMethod(rh Handle, m message.Method) error {
	q, err := e.clients.Get(rh)
	if err != nil {
		return err
	}
	return q.SetMethod(m)
}

func (e *Engine) HTTPReqSetMethodStr(rh Handle, method string) error {
	q, err := e.clients.Get(rh)
	if err != nil {
		return err
	}
	return q.SetMethodText(method)
}

func (e *Engine) HTTPReqSetPath(rh Handle, path string) error {
	q, err := e.clients.Get(rh)
	if err != nil {
		return err
	}
	return q.SetPath(path)
}

func (e *Engine) HTTPReqSetAuthority(rh Handle, authority string) error {
	q, err := e.clients.Get(rh)
	if err != nil {
		return err
	}
	return q.SetAuthority(authority)
}

func (e *Engine) HTTPReqSetHeader(rh Handle, p buffer.HeaderPair) error {
	q, err := e.clients.Get(rh)
	if err != nil {
		return err
	}
	name, value, err := p.Strings()
	if err != nil {
		return err
	}
	return q.SetHeader(name, value)
}

func (e *Engine) HTTPReqAddHeader(rh Handle, p buffer.HeaderPair) error {
	q, err := e.clients.Get(rh)
	if err != nil {
		return err
	}
	name, value, err := p.Strings()
	if err != nil {
		return err
	}
	return q.AddHeader(name, value)
}

func (e *Engine) HTTPReqDelHeader(rh Handle, name *buffer.Slice) error {
	q, err := e.clients.Get(rh)
	if err != nil {
		return err
	}
	text, err := name.Text()
	if err != nil {
		return err
	}
	return q.DelHeader(text)
}

func (e *Engine) clientWrite(fh, rh Handle, data *buffer.Slice, name string, write func(message.ClientRequest, context.Context, []byte) error) error {
	q, err := e.clients.Get(rh)
	if err != nil {
		return err
	}
	p, err := borrowed(data)
	if err != nil {
		return err
	}
	return e.start(fh, name, true, func(ctx context.Context) (any, error) {
		return nil, opErr(ctx, write(q, ctx, p))
	})
}

func (e *Engine) HTTPReqWrite(fh, rh Handle, data *buffer.Slice) error {
	return e.clientWrite(fh, rh, data, "http_req_write", message.ClientRequest.Write)
}

// HTTPReqSend writes final and finishes the request.
func (e *Engine) HTTPReqSend(fh, rh Handle, final *buffer.Slice) error {
	return e.clientWrite(fh, rh, final, "http_req_send", message.ClientRequest.Send)
}

func (e *Engine) HTTPReqFlush(fh, rh Handle) error {
	return e.clientWrite(fh, rh, nil, "http_req_flush", func(q message.ClientRequest, ctx context.Context, _ []byte) error {
		return q.Flush(ctx)
	})
}

func (e *Engine) clientRead(fh, rh Handle, name string, read func(message.ClientRequest, context.Context) (*message.Response, error)) error {
	q, err := e.clients.Get(rh)
	if err != nil {
		return err
	}
	return e.start(fh, name, false, func(ctx context.Context) (any, error) {
		res, err := read(q, ctx)
		return res, opErr(ctx, err)
	})
}

// HTTPReqRead advances the response read by one step. The result is a
// *message.Response snapshot.
func (e *Engine) HTTPReqRead(fh, rh Handle) error {
	return e.clientRead(fh, rh, "http_req_read", message.ClientRequest.ReadResponse)
}

func (e *Engine) HTTPReqReadUntilHeadComplete(fh, rh Handle) error {
	return e.clientRead(fh, rh, "http_req_read_head", message.ClientRequest.ReadUntilHeadComplete)
}

func (e *Engine) HTTPReqReadUntilComplete(fh, rh Handle) error {
	return e.clientRead(fh, rh, "http_req_read_all", message.ClientRequest.ReadUntilComplete)
}

// HTTPReqResponse returns a snapshot of the response read so far.
func (e *Engine) HTTPReqResponse(rh Handle) (*message.Response, error) {
	q, err := e.clients.Get(rh)
	if err != nil {
		return nil, err
	}
	return q.Response(), nil
}

func (e *Engine) response(rh Handle) (*message.Response, error) {
	res, err := e.HTTPReqResponse(rh)
	if err != nil {
		return nil, err
	}
	if res == nil || !res.HeadComplete {
		return nil, http1.ErrHeadIncomplete
	}
	return res, nil
}

func (e *Engine) HTTPReqStatus(rh Handle) (int, error) {
	res, err := e.response(rh)
	if err != nil {
		return 0, err
	}
	return res.Status, nil
}

func (e *Engine) HTTPReqVersion(rh Handle) (message.Version, error) {
	res, err := e.response(rh)
	if err != nil {
		return message.VersionUnknown, err
	}
	return res.Version, nil
}

func (e *Engine) HTTPReqHasHeader(rh Handle, name string) (bool, error) {
	res, err := e.response(rh)
	if err != nil {
		return false, err
	}
	return res.Headers.Has(name), nil
}

func (e *Engine) HTTPReqHeaderCount(rh Handle, name string) (int, error) {
	res, err := e.response(rh)
	if err != nil {
		return 0, err
	}
	return res.Headers.Count(name), nil
}

func (e *Engine) HTTPReqHeader(rh Handle, name string, index int) (string, bool, error) {
	res, err := e.response(rh)
	if err != nil {
		return "", false, err
	}
	v, ok := res.Headers.Get(name, index)
	return v, ok, nil
}

// HTTPReqBody returns an owned copy of the response body read so far.
func (e *Engine) HTTPReqBody(rh Handle) (*buffer.Slice, error) {
	res, err := e.response(rh)
	if err != nil {
		return nil, err
	}
	return buffer.Own(res.Body), nil
}

func (e *Engine) HTTPReqFree(rh Handle) error {
	q, err := e.clients.Remove(rh)
	if err != nil {
		return err
	}
	return release(q)
}

// Http1RequestWebSocket runs the client upgrade handshake. On success rh
// is consumed and the result is an *Opened WebSocket handle.
func (e *Engine) Http1RequestWebSocket(fh, rh Handle) error {
	v, err := e.clients.Get(rh)
	if err != nil {
		return err
	}
	q, ok := v.(*http1.Request)
	if !ok {
		return fmt.Errorf("%w: want an http/1 request", ErrWrongKind)
	}
	return e.start(fh, "http1_request_websocket", true, func(ctx context.Context) (any, error) {
		conn, err := q.UpgradeWebSocket(ctx, e.cfg.WebSocket)
		if err != nil {
			return nil, opErr(ctx, err)
		}
		_, _ = e.clients.Remove(rh)
		return &Opened{Handle: e.sockets.Insert(conn), free: e.WebSocketFree}, nil
	})
}
