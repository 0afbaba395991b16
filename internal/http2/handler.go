package http2

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/message"
	"github.com/danmuck/netbridge/internal/transport"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2/hpack"
)

var ErrInvalidStatus = errs.New(errs.TypeError, "http2: invalid status code")

// connection-specific fields have no meaning in HTTP/2 and are dropped
// from outgoing heads.
var hopByHop = []string{"connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade"}

func outgoing(h message.Headers) message.Headers {
	out := make(message.Headers, 0, len(h))
	for _, f := range h {
		drop := false
		for _, name := range hopByHop {
			if strings.EqualFold(f.Name, name) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, f)
		}
	}
	return out
}

func checkField(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("%w: name %q", message.ErrInvalidField, name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("%w: value for %q", message.ErrInvalidField, name)
	}
	return nil
}

// fields is the mutable head shared by both handler kinds.
type fields struct {
	headers  message.Headers
	headSent bool
	closed   bool
}

func (f *fields) mutable() error {
	switch {
	case f.closed:
		return message.ErrClosed
	case f.headSent:
		return message.ErrHeadSent
	}
	return nil
}

func (f *fields) set(name, value string) error {
	if err := f.mutable(); err != nil {
		return err
	}
	if err := checkField(name, value); err != nil {
		return err
	}
	f.headers.Set(strings.ToLower(name), value)
	return nil
}

func (f *fields) add(name, value string) error {
	if err := f.mutable(); err != nil {
		return err
	}
	if err := checkField(name, value); err != nil {
		return err
	}
	f.headers.Add(strings.ToLower(name), value)
	return nil
}

func (f *fields) del(name string) error {
	if err := f.mutable(); err != nil {
		return err
	}
	f.headers.Del(name)
	return nil
}

func (s *Session) scheme() string {
	if s.stream.Kind() == transport.KindTLS {
		return "https"
	}
	return "http"
}

// awaitStream blocks until ready holds for stream id, then calls render
// under the session lock. A stream that can make no further progress is
// rendered as is.
func (s *Session) awaitStream(ctx context.Context, id uint32, ready func(*stream) bool, render func(*stream)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		st, ok := s.streams[id]
		if !ok {
			return s.missingLocked(id)
		}
		switch {
		case ready(st), st.ended:
			render(st)
			return nil
		case st.reset:
			return resetError(id, st.resetCode, st.resetPeer)
		case s.closed:
			return s.checkOpenLocked()
		}
		if err := s.waitLocked(ctx); err != nil {
			return err
		}
	}
}

// AcceptStream waits for the next stream the peer opened whose head has
// arrived and returns its identifier. Pushed streams are not returned.
func (s *Session) AcceptStream(ctx context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		var next uint32
		for id, st := range s.streams {
			if !st.peer || st.promise != nil || id <= s.accepted || !(st.head || st.reset) {
				continue
			}
			if next == 0 || id < next {
				next = id
			}
		}
		if next != 0 {
			s.accepted = next
			return next, nil
		}
		if err := s.checkOpenLocked(); err != nil {
			return 0, err
		}
		if err := s.waitLocked(ctx); err != nil {
			return 0, err
		}
	}
}

func (s *Session) handlerStream(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[id]; !ok {
		return s.missingLocked(id)
	}
	return nil
}

func (s *Session) missingLocked(id uint32) error {
	if s.usedLocked(id) {
		return fmt.Errorf("%w: stream %d", ErrStreamForgotten, id)
	}
	return fmt.Errorf("%w: %d", ErrUnknownStream, id)
}

// ServerStream is the server side of one stream. It never reads the
// transport: its reads wait for whoever drives Next or Run.
type ServerStream struct {
	sess *Session
	id   uint32

	mu     sync.Mutex
	fields fields
	status int
	seen   uint64
}

var _ message.ServerSocket = (*ServerStream)(nil)

// ServerHandler returns a server view of stream id.
func (s *Session) ServerHandler(id uint32) (*ServerStream, error) {
	if err := s.handlerStream(id); err != nil {
		return nil, err
	}
	return &ServerStream{sess: s, id: id, status: 200}, nil
}

func (h *ServerStream) ID() uint32 { return h.id }

func (h *ServerStream) Version() message.Version { return message.Version2 }

func (h *ServerStream) read(ctx context.Context, ready func(*stream) bool) (*message.Request, error) {
	var (
		req *message.Request
		seq uint64
	)
	err := h.sess.awaitStream(ctx, h.id, ready, func(st *stream) {
		seq = st.seq
		req = st.request(h.sess.scheme())
	})
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.seen = seq
	h.mu.Unlock()
	return req, nil
}

// ReadRequest waits for the stream to change and returns a snapshot.
func (h *ServerStream) ReadRequest(ctx context.Context) (*message.Request, error) {
	h.mu.Lock()
	seen := h.seen
	h.mu.Unlock()
	return h.read(ctx, func(st *stream) bool { return st.seq != seen })
}

func (h *ServerStream) ReadUntilHeadComplete(ctx context.Context) (*message.Request, error) {
	return h.read(ctx, func(st *stream) bool { return st.head })
}

func (h *ServerStream) ReadUntilComplete(ctx context.Context) (*message.Request, error) {
	return h.read(ctx, func(st *stream) bool { return st.ended })
}

func (h *ServerStream) Request() *message.Request {
	h.sess.mu.Lock()
	defer h.sess.mu.Unlock()
	st, ok := h.sess.streams[h.id]
	if !ok {
		return &message.Request{Version: message.Version2}
	}
	return st.request(h.sess.scheme())
}

// SetStatus sets the response status. HTTP/2 carries no reason phrase.
func (h *ServerStream) SetStatus(code int, _ string) error {
	if code < 100 || code > 999 {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, code)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fields.mutable(); err != nil {
		return err
	}
	h.status = code
	return nil
}

func (h *ServerStream) SetHeader(name, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fields.set(name, value)
}

func (h *ServerStream) AddHeader(name, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fields.add(name, value)
}

func (h *ServerStream) DelHeader(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fields.del(name)
}

func (h *ServerStream) bodyless() bool {
	if h.status/100 == 1 || h.status == 204 || h.status == 304 {
		return true
	}
	return h.Request().Method == message.MethodHead
}

func (h *ServerStream) sendHeadLocked(ctx context.Context, end bool) error {
	head := append(message.Headers{{Name: ":status", Value: strconv.Itoa(h.status)}}, outgoing(h.fields.headers)...)
	if err := h.sess.SendHeaders(ctx, h.id, end, head); err != nil {
		return err
	}
	h.fields.headSent = true
	return nil
}

// Write sends the head if needed, then p as DATA.
func (h *ServerStream) Write(ctx context.Context, p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fields.closed {
		return message.ErrClosed
	}
	if !h.fields.headSent {
		if err := h.sendHeadLocked(ctx, false); err != nil {
			return err
		}
	}
	if len(p) == 0 || h.bodyless() {
		return nil
	}
	return h.sess.SendData(ctx, h.id, false, p)
}

// Flush is a no-op: frames are written as they are produced.
func (h *ServerStream) Flush(ctx context.Context) error {
	return h.sess.checkOpen()
}

// Close sends final and ends the stream. A response whose head has not
// gone out yet gets an exact content-length.
func (h *ServerStream) Close(ctx context.Context, final []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fields.closed {
		return message.ErrClosed
	}
	bodyless := h.bodyless()
	if !h.fields.headSent {
		if !bodyless && !h.fields.headers.Has("content-length") {
			h.fields.headers.Set("content-length", strconv.Itoa(len(final)))
		}
		end := bodyless || len(final) == 0
		if err := h.sendHeadLocked(ctx, end); err != nil {
			return err
		}
		if end {
			h.fields.closed = true
			return nil
		}
	}
	if bodyless {
		final = nil
	}
	if err := h.sess.SendData(ctx, h.id, true, final); err != nil {
		return err
	}
	h.fields.closed = true
	return nil
}

// Push promises a response on a new server stream and returns a handler
// for it. headers must carry the request pseudo-headers.
func (h *ServerStream) Push(ctx context.Context, headers message.Headers) (*ServerStream, error) {
	id, err := h.sess.SendPushPromise(ctx, h.id, 0, headers)
	if err != nil {
		return nil, err
	}
	return &ServerStream{sess: h.sess, id: id, status: 200}, nil
}

// ClientStream is the client side of one stream. Like ServerStream it
// only observes what the frame loop delivers.
type ClientStream struct {
	sess *Session
	id   uint32

	mu         sync.Mutex
	fields     fields
	method     message.Method
	methodText string
	path       string
	authority  string
	seen       uint64
}

var _ message.ClientRequest = (*ClientStream)(nil)

// ClientHandler returns a client view of stream id, normally one returned
// by OpenStream.
func (s *Session) ClientHandler(id uint32) (*ClientStream, error) {
	if err := s.handlerStream(id); err != nil {
		return nil, err
	}
	return &ClientStream{sess: s, id: id, method: message.MethodGet, methodText: "GET", path: "/"}, nil
}

func (c *ClientStream) ID() uint32 { return c.id }

func (c *ClientStream) Version() message.Version { return message.Version2 }

func (c *ClientStream) SetMethod(m message.Method) error {
	if m == message.MethodUnknown || m.String() == "UNKNOWN" {
		return fmt.Errorf("%w: method %d", ErrInvalidArgument, m)
	}
	return c.SetMethodText(m.String())
}

func (c *ClientStream) SetMethodText(method string) error {
	if method == "" || !httpguts.ValidHeaderFieldName(method) {
		return fmt.Errorf("%w: method %q", ErrInvalidArgument, method)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fields.mutable(); err != nil {
		return err
	}
	c.method = message.ParseMethod(method)
	c.methodText = method
	return nil
}

func (c *ClientStream) SetPath(path string) error {
	if path == "" || strings.ContainsAny(path, " \r\n\t") {
		return fmt.Errorf("%w: path %q", ErrInvalidArgument, path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fields.mutable(); err != nil {
		return err
	}
	c.path = path
	return nil
}

func (c *ClientStream) SetAuthority(authority string) error {
	if !httpguts.ValidHeaderFieldValue(authority) {
		return fmt.Errorf("%w: authority %q", ErrInvalidArgument, authority)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fields.mutable(); err != nil {
		return err
	}
	c.authority = authority
	return nil
}

func (c *ClientStream) SetHeader(name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fields.set(name, value)
}

func (c *ClientStream) AddHeader(name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fields.add(name, value)
}

func (c *ClientStream) DelHeader(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fields.del(name)
}

func (c *ClientStream) sendHeadLocked(ctx context.Context, end bool) error {
	head := message.Headers{
		{Name: ":method", Value: c.methodText},
		{Name: ":scheme", Value: c.sess.scheme()},
	}
	if c.authority != "" {
		head.Add(":authority", c.authority)
	}
	head.Add(":path", c.path)
	head = append(head, outgoing(c.fields.headers)...)
	if err := c.sess.SendHeaders(ctx, c.id, end, head); err != nil {
		return err
	}
	c.fields.headSent = true
	return nil
}

func (c *ClientStream) Write(ctx context.Context, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fields.closed {
		return message.ErrClosed
	}
	if !c.fields.headSent {
		if err := c.sendHeadLocked(ctx, false); err != nil {
			return err
		}
	}
	if len(p) == 0 {
		return nil
	}
	return c.sess.SendData(ctx, c.id, false, p)
}

func (c *ClientStream) Flush(ctx context.Context) error {
	return c.sess.checkOpen()
}

// Send writes final and ends the request stream. Methods that carry a
// body get a content-length even when final is empty.
func (c *ClientStream) Send(ctx context.Context, final []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fields.closed {
		return message.ErrClosed
	}
	if !c.fields.headSent {
		switch {
		case c.fields.headers.Has("content-length"):
		case len(final) > 0, c.method == message.MethodPost, c.method == message.MethodPut, c.method == message.MethodPatch:
			c.fields.headers.Set("content-length", strconv.Itoa(len(final)))
		}
		end := len(final) == 0
		if err := c.sendHeadLocked(ctx, end); err != nil {
			return err
		}
		if end {
			c.fields.closed = true
			return nil
		}
	}
	if err := c.sess.SendData(ctx, c.id, true, final); err != nil {
		return err
	}
	c.fields.closed = true
	return nil
}

func (c *ClientStream) read(ctx context.Context, ready func(*stream) bool) (*message.Response, error) {
	var (
		resp *message.Response
		seq  uint64
	)
	err := c.sess.awaitStream(ctx, c.id, ready, func(st *stream) {
		seq = st.seq
		resp = st.response()
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.seen = seq
	c.mu.Unlock()
	return resp, nil
}

func (c *ClientStream) ReadResponse(ctx context.Context) (*message.Response, error) {
	c.mu.Lock()
	seen := c.seen
	c.mu.Unlock()
	return c.read(ctx, func(st *stream) bool { return st.seq != seen })
}

func (c *ClientStream) ReadUntilHeadComplete(ctx context.Context) (*message.Response, error) {
	return c.read(ctx, func(st *stream) bool { return st.head })
}

func (c *ClientStream) ReadUntilComplete(ctx context.Context) (*message.Response, error) {
	return c.read(ctx, func(st *stream) bool { return st.ended })
}

func (c *ClientStream) Response() *message.Response {
	c.sess.mu.Lock()
	defer c.sess.mu.Unlock()
	st, ok := c.sess.streams[c.id]
	if !ok {
		return &message.Response{Version: message.Version2}
	}
	return st.response()
}

// PushRequest returns the request the server promised on stream id.
func (s *Session) PushRequest(id uint32) (*message.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok || st.promise == nil {
		return nil, fmt.Errorf("%w: %d is not a promised stream", ErrUnknownStream, id)
	}
	probe := &stream{pseudo: make(map[string]string)}
	probe.addFields(append([]hpack.HeaderField(nil), st.promise...))
	probe.ended = true
	return probe.request(s.scheme()), nil
}
