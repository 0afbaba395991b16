package http1

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/message"
	"github.com/danmuck/netbridge/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidMethod = errs.New(errs.TypeError, "http1: invalid method")
	ErrInvalidPath   = errs.New(errs.TypeError, "http1: invalid request target")
)

// Request is the client side of an HTTP/1 exchange: it writes one request
// and reads its response.
type Request struct {
	stream *transport.Stream
	logger zerolog.Logger

	wmu        sync.Mutex
	w          *writer
	method     message.Method
	methodText string
	path       string
	authority  string

	rmu      sync.Mutex
	r        *reader
	detached bool
}

var _ message.ClientRequest = (*Request)(nil)

func NewRequest(s *transport.Stream, bufsize int, limits Limits) *Request {
	return &Request{
		stream:     s,
		w:          newWriter(s, bufsize),
		r:          newReader(s, bufsize, limits, true),
		method:     message.MethodGet,
		methodText: "GET",
		path:       "/",
		logger:     log.With().Str("component", "http1").Str("stream", s.ID().String()).Logger(),
	}
}

func (q *Request) Stream() *transport.Stream { return q.stream }

func (q *Request) Version() message.Version { return message.Version11 }

func (q *Request) SetMethod(m message.Method) error {
	if m == message.MethodUnknown || m.String() == "UNKNOWN" {
		return fmt.Errorf("%w: %d", ErrInvalidMethod, m)
	}
	return q.SetMethodText(m.String())
}

func (q *Request) SetMethodText(method string) error {
	if !validToken(method) {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	q.wmu.Lock()
	defer q.wmu.Unlock()
	if err := q.w.mutable(); err != nil {
		return err
	}
	q.method = message.ParseMethod(method)
	q.methodText = method
	return nil
}

func (q *Request) SetPath(path string) error {
	if path == "" || strings.ContainsAny(path, " \r\n\t") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	q.wmu.Lock()
	defer q.wmu.Unlock()
	if err := q.w.mutable(); err != nil {
		return err
	}
	q.path = path
	return nil
}

// SetAuthority sets the Host header.
func (q *Request) SetAuthority(authority string) error {
	q.wmu.Lock()
	defer q.wmu.Unlock()
	if err := q.w.setHeader("Host", authority); err != nil {
		return err
	}
	q.authority = authority
	return nil
}

func (q *Request) SetHeader(name, value string) error {
	q.wmu.Lock()
	defer q.wmu.Unlock()
	return q.w.setHeader(name, value)
}

func (q *Request) AddHeader(name, value string) error {
	q.wmu.Lock()
	defer q.wmu.Unlock()
	return q.w.addHeader(name, value)
}

func (q *Request) DelHeader(name string) error {
	q.wmu.Lock()
	defer q.wmu.Unlock()
	return q.w.delHeader(name)
}

func (q *Request) requestLine() string {
	return q.methodText + " " + q.path + " HTTP/1.1"
}

func (q *Request) Write(ctx context.Context, p []byte) error {
	q.wmu.Lock()
	defer q.wmu.Unlock()
	if q.detached {
		return ErrDetached
	}
	return q.w.write(ctx, q.requestLine, p)
}

func (q *Request) Flush(ctx context.Context) error {
	q.wmu.Lock()
	defer q.wmu.Unlock()
	if q.detached {
		return ErrDetached
	}
	return q.w.flush(ctx)
}

// Send finishes the request with final and flushes it. The write side of
// the stream stays open.
func (q *Request) Send(ctx context.Context, final []byte) error {
	q.wmu.Lock()
	defer q.wmu.Unlock()
	if q.detached {
		return ErrDetached
	}
	switch q.method {
	case message.MethodPost, message.MethodPut, message.MethodPatch:
		return q.w.finish(ctx, q.requestLine, final, true)
	}
	return q.w.finish(ctx, q.requestLine, final, false)
}

func (q *Request) ReadResponse(ctx context.Context) (*message.Response, error) {
	return q.readUntil(ctx, PhaseIdle)
}

func (q *Request) ReadUntilHeadComplete(ctx context.Context) (*message.Response, error) {
	return q.readUntil(ctx, PhaseHeadComplete)
}

func (q *Request) ReadUntilComplete(ctx context.Context) (*message.Response, error) {
	return q.readUntil(ctx, PhaseBodyComplete)
}

func (q *Request) readUntil(ctx context.Context, target Phase) (*message.Response, error) {
	q.wmu.Lock()
	isHead := q.method == message.MethodHead
	q.wmu.Unlock()

	q.rmu.Lock()
	defer q.rmu.Unlock()
	if q.detached {
		return nil, ErrDetached
	}
	for {
		if q.r.phase == PhaseIdle {
			q.r.noBody = isHead
		}
		if err := q.r.step(ctx); err != nil {
			q.logger.Debug().Err(err).Str("phase", q.r.phase.String()).Msg("response read failed")
			return nil, err
		}
		if q.interimLocked() {
			// 1xx other than 101 precede the real response
			q.r.reset()
			continue
		}
		if target == PhaseIdle || q.r.phase >= target {
			break
		}
	}
	return q.snapshotLocked(), nil
}

func (q *Request) interimLocked() bool {
	if q.r.phase < PhaseHeadComplete || q.r.phase == PhaseInvalid {
		return false
	}
	st := q.r.head.status
	return st/100 == 1 && st != 101
}

func (q *Request) Response() *message.Response {
	q.rmu.Lock()
	defer q.rmu.Unlock()
	return q.snapshotLocked()
}

func (q *Request) snapshotLocked() *message.Response {
	resp := &message.Response{State: q.r.state()}
	if resp.HeadComplete {
		resp.Version = q.r.head.version
		resp.Status = q.r.head.status
		resp.Reason = q.r.head.reason
	}
	return resp
}

func (q *Request) Release() error {
	return q.stream.Close()
}
