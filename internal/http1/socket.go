package http1

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/message"
	"github.com/danmuck/netbridge/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidStatus = errs.New(errs.TypeError, "http1: invalid status code")
	ErrDetached      = errs.New(errs.StreamStateError, "http1: stream detached")
)

// Socket is the server side of an HTTP/1 connection: it reads one request
// and writes one response.
type Socket struct {
	stream *transport.Stream
	logger zerolog.Logger

	rmu sync.Mutex
	r   *reader

	wmu      sync.Mutex
	w        *writer
	status   int
	reason   string
	headReq  bool
	detached bool
}

var _ message.ServerSocket = (*Socket)(nil)

func NewSocket(s *transport.Stream, bufsize int, limits Limits) *Socket {
	return &Socket{
		stream: s,
		r:      newReader(s, bufsize, limits, false),
		w:      newWriter(s, bufsize),
		status: http.StatusOK,
		logger: log.With().Str("component", "http1").Str("stream", s.ID().String()).Logger(),
	}
}

func (s *Socket) Stream() *transport.Stream { return s.stream }

// Phase reports the read progress.
func (s *Socket) Phase() Phase {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return s.r.phase
}

func (s *Socket) Version() message.Version {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	if s.r.phase >= PhaseHeadComplete && s.r.phase != PhaseInvalid {
		return s.r.head.version
	}
	return message.Version11
}

func (s *Socket) ReadRequest(ctx context.Context) (*message.Request, error) {
	return s.readUntil(ctx, PhaseIdle)
}

func (s *Socket) ReadUntilHeadComplete(ctx context.Context) (*message.Request, error) {
	return s.readUntil(ctx, PhaseHeadComplete)
}

func (s *Socket) ReadUntilComplete(ctx context.Context) (*message.Request, error) {
	return s.readUntil(ctx, PhaseBodyComplete)
}

// readUntil steps the reader until it reaches target; PhaseIdle means a
// single step.
func (s *Socket) readUntil(ctx context.Context, target Phase) (*message.Request, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	if s.detached {
		return nil, ErrDetached
	}
	for {
		if err := s.r.step(ctx); err != nil {
			s.logger.Debug().Err(err).Str("phase", s.r.phase.String()).Msg("request read failed")
			return nil, err
		}
		if target == PhaseIdle || s.r.phase >= target {
			break
		}
	}
	req := s.snapshotLocked()
	if s.r.phase == PhaseHeadComplete || s.r.phase == PhaseBodyComplete {
		s.prepareResponse(req)
	}
	return req, nil
}

func (s *Socket) Request() *message.Request {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return s.snapshotLocked()
}

func (s *Socket) snapshotLocked() *message.Request {
	req := &message.Request{State: s.r.state()}
	if !req.HeadComplete {
		return req
	}
	h := s.r.head
	req.Method = message.ParseMethod(h.method)
	req.MethodText = h.method
	req.Path = h.target
	req.Version = h.version
	req.Authority, _ = h.headers.First("Host")
	req.Scheme = "http"
	if s.stream.Kind() == transport.KindTLS {
		req.Scheme = "https"
	}
	return req
}

// prepareResponse aligns response framing with what the request allows.
func (s *Socket) prepareResponse(req *message.Request) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.w.headSent {
		return
	}
	s.w.chunkOK = req.Version >= message.Version11
	s.headReq = req.Method == message.MethodHead
	s.w.noBody = s.headReq || bodylessStatus(s.status)
}

func bodylessStatus(code int) bool {
	return code/100 == 1 || code == http.StatusNoContent || code == http.StatusNotModified
}

func (s *Socket) SetStatus(code int, reason string) error {
	if code < 100 || code > 999 {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, code)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.w.mutable(); err != nil {
		return err
	}
	s.status = code
	s.reason = reason
	s.w.noBody = s.headReq || bodylessStatus(code)
	return nil
}

func (s *Socket) SetHeader(name, value string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.w.setHeader(name, value)
}

func (s *Socket) AddHeader(name, value string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.w.addHeader(name, value)
}

func (s *Socket) DelHeader(name string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.w.delHeader(name)
}

func (s *Socket) statusLine() string {
	reason := s.reason
	if reason == "" {
		reason = http.StatusText(s.status)
	}
	return "HTTP/1.1 " + strconv.Itoa(s.status) + " " + reason
}

// Write sends the head if needed and one body chunk. Bytes are buffered
// until Flush or Close.
func (s *Socket) Write(ctx context.Context, p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.detached {
		return ErrDetached
	}
	return s.w.write(ctx, s.statusLine, p)
}

func (s *Socket) Flush(ctx context.Context) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.detached {
		return ErrDetached
	}
	return s.w.flush(ctx)
}

// Close finishes the response with final and shuts down the write side.
func (s *Socket) Close(ctx context.Context, final []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.detached {
		return ErrDetached
	}
	if err := s.w.finish(ctx, s.statusLine, final, true); err != nil {
		return err
	}
	s.logger.Debug().Int("status", s.status).Msg("response closed")
	if err := s.stream.CloseWrite(); err != nil {
		return wrapWrite(err)
	}
	return nil
}

// DirectWrite writes p to the stream without HTTP framing.
func (s *Socket) DirectWrite(ctx context.Context, p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.detached {
		return ErrDetached
	}
	return s.w.direct(ctx, p)
}

// Release closes the stream.
func (s *Socket) Release() error {
	return s.stream.Close()
}

// detach hands the stream, with any bytes read past the request, to the
// caller. Both locks must be held.
func (s *Socket) detach() *transport.Stream {
	s.detached = true
	return s.stream.WithPrefix(s.r.leftover())
}
