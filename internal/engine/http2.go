package engine

import (
	"context"

	"github.com/danmuck/netbridge/internal/buffer"
	"github.com/danmuck/netbridge/internal/http2"
	xhttp2 "golang.org/x/net/http2"
)

// Event is the result of Http2Next and Http2HandleRaw: the stream a frame
// touched, if any, and whether it changed visible state.
type Event struct {
	Stream  uint32
	Changed bool
}

func (e *Engine) session(s *http2.Session) Handle {
	h := e.sessions.Insert(s)
	e.logger.Debug().Uint64("handle", uint64(h)).Str("mode", s.Mode().String()).Msg("http2 session opened")
	return h
}

// Http2New wraps sh, which is consumed, in an ambiguous-mode session.
func (e *Engine) Http2New(sh Handle, bufsize int) (Handle, error) {
	return e.Http2With(sh, bufsize, http2.ModeAmbiguous, http2.DefaultSettings())
}

func (e *Engine) Http2NewClient(sh Handle, bufsize int) (Handle, error) {
	return e.Http2With(sh, bufsize, http2.ModeClient, http2.DefaultSettings())
}

func (e *Engine) Http2NewServer(sh Handle, bufsize int) (Handle, error) {
	return e.Http2With(sh, bufsize, http2.ModeServer, http2.DefaultSettings())
}

// Http2With builds a session advertising settings in its preface.
func (e *Engine) Http2With(sh Handle, bufsize int, mode http2.Mode, settings http2.Settings) (Handle, error) {
	if err := settings.Validate(); err != nil {
		return 0, err
	}
	s, err := e.take(sh)
	if err != nil {
		return 0, err
	}
	return e.session(http2.With(s, bufsize, mode, e.cfg.Strict, settings)), nil
}

func (e *Engine) Http2Free(sh Handle) error {
	s, err := e.sessions.Remove(sh)
	if err != nil {
		return err
	}
	return s.Close()
}

// Http2ReadPreface reads the peer preface. The result is a bool: false
// when a lenient session saw something other than a preface.
func (e *Engine) Http2ReadPreface(fh, sh Handle) error {
	s, err := e.sessions.Get(sh)
	if err != nil {
		return err
	}
	return e.start(fh, "http2_read_preface", false, func(ctx context.Context) (any, error) {
		ok, err := s.ReadPreface(ctx)
		return ok, opErr(ctx, err)
	})
}

func (e *Engine) Http2SendPreface(fh, sh Handle) error {
	return e.h2Write(fh, sh, "http2_send_preface", (*http2.Session).SendPreface)
}

// Http2Next reads and handles one frame. The result is an Event.
func (e *Engine) Http2Next(fh, sh Handle) error {
	s, err := e.sessions.Get(sh)
	if err != nil {
		return err
	}
	return e.start(fh, "http2_next", false, func(ctx context.Context) (any, error) {
		id, changed, err := s.Next(ctx)
		if err != nil {
			return nil, opErr(ctx, err)
		}
		return Event{Stream: id, Changed: changed}, nil
	})
}

// Http2ReadRaw reads one frame without handling it. The result is an owned
// *buffer.Slice holding the frame header and payload.
func (e *Engine) Http2ReadRaw(fh, sh Handle) error {
	s, err := e.sessions.Get(sh)
	if err != nil {
		return err
	}
	return e.start(fh, "http2_read_raw", false, func(ctx context.Context) (any, error) {
		raw, err := s.ReadRaw(ctx)
		if err != nil {
			return nil, opErr(ctx, err)
		}
		return buffer.Own(raw), nil
	})
}

// Http2HandleRaw handles a frame obtained from Http2ReadRaw. The result is
// an Event.
func (e *Engine) Http2HandleRaw(fh, sh Handle, raw *buffer.Slice) error {
	s, err := e.sessions.Get(sh)
	if err != nil {
		return err
	}
	p, err := borrowed(raw)
	if err != nil {
		return err
	}
	return e.start(fh, "http2_handle_raw", true, func(ctx context.Context) (any, error) {
		id, changed, err := s.HandleRaw(ctx, p)
		if err != nil {
			return nil, opErr(ctx, err)
		}
		return Event{Stream: id, Changed: changed}, nil
	})
}

// Http2Run reads and handles frames until the session ends. It resolves
// with nil on a clean end.
func (e *Engine) Http2Run(fh, sh Handle) error {
	s, err := e.sessions.Get(sh)
	if err != nil {
		return err
	}
	return e.start(fh, "http2_run", false, func(ctx context.Context) (any, error) {
		return nil, opErr(ctx, s.Run(ctx))
	})
}

// Http2OpenStream allocates the next locally initiated stream id.
func (e *Engine) Http2OpenStream(sh Handle) (uint32, error) {
	s, err := e.sessions.Get(sh)
	if err != nil {
		return 0, err
	}
	return s.OpenStream()
}

// Http2AcceptStream waits for the next peer-initiated stream whose head
// arrived. The result is its uint32 id.
func (e *Engine) Http2AcceptStream(fh, sh Handle) error {
	s, err := e.sessions.Get(sh)
	if err != nil {
		return err
	}
	return e.start(fh, "http2_accept_stream", false, func(ctx context.Context) (any, error) {
		id, err := s.AcceptStream(ctx)
		if err != nil {
			return nil, opErr(ctx, err)
		}
		return id, nil
	})
}

func (e *Engine) h2Write(fh, sh Handle, name string, write func(*http2.Session, context.Context) error) error {
	s, err := e.sessions.Get(sh)
	if err != nil {
		return err
	}
	return e.start(fh, name, true, func(ctx context.Context) (any, error) {
		return nil, opErr(ctx, write(s, ctx))
	})
}

// Http2SendData sends data on id, splitting it by the peer frame size and
// waiting for flow-control credit. It can be cancelled until the first
// frame goes out.
func (e *Engine) Http2SendData(fh, sh Handle, id uint32, end bool, data *buffer.Slice) error {
	s, err := e.sessions.Get(sh)
	if err != nil {
		return err
	}
	p, err := borrowed(data)
	if err != nil {
		return err
	}
	return e.start(fh, "http2_send_data", false, func(ctx context.Context) (any, error) {
		return nil, opErr(ctx, s.SendData(ctx, id, end, p))
	})
}

// Http2SendHeaders sends a header block, using CONTINUATION frames when it
// does not fit one frame.
func (e *Engine) Http2SendHeaders(fh, sh Handle, id uint32, end bool, pairs []buffer.HeaderPair) error {
	headers, err := headerList(pairs)
	if err != nil {
		return err
	}
	return e.h2Write(fh, sh, "http2_send_headers", func(s *http2.Session, ctx context.Context) error {
		return s.SendHeaders(ctx, id, end, headers)
	})
}

func (e *Engine) Http2SendPriority(fh, sh Handle, id, dep uint32, weight uint8, exclusive bool) error {
	return e.h2Write(fh, sh, "http2_send_priority", func(s *http2.Session, ctx context.Context) error {
		return s.SendPriority(ctx, id, dep, weight, exclusive)
	})
}

func (e *Engine) Http2SendRstStream(fh, sh Handle, id uint32, code uint32) error {
	return e.h2Write(fh, sh, "http2_send_rst_stream", func(s *http2.Session, ctx context.Context) error {
		return s.SendRstStream(ctx, id, xhttp2.ErrCode(code))
	})
}

// Http2SendSettings sends settings; they take effect locally once the
// peer acknowledges them.
func (e *Engine) Http2SendSettings(fh, sh Handle, settings http2.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	settings = append(http2.Settings(nil), settings...)
	return e.h2Write(fh, sh, "http2_send_settings", func(s *http2.Session, ctx context.Context) error {
		return s.SendSettings(ctx, settings)
	})
}

func (e *Engine) Http2SendSettingsDefault(fh, sh Handle) error {
	return e.Http2SendSettings(fh, sh, http2.DefaultSettings())
}

func (e *Engine) Http2SendSettingsDefaultNoPush(fh, sh Handle) error {
	return e.Http2SendSettings(fh, sh, http2.DefaultNoPushSettings())
}

func (e *Engine) Http2SendSettingsMaximum(fh, sh Handle) error {
	return e.Http2SendSettings(fh, sh, http2.MaximumSettings())
}

// Http2SendPushPromise reserves a stream associated with assoc. A zero
// promised id picks the next even id. The result is the uint32 promised id.
func (e *Engine) Http2SendPushPromise(fh, sh Handle, assoc, promised uint32, pairs []buffer.HeaderPair) error {
	s, err := e.sessions.Get(sh)
	if err != nil {
		return err
	}
	headers, err := headerList(pairs)
	if err != nil {
		return err
	}
	return e.start(fh, "http2_send_push_promise", true, func(ctx context.Context) (any, error) {
		id, err := s.SendPushPromise(ctx, assoc, promised, headers)
		if err != nil {
			return nil, opErr(ctx, err)
		}
		return id, nil
	})
}

func (e *Engine) Http2SendPing(fh, sh Handle, ack bool, data [8]byte) error {
	return e.h2Write(fh, sh, "http2_send_ping", func(s *http2.Session, ctx context.Context) error {
		return s.SendPing(ctx, ack, data)
	})
}

func (e *Engine) Http2SendGoaway(fh, sh Handle, last, code uint32, debug *buffer.Slice) error {
	p, err := borrowed(debug)
	if err != nil {
		return err
	}
	return e.h2Write(fh, sh, "http2_send_goaway", func(s *http2.Session, ctx context.Context) error {
		return s.SendGoaway(ctx, last, xhttp2.ErrCode(code), p)
	})
}

func (e *Engine) Http2SendWindowUpdate(fh, sh Handle, id, incr uint32) error {
	return e.h2Write(fh, sh, "http2_send_window_update", func(s *http2.Session, ctx context.Context) error {
		return s.SendWindowUpdate(ctx, id, incr)
	})
}

// Http2ServerHandler returns a server socket handle for stream id. It
// serves the HTTP* operations like an HTTP/1 socket.
func (e *Engine) Http2ServerHandler(sh Handle, id uint32) (Handle, error) {
	s, err := e.sessions.Get(sh)
	if err != nil {
		return 0, err
	}
	h, err := s.ServerHandler(id)
	if err != nil {
		return 0, err
	}
	return e.servers.Insert(h), nil
}

// Http2ClientHandler returns a client request handle for stream id.
func (e *Engine) Http2ClientHandler(sh Handle, id uint32) (Handle, error) {
	s, err := e.sessions.Get(sh)
	if err != nil {
		return 0, err
	}
	c, err := s.ClientHandler(id)
	if err != nil {
		return 0, err
	}
	return e.clients.Insert(c), nil
}
