package server

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/netbridge/internal/buffer"
	"github.com/danmuck/netbridge/internal/engine"
	"github.com/danmuck/netbridge/internal/message"
	"github.com/danmuck/netbridge/internal/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog"
)

func (s *Server) serveHTTP1(ctx context.Context, hh engine.Handle, logger zerolog.Logger) {
	v, err := s.e.Await(ctx, func(fh engine.Handle) error { return s.e.HTTPReadUntilHeadComplete(fh, hh) })
	if err != nil {
		logger.Debug().Err(err).Msg("request head failed")
		_ = s.e.HTTPFree(hh)
		return
	}
	req := v.(*message.Request)

	if req.Headers.HasToken("Upgrade", "websocket") {
		v, err := s.e.Await(ctx, func(fh engine.Handle) error { return s.e.Http1WebSocket(fh, hh) })
		if err != nil {
			logger.Warn().Err(err).Msg("websocket upgrade failed")
			_ = s.e.HTTPFree(hh)
			return
		}
		s.serveWebSocket(ctx, v.(*engine.Opened).Handle, logger)
		return
	}

	v, err = s.e.Await(ctx, func(fh engine.Handle) error { return s.e.HTTPReadUntilComplete(fh, hh) })
	if err != nil {
		logger.Debug().Err(err).Msg("request body failed")
		_ = s.e.HTTPFree(hh)
		return
	}
	req = v.(*message.Request)

	if req.Headers.HasToken("Upgrade", "h2c") {
		v, err := s.e.Await(ctx, func(fh engine.Handle) error { return s.e.Http1H2C(fh, hh) })
		if err != nil {
			logger.Warn().Err(err).Msg("h2c upgrade failed")
			_ = s.e.HTTPFree(hh)
			return
		}
		s.serveHTTP2(ctx, v.(*engine.Opened).Handle, logger)
		return
	}

	if err := s.respond(ctx, hh, req); err != nil {
		logger.Debug().Err(err).Msg("response failed")
	}
	_ = s.e.HTTPFree(hh)
}

func (s *Server) serveHTTP2(ctx context.Context, sess engine.Handle, logger zerolog.Logger) {
	defer func() { _ = s.e.Http2Free(sess) }()

	if _, err := s.e.Await(ctx, func(fh engine.Handle) error { return s.e.Http2SendPreface(fh, sess) }); err != nil {
		logger.Debug().Err(err).Msg("http2 preface send failed")
		return
	}
	v, err := s.e.Await(ctx, func(fh engine.Handle) error { return s.e.Http2ReadPreface(fh, sess) })
	if err != nil || !v.(bool) {
		logger.Debug().Err(err).Msg("http2 preface read failed")
		return
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := s.e.NewFuture(func(any, engine.Handle) { cancel() }, nil)
	defer func() { _ = s.e.FutureFree(run) }()
	if err := s.e.Http2Run(run, sess); err != nil {
		return
	}

	var streams sync.WaitGroup
	defer streams.Wait()
	for {
		v, err := s.e.Await(sessCtx, func(fh engine.Handle) error { return s.e.Http2AcceptStream(fh, sess) })
		if err != nil {
			if msg, _ := s.e.FutureErrorMessage(run); msg != "" {
				logger.Debug().Str("cause", msg).Msg("http2 session ended")
			}
			return
		}
		id := v.(uint32)
		streams.Add(1)
		go func() {
			defer streams.Done()
			s.serveStream(sessCtx, sess, id, logger)
		}()
	}
}

func (s *Server) serveStream(ctx context.Context, sess engine.Handle, id uint32, logger zerolog.Logger) {
	hh, err := s.e.Http2ServerHandler(sess, id)
	if err != nil {
		return
	}
	defer func() { _ = s.e.HTTPFree(hh) }()
	v, err := s.e.Await(ctx, func(fh engine.Handle) error { return s.e.HTTPReadUntilComplete(fh, hh) })
	if err != nil {
		logger.Debug().Err(err).Uint32("stream", id).Msg("stream request failed")
		return
	}
	if err := s.respond(ctx, hh, v.(*message.Request)); err != nil {
		logger.Debug().Err(err).Uint32("stream", id).Msg("stream response failed")
	}
}

// respond answers one complete request. Routes are the same for every
// protocol version.
func (s *Server) respond(ctx context.Context, hh engine.Handle, req *message.Request) error {
	status := 200
	contentType := "text/plain; charset=utf-8"
	var body []byte

	switch {
	case req.Path == "/healthz":
		body = []byte("ok\n")
	case req.Path == "/metrics":
		out, err := metricsText()
		if err != nil {
			return err
		}
		contentType = string(expfmt.NewFormat(expfmt.TypeTextPlain))
		body = out
	case strings.HasPrefix(req.Path, "/echo"):
		if len(req.Body) > 0 {
			body = req.Body
			if ct, ok := req.Headers.First("Content-Type"); ok {
				contentType = ct
			}
		} else {
			body = []byte(fmt.Sprintf("%s %s %s\n", req.MethodText, req.Path, req.Version))
		}
	default:
		status = 404
		body = []byte("not found\n")
	}

	if err := s.e.HTTPSetStatus(hh, status, ""); err != nil {
		return err
	}
	if err := s.e.HTTPSetHeader(hh, buffer.Pair("Content-Type", contentType)); err != nil {
		return err
	}
	if err := s.e.HTTPSetHeader(hh, buffer.Pair("Server", "netbridged")); err != nil {
		return err
	}
	_, err := s.e.Await(ctx, func(fh engine.Handle) error { return s.e.HTTPClose(fh, hh, buffer.Borrow(body)) })
	return err
}

func metricsText() ([]byte, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	enc := expfmt.NewEncoder(&out, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, err
		}
	}
	return out.Bytes(), nil
}

// serveWebSocket echoes data frames back unmasked, answers pings and
// returns the close frame.
func (s *Server) serveWebSocket(ctx context.Context, wh engine.Handle, logger zerolog.Logger) {
	defer func() { _ = s.e.WebSocketFree(wh) }()
	for {
		v, err := s.e.Await(ctx, func(fh engine.Handle) error { return s.e.WebSocketReadFrame(fh, wh) })
		if err != nil {
			logger.Debug().Err(err).Msg("websocket read ended")
			return
		}
		f := v.(*websocket.Frame)
		payload := f.Payload
		switch f.Opcode {
		case websocket.OpPing:
			_, err = s.e.Await(ctx, func(fh engine.Handle) error { return s.e.WebSocketSendPong(fh, wh, payload) })
		case websocket.OpPong:
		case websocket.OpClose:
			code, reason, cerr := f.CloseStatus()
			if cerr != nil || code == websocket.CloseNoStatus {
				code, reason = websocket.CloseNormal, ""
			}
			_, _ = s.e.Await(ctx, func(fh engine.Handle) error { return s.e.WebSocketSendClose(fh, wh, code, reason) })
			_ = s.e.WebSocketFreeFrame(f)
			_ = s.e.WebSocketClose(wh)
			return
		default:
			opts := websocket.SendOptions{Fragment: !f.Fin}
			_, err = s.e.Await(ctx, func(fh engine.Handle) error { return s.e.WebSocketSend(fh, wh, f.Opcode, payload, opts) })
		}
		_ = s.e.WebSocketFreeFrame(f)
		if err != nil {
			logger.Debug().Err(err).Msg("websocket write failed")
			return
		}
	}
}
