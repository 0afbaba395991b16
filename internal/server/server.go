// Package server is the demo driver: it accepts connections through the
// engine boundary and serves HTTP/1, HTTP/2 and WebSocket echo routes.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/danmuck/netbridge/internal/buffer"
	"github.com/danmuck/netbridge/internal/config"
	"github.com/danmuck/netbridge/internal/engine"
	"github.com/danmuck/netbridge/internal/http2"
	"github.com/danmuck/netbridge/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Server struct {
	cfg      config.Config
	e        *engine.Engine
	settings http2.Settings
	tlsConf  engine.Handle
	logger   zerolog.Logger

	conns sync.WaitGroup
	ready chan struct{}
	addr  string
}

// New prepares a server on e. TLS material named by cfg is loaded here.
func New(e *engine.Engine, cfg config.Config) (*Server, error) {
	settings, err := cfg.HTTP2Settings()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		e:        e,
		settings: settings,
		ready:    make(chan struct{}),
		logger:   log.With().Str("component", "server").Logger(),
	}
	if cfg.TLS.Enabled() {
		certPEM, err := os.ReadFile(cfg.TLS.CertFile)
		if err != nil {
			return nil, fmt.Errorf("read tls cert: %w", err)
		}
		keyPEM, err := os.ReadFile(cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read tls key: %w", err)
		}
		s.tlsConf, err = e.TLSServerConfig(buffer.Borrow(certPEM), buffer.Borrow(keyPEM), cfg.TLS.ALPN)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Run serves until SIGINT or SIGTERM.
func Run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, _ := engine.Init(cfg.Engine)
	s, err := New(e, cfg)
	if err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Addr is the bound address once Serve is listening.
func (s *Server) Addr(ctx context.Context) (string, error) {
	select {
	case <-s.ready:
		return s.addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Serve accepts connections until ctx ends, then waits for open
// connections to finish.
func (s *Server) Serve(ctx context.Context) error {
	v, err := s.e.Await(ctx, func(fh engine.Handle) error { return s.e.Listen(fh, s.cfg.Listen.Addr) })
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen.Addr, err)
	}
	lh := v.(*engine.Opened).Handle
	defer func() {
		_ = s.e.ListenerFree(lh)
		if s.tlsConf != 0 {
			_ = s.e.TLSConfigFree(s.tlsConf)
		}
	}()

	s.addr, _ = s.e.ListenerAddr(lh)
	close(s.ready)
	s.logger.Info().Str("addr", s.addr).Bool("tls", s.tlsConf != 0).Msg("listening")

	for {
		v, err := s.e.Await(ctx, func(fh engine.Handle) error { return s.e.Accept(fh, lh) })
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		acc := v.(*engine.Accepted)
		peer, _ := s.e.AddrString(acc.Addr)
		_ = s.e.AddrFree(acc.Addr)

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, acc.Stream, peer)
		}()
	}
	s.conns.Wait()
	s.logger.Info().Msg("stopped")
	return nil
}

func (s *Server) handleConn(ctx context.Context, sh engine.Handle, peer string) {
	logger := s.logger.With().Str("peer", peer).Logger()
	if s.tlsConf != 0 {
		v, err := s.e.Await(ctx, func(fh engine.Handle) error { return s.e.TLSUpgrade(fh, sh, s.tlsConf) })
		if err != nil {
			logger.Warn().Err(err).Msg("tls handshake failed")
			return
		}
		sh = v.(*engine.Opened).Handle
	}

	v, err := s.e.Await(ctx, func(fh engine.Handle) error { return s.e.DetectProtocol(fh, sh) })
	if err != nil {
		logger.Debug().Err(err).Msg("protocol detection failed")
		_ = s.e.StreamFree(sh)
		return
	}
	switch proto := v.(transport.Protocol); proto {
	case transport.ProtocolHTTP1:
		hh, err := s.e.Http1New(sh, s.cfg.Listen.BufferSize)
		if err != nil {
			_ = s.e.StreamFree(sh)
			return
		}
		s.serveHTTP1(ctx, hh, logger)
	case transport.ProtocolHTTP2:
		sess, err := s.e.Http2With(sh, s.cfg.Listen.BufferSize, http2.ModeServer, s.settings)
		if err != nil {
			_ = s.e.StreamFree(sh)
			return
		}
		s.serveHTTP2(ctx, sess, logger)
	default:
		logger.Debug().Str("protocol", proto.String()).Msg("unsupported protocol")
		_ = s.e.StreamFree(sh)
	}
}
