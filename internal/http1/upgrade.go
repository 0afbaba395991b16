package http1

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/message"
	"github.com/danmuck/netbridge/internal/transport"
	"github.com/danmuck/netbridge/internal/websocket"
)

var (
	ErrNotUpgrade      = errs.New(errs.ProtocolError, "http1: request is not an upgrade")
	ErrUpgradeRejected = errs.New(errs.ProtocolError, "http1: upgrade rejected by peer")
	ErrHeadIncomplete  = errs.New(errs.StreamStateError, "http1: request head not read yet")
)

// AcceptWebSocket answers a WebSocket upgrade request with 101 and hands
// the stream to a framed connection. Headers set on the socket beforehand
// (Sec-WebSocket-Protocol, for example) are sent with the 101.
func (s *Socket) AcceptWebSocket(ctx context.Context, limits websocket.Limits) (*websocket.Conn, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.detached {
		return nil, ErrDetached
	}
	if s.r.phase < PhaseHeadComplete || s.r.phase == PhaseInvalid {
		return nil, ErrHeadIncomplete
	}
	h := s.r.head.headers
	key, _ := h.First("Sec-WebSocket-Key")
	switch {
	case !h.HasToken("Upgrade", "websocket"):
		return nil, fmt.Errorf("%w: missing upgrade: websocket", ErrNotUpgrade)
	case !h.HasToken("Connection", "upgrade"):
		return nil, fmt.Errorf("%w: missing connection: upgrade", ErrNotUpgrade)
	case !h.HasToken("Sec-WebSocket-Version", "13"):
		return nil, fmt.Errorf("%w: unsupported websocket version", ErrNotUpgrade)
	case strings.TrimSpace(key) == "":
		return nil, fmt.Errorf("%w: missing sec-websocket-key", ErrNotUpgrade)
	}
	if err := s.w.mutable(); err != nil {
		return nil, err
	}

	s.status, s.reason = http.StatusSwitchingProtocols, ""
	s.w.noBody = true
	s.w.headers.Set("Upgrade", "websocket")
	s.w.headers.Set("Connection", "Upgrade")
	s.w.headers.Set("Sec-WebSocket-Accept", websocket.AcceptKey(strings.TrimSpace(key)))
	if err := s.w.sendHead(s.statusLine(), nil, true, false); err != nil {
		return nil, err
	}
	if err := s.w.flush(ctx); err != nil {
		return nil, err
	}
	return websocket.New(s.detach(), limits), nil
}

// H2CUpgrade is an accepted "Upgrade: h2c" request. The HTTP/2 session
// takes over Stream and answers Request as stream 1.
type H2CUpgrade struct {
	Stream   *transport.Stream
	Settings []byte
	Request  *message.Request
}

// AcceptH2C answers an h2c upgrade with 101. The request body, if any, must
// have been read completely.
func (s *Socket) AcceptH2C(ctx context.Context) (*H2CUpgrade, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.detached {
		return nil, ErrDetached
	}
	if s.r.phase != PhaseBodyComplete {
		return nil, ErrHeadIncomplete
	}
	h := s.r.head.headers
	if !h.HasToken("Upgrade", "h2c") || !h.HasToken("Connection", "upgrade") {
		return nil, fmt.Errorf("%w: missing upgrade: h2c", ErrNotUpgrade)
	}
	raw, ok := h.First("HTTP2-Settings")
	if !ok {
		return nil, fmt.Errorf("%w: missing http2-settings", ErrNotUpgrade)
	}
	settings, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(raw), "="))
	if err != nil {
		return nil, fmt.Errorf("%w: http2-settings: %v", ErrNotUpgrade, err)
	}
	if err := s.w.mutable(); err != nil {
		return nil, err
	}

	req := s.snapshotLocked()
	s.status, s.reason = http.StatusSwitchingProtocols, ""
	s.w.noBody = true
	s.w.headers = message.Headers{{Name: "Connection", Value: "Upgrade"}, {Name: "Upgrade", Value: "h2c"}}
	if err := s.w.sendHead(s.statusLine(), nil, true, false); err != nil {
		return nil, err
	}
	if err := s.w.flush(ctx); err != nil {
		return nil, err
	}
	return &H2CUpgrade{Stream: s.detach(), Settings: settings, Request: req}, nil
}

// UpgradeWebSocket performs the client handshake: it sends the request
// with the upgrade headers, checks the 101 and the accept key, and hands
// the stream to a framed connection.
func (q *Request) UpgradeWebSocket(ctx context.Context, limits websocket.Limits) (*websocket.Conn, error) {
	key, err := websocket.NewClientKey()
	if err != nil {
		return nil, errs.Wrap(errs.IOError, err)
	}
	q.wmu.Lock()
	if err := q.w.mutable(); err != nil {
		q.wmu.Unlock()
		return nil, err
	}
	q.w.headers.Set("Upgrade", "websocket")
	q.w.headers.Set("Connection", "Upgrade")
	q.w.headers.Set("Sec-WebSocket-Key", key)
	q.w.headers.Set("Sec-WebSocket-Version", "13")
	q.wmu.Unlock()

	if err := q.Send(ctx, nil); err != nil {
		return nil, err
	}
	resp, err := q.ReadUntilHeadComplete(ctx)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusSwitchingProtocols {
		return nil, fmt.Errorf("%w: status %d", ErrUpgradeRejected, resp.Status)
	}
	if accept, _ := resp.Headers.First("Sec-WebSocket-Accept"); accept != websocket.AcceptKey(key) {
		return nil, fmt.Errorf("%w: bad sec-websocket-accept", ErrUpgradeRejected)
	}

	q.rmu.Lock()
	defer q.rmu.Unlock()
	q.wmu.Lock()
	defer q.wmu.Unlock()
	q.detached = true
	return websocket.New(q.stream.WithPrefix(q.r.leftover()), limits), nil
}
