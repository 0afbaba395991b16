// Package engine is the handle-based boundary over the runtime, transport
// and protocol engines. Objects cross it as opaque handles; asynchronous
// operations resolve a caller-supplied future.
package engine

import (
	"crypto/tls"
	"sync"

	"github.com/danmuck/netbridge/internal/bridge"
	"github.com/danmuck/netbridge/internal/buffer"
	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/http1"
	"github.com/danmuck/netbridge/internal/http2"
	"github.com/danmuck/netbridge/internal/message"
	"github.com/danmuck/netbridge/internal/transport"
	"github.com/danmuck/netbridge/internal/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrWrongKind = errs.New(errs.TypeError, "engine: handle refers to a different kind of object")

type Handle = bridge.Handle

// Config carries the defaults applied to objects the engine creates.
type Config struct {
	Runtime   bridge.Config
	Transport transport.Config
	HTTP1     http1.Limits
	WebSocket websocket.Limits
	// Strict is the strictness of sessions built by Http2New and friends.
	Strict bool
}

func DefaultConfig() Config {
	return Config{
		Runtime:   bridge.DefaultConfig(),
		Transport: transport.DefaultConfig(),
		HTTP1:     http1.DefaultLimits(),
		WebSocket: websocket.DefaultLimits(),
		Strict:    true,
	}
}

// Engine owns the handle tables of one boundary.
type Engine struct {
	cfg    Config
	rt     *bridge.Runtime
	logger zerolog.Logger

	futures   *bridge.Table[*bridge.Future]
	listeners *bridge.Table[*transport.Listener]
	streams   *bridge.Table[*transport.Stream]
	addrs     *bridge.Table[transport.PeerAddress]
	tlsConfs  *bridge.Table[*tls.Config]
	servers   *bridge.Table[message.ServerSocket]
	clients   *bridge.Table[message.ClientRequest]
	sessions  *bridge.Table[*http2.Session]
	sockets   *bridge.Table[*websocket.Conn]
}

var (
	defaultMu sync.Mutex
	defaultE  *Engine
)

// Init creates the process-wide engine on the process-wide runtime. A
// second call is a no-op that returns the existing engine and true.
func Init(cfg Config) (*Engine, bool) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultE != nil {
		return defaultE, true
	}
	rt, _ := bridge.Init(cfg.Runtime)
	defaultE = New(rt, cfg)
	return defaultE, true
}

func HasInit() bool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultE != nil
}

// New builds an engine on rt.
func New(rt *bridge.Runtime, cfg Config) *Engine {
	if cfg.HTTP1.MaxBody == 0 {
		cfg.HTTP1 = http1.DefaultLimits()
	}
	if cfg.WebSocket.MaxPayload == 0 {
		cfg.WebSocket = websocket.DefaultLimits()
	}
	return &Engine{
		cfg:       cfg,
		rt:        rt,
		logger:    log.With().Str("component", "engine").Logger(),
		futures:   bridge.NewTable[*bridge.Future](),
		listeners: bridge.NewTable[*transport.Listener](),
		streams:   bridge.NewTable[*transport.Stream](),
		addrs:     bridge.NewTable[transport.PeerAddress](),
		tlsConfs:  bridge.NewTable[*tls.Config](),
		servers:   bridge.NewTable[message.ServerSocket](),
		clients:   bridge.NewTable[message.ClientRequest](),
		sessions:  bridge.NewTable[*http2.Session](),
		sockets:   bridge.NewTable[*websocket.Conn](),
	}
}

func (e *Engine) Runtime() *bridge.Runtime { return e.rt }

// start schedules op against the future behind fh. Committed operations
// cannot be cancelled once issued.
func (e *Engine) start(fh Handle, name string, committed bool, op bridge.Op) error {
	f, err := e.futures.Get(fh)
	if err != nil {
		return err
	}
	if committed {
		return e.rt.GoCommitted(f, name, op)
	}
	return e.rt.Go(f, name, op)
}

// Opened is the result of an operation that created a boundary object.
// Taking it transfers the handle to the caller; an untaken result is
// released with its future.
type Opened struct {
	Handle Handle
	free   func(Handle) error
}

func (o *Opened) Release() error {
	if o.free == nil {
		return nil
	}
	return o.free(o.Handle)
}

// Accepted is the result of Accept: a stream handle and its peer address.
type Accepted struct {
	Stream Handle
	Addr   Handle
	e      *Engine
}

func (a *Accepted) Release() error {
	_ = a.e.AddrFree(a.Addr)
	return a.e.StreamFree(a.Stream)
}

// borrowed copies an argument slice. Operations outlive the issuing call,
// so the caller may release the slice as soon as that call returns.
func borrowed(p *buffer.Slice) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	b, err := p.Bytes()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// headerList converts boundary header pairs.
func headerList(pairs []buffer.HeaderPair) (message.Headers, error) {
	out := make(message.Headers, 0, len(pairs))
	for _, p := range pairs {
		name, err := borrowed(p.Name)
		if err != nil {
			return nil, err
		}
		value, err := borrowed(p.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, message.Header{Name: string(name), Value: string(value)})
	}
	return out, nil
}

// release closes objects that implement it, ignoring the rest.
func release(v any) error {
	if r, ok := v.(interface{ Release() error }); ok {
		return r.Release()
	}
	return nil
}
