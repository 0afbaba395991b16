package transport

import (
	"context"
	"net"
	"sync"

	"github.com/danmuck/netbridge/internal/errs"
	"github.com/rs/zerolog/log"
)

var ErrListenerClosed = errs.New(errs.ConnectionClosed, "transport: listener closed")

// Listener accepts TCP streams. Accept may be called concurrently.
type Listener struct {
	ln      net.Listener
	cfg     Config
	start   sync.Once
	conns   chan net.Conn
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	lastErr error
}

// Listen binds addr ("host:port").
func Listen(ctx context.Context, addr string, cfg Config) (*Listener, error) {
	lc := net.ListenConfig{}
	if cfg.ReuseAddr {
		lc.Control = reuseAddrControl
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.Wrapf(errs.BindError, err, "transport: listen %s", addr)
	}
	log.Debug().Str("addr", ln.Addr().String()).Msg("listener bound")
	return &Listener{
		ln:     ln,
		cfg:    cfg,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept waits for the next connection or for ctx to end. A cancelled
// accept leaves pending connections for the next caller.
func (l *Listener) Accept(ctx context.Context) (Bundle, error) {
	l.start.Do(func() { go l.acceptLoop() })
	select {
	case conn, ok := <-l.conns:
		if !ok {
			return Bundle{}, l.err()
		}
		return Bundle{
			Stream: newStream(conn, KindTCP, l.cfg.ReadBufferSize),
			Peer:   peerFrom(conn.RemoteAddr()),
		}, nil
	case <-l.closed:
		return Bundle{}, ErrListenerClosed
	case <-ctx.Done():
		return Bundle{}, ctx.Err()
	}
}

func (l *Listener) acceptLoop() {
	defer close(l.conns)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			l.lastErr = err
			l.mu.Unlock()
			return
		}
		select {
		case l.conns <- conn:
		case <-l.closed:
			_ = conn.Close()
			return
		}
	}
}

func (l *Listener) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.closed:
		return ErrListenerClosed
	default:
	}
	if l.lastErr != nil {
		return errs.Wrap(errs.IOError, l.lastErr)
	}
	return ErrListenerClosed
}

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.ln.Close()
	})
	return err
}

func (l *Listener) Release() error { return l.Close() }
