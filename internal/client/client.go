// Package client fetches one resource through the engine boundary. It is
// the library half of the netbridge-get command.
package client

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/danmuck/netbridge/internal/buffer"
	"github.com/danmuck/netbridge/internal/config"
	"github.com/danmuck/netbridge/internal/engine"
	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/message"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrBadTarget = errs.New(errs.TypeError, "client: invalid target url")

// Request describes one fetch.
type Request struct {
	Method  string
	URL     string
	Headers message.Headers
	Body    []byte
	// HTTP2 speaks HTTP/2 with prior knowledge on plain connections and
	// offers h2 over TLS.
	HTTP2    bool
	Insecure bool
}

type target struct {
	addr      string
	host      string
	authority string
	path      string
	tls       bool
}

func parseTarget(raw string) (target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return target{}, fmt.Errorf("%w: %v", ErrBadTarget, err)
	}
	t := target{host: u.Hostname(), authority: u.Host, path: u.RequestURI()}
	port := u.Port()
	switch u.Scheme {
	case "http":
		if port == "" {
			port = "80"
		}
	case "https":
		t.tls = true
		if port == "" {
			port = "443"
		}
	default:
		return target{}, fmt.Errorf("%w: scheme %q", ErrBadTarget, u.Scheme)
	}
	if t.host == "" {
		return target{}, fmt.Errorf("%w: missing host", ErrBadTarget)
	}
	t.addr = net.JoinHostPort(t.host, port)
	return t, nil
}

// Client issues requests on an engine.
type Client struct {
	e      *engine.Engine
	cfg    config.ClientConfig
	logger zerolog.Logger
}

func New(e *engine.Engine, cfg config.ClientConfig) *Client {
	return &Client{
		e:      e,
		cfg:    cfg,
		logger: log.With().Str("component", "client").Logger(),
	}
}

// Do connects, retrying connect failures with exponential backoff, and
// runs one exchange.
func (c *Client) Do(ctx context.Context, req Request) (*message.Response, error) {
	t, err := parseTarget(req.URL)
	if err != nil {
		return nil, err
	}
	sh, err := c.connect(ctx, t, req)
	if err != nil {
		return nil, err
	}

	useH2 := req.HTTP2
	if t.tls {
		proto, _ := c.e.StreamALPN(sh)
		useH2 = proto == "h2"
	}
	if useH2 {
		return c.doHTTP2(ctx, sh, t, req)
	}
	return c.doHTTP1(ctx, sh, t, req)
}

func (c *Client) connect(ctx context.Context, t target, req Request) (engine.Handle, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialBackoff
	policy.MaxInterval = c.cfg.MaxBackoff
	attempts := max(c.cfg.MaxAttempts, 1)

	alpn := []string{"http/1.1"}
	if req.HTTP2 {
		alpn = []string{"h2", "http/1.1"}
	}

	var sh engine.Handle
	attempt := 0
	op := func() error {
		attempt++
		v, err := c.e.Await(ctx, func(fh engine.Handle) error {
			switch {
			case !t.tls:
				return c.e.Connect(fh, t.addr)
			case req.Insecure:
				return c.e.TLSConnectUnverified(fh, t.addr, t.host, alpn)
			default:
				return c.e.TLSConnect(fh, t.addr, t.host, alpn)
			}
		})
		if err != nil {
			if errs.CodeOf(err) != errs.ConnectError {
				return backoff.Permanent(err)
			}
			c.logger.Debug().Err(err).Int("attempt", attempt).Str("addr", t.addr).Msg("connect failed")
			return err
		}
		sh = v.(*engine.Opened).Handle
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return 0, fmt.Errorf("connect %s after %d attempt(s): %w", t.addr, attempt, err)
	}
	return sh, nil
}

// prepare applies method, path, authority and headers to a request handle.
func (c *Client) prepare(rh engine.Handle, t target, req Request) error {
	method := req.Method
	if method == "" {
		method = "GET"
	}
	if err := c.e.HTTPReqSetMethodStr(rh, strings.ToUpper(method)); err != nil {
		return err
	}
	if err := c.e.HTTPReqSetPath(rh, t.path); err != nil {
		return err
	}
	if err := c.e.HTTPReqSetAuthority(rh, t.authority); err != nil {
		return err
	}
	for _, h := range req.Headers {
		if err := c.e.HTTPReqAddHeader(rh, buffer.Pair(h.Name, h.Value)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) exchange(ctx context.Context, rh engine.Handle, req Request) (*message.Response, error) {
	if _, err := c.e.Await(ctx, func(fh engine.Handle) error {
		return c.e.HTTPReqSend(fh, rh, buffer.Borrow(req.Body))
	}); err != nil {
		return nil, err
	}
	v, err := c.e.Await(ctx, func(fh engine.Handle) error { return c.e.HTTPReqReadUntilComplete(fh, rh) })
	if err != nil {
		return nil, err
	}
	return v.(*message.Response), nil
}

func (c *Client) doHTTP1(ctx context.Context, sh engine.Handle, t target, req Request) (*message.Response, error) {
	rh, err := c.e.Http1RequestNew(sh, 0)
	if err != nil {
		_ = c.e.StreamFree(sh)
		return nil, err
	}
	defer func() { _ = c.e.HTTPReqFree(rh) }()
	if err := c.prepare(rh, t, req); err != nil {
		return nil, err
	}
	return c.exchange(ctx, rh, req)
}

func (c *Client) doHTTP2(ctx context.Context, sh engine.Handle, t target, req Request) (*message.Response, error) {
	sess, err := c.e.Http2NewClient(sh, 0)
	if err != nil {
		_ = c.e.StreamFree(sh)
		return nil, err
	}
	defer func() { _ = c.e.Http2Free(sess) }()

	if _, err := c.e.Await(ctx, func(fh engine.Handle) error { return c.e.Http2SendPreface(fh, sess) }); err != nil {
		return nil, err
	}
	if _, err := c.e.Await(ctx, func(fh engine.Handle) error { return c.e.Http2ReadPreface(fh, sess) }); err != nil {
		return nil, err
	}
	run := c.e.NewFuture(nil, nil)
	defer func() { _ = c.e.FutureFree(run) }()
	if err := c.e.Http2Run(run, sess); err != nil {
		return nil, err
	}

	id, err := c.e.Http2OpenStream(sess)
	if err != nil {
		return nil, err
	}
	rh, err := c.e.Http2ClientHandler(sess, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.e.HTTPReqFree(rh) }()
	if err := c.prepare(rh, t, req); err != nil {
		return nil, err
	}
	res, err := c.exchange(ctx, rh, req)
	if err != nil {
		return nil, err
	}
	_, _ = c.e.Await(ctx, func(fh engine.Handle) error {
		return c.e.Http2SendGoaway(fh, sess, id, 0, nil)
	})
	return res, nil
}
