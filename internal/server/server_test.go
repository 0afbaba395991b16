package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/netbridge/internal/bridge"
	"github.com/danmuck/netbridge/internal/buffer"
	"github.com/danmuck/netbridge/internal/client"
	"github.com/danmuck/netbridge/internal/config"
	"github.com/danmuck/netbridge/internal/engine"
	"github.com/danmuck/netbridge/internal/message"
	"github.com/danmuck/netbridge/internal/testutil/testlog"
	"github.com/danmuck/netbridge/internal/testutil/tlstest"
	"github.com/danmuck/netbridge/internal/websocket"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// start runs a server on a loopback port and returns its address.
func start(t *testing.T, cfg config.Config) (*engine.Engine, string) {
	t.Helper()
	cfg.Listen.Addr = "127.0.0.1:0"
	rt := bridge.NewRuntime(cfg.Engine.Runtime)
	e := engine.New(rt, cfg.Engine)
	srv, err := New(e, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
		shutdown, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = rt.Shutdown(shutdown)
	})

	addr, err := srv.Addr(testContext(t))
	if err != nil {
		t.Fatalf("server address: %v", err)
	}
	return e, addr
}

func fastClient() config.ClientConfig {
	return config.ClientConfig{MaxAttempts: 2, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond}
}

func TestHTTP1Routes(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	e, addr := start(t, config.Default())
	c := client.New(e, fastClient())

	res, err := c.Do(ctx, client.Request{Method: "POST", URL: "http://" + addr + "/echo", Body: []byte("ping")})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if res.Status != 200 || string(res.Body) != "ping" || res.Version != message.Version11 {
		t.Fatalf("unexpected echo response %d %q %v", res.Status, res.Body, res.Version)
	}
	if v, _ := res.Headers.First("Server"); v != "netbridged" {
		t.Fatalf("unexpected server header %q", v)
	}

	res, err = c.Do(ctx, client.Request{URL: "http://" + addr + "/nope"})
	if err != nil {
		t.Fatalf("missing route: %v", err)
	}
	if res.Status != 404 {
		t.Fatalf("expected 404, got %d", res.Status)
	}

	res, err = c.Do(ctx, client.Request{URL: "http://" + addr + "/metrics"})
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if !strings.Contains(string(res.Body), "netbridge_future_created_total") {
		t.Fatalf("metrics output missing future counter")
	}
}

func TestHTTP2PriorKnowledge(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	e, addr := start(t, config.Default())
	c := client.New(e, fastClient())

	res, err := c.Do(ctx, client.Request{URL: "http://" + addr + "/echo/h2", HTTP2: true})
	if err != nil {
		t.Fatalf("h2 request: %v", err)
	}
	if res.Status != 200 || res.Version != message.Version2 {
		t.Fatalf("unexpected response %d %v", res.Status, res.Version)
	}
	if string(res.Body) != "GET /echo/h2 HTTP/2.0\n" {
		t.Fatalf("unexpected body %q", res.Body)
	}
}

func TestTLSWithALPN(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	ca := tlstest.NewAuthority(t, "netbridge test ca")
	pair := ca.IssueServer(t, "localhost", []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pair.CertPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pair.KeyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	cfg := config.Default()
	cfg.TLS.CertFile = certFile
	cfg.TLS.KeyFile = keyFile
	cfg.Engine.Transport.TLS.RootCAs = ca.Pool()
	e, addr := start(t, cfg)
	c := client.New(e, fastClient())

	res, err := c.Do(ctx, client.Request{URL: "https://" + addr + "/healthz", HTTP2: true})
	if err != nil {
		t.Fatalf("https h2: %v", err)
	}
	if res.Status != 200 || res.Version != message.Version2 || string(res.Body) != "ok\n" {
		t.Fatalf("unexpected response %d %v %q", res.Status, res.Version, res.Body)
	}

	res, err = c.Do(ctx, client.Request{URL: "https://" + addr + "/healthz"})
	if err != nil {
		t.Fatalf("https http/1.1: %v", err)
	}
	if res.Version != message.Version11 {
		t.Fatalf("expected http/1.1 without h2 in alpn, got %v", res.Version)
	}
}

func TestWebSocketEcho(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	e, addr := start(t, config.Default())

	v, err := e.Await(ctx, func(fh engine.Handle) error { return e.Connect(fh, addr) })
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	rh, err := e.Http1RequestNew(v.(*engine.Opened).Handle, 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_ = e.HTTPReqSetPath(rh, "/ws")
	_ = e.HTTPReqSetAuthority(rh, addr)
	v, err = e.Await(ctx, func(fh engine.Handle) error { return e.Http1RequestWebSocket(fh, rh) })
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	wh := v.(*engine.Opened).Handle
	defer func() { _ = e.WebSocketFree(wh) }()

	if _, err := e.Await(ctx, func(fh engine.Handle) error {
		return e.WebSocketSendTextMasked(fh, wh, buffer.BorrowString("hello"))
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	v, err = e.Await(ctx, func(fh engine.Handle) error { return e.WebSocketReadFrame(fh, wh) })
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	f := v.(*websocket.Frame)
	if f.Opcode != websocket.OpText || f.Masked || f.Payload.String() != "hello" {
		t.Fatalf("unexpected echo frame %v masked=%v %q", f.Opcode, f.Masked, f.Payload.String())
	}
	_ = f.Release()

	if _, err := e.Await(ctx, func(fh engine.Handle) error {
		return e.WebSocketSendPingMasked(fh, wh, buffer.BorrowString("p"))
	}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	v, err = e.Await(ctx, func(fh engine.Handle) error { return e.WebSocketReadFrame(fh, wh) })
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if f := v.(*websocket.Frame); f.Opcode != websocket.OpPong || f.Payload.String() != "p" {
		t.Fatalf("expected pong p, got %v %q", f.Opcode, f.Payload.String())
	}

	if _, err := e.Await(ctx, func(fh engine.Handle) error {
		return e.WebSocketSendCloseMasked(fh, wh, websocket.CloseGoingAway, "done")
	}); err != nil {
		t.Fatalf("close: %v", err)
	}
	v, err = e.Await(ctx, func(fh engine.Handle) error { return e.WebSocketReadFrame(fh, wh) })
	if err != nil {
		t.Fatalf("read close: %v", err)
	}
	code, reason, err := v.(*websocket.Frame).CloseStatus()
	if err != nil || code != websocket.CloseGoingAway || reason != "done" {
		t.Fatalf("unexpected close echo %d %q %v", code, reason, err)
	}
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	e, _ := start(t, config.Default())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c := client.New(e, fastClient())
	_, err = c.Do(ctx, client.Request{URL: "http://" + addr + "/"})
	if err == nil || !strings.Contains(err.Error(), "after 2 attempt(s)") {
		t.Fatalf("expected connect failure after 2 attempts, got %v", err)
	}
	if _, err := c.Do(ctx, client.Request{URL: "ftp://" + addr}); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}
