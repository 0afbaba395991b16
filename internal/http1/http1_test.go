package http1

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/message"
	"github.com/danmuck/netbridge/internal/testutil/testlog"
	"github.com/danmuck/netbridge/internal/transport"
	"github.com/danmuck/netbridge/internal/websocket"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// feed writes chunks to the peer end, pausing between them, then closes
// its write side when closeAfter is set.
func feed(peer *transport.Stream, closeAfter bool, chunks ...string) {
	go func() {
		for _, c := range chunks {
			_, _ = peer.Write([]byte(c))
			time.Sleep(5 * time.Millisecond)
		}
		if closeAfter {
			_ = peer.CloseWrite()
		}
	}()
}

func TestServerReadsRequestAndClosesWithLength(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, server := transport.DuplexPair(0)

	feed(client, false, "GET /index.html HTTP/1.1\r\nHost: example.test\r\nX-Trace: a\r\nx-trace: b\r\n\r\n")
	sock := NewSocket(server, 0, DefaultLimits())

	req, err := sock.ReadUntilHeadComplete(ctx)
	if err != nil {
		t.Fatalf("read head: %v", err)
	}
	if !req.Valid || !req.HeadComplete || !req.BodyComplete {
		t.Fatalf("expected complete bodiless request, got %+v", req.State)
	}
	if req.Method != message.MethodGet || req.Path != "/index.html" || req.Version != message.Version11 {
		t.Fatalf("unexpected request line %v %q %v", req.Method, req.Path, req.Version)
	}
	if req.Authority != "example.test" || req.Headers.Count("X-TRACE") != 2 {
		t.Fatalf("unexpected headers %+v", req.Headers)
	}
	if v, _ := req.Headers.Get("x-trace", 1); v != "b" {
		t.Fatalf("expected second x-trace b, got %q", v)
	}

	if err := sock.SetHeader("Content-Type", "text/plain"); err != nil {
		t.Fatalf("set header: %v", err)
	}
	if err := sock.Close(ctx, []byte("hello")); err != nil {
		t.Fatalf("close: %v", err)
	}
	raw, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	want := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello"
	if string(raw) != want {
		t.Fatalf("unexpected response:\n%q\nwant\n%q", raw, want)
	}
}

func TestStepwiseContentLengthBody(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, server := transport.DuplexPair(0)
	sock := NewSocket(server, 0, DefaultLimits())

	_, _ = client.Write([]byte("POST /upload HTTP/1.1\r\nContent-Length: 10\r\n\r\n"))
	req, err := sock.ReadRequest(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !req.HeadComplete || req.BodyComplete {
		t.Fatalf("expected head complete only, got %+v", req.State)
	}

	_, _ = client.Write([]byte("01234"))
	req, err = sock.ReadRequest(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if req.BodyComplete || string(req.Body) != "01234" {
		t.Fatalf("expected partial body, got %q complete=%v", req.Body, req.BodyComplete)
	}

	_, _ = client.Write([]byte("56789"))
	req, err = sock.ReadUntilComplete(ctx)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if !req.BodyComplete || string(req.Body) != "0123456789" {
		t.Fatalf("unexpected body %q", req.Body)
	}
}

func TestChunkedRequestWithTrailers(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, server := transport.DuplexPair(0)

	feed(client, false,
		"PUT /c HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n",
		"5;ext=1\r\nhel", "lo\r\n",
		"6\r\n world\r\n0\r\nX-Checksum: abc\r\n\r\n")
	sock := NewSocket(server, 0, DefaultLimits())

	req, err := sock.ReadUntilComplete(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(req.Body) != "hello world" {
		t.Fatalf("unexpected body %q", req.Body)
	}
	if v, ok := req.Headers.First("X-Checksum"); !ok || v != "abc" {
		t.Fatalf("expected trailer appended to headers, got %+v", req.Headers)
	}
}

func TestHeadTooLarge(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, server := transport.DuplexPair(0)

	feed(client, false, "GET / HTTP/1.1\r\nX-Big: "+strings.Repeat("a", 400)+"\r\n\r\n")
	sock := NewSocket(server, MinBufferSize, DefaultLimits())

	_, err := sock.ReadUntilHeadComplete(ctx)
	if !errors.Is(err, ErrHeadTooLarge) || errs.CodeOf(err) != errs.HeadTooLarge {
		t.Fatalf("expected head too large, got %v", err)
	}
	if sock.Phase() != PhaseInvalid {
		t.Fatalf("expected invalid phase, got %s", sock.Phase())
	}
	if _, err := sock.ReadRequest(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state to absorb further reads, got %v", err)
	}
}

func TestRequestFramingErrors(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"gzip coding", "POST / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n", ErrUnsupportedCoding},
		{"conflicting lengths", "POST / HTTP/1.1\r\nContent-Length: 3\r\nContent-Length: 4\r\n\r\n", ErrBadContentLength},
		{"eof inside body", "POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc", ErrUnexpectedEOF},
		{"bad chunk size", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", ErrBadChunk},
		{"folded header", "GET / HTTP/1.1\r\nA: b\r\n c\r\n\r\n", ErrMalformedHead},
		{"bad request line", "GET /\r\n\r\n", ErrMalformedHead},
	}
	for _, tc := range cases {
		ctx := testContext(t)
		client, server := transport.DuplexPair(0)
		feed(client, true, tc.raw)
		_, err := NewSocket(server, 0, DefaultLimits()).ReadUntilComplete(ctx)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		if errs.CodeOf(err) != errs.ProtocolError {
			t.Fatalf("%s: expected protocol error code, got %s", tc.name, errs.CodeOf(err))
		}
	}
}

func TestIdleEOFIsConnectionClosed(t *testing.T) {
	testlog.Start(t)
	client, server := transport.DuplexPair(0)
	_ = client.CloseWrite()

	_, err := NewSocket(server, 0, DefaultLimits()).ReadUntilHeadComplete(testContext(t))
	if errs.CodeOf(err) != errs.ConnectionClosed {
		t.Fatalf("expected connection closed, got %v", err)
	}
}

func TestHeaderMutationAfterHeadSent(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, server := transport.DuplexPair(0)
	feed(client, false, "GET / HTTP/1.1\r\n\r\n")
	go func() { _, _ = io.Copy(io.Discard, client) }()

	sock := NewSocket(server, 0, DefaultLimits())
	if _, err := sock.ReadUntilComplete(ctx); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := sock.Write(ctx, []byte("part")); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, err := range []error{
		sock.SetHeader("X-Late", "1"),
		sock.AddHeader("X-Late", "1"),
		sock.DelHeader("X-Late"),
		sock.SetStatus(404, ""),
	} {
		if errs.CodeOf(err) != errs.StreamStateError {
			t.Fatalf("expected stream state error, got %v", err)
		}
	}
	if err := sock.SetHeader("Bad Name", "x"); err == nil {
		t.Fatalf("expected error for invalid header name")
	}
}

func TestClientServerChunkedExchange(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	a, b := transport.DuplexPair(0)

	serverErr := make(chan error, 1)
	go func() {
		sock := NewSocket(b, 0, DefaultLimits())
		req, err := sock.ReadUntilComplete(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		if string(req.Body) != "ping" || req.Method != message.MethodPost {
			serverErr <- errors.New("unexpected request " + req.MethodText + " " + string(req.Body))
			return
		}
		_ = sock.SetStatus(201, "")
		_ = sock.SetHeader("X-Server", "netbridge")
		if err := sock.Write(ctx, []byte("po")); err != nil {
			serverErr <- err
			return
		}
		if err := sock.Flush(ctx); err != nil {
			serverErr <- err
			return
		}
		serverErr <- sock.Close(ctx, []byte("ng"))
	}()

	req := NewRequest(a, 0, DefaultLimits())
	if err := req.SetMethod(message.MethodPost); err != nil {
		t.Fatalf("set method: %v", err)
	}
	if err := req.SetPath("/echo"); err != nil {
		t.Fatalf("set path: %v", err)
	}
	if err := req.SetAuthority("echo.test"); err != nil {
		t.Fatalf("set authority: %v", err)
	}
	if err := req.Send(ctx, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := req.SetPath("/late"); errs.CodeOf(err) != errs.StreamStateError {
		t.Fatalf("expected late path change to fail, got %v", err)
	}

	resp, err := req.ReadUntilComplete(ctx)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server: %v", err)
	}
	if resp.Status != 201 || resp.Reason != "Created" || string(resp.Body) != "pong" {
		t.Fatalf("unexpected response %d %q %q", resp.Status, resp.Reason, resp.Body)
	}
	if !resp.Headers.HasToken("Transfer-Encoding", "chunked") {
		t.Fatalf("expected chunked response, got %+v", resp.Headers)
	}
}

func TestHeadResponseHasNoBody(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	a, b := transport.DuplexPair(0)

	go func() {
		sock := NewSocket(b, 0, DefaultLimits())
		if _, err := sock.ReadUntilComplete(ctx); err != nil {
			return
		}
		_ = sock.SetHeader("Content-Length", "42")
		_ = sock.Close(ctx, []byte("ignored"))
	}()

	req := NewRequest(a, 0, DefaultLimits())
	_ = req.SetMethod(message.MethodHead)
	if err := req.Send(ctx, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	resp, err := req.ReadUntilComplete(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(resp.Body) != 0 || !resp.BodyComplete {
		t.Fatalf("expected empty complete body for HEAD, got %q", resp.Body)
	}
	if v, _ := resp.Headers.First("Content-Length"); v != "42" {
		t.Fatalf("expected declared length to pass through, got %q", v)
	}
}

func TestResponseReadToCloseAndInterim(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	a, b := transport.DuplexPair(0)

	feed(b, true,
		"HTTP/1.1 100 Continue\r\n\r\n",
		"HTTP/1.0 200 OK\r\nServer: legacy\r\n\r\nuntil ",
		"close")
	req := NewRequest(a, 0, DefaultLimits())
	resp, err := req.ReadUntilComplete(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Status != 200 || resp.Version != message.Version10 || string(resp.Body) != "until close" {
		t.Fatalf("unexpected response %d %v %q", resp.Status, resp.Version, resp.Body)
	}
}

func TestWebSocketUpgradeEndToEnd(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	a, b := transport.DuplexPair(0)

	serverConn := make(chan *websocket.Conn, 1)
	go func() {
		sock := NewSocket(b, 0, DefaultLimits())
		if _, err := sock.ReadUntilHeadComplete(ctx); err != nil {
			t.Errorf("server read: %v", err)
			serverConn <- nil
			return
		}
		_ = sock.SetHeader("Sec-WebSocket-Protocol", "chat")
		conn, err := sock.AcceptWebSocket(ctx, websocket.DefaultLimits())
		if err != nil {
			t.Errorf("accept: %v", err)
		}
		if err := sock.Write(ctx, []byte("x")); !errors.Is(err, ErrDetached) {
			t.Errorf("expected detached socket, got %v", err)
		}
		serverConn <- conn
	}()

	req := NewRequest(a, 0, DefaultLimits())
	_ = req.SetAuthority("ws.test")
	client, err := req.UpgradeWebSocket(ctx, websocket.DefaultLimits())
	if err != nil {
		t.Fatalf("client upgrade: %v", err)
	}
	server := <-serverConn
	if server == nil {
		t.Fatalf("server upgrade failed")
	}
	if v, _ := req.Response().Headers.First("Sec-WebSocket-Protocol"); v != "chat" {
		t.Fatalf("expected subprotocol header in 101, got %q", v)
	}

	if err := client.Send(ctx, websocket.OpText, []byte("hi"), websocket.SendOptions{Masked: true}); err != nil {
		t.Fatalf("client send: %v", err)
	}
	f, err := server.ReadFrame(ctx)
	if err != nil || f.Payload.String() != "hi" {
		t.Fatalf("server read frame: %v", err)
	}
}

func TestAcceptH2C(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	a, b := transport.DuplexPair(0)

	settings := []byte{0x00, 0x03, 0x00, 0x00, 0x00, 0x64}
	encoded := base64.RawURLEncoding.EncodeToString(settings)
	feed(a, false, "GET /h2 HTTP/1.1\r\nHost: x\r\nConnection: Upgrade, HTTP2-Settings\r\nUpgrade: h2c\r\nHTTP2-Settings: "+encoded+"\r\n\r\n"+transport.ClientPreface)

	sock := NewSocket(b, 0, DefaultLimits())
	if _, err := sock.ReadUntilComplete(ctx); err != nil {
		t.Fatalf("read: %v", err)
	}
	up, err := sock.AcceptH2C(ctx)
	if err != nil {
		t.Fatalf("accept h2c: %v", err)
	}
	if string(up.Settings) != string(settings) || up.Request.Path != "/h2" {
		t.Fatalf("unexpected upgrade %+v", up)
	}

	head := make([]byte, len("HTTP/1.1 101 Switching Protocols\r\n"))
	if _, err := a.ReadFull(ctx, head); err != nil || !strings.HasPrefix(string(head), "HTTP/1.1 101") {
		t.Fatalf("expected 101 response, got %q %v", head, err)
	}
	// bytes after the request head stay readable on the detached stream
	preface := make([]byte, len(transport.ClientPreface))
	if _, err := up.Stream.ReadFull(ctx, preface); err != nil || string(preface) != transport.ClientPreface {
		t.Fatalf("expected preface on detached stream, got %q %v", preface, err)
	}
}

func TestNonUpgradeRequestRejected(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	a, b := transport.DuplexPair(0)
	feed(a, false, "GET / HTTP/1.1\r\n\r\n")

	sock := NewSocket(b, 0, DefaultLimits())
	if _, err := sock.AcceptWebSocket(ctx, websocket.DefaultLimits()); !errors.Is(err, ErrHeadIncomplete) {
		t.Fatalf("expected head incomplete before read, got %v", err)
	}
	if _, err := sock.ReadUntilComplete(ctx); err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := sock.AcceptWebSocket(ctx, websocket.DefaultLimits()); !errors.Is(err, ErrNotUpgrade) {
		t.Fatalf("expected not upgrade, got %v", err)
	}
}
