package http2

import (
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/message"
	"github.com/danmuck/netbridge/internal/testutil/testlog"
	"golang.org/x/net/http2"
)

func TestRequestResponseThroughHandlers(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, server := connect(t, ctx, DefaultSettings())
	run(ctx, client)
	run(ctx, server)

	id, err := client.OpenStream()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	req, err := client.ClientHandler(id)
	if err != nil {
		t.Fatalf("client handler: %v", err)
	}
	if err := req.SetMethod(message.MethodPost); err != nil {
		t.Fatalf("method: %v", err)
	}
	_ = req.SetPath("/echo")
	_ = req.SetAuthority("example.test")
	if err := req.SetHeader("X-Trace", "abc"); err != nil {
		t.Fatalf("header: %v", err)
	}
	if err := req.SetHeader("Connection", "keep-alive"); err != nil {
		t.Fatalf("header: %v", err)
	}
	if err := req.Send(ctx, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := req.SetHeader("X-Late", "1"); !errors.Is(err, message.ErrClosed) {
		t.Fatalf("mutation after send: %v", err)
	}

	sid, err := server.AcceptStream(ctx)
	if err != nil || sid != id {
		t.Fatalf("accept: id=%d err=%v", sid, err)
	}
	sock, err := server.ServerHandler(sid)
	if err != nil {
		t.Fatalf("server handler: %v", err)
	}
	got, err := sock.ReadUntilComplete(ctx)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	if got.Method != message.MethodPost || got.Path != "/echo" || got.Authority != "example.test" || got.Scheme != "http" {
		t.Fatalf("unexpected request %+v", got)
	}
	if v, _ := got.Headers.First("x-trace"); v != "abc" {
		t.Fatalf("x-trace = %q", v)
	}
	if v, _ := got.Headers.First("content-length"); v != "4" {
		t.Fatalf("content-length = %q", v)
	}
	if got.Headers.Has("connection") {
		t.Fatalf("connection-specific header crossed: %+v", got.Headers)
	}
	if string(got.Body) != "ping" || !got.BodyComplete {
		t.Fatalf("body %q complete=%v", got.Body, got.BodyComplete)
	}

	if err := sock.SetStatus(201, ""); err != nil {
		t.Fatalf("status: %v", err)
	}
	_ = sock.SetHeader("Content-Type", "text/plain")
	if err := sock.Write(ctx, []byte("po")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sock.SetHeader("X-Late", "1"); !errors.Is(err, message.ErrHeadSent) {
		t.Fatalf("mutation after head: %v", err)
	}
	if err := sock.Close(ctx, []byte("ng")); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sock.Close(ctx, nil); !errors.Is(err, message.ErrClosed) {
		t.Fatalf("second close: %v", err)
	}

	resp, err := req.ReadUntilComplete(ctx)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Status != 201 || resp.Version != message.Version2 || string(resp.Body) != "pong" {
		t.Fatalf("unexpected response %d %v %q", resp.Status, resp.Version, resp.Body)
	}
	if v, _ := resp.Headers.First("content-type"); v != "text/plain" {
		t.Fatalf("content-type = %q", v)
	}
	if st, _ := client.StreamState(id); st != StateClosed {
		t.Fatalf("client stream is %v", st)
	}
}

func TestReadRequestStepsThroughUpdates(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, server := connect(t, ctx, DefaultSettings())
	run(ctx, client)
	run(ctx, server)

	id, _ := client.OpenStream()
	req, _ := client.ClientHandler(id)
	_ = req.SetMethodText("PUT")
	if err := req.Write(ctx, []byte("first")); err != nil {
		t.Fatalf("write: %v", err)
	}

	sid, _ := server.AcceptStream(ctx)
	sock, _ := server.ServerHandler(sid)
	head, err := sock.ReadUntilHeadComplete(ctx)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if !head.HeadComplete || head.MethodText != "PUT" || head.Path != "/" {
		t.Fatalf("unexpected head %+v", head)
	}
	if head.BodyComplete {
		t.Fatalf("body reported complete before END_STREAM")
	}

	if err := req.Send(ctx, []byte("second")); err != nil {
		t.Fatalf("send: %v", err)
	}
	var last *message.Request
	for last == nil || !last.BodyComplete {
		if last, err = sock.ReadRequest(ctx); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if string(last.Body) != "firstsecond" {
		t.Fatalf("body %q", last.Body)
	}
	if err := sock.Close(ctx, nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	resp, err := req.ReadUntilComplete(ctx)
	if err != nil || resp.Status != 200 || len(resp.Body) != 0 {
		t.Fatalf("response %+v err=%v", resp, err)
	}
	if v, _ := resp.Headers.First("content-length"); v != "0" {
		t.Fatalf("content-length = %q", v)
	}
}

func TestLargeHeaderBlockUsesContinuation(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, server := connect(t, ctx, DefaultSettings())
	run(ctx, client)

	big := strings.Repeat("v", 3*defaultMaxFrameSize)
	id, _ := client.OpenStream()
	req, _ := client.ClientHandler(id)
	_ = req.SetHeader("X-Big", big)
	if err := req.Send(ctx, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	continuations := 0
	for {
		raw, err := server.ReadRaw(ctx)
		if err != nil || raw == nil {
			t.Fatalf("read raw: %v", err)
		}
		if http2.FrameType(raw[3]) == http2.FrameContinuation {
			continuations++
		}
		sid, ok, err := server.HandleRaw(ctx, raw)
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if ok && sid == id {
			break
		}
	}
	if continuations == 0 {
		t.Fatalf("expected CONTINUATION frames for a %d byte header", len(big))
	}
	sock, _ := server.ServerHandler(id)
	got := sock.Request()
	if v, _ := got.Headers.First("x-big"); v != big {
		t.Fatalf("header value truncated to %d bytes", len(v))
	}
	if !got.BodyComplete {
		t.Fatalf("request without body should be complete")
	}
}

func TestResetLeavesSessionUsable(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, server := connect(t, ctx, DefaultSettings())
	run(ctx, client)
	run(ctx, server)

	first, _ := client.OpenStream()
	req, _ := client.ClientHandler(first)
	if err := req.Write(ctx, []byte("partial")); err != nil {
		t.Fatalf("write: %v", err)
	}
	sid, _ := server.AcceptStream(ctx)
	sock, _ := server.ServerHandler(sid)
	if err := client.SendRstStream(ctx, first, http2.ErrCodeCancel); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := sock.ReadUntilComplete(ctx); errs.CodeOf(err) != errs.StreamReset {
		t.Fatalf("read on reset stream: %v", err)
	}
	if err := sock.Close(ctx, []byte("late")); errs.CodeOf(err) != errs.StreamReset {
		t.Fatalf("write on reset stream: %v", err)
	}

	second, _ := client.OpenStream()
	if second != first+2 {
		t.Fatalf("second stream %d", second)
	}
	req2, _ := client.ClientHandler(second)
	if err := req2.Send(ctx, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	sid2, err := server.AcceptStream(ctx)
	if err != nil || sid2 != second {
		t.Fatalf("accept: id=%d err=%v", sid2, err)
	}
	sock2, _ := server.ServerHandler(sid2)
	if err := sock2.Close(ctx, []byte("ok")); err != nil {
		t.Fatalf("close: %v", err)
	}
	resp, err := req2.ReadUntilComplete(ctx)
	if err != nil || string(resp.Body) != "ok" {
		t.Fatalf("response %q err=%v", resp.Body, err)
	}
	if client.Err() != nil || server.Err() != nil {
		t.Fatalf("sessions ended: %v / %v", client.Err(), server.Err())
	}
}

func TestServerPush(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, server := connect(t, ctx, DefaultSettings())
	run(ctx, client)
	run(ctx, server)

	id, _ := client.OpenStream()
	req, _ := client.ClientHandler(id)
	_ = req.SetPath("/index.html")
	_ = req.SetAuthority("example.test")
	if err := req.Send(ctx, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	sid, _ := server.AcceptStream(ctx)
	sock, _ := server.ServerHandler(sid)

	pushed, err := sock.Push(ctx, message.Headers{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":authority", Value: "example.test"},
		{Name: ":path", Value: "/style.css"},
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if pushed.ID()%2 != 0 {
		t.Fatalf("pushed stream %d is not server numbered", pushed.ID())
	}
	if err := pushed.Close(ctx, []byte("body{}")); err != nil {
		t.Fatalf("pushed close: %v", err)
	}
	if err := sock.Close(ctx, []byte("<html>")); err != nil {
		t.Fatalf("close: %v", err)
	}

	resp, err := req.ReadUntilComplete(ctx)
	if err != nil || string(resp.Body) != "<html>" {
		t.Fatalf("response %q err=%v", resp.Body, err)
	}
	promised, err := client.PushRequest(pushed.ID())
	if err != nil {
		t.Fatalf("push request: %v", err)
	}
	if promised.Path != "/style.css" || promised.Method != message.MethodGet {
		t.Fatalf("unexpected promise %+v", promised)
	}
	ph, err := client.ClientHandler(pushed.ID())
	if err != nil {
		t.Fatalf("pushed handler: %v", err)
	}
	presp, err := ph.ReadUntilComplete(ctx)
	if err != nil || string(presp.Body) != "body{}" {
		t.Fatalf("pushed response %q err=%v", presp.Body, err)
	}
}

func TestPushRefusedWhenDisabled(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, server := connect(t, ctx, DefaultSettings())
	run(ctx, client)
	run(ctx, server)

	if err := client.SendSettings(ctx, DefaultNoPushSettings()); err != nil {
		t.Fatalf("settings: %v", err)
	}
	eventually(t, "push disabled", func() bool { return !server.RemoteSettings().EnablePush })

	id, _ := client.OpenStream()
	req, _ := client.ClientHandler(id)
	_ = req.Send(ctx, nil)
	sid, _ := server.AcceptStream(ctx)
	sock, _ := server.ServerHandler(sid)
	if _, err := sock.Push(ctx, message.Headers{{Name: ":method", Value: "GET"}, {Name: ":path", Value: "/"}}); !errors.Is(err, ErrPushRefused) {
		t.Fatalf("push with push disabled: %v", err)
	}
}

func TestHandlerValidation(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, _ := connect(t, ctx, DefaultSettings())

	if _, err := client.ClientHandler(99); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("handler for unknown stream: %v", err)
	}
	id, _ := client.OpenStream()
	req, _ := client.ClientHandler(id)
	if err := req.SetHeader("bad name", "x"); !errors.Is(err, message.ErrInvalidField) {
		t.Fatalf("bad header name: %v", err)
	}
	if err := req.SetPath(""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty path: %v", err)
	}
	if err := req.SetMethod(message.MethodUnknown); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("unknown method: %v", err)
	}
	if err := client.SendHeaders(ctx, id, false, message.Headers{{Name: "x", Value: "a\nb"}}); !errors.Is(err, message.ErrInvalidField) {
		t.Fatalf("bad header value: %v", err)
	}
	if st, _ := client.StreamState(id); st != StateIdle {
		t.Fatalf("rejected headers changed stream state to %v", st)
	}
}

func TestClosedStreamsArePruned(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, server := connect(t, ctx, DefaultSettings())
	run(ctx, client)
	run(ctx, server)

	const exchanges = 600
	var first uint32
	for i := 0; i < exchanges; i++ {
		id, err := client.OpenStream()
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if first == 0 {
			first = id
		}
		req, _ := client.ClientHandler(id)
		_ = req.SetPath("/n")
		_ = req.SetAuthority("example.test")
		if err := req.Send(ctx, nil); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		sid, err := server.AcceptStream(ctx)
		if err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
		sock, _ := server.ServerHandler(sid)
		if _, err := sock.ReadUntilComplete(ctx); err != nil {
			t.Fatalf("read request %d: %v", i, err)
		}
		if err := sock.Close(ctx, []byte("ok")); err != nil {
			t.Fatalf("respond %d: %v", i, err)
		}
		if resp, err := req.ReadUntilComplete(ctx); err != nil || string(resp.Body) != "ok" {
			t.Fatalf("response %d: %v", i, err)
		}
	}

	for name, sess := range map[string]*Session{"client": client, "server": server} {
		sess.mu.Lock()
		n := len(sess.streams)
		sess.mu.Unlock()
		if n > 4*retainClosed {
			t.Fatalf("%s still tracks %d streams after %d exchanges", name, n, exchanges)
		}
		if st, err := sess.StreamState(first); err != nil || st != StateClosed {
			t.Fatalf("%s: pruned stream reads as %v, %v", name, st, err)
		}
	}
	if _, err := server.ServerHandler(first); !errors.Is(err, ErrStreamForgotten) {
		t.Fatalf("handler for pruned stream: %v", err)
	}
	if _, err := server.StreamState(first + 2*exchanges); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("unused stream: %v", err)
	}
}
