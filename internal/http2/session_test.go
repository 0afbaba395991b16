package http2

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/message"
	"github.com/danmuck/netbridge/internal/testutil/testlog"
	"github.com/danmuck/netbridge/internal/transport"
	"golang.org/x/net/http2"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// connect runs the preface exchange between a client and a server session
// built over a fresh duplex pair.
func connect(t *testing.T, ctx context.Context, serverSettings Settings) (*Session, *Session) {
	t.Helper()
	a, b := transport.DuplexPair(0)
	client := NewClient(a, 0)
	server := With(b, 0, ModeServer, true, serverSettings)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	if err := client.SendPreface(ctx); err != nil {
		t.Fatalf("client preface: %v", err)
	}
	if ok, err := server.ReadPreface(ctx); err != nil || !ok {
		t.Fatalf("server read preface: ok=%v err=%v", ok, err)
	}
	if err := server.SendPreface(ctx); err != nil {
		t.Fatalf("server preface: %v", err)
	}
	if ok, err := client.ReadPreface(ctx); err != nil || !ok {
		t.Fatalf("client read preface: ok=%v err=%v", ok, err)
	}
	return client, server
}

// run drives sess in the background and reports how the loop ended.
func run(ctx context.Context, sess *Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()
	return done
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPrefaceExchangeAppliesSettings(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, server := connect(t, ctx, MaximumSettings())
	run(ctx, client)
	run(ctx, server)

	if got := client.RemoteSettings().MaxFrameSize; got != maxFrameSizeLimit {
		t.Fatalf("client sees max frame size %d, want %d", got, maxFrameSizeLimit)
	}
	// local values only change once the peer acknowledged them
	eventually(t, "server settings ack", func() bool {
		v := server.LocalSettings()
		return v.InitialWindowSize == maxWindowSize && v.MaxFrameSize == maxFrameSizeLimit
	})
	eventually(t, "client settings ack", func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.pending) == 0
	})
}

func TestPrefaceMismatch(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)

	a, b := transport.DuplexPair(0)
	go func() { _, _ = a.Write([]byte("GET / HTTP/1.1\r\nHost: example.test\r\n\r\n")) }()
	strict := NewServer(b, 0)
	ok, err := strict.ReadPreface(ctx)
	if ok || !errors.Is(err, ErrPrefaceMismatch) {
		t.Fatalf("strict: ok=%v err=%v", ok, err)
	}
	if errs.CodeOf(err) != errs.ProtocolError {
		t.Fatalf("strict mismatch code %v", errs.CodeOf(err))
	}

	c, d := transport.DuplexPair(0)
	go func() { _, _ = c.Write([]byte("PRI * HTTP/1.1\r\n\r\nXX\r\n\r\n")) }()
	lenient := With(d, 0, ModeServer, false, DefaultSettings())
	ok, err = lenient.ReadPreface(ctx)
	if ok || err != nil {
		t.Fatalf("lenient: ok=%v err=%v", ok, err)
	}
}

func TestOpenStreamNumbering(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		mk   func(*transport.Stream, int) *Session
		want []uint32
	}{
		{"client", NewClient, []uint32{1, 3, 5}},
		{"server", NewServer, []uint32{2, 4, 6}},
		{"ambiguous", New, []uint32{1, 3, 5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := transport.DuplexPair(0)
			sess := tc.mk(a, 0)
			for _, want := range tc.want {
				id, err := sess.OpenStream()
				if err != nil {
					t.Fatalf("open: %v", err)
				}
				if id != want {
					t.Fatalf("got stream %d, want %d", id, want)
				}
				if st, _ := sess.StreamState(id); st != StateIdle {
					t.Fatalf("new stream %d is %v", id, st)
				}
			}
		})
	}
}

func TestSettingsValidation(t *testing.T) {
	testlog.Start(t)
	if err := (Settings{{ID: http2.SettingInitialWindowSize, Val: 1 << 31}}).Validate(); errs.CodeOf(err) != errs.FlowControlViolation {
		t.Fatalf("oversized window: %v", err)
	}
	if err := (Settings{{ID: http2.SettingMaxFrameSize, Val: 100}}).Validate(); errs.CodeOf(err) != errs.ProtocolError {
		t.Fatalf("small frame size: %v", err)
	}
	if err := (Settings{{ID: http2.SettingEnablePush, Val: 2}}).Validate(); errs.CodeOf(err) != errs.ProtocolError {
		t.Fatalf("bad push flag: %v", err)
	}
	if _, err := ParseSettings([]byte{0, 1, 0}); !errors.Is(err, ErrBadSettings) {
		t.Fatalf("short payload: %v", err)
	}

	parsed, err := ParseSettings(DefaultNoPushSettings().Encode())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	v := InitialValues()
	for _, st := range parsed {
		if err := v.apply(st); err != nil {
			t.Fatalf("apply %v: %v", st, err)
		}
	}
	if v.EnablePush || v.MaxFrameSize != defaultMaxFrameSize || v.HeaderTableSize != defaultHeaderTableSize {
		t.Fatalf("unexpected values %+v", v)
	}
}

func TestPingIsAnswered(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, server := connect(t, ctx, DefaultSettings())
	run(ctx, server)

	payload := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := client.SendPing(ctx, false, payload); err != nil {
		t.Fatalf("ping: %v", err)
	}
	for {
		raw, err := client.ReadRaw(ctx)
		if err != nil || raw == nil {
			t.Fatalf("read raw: %v", err)
		}
		if http2.FrameType(raw[3]) == http2.FramePing && raw[4]&byte(http2.FlagPingAck) != 0 {
			if !bytes.Equal(raw[frameHeaderLen:], payload[:]) {
				t.Fatalf("ping ack carries %x", raw[frameHeaderLen:])
			}
			return
		}
		if _, _, err := client.HandleRaw(ctx, raw); err != nil {
			t.Fatalf("handle %v: %v", http2.FrameType(raw[3]), err)
		}
	}
}

func TestHandleRawRejectsTruncatedFrame(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	a, _ := transport.DuplexPair(0)
	sess := NewServer(a, 0)

	_, _, err := sess.HandleRaw(ctx, []byte{0, 0, 8, 6, 0, 0, 0, 0, 0, 1, 2})
	if errs.CodeOf(err) != errs.TypeError {
		t.Fatalf("expected type error, got %v", err)
	}
	if sess.Err() != nil {
		t.Fatalf("argument error must not end the session: %v", sess.Err())
	}
}

func TestZeroWindowUpdate(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	raw := []byte{0, 0, 4, byte(http2.FrameWindowUpdate), 0, 0, 0, 0, 0, 0, 0, 0, 0}

	a, _ := transport.DuplexPair(0)
	lenient := With(a, 0, ModeServer, false, DefaultSettings())
	if _, ok, err := lenient.HandleRaw(ctx, raw); ok || err != nil {
		t.Fatalf("lenient: ok=%v err=%v", ok, err)
	}
	if lenient.Err() != nil {
		t.Fatalf("lenient session ended: %v", lenient.Err())
	}

	b, peer := transport.DuplexPair(0)
	strict := NewServer(b, 0)
	_, _, err := strict.HandleRaw(ctx, raw)
	if errs.CodeOf(err) != errs.ProtocolError {
		t.Fatalf("strict: %v", err)
	}
	if _, err := strict.OpenStream(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("session should be closed, got %v", err)
	}

	// the peer still gets a GOAWAY carrying the error code
	hdr := make([]byte, frameHeaderLen)
	if _, err := peer.ReadFull(ctx, hdr); err != nil {
		t.Fatalf("read goaway header: %v", err)
	}
	if http2.FrameType(hdr[3]) != http2.FrameGoAway {
		t.Fatalf("expected GOAWAY, got %v", http2.FrameType(hdr[3]))
	}
	body := make([]byte, int(hdr[2]))
	if _, err := peer.ReadFull(ctx, body); err != nil {
		t.Fatalf("read goaway body: %v", err)
	}
	if code := http2.ErrCode(uint32(body[4])<<24 | uint32(body[5])<<16 | uint32(body[6])<<8 | uint32(body[7])); code != http2.ErrCodeProtocol {
		t.Fatalf("goaway code %v", code)
	}
}

func TestSendDataBlocksUntilWindowUpdate(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, server := connect(t, ctx, Settings{{ID: http2.SettingInitialWindowSize, Val: 10}})
	run(ctx, client)

	id, err := client.OpenStream()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	head := message.Headers{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: "/upload"},
	}
	if err := client.SendHeaders(ctx, id, false, head); err != nil {
		t.Fatalf("headers: %v", err)
	}

	body := bytes.Repeat([]byte("0123456789"), 3)
	sent := make(chan error, 1)
	go func() { sent <- client.SendData(ctx, id, true, body) }()

	select {
	case err := <-sent:
		t.Fatalf("send finished with the stream window exhausted: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	run(ctx, server)
	if err := <-sent; err != nil {
		t.Fatalf("send: %v", err)
	}
	sid, err := server.AcceptStream(ctx)
	if err != nil || sid != id {
		t.Fatalf("accept: id=%d err=%v", sid, err)
	}
	h, err := server.ServerHandler(sid)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	req, err := h.ReadUntilComplete(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(req.Body, body) || !req.BodyComplete {
		t.Fatalf("server got %q complete=%v", req.Body, req.BodyComplete)
	}
}

func TestSendDataCancelledWhileBlocked(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, _ := connect(t, ctx, Settings{{ID: http2.SettingInitialWindowSize, Val: 4}})

	id, _ := client.OpenStream()
	if err := client.SendHeaders(ctx, id, false, message.Headers{{Name: ":method", Value: "PUT"}, {Name: ":scheme", Value: "http"}, {Name: ":path", Value: "/"}}); err != nil {
		t.Fatalf("headers: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := client.SendData(short, id, false, []byte("more than four bytes"))
	if errs.CodeOf(err) != errs.Cancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if client.Err() != nil {
		t.Fatalf("cancelled send ended the session: %v", client.Err())
	}
}

func TestGoawayRefusesNewStreams(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, server := connect(t, ctx, DefaultSettings())
	run(ctx, client)

	pending, err := client.OpenStream()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := server.SendGoaway(ctx, 0, http2.ErrCodeNo, []byte("bye")); err != nil {
		t.Fatalf("goaway: %v", err)
	}
	eventually(t, "goaway", func() bool {
		_, ok := client.PeerGoaway()
		return ok
	})
	g, _ := client.PeerGoaway()
	if g.LastStreamID != 0 || g.Code != http2.ErrCodeNo || string(g.Debug) != "bye" {
		t.Fatalf("unexpected goaway %+v", g)
	}
	if st, _ := client.StreamState(pending); st != StateClosed {
		t.Fatalf("stream above the last id is %v", st)
	}
	if err := client.SendHeaders(ctx, pending, true, message.Headers{{Name: ":method", Value: "GET"}}); errs.CodeOf(err) != errs.StreamReset {
		t.Fatalf("send on refused stream: %v", err)
	}
	if _, err := client.OpenStream(); !errors.Is(err, ErrGoaway) {
		t.Fatalf("open after goaway: %v", err)
	}
}

func TestConnectionErrorTerminatesStreams(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	client, server := connect(t, ctx, DefaultSettings())
	clientDone := run(ctx, client)
	serverDone := run(ctx, server)

	id, _ := client.OpenStream()
	ch, _ := client.ClientHandler(id)
	if err := ch.Write(ctx, nil); err != nil {
		t.Fatalf("send head: %v", err)
	}
	sid, err := server.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	sh, _ := server.ServerHandler(sid)

	// a connection WINDOW_UPDATE that overflows the send window
	bad := []byte{0, 0, 4, byte(http2.FrameWindowUpdate), 0, 0, 0, 0, 0, 0x7f, 0xff, 0xff, 0xff}
	if _, err := client.Stream().WriteContext(ctx, bad); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := <-serverDone; errs.CodeOf(err) != errs.FlowControlViolation {
		t.Fatalf("server loop ended with %v", err)
	}
	if _, err := sh.ReadUntilComplete(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("server stream read: %v", err)
	}
	if st, _ := server.StreamState(sid); st != StateClosed {
		t.Fatalf("server stream is %v", st)
	}

	if err := <-clientDone; err != nil {
		t.Fatalf("client loop: %v", err)
	}
	g, ok := client.PeerGoaway()
	if !ok || g.Code != http2.ErrCodeFlowControl || g.LastStreamID != id {
		t.Fatalf("client goaway %+v ok=%v", g, ok)
	}
	if _, err := ch.ReadUntilComplete(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("client stream read: %v", err)
	}
}

func TestAdoptUpgrade(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	a, _ := transport.DuplexPair(0)
	server := NewServer(a, 0)

	req := &message.Request{
		State:      message.State{Valid: true, HeadComplete: true, BodyComplete: true, Headers: message.Headers{{Name: "accept", Value: "*/*"}}},
		Method:     message.MethodGet,
		MethodText: "GET",
		Path:       "/upgrade",
		Authority:  "example.test",
		Scheme:     "http",
	}
	settings := Settings{{ID: http2.SettingMaxFrameSize, Val: 32768}}.Encode()
	id, err := server.AdoptUpgrade(req, settings)
	if err != nil || id != 1 {
		t.Fatalf("adopt: id=%d err=%v", id, err)
	}
	if st, _ := server.StreamState(1); st != StateHalfClosedRemote {
		t.Fatalf("adopted stream is %v", st)
	}
	if got := server.RemoteSettings().MaxFrameSize; got != 32768 {
		t.Fatalf("remote max frame size %d", got)
	}
	if _, err := server.AdoptUpgrade(req, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("second adopt: %v", err)
	}

	sid, err := server.AcceptStream(ctx)
	if err != nil || sid != 1 {
		t.Fatalf("accept: id=%d err=%v", sid, err)
	}
	h, _ := server.ServerHandler(sid)
	got, err := h.ReadUntilComplete(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Path != "/upgrade" || got.Version != message.Version2 || got.Headers.Count("accept") != 1 {
		t.Fatalf("unexpected adopted request %+v", got)
	}
	if next, _ := server.OpenStream(); next != 2 {
		t.Fatalf("server numbering continues at %d", next)
	}
}

func TestOversizedHeaderBlockEndsSession(t *testing.T) {
	testlog.Start(t)
	ctx := testContext(t)
	a, peer := transport.DuplexPair(0)
	sess := NewServer(a, 0)

	frag := bytes.Repeat([]byte{0x40}, 16000)
	var buf bytes.Buffer
	fr := http2.NewFramer(&buf, nil)
	next := func() []byte {
		raw := append([]byte(nil), buf.Bytes()...)
		buf.Reset()
		return raw
	}

	if err := fr.WriteHeaders(http2.HeadersFrameParam{StreamID: 1, BlockFragment: frag}); err != nil {
		t.Fatalf("encode headers: %v", err)
	}
	if _, _, err := sess.HandleRaw(ctx, next()); err != nil {
		t.Fatalf("headers: %v", err)
	}

	var err error
	frames := 1
	for ; frames < 1024 && err == nil; frames++ {
		if werr := fr.WriteContinuation(1, false, frag); werr != nil {
			t.Fatalf("encode continuation: %v", werr)
		}
		_, _, err = sess.HandleRaw(ctx, next())
	}
	if errs.CodeOf(err) != errs.ProtocolError {
		t.Fatalf("expected protocol error after %d frames, got %v", frames, err)
	}
	if frames*len(frag) > maxHeaderBlock+2*len(frag) {
		t.Fatalf("header block grew to %d bytes before the session ended", frames*len(frag))
	}
	if sess.Err() == nil {
		t.Fatalf("session should be closed")
	}

	hdr := make([]byte, frameHeaderLen)
	if _, err := peer.ReadFull(ctx, hdr); err != nil {
		t.Fatalf("read goaway header: %v", err)
	}
	if http2.FrameType(hdr[3]) != http2.FrameGoAway {
		t.Fatalf("expected GOAWAY, got %v", http2.FrameType(hdr[3]))
	}
	body := make([]byte, int(hdr[2]))
	if _, err := peer.ReadFull(ctx, body); err != nil {
		t.Fatalf("read goaway body: %v", err)
	}
	if code := http2.ErrCode(uint32(body[4])<<24 | uint32(body[5])<<16 | uint32(body[6])<<8 | uint32(body[7])); code != http2.ErrCodeEnhanceYourCalm {
		t.Fatalf("goaway code %v", code)
	}
}
