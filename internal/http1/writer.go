package http1

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/message"
	"github.com/danmuck/netbridge/internal/observability"
	"github.com/danmuck/netbridge/internal/transport"
	"golang.org/x/net/http/httpguts"
)

// sink adapts a stream to io.Writer for the duration of one call.
type sink struct {
	s   *transport.Stream
	ctx context.Context
}

func (k *sink) Write(p []byte) (int, error) {
	return k.s.WriteContext(k.ctx, p)
}

// writer frames the outgoing half of one message.
type writer struct {
	sink     sink
	bw       *bufio.Writer
	headers  message.Headers
	headSent bool
	closed   bool
	chunked  bool
	// noBody drops body bytes: HEAD responses, 1xx, 204 and 304.
	noBody bool
	// chunkOK is false for HTTP/1.0 peers; bodies of unknown length are
	// then delimited by closing the stream.
	chunkOK bool
}

func newWriter(s *transport.Stream, bufsize int) *writer {
	w := &writer{sink: sink{s: s, ctx: context.Background()}, chunkOK: true}
	w.bw = bufio.NewWriterSize(&w.sink, max(bufsize, MinBufferSize))
	return w
}

func validateField(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("%w: name %q", message.ErrInvalidField, name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("%w: value for %q", message.ErrInvalidField, name)
	}
	return nil
}

func (w *writer) mutable() error {
	switch {
	case w.closed:
		return message.ErrClosed
	case w.headSent:
		return message.ErrHeadSent
	}
	return nil
}

func (w *writer) setHeader(name, value string) error {
	if err := w.mutable(); err != nil {
		return err
	}
	if err := validateField(name, value); err != nil {
		return err
	}
	w.headers.Set(name, value)
	return nil
}

func (w *writer) addHeader(name, value string) error {
	if err := w.mutable(); err != nil {
		return err
	}
	if err := validateField(name, value); err != nil {
		return err
	}
	w.headers.Add(name, value)
	return nil
}

func (w *writer) delHeader(name string) error {
	if err := w.mutable(); err != nil {
		return err
	}
	w.headers.Del(name)
	return nil
}

// sendHead buffers the head. When finishing, an unframed body gets an
// exact Content-Length of len(final) if lengthOnEmpty or final is non-empty.
func (w *writer) sendHead(startLine string, final []byte, finishing, lengthOnEmpty bool) error {
	framed := w.headers.Has("Content-Length") || w.headers.Has("Transfer-Encoding")
	switch {
	case w.headers.HasToken("Transfer-Encoding", "chunked"):
		w.chunked = !w.noBody
	case framed || w.noBody:
	case finishing:
		if len(final) > 0 || lengthOnEmpty {
			w.headers.Set("Content-Length", strconv.Itoa(len(final)))
		}
	case w.chunkOK:
		w.headers.Set("Transfer-Encoding", "chunked")
		w.chunked = true
	}

	var b strings.Builder
	b.WriteString(startLine)
	b.WriteString("\r\n")
	for _, f := range w.headers {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	if _, err := w.bw.WriteString(b.String()); err != nil {
		return wrapWrite(err)
	}
	w.headSent = true
	observability.RecordFrame("http1", "out", "head")
	return nil
}

func (w *writer) body(p []byte) error {
	if w.noBody || len(p) == 0 {
		return nil
	}
	if w.chunked {
		if _, err := fmt.Fprintf(w.bw, "%x\r\n", len(p)); err != nil {
			return wrapWrite(err)
		}
	}
	if _, err := w.bw.Write(p); err != nil {
		return wrapWrite(err)
	}
	if w.chunked {
		if _, err := w.bw.WriteString("\r\n"); err != nil {
			return wrapWrite(err)
		}
	}
	return nil
}

func (w *writer) write(ctx context.Context, startLine func() string, p []byte) error {
	if w.closed {
		return message.ErrClosed
	}
	w.sink.ctx = ctx
	if !w.headSent {
		if err := w.sendHead(startLine(), nil, false, false); err != nil {
			return err
		}
	}
	return w.body(p)
}

func (w *writer) finish(ctx context.Context, startLine func() string, final []byte, lengthOnEmpty bool) error {
	if w.closed {
		return message.ErrClosed
	}
	w.sink.ctx = ctx
	if !w.headSent {
		if err := w.sendHead(startLine(), final, true, lengthOnEmpty); err != nil {
			return err
		}
	}
	if err := w.body(final); err != nil {
		return err
	}
	if w.chunked {
		if _, err := w.bw.WriteString("0\r\n\r\n"); err != nil {
			return wrapWrite(err)
		}
	}
	w.closed = true
	return w.flush(ctx)
}

func (w *writer) flush(ctx context.Context) error {
	w.sink.ctx = ctx
	if err := w.bw.Flush(); err != nil {
		return wrapWrite(err)
	}
	return nil
}

// direct flushes pending bytes then writes p without framing.
func (w *writer) direct(ctx context.Context, p []byte) error {
	if err := w.flush(ctx); err != nil {
		return err
	}
	if _, err := w.sink.s.WriteContext(ctx, p); err != nil {
		return wrapWrite(err)
	}
	return nil
}

func wrapWrite(err error) error {
	if errs.IsClosed(err) {
		return errs.Wrap(errs.ConnectionClosed, err)
	}
	return errs.Wrap(errs.IOError, err)
}
