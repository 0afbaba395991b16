// Package http1 implements HTTP/1.x request and response processing over
// a transport stream with a fixed-capacity read buffer.
package http1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/message"
	"github.com/danmuck/netbridge/internal/observability"
	"github.com/danmuck/netbridge/internal/transport"
	"golang.org/x/net/http/httpguts"
)

const (
	DefaultBufferSize = 8 * 1024
	MinBufferSize     = 256
)

var (
	ErrHeadTooLarge      = errs.New(errs.HeadTooLarge, "http1: head exceeds buffer capacity")
	ErrMalformedHead     = errs.New(errs.ProtocolError, "http1: malformed head")
	ErrUnsupportedCoding = errs.New(errs.ProtocolError, "http1: unsupported transfer coding")
	ErrBadContentLength  = errs.New(errs.ProtocolError, "http1: invalid content-length")
	ErrBadChunk          = errs.New(errs.ProtocolError, "http1: malformed chunk")
	ErrBodyTooLarge      = errs.New(errs.ProtocolError, "http1: body exceeds limit")
	ErrUnexpectedEOF     = errs.New(errs.ProtocolError, "http1: unexpected eof")
	ErrConnectionClosed  = errs.New(errs.ConnectionClosed, "http1: connection closed before a message started")
	ErrInvalidState      = errs.New(errs.StreamStateError, "http1: message is invalid")
)

// Phase is the read progress of one message.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseReadingHead
	PhaseHeadComplete
	PhaseReadingBody
	PhaseBodyComplete
	PhaseInvalid
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseReadingHead:
		return "reading_head"
	case PhaseHeadComplete:
		return "head_complete"
	case PhaseReadingBody:
		return "reading_body"
	case PhaseBodyComplete:
		return "body_complete"
	default:
		return "invalid"
	}
}

// Limits bounds what a reader accepts. The head limit is the buffer size.
type Limits struct {
	MaxBody int64
}

func DefaultLimits() Limits {
	return Limits{MaxBody: 64 * 1024 * 1024}
}

type framing int

const (
	framingNone framing = iota
	framingLength
	framingChunked
	framingClose
)

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// head is the parsed start line plus fields of one message.
type head struct {
	method  string
	target  string
	version message.Version
	status  int
	reason  string
	headers message.Headers
}

// reader parses one message at a time out of a fixed buffer.
type reader struct {
	s        *transport.Stream
	buf      []byte
	start    int
	end      int
	limits   Limits
	response bool

	phase     Phase
	head      head
	body      []byte
	mode      framing
	remaining int64
	chunk     chunkState
	trailers  message.Headers
	sawEOF    bool
	// noBody marks a response to HEAD, or any message whose framing
	// forbids a body regardless of its headers.
	noBody bool
}

func newReader(s *transport.Stream, bufsize int, limits Limits, response bool) *reader {
	if bufsize <= 0 {
		bufsize = DefaultBufferSize
	}
	bufsize = max(bufsize, MinBufferSize)
	return &reader{
		s:        s,
		buf:      make([]byte, bufsize),
		limits:   limits,
		response: response,
	}
}

func (r *reader) buffered() []byte { return r.buf[r.start:r.end] }

// leftover returns bytes read past the current message.
func (r *reader) leftover() []byte {
	return append([]byte(nil), r.buffered()...)
}

// fill performs one transport read into the free tail of the buffer.
func (r *reader) fill(ctx context.Context) (int, error) {
	if r.start > 0 {
		n := copy(r.buf, r.buf[r.start:r.end])
		r.start, r.end = 0, n
	}
	if r.end == len(r.buf) {
		return 0, nil
	}
	n, err := r.s.ReadContext(ctx, r.buf[r.end:])
	r.end += n
	if errors.Is(err, io.EOF) {
		r.sawEOF = true
		if n > 0 {
			err = nil
		}
	}
	return n, err
}

func (r *reader) fail(err error) error {
	r.phase = PhaseInvalid
	return err
}

// step advances the read by at most one transport read.
func (r *reader) step(ctx context.Context) error {
	switch r.phase {
	case PhaseInvalid:
		return ErrInvalidState
	case PhaseBodyComplete:
		return nil
	case PhaseIdle:
		r.phase = PhaseReadingHead
		fallthrough
	case PhaseReadingHead:
		if done, err := r.tryHead(); done || err != nil {
			return err
		}
		if r.end-r.start == len(r.buf) {
			return r.fail(ErrHeadTooLarge)
		}
		n, err := r.fill(ctx)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if n == 0 && r.sawEOF {
			if r.end == r.start {
				return r.fail(ErrConnectionClosed)
			}
			return r.fail(fmt.Errorf("%w: inside head", ErrUnexpectedEOF))
		}
		_, err = r.tryHead()
		if err == nil && r.phase == PhaseReadingHead && r.end-r.start == len(r.buf) {
			return r.fail(ErrHeadTooLarge)
		}
		return err
	case PhaseHeadComplete:
		r.phase = PhaseReadingBody
		fallthrough
	case PhaseReadingBody:
		if err := r.consumeBody(); err != nil || r.phase == PhaseBodyComplete {
			return err
		}
		n, err := r.fill(ctx)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if n == 0 && r.sawEOF {
			if r.mode == framingClose {
				r.phase = PhaseBodyComplete
				return nil
			}
			return r.fail(fmt.Errorf("%w: inside body", ErrUnexpectedEOF))
		}
		return r.consumeBody()
	}
	return nil
}

// tryHead parses the head if the terminating blank line is buffered.
func (r *reader) tryHead() (bool, error) {
	data := r.buffered()
	// tolerate blank lines before a request line
	if !r.response {
		for len(data) > 0 && (data[0] == '\r' || data[0] == '\n') {
			data = data[1:]
			r.start++
		}
	}
	n := headEnd(data)
	if n < 0 {
		return false, nil
	}
	h, err := parseHead(data[:n], r.response)
	if err != nil {
		return false, r.fail(err)
	}
	r.start += n
	r.head = h
	r.phase = PhaseHeadComplete
	observability.RecordFrame("http1", "in", "head")
	if err := r.selectFraming(); err != nil {
		return false, r.fail(err)
	}
	if r.mode == framingNone {
		r.phase = PhaseBodyComplete
	}
	return true, nil
}

// headEnd returns the length of the head including its blank line, or -1.
func headEnd(b []byte) int {
	i := 0
	for {
		j := bytes.IndexByte(b[i:], '\n')
		if j < 0 {
			return -1
		}
		line := b[i : i+j]
		i += j + 1
		if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
			return i
		}
	}
}

func parseHead(block []byte, response bool) (head, error) {
	lines := strings.Split(strings.TrimRight(string(block), "\r\n"), "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}
	var h head
	if err := parseStartLine(&h, lines[0], response); err != nil {
		return h, err
	}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			return h, fmt.Errorf("%w: obsolete line folding", ErrMalformedHead)
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !httpguts.ValidHeaderFieldName(name) {
			return h, fmt.Errorf("%w: header line %q", ErrMalformedHead, line)
		}
		value = strings.Trim(value, " \t")
		if !httpguts.ValidHeaderFieldValue(value) {
			return h, fmt.Errorf("%w: header value for %q", ErrMalformedHead, name)
		}
		h.headers.Add(name, value)
	}
	return h, nil
}

func parseStartLine(h *head, line string, response bool) error {
	if response {
		proto, rest, ok := strings.Cut(line, " ")
		if !ok {
			return fmt.Errorf("%w: status line %q", ErrMalformedHead, line)
		}
		h.version = message.ParseVersion(proto)
		if h.version == message.VersionUnknown {
			return fmt.Errorf("%w: version %q", ErrMalformedHead, proto)
		}
		code, reason, _ := strings.Cut(rest, " ")
		status, err := strconv.Atoi(code)
		if err != nil || len(code) != 3 || status < 100 {
			return fmt.Errorf("%w: status %q", ErrMalformedHead, code)
		}
		h.status = status
		h.reason = reason
		return nil
	}
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return fmt.Errorf("%w: request line %q", ErrMalformedHead, line)
	}
	if !validToken(parts[0]) || parts[1] == "" {
		return fmt.Errorf("%w: request line %q", ErrMalformedHead, line)
	}
	h.method, h.target = parts[0], parts[1]
	h.version = message.ParseVersion(parts[2])
	if h.version == message.VersionUnknown || h.version > message.Version11 {
		return fmt.Errorf("%w: version %q", ErrMalformedHead, parts[2])
	}
	return nil
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !httpguts.IsTokenRune(rune(s[i])) {
			return false
		}
	}
	return true
}

func (r *reader) selectFraming() error {
	h := r.head.headers
	codings := h.Values("Transfer-Encoding")
	lengths := h.Values("Content-Length")

	if r.response && (r.noBody || r.head.status/100 == 1 || r.head.status == 204 || r.head.status == 304) {
		r.mode = framingNone
		return nil
	}
	if len(codings) > 0 {
		chunked, err := chunkedOnly(codings)
		switch {
		case err != nil && !r.response:
			return err
		case chunked && len(lengths) > 0 && !r.response:
			return fmt.Errorf("%w: both content-length and transfer-encoding", ErrMalformedHead)
		case chunked:
			r.mode = framingChunked
			r.chunk = chunkSize
		default:
			r.mode = framingClose
		}
		return nil
	}
	if len(lengths) > 0 {
		n, err := parseContentLength(lengths)
		if err != nil {
			return err
		}
		if r.limits.MaxBody > 0 && n > r.limits.MaxBody {
			return ErrBodyTooLarge
		}
		r.remaining = n
		r.mode = framingLength
		if n == 0 {
			r.mode = framingNone
		}
		return nil
	}
	if r.response {
		r.mode = framingClose
	} else {
		r.mode = framingNone
	}
	return nil
}

// chunkedOnly accepts exactly one "chunked" coding.
func chunkedOnly(values []string) (bool, error) {
	var codings []string
	for _, v := range values {
		for _, c := range strings.Split(v, ",") {
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
				codings = append(codings, c)
			}
		}
	}
	if len(codings) == 1 && codings[0] == "chunked" {
		return true, nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnsupportedCoding, strings.Join(codings, ","))
}

func parseContentLength(values []string) (int64, error) {
	var out int64 = -1
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			n, err := strconv.ParseInt(part, 10, 64)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("%w: %q", ErrBadContentLength, part)
			}
			if out >= 0 && n != out {
				return 0, fmt.Errorf("%w: conflicting values", ErrBadContentLength)
			}
			out = n
		}
	}
	return out, nil
}

// consumeBody moves buffered bytes into the body according to framing.
func (r *reader) consumeBody() error {
	for {
		data := r.buffered()
		switch r.mode {
		case framingNone:
			r.phase = PhaseBodyComplete
			return nil
		case framingLength:
			n := min(int64(len(data)), r.remaining)
			r.body = append(r.body, data[:n]...)
			r.start += int(n)
			r.remaining -= n
			if r.remaining == 0 {
				r.phase = PhaseBodyComplete
			}
			return nil
		case framingClose:
			if err := r.appendBody(data); err != nil {
				return r.fail(err)
			}
			r.start = r.end
			return nil
		case framingChunked:
			progressed, err := r.consumeChunk()
			if err != nil {
				return r.fail(err)
			}
			if !progressed || r.phase == PhaseBodyComplete {
				return nil
			}
		}
	}
}

func (r *reader) appendBody(p []byte) error {
	if r.limits.MaxBody > 0 && int64(len(r.body)+len(p)) > r.limits.MaxBody {
		return ErrBodyTooLarge
	}
	r.body = append(r.body, p...)
	return nil
}

// consumeChunk advances the chunked decoder over buffered bytes and
// reports whether it made progress.
func (r *reader) consumeChunk() (bool, error) {
	data := r.buffered()
	switch r.chunk {
	case chunkSize:
		line, n, ok := cutLine(data)
		if !ok {
			if len(data) == len(r.buf) {
				return false, fmt.Errorf("%w: size line too long", ErrBadChunk)
			}
			return false, nil
		}
		sizeText, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeText), 16, 64)
		if err != nil || size < 0 {
			return false, fmt.Errorf("%w: size %q", ErrBadChunk, sizeText)
		}
		r.start += n
		if size == 0 {
			r.chunk = chunkTrailer
		} else {
			r.remaining = size
			r.chunk = chunkData
		}
		return true, nil
	case chunkData:
		if len(data) == 0 {
			return false, nil
		}
		n := min(int64(len(data)), r.remaining)
		if err := r.appendBody(data[:n]); err != nil {
			return false, err
		}
		r.start += int(n)
		r.remaining -= n
		if r.remaining == 0 {
			r.chunk = chunkDataEnd
		}
		return true, nil
	case chunkDataEnd:
		line, n, ok := cutLine(data)
		if !ok {
			if len(data) >= 2 {
				return false, fmt.Errorf("%w: missing chunk terminator", ErrBadChunk)
			}
			return false, nil
		}
		if line != "" {
			return false, fmt.Errorf("%w: data past chunk size", ErrBadChunk)
		}
		r.start += n
		r.chunk = chunkSize
		return true, nil
	case chunkTrailer:
		line, n, ok := cutLine(data)
		if !ok {
			if len(data) == len(r.buf) {
				return false, fmt.Errorf("%w: trailer too long", ErrBadChunk)
			}
			return false, nil
		}
		r.start += n
		if line == "" {
			r.head.headers = append(r.head.headers, r.trailers...)
			r.trailers = nil
			r.phase = PhaseBodyComplete
			return true, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !httpguts.ValidHeaderFieldName(name) {
			return false, fmt.Errorf("%w: trailer %q", ErrBadChunk, line)
		}
		r.trailers.Add(name, strings.Trim(value, " \t"))
		return true, nil
	}
	return false, nil
}

// cutLine returns the first line without its terminator and the number of
// bytes it occupied.
func cutLine(b []byte) (string, int, bool) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return "", 0, false
	}
	return strings.TrimSuffix(string(b[:i]), "\r"), i + 1, true
}

// state renders the reader into the shared message state.
func (r *reader) state() message.State {
	st := message.State{
		Valid:        r.phase != PhaseInvalid,
		HeadComplete: r.phase >= PhaseHeadComplete && r.phase != PhaseInvalid,
		BodyComplete: r.phase == PhaseBodyComplete,
	}
	if st.HeadComplete {
		st.Headers = r.head.headers.Clone()
		st.Body = append([]byte(nil), r.body...)
	}
	return st
}

// reset prepares the reader for the next message on the same stream,
// keeping any bytes already buffered.
func (r *reader) reset() {
	r.phase = PhaseIdle
	r.head = head{}
	r.body = nil
	r.mode = framingNone
	r.remaining = 0
	r.chunk = chunkSize
	r.trailers = nil
	r.noBody = false
}
