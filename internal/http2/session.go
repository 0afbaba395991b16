// Package http2 implements an HTTP/2 session over a transport stream:
// frame exchange, stream lifecycle, flow control and header compression.
package http2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/message"
	"github.com/danmuck/netbridge/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// ClientPreface is the fixed sequence a client opens the connection with.
const ClientPreface = http2.ClientPreface

// Mode selects the role of a session, which fixes stream numbering and the
// meaning of the preface.
type Mode int

const (
	// ModeAmbiguous numbers its streams like a client and reads the client
	// preface like a server.
	ModeAmbiguous Mode = iota
	ModeClient
	ModeServer
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	default:
		return "ambiguous"
	}
}

// Goaway is a GOAWAY frame received from the peer.
type Goaway struct {
	LastStreamID uint32
	Code         http2.ErrCode
	Debug        []byte
}

// Session multiplexes streams over one transport stream. Frame reads are
// serialized by one mutex, frame writes by another; stream state lives
// under a third.
type Session struct {
	stream *transport.Stream
	mode   Mode
	strict bool
	logger zerolog.Logger

	rmu   sync.Mutex
	feed  frameFeed
	rfr   *http2.Framer
	dec   *hpack.Decoder
	block headerBlock
	eof   bool

	wmu     sync.Mutex
	wsink   sink
	wfr     *http2.Framer
	enc     *hpack.Encoder
	encBuf  bytes.Buffer
	initial Settings

	mu         sync.Mutex
	wake       chan struct{}
	local      Values
	pending    []Settings
	remote     Values
	streams    map[uint32]*stream
	pruneAt    int
	nextID     uint32
	lastPeer   uint32
	accepted   uint32
	sendWindow int64
	recvWindow int64
	goaway     *Goaway
	goawayLast uint32
	goawaySent bool
	closed     bool
	closeErr   error
}

// New returns a session in ambiguous mode with default settings.
func New(s *transport.Stream, bufsize int) *Session {
	return With(s, bufsize, ModeAmbiguous, true, DefaultSettings())
}

func NewClient(s *transport.Stream, bufsize int) *Session {
	return With(s, bufsize, ModeClient, true, DefaultSettings())
}

func NewServer(s *transport.Stream, bufsize int) *Session {
	return With(s, bufsize, ModeServer, true, DefaultSettings())
}

// With builds a session. settings are advertised by SendPreface. bufsize
// sizes the encoder scratch buffer; frames themselves are bounded by the
// negotiated maximum frame size.
func With(s *transport.Stream, bufsize int, mode Mode, strict bool, settings Settings) *Session {
	sess := &Session{
		stream:     s,
		mode:       mode,
		strict:     strict,
		initial:    settings,
		wake:       make(chan struct{}),
		local:      InitialValues(),
		remote:     InitialValues(),
		streams:    make(map[uint32]*stream),
		sendWindow: defaultWindowSize,
		recvWindow: defaultWindowSize,
		logger: log.With().
			Str("component", "http2").
			Str("session", s.ID().String()).
			Str("mode", mode.String()).
			Logger(),
	}
	sess.nextID = 1
	if mode == ModeServer {
		sess.nextID = 2
	}

	sess.rfr = http2.NewFramer(io.Discard, &sess.feed)
	sess.rfr.SetMaxReadFrameSize(defaultMaxFrameSize)
	sess.rfr.AllowIllegalReads = !strict
	sess.dec = hpack.NewDecoder(defaultHeaderTableSize, nil)

	sess.wsink = sink{s: s, ctx: context.Background()}
	sess.wfr = http2.NewFramer(&sess.wsink, nil)
	if bufsize > 0 {
		sess.encBuf.Grow(bufsize)
	}
	sess.enc = hpack.NewEncoder(&sess.encBuf)
	return sess
}

func (s *Session) Mode() Mode { return s.mode }

func (s *Session) Strict() bool { return s.strict }

func (s *Session) Stream() *transport.Stream { return s.stream }

// LocalSettings returns the local values the peer has acknowledged.
func (s *Session) LocalSettings() Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) RemoteSettings() Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// PeerGoaway returns the GOAWAY the peer sent, if any.
func (s *Session) PeerGoaway() (Goaway, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.goaway == nil {
		return Goaway{}, false
	}
	return *s.goaway, true
}

// StreamState reports the lifecycle state of id.
func (s *Session) StreamState(id uint32) (StreamState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		if s.usedLocked(id) {
			return StateClosed, nil
		}
		return StateIdle, fmt.Errorf("%w: %d", ErrUnknownStream, id)
	}
	return st.state, nil
}

// Err returns the error that terminated the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return nil
	}
	return s.closeErr
}

// SendPreface opens the connection from this side: clients (and ambiguous
// sessions) send the client preface followed by SETTINGS, servers send
// SETTINGS only.
func (s *Session) SendPreface(ctx context.Context) error {
	if err := s.initial.Validate(); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.mode != ModeServer {
		s.wsink.ctx = ctx
		if _, err := io.WriteString(&s.wsink, ClientPreface); err != nil {
			return s.writeFailed(ctx, err)
		}
	}
	return s.writeSettingsLocked(ctx, s.initial)
}

// ReadPreface reads the peer's preface. Servers (and ambiguous sessions)
// expect the client preface; clients expect a SETTINGS frame, which is
// then processed. A mismatch fails in strict mode and reports false
// otherwise.
func (s *Session) ReadPreface(ctx context.Context) (bool, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	if s.mode == ModeClient {
		raw, err := s.readRawLocked(ctx)
		if err != nil {
			return false, err
		}
		if raw == nil {
			return false, s.mismatch("connection closed before server preface")
		}
		if http2.FrameType(raw[3]) != http2.FrameSettings || raw[4]&byte(http2.FlagSettingsAck) != 0 {
			if err := s.mismatch("server preface is %v, not SETTINGS", http2.FrameType(raw[3])); err != nil {
				return false, err
			}
			_, _, err := s.handleLocked(ctx, raw)
			return false, err
		}
		_, _, err = s.handleLocked(ctx, raw)
		return err == nil, err
	}

	buf := make([]byte, len(ClientPreface))
	n, err := s.stream.ReadFull(ctx, buf)
	if err != nil && (ctx.Err() != nil || !(errs.IsClosed(err) || errors.Is(err, io.ErrUnexpectedEOF))) {
		return false, wrapIO(ctx, err)
	}
	if string(buf[:n]) != ClientPreface {
		return false, s.mismatch("client preface mismatch")
	}
	return true, nil
}

func (s *Session) mismatch(format string, args ...any) error {
	if !s.strict {
		s.logger.Debug().Msgf(format, args...)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPrefaceMismatch, fmt.Sprintf(format, args...))
}

// ownsID reports whether id belongs to this side's numbering.
func (s *Session) ownsID(id uint32) bool {
	if s.mode == ModeServer {
		return id%2 == 0
	}
	return id%2 == 1
}

// OpenStream allocates the next stream identifier of this side: odd from 1
// for clients and ambiguous sessions, even from 2 for servers.
func (s *Session) OpenStream() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpenLocked(); err != nil {
		return 0, err
	}
	if s.goaway != nil {
		return 0, fmt.Errorf("%w: last stream %d", ErrGoaway, s.goaway.LastStreamID)
	}
	// ambiguous peers number their streams the same way
	for s.streams[s.nextID] != nil {
		s.nextID += 2
	}
	if s.nextID > maxStreamID {
		return 0, ErrStreamIDs
	}
	id := s.nextID
	s.nextID += 2
	s.addStreamLocked(newStream(id, StateIdle, s.remote.InitialWindowSize, s.local.InitialWindowSize))
	return id, nil
}

// retainClosed is how many closed streams stay readable by handlers
// before the oldest are forgotten.
const retainClosed = 64

// addStreamLocked records a new stream, forgetting the oldest closed
// streams once the table has grown past its last pruned size.
func (s *Session) addStreamLocked(st *stream) {
	if len(s.streams) >= s.pruneAt {
		s.pruneLocked()
		s.pruneAt = max(2*len(s.streams), 4*retainClosed)
	}
	s.streams[st.id] = st
}

// pruneLocked drops closed streams beyond the newest retainClosed. In
// ambiguous mode a peer stream is kept until OpenStream has moved past its
// identifier, which would otherwise become reusable.
func (s *Session) pruneLocked() {
	var closed []uint32
	for id, st := range s.streams {
		if st.state != StateClosed {
			continue
		}
		if s.mode == ModeAmbiguous && st.peer && id >= s.nextID {
			continue
		}
		closed = append(closed, id)
	}
	if len(closed) <= retainClosed {
		return
	}
	slices.Sort(closed)
	for _, id := range closed[:len(closed)-retainClosed] {
		delete(s.streams, id)
	}
}

// usedLocked reports whether id was opened, promised or skipped over by
// either side. Such an identifier missing from the table was closed and
// pruned.
func (s *Session) usedLocked(id uint32) bool {
	own := s.mode == ModeAmbiguous || s.ownsID(id)
	peer := s.mode == ModeAmbiguous || !s.ownsID(id)
	return (own && id < s.nextID) || (peer && id <= s.lastPeer)
}

// AdoptUpgrade installs the request of an "Upgrade: h2c" exchange as
// stream 1, half-closed on the remote side, and applies the settings the
// client sent in its HTTP2-Settings header.
func (s *Session) AdoptUpgrade(req *message.Request, settings []byte) (uint32, error) {
	if s.mode == ModeClient {
		return 0, fmt.Errorf("%w: upgrade adopted by a client session", ErrInvalidArgument)
	}
	parsed, err := ParseSettings(settings)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[1]; ok || s.lastPeer >= 1 {
		return 0, fmt.Errorf("%w: stream 1 already in use", ErrInvalidArgument)
	}
	for _, st := range parsed {
		if err := s.remote.apply(st); err != nil {
			return 0, err
		}
	}
	st := newStream(1, StateOpen, s.remote.InitialWindowSize, s.local.InitialWindowSize)
	st.peer = true
	st.pseudo[":method"] = req.MethodText
	st.pseudo[":path"] = req.Path
	st.pseudo[":authority"] = req.Authority
	st.pseudo[":scheme"] = req.Scheme
	for _, f := range req.Headers {
		st.headers.Add(f.Name, f.Value)
	}
	st.body = append([]byte(nil), req.Body...)
	st.head = true
	st.closeRemote()
	s.streams[1] = st
	s.lastPeer = 1
	if s.nextID == 1 {
		s.nextID = 3
	}
	s.signalLocked()
	return 1, nil
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkOpenLocked()
}

func (s *Session) checkOpenLocked() error {
	if !s.closed {
		return nil
	}
	if s.closeErr != nil {
		return fmt.Errorf("%w: %v", ErrSessionClosed, s.closeErr)
	}
	return ErrSessionClosed
}

// signalLocked wakes everything waiting on session state.
func (s *Session) signalLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// waitLocked releases mu until the session state changes or ctx ends.
func (s *Session) waitLocked(ctx context.Context) error {
	wake := s.wake
	s.mu.Unlock()
	defer s.mu.Lock()
	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.Cancelled, ctx.Err())
	}
}

// shutdownLocked marks the session closed and every stream with it.
func (s *Session) shutdownLocked(cause error) {
	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = cause
	for _, st := range s.streams {
		if st.state != StateClosed {
			st.state = StateClosed
			st.seq++
		}
	}
	s.signalLocked()
}

// terminate handles a connection error: GOAWAY with the error's code, then
// the transport is closed.
func (s *Session) terminate(ctx context.Context, cause error) error {
	s.mu.Lock()
	last := s.lastPeer
	already := s.closed
	s.shutdownLocked(cause)
	s.mu.Unlock()
	if already {
		return cause
	}
	s.logger.Warn().Err(cause).Uint32("last_stream", last).Msg("connection error")

	s.wmu.Lock()
	s.wsink.ctx = context.WithoutCancel(ctx)
	if err := s.wfr.WriteGoAway(last, goawayCode(cause), nil); err == nil {
		recordOut(http2.FrameGoAway)
	}
	s.wmu.Unlock()
	_ = s.stream.Close()
	return cause
}

// writeFailed records a transport write failure, which leaves the frame
// stream unusable. The caller holds wmu.
func (s *Session) writeFailed(ctx context.Context, err error) error {
	werr := wrapIO(ctx, err)
	s.mu.Lock()
	s.shutdownLocked(werr)
	s.mu.Unlock()
	s.logger.Debug().Err(werr).Msg("frame write failed")
	return werr
}

// Close marks the session closed and releases the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	s.shutdownLocked(nil)
	s.mu.Unlock()
	return s.stream.Close()
}

// Release satisfies the result-release contract of the future bridge.
func (s *Session) Release() error { return s.Close() }

// frameFeed hands the reading framer exactly one raw frame at a time.
type frameFeed struct {
	b []byte
}

func (f *frameFeed) Read(p []byte) (int, error) {
	if len(f.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.b)
	f.b = f.b[n:]
	return n, nil
}

// sink adapts the transport to io.Writer for the writing framer.
type sink struct {
	s   *transport.Stream
	ctx context.Context
}

func (k *sink) Write(p []byte) (int, error) {
	return k.s.WriteContext(k.ctx, p)
}

// headerBlock accumulates a HEADERS or PUSH_PROMISE block split over
// CONTINUATION frames.
type headerBlock struct {
	id        uint32
	promised  uint32
	endStream bool
	frag      []byte
}

func (b *headerBlock) active() bool { return b.id != 0 }
