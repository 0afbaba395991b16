package http2

import (
	"context"
	"encoding/binary"
	"errors"
	"io"

	"github.com/danmuck/netbridge/internal/bridge"
	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/observability"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const frameHeaderLen = 9

func recordIn(t http2.FrameType)  { observability.RecordFrame("http2", "in", t.String()) }
func recordOut(t http2.FrameType) { observability.RecordFrame("http2", "out", t.String()) }

// Next reads and processes exactly one frame. It returns the stream the
// frame affected, or ok=false for connection-level frames. At a clean end
// of the transport it returns ok=false and a nil error, and the session is
// closed; later calls fail.
func (s *Session) Next(ctx context.Context) (uint32, bool, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	raw, err := s.readRawLocked(ctx)
	if err != nil || raw == nil {
		return 0, false, err
	}
	return s.handleLocked(ctx, raw)
}

// ReadRaw reads one frame, header included, without processing it. It
// returns nil at a clean end of the transport.
func (s *Session) ReadRaw(ctx context.Context) ([]byte, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return s.readRawLocked(ctx)
}

// HandleRaw processes one frame previously returned by ReadRaw.
func (s *Session) HandleRaw(ctx context.Context, raw []byte) (uint32, bool, error) {
	if len(raw) < frameHeaderLen {
		return 0, false, errs.Errorf(errs.TypeError, "http2: raw frame of %d bytes", len(raw))
	}
	length := int(raw[0])<<16 | int(raw[1])<<8 | int(raw[2])
	if len(raw) != frameHeaderLen+length {
		return 0, false, errs.Errorf(errs.TypeError, "http2: raw frame length %d does not match header %d", len(raw)-frameHeaderLen, length)
	}
	s.rmu.Lock()
	defer s.rmu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, false, err
	}
	return s.handleLocked(ctx, raw)
}

// Run processes frames until the transport ends or the session fails. A
// clean end returns nil.
func (s *Session) Run(ctx context.Context) error {
	for {
		_, _, err := s.Next(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrSessionClosed) && s.Err() == nil {
			return nil
		}
		return err
	}
}

func (s *Session) readRawLocked(ctx context.Context) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	// peeking leaves nothing consumed if ctx ends while the header is
	// still in flight
	hdr, err := s.stream.Peek(ctx, frameHeaderLen)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, wrapIO(ctx, err)
		case len(hdr) == 0 && errors.Is(err, io.EOF):
			s.eof = true
			s.mu.Lock()
			s.shutdownLocked(nil)
			s.mu.Unlock()
			s.logger.Debug().Msg("peer closed the connection")
			return nil, nil
		case errors.Is(err, io.EOF):
			return nil, s.terminate(ctx, connError(http2.ErrCodeProtocol, "connection closed inside a frame header"))
		}
		return nil, wrapIO(ctx, err)
	}
	length := uint32(hdr[0])<<16 | uint32(hdr[1])<<8 | uint32(hdr[2])
	s.mu.Lock()
	limit := s.local.MaxFrameSize
	s.mu.Unlock()
	if length > limit {
		return nil, s.terminate(ctx, connError(http2.ErrCodeFrameSize, "frame of %d bytes exceeds %d", length, limit))
	}

	if !bridge.Commit(ctx) {
		return nil, errs.Wrap(errs.Cancelled, context.Canceled)
	}
	raw := make([]byte, frameHeaderLen+int(length))
	if _, err := s.stream.ReadFull(context.WithoutCancel(ctx), raw); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, s.terminate(ctx, connError(http2.ErrCodeProtocol, "connection closed inside a frame"))
		}
		return nil, s.terminate(ctx, wrapIO(ctx, err))
	}
	return raw, nil
}

func (s *Session) handleLocked(ctx context.Context, raw []byte) (uint32, bool, error) {
	typ := http2.FrameType(raw[3])
	recordIn(typ)

	if s.block.active() && typ != http2.FrameContinuation {
		return 0, false, s.terminate(ctx, connError(http2.ErrCodeProtocol, "%v inside a header block", typ))
	}
	if !s.strict && typ == http2.FrameWindowUpdate && len(raw) == frameHeaderLen+4 &&
		binary.BigEndian.Uint32(raw[frameHeaderLen:])&maxStreamID == 0 {
		return 0, false, nil
	}

	s.feed.b = raw
	f, err := s.rfr.ReadFrame()
	s.feed.b = nil
	if err != nil {
		se, cerr := classifyRead(err)
		if cerr != nil {
			return 0, false, s.terminate(ctx, cerr)
		}
		return se.id, true, s.resetStream(ctx, se)
	}

	switch f := f.(type) {
	case *http2.DataFrame:
		return s.onData(ctx, f)
	case *http2.HeadersFrame:
		s.block = headerBlock{id: f.StreamID, endStream: f.StreamEnded()}
		if err := s.appendBlockLocked(ctx, f.HeaderBlockFragment()); err != nil {
			return 0, false, err
		}
		if !f.HeadersEnded() {
			return 0, false, nil
		}
		return s.finishBlock(ctx)
	case *http2.PushPromiseFrame:
		s.block = headerBlock{id: f.StreamID, promised: f.PromiseID}
		if err := s.appendBlockLocked(ctx, f.HeaderBlockFragment()); err != nil {
			return 0, false, err
		}
		if !f.HeadersEnded() {
			return 0, false, nil
		}
		return s.finishBlock(ctx)
	case *http2.ContinuationFrame:
		if !s.block.active() || f.StreamID != s.block.id {
			return 0, false, s.terminate(ctx, connError(http2.ErrCodeProtocol, "unexpected CONTINUATION on stream %d", f.StreamID))
		}
		if err := s.appendBlockLocked(ctx, f.HeaderBlockFragment()); err != nil {
			return 0, false, err
		}
		if !f.HeadersEnded() {
			return 0, false, nil
		}
		return s.finishBlock(ctx)
	case *http2.PriorityFrame:
		return f.StreamID, true, nil
	case *http2.RSTStreamFrame:
		return s.onReset(ctx, f)
	case *http2.SettingsFrame:
		return 0, false, s.onSettings(ctx, f)
	case *http2.PingFrame:
		if f.IsAck() {
			return 0, false, nil
		}
		return 0, false, s.writeControl(ctx, http2.FramePing, func(fr *http2.Framer) error {
			return fr.WritePing(true, f.Data)
		})
	case *http2.GoAwayFrame:
		s.onGoaway(f)
		return 0, false, nil
	case *http2.WindowUpdateFrame:
		return s.onWindowUpdate(ctx, f)
	}
	// unknown frame types are ignored
	return 0, false, nil
}

// resetStream answers a stream error with RST_STREAM; the session stays
// usable.
func (s *Session) resetStream(ctx context.Context, se streamError) error {
	s.mu.Lock()
	if st, ok := s.streams[se.id]; ok {
		st.markReset(se.code, false)
	} else {
		st := newStream(se.id, StateClosed, 0, 0)
		st.markReset(se.code, false)
		s.addStreamLocked(st)
	}
	s.signalLocked()
	s.mu.Unlock()
	s.logger.Debug().Uint32("stream", se.id).Str("code", se.code.String()).Msg(se.reason)
	return s.writeControl(ctx, http2.FrameRSTStream, func(fr *http2.Framer) error {
		return fr.WriteRSTStream(se.id, se.code)
	})
}

// discarded reports a frame for a stream this side already reset, which
// the peer may still have had in flight.
func discarded(st *stream) bool {
	return st.reset && !st.resetPeer
}

func (s *Session) onData(ctx context.Context, f *http2.DataFrame) (uint32, bool, error) {
	id := f.StreamID
	size := int64(f.Length)

	s.mu.Lock()
	if size > s.recvWindow {
		s.mu.Unlock()
		return 0, false, s.terminate(ctx, connError(http2.ErrCodeFlowControl, "connection receive window exceeded"))
	}
	s.recvWindow -= size

	st, ok := s.streams[id]
	var (
		fail    *streamError
		ferr    error
		applied bool
	)
	switch {
	case !ok && s.usedLocked(id):
	case !ok || st.state == StateIdle:
		if s.strict {
			ferr = connError(http2.ErrCodeProtocol, "DATA on idle stream %d", id)
		}
	case discarded(st):
	case st.state != StateOpen && st.state != StateHalfClosedLocal:
		if s.strict {
			fail = &streamError{id: id, code: http2.ErrCodeStreamClosed, reason: "DATA on a stream the peer closed"}
		}
	case size > st.recvWindow:
		fail = &streamError{id: id, code: http2.ErrCodeFlowControl, reason: "stream receive window exceeded"}
	default:
		st.recvWindow -= size
		st.body = append(st.body, f.Data()...)
		st.seq++
		if f.StreamEnded() {
			st.closeRemote()
		}
		applied = true
		s.signalLocked()
	}
	s.mu.Unlock()

	if ferr != nil {
		return 0, false, s.terminate(ctx, ferr)
	}
	if err := s.replenish(ctx, id, size, applied && !f.StreamEnded()); err != nil {
		return 0, false, err
	}
	if fail != nil {
		return id, true, s.resetStream(ctx, *fail)
	}
	if !applied {
		return 0, false, nil
	}
	return id, true, nil
}

// replenish gives consumed receive window back to the peer.
func (s *Session) replenish(ctx context.Context, id uint32, size int64, stream bool) error {
	if size == 0 {
		return nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	s.recvWindow += size
	if st, ok := s.streams[id]; ok && stream {
		st.recvWindow += size
	}
	s.mu.Unlock()
	if err := s.writeLocked(ctx, http2.FrameWindowUpdate, func(fr *http2.Framer) error {
		return fr.WriteWindowUpdate(0, uint32(size))
	}); err != nil {
		return err
	}
	if !stream {
		return nil
	}
	return s.writeLocked(ctx, http2.FrameWindowUpdate, func(fr *http2.Framer) error {
		return fr.WriteWindowUpdate(id, uint32(size))
	})
}

// appendBlockLocked adds a fragment to the open header block. A block
// larger than the advertised header list size, or maxHeaderBlock when none
// was advertised, ends the session.
func (s *Session) appendBlockLocked(ctx context.Context, frag []byte) error {
	s.mu.Lock()
	limit := min(uint64(s.local.MaxHeaderListSize), maxHeaderBlock)
	s.mu.Unlock()
	if uint64(len(s.block.frag))+uint64(len(frag)) > limit {
		id := s.block.id
		s.block = headerBlock{}
		return s.terminate(ctx, connError(http2.ErrCodeEnhanceYourCalm, "header block on stream %d exceeds %d bytes", id, limit))
	}
	s.block.frag = append(s.block.frag, frag...)
	return nil
}

// finishBlock decodes a complete header block and applies it.
func (s *Session) finishBlock(ctx context.Context) (uint32, bool, error) {
	b := s.block
	s.block = headerBlock{}
	fields, err := s.dec.DecodeFull(b.frag)
	if err != nil {
		return 0, false, s.terminate(ctx, connError(http2.ErrCodeCompression, "header block: %v", err))
	}
	if b.promised != 0 {
		return s.onPromise(ctx, b, fields)
	}

	s.mu.Lock()
	st, ok := s.streams[b.id]
	var (
		fail *streamError
		ferr error
	)
	apply := true
	switch {
	case !ok:
		switch {
		case s.mode != ModeAmbiguous && s.ownsID(b.id) && s.usedLocked(b.id):
			apply = false
		case s.mode != ModeAmbiguous && s.ownsID(b.id):
			ferr = connError(http2.ErrCodeProtocol, "HEADERS on idle stream %d", b.id)
		case s.mode == ModeClient:
			ferr = connError(http2.ErrCodeProtocol, "server opened stream %d without a promise", b.id)
		case b.id <= s.lastPeer:
			ferr = connError(http2.ErrCodeProtocol, "stream %d is not above %d", b.id, s.lastPeer)
		case s.goawaySent && b.id > s.goawayLast:
			apply = false
		default:
			st = newStream(b.id, StateOpen, s.remote.InitialWindowSize, s.local.InitialWindowSize)
			st.peer = true
			s.addStreamLocked(st)
			s.lastPeer = b.id
			if uint32(s.activePeerLocked()) > s.local.MaxConcurrentStreams {
				fail = &streamError{id: b.id, code: http2.ErrCodeRefusedStream, reason: "too many concurrent streams"}
				apply = false
			}
		}
		if ferr != nil && !s.strict {
			ferr, apply = nil, false
		}
	case discarded(st):
		apply = false
	case st.state == StateIdle:
		if s.strict && s.mode != ModeAmbiguous {
			ferr = connError(http2.ErrCodeProtocol, "HEADERS on idle stream %d", b.id)
		}
		st.state = StateOpen
	case st.state == StateReservedRemote:
		st.state = StateHalfClosedLocal
	case st.state == StateHalfClosedRemote || st.state == StateClosed:
		if s.strict {
			fail = &streamError{id: b.id, code: http2.ErrCodeStreamClosed, reason: "HEADERS on a stream the peer closed"}
		}
		apply = false
	case st.head && !b.endStream && s.strict:
		fail = &streamError{id: b.id, code: http2.ErrCodeProtocol, reason: "trailers without END_STREAM"}
		apply = false
	}
	if apply && ferr == nil {
		st.addFields(fields)
		if b.endStream {
			st.closeRemote()
		}
		s.signalLocked()
	}
	s.mu.Unlock()

	switch {
	case ferr != nil:
		return 0, false, s.terminate(ctx, ferr)
	case fail != nil:
		return b.id, true, s.resetStream(ctx, *fail)
	case !apply:
		return 0, false, nil
	}
	return b.id, true, nil
}

func (s *Session) activePeerLocked() int {
	n := 0
	for _, st := range s.streams {
		if st.peer && (st.state == StateOpen || st.state == StateHalfClosedLocal || st.state == StateHalfClosedRemote) {
			n++
		}
	}
	return n
}

func (s *Session) onPromise(ctx context.Context, b headerBlock, fields []hpack.HeaderField) (uint32, bool, error) {
	s.mu.Lock()
	assoc, ok := s.streams[b.id]
	var ferr error
	switch {
	case s.mode == ModeServer:
		ferr = connError(http2.ErrCodeProtocol, "PUSH_PROMISE sent to a server")
	case !s.local.EnablePush:
		ferr = connError(http2.ErrCodeProtocol, "PUSH_PROMISE while push is disabled")
	case s.streams[b.promised] != nil || b.promised <= s.lastPeer:
		ferr = connError(http2.ErrCodeProtocol, "promised stream %d already used", b.promised)
	case !ok || (assoc.state != StateOpen && assoc.state != StateHalfClosedLocal):
		if s.strict {
			ferr = connError(http2.ErrCodeProtocol, "PUSH_PROMISE on stream %d in an unusable state", b.id)
		}
	}
	if ferr != nil {
		s.mu.Unlock()
		return 0, false, s.terminate(ctx, ferr)
	}
	st := newStream(b.promised, StateReservedRemote, s.remote.InitialWindowSize, s.local.InitialWindowSize)
	st.peer = true
	st.promise = fields
	s.addStreamLocked(st)
	s.lastPeer = b.promised
	s.signalLocked()
	s.mu.Unlock()
	return b.promised, true, nil
}

func (s *Session) onReset(ctx context.Context, f *http2.RSTStreamFrame) (uint32, bool, error) {
	s.mu.Lock()
	st, ok := s.streams[f.StreamID]
	if !ok || st.state == StateIdle {
		used := s.usedLocked(f.StreamID)
		s.mu.Unlock()
		if s.strict && (ok || !used) {
			return 0, false, s.terminate(ctx, connError(http2.ErrCodeProtocol, "RST_STREAM on idle stream %d", f.StreamID))
		}
		return 0, false, nil
	}
	st.markReset(f.ErrCode, true)
	s.signalLocked()
	s.mu.Unlock()
	s.logger.Debug().Uint32("stream", f.StreamID).Str("code", f.ErrCode.String()).Msg("stream reset by peer")
	return f.StreamID, true, nil
}

func (s *Session) onSettings(ctx context.Context, f *http2.SettingsFrame) error {
	if f.IsAck() {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			if s.strict {
				return s.terminate(ctx, connError(http2.ErrCodeProtocol, "unexpected SETTINGS ack"))
			}
			return nil
		}
		acked := s.pending[0]
		s.pending = s.pending[1:]
		old := s.local.InitialWindowSize
		for _, st := range acked {
			_ = s.local.apply(st)
		}
		delta := int64(s.local.InitialWindowSize) - int64(old)
		for _, st := range s.streams {
			st.recvWindow += delta
		}
		limit, table := s.local.MaxFrameSize, s.local.HeaderTableSize
		s.mu.Unlock()
		s.rfr.SetMaxReadFrameSize(limit)
		s.dec.SetAllowedMaxDynamicTableSize(table)
		return nil
	}

	var list Settings
	_ = f.ForeachSetting(func(st http2.Setting) error {
		list = append(list, st)
		return nil
	})
	next := s.RemoteSettings()
	for _, st := range list {
		if err := next.apply(st); err != nil {
			return s.terminate(ctx, err)
		}
	}

	s.wmu.Lock()
	s.mu.Lock()
	delta := int64(next.InitialWindowSize) - int64(s.remote.InitialWindowSize)
	for _, st := range s.streams {
		if st.sendWindow+delta > maxWindowSize {
			s.mu.Unlock()
			s.wmu.Unlock()
			return s.terminate(ctx, connError(http2.ErrCodeFlowControl, "initial window overflows stream %d", st.id))
		}
	}
	for _, st := range s.streams {
		st.sendWindow += delta
	}
	s.remote = next
	s.signalLocked()
	s.mu.Unlock()

	s.enc.SetMaxDynamicTableSizeLimit(next.HeaderTableSize)
	err := s.writeLocked(ctx, http2.FrameSettings, func(fr *http2.Framer) error {
		return fr.WriteSettingsAck()
	})
	s.wmu.Unlock()
	return err
}

func (s *Session) onGoaway(f *http2.GoAwayFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.goaway = &Goaway{
		LastStreamID: f.LastStreamID,
		Code:         f.ErrCode,
		Debug:        append([]byte(nil), f.DebugData()...),
	}
	for id, st := range s.streams {
		if !st.peer && id > f.LastStreamID && st.state != StateClosed {
			st.markReset(http2.ErrCodeRefusedStream, true)
		}
	}
	s.signalLocked()
	s.logger.Debug().Uint32("last_stream", f.LastStreamID).Str("code", f.ErrCode.String()).Msg("goaway received")
}

func (s *Session) onWindowUpdate(ctx context.Context, f *http2.WindowUpdateFrame) (uint32, bool, error) {
	incr := int64(f.Increment)
	s.mu.Lock()
	if f.StreamID == 0 {
		if s.sendWindow+incr > maxWindowSize {
			s.mu.Unlock()
			return 0, false, s.terminate(ctx, connError(http2.ErrCodeFlowControl, "connection send window overflow"))
		}
		s.sendWindow += incr
		s.signalLocked()
		s.mu.Unlock()
		return 0, false, nil
	}

	st, ok := s.streams[f.StreamID]
	if !ok {
		used := s.usedLocked(f.StreamID)
		s.mu.Unlock()
		if s.strict && !used {
			return 0, false, s.terminate(ctx, connError(http2.ErrCodeProtocol, "WINDOW_UPDATE on idle stream %d", f.StreamID))
		}
		return 0, false, nil
	}
	if st.sendWindow+incr > maxWindowSize {
		s.mu.Unlock()
		return f.StreamID, true, s.resetStream(ctx, streamError{id: f.StreamID, code: http2.ErrCodeFlowControl, reason: "stream send window overflow"})
	}
	st.sendWindow += incr
	s.signalLocked()
	s.mu.Unlock()
	return f.StreamID, true, nil
}
