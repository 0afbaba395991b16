package http2

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/netbridge/internal/bridge"
	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/message"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// writeLocked writes one frame through the writing framer. The caller
// holds wmu.
func (s *Session) writeLocked(ctx context.Context, typ http2.FrameType, fn func(*http2.Framer) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.wsink.ctx = ctx
	if err := fn(s.wfr); err != nil {
		return s.writeFailed(ctx, err)
	}
	recordOut(typ)
	return nil
}

func (s *Session) writeControl(ctx context.Context, typ http2.FrameType, fn func(*http2.Framer) error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.writeLocked(ctx, typ, fn)
}

func (s *Session) writeSettingsLocked(ctx context.Context, settings Settings) error {
	// queued before the write so an ack can never overtake it
	s.mu.Lock()
	s.pending = append(s.pending, append(Settings(nil), settings...))
	s.mu.Unlock()
	return s.writeLocked(ctx, http2.FrameSettings, func(fr *http2.Framer) error {
		return fr.WriteSettings(settings...)
	})
}

// SendSettings advertises settings. They take effect locally once the peer
// acknowledges them.
func (s *Session) SendSettings(ctx context.Context, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.writeSettingsLocked(ctx, settings)
}

func (s *Session) SendPing(ctx context.Context, ack bool, data [8]byte) error {
	return s.writeControl(ctx, http2.FramePing, func(fr *http2.Framer) error {
		return fr.WritePing(ack, data)
	})
}

// SendGoaway tells the peer no stream above last will be processed. New
// peer streams above last are ignored afterwards.
func (s *Session) SendGoaway(ctx context.Context, last uint32, code http2.ErrCode, debug []byte) error {
	if last > maxStreamID {
		return fmt.Errorf("%w: last stream %d", ErrInvalidArgument, last)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.writeLocked(ctx, http2.FrameGoAway, func(fr *http2.Framer) error {
		return fr.WriteGoAway(last, code, debug)
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.goawaySent = true
	s.goawayLast = last
	s.mu.Unlock()
	return nil
}

// SendPriority sends advisory priority for id. It is permitted in every
// stream state.
func (s *Session) SendPriority(ctx context.Context, id, dep uint32, weight uint8, exclusive bool) error {
	if id == 0 || id > maxStreamID || dep > maxStreamID || dep == id {
		return fmt.Errorf("%w: priority of stream %d on %d", ErrInvalidArgument, id, dep)
	}
	return s.writeControl(ctx, http2.FramePriority, func(fr *http2.Framer) error {
		return fr.WritePriority(id, http2.PriorityParam{StreamDep: dep, Exclusive: exclusive, Weight: weight})
	})
}

// SendRstStream resets id. Resetting an already closed stream is allowed.
func (s *Session) SendRstStream(ctx context.Context, id uint32, code http2.ErrCode) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	st, ok := s.streams[id]
	switch {
	case !ok && s.usedLocked(id):
		s.mu.Unlock()
		return nil
	case !ok:
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownStream, id)
	case st.state == StateIdle:
		s.mu.Unlock()
		return fmt.Errorf("%w: stream %d is idle", ErrStreamClosed, id)
	}
	st.markReset(code, false)
	s.signalLocked()
	s.mu.Unlock()
	return s.writeLocked(ctx, http2.FrameRSTStream, func(fr *http2.Framer) error {
		return fr.WriteRSTStream(id, code)
	})
}

// SendWindowUpdate grants the peer incr more bytes on id, or on the
// connection when id is 0. Closed streams may still be credited.
func (s *Session) SendWindowUpdate(ctx context.Context, id, incr uint32) error {
	if incr == 0 || incr > maxWindowSize {
		return fmt.Errorf("%w: window increment %d", ErrInvalidArgument, incr)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	if id == 0 {
		if s.recvWindow+int64(incr) > maxWindowSize {
			s.mu.Unlock()
			return fmt.Errorf("%w: connection window would exceed %d", ErrInvalidArgument, maxWindowSize)
		}
		s.recvWindow += int64(incr)
	} else {
		st, ok := s.streams[id]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %d", ErrUnknownStream, id)
		}
		if st.recvWindow+int64(incr) > maxWindowSize {
			s.mu.Unlock()
			return fmt.Errorf("%w: stream window would exceed %d", ErrInvalidArgument, maxWindowSize)
		}
		st.recvWindow += int64(incr)
	}
	s.mu.Unlock()
	return s.writeLocked(ctx, http2.FrameWindowUpdate, func(fr *http2.Framer) error {
		return fr.WriteWindowUpdate(id, incr)
	})
}

// validateFields checks names and values before anything touches the
// encoder, whose table must stay in step with the peer's decoder.
func validateFields(headers message.Headers) error {
	for _, f := range headers {
		name := strings.TrimPrefix(f.Name, ":")
		if !httpguts.ValidHeaderFieldName(name) {
			return fmt.Errorf("%w: name %q", message.ErrInvalidField, f.Name)
		}
		if !httpguts.ValidHeaderFieldValue(f.Value) {
			return fmt.Errorf("%w: value for %q", message.ErrInvalidField, f.Name)
		}
	}
	return nil
}

// encodeLocked compresses headers with lowercased names. The caller holds
// wmu.
func (s *Session) encodeLocked(headers message.Headers) []byte {
	s.encBuf.Reset()
	for _, f := range headers {
		_ = s.enc.WriteField(hpack.HeaderField{Name: strings.ToLower(f.Name), Value: f.Value})
	}
	return append([]byte(nil), s.encBuf.Bytes()...)
}

// SendHeaders sends a header block on id, split into HEADERS and
// CONTINUATION frames no larger than the peer's maximum frame size. The
// frames are written back to back under the write lock.
func (s *Session) SendHeaders(ctx context.Context, id uint32, endStream bool, headers message.Headers) error {
	if err := validateFields(headers); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	st, err := s.streamLocked(id)
	if err == nil && !st.sendable() {
		err = s.unsendableLocked(st)
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	switch st.state {
	case StateIdle:
		st.state = StateOpen
	case StateReservedLocal:
		st.state = StateHalfClosedRemote
	}
	if endStream {
		st.closeLocal()
	}
	maxFrame := int(s.remote.MaxFrameSize)
	s.mu.Unlock()

	block := s.encodeLocked(headers)
	first := block[:min(len(block), maxFrame)]
	rest := block[len(first):]
	if err := s.writeLocked(ctx, http2.FrameHeaders, func(fr *http2.Framer) error {
		return fr.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      id,
			BlockFragment: first,
			EndStream:     endStream,
			EndHeaders:    len(rest) == 0,
		})
	}); err != nil {
		return err
	}
	return s.writeContinuationsLocked(ctx, id, rest, maxFrame)
}

func (s *Session) writeContinuationsLocked(ctx context.Context, id uint32, rest []byte, maxFrame int) error {
	for len(rest) > 0 {
		chunk := rest[:min(len(rest), maxFrame)]
		rest = rest[len(chunk):]
		if err := s.writeLocked(ctx, http2.FrameContinuation, func(fr *http2.Framer) error {
			return fr.WriteContinuation(id, len(rest) == 0, chunk)
		}); err != nil {
			return err
		}
	}
	return nil
}

// SendPushPromise reserves promised for a response pushed on assoc. A zero
// promised allocates the next stream identifier.
func (s *Session) SendPushPromise(ctx context.Context, assoc, promised uint32, headers message.Headers) (uint32, error) {
	if err := validateFields(headers); err != nil {
		return 0, err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	if err := s.checkOpenLocked(); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	parent, ok := s.streams[assoc]
	switch {
	case s.mode == ModeClient:
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: clients cannot push", ErrPushRefused)
	case !s.remote.EnablePush:
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: peer disabled push", ErrPushRefused)
	case !ok || (parent.state != StateOpen && parent.state != StateHalfClosedRemote):
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: associated stream %d", ErrStreamClosed, assoc)
	}
	if promised == 0 {
		if s.nextID > maxStreamID {
			s.mu.Unlock()
			return 0, ErrStreamIDs
		}
		promised = s.nextID
		s.nextID += 2
		s.addStreamLocked(newStream(promised, StateIdle, s.remote.InitialWindowSize, s.local.InitialWindowSize))
	}
	st, ok := s.streams[promised]
	if !ok || st.state != StateIdle || !s.ownsID(promised) {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: promised stream %d must be an idle stream of ours", ErrInvalidArgument, promised)
	}
	st.state = StateReservedLocal
	maxFrame := int(s.remote.MaxFrameSize)
	s.mu.Unlock()

	block := s.encodeLocked(headers)
	first := block[:min(len(block), maxFrame-4)]
	rest := block[len(first):]
	if err := s.writeLocked(ctx, http2.FramePushPromise, func(fr *http2.Framer) error {
		return fr.WritePushPromise(http2.PushPromiseParam{
			StreamID:      assoc,
			PromiseID:     promised,
			BlockFragment: first,
			EndHeaders:    len(rest) == 0,
		})
	}); err != nil {
		return 0, err
	}
	return promised, s.writeContinuationsLocked(ctx, assoc, rest, maxFrame)
}

// SendData sends data on id in frames no larger than the peer's maximum
// frame size. It blocks while either flow-control window is exhausted
// until a WINDOW_UPDATE arrives or ctx ends; frames already started are
// always completed.
func (s *Session) SendData(ctx context.Context, id uint32, endStream bool, data []byte) error {
	for {
		s.mu.Lock()
		st, err := s.streamLocked(id)
		if err == nil && st.state != StateOpen && st.state != StateHalfClosedRemote {
			err = s.unsendableLocked(st)
		}
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if len(data) == 0 && !endStream {
			s.mu.Unlock()
			return nil
		}
		n := int64(len(data))
		if n > 0 {
			n = min(n, s.sendWindow, st.sendWindow, int64(s.remote.MaxFrameSize))
			if n <= 0 {
				err := s.waitLocked(ctx)
				s.mu.Unlock()
				if err != nil {
					return err
				}
				continue
			}
			s.sendWindow -= n
			st.sendWindow -= n
		}
		last := endStream && n == int64(len(data))
		s.mu.Unlock()

		if err := s.writeData(ctx, id, last, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		if last || (len(data) == 0 && !endStream) {
			return nil
		}
	}
}

func (s *Session) writeData(ctx context.Context, id uint32, last bool, chunk []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	st, err := s.streamLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !st.sendable() {
		// reset while waiting for the write lock
		s.sendWindow += int64(len(chunk))
		err := s.unsendableLocked(st)
		s.mu.Unlock()
		return err
	}
	// a cancelled future gives the credit back; once a frame goes out the
	// operation can no longer be cancelled
	if !bridge.Commit(ctx) {
		s.sendWindow += int64(len(chunk))
		st.sendWindow += int64(len(chunk))
		s.signalLocked()
		s.mu.Unlock()
		return errs.Wrap(errs.Cancelled, context.Canceled)
	}
	if last {
		st.closeLocal()
	}
	s.mu.Unlock()
	return s.writeLocked(context.WithoutCancel(ctx), http2.FrameData, func(fr *http2.Framer) error {
		return fr.WriteData(id, last, chunk)
	})
}

func (s *Session) streamLocked(id uint32) (*stream, error) {
	if err := s.checkOpenLocked(); err != nil {
		return nil, err
	}
	st, ok := s.streams[id]
	if !ok {
		if s.usedLocked(id) {
			return nil, fmt.Errorf("%w: stream %d", ErrStreamForgotten, id)
		}
		return nil, fmt.Errorf("%w: %d", ErrUnknownStream, id)
	}
	return st, nil
}

func (s *Session) unsendableLocked(st *stream) error {
	if st.reset {
		return resetError(st.id, st.resetCode, st.resetPeer)
	}
	return fmt.Errorf("%w: stream %d is %v", ErrStreamClosed, st.id, st.state)
}
