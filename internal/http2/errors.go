package http2

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/netbridge/internal/errs"
	"golang.org/x/net/http2"
)

var (
	ErrPrefaceMismatch = errs.New(errs.ProtocolError, "http2: connection preface mismatch")
	ErrSessionClosed   = errs.New(errs.ConnectionClosed, "http2: session closed")
	ErrUnknownStream   = errs.New(errs.StreamStateError, "http2: unknown stream")
	ErrStreamClosed    = errs.New(errs.StreamStateError, "http2: stream not writable in its state")
	ErrStreamIDs       = errs.New(errs.StreamStateError, "http2: stream identifiers exhausted")
	ErrStreamForgotten = errs.New(errs.StreamStateError, "http2: closed stream no longer retained")
	ErrStreamReset     = errs.New(errs.StreamReset, "http2: stream reset")
	ErrGoaway          = errs.New(errs.Goaway, "http2: connection going away")
	ErrPushRefused     = errs.New(errs.ProtocolError, "http2: push not permitted")
	ErrInvalidArgument = errs.New(errs.TypeError, "http2: invalid argument")
)

// codeFor maps an HTTP/2 error code to the engine taxonomy.
func codeFor(c http2.ErrCode) errs.Code {
	switch c {
	case http2.ErrCodeFlowControl:
		return errs.FlowControlViolation
	case http2.ErrCodeCompression:
		return errs.CompressionError
	case http2.ErrCodeNo:
		return errs.ConnectionClosed
	}
	return errs.ProtocolError
}

// connError is a connection error: the session sends GOAWAY with code and
// terminates.
func connError(code http2.ErrCode, format string, args ...any) error {
	return &errs.Error{
		Code: codeFor(code),
		Msg:  "http2: " + fmt.Sprintf(format, args...),
		Err:  http2.ConnectionError(code),
	}
}

// streamError is confined to one stream, which is reset with code.
type streamError struct {
	id     uint32
	code   http2.ErrCode
	reason string
}

func (e streamError) Error() string {
	return fmt.Sprintf("http2: stream %d: %s (%v)", e.id, e.reason, e.code)
}

// resetError describes a stream that was reset, by either side.
func resetError(id uint32, code http2.ErrCode, byPeer bool) error {
	who := "locally"
	if byPeer {
		who = "by peer"
	}
	return fmt.Errorf("%w: stream %d reset %s with %v", ErrStreamReset, id, who, code)
}

// classifyRead sorts a framer read error into a stream or connection error.
func classifyRead(err error) (streamError, error) {
	var se http2.StreamError
	if errors.As(err, &se) {
		return streamError{id: se.StreamID, code: se.Code, reason: "malformed frame"}, nil
	}
	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		return streamError{}, connError(http2.ErrCode(ce), "malformed frame: %v", err)
	}
	if errors.Is(err, http2.ErrFrameTooLarge) {
		return streamError{}, connError(http2.ErrCodeFrameSize, "frame too large")
	}
	return streamError{}, connError(http2.ErrCodeProtocol, "%v", err)
}

// goawayCode picks the GOAWAY code for a terminating error.
func goawayCode(err error) http2.ErrCode {
	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		return http2.ErrCode(ce)
	}
	return http2.ErrCodeInternal
}

func wrapIO(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errs.Wrap(errs.Cancelled, ctxErr)
	}
	if errs.IsClosed(err) {
		return errs.Wrap(errs.ConnectionClosed, err)
	}
	return errs.Wrap(errs.IOError, err)
}
