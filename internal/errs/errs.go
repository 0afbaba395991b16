// Package errs defines the numeric error taxonomy surfaced through failed
// futures and the helpers used to attach and recover codes.
package errs

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// Code is the numeric error code reported by a failed future.
type Code int

const (
	None                 Code = -1
	TypeError            Code = 0x001
	BindError            Code = 0x101
	ConnectError         Code = 0x102
	TLSHandshakeError    Code = 0x103
	ProtocolError        Code = 0x104
	HeadTooLarge         Code = 0x105
	StreamStateError     Code = 0x106
	FlowControlViolation Code = 0x107
	Cancelled            Code = 0x108
	InvalidHandle        Code = 0x109
	ConnectionClosed     Code = 0x10A
	StreamReset          Code = 0x10B
	Goaway               Code = 0x10C
	CompressionError     Code = 0x10D

	// IOError is or-ed with the underlying errno when one is known.
	IOError Code = 0x200
)

func (c Code) String() string {
	switch c {
	case None:
		return "none"
	case TypeError:
		return "type_error"
	case BindError:
		return "bind_error"
	case ConnectError:
		return "connect_error"
	case TLSHandshakeError:
		return "tls_handshake_error"
	case ProtocolError:
		return "protocol_error"
	case HeadTooLarge:
		return "head_too_large"
	case StreamStateError:
		return "stream_state_error"
	case FlowControlViolation:
		return "flow_control_violation"
	case Cancelled:
		return "cancelled"
	case InvalidHandle:
		return "invalid_handle"
	case ConnectionClosed:
		return "connection_closed"
	case StreamReset:
		return "stream_reset"
	case Goaway:
		return "goaway"
	case CompressionError:
		return "compression_error"
	}
	if c&IOError != 0 {
		return fmt.Sprintf("io_error(%d)", int(c&^IOError))
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error carries a code alongside the failure it describes.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a coded error suitable for a package-level sentinel.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap attaches code to err. A nil err stays nil.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// Wrapf attaches code to err with extra context.
func Wrapf(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Errorf builds a coded error from a format string. %w is honoured.
func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf recovers the code carried by err. Errors without an explicit code
// map to IOError (or-ed with the errno when one is present).
func CodeOf(err error) Code {
	if err == nil {
		return None
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return IOError | Code(errno)
	}
	return IOError
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsClosed reports whether err describes a peer or local close of a stream.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
