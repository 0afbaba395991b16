package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
)

// ClientPreface opens every HTTP/2 connection.
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

const tlsHandshakeRecord = 0x16

// longest method token worth waiting for before giving up on HTTP/1
const maxMethodLen = 16

type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolHTTP1
	ProtocolHTTP2
	ProtocolTLS
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP1:
		return "http1"
	case ProtocolHTTP2:
		return "http2"
	case ProtocolTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// DetectProtocol classifies the stream from its first bytes without
// consuming them.
func DetectProtocol(ctx context.Context, s *Stream) (Protocol, error) {
	want := 1
	for {
		head, err := s.Peek(ctx, want)
		if len(head) == 0 {
			if errors.Is(err, io.EOF) {
				return ProtocolUnknown, nil
			}
			return ProtocolUnknown, err
		}
		if head[0] == tlsHandshakeRecord {
			return ProtocolTLS, nil
		}
		if more := s.Buffered(); more > len(head) {
			head, _ = s.Peek(ctx, min(more, len(ClientPreface)))
		}

		proto, decided := classify(head)
		if decided {
			return proto, nil
		}
		if errors.Is(err, io.EOF) {
			// the peer stopped sending before the bytes were conclusive
			return ProtocolUnknown, nil
		}
		if err != nil {
			return ProtocolUnknown, err
		}
		want = len(head) + 1
	}
}

func classify(head []byte) (Protocol, bool) {
	n := min(len(head), len(ClientPreface))
	if bytes.Equal(head[:n], []byte(ClientPreface)[:n]) {
		if n == len(ClientPreface) {
			return ProtocolHTTP2, true
		}
		return ProtocolUnknown, false
	}
	for i, c := range head {
		switch {
		case c == ' ' && i > 0:
			return ProtocolHTTP1, true
		case c >= 'A' && c <= 'Z':
		default:
			return ProtocolUnknown, true
		}
		if i >= maxMethodLen {
			return ProtocolUnknown, true
		}
	}
	return ProtocolUnknown, false
}
