package http2

import (
	"strconv"
	"strings"

	"github.com/danmuck/netbridge/internal/message"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

type StreamState int

const (
	StateIdle StreamState = iota
	StateReservedLocal
	StateReservedRemote
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReservedLocal:
		return "reserved_local"
	case StateReservedRemote:
		return "reserved_remote"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half_closed_local"
	case StateHalfClosedRemote:
		return "half_closed_remote"
	default:
		return "closed"
	}
}

// stream is the session's record of one stream. Fields are guarded by the
// session mutex.
type stream struct {
	id         uint32
	state      StreamState
	sendWindow int64
	recvWindow int64
	// peer marks streams the remote endpoint initiated or promised.
	peer bool

	head    bool
	pseudo  map[string]string
	headers message.Headers
	body    []byte
	ended   bool
	// promise is the request of a pushed stream.
	promise []hpack.HeaderField

	reset     bool
	resetCode http2.ErrCode
	resetPeer bool

	// seq advances on every change a handler may observe.
	seq uint64
}

func newStream(id uint32, state StreamState, sendWindow, recvWindow uint32) *stream {
	return &stream{
		id:         id,
		state:      state,
		sendWindow: int64(sendWindow),
		recvWindow: int64(recvWindow),
		pseudo:     make(map[string]string),
	}
}

// sendable reports whether DATA or HEADERS may still be sent.
func (st *stream) sendable() bool {
	switch st.state {
	case StateIdle, StateReservedLocal, StateOpen, StateHalfClosedRemote:
		return !st.reset
	}
	return false
}

// closeLocal records END_STREAM sent by this side.
func (st *stream) closeLocal() {
	switch st.state {
	case StateOpen, StateIdle:
		st.state = StateHalfClosedLocal
	case StateHalfClosedRemote, StateReservedLocal:
		st.state = StateClosed
	}
}

// closeRemote records END_STREAM received from the peer.
func (st *stream) closeRemote() {
	st.ended = true
	switch st.state {
	case StateOpen, StateIdle:
		st.state = StateHalfClosedRemote
	case StateHalfClosedLocal, StateReservedRemote:
		st.state = StateClosed
	}
	st.seq++
}

func (st *stream) markReset(code http2.ErrCode, byPeer bool) {
	if st.reset {
		return
	}
	st.reset = true
	st.resetCode = code
	st.resetPeer = byPeer
	st.state = StateClosed
	st.seq++
}

// addFields applies a decoded header block: the first block carries the
// pseudo-headers, later ones are trailers appended to the header list.
// Informational responses are dropped.
func (st *stream) addFields(fields []hpack.HeaderField) {
	if !st.head {
		for _, f := range fields {
			if f.Name == ":status" && strings.HasPrefix(f.Value, "1") {
				return
			}
		}
	}
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			if !st.head {
				st.pseudo[f.Name] = f.Value
			}
			continue
		}
		st.headers.Add(f.Name, f.Value)
	}
	st.head = true
	st.seq++
}

func (st *stream) messageState() message.State {
	ms := message.State{
		Valid:        !st.reset || st.ended,
		HeadComplete: st.head,
		BodyComplete: st.ended,
	}
	if st.head {
		ms.Headers = st.headers.Clone()
		ms.Body = append([]byte(nil), st.body...)
	}
	return ms
}

func (st *stream) request(scheme string) *message.Request {
	req := &message.Request{State: st.messageState(), Version: message.Version2}
	if !st.head {
		return req
	}
	req.MethodText = st.pseudo[":method"]
	req.Method = message.ParseMethod(req.MethodText)
	req.Path = st.pseudo[":path"]
	req.Authority = st.pseudo[":authority"]
	req.Scheme = st.pseudo[":scheme"]
	if req.Scheme == "" {
		req.Scheme = scheme
	}
	return req
}

func (st *stream) response() *message.Response {
	resp := &message.Response{State: st.messageState(), Version: message.Version2}
	if !st.head {
		return resp
	}
	resp.Status, _ = strconv.Atoi(st.pseudo[":status"])
	return resp
}
