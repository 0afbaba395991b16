// Package message holds the request/response state shared by the HTTP/1
// and HTTP/2 engines and the socket contracts both implement.
package message

import (
	"strings"

	"github.com/danmuck/netbridge/internal/errs"
)

var (
	ErrHeadSent     = errs.New(errs.StreamStateError, "message: head already sent")
	ErrClosed       = errs.New(errs.StreamStateError, "message: write side closed")
	ErrInvalidField = errs.New(errs.TypeError, "message: invalid header field")
)

// Method numbering is stable across the boundary.
type Method uint8

const (
	MethodUnknown Method = iota
	MethodGet
	MethodHead
	MethodPost
	MethodPut
	MethodDelete
	MethodConnect
	MethodOptions
	MethodTrace
	MethodPatch
)

var methodNames = [...]string{"", "GET", "HEAD", "POST", "PUT", "DELETE", "CONNECT", "OPTIONS", "TRACE", "PATCH"}

func (m Method) String() string {
	if int(m) < len(methodNames) && m != MethodUnknown {
		return methodNames[m]
	}
	return "UNKNOWN"
}

// ParseMethod maps a method token; unknown tokens yield MethodUnknown.
func ParseMethod(s string) Method {
	for i, name := range methodNames {
		if i > 0 && name == s {
			return Method(i)
		}
	}
	return MethodUnknown
}

type Version uint8

const (
	VersionUnknown Version = iota
	VersionDebug
	Version09
	Version10
	Version11
	Version2
	Version3
)

func (v Version) String() string {
	switch v {
	case VersionDebug:
		return "DEBUG"
	case Version09:
		return "HTTP/0.9"
	case Version10:
		return "HTTP/1.0"
	case Version11:
		return "HTTP/1.1"
	case Version2:
		return "HTTP/2.0"
	case Version3:
		return "HTTP/3.0"
	default:
		return "UNKNOWN"
	}
}

// ParseVersion maps an HTTP version token.
func ParseVersion(s string) Version {
	switch s {
	case "HTTP/0.9":
		return Version09
	case "HTTP/1.0":
		return Version10
	case "HTTP/1.1":
		return Version11
	case "HTTP/2", "HTTP/2.0":
		return Version2
	case "HTTP/3", "HTTP/3.0":
		return Version3
	default:
		return VersionUnknown
	}
}

type Header struct {
	Name  string
	Value string
}

// Headers keeps insertion order; lookups ignore case.
type Headers []Header

func (h Headers) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

func (h Headers) Count(name string) int {
	n := 0
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			n++
		}
	}
	return n
}

// Get returns the index-th value for name.
func (h Headers) Get(name string, index int) (string, bool) {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			if index == 0 {
				return f.Value, true
			}
			index--
		}
	}
	return "", false
}

func (h Headers) First(name string) (string, bool) {
	return h.Get(name, 0)
}

func (h Headers) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Set replaces every value of name with value.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Del removes every value of name and reports how many were removed.
func (h *Headers) Del(name string) int {
	kept := (*h)[:0]
	removed := 0
	for _, f := range *h {
		if strings.EqualFold(f.Name, name) {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	*h = kept
	return removed
}

func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// HasToken reports whether any comma separated value of name contains
// token, ignoring case.
func (h Headers) HasToken(name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// State is the progress of one message through a read.
type State struct {
	Valid        bool
	HeadComplete bool
	BodyComplete bool
	Headers      Headers
	Body         []byte
}

func (s State) clone() State {
	out := s
	out.Headers = s.Headers.Clone()
	if s.Body != nil {
		out.Body = append([]byte(nil), s.Body...)
	}
	return out
}

type Request struct {
	State
	Method     Method
	MethodText string
	Path       string
	Version    Version
	Authority  string
	Scheme     string
}

// Clone returns a deep copy safe to hand across the boundary.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.State = r.State.clone()
	return &out
}

type Response struct {
	State
	Version Version
	Status  int
	Reason  string
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.State = r.State.clone()
	return &out
}
