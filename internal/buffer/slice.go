// Package buffer holds the byte range type that crosses the engine boundary.
package buffer

import (
	"sync"

	"github.com/danmuck/netbridge/internal/errs"
)

var (
	ErrReleased      = errs.New(errs.TypeError, "buffer: slice already released")
	ErrDoubleRelease = errs.New(errs.TypeError, "buffer: slice released twice")
	ErrNotOwned      = errs.New(errs.TypeError, "buffer: borrowed slice cannot be released")
)

// Slice is a byte range that is either owned (the holder must Release it
// exactly once) or borrowed (valid only for the duration of a call).
type Slice struct {
	mu       sync.Mutex
	data     []byte
	owned    bool
	released bool
}

// Borrow views b without taking ownership.
func Borrow(b []byte) *Slice {
	return &Slice{data: b}
}

// BorrowString views s as a borrowed slice.
func BorrowString(s string) *Slice {
	return &Slice{data: []byte(s)}
}

// Own takes ownership of b. The caller must not touch b afterwards.
func Own(b []byte) *Slice {
	return &Slice{data: b, owned: true}
}

// Copy returns an owned copy of b.
func Copy(b []byte) *Slice {
	out := make([]byte, len(b))
	copy(out, b)
	return &Slice{data: out, owned: true}
}

// Alloc returns an owned, zeroed slice of length n.
func Alloc(n int) *Slice {
	return &Slice{data: make([]byte, n), owned: true}
}

func (s *Slice) Owned() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owned
}

func (s *Slice) Released() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func (s *Slice) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0
	}
	return len(s.data)
}

func (s *Slice) Cap() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0
	}
	return cap(s.data)
}

// Bytes returns the underlying bytes. The result aliases the slice.
func (s *Slice) Bytes() ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	return s.data, nil
}

// Text returns the bytes as a string. It fails with ErrReleased once the
// slice is released.
func (s *Slice) Text() (string, error) {
	b, err := s.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// String returns the bytes as a string, or "" once released. Use Text
// where a released slice must be an error.
func (s *Slice) String() string {
	b, err := s.Bytes()
	if err != nil {
		return ""
	}
	return string(b)
}

// Release frees an owned slice. It may be called exactly once.
func (s *Slice) Release() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.owned {
		return ErrNotOwned
	}
	if s.released {
		return ErrDoubleRelease
	}
	s.released = true
	s.data = nil
	return nil
}

// Take moves the bytes out of an owned slice, leaving it released.
func (s *Slice) Take() ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	if !s.owned {
		return nil, ErrNotOwned
	}
	b := s.data
	s.data = nil
	s.released = true
	return b, nil
}

// ToOwned returns an owned copy regardless of the receiver's kind.
func (s *Slice) ToOwned() (*Slice, error) {
	b, err := s.Bytes()
	if err != nil {
		return nil, err
	}
	return Copy(b), nil
}

// HeaderPair is a name/value pair crossing the boundary.
type HeaderPair struct {
	Name  *Slice
	Value *Slice
}

// Pair builds a borrowed header pair from strings.
func Pair(name, value string) HeaderPair {
	return HeaderPair{Name: BorrowString(name), Value: BorrowString(value)}
}

// Strings returns the pair as strings, failing with ErrReleased when
// either side was released.
func (p HeaderPair) Strings() (string, string, error) {
	name, err := p.Name.Text()
	if err != nil {
		return "", "", err
	}
	value, err := p.Value.Text()
	if err != nil {
		return "", "", err
	}
	return name, value, nil
}
