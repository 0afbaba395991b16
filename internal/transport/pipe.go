package transport

import (
	"io"
	"net"
	"os"
	"sync"
	"time"
)

const defaultPipeSize = 64 * 1024

// DuplexPair returns two connected in-memory streams. Each direction
// buffers up to bufferSize bytes before writes block.
func DuplexPair(bufferSize int) (*Stream, *Stream) {
	if bufferSize <= 0 {
		bufferSize = defaultPipeSize
	}
	ab := newPipeBuffer(bufferSize)
	ba := newPipeBuffer(bufferSize)
	a := &pipeConn{rx: ba, tx: ab, local: pipeAddr("pipe-a"), remote: pipeAddr("pipe-b")}
	b := &pipeConn{rx: ab, tx: ba, local: pipeAddr("pipe-b"), remote: pipeAddr("pipe-a")}
	return newStream(a, KindPipe, bufferSize), newStream(b, KindPipe, bufferSize)
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// pipeBuffer is one direction of a duplex pair.
type pipeBuffer struct {
	mu         sync.Mutex
	data       []byte
	size       int
	writeShut  bool
	readerGone bool
	wake       chan struct{}
}

func newPipeBuffer(size int) *pipeBuffer {
	return &pipeBuffer{size: size, wake: make(chan struct{})}
}

// signal wakes every waiter; callers hold mu.
func (p *pipeBuffer) signal() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *pipeBuffer) read(b []byte, dl *pipeDeadline) (int, error) {
	for {
		p.mu.Lock()
		if len(p.data) > 0 {
			n := copy(b, p.data)
			p.data = p.data[n:]
			if len(p.data) == 0 {
				p.data = nil
			}
			p.signal()
			p.mu.Unlock()
			return n, nil
		}
		if p.writeShut {
			p.mu.Unlock()
			return 0, io.EOF
		}
		if p.readerGone {
			p.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		wake := p.wake
		p.mu.Unlock()
		select {
		case <-wake:
		case <-dl.wait():
			return 0, os.ErrDeadlineExceeded
		}
	}
}

func (p *pipeBuffer) write(b []byte, dl *pipeDeadline) (int, error) {
	written := 0
	for written < len(b) {
		p.mu.Lock()
		if p.readerGone || p.writeShut {
			p.mu.Unlock()
			return written, io.ErrClosedPipe
		}
		if room := p.size - len(p.data); room > 0 {
			n := min(room, len(b)-written)
			p.data = append(p.data, b[written:written+n]...)
			written += n
			p.signal()
			p.mu.Unlock()
			continue
		}
		wake := p.wake
		p.mu.Unlock()
		select {
		case <-wake:
		case <-dl.wait():
			return written, os.ErrDeadlineExceeded
		}
	}
	return written, nil
}

func (p *pipeBuffer) shutWrite() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writeShut {
		p.writeShut = true
		p.signal()
	}
}

func (p *pipeBuffer) shutRead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.readerGone {
		p.readerGone = true
		p.data = nil
		p.signal()
	}
}

type pipeConn struct {
	rx, tx        *pipeBuffer
	local, remote net.Addr
	readDL        pipeDeadline
	writeDL       pipeDeadline
}

func (c *pipeConn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	return c.rx.read(b, &c.readDL)
}

func (c *pipeConn) Write(b []byte) (int, error) {
	return c.tx.write(b, &c.writeDL)
}

func (c *pipeConn) CloseWrite() error {
	c.tx.shutWrite()
	return nil
}

func (c *pipeConn) Close() error {
	c.tx.shutWrite()
	c.rx.shutRead()
	return nil
}

func (c *pipeConn) LocalAddr() net.Addr  { return c.local }
func (c *pipeConn) RemoteAddr() net.Addr { return c.remote }

func (c *pipeConn) SetDeadline(t time.Time) error {
	c.readDL.set(t)
	c.writeDL.set(t)
	return nil
}

func (c *pipeConn) SetReadDeadline(t time.Time) error {
	c.readDL.set(t)
	return nil
}

func (c *pipeConn) SetWriteDeadline(t time.Time) error {
	c.writeDL.set(t)
	return nil
}

// pipeDeadline is a resettable deadline whose channel closes on expiry.
type pipeDeadline struct {
	mu     sync.Mutex
	timer  *time.Timer
	cancel chan struct{}
}

func (d *pipeDeadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil && !d.timer.Stop() {
		<-d.cancel
	}
	d.timer = nil

	closed := isClosedChan(d.cancel)
	if t.IsZero() {
		if closed || d.cancel == nil {
			d.cancel = make(chan struct{})
		}
		return
	}
	if dur := time.Until(t); dur > 0 {
		if closed || d.cancel == nil {
			d.cancel = make(chan struct{})
		}
		cancel := d.cancel
		d.timer = time.AfterFunc(dur, func() { close(cancel) })
		return
	}
	if d.cancel == nil {
		d.cancel = make(chan struct{})
	}
	if !closed {
		close(d.cancel)
	}
}

func (d *pipeDeadline) wait() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil {
		d.cancel = make(chan struct{})
	}
	return d.cancel
}

func isClosedChan(c <-chan struct{}) bool {
	if c == nil {
		return false
	}
	select {
	case <-c:
		return true
	default:
		return false
	}
}
