// Package bridge turns goroutine-driven operations into pollable futures
// that a caller without a scheduler of its own can poll, wait on, or
// receive callbacks from.
package bridge

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/observability"
)

type State int32

const (
	Pending State = iota
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrCancelled        = errs.New(errs.Cancelled, "bridge: future cancelled")
	ErrNotTerminal      = errs.New(errs.TypeError, "bridge: future still pending")
	ErrResultTaken      = errs.New(errs.TypeError, "bridge: result already taken")
	ErrNotPending       = errs.New(errs.TypeError, "bridge: future already resolved")
	ErrAlreadyScheduled = errs.New(errs.TypeError, "bridge: future already has an operation")
	ErrFreed            = errs.New(errs.InvalidHandle, "bridge: future freed")
)

// Callback runs once when a future leaves Pending.
type Callback func(userdata any, f *Future)

// Future is the completion handle for one asynchronous operation.
type Future struct {
	rt       *Runtime
	state    atomic.Int32
	done     chan struct{}
	cb       Callback
	userdata any
	created  time.Time

	mu        sync.Mutex
	result    any
	err       error
	taken     bool
	freed     bool
	committed bool
	scheduled bool
	cancel    context.CancelFunc
	// holds counts calls that may resolve the future and have not yet
	// returned. Callbacks wait for it to drain.
	holds sync.WaitGroup
}

func newFuture(rt *Runtime, cb Callback, userdata any) *Future {
	observability.RecordFutureCreated()
	return &Future{
		rt:       rt,
		done:     make(chan struct{}),
		cb:       cb,
		userdata: userdata,
		created:  time.Now(),
	}
}

// Poll reports the current state without side effects.
func (f *Future) Poll() State {
	return State(f.state.Load())
}

// Done is closed when the future reaches a terminal state.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is terminal.
func (f *Future) Wait() State {
	<-f.done
	return f.Poll()
}

func (f *Future) WaitContext(ctx context.Context) (State, error) {
	select {
	case <-f.done:
		return f.Poll(), nil
	case <-ctx.Done():
		return f.Poll(), ctx.Err()
	}
}

// TakeResult moves the result out. It is valid once, after a terminal state.
func (f *Future) TakeResult() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.freed {
		return nil, ErrFreed
	}
	state := f.Poll()
	if state == Pending {
		return nil, ErrNotTerminal
	}
	if f.taken {
		return nil, ErrResultTaken
	}
	f.taken = true
	switch state {
	case Completed:
		r := f.result
		f.result = nil
		return r, nil
	case Failed:
		return nil, f.err
	default:
		return nil, ErrCancelled
	}
}

// Result peeks at a completed, untaken result.
func (f *Future) Result() (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.freed || f.taken || f.Poll() != Completed {
		return nil, false
	}
	return f.result, true
}

// Err returns the failure, or ErrCancelled for a cancelled future.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.Poll() {
	case Failed:
		return f.err
	case Cancelled:
		return ErrCancelled
	}
	return nil
}

func (f *Future) ErrorCode() errs.Code {
	switch f.Poll() {
	case Failed:
		return errs.CodeOf(f.Err())
	case Cancelled:
		return errs.Cancelled
	}
	return errs.None
}

func (f *Future) ErrorMessage() string {
	if err := f.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// Cancel moves a pending, uncommitted future to Cancelled and cancels its
// operation context. It reports whether the transition happened.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	if f.committed || f.Poll() != Pending {
		f.mu.Unlock()
		return false
	}
	f.state.Store(int32(Cancelled))
	cancel := f.cancel
	release := f.holdLocked()
	defer release()
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	f.finish(Cancelled)
	return true
}

// Complete resolves the future from outside an operation.
func (f *Future) Complete(result any) bool {
	return f.resolve(result, nil)
}

// Fail resolves the future with err from outside an operation.
func (f *Future) Fail(err error) bool {
	if err == nil {
		err = errs.New(errs.TypeError, "bridge: fail without error")
	}
	return f.resolve(nil, err)
}

// Free drops the future. A pending future is cancelled first and an
// untaken result is released.
func (f *Future) Free() {
	f.Cancel()
	f.mu.Lock()
	if f.freed {
		f.mu.Unlock()
		return
	}
	f.freed = true
	r := f.result
	f.result = nil
	f.mu.Unlock()
	discard(r)
}

func (f *Future) commit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Poll() != Pending {
		return false
	}
	f.committed = true
	return true
}

func (f *Future) resolve(result any, err error) bool {
	f.mu.Lock()
	if f.freed || f.Poll() != Pending {
		f.mu.Unlock()
		return false
	}
	state := Completed
	if err != nil {
		state = Failed
		f.err = err
	} else {
		f.result = result
	}
	f.state.Store(int32(state))
	release := f.holdLocked()
	defer release()
	f.mu.Unlock()
	f.finish(state)
	return true
}

func (f *Future) finish(state State) {
	close(f.done)
	observability.RecordFutureResolved(state.String(), time.Since(f.created))
	if f.cb != nil {
		f.rt.dispatch(f)
	}
}

// holdLocked keeps callbacks from running until release is called. It is
// only taken while the future is pending.
func (f *Future) holdLocked() (release func()) {
	f.holds.Add(1)
	return f.holds.Done
}

func (f *Future) runCallback() {
	f.holds.Wait()
	f.cb(f.userdata, f)
}

// discard releases a result nobody will take.
func discard(r any) {
	switch v := r.(type) {
	case nil:
	case interface{ Release() error }:
		_ = v.Release()
	case io.Closer:
		_ = v.Close()
	}
}
