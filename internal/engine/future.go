package engine

import (
	"context"

	"github.com/danmuck/netbridge/internal/bridge"
	"github.com/danmuck/netbridge/internal/errs"
)

// Callback receives the handle of the future that left Pending.
type Callback func(userdata any, fh Handle)

// NewFuture allocates a pending future. cb, if non-nil, runs once on a
// runtime callback worker after the issuing call returned.
func (e *Engine) NewFuture(cb Callback, userdata any) Handle {
	var h Handle
	ready := make(chan struct{})
	var inner bridge.Callback
	if cb != nil {
		inner = func(ud any, _ *bridge.Future) {
			<-ready
			cb(ud, h)
		}
	}
	h = e.futures.Insert(e.rt.NewFuture(inner, userdata))
	close(ready)
	return h
}

func (e *Engine) FuturePoll(fh Handle) (bridge.State, error) {
	f, err := e.futures.Get(fh)
	if err != nil {
		return bridge.Pending, err
	}
	return f.Poll(), nil
}

// FutureTakeResult moves the result out of a terminal future.
func (e *Engine) FutureTakeResult(fh Handle) (any, error) {
	f, err := e.futures.Get(fh)
	if err != nil {
		return nil, err
	}
	return f.TakeResult()
}

// FutureResult peeks at a completed, untaken result.
func (e *Engine) FutureResult(fh Handle) (any, bool, error) {
	f, err := e.futures.Get(fh)
	if err != nil {
		return nil, false, err
	}
	v, ok := f.Result()
	return v, ok, nil
}

func (e *Engine) FutureCancel(fh Handle) (bool, error) {
	f, err := e.futures.Get(fh)
	if err != nil {
		return false, err
	}
	return f.Cancel(), nil
}

// FutureComplete resolves a future the caller created for its own use.
func (e *Engine) FutureComplete(fh Handle, result any) (bool, error) {
	f, err := e.futures.Get(fh)
	if err != nil {
		return false, err
	}
	return f.Complete(result), nil
}

// FutureFree drops the handle, cancelling a pending future and releasing
// a result nobody took.
func (e *Engine) FutureFree(fh Handle) error {
	f, err := e.futures.Remove(fh)
	if err != nil {
		return err
	}
	f.Free()
	return nil
}

func (e *Engine) FutureWait(fh Handle) (bridge.State, error) {
	f, err := e.futures.Get(fh)
	if err != nil {
		return bridge.Pending, err
	}
	return f.Wait(), nil
}

func (e *Engine) FutureWaitContext(ctx context.Context, fh Handle) (bridge.State, error) {
	f, err := e.futures.Get(fh)
	if err != nil {
		return bridge.Pending, err
	}
	return f.WaitContext(ctx)
}

// FutureErrorCode is None unless the future failed.
func (e *Engine) FutureErrorCode(fh Handle) (errs.Code, error) {
	f, err := e.futures.Get(fh)
	if err != nil {
		return errs.None, err
	}
	return f.ErrorCode(), nil
}

func (e *Engine) FutureErrorMessage(fh Handle) (string, error) {
	f, err := e.futures.Get(fh)
	if err != nil {
		return "", err
	}
	return f.ErrorMessage(), nil
}

// Await issues one operation against a fresh future and waits for it. When
// ctx ends first the operation is cancelled if it still can be, and any
// late result is released.
func (e *Engine) Await(ctx context.Context, issue func(fh Handle) error) (any, error) {
	fh := e.NewFuture(nil, nil)
	defer func() { _ = e.FutureFree(fh) }()
	if err := issue(fh); err != nil {
		return nil, err
	}
	if _, err := e.FutureWaitContext(ctx, fh); err != nil {
		return nil, errs.Wrap(errs.Cancelled, err)
	}
	return e.FutureTakeResult(fh)
}
