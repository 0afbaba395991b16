package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/danmuck/netbridge/internal/errs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrRuntimeClosed = errs.New(errs.TypeError, "bridge: runtime shut down")

// Op is the body of an asynchronous operation. Its context is cancelled
// when the future is cancelled or the runtime shuts down.
type Op func(ctx context.Context) (any, error)

type Config struct {
	CallbackWorkers int
	CallbackQueue   int
}

func DefaultConfig() Config {
	return Config{
		CallbackWorkers: 2,
		CallbackQueue:   256,
	}
}

// Runtime executes operations and dispatches completion callbacks.
type Runtime struct {
	cfg    Config
	ctx    context.Context
	stop   context.CancelFunc
	ops    sync.WaitGroup
	cbs    sync.WaitGroup
	queue  chan *Future
	quit   chan struct{}
	closed atomic.Bool
	logger zerolog.Logger
}

var (
	defaultMu sync.Mutex
	defaultRT *Runtime
)

// Init creates the process-wide runtime. Later calls are no-ops that
// return the existing runtime; ok is true either way.
func Init(cfg Config) (rt *Runtime, ok bool) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRT != nil {
		return defaultRT, true
	}
	defaultRT = NewRuntime(cfg)
	return defaultRT, true
}

func HasInit() bool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRT != nil
}

// Default returns the process-wide runtime, creating it with defaults.
func Default() *Runtime {
	rt, _ := Init(DefaultConfig())
	return rt
}

// NewRuntime builds an independent runtime.
func NewRuntime(cfg Config) *Runtime {
	if cfg.CallbackWorkers <= 0 {
		cfg.CallbackWorkers = DefaultConfig().CallbackWorkers
	}
	if cfg.CallbackQueue <= 0 {
		cfg.CallbackQueue = DefaultConfig().CallbackQueue
	}
	ctx, stop := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:    cfg,
		ctx:    ctx,
		stop:   stop,
		queue:  make(chan *Future, cfg.CallbackQueue),
		quit:   make(chan struct{}),
		logger: log.With().Str("component", "bridge").Logger(),
	}
	for i := 0; i < cfg.CallbackWorkers; i++ {
		r.cbs.Add(1)
		go r.callbackWorker()
	}
	return r
}

func (r *Runtime) NewFuture(cb Callback, userdata any) *Future {
	return newFuture(r, cb, userdata)
}

// Go runs op against f. Cancelling f before op hands out its result makes
// the result lose the race; it is then released instead of delivered.
func (r *Runtime) Go(f *Future, name string, op Op) error {
	return r.spawn(f, name, op, false)
}

// GoCommitted runs op against f with cancellation disabled from the start.
// Used for operations that mutate the peer-visible stream.
func (r *Runtime) GoCommitted(f *Future, name string, op Op) error {
	return r.spawn(f, name, op, true)
}

func (r *Runtime) spawn(f *Future, name string, op Op, committed bool) error {
	if r.closed.Load() {
		return ErrRuntimeClosed
	}
	gate := make(chan struct{})
	defer close(gate)

	ctx, cancel := context.WithCancel(r.ctx)
	f.mu.Lock()
	switch {
	case f.freed:
		f.mu.Unlock()
		cancel()
		return ErrFreed
	case f.Poll() != Pending:
		f.mu.Unlock()
		cancel()
		return ErrNotPending
	case f.scheduled:
		f.mu.Unlock()
		cancel()
		return ErrAlreadyScheduled
	}
	f.scheduled = true
	f.committed = committed
	f.cancel = cancel
	release := f.holdLocked()
	f.mu.Unlock()
	defer release()

	r.ops.Add(1)
	go func() {
		defer r.ops.Done()
		defer cancel()
		<-gate
		if f.Poll() != Pending {
			return
		}
		result, err := op(withFuture(ctx, f))
		if err != nil {
			r.logger.Debug().Str("op", name).Err(err).Msg("operation failed")
		}
		if !f.resolve(result, err) {
			discard(result)
		}
	}()
	return nil
}

func (r *Runtime) dispatch(f *Future) {
	select {
	case r.queue <- f:
	case <-r.quit:
		go f.runCallback()
	}
}

func (r *Runtime) callbackWorker() {
	defer r.cbs.Done()
	for {
		select {
		case f := <-r.queue:
			r.invoke(f)
		case <-r.quit:
			for {
				select {
				case f := <-r.queue:
					r.invoke(f)
				default:
					return
				}
			}
		}
	}
}

func (r *Runtime) invoke(f *Future) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("future callback panicked")
		}
	}()
	f.runCallback()
}

// Shutdown refuses new operations, cancels running ones and waits for them
// and the callback workers to drain.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.stop()
	done := make(chan struct{})
	go func() {
		r.ops.Wait()
		close(r.quit)
		r.cbs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type futureKey struct{}

func withFuture(ctx context.Context, f *Future) context.Context {
	return context.WithValue(ctx, futureKey{}, f)
}

// Commit marks the operation running under ctx as committed: from here on
// Cancel is a no-op. It reports false when the future was already
// cancelled. Contexts not created by the runtime always commit.
func Commit(ctx context.Context) bool {
	f, ok := ctx.Value(futureKey{}).(*Future)
	if !ok {
		return true
	}
	return f.commit()
}
