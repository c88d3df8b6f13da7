package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// ErrExecutorClosed is returned once a plugin's state has been shut down.
var ErrExecutorClosed = errors.New("lua executor is closed")

// ErrQueueFull is returned by ExecuteAsync when the plugin is saturated.
var ErrQueueFull = errors.New("lua executor queue full")

type call struct {
	fn     func(L *lua.LState) error
	result chan error
}

// Executor owns an LState and runs every operation on it from a single
// goroutine. LState is not safe for concurrent use.
type Executor struct {
	L      *lua.LState
	queue  chan *call
	done   chan struct{}
	exited chan struct{}
	closed atomic.Bool
	once   sync.Once
}

// NewExecutor starts the worker goroutine. The state is closed when the
// worker exits.
func NewExecutor(L *lua.LState, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = 64
	}
	e := &Executor{
		L:      L,
		queue:  make(chan *call, queueSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	defer close(e.exited)
	defer e.L.Close()

	for {
		select {
		case <-e.done:
			e.drain()
			return
		case c := <-e.queue:
			c.result <- e.invoke(c)
		}
	}
}

func (e *Executor) invoke(c *call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return c.fn(e.L)
}

func (e *Executor) drain() {
	for {
		select {
		case c := <-e.queue:
			c.result <- ErrExecutorClosed
		default:
			return
		}
	}
}

// Execute runs fn on the state and waits for it. If ctx ends first the
// call is abandoned; fn should bind ctx to the state so the VM stops too.
func (e *Executor) Execute(ctx context.Context, fn func(L *lua.LState) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	c := &call{fn: fn, result: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- c:
	}

	return e.await(ctx, c)
}

// await waits for the result of a queued call. A call that slipped into
// the queue after the worker drained it never runs, so the worker exiting
// ends the wait.
func (e *Executor) await(ctx context.Context, c *call) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-c.result:
		return err
	case <-e.exited:
		select {
		case err := <-c.result:
			return err
		default:
			return ErrExecutorClosed
		}
	}
}

// ExecuteAsync queues fn without waiting. Used for timer and event
// callbacks, which may fire while the state is busy with the caller.
func (e *Executor) ExecuteAsync(fn func(L *lua.LState) error, onErr func(error)) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	c := &call{fn: fn, result: make(chan error, 1)}
	select {
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- c:
	default:
		return ErrQueueFull
	}

	go func() {
		if err := e.await(context.Background(), c); err != nil && onErr != nil && !errors.Is(err, ErrExecutorClosed) {
			onErr(err)
		}
	}()
	return nil
}

// Close stops the worker. Pending calls fail with ErrExecutorClosed.
// It waits for the running call (if any) to return.
func (e *Executor) Close() {
	e.once.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
	<-e.exited
}
