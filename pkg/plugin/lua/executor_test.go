package lua

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func TestExecutor_SerializesCalls(t *testing.T) {
	exec := NewExecutor(newState(StateOptions{}), 0)
	defer exec.Close()

	ctx := context.Background()
	require.NoError(t, exec.Execute(ctx, func(L *lua.LState) error {
		return L.DoString(`counter = 0`)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, exec.Execute(ctx, func(L *lua.LState) error {
				return L.DoString(`counter = counter + 1`)
			}))
		}()
	}
	wg.Wait()

	var got lua.LValue
	require.NoError(t, exec.Execute(ctx, func(L *lua.LState) error {
		got = L.GetGlobal("counter")
		return nil
	}))
	assert.Equal(t, lua.LNumber(50), got)
}

func TestExecutor_RecoversPanics(t *testing.T) {
	exec := NewExecutor(newState(StateOptions{}), 0)
	defer exec.Close()

	err := exec.Execute(context.Background(), func(*lua.LState) error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	assert.NoError(t, exec.Execute(context.Background(), func(*lua.LState) error { return nil }))
}

func TestExecutor_ContextCancel(t *testing.T) {
	exec := NewExecutor(newState(StateOptions{}), 0)
	defer exec.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := exec.Execute(ctx, func(L *lua.LState) error {
		L.SetContext(ctx)
		defer L.RemoveContext()
		if err := L.DoString(`while true do end`); err != nil && ctx.Err() != nil {
			return ctx.Err()
		} else {
			return err
		}
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.NoError(t, exec.Execute(context.Background(), func(L *lua.LState) error {
		return L.DoString(`x = 1`)
	}), "state is usable after an interrupted call")
}

func TestExecutor_Async(t *testing.T) {
	exec := NewExecutor(newState(StateOptions{}), 0)
	defer exec.Close()

	errCh := make(chan error, 1)
	require.NoError(t, exec.ExecuteAsync(func(L *lua.LState) error {
		return errors.New("async failure")
	}, func(err error) { errCh <- err }))

	select {
	case err := <-errCh:
		assert.EqualError(t, err, "async failure")
	case <-time.After(time.Second):
		t.Fatal("async error not reported")
	}
}

func TestExecutor_Close(t *testing.T) {
	exec := NewExecutor(newState(StateOptions{}), 0)
	exec.Close()
	exec.Close()

	assert.ErrorIs(t, exec.Execute(context.Background(), func(*lua.LState) error { return nil }), ErrExecutorClosed)
	assert.ErrorIs(t, exec.ExecuteAsync(func(*lua.LState) error { return nil }, nil), ErrExecutorClosed)
}

func TestExecutor_CallQueuedAfterDrain(t *testing.T) {
	exec := NewExecutor(newState(StateOptions{}), 0)
	exec.Close()

	// a sender that won the race against Close leaves its call in the queue
	c := &call{fn: func(*lua.LState) error { return nil }, result: make(chan error, 1)}
	exec.queue <- c

	done := make(chan error, 1)
	go func() { done <- exec.await(context.Background(), c) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrExecutorClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("wait on a call the closed worker never runs did not end")
	}
}
