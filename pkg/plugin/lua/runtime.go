// Package lua runs plugins in sandboxed gopher-lua interpreters. Each
// plugin gets a fresh state with only the base, table, string and math
// libraries plus the log, print, fetch and timer globals.
//
// A plugin's source returns its module table:
//
//	return {
//	  initialize = function(api) ... end,
//	  cleanup = function() ... end,
//	  hooks = {
//	    beforeSendMessage = function(message) return message end,
//	  },
//	}
package lua

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/nouschat/pkg/plugin"
	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
)

// Default limits for plugin interpreters.
const (
	DefaultEvalTimeout     = 5 * time.Second
	DefaultCallbackTimeout = 5 * time.Second
	DefaultCallStackSize   = 256
	DefaultQueueSize       = 64
)

// Config bounds the interpreters created by a Runtime.
type Config struct {
	// EvalTimeout limits evaluating the chunk and lifecycle calls made
	// without a deadline.
	EvalTimeout time.Duration
	// CallbackTimeout limits timer, event and command callbacks.
	CallbackTimeout time.Duration
	CallStackSize   int
	RegistryMaxSize int
	QueueSize       int
}

// Runtime is the plugin.Evaluator for .lua entry points.
type Runtime struct {
	cfg    Config
	logger zerolog.Logger
}

var _ plugin.Evaluator = (*Runtime)(nil)

// NewRuntime creates a Lua runtime
func NewRuntime(cfg Config, logger zerolog.Logger) *Runtime {
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = DefaultEvalTimeout
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = DefaultCallbackTimeout
	}
	if cfg.CallStackSize <= 0 {
		cfg.CallStackSize = DefaultCallStackSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Runtime{
		cfg:    cfg,
		logger: logger.With().Str("component", "lua-runtime").Logger(),
	}
}

// instance is one evaluated plugin: its state, executor and timers.
type instance struct {
	id       string
	exec     *Executor
	timers   *timerSet
	logger   zerolog.Logger
	fetch    func(context.Context, plugin.FetchRequest) (*plugin.FetchResponse, error)
	base     context.Context
	cancel   context.CancelFunc
	callback time.Duration
	evalTime time.Duration
}

// Evaluate runs the chunk in a new state and wraps the returned table as a
// plugin.Module.
func (r *Runtime) Evaluate(ctx context.Context, src plugin.Source, manifest *plugin.Manifest, env plugin.Env) (*plugin.Module, error) {
	L := newState(StateOptions{
		CallStackSize:   r.cfg.CallStackSize,
		RegistryMaxSize: r.cfg.RegistryMaxSize,
	})

	base, cancel := context.WithCancel(context.Background())
	p := &instance{
		id:       manifest.ID,
		exec:     NewExecutor(L, r.cfg.QueueSize),
		timers:   newTimerSet(),
		logger:   env.Logger,
		fetch:    env.Fetch,
		base:     base,
		cancel:   cancel,
		callback: r.cfg.CallbackTimeout,
		evalTime: r.cfg.EvalTimeout,
	}

	fail := func(err error) (*plugin.Module, error) {
		p.close()
		return nil, &plugin.EvaluationError{PluginID: manifest.ID, Err: err}
	}

	evalCtx, done := p.deadline(ctx)
	defer done()

	var table *lua.LTable
	err := p.exec.Execute(evalCtx, func(L *lua.LState) error {
		p.installGlobals(L)

		chunk, err := L.Load(bytes.NewReader(src.Code), "@"+chunkName(src, manifest))
		if err != nil {
			return err
		}
		ret, err := p.protectedCall(evalCtx, L, chunk)
		if err != nil {
			return err
		}
		t, ok := ret.(*lua.LTable)
		if !ok {
			return fmt.Errorf("plugin must return a table, got %s", ret.Type())
		}
		table = t
		return nil
	})
	if err != nil {
		return fail(err)
	}

	module, err := p.module(ctx, table)
	if err != nil {
		return fail(err)
	}

	r.logger.Debug().
		Str("plugin", manifest.ID).
		Int("hooks", len(module.Hooks)).
		Msg("Evaluated lua plugin")

	return module, nil
}

func chunkName(src plugin.Source, manifest *plugin.Manifest) string {
	if src.Path != "" {
		return src.Path
	}
	return manifest.ID
}

// module inspects the returned table. Reading it happens on the executor.
func (p *instance) module(ctx context.Context, table *lua.LTable) (*plugin.Module, error) {
	m := &plugin.Module{
		Hooks: make(map[string]plugin.HookFunc),
		Close: func() error { p.close(); return nil },
	}

	evalCtx, done := p.deadline(ctx)
	defer done()

	err := p.exec.Execute(evalCtx, func(L *lua.LState) error {
		if fn, ok := table.RawGetString("initialize").(*lua.LFunction); ok {
			m.Initialize = func(ctx context.Context, api plugin.API) error {
				return p.run(ctx, func(L *lua.LState) (lua.LValue, error) {
					return p.protectedCall(ctx, L, fn, p.apiTable(L, api))
				})
			}
		}
		m.Cleanup = p.lifecycle(table, "cleanup")
		m.OnEnable = p.lifecycle(table, "onEnable")
		m.OnDisable = p.lifecycle(table, "onDisable")

		switch hooks := table.RawGetString("hooks").(type) {
		case *lua.LTable:
			for _, name := range sortedKeys(hooks) {
				if fn, ok := hooks.RawGetString(name).(*lua.LFunction); ok {
					m.Hooks[name] = p.hook(fn)
				}
			}
		case *lua.LNilType:
		default:
			return fmt.Errorf("hooks must be a table, got %s", hooks.Type())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (p *instance) lifecycle(table *lua.LTable, name string) func(context.Context) error {
	fn, ok := table.RawGetString(name).(*lua.LFunction)
	if !ok {
		return nil
	}
	return func(ctx context.Context) error {
		return p.run(ctx, func(L *lua.LState) (lua.LValue, error) {
			return p.protectedCall(ctx, L, fn)
		})
	}
}

// hook adapts a Lua handler to the fold. The payload and extra arguments
// are converted to Lua; a non-nil result is converted back to the
// payload's Go type.
func (p *instance) hook(fn *lua.LFunction) plugin.HookFunc {
	return func(ctx context.Context, payload any, args ...any) (any, error) {
		var result any
		err := p.exec.Execute(ctx, func(L *lua.LState) error {
			luaArgs := make([]lua.LValue, 0, len(args)+1)
			for _, a := range append([]any{payload}, args...) {
				lv, err := ToLua(L, a)
				if err != nil {
					return err
				}
				luaArgs = append(luaArgs, lv)
			}

			ret, err := p.protectedCall(ctx, L, fn, luaArgs...)
			if err != nil {
				return err
			}
			if ret == lua.LNil {
				return nil
			}
			result, err = Decode(ret, payload)
			return err
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

// run executes fn on the state with the evaluation deadline applied when
// ctx has none.
func (p *instance) run(ctx context.Context, fn func(L *lua.LState) (lua.LValue, error)) error {
	ctx, done := p.deadline(ctx)
	defer done()
	return p.exec.Execute(ctx, func(L *lua.LState) error {
		_, err := fn(L)
		return err
	})
}

func (p *instance) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.evalTime)
}

// protectedCall calls fn with ctx bound to the state, so cancelling ctx
// interrupts the VM, and returns its first result.
func (p *instance) protectedCall(ctx context.Context, L *lua.LState, fn lua.LValue, args ...lua.LValue) (lua.LValue, error) {
	// closing the plugin interrupts the call too
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(p.base, stop)()

	if prev := L.Context(); prev == nil {
		L.SetContext(ctx)
		defer L.RemoveContext()
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return lua.LNil, ctxErr
		}
		return lua.LNil, unwrapError(err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// callContext is the context for a host call made from Lua.
func (p *instance) callContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return p.base
}

// async queues a callback (timer or event) with its own deadline. Errors
// are logged against the plugin.
func (p *instance) async(fn *lua.LFunction, source string, args ...any) {
	err := p.exec.ExecuteAsync(func(L *lua.LState) error {
		ctx, cancel := context.WithTimeout(p.base, p.callback)
		defer cancel()

		luaArgs := make([]lua.LValue, 0, len(args))
		for _, a := range args {
			lv, err := ToLua(L, a)
			if err != nil {
				return err
			}
			luaArgs = append(luaArgs, lv)
		}
		_, err := p.protectedCall(ctx, L, fn, luaArgs...)
		return err
	}, func(err error) {
		p.logger.Error().Err(err).Str("source", source).Msg("Lua callback failed")
	})
	if err != nil && !errors.Is(err, ErrExecutorClosed) {
		p.logger.Warn().Err(err).Str("source", source).Msg("Dropped lua callback")
	}
}

// close stops timers, interrupts any running call and closes the state.
func (p *instance) close() {
	p.timers.StopAll()
	p.cancel()
	p.exec.Close()
}
