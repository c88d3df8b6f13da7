package plugin

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/harun/nouschat/pkg/chat"
)

// CommandEvent is the payload of the onCommand notification hook.
type CommandEvent struct {
	Name     string   `json:"name" mapstructure:"name"`
	Args     []string `json:"args" mapstructure:"args"`
	PluginID string   `json:"pluginId" mapstructure:"pluginId"`
}

// Dispatch folds initial through every enabled handler registered for hook,
// in registration order. A failing or timed out handler is logged and the
// fold continues with the previous value.
func (m *Manager) Dispatch(ctx context.Context, hook string, initial any, args ...any) any {
	result := initial

	for _, reg := range m.hooks.GetHooks(hook) {
		inst := m.instance(reg.PluginID)
		if inst == nil || !inst.active() {
			continue
		}

		start := time.Now()
		out, err := m.invokeHook(ctx, reg, result, args)
		if err == nil {
			out, err = coerceResult(out, result)
			if err != nil {
				err = &HookExecutionError{PluginID: reg.PluginID, Hook: hook, Err: err}
			}
		}

		if err != nil {
			m.recordHookFailure(err, time.Since(start))
			continue
		}

		m.metrics.HookInvocation(hook, reg.PluginID, "ok", time.Since(start))
		if out != nil {
			result = out
		}
	}

	return result
}

// invokeHook runs one handler bounded by the hook timeout.
func (m *Manager) invokeHook(ctx context.Context, reg *RegisteredHook, payload any, args []any) (any, error) {
	hctx, cancel := context.WithTimeout(ctx, m.hookTimeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		var o outcome
		o.err = safeCall(func() error {
			var err error
			o.value, err = reg.Handler(hctx, payload, args...)
			return err
		})
		done <- o
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, &HookExecutionError{PluginID: reg.PluginID, Hook: reg.Hook, Err: o.err}
		}
		return o.value, nil
	case <-hctx.Done():
		if ctx.Err() != nil {
			return nil, &HookExecutionError{PluginID: reg.PluginID, Hook: reg.Hook, Err: ctx.Err()}
		}
		return nil, &HookExecutionError{
			PluginID: reg.PluginID,
			Hook:     reg.Hook,
			Timeout:  true,
			Err:      fmt.Errorf("%w after %s", ErrHookTimeout, m.hookTimeout),
		}
	}
}

func (m *Manager) recordHookFailure(err error, d time.Duration) {
	var hookErr *HookExecutionError
	if !errors.As(err, &hookErr) {
		m.logger.Error().Err(err).Msg("Hook failed")
		return
	}

	if hookErr.Timeout {
		m.metrics.HookInvocation(hookErr.Hook, hookErr.PluginID, "timeout", d)
		m.logger.Warn().
			Str("plugin", hookErr.PluginID).
			Str("hook", hookErr.Hook).
			Bool("timeout", true).
			Dur("limit", m.hookTimeout).
			Msg("Hook handler timed out")
		return
	}

	m.metrics.HookInvocation(hookErr.Hook, hookErr.PluginID, "error", d)
	m.logger.Error().
		Err(hookErr.Err).
		Str("plugin", hookErr.PluginID).
		Str("hook", hookErr.Hook).
		Msg("Hook handler failed")
}

// coerceResult keeps the fold value's type stable. A pointer to the
// payload type is dereferenced; any other type is rejected.
func coerceResult(out, current any) (any, error) {
	if out == nil || current == nil {
		return out, nil
	}

	want := reflect.TypeOf(current)
	got := reflect.TypeOf(out)
	if got == want {
		return out, nil
	}
	if got.Kind() == reflect.Pointer && got.Elem() == want {
		v := reflect.ValueOf(out)
		if v.IsNil() {
			return nil, nil
		}
		return v.Elem().Interface(), nil
	}
	return nil, fmt.Errorf("handler returned %s, want %s", got, want)
}

// BeforeSendMessage runs the pre-send fold over an outgoing message
func (m *Manager) BeforeSendMessage(ctx context.Context, msg chat.Message) chat.Message {
	return m.Dispatch(ctx, HookBeforeSendMessage, msg).(chat.Message)
}

// AfterReceiveMessage runs the post-receive fold over an incoming message
func (m *Manager) AfterReceiveMessage(ctx context.Context, msg chat.Message) chat.Message {
	return m.Dispatch(ctx, HookAfterReceiveMessage, msg).(chat.Message)
}

// ChatCreated notifies plugins of a new chat
func (m *Manager) ChatCreated(ctx context.Context, c chat.Chat) {
	m.Dispatch(ctx, HookChatCreated, c)
}

// ChatDeleted notifies plugins that a chat was removed
func (m *Manager) ChatDeleted(ctx context.Context, chatID string) {
	m.Dispatch(ctx, HookChatDeleted, chatID)
}

// Execute routes a "/name args..." line to its command handler. It
// returns false when the line is not a command or no enabled plugin
// owns the name.
func (m *Manager) Execute(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, "/") {
		return false
	}

	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return false
	}
	name, args := fields[0], fields[1:]

	cmd, ok := m.commands.Get(name)
	if !ok {
		m.metrics.CommandExecution(name, false)
		return false
	}
	inst := m.instance(cmd.PluginID)
	if inst == nil || !inst.active() {
		m.metrics.CommandExecution(name, false)
		return false
	}

	if err := safeCall(func() error { return cmd.Handler(ctx, args) }); err != nil {
		m.logger.Error().
			Err(err).
			Str("plugin", cmd.PluginID).
			Str("command", name).
			Msg("Command handler failed")
	}
	m.metrics.CommandExecution(name, true)

	m.Dispatch(ctx, HookCommand, CommandEvent{Name: name, Args: args, PluginID: cmd.PluginID})
	return true
}
