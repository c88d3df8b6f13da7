package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/rpc"
	"os/exec"
	"reflect"
	"time"

	"github.com/harun/nouschat/pkg/chat"
	"github.com/harun/nouschat/pkg/plugin"
	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
	"github.com/rs/zerolog"
)

const (
	// DefaultStartTimeout bounds the plugin process handshake.
	DefaultStartTimeout = 10 * time.Second
	// DefaultCommandTimeout bounds a slash command run by the guest.
	DefaultCommandTimeout = 30 * time.Second
)

// Runtime is the plugin.Evaluator for executable entry points.
type Runtime struct {
	startTimeout   time.Duration
	commandTimeout time.Duration
	logger         zerolog.Logger
}

var _ plugin.Evaluator = (*Runtime)(nil)

// NewRuntime creates an RPC runtime
func NewRuntime(startTimeout, commandTimeout time.Duration, logger zerolog.Logger) *Runtime {
	if startTimeout <= 0 {
		startTimeout = DefaultStartTimeout
	}
	if commandTimeout <= 0 {
		commandTimeout = DefaultCommandTimeout
	}
	return &Runtime{
		startTimeout:   startTimeout,
		commandTimeout: commandTimeout,
		logger:         logger.With().Str("component", "rpc-runtime").Logger(),
	}
}

// Evaluate starts the plugin executable at src.Path and asks it which
// hooks it handles.
func (r *Runtime) Evaluate(ctx context.Context, src plugin.Source, manifest *plugin.Manifest, env plugin.Env) (*plugin.Module, error) {
	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              exec.Command(src.Path),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		StartTimeout:     r.startTimeout,
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "plugin." + manifest.ID,
			Output: env.Logger,
			Level:  hclog.Info,
		}),
	})

	fail := func(err error) (*plugin.Module, error) {
		client.Kill()
		return nil, &plugin.EvaluationError{PluginID: manifest.ID, Err: err}
	}

	rpcClient, err := client.Client()
	if err != nil {
		return fail(fmt.Errorf("failed to connect to plugin: %w", err))
	}

	raw, err := rpcClient.Dispense(PluginName)
	if err != nil {
		return fail(fmt.Errorf("failed to dispense plugin: %w", err))
	}

	guest, ok := raw.(*guestClient)
	if !ok {
		return fail(fmt.Errorf("unexpected plugin type %T", raw))
	}
	guest.commandTimeout = r.commandTimeout

	module, err := newModule(ctx, guest, env, func() error {
		client.Kill()
		return nil
	})
	if err != nil {
		return fail(err)
	}

	r.logger.Info().
		Str("plugin", manifest.ID).
		Str("path", src.Path).
		Int("hooks", len(module.Hooks)).
		Msg("Started plugin process")

	return module, nil
}

// newModule adapts a dispensed guest to a plugin.Module.
func newModule(ctx context.Context, guest *guestClient, env plugin.Env, kill func() error) (*plugin.Module, error) {
	hooks, err := guest.describe(ctx)
	if err != nil {
		return nil, err
	}

	m := &plugin.Module{
		Hooks: make(map[string]plugin.HookFunc, len(hooks)),
		Initialize: func(ctx context.Context, api plugin.API) error {
			id := guest.broker.NextId()
			go guest.broker.AcceptAndServe(id, &hostServer{api: api, guest: guest, logger: env.Logger})
			return guest.call(ctx, "Plugin.Initialize", &InitializeArgs{HostID: id, PluginID: api.PluginID()})
		},
		Cleanup:   guest.lifecycle(plugin.StageCleanup),
		OnEnable:  guest.lifecycle(plugin.StageOnEnable),
		OnDisable: guest.lifecycle(plugin.StageOnDisable),
		Close:     kill,
	}
	for _, name := range hooks {
		m.Hooks[name] = guest.hook(name)
	}
	return m, nil
}

// guestClient is the host's handle on the guest's Plugin service.
type guestClient struct {
	client         *rpc.Client
	broker         *goplugin.MuxBroker
	commandTimeout time.Duration
}

// command runs a guest slash command under the command deadline.
func (g *guestClient) command(ctx context.Context, name string, args []string) error {
	timeout := g.commandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return g.call(ctx, "Plugin.Command", &CommandArgs{Name: name, Args: args})
}

// invoke performs an RPC that can be abandoned when ctx ends. net/rpc has
// no cancellation, so an abandoned call completes in the background.
func (g *guestClient) invoke(ctx context.Context, method string, args, reply any) error {
	call := g.client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func (g *guestClient) call(ctx context.Context, method string, args any) error {
	var reply Reply
	if err := g.invoke(ctx, method, args, &reply); err != nil {
		return err
	}
	return remoteError(reply.Error)
}

func (g *guestClient) describe(ctx context.Context) ([]string, error) {
	var reply DescribeReply
	if err := g.invoke(ctx, "Plugin.Describe", new(interface{}), &reply); err != nil {
		return nil, err
	}
	if err := remoteError(reply.Error); err != nil {
		return nil, err
	}
	return reply.Hooks, nil
}

func (g *guestClient) lifecycle(stage string) func(context.Context) error {
	return func(ctx context.Context) error {
		return g.call(ctx, "Plugin.Lifecycle", &LifecycleArgs{Stage: stage})
	}
}

// hook sends the payload as JSON and decodes a non-empty reply into the
// payload's type.
func (g *guestClient) hook(name string) plugin.HookFunc {
	return func(ctx context.Context, payload any, args ...any) (any, error) {
		data, err := marshal(payload)
		if err != nil {
			return nil, err
		}
		hookArgs := &HookArgs{Name: name, Payload: data}
		for _, a := range args {
			b, err := marshal(a)
			if err != nil {
				return nil, err
			}
			hookArgs.Args = append(hookArgs.Args, b)
		}

		var reply Reply
		if err := g.invoke(ctx, "Plugin.Hook", hookArgs, &reply); err != nil {
			return nil, err
		}
		if err := remoteError(reply.Error); err != nil {
			return nil, err
		}
		if len(reply.Data) == 0 {
			return nil, nil
		}
		return decodeLike(reply.Data, payload)
	}
}

func decodeLike(data []byte, like any) (any, error) {
	if like == nil {
		var v any
		err := json.Unmarshal(data, &v)
		return v, err
	}
	target := reflect.New(reflect.TypeOf(like))
	if err := json.Unmarshal(data, target.Interface()); err != nil {
		return nil, fmt.Errorf("cannot decode hook result as %T: %w", like, err)
	}
	return target.Elem().Interface(), nil
}

// hostServer serves the capability API to the guest. It is registered on
// a broker stream as the "Plugin" service.
type hostServer struct {
	api    plugin.API
	guest  *guestClient
	logger zerolog.Logger
}

// Invoke dispatches one capability call. Host errors travel in the reply;
// the RPC error is reserved for transport failures.
func (s *hostServer) Invoke(req *HostRequest, reply *HostReply) error {
	ctx := context.Background()
	data, found, err := s.dispatch(ctx, req)
	if err != nil {
		fillHostError(reply, err)
		return nil
	}
	reply.Data = data
	reply.Found = found
	return nil
}

func (s *hostServer) dispatch(ctx context.Context, req *HostRequest) ([]byte, bool, error) {
	api := s.api
	switch req.Method {
	case MethodGetChats:
		return encode(api.GetChats(ctx))

	case MethodGetCurrentChat:
		c, err := api.GetCurrentChat(ctx)
		if err != nil || c == nil {
			return nil, false, err
		}
		data, err := json.Marshal(c)
		return data, true, err

	case MethodAddMessage:
		var p struct {
			ChatID  string       `json:"chatId"`
			Message chat.Message `json:"message"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, false, err
		}
		return encode(api.AddMessage(ctx, p.ChatID, p.Message))

	case MethodShowNotification:
		var p struct {
			Title   string `json:"title"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, false, err
		}
		api.ShowNotification(ctx, p.Title, p.Message)
		return nil, true, nil

	case MethodRegisterCommand:
		var name string
		if err := json.Unmarshal(req.Params, &name); err != nil {
			return nil, false, err
		}
		err := api.RegisterCommand(ctx, name, func(ctx context.Context, args []string) error {
			return s.guest.command(ctx, name, args)
		})
		return nil, err == nil, err

	case MethodGetSettings:
		return encode(api.GetSettings(ctx))

	case MethodUpdateSettings:
		var patch map[string]any
		if err := json.Unmarshal(req.Params, &patch); err != nil {
			return nil, false, err
		}
		return encode(api.UpdateSettings(ctx, patch))

	case MethodStorageGet:
		var key string
		if err := json.Unmarshal(req.Params, &key); err != nil {
			return nil, false, err
		}
		v, ok, err := api.StorageGet(ctx, key)
		if err != nil || !ok {
			return nil, false, err
		}
		data, err := json.Marshal(v)
		return data, true, err

	case MethodStorageSet:
		var p struct {
			Key   string `json:"key"`
			Value any    `json:"value"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, false, err
		}
		return nil, true, api.StorageSet(ctx, p.Key, p.Value)

	case MethodStorageRemove:
		var key string
		if err := json.Unmarshal(req.Params, &key); err != nil {
			return nil, false, err
		}
		return nil, true, api.StorageRemove(ctx, key)

	case MethodGetConfig:
		data, err := json.Marshal(api.GetConfig(ctx))
		return data, true, err

	case MethodUpdateConfig:
		var patch map[string]any
		if err := json.Unmarshal(req.Params, &patch); err != nil {
			return nil, false, err
		}
		return encode(api.UpdateConfig(ctx, patch))

	case MethodOn:
		var event string
		if err := json.Unmarshal(req.Params, &event); err != nil {
			return nil, false, err
		}
		var handle string
		handle = api.On(ctx, event, func(ctx context.Context, data any) error {
			payload, err := marshal(data)
			if err != nil {
				return err
			}
			return s.guest.call(ctx, "Plugin.Event", &EventArgs{Handle: handle, Event: event, Data: payload})
		})
		data, err := json.Marshal(handle)
		return data, true, err

	case MethodOff:
		var handle string
		if err := json.Unmarshal(req.Params, &handle); err != nil {
			return nil, false, err
		}
		return nil, api.Off(ctx, handle), nil

	case MethodEmit:
		var p struct {
			Event string `json:"event"`
			Data  any    `json:"data"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, false, err
		}
		api.Emit(ctx, p.Event, p.Data)
		return nil, true, nil

	case MethodFetch:
		var fr plugin.FetchRequest
		if err := json.Unmarshal(req.Params, &fr); err != nil {
			return nil, false, err
		}
		return encode(api.Fetch(ctx, fr))

	default:
		s.logger.Warn().Str("method", req.Method).Msg("Unknown host method")
		return nil, false, fmt.Errorf("unknown host method %q", req.Method)
	}
}

func encode[T any](v T, err error) ([]byte, bool, error) {
	if err != nil {
		return nil, false, err
	}
	data, err := json.Marshal(v)
	return data, true, err
}
