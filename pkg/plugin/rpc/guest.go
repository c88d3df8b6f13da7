package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/rpc"
	"sync"
	"sync/atomic"

	"github.com/harun/nouschat/pkg/chat"
	"github.com/harun/nouschat/pkg/plugin"
	goplugin "github.com/hashicorp/go-plugin"
)

// Plugin is implemented by plugin executables. Embed Base for no-op
// lifecycle methods.
type Plugin interface {
	// Hooks names the hooks Hook is called for
	Hooks() []string
	Initialize(ctx context.Context, host *Host) error
	Cleanup(ctx context.Context) error
	OnEnable(ctx context.Context) error
	OnDisable(ctx context.Context) error

	// Hook returns the replacement payload, or nil to leave it unchanged
	Hook(ctx context.Context, name string, payload json.RawMessage, args []json.RawMessage) (json.RawMessage, error)
}

// Base provides empty lifecycle methods.
type Base struct{}

func (Base) Hooks() []string                                  { return nil }
func (Base) Initialize(ctx context.Context, host *Host) error { return nil }
func (Base) Cleanup(ctx context.Context) error                { return nil }
func (Base) OnEnable(ctx context.Context) error               { return nil }
func (Base) OnDisable(ctx context.Context) error              { return nil }

func (Base) Hook(ctx context.Context, name string, payload json.RawMessage, args []json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

// Serve runs impl as a plugin process. It blocks until the host
// disconnects.
func Serve(impl Plugin) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			PluginName: &GuestPlugin{Impl: impl},
		},
	})
}

// guestServer is the guest-side RPC receiver for the Plugin service.
type guestServer struct {
	impl   Plugin
	broker *goplugin.MuxBroker
	host   atomic.Pointer[Host]
}

func (s *guestServer) Describe(_ interface{}, reply *DescribeReply) error {
	reply.Hooks = s.impl.Hooks()
	return nil
}

func (s *guestServer) Initialize(args *InitializeArgs, reply *Reply) error {
	conn, err := s.broker.Dial(args.HostID)
	if err != nil {
		reply.Error = fmt.Sprintf("failed to dial host: %v", err)
		return nil
	}
	host := newHost(rpc.NewClient(conn), args.PluginID)
	s.host.Store(host)
	reply.Error = errorString(s.impl.Initialize(context.Background(), host))
	return nil
}

func (s *guestServer) Lifecycle(args *LifecycleArgs, reply *Reply) error {
	ctx := context.Background()
	var err error
	switch args.Stage {
	case plugin.StageCleanup:
		err = s.impl.Cleanup(ctx)
		if host := s.host.Swap(nil); host != nil {
			host.close()
		}
	case plugin.StageOnEnable:
		err = s.impl.OnEnable(ctx)
	case plugin.StageOnDisable:
		err = s.impl.OnDisable(ctx)
	default:
		err = fmt.Errorf("unknown lifecycle stage %q", args.Stage)
	}
	reply.Error = errorString(err)
	return nil
}

func (s *guestServer) Hook(args *HookArgs, reply *Reply) error {
	extra := make([]json.RawMessage, len(args.Args))
	for i, a := range args.Args {
		extra[i] = a
	}
	out, err := s.impl.Hook(context.Background(), args.Name, args.Payload, extra)
	reply.Data = out
	reply.Error = errorString(err)
	return nil
}

func (s *guestServer) Command(args *CommandArgs, reply *Reply) error {
	host := s.host.Load()
	if host == nil {
		reply.Error = "plugin is not initialized"
		return nil
	}
	reply.Error = errorString(host.runCommand(args.Name, args.Args))
	return nil
}

func (s *guestServer) Event(args *EventArgs, reply *Reply) error {
	host := s.host.Load()
	if host == nil {
		reply.Error = "plugin is not initialized"
		return nil
	}
	reply.Error = errorString(host.deliver(args.Handle, args.Data))
	return nil
}

// Host is the guest's client for the host capability API. Calls denied by
// the permission gate return a *plugin.PermissionError.
type Host struct {
	client   *rpc.Client
	pluginID string

	mu       sync.RWMutex
	commands map[string]func(ctx context.Context, args []string) error
	handlers map[string]func(ctx context.Context, data json.RawMessage) error
}

func newHost(client *rpc.Client, pluginID string) *Host {
	return &Host{
		client:   client,
		pluginID: pluginID,
		commands: make(map[string]func(context.Context, []string) error),
		handlers: make(map[string]func(context.Context, json.RawMessage) error),
	}
}

func (h *Host) close() {
	_ = h.client.Close()
}

// invoke calls a host method. out may be nil; found reports whether the
// host had a value to return.
func (h *Host) invoke(ctx context.Context, method string, params, out any) (bool, error) {
	data, err := marshal(params)
	if err != nil {
		return false, err
	}
	var reply HostReply
	call := h.client.Go("Plugin.Invoke", &HostRequest{Method: method, Params: data}, &reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-call.Done:
		if call.Error != nil {
			return false, call.Error
		}
	}
	if reply.Error != "" {
		return false, hostReplyError(h.pluginID, &reply)
	}
	if out != nil && len(reply.Data) > 0 {
		if err := json.Unmarshal(reply.Data, out); err != nil {
			return false, fmt.Errorf("failed to decode %s reply: %w", method, err)
		}
	}
	return reply.Found, nil
}

// PluginID returns the id the host loaded this plugin as.
func (h *Host) PluginID() string { return h.pluginID }

// GetChats lists all chats.
func (h *Host) GetChats(ctx context.Context) ([]chat.Chat, error) {
	var chats []chat.Chat
	_, err := h.invoke(ctx, MethodGetChats, nil, &chats)
	return chats, err
}

// GetCurrentChat returns the current chat, or nil when there is none.
func (h *Host) GetCurrentChat(ctx context.Context) (*chat.Chat, error) {
	var c chat.Chat
	found, err := h.invoke(ctx, MethodGetCurrentChat, nil, &c)
	if err != nil || !found {
		return nil, err
	}
	return &c, nil
}

// AddMessage appends a message to a chat.
func (h *Host) AddMessage(ctx context.Context, chatID string, msg chat.Message) (chat.Message, error) {
	var out chat.Message
	_, err := h.invoke(ctx, MethodAddMessage, map[string]any{"chatId": chatID, "message": msg}, &out)
	return out, err
}

// ShowNotification posts a notification.
func (h *Host) ShowNotification(ctx context.Context, title, message string) error {
	_, err := h.invoke(ctx, MethodShowNotification, map[string]string{"title": title, "message": message}, nil)
	return err
}

// RegisterCommand binds a slash command to fn.
func (h *Host) RegisterCommand(ctx context.Context, name string, fn func(ctx context.Context, args []string) error) error {
	if _, err := h.invoke(ctx, MethodRegisterCommand, name, nil); err != nil {
		return err
	}
	h.mu.Lock()
	h.commands[name] = fn
	h.mu.Unlock()
	return nil
}

func (h *Host) runCommand(name string, args []string) error {
	h.mu.RLock()
	fn, ok := h.commands[name]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown command %q", name)
	}
	return fn(context.Background(), args)
}

// GetSettings returns the application settings.
func (h *Host) GetSettings(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	_, err := h.invoke(ctx, MethodGetSettings, nil, &out)
	return out, err
}

// UpdateSettings merges patch into the settings.
func (h *Host) UpdateSettings(ctx context.Context, patch map[string]any) (map[string]any, error) {
	var out map[string]any
	_, err := h.invoke(ctx, MethodUpdateSettings, patch, &out)
	return out, err
}

// StorageGet decodes the stored value into out and reports whether the key
// exists.
func (h *Host) StorageGet(ctx context.Context, key string, out any) (bool, error) {
	return h.invoke(ctx, MethodStorageGet, key, out)
}

// StorageSet stores a JSON-serializable value.
func (h *Host) StorageSet(ctx context.Context, key string, value any) error {
	_, err := h.invoke(ctx, MethodStorageSet, map[string]any{"key": key, "value": value}, nil)
	return err
}

// StorageRemove deletes a key.
func (h *Host) StorageRemove(ctx context.Context, key string) error {
	_, err := h.invoke(ctx, MethodStorageRemove, key, nil)
	return err
}

// GetConfig returns the plugin's effective configuration.
func (h *Host) GetConfig(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	_, err := h.invoke(ctx, MethodGetConfig, nil, &out)
	return out, err
}

// UpdateConfig merges patch into the plugin's configuration.
func (h *Host) UpdateConfig(ctx context.Context, patch map[string]any) (map[string]any, error) {
	var out map[string]any
	_, err := h.invoke(ctx, MethodUpdateConfig, patch, &out)
	return out, err
}

// On subscribes fn to an event and returns its handle.
func (h *Host) On(ctx context.Context, event string, fn func(ctx context.Context, data json.RawMessage) error) (string, error) {
	var handle string
	// held across the call so a delivery cannot miss the new handle
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.invoke(ctx, MethodOn, event, &handle); err != nil {
		return "", err
	}
	h.handlers[handle] = fn
	return handle, nil
}

// Off removes a subscription.
func (h *Host) Off(ctx context.Context, handle string) (bool, error) {
	found, err := h.invoke(ctx, MethodOff, handle, nil)
	h.mu.Lock()
	delete(h.handlers, handle)
	h.mu.Unlock()
	return found, err
}

// Emit publishes an event to every subscriber.
func (h *Host) Emit(ctx context.Context, event string, data any) error {
	_, err := h.invoke(ctx, MethodEmit, map[string]any{"event": event, "data": data}, nil)
	return err
}

func (h *Host) deliver(handle string, data json.RawMessage) error {
	h.mu.RLock()
	fn, ok := h.handlers[handle]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return fn(context.Background(), data)
}

// Fetch performs an HTTP request through the host.
func (h *Host) Fetch(ctx context.Context, req plugin.FetchRequest) (*plugin.FetchResponse, error) {
	var out plugin.FetchResponse
	if _, err := h.invoke(ctx, MethodFetch, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
