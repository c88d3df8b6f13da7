// Package rpc runs plugins as separate processes over hashicorp/go-plugin.
// The host dispenses the guest's Plugin service and serves the capability
// API back to it through the mux broker. Payloads cross the boundary as
// JSON and errors as strings.
package rpc

import (
	"encoding/json"
	"errors"
	"net/rpc"

	"github.com/harun/nouschat/pkg/plugin"
	goplugin "github.com/hashicorp/go-plugin"
)

// Handshake is used to verify that the plugin and host are compatible
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "NOUSCHAT_PLUGIN",
	MagicCookieValue: "nouschat-plugin-v1",
}

// PluginName is the name the guest service is dispensed under.
const PluginName = "plugin"

// PluginMap is the map of plugins the host can dispense.
var PluginMap = map[string]goplugin.Plugin{
	PluginName: &GuestPlugin{},
}

// GuestPlugin is the go-plugin binding. Impl is set on the guest side only.
type GuestPlugin struct {
	Impl Plugin
}

// Server returns the guest's RPC receiver.
func (p *GuestPlugin) Server(b *goplugin.MuxBroker) (interface{}, error) {
	return &guestServer{impl: p.Impl, broker: b}, nil
}

// Client returns the host's handle on the guest.
func (p *GuestPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &guestClient{client: c, broker: b}, nil
}

// DescribeReply lists the hooks a guest handles.
type DescribeReply struct {
	Hooks []string
	Error string
}

// InitializeArgs carries the broker id the host API is served on.
type InitializeArgs struct {
	HostID   uint32
	PluginID string
}

// LifecycleArgs names a lifecycle call: cleanup, onEnable or onDisable.
type LifecycleArgs struct {
	Stage string
}

// HookArgs is a hook invocation. Payload and Args are JSON.
type HookArgs struct {
	Name    string
	Payload []byte
	Args    [][]byte
}

// CommandArgs routes a slash command to the guest.
type CommandArgs struct {
	Name string
	Args []string
}

// EventArgs delivers a subscribed event to the guest.
type EventArgs struct {
	Handle string
	Event  string
	Data   []byte
}

// Reply is the generic response. Data is JSON; an empty Data from a hook
// leaves the payload unchanged.
type Reply struct {
	Data  []byte
	Error string
}

// HostRequest is a capability API call from the guest.
type HostRequest struct {
	Method string
	Params []byte
}

// HostReply carries the result of a HostRequest. Denied is set when the
// call was refused by the permission gate.
type HostReply struct {
	Data       []byte
	Found      bool
	Error      string
	Denied     bool
	Permission string
	Reason     string
}

// Host API methods.
const (
	MethodGetChats         = "getChats"
	MethodGetCurrentChat   = "getCurrentChat"
	MethodAddMessage       = "addMessage"
	MethodShowNotification = "showNotification"
	MethodRegisterCommand  = "registerCommand"
	MethodGetSettings      = "getSettings"
	MethodUpdateSettings   = "updateSettings"
	MethodStorageGet       = "storage.get"
	MethodStorageSet       = "storage.set"
	MethodStorageRemove    = "storage.remove"
	MethodGetConfig        = "getConfig"
	MethodUpdateConfig     = "updateConfig"
	MethodOn               = "on"
	MethodOff              = "off"
	MethodEmit             = "emit"
	MethodFetch            = "fetch"
)

// RemoteError is an error returned by the other side of the connection.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func remoteError(msg string) error {
	if msg == "" {
		return nil
	}
	return &RemoteError{Message: msg}
}

// hostReplyError rebuilds the typed error of a HostReply.
func hostReplyError(pluginID string, r *HostReply) error {
	if r.Denied {
		return &plugin.PermissionError{
			PluginID:   pluginID,
			Permission: plugin.Permission(r.Permission),
			Reason:     r.Reason,
		}
	}
	return remoteError(r.Error)
}

// fillHostError records err on the reply, keeping permission details.
func fillHostError(reply *HostReply, err error) {
	if err == nil {
		return
	}
	var permErr *plugin.PermissionError
	if errors.As(err, &permErr) {
		reply.Denied = true
		reply.Permission = string(permErr.Permission)
		reply.Reason = permErr.Reason
	}
	reply.Error = err.Error()
}

func marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
