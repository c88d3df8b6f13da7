package plugin

import (
	"context"
	"time"
)

// Permission is a capability tag a plugin must declare to use the
// corresponding host function.
type Permission string

const (
	PermissionMessagesRead  Permission = "messages:read"
	PermissionMessagesWrite Permission = "messages:write"
	PermissionChatsRead     Permission = "chats:read"
	PermissionChatsWrite    Permission = "chats:write"
	PermissionSettingsRead  Permission = "settings:read"
	PermissionSettingsWrite Permission = "settings:write"
	PermissionNetworkFetch  Permission = "network:fetch"
	PermissionStorageRead   Permission = "storage:read"
	PermissionStorageWrite  Permission = "storage:write"
)

// ValidPermissions is a set of all valid permissions
var ValidPermissions = map[Permission]bool{
	PermissionMessagesRead:  true,
	PermissionMessagesWrite: true,
	PermissionChatsRead:     true,
	PermissionChatsWrite:    true,
	PermissionSettingsRead:  true,
	PermissionSettingsWrite: true,
	PermissionNetworkFetch:  true,
	PermissionStorageRead:   true,
	PermissionStorageWrite:  true,
}

// Hook names dispatched by the host.
const (
	HookBeforeSendMessage   = "beforeSendMessage"
	HookAfterReceiveMessage = "afterReceiveMessage"
	HookChatCreated         = "onChatCreated"
	HookChatDeleted         = "onChatDeleted"
	HookCommand             = "onCommand"
)

// Events emitted by the manager.
const (
	EventPluginLoaded   = "plugin:loaded"
	EventPluginUnloaded = "plugin:unloaded"
	EventPluginToggled  = "plugin:toggled"
)

// Runtime names understood by the manager.
const (
	RuntimeLua     = "lua"
	RuntimeRPC     = "rpc"
	RuntimeBuiltin = "builtin"
)

// Manifest is the identity and policy declaration of a plugin.
type Manifest struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Version      string            `json:"version" yaml:"version"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Author       string            `json:"author,omitempty" yaml:"author,omitempty"`
	Enabled      bool              `json:"enabled" yaml:"enabled"`
	Permissions  []Permission      `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Config       map[string]any    `json:"config,omitempty" yaml:"config,omitempty"`
	Main         string            `json:"main" yaml:"main"`
	Runtime      string            `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	Hooks        []string          `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"` // id -> semver constraint
}

// Clone returns a copy of the manifest that shares no slices or maps.
func (m Manifest) Clone() Manifest {
	out := m
	out.Permissions = append([]Permission(nil), m.Permissions...)
	out.Hooks = append([]string(nil), m.Hooks...)
	if m.Config != nil {
		out.Config = make(map[string]any, len(m.Config))
		for k, v := range m.Config {
			out.Config[k] = v
		}
	}
	if m.Dependencies != nil {
		out.Dependencies = make(map[string]string, len(m.Dependencies))
		for k, v := range m.Dependencies {
			out.Dependencies[k] = v
		}
	}
	return out
}

// HookFunc handles a hook. Returning a nil value leaves the dispatched
// payload unchanged.
type HookFunc func(ctx context.Context, payload any, args ...any) (any, error)

// CommandFunc handles a routed slash command.
type CommandFunc func(ctx context.Context, args []string) error

// EventHandler receives data emitted on a plugin event.
type EventHandler func(ctx context.Context, data any) error

// Module is the object produced by evaluating plugin source. Every field
// is optional.
type Module struct {
	Initialize func(ctx context.Context, api API) error
	Cleanup    func(ctx context.Context) error
	OnEnable   func(ctx context.Context) error
	OnDisable  func(ctx context.Context) error
	Hooks      map[string]HookFunc

	// Close releases runtime resources (interpreter state, child process).
	// It runs after Cleanup on unload and on a failed load.
	Close func() error
}

// Source is plugin code to evaluate.
type Source struct {
	Path string
	Code []byte
}

// DiscoveredPlugin represents a plugin found during discovery
type DiscoveredPlugin struct {
	ID           string
	Path         string
	ManifestPath string
}

// LoadResult contains the results of loading plugins
type LoadResult struct {
	Loaded  []string         // Successfully loaded plugin IDs
	Failed  []string         // Failed plugin IDs
	Skipped []string         // Skipped plugin IDs (dependency issues)
	Errors  map[string]error // Errors by plugin ID
}

// Info describes a loaded plugin for listing.
type Info struct {
	Manifest Manifest
	Commands []string
	Hooks    []string
	LoadedAt time.Time
	Path     string
}

// DependencyGraph represents plugin dependencies
type DependencyGraph struct {
	Nodes map[string]*Manifest
	Edges map[string][]string // pluginId -> dependencies
}
