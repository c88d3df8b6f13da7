package plugin

import (
	"context"
	"time"

	"github.com/harun/nouschat/pkg/chat"
	"github.com/rs/zerolog"
)

// API is the capability context handed to a plugin's initialize function.
// Each call is checked against the calling plugin's own permission set.
type API interface {
	// PluginID returns the id of the plugin this API is bound to
	PluginID() string

	// Chat access
	GetChats(ctx context.Context) ([]chat.Chat, error)
	GetCurrentChat(ctx context.Context) (*chat.Chat, error)
	AddMessage(ctx context.Context, chatID string, msg chat.Message) (chat.Message, error)

	// ShowNotification is fire-and-forget
	ShowNotification(ctx context.Context, title, message string)

	// RegisterCommand binds a slash command to this plugin
	RegisterCommand(ctx context.Context, name string, handler CommandFunc) error

	// Host settings
	GetSettings(ctx context.Context) (map[string]any, error)
	UpdateSettings(ctx context.Context, patch map[string]any) (map[string]any, error)

	// Plugin-scoped storage
	StorageGet(ctx context.Context, key string) (any, bool, error)
	StorageSet(ctx context.Context, key string, value any) error
	StorageRemove(ctx context.Context, key string) error

	// Plugin config
	GetConfig(ctx context.Context) map[string]any
	UpdateConfig(ctx context.Context, patch map[string]any) (map[string]any, error)

	// Events
	On(ctx context.Context, event string, handler EventHandler) string
	Off(ctx context.Context, handle string) bool
	Emit(ctx context.Context, event string, data any)

	// Fetch performs a gated HTTP request
	Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error)
}

// ChatHost is the host chat state the capability API exposes.
type ChatHost interface {
	Chats(ctx context.Context) ([]chat.Chat, error)
	CurrentChat(ctx context.Context) (*chat.Chat, error)
	AddMessage(ctx context.Context, chatID string, msg chat.Message) (chat.Message, error)
	Settings(ctx context.Context) (map[string]any, error)
	UpdateSettings(ctx context.Context, patch map[string]any) (map[string]any, error)
}

// Notifier is the host notification surface.
type Notifier interface {
	ShowFrom(source, title, message string)
}

// Env is the allow-list handed to an evaluator. Each plugin gets its own.
type Env struct {
	PluginID string
	Logger   zerolog.Logger
	Fetch    func(ctx context.Context, req FetchRequest) (*FetchResponse, error)
}

// Evaluator turns plugin source into a Module.
type Evaluator interface {
	Evaluate(ctx context.Context, src Source, manifest *Manifest, env Env) (*Module, error)
}

// Recorder receives plugin host measurements.
type Recorder interface {
	PluginLoad(pluginID, outcome string)
	HookInvocation(hook, pluginID, outcome string, d time.Duration)
	CommandExecution(command string, handled bool)
}

type nopRecorder struct{}

func (nopRecorder) PluginLoad(string, string)                            {}
func (nopRecorder) HookInvocation(string, string, string, time.Duration) {}
func (nopRecorder) CommandExecution(string, bool)                        {}
