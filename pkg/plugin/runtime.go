package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Factory builds a builtin module for one plugin.
type Factory func(env Env) (*Module, error)

// BuiltinRuntime evaluates modules compiled into the host. The manifest's
// main entry names the registered factory.
type BuiltinRuntime struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var _ Evaluator = (*BuiltinRuntime)(nil)

// NewBuiltinRuntime creates an empty builtin runtime
func NewBuiltinRuntime() *BuiltinRuntime {
	return &BuiltinRuntime{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous one
func (b *BuiltinRuntime) Register(name string, factory Factory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factories[name] = factory
}

// Names returns the registered module names, sorted
func (b *BuiltinRuntime) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.factories))
	for name := range b.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate builds the module registered under manifest.Main
func (b *BuiltinRuntime) Evaluate(ctx context.Context, src Source, manifest *Manifest, env Env) (*Module, error) {
	b.mu.RLock()
	factory, ok := b.factories[manifest.Main]
	b.mu.RUnlock()

	if !ok {
		return nil, &EvaluationError{
			PluginID: manifest.ID,
			Err:      fmt.Errorf("no builtin module named %q", manifest.Main),
		}
	}

	var module *Module
	err := safeCall(func() error {
		var err error
		module, err = factory(env)
		return err
	})
	if err != nil {
		return nil, &EvaluationError{PluginID: manifest.ID, Err: err}
	}
	return module, nil
}
