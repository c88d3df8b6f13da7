package plugin

import (
	"errors"
	"fmt"
)

var (
	// ErrPluginNotFound is returned when a plugin id is not loaded
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrAlreadyLoaded is returned when loading an id that occupies a registry slot
	ErrAlreadyLoaded = errors.New("plugin already loaded")

	// ErrCommandExists is returned when a command name is already registered
	ErrCommandExists = errors.New("command already registered")

	// ErrHookTimeout marks a hook handler that did not finish in time
	ErrHookTimeout = errors.New("hook timed out")

	// ErrUnknownRuntime is returned when no evaluator matches a manifest
	ErrUnknownRuntime = errors.New("unknown plugin runtime")

	// ErrDependencyMissing is returned when a required plugin is not loaded
	ErrDependencyMissing = errors.New("dependency not loaded")

	// ErrReservedKey is returned for storage keys owned by the host
	ErrReservedKey = errors.New("reserved storage key")
)

// Load stages reported by LoadError.
const (
	StageManifest     = "manifest"
	StagePermissions  = "permissions"
	StageDependencies = "dependencies"
	StageEvaluation   = "evaluation"
	StageRegister     = "register"
	StageInitialize   = "initialize"
)

// Lifecycle stages reported by LifecycleError.
const (
	StageCleanup   = "cleanup"
	StageOnEnable  = "onEnable"
	StageOnDisable = "onDisable"
)

// PermissionError reports a capability used without being declared or
// allowed.
type PermissionError struct {
	PluginID   string
	Permission Permission
	Reason     string
}

func (e *PermissionError) Error() string {
	switch {
	case e.Permission == "":
		return fmt.Sprintf("plugin %s: permission denied: %s", e.PluginID, e.Reason)
	case e.Reason != "":
		return fmt.Sprintf("plugin %s: permission denied: %s: %s", e.PluginID, e.Permission, e.Reason)
	default:
		return fmt.Sprintf("plugin %s: permission denied: %s", e.PluginID, e.Permission)
	}
}

// EvaluationError reports plugin source that failed to parse or run.
type EvaluationError struct {
	PluginID string
	Err      error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("plugin %s: evaluation failed: %v", e.PluginID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// LoadError wraps any failure during the load sequence.
type LoadError struct {
	PluginID string
	Stage    string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load plugin %s (%s): %v", e.PluginID, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// HookExecutionError reports a handler that failed or timed out during dispatch.
type HookExecutionError struct {
	PluginID string
	Hook     string
	Timeout  bool
	Err      error
}

func (e *HookExecutionError) Error() string {
	return fmt.Sprintf("plugin %s: hook %s failed: %v", e.PluginID, e.Hook, e.Err)
}

func (e *HookExecutionError) Unwrap() error { return e.Err }

// LifecycleError reports a failed cleanup, onEnable or onDisable call.
type LifecycleError struct {
	PluginID string
	Stage    string
	Err      error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("plugin %s: %s failed: %v", e.PluginID, e.Stage, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }
