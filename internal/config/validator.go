package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/harun/nouschat/pkg/plugin"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePolicy validates the plugin permission policy
func (v *Validator) ValidatePolicy(policy string) error {
	switch policy {
	case "", PolicyAllowAll, PolicyAllowlist:
		return nil
	}
	return fmt.Errorf("invalid plugin policy: %s (must be one of: %s, %s)", policy, PolicyAllowAll, PolicyAllowlist)
}

// ValidatePermissions checks that every entry names a known capability tag
func (v *Validator) ValidatePermissions(field string, perms []string) error {
	for _, p := range perms {
		if !plugin.ValidPermissions[plugin.Permission(p)] {
			return fmt.Errorf("%s: unknown permission %q", field, p)
		}
	}
	return nil
}

// ValidateHost validates a fetch allow-list entry. Entries are bare host
// names; ports are not matched.
func (v *Validator) ValidateHost(host string) error {
	if strings.TrimSpace(host) == "" {
		return fmt.Errorf("fetch host cannot be empty")
	}
	if strings.Contains(host, "://") || strings.ContainsAny(host, "/?# ") {
		return fmt.Errorf("invalid fetch host %q: expected a host name, not a URL", host)
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return fmt.Errorf("invalid fetch host %q: ports are not allowed", host)
	}
	return nil
}

// ValidateAddr validates a listen address
func (v *Validator) ValidateAddr(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if cfg.Logging.MaxSize < 0 {
		errors = append(errors, fmt.Errorf("logging.max_size must be >= 0"))
	}

	p := cfg.Plugins
	if err := v.ValidatePolicy(p.Policy); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidatePermissions("plugins.allow_permissions", p.AllowPermissions); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidatePermissions("plugins.deny_permissions", p.DenyPermissions); err != nil {
		errors = append(errors, err)
	}
	if p.HookTimeoutMs <= 0 {
		errors = append(errors, fmt.Errorf("plugins.hook_timeout_ms must be > 0"))
	}
	if p.WatchDebounceMs < 0 {
		errors = append(errors, fmt.Errorf("plugins.watch_debounce_ms must be >= 0"))
	}
	if p.Lua.CallStackSize < 0 || p.Lua.RegistryMaxSize < 0 {
		errors = append(errors, fmt.Errorf("plugins.lua sizes must be >= 0"))
	}
	if p.Lua.EvalTimeoutMs < 0 || p.Lua.CallbackTimeoutMs < 0 {
		errors = append(errors, fmt.Errorf("plugins.lua timeouts must be >= 0"))
	}
	if p.RPC.StartTimeoutMs < 0 || p.RPC.CommandTimeoutMs < 0 {
		errors = append(errors, fmt.Errorf("plugins.rpc timeouts must be >= 0"))
	}
	for _, dir := range p.Dirs {
		if strings.TrimSpace(dir) == "" {
			errors = append(errors, fmt.Errorf("plugins.dirs: empty directory"))
		}
	}

	if cfg.Fetch.TimeoutSeconds <= 0 {
		errors = append(errors, fmt.Errorf("fetch.timeout_seconds must be > 0"))
	}
	for _, host := range cfg.Fetch.AllowedHosts {
		if err := v.ValidateHost(host); err != nil {
			errors = append(errors, err)
		}
	}

	if cfg.Metrics.Enabled {
		if err := v.ValidateAddr(cfg.Metrics.Addr); err != nil {
			errors = append(errors, err)
		}
	}

	return errors
}
