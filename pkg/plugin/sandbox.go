package plugin

import (
	"sort"
)

// PermissionPolicy decides whether a plugin may be loaded with the given
// permission set.
type PermissionPolicy func(pluginID string, permissions []Permission) bool

// AllowAll grants every declared permission.
func AllowAll() PermissionPolicy {
	return func(string, []Permission) bool { return true }
}

// AllowList rejects any denied permission and, when allowed is non-empty,
// any permission not listed in it.
func AllowList(allowed, denied []Permission) PermissionPolicy {
	denySet := make(map[Permission]bool, len(denied))
	for _, d := range denied {
		denySet[d] = true
	}
	allowSet := make(map[Permission]bool, len(allowed))
	for _, a := range allowed {
		allowSet[a] = true
	}

	return func(_ string, permissions []Permission) bool {
		for _, perm := range permissions {
			if denySet[perm] {
				return false
			}
			if len(allowSet) > 0 && !allowSet[perm] {
				return false
			}
		}
		return true
	}
}

// SandboxContext enforces permission-based access control for one plugin
type SandboxContext struct {
	pluginID    string
	permissions map[Permission]bool
}

// NewSandboxContext creates a new sandbox context with the given permissions
func NewSandboxContext(pluginID string, permissions []Permission) *SandboxContext {
	permMap := make(map[Permission]bool)
	for _, perm := range permissions {
		permMap[perm] = true
	}
	return &SandboxContext{
		pluginID:    pluginID,
		permissions: permMap,
	}
}

// CheckPermission checks if the plugin has the required permission
func (s *SandboxContext) CheckPermission(permission Permission) bool {
	return s.permissions[permission]
}

// RequirePermission returns a *PermissionError if the plugin lacks the permission
func (s *SandboxContext) RequirePermission(permission Permission) error {
	if !s.CheckPermission(permission) {
		return &PermissionError{PluginID: s.pluginID, Permission: permission}
	}
	return nil
}

// GetPermissions returns all permissions granted to the plugin, sorted
func (s *SandboxContext) GetPermissions() []Permission {
	perms := make([]Permission, 0, len(s.permissions))
	for perm := range s.permissions {
		perms = append(perms, perm)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	return perms
}
