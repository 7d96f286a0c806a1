package auth

import "strings"

// Role is a closed set. String names arriving from storage or token claims are
// normalized through ParseRole; anything outside the set carries no capabilities.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
)

// Capability is a fine-grained action a role may perform.
type Capability string

const (
	CapabilityRead        Capability = "read"
	CapabilityWrite       Capability = "write"
	CapabilityDelete      Capability = "delete"
	CapabilityManageUsers Capability = "manage_users"
)

var roleCapabilities = map[Role]map[Capability]struct{}{
	RoleAdmin: {
		CapabilityRead:        {},
		CapabilityWrite:       {},
		CapabilityDelete:      {},
		CapabilityManageUsers: {},
	},
	RoleModerator: {
		CapabilityRead:  {},
		CapabilityWrite: {},
	},
	RoleUser: {
		CapabilityRead: {},
	},
}

// ParseRole normalizes a role name. The boolean reports whether the name is
// part of the closed set.
func ParseRole(name string) (Role, bool) {
	role := Role(strings.TrimSpace(strings.ToLower(name)))
	_, ok := roleCapabilities[role]
	return role, ok
}

// Valid reports whether the role belongs to the closed set.
func (r Role) Valid() bool {
	_, ok := roleCapabilities[r]
	return ok
}

// HasCapability is a pure membership test. Unknown roles have no capabilities.
func (r Role) HasCapability(c Capability) bool {
	caps, ok := roleCapabilities[r]
	if !ok {
		return false
	}
	_, ok = caps[c]
	return ok
}

// Capabilities returns the capability set of the role, empty for unknown roles.
func (r Role) Capabilities() []Capability {
	caps := roleCapabilities[r]
	out := make([]Capability, 0, len(caps))
	for c := range caps {
		out = append(out, c)
	}
	return out
}

// RequireCapability is the guard form used by route handlers. It never
// downgrades: a role outside the closed set fails like any other miss.
func RequireCapability(role Role, c Capability) error {
	if !role.HasCapability(c) {
		return ErrInsufficientPermission
	}
	return nil
}
