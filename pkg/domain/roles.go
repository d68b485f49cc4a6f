package domain

// Role defines the sender of a message.
type Role string

const (
	// RoleUser indicates a message from the user.
	RoleUser Role = "user"
	// RoleAssistant indicates a message from the model/assistant.
	RoleAssistant Role = "assistant"
	// RoleTool indicates a tool result.
	RoleTool Role = "tool"
	// RoleSystem indicates a system-level message (e.g. an awaiting-confirmation notice).
	RoleSystem Role = "system"
)

// Message content types.
const (
	ContentTypeText       = "text"
	ContentTypeToolCall   = "tool_call"
	ContentTypeToolResult = "tool_result"
)

// Permission is a capability a caller must hold to see or invoke a tool.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// PermissionSet is an unordered set of permissions.
type PermissionSet map[Permission]bool

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = true
	}
	return set
}

// Contains reports whether every permission in other is held by s.
func (s PermissionSet) Contains(other PermissionSet) bool {
	for p := range other {
		if !s[p] {
			return false
		}
	}
	return true
}

// List returns the permissions in the set. Order is unspecified.
func (s PermissionSet) List() []Permission {
	perms := make([]Permission, 0, len(s))
	for p := range s {
		perms = append(perms, p)
	}
	return perms
}
