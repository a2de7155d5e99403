package domain

import "fmt"

// RoleKind distinguishes the built-in pseudo roles from locally defined ones.
type RoleKind int

const (
	RoleKindAnonymous RoleKind = iota
	RoleKindAuthenticated
	RoleKindSystem
	RoleKindNamed
)

// Role is a tagged role value. System roles (admin, owner, creator) are
// global conventions; named roles are defined per deployment (member,
// manager, ...).
type Role struct {
	Kind RoleKind
	Name string
}

var (
	Anonymous     = Role{Kind: RoleKindAnonymous, Name: "anonymous"}
	Authenticated = Role{Kind: RoleKindAuthenticated, Name: "authenticated"}
	Admin         = Role{Kind: RoleKindSystem, Name: "admin"}
	Owner         = Role{Kind: RoleKindSystem, Name: "owner"}
	Creator       = Role{Kind: RoleKindSystem, Name: "creator"}
	Manager       = Role{Kind: RoleKindNamed, Name: "manager"}
	Member        = Role{Kind: RoleKindNamed, Name: "member"}
)

// NamedRole builds a deployment-defined role.
func NamedRole(name string) Role {
	return Role{Kind: RoleKindNamed, Name: name}
}

// CommunityMemberRole is the role every member of a community holds.
func CommunityMemberRole(communityID uint) Role {
	return NamedRole(fmt.Sprintf("community:%d:member", communityID))
}

// CommunityManagerRole is the role community managers hold.
func CommunityManagerRole(communityID uint) Role {
	return NamedRole(fmt.Sprintf("community:%d:manager", communityID))
}

// ParseRole resolves a role name back to its tagged value.
func ParseRole(name string) Role {
	switch name {
	case Anonymous.Name:
		return Anonymous
	case Authenticated.Name:
		return Authenticated
	case Admin.Name, Owner.Name, Creator.Name:
		return Role{Kind: RoleKindSystem, Name: name}
	default:
		return NamedRole(name)
	}
}

func (r Role) String() string {
	return r.Name
}

// Token is the stable string placed in the index's allowed_roles_and_users
// field for this role.
func (r Role) Token() string {
	return "role:" + r.Name
}

// Assignable reports whether the role can be granted explicitly. The
// anonymous/authenticated pseudo roles and creator/owner are derived, never
// assigned.
func (r Role) Assignable() bool {
	if r.Kind == RoleKindAnonymous || r.Kind == RoleKindAuthenticated {
		return false
	}
	return r != Owner && r != Creator
}

// Permission names an action subject to access control.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// Principal identifies the caller of an operation. A zero UserID means the
// anonymous principal. Manager marks callers exempt from search filtering.
type Principal struct {
	UserID  uint
	Name    string
	Manager bool
}

// AnonymousPrincipal is the principal used when no identity was presented.
var AnonymousPrincipal = Principal{}

func (p Principal) IsAnonymous() bool {
	return p.UserID == 0
}

// Token is the stable string identifying this principal in the index.
func (p Principal) Token() string {
	return fmt.Sprintf("user:%d", p.UserID)
}
