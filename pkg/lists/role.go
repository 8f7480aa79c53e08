package lists

type Role int

const (
	RoleNone Role = iota
	RoleViewer
	RoleEditor
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleEditor:
		return "editor"
	case RoleViewer:
		return "viewer"
	default:
		return "none"
	}
}

// RoleOf derives the capability of a user on a list from the owner field and the matching grant.
// It is recomputed on every call; nothing caches the result.
func RoleOf(l List, userID string) Role {
	if userID == "" {
		return RoleNone
	}
	if l.Owner == userID {
		return RoleOwner
	}
	g, ok := l.Grant(userID)
	if !ok {
		return RoleNone
	}
	switch g.Permission {
	case PermissionEdit:
		return RoleEditor
	case PermissionView:
		return RoleViewer
	default:
		return RoleNone
	}
}

// CanEdit reports whether the user may change the title, the items and the collaborators.
func CanEdit(l List, userID string) bool {
	r := RoleOf(l, userID)
	return r == RoleOwner || r == RoleEditor
}

func CanView(l List, userID string) bool {
	return RoleOf(l, userID) != RoleNone
}

// IsOwner gates deletion and ownership changes.
func IsOwner(l List, userID string) bool {
	return RoleOf(l, userID) == RoleOwner
}
