// Package lists holds the checklist data model shared by the store, the gateway and the controller.
package lists

import (
	"slices"
	"sort"
	"strings"
	"time"
)

const DefaultName = "Untitled List"

type Permission string

const (
	PermissionView Permission = "view"
	PermissionEdit Permission = "edit"
)

func (p Permission) Valid() bool {
	return p == PermissionView || p == PermissionEdit
}

type UserRef struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Grant binds a collaborator to a list.
type Grant struct {
	User       UserRef    `json:"userId"`
	Permission Permission `json:"permission"`
}

type Item struct {
	ID        string `json:"itemId"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
	Order     int    `json:"order"`
}

type List struct {
	ID            string    `json:"listId"`
	Name          string    `json:"name"`
	Owner         string    `json:"owner"`
	Collaborators []Grant   `json:"collaborators"`
	Items         []Item    `json:"items"`
	Archived      bool      `json:"archived"`
	Pinned        bool      `json:"pinned"`
	Order         *int      `json:"order,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so that callers may hold it across mutations of the original.
func Clone(l List) List {
	out := l
	if l.Collaborators != nil {
		out.Collaborators = slices.Clone(l.Collaborators)
	}
	if l.Items != nil {
		out.Items = slices.Clone(l.Items)
	}
	if l.Order != nil {
		o := *l.Order
		out.Order = &o
	}
	return out
}

func CloneAll(in []List) []List {
	if in == nil {
		return nil
	}
	out := make([]List, len(in))
	for i, l := range in {
		out[i] = Clone(l)
	}
	return out
}

// Normalize enforces the model invariants on a list received from the backend: the owner never
// appears as a collaborator, each user has at most one grant, and items are in order.
func Normalize(l List) List {
	out := Clone(l)
	if len(out.Collaborators) > 0 {
		seen := make(map[string]bool, len(out.Collaborators))
		grants := make([]Grant, 0, len(out.Collaborators))
		for _, g := range out.Collaborators {
			if g.User.ID == out.Owner || seen[g.User.ID] {
				continue
			}
			seen[g.User.ID] = true
			grants = append(grants, g)
		}
		out.Collaborators = grants
	}
	sort.SliceStable(out.Items, func(i, j int) bool {
		return out.Items[i].Order < out.Items[j].Order
	})
	return out
}

func (l List) Item(itemID string) (Item, bool) {
	for _, it := range l.Items {
		if it.ID == itemID {
			return it, true
		}
	}
	return Item{}, false
}

func (l List) Grant(userID string) (Grant, bool) {
	for _, g := range l.Collaborators {
		if g.User.ID == userID {
			return g, true
		}
	}
	return Grant{}, false
}

// GrantByEmail matches emails case-insensitively; the backend stores them lower-cased.
func (l List) GrantByEmail(email string) (Grant, bool) {
	email = strings.TrimSpace(email)
	for _, g := range l.Collaborators {
		if strings.EqualFold(g.User.Email, email) {
			return g, true
		}
	}
	return Grant{}, false
}

func (l List) ItemIDs() []string {
	out := make([]string, len(l.Items))
	for i, it := range l.Items {
		out[i] = it.ID
	}
	return out
}

func IDs(in []List) []string {
	out := make([]string, len(in))
	for i, l := range in {
		out[i] = l.ID
	}
	return out
}
