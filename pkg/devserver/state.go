package devserver

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/astromechza/keeplists/pkg/lists"
)

// apiError is answered to the client as {"message": msg} with the given status.
type apiError struct {
	code int
	msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d: %s", e.code, e.msg)
}

func fail(code int, msg string) error {
	return &apiError{code: code, msg: msg}
}

type account struct {
	ID           string `json:"_id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash []byte `json:"passwordHash"`
}

func (a account) ref() lists.UserRef {
	return lists.UserRef{ID: a.ID, Name: a.Name, Email: a.Email}
}

// state is the whole backend. Every read returns copies.
type state struct {
	mu       sync.Mutex
	accounts map[string]account
	byEmail  map[string]string
	tokens   map[string]string
	lists    map[string]lists.List
	// order is the global collection order, newest first.
	order []string
	// version increases on every mutation.
	version uint64

	cost int
	now  func() time.Time
}

func newState(cost int) *state {
	return &state{
		accounts: make(map[string]account),
		byEmail:  make(map[string]string),
		tokens:   make(map[string]string),
		lists:    make(map[string]lists.List),
		cost:     cost,
		now:      time.Now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *state) issueToken(accountID string) string {
	tok := uuid.NewString()
	s.tokens[tok] = accountID
	return tok
}

func (s *state) register(name, email, password string) (account, string, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return account{}, "", fail(http.StatusBadRequest, "Email and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return account{}, "", fmt.Errorf("failed to hash password: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[email]; ok {
		return account{}, "", fail(http.StatusBadRequest, "User already exists")
	}
	if strings.TrimSpace(name) == "" {
		name = email
	}
	a := account{ID: uuid.NewString(), Name: name, Email: email, PasswordHash: hash}
	s.accounts[a.ID] = a
	s.byEmail[email] = a.ID
	s.version++
	return a, s.issueToken(a.ID), nil
}

func (s *state) login(email, password string) (account, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return account{}, "", fail(http.StatusUnauthorized, "Invalid credentials")
	}
	a := s.accounts[id]
	if bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(password)) != nil {
		return account{}, "", fail(http.StatusUnauthorized, "Invalid credentials")
	}
	return a, s.issueToken(a.ID), nil
}

func (s *state) authenticate(token string) (account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[token]
	if !ok || token == "" {
		return account{}, fail(http.StatusUnauthorized, "Invalid token")
	}
	a, ok := s.accounts[id]
	if !ok {
		return account{}, fail(http.StatusUnauthorized, "Invalid token")
	}
	return a, nil
}

// collection returns the lists the user owns or was granted, in collection order.
func (s *state) collection(userID string) []lists.List {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectionLocked(userID)
}

func (s *state) collectionLocked(userID string) []lists.List {
	out := make([]lists.List, 0)
	for _, id := range s.order {
		if l := s.lists[id]; lists.CanView(l, userID) {
			out = append(out, lists.Clone(l))
		}
	}
	return out
}

func (s *state) canView(userID, listID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[listID]
	return ok && lists.CanView(l, userID)
}

// authorizeLocked loads the list and checks the user holds at least the needed role.
func (s *state) authorizeLocked(userID, listID string, need lists.Role) (lists.List, error) {
	l, ok := s.lists[listID]
	if !ok {
		return lists.List{}, fail(http.StatusNotFound, "List not found")
	}
	role := lists.RoleOf(l, userID)
	switch {
	case role == lists.RoleNone:
		return lists.List{}, fail(http.StatusForbidden, "Access denied")
	case role < need && need == lists.RoleOwner:
		return lists.List{}, fail(http.StatusForbidden, "Only the owner can do this")
	case role < need:
		return lists.List{}, fail(http.StatusForbidden, "You do not have permission to edit this list")
	}
	return l, nil
}

func (s *state) get(userID, listID string) (lists.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.authorizeLocked(userID, listID, lists.RoleViewer)
	return lists.Clone(l), err
}

// update applies fn to a copy of the list and stores the result when fn succeeds.
func (s *state) update(userID, listID string, need lists.Role, fn func(l *lists.List) error) (lists.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.authorizeLocked(userID, listID, need)
	if err != nil {
		return lists.List{}, err
	}
	next := lists.Clone(l)
	if err := fn(&next); err != nil {
		return lists.List{}, err
	}
	for i := range next.Items {
		next.Items[i].Order = i
	}
	next.UpdatedAt = s.now().UTC()
	s.lists[listID] = next
	s.version++
	return lists.Clone(next), nil
}

func (s *state) create(userID, name string) lists.List {
	if strings.TrimSpace(name) == "" {
		name = lists.DefaultName
	}
	now := s.now().UTC()
	l := lists.List{
		ID:            uuid.NewString(),
		Name:          name,
		Owner:         userID,
		Collaborators: []lists.Grant{},
		Items:         []lists.Item{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[l.ID] = l
	s.order = slices.Insert(s.order, 0, l.ID)
	s.version++
	return lists.Clone(l)
}

func (s *state) remove(userID, listID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.authorizeLocked(userID, listID, lists.RoleOwner); err != nil {
		return err
	}
	delete(s.lists, listID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == listID })
	s.version++
	return nil
}

func (s *state) rename(userID, listID, name string) (lists.List, error) {
	return s.update(userID, listID, lists.RoleEditor, func(l *lists.List) error {
		if strings.TrimSpace(name) == "" {
			return fail(http.StatusBadRequest, "Name is required")
		}
		l.Name = name
		return nil
	})
}

func (s *state) addItem(userID, listID, text string) (lists.List, error) {
	return s.update(userID, listID, lists.RoleEditor, func(l *lists.List) error {
		if strings.TrimSpace(text) == "" {
			return fail(http.StatusBadRequest, "Item text is required")
		}
		l.Items = append(l.Items, lists.Item{ID: uuid.NewString(), Text: text})
		return nil
	})
}

func (s *state) updateItem(userID, listID, itemID string, text *string, completed *bool) (lists.List, error) {
	return s.update(userID, listID, lists.RoleEditor, func(l *lists.List) error {
		i := slices.IndexFunc(l.Items, func(it lists.Item) bool { return it.ID == itemID })
		if i < 0 {
			return fail(http.StatusNotFound, "Item not found")
		}
		if text != nil {
			l.Items[i].Text = *text
		}
		if completed != nil {
			l.Items[i].Completed = *completed
		}
		return nil
	})
}

func (s *state) deleteItem(userID, listID, itemID string) (lists.List, error) {
	return s.update(userID, listID, lists.RoleEditor, func(l *lists.List) error {
		i := slices.IndexFunc(l.Items, func(it lists.Item) bool { return it.ID == itemID })
		if i < 0 {
			return fail(http.StatusNotFound, "Item not found")
		}
		l.Items = slices.Delete(l.Items, i, i+1)
		return nil
	})
}

func (s *state) reorderItems(userID, listID string, itemIDs []string) (lists.List, error) {
	return s.update(userID, listID, lists.RoleEditor, func(l *lists.List) error {
		items, err := lists.ReorderItems(l.Items, itemIDs)
		if err != nil {
			return fail(http.StatusBadRequest, "Item ids must match the list items")
		}
		l.Items = items
		return nil
	})
}

func (s *state) setArchived(userID, listID string, archived bool) (lists.List, error) {
	return s.update(userID, listID, lists.RoleEditor, func(l *lists.List) error {
		l.Archived = archived
		return nil
	})
}

func (s *state) setPinned(userID, listID string, pinned bool) (lists.List, error) {
	return s.update(userID, listID, lists.RoleEditor, func(l *lists.List) error {
		l.Pinned = pinned
		return nil
	})
}

func (s *state) accountByEmailLocked(email string) (account, bool) {
	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return account{}, false
	}
	return s.accounts[id], true
}

func (s *state) addCollaborator(userID, listID, email string) (lists.List, error) {
	s.mu.Lock()
	target, found := s.accountByEmailLocked(email)
	s.mu.Unlock()
	return s.update(userID, listID, lists.RoleEditor, func(l *lists.List) error {
		if !found {
			return fail(http.StatusNotFound, "User not found")
		}
		if target.ID == l.Owner {
			return fail(http.StatusBadRequest, "The owner cannot be added as a collaborator")
		}
		if _, ok := l.Grant(target.ID); ok {
			return fail(http.StatusBadRequest, "User is already a collaborator")
		}
		l.Collaborators = append(l.Collaborators, lists.Grant{User: target.ref(), Permission: lists.PermissionEdit})
		return nil
	})
}

func (s *state) removeCollaborator(userID, listID, email string) (lists.List, error) {
	return s.update(userID, listID, lists.RoleEditor, func(l *lists.List) error {
		email = normalizeEmail(email)
		i := slices.IndexFunc(l.Collaborators, func(g lists.Grant) bool { return g.User.Email == email })
		if i < 0 {
			return fail(http.StatusNotFound, "Collaborator not found")
		}
		l.Collaborators = slices.Delete(l.Collaborators, i, i+1)
		return nil
	})
}

func (s *state) setPermission(userID, listID, email string, permission lists.Permission) (lists.List, error) {
	return s.update(userID, listID, lists.RoleEditor, func(l *lists.List) error {
		if !permission.Valid() {
			return fail(http.StatusBadRequest, "Permission must be view or edit")
		}
		email = normalizeEmail(email)
		i := slices.IndexFunc(l.Collaborators, func(g lists.Grant) bool { return g.User.Email == email })
		if i < 0 {
			return fail(http.StatusNotFound, "Collaborator not found")
		}
		l.Collaborators[i].Permission = permission
		return nil
	})
}

// reorderLists rearranges the user's own collection. ids must name exactly the lists the user can
// see; lists the user cannot see keep their global positions.
func (s *state) reorderLists(userID string, ids []string) ([]lists.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mine := lists.IDs(s.collectionLocked(userID))
	order, err := lists.SpliceSection(s.order, mine, ids)
	if err != nil {
		return nil, fail(http.StatusBadRequest, "List ids must match the user's lists")
	}
	s.order = order
	for i, id := range s.order {
		l := s.lists[id]
		pos := i
		l.Order = &pos
		s.lists[id] = l
	}
	s.version++
	return s.collectionLocked(userID), nil
}
