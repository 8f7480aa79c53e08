// Package store holds the in-memory snapshot of every list visible to the session.
//
// Every mutation replaces a whole list value (or the whole collection) under one lock. Readers get
// deep copies, so a value obtained from the store is never changed behind the caller's back.
package store

import (
	"slices"
	"sync"

	"github.com/astromechza/keeplists/pkg/lists"
)

// State is a point-in-time copy of the store.
type State struct {
	Lists   []lists.List
	Loading bool
	Error   string
	Search  string
	View    lists.View
}

type Store struct {
	mu        sync.Mutex
	lists     []lists.List
	loading   bool
	err       string
	search    string
	view      lists.View
	listeners map[int]func(State)
	nextID    int
}

func New() *Store {
	return &Store{view: lists.ViewNotes, listeners: make(map[int]func(State))}
}

// Subscribe registers fn to receive a copy of the state after every mutation.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// mutate runs fn under the lock and then notifies listeners outside it.
func (s *Store) mutate(fn func() bool) bool {
	s.mu.Lock()
	changed := fn()
	var (
		state     State
		listeners []func(State)
	)
	if changed && len(s.listeners) > 0 {
		state = s.snapshotLocked()
		for _, l := range s.listeners {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l(state)
	}
	return changed
}

func (s *Store) snapshotLocked() State {
	return State{
		Lists:   lists.CloneAll(s.lists),
		Loading: s.loading,
		Error:   s.err,
		Search:  s.search,
		View:    s.view,
	}
}

func (s *Store) indexLocked(id string) int {
	return slices.IndexFunc(s.lists, func(l lists.List) bool { return l.ID == id })
}

// ReplaceAll swaps in a freshly fetched collection and clears the loading and error flags.
func (s *Store) ReplaceAll(in []lists.List) {
	s.mutate(func() bool {
		s.lists = lists.CloneAll(in)
		if s.lists == nil {
			s.lists = []lists.List{}
		}
		s.loading = false
		s.err = ""
		return true
	})
}

// SetLists swaps the collection and leaves the loading and error flags alone. Used for local
// reordering and its rollback.
func (s *Store) SetLists(in []lists.List) {
	s.mutate(func() bool {
		s.lists = lists.CloneAll(in)
		if s.lists == nil {
			s.lists = []lists.List{}
		}
		return true
	})
}

// Upsert replaces the entry with the same id. It does nothing when the list is not present;
// new lists go through Insert.
func (s *Store) Upsert(l lists.List) bool {
	return s.mutate(func() bool {
		i := s.indexLocked(l.ID)
		if i < 0 {
			return false
		}
		s.lists[i] = lists.Clone(l)
		return true
	})
}

// Insert prepends a newly created list.
func (s *Store) Insert(l lists.List) {
	s.mutate(func() bool {
		s.lists = slices.Insert(s.lists, 0, lists.Clone(l))
		return true
	})
}

func (s *Store) Remove(id string) bool {
	return s.mutate(func() bool {
		i := s.indexLocked(id)
		if i < 0 {
			return false
		}
		s.lists = slices.Delete(s.lists, i, i+1)
		return true
	})
}

func (s *Store) SetLoading(v bool) {
	s.mutate(func() bool {
		s.loading = v
		return true
	})
}

func (s *Store) SetError(msg string) {
	s.mutate(func() bool {
		s.err = msg
		return true
	})
}

func (s *Store) ClearError() {
	s.SetError("")
}

func (s *Store) SetSearch(q string) {
	s.mutate(func() bool {
		s.search = q
		return true
	})
}

func (s *Store) SetView(v lists.View) {
	s.mutate(func() bool {
		s.view = v
		return true
	})
}

// Clear drops everything the session loaded. Used on logout.
func (s *Store) Clear() {
	s.mutate(func() bool {
		s.lists = []lists.List{}
		s.loading = false
		s.err = ""
		s.search = ""
		s.view = lists.ViewNotes
		return true
	})
}

func (s *Store) Get(id string) (lists.List, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return lists.List{}, false
	}
	return lists.Clone(s.lists[i]), true
}

func (s *Store) All() []lists.List {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lists.CloneAll(s.lists)
}

func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Visible returns the lists shown for the current view and search query.
func (s *Store) Visible(userID string) []lists.List {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lists.CloneAll(lists.Filter(s.lists, s.view, s.search, userID))
}
