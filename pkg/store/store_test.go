package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/keeplists/pkg/lists"
)

func sample() []lists.List {
	return []lists.List{
		{ID: "L1", Name: "Groceries", Owner: "me", Items: []lists.Item{{ID: "i1", Text: "Milk"}}},
		{ID: "L2", Name: "Trip", Owner: "you"},
		{ID: "L3", Name: "Old", Owner: "me", Archived: true},
	}
}

func TestReplaceAll_ClearsFlags(t *testing.T) {
	s := New()
	s.SetLoading(true)
	s.SetError("Failed to load notes")

	s.ReplaceAll(sample())

	st := s.Snapshot()
	assert.False(t, st.Loading)
	assert.Empty(t, st.Error)
	assert.Equal(t, []string{"L1", "L2", "L3"}, lists.IDs(st.Lists))
}

func TestUpsert_OnlyReplacesExisting(t *testing.T) {
	s := New()
	s.ReplaceAll(sample())

	assert.True(t, s.Upsert(lists.List{ID: "L2", Name: "Renamed", Owner: "you"}))
	assert.False(t, s.Upsert(lists.List{ID: "L9", Name: "Ghost"}))

	l, ok := s.Get("L2")
	require.True(t, ok)
	assert.Equal(t, "Renamed", l.Name)
	_, ok = s.Get("L9")
	assert.False(t, ok)
	assert.Len(t, s.All(), 3)
}

func TestInsertAndRemove(t *testing.T) {
	s := New()
	s.ReplaceAll(sample())

	s.Insert(lists.List{ID: "L0", Name: "New"})
	assert.Equal(t, []string{"L0", "L1", "L2", "L3"}, lists.IDs(s.All()))

	assert.True(t, s.Remove("L2"))
	assert.False(t, s.Remove("L2"))
	assert.Equal(t, []string{"L0", "L1", "L3"}, lists.IDs(s.All()))
}

func TestReadsAreCopies(t *testing.T) {
	s := New()
	s.ReplaceAll(sample())

	l, _ := s.Get("L1")
	l.Items[0].Text = "changed"
	all := s.All()
	all[0].Name = "changed"

	l, _ = s.Get("L1")
	assert.Equal(t, "Milk", l.Items[0].Text)
	assert.Equal(t, "Groceries", l.Name)
}

func TestVisible(t *testing.T) {
	s := New()
	s.ReplaceAll(sample())

	assert.Equal(t, []string{"L1", "L2"}, lists.IDs(s.Visible("me")))

	s.SetView(lists.ViewArchived)
	assert.Equal(t, []string{"L3"}, lists.IDs(s.Visible("me")))

	s.SetView(lists.ViewCollaborated)
	assert.Equal(t, []string{"L2"}, lists.IDs(s.Visible("me")))

	s.SetView(lists.ViewNotes)
	s.SetSearch("milk")
	assert.Equal(t, []string{"L1"}, lists.IDs(s.Visible("me")))
}

func TestSubscribe(t *testing.T) {
	s := New()
	var got []State
	cancel := s.Subscribe(func(st State) { got = append(got, st) })

	s.ReplaceAll(sample())
	s.Upsert(lists.List{ID: "missing"})
	s.Remove("L1")
	cancel()
	s.Remove("L2")

	require.Len(t, got, 2)
	assert.Len(t, got[0].Lists, 3)
	assert.Len(t, got[1].Lists, 2)
}

func TestSetLists_KeepsFlags(t *testing.T) {
	s := New()
	s.ReplaceAll(sample())
	s.SetLoading(true)
	s.SetError("Failed to load notes")

	s.SetLists(sample()[:1])

	st := s.Snapshot()
	assert.Len(t, st.Lists, 1)
	assert.True(t, st.Loading)
	assert.Equal(t, "Failed to load notes", st.Error)
}

func TestClear(t *testing.T) {
	s := New()
	s.ReplaceAll(sample())
	s.SetSearch("x")
	s.SetView(lists.ViewArchived)

	s.Clear()

	st := s.Snapshot()
	assert.Empty(t, st.Lists)
	assert.Empty(t, st.Search)
	assert.Equal(t, lists.ViewNotes, st.View)
}
