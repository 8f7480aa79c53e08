package lists

import (
	"errors"
	"fmt"
	"slices"
)

var ErrSectionMismatch = errors.New("reordered ids do not match the section")

// MoveItem returns a copy of items with the element fromID moved to the index currently held by
// toID. Order fields are recomputed densely.
func MoveItem(items []Item, fromID, toID string) ([]Item, error) {
	from := slices.IndexFunc(items, func(it Item) bool { return it.ID == fromID })
	to := slices.IndexFunc(items, func(it Item) bool { return it.ID == toID })
	if from < 0 || to < 0 {
		return nil, fmt.Errorf("unknown item in move %s -> %s", fromID, toID)
	}
	out := slices.Clone(items)
	moved := out[from]
	out = slices.Delete(out, from, from+1)
	out = slices.Insert(out, to, moved)
	renumber(out)
	return out, nil
}

// ReorderItems arranges items in the order given by ids. ids must be a permutation of the item ids.
func ReorderItems(items []Item, ids []string) ([]Item, error) {
	if !isPermutation(itemIDs(items), ids) {
		return nil, fmt.Errorf("item ids are not a permutation of the list items")
	}
	byID := make(map[string]Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	out := make([]Item, len(ids))
	for i, id := range ids {
		out[i] = byID[id]
	}
	renumber(out)
	return out, nil
}

// ArrangeLists returns a deep copy of in ordered by ids. Lists missing from ids keep their relative
// order after the ordered ones.
func ArrangeLists(in []List, ids []string) []List {
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	out := CloneAll(in)
	slices.SortStableFunc(out, func(a, b List) int {
		pa, oka := pos[a.ID]
		pb, okb := pos[b.ID]
		switch {
		case oka && okb:
			return pa - pb
		case oka:
			return -1
		case okb:
			return 1
		default:
			return 0
		}
	})
	return out
}

// SpliceSection writes the reordered ids back into the slots that the section's ids occupy in full.
// Every id outside the section keeps its absolute position.
func SpliceSection(full, section, reordered []string) ([]string, error) {
	if !isPermutation(section, reordered) {
		return nil, ErrSectionMismatch
	}
	inSection := make(map[string]bool, len(section))
	for _, id := range section {
		inSection[id] = true
	}
	out := slices.Clone(full)
	next := 0
	for i, id := range out {
		if !inSection[id] {
			continue
		}
		out[i] = reordered[next]
		next++
	}
	if next != len(reordered) {
		return nil, ErrSectionMismatch
	}
	return out, nil
}

func renumber(items []Item) {
	for i := range items {
		items[i].Order = i
	}
}

func itemIDs(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func isPermutation(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, id := range a {
		counts[id]++
	}
	for _, id := range b {
		counts[id]--
		if counts[id] < 0 {
			return false
		}
	}
	for _, c := range counts {
		if c != 0 {
			return false
		}
	}
	return true
}
