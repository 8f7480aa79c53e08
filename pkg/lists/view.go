package lists

import (
	"fmt"
	"strings"
)

type View string

const (
	ViewNotes        View = "notes"
	ViewArchived     View = "archived"
	ViewCollaborated View = "collaborated"
)

func ParseView(s string) (View, error) {
	switch v := View(s); v {
	case ViewNotes, ViewArchived, ViewCollaborated:
		return v, nil
	case "":
		return ViewNotes, nil
	default:
		return "", fmt.Errorf("unknown view %q", s)
	}
}

// InView reports whether the list belongs on the given page for the user.
func InView(l List, v View, userID string) bool {
	switch v {
	case ViewArchived:
		return l.Archived
	case ViewCollaborated:
		return l.Owner != userID && !l.Archived
	default:
		return !l.Archived
	}
}

// MatchesSearch is a case-insensitive substring match on the name and item text. An empty query
// matches everything.
func MatchesSearch(l List, query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(l.Name), q) {
		return true
	}
	for _, it := range l.Items {
		if strings.Contains(strings.ToLower(it.Text), q) {
			return true
		}
	}
	return false
}

func Filter(in []List, v View, query, userID string) []List {
	out := make([]List, 0, len(in))
	for _, l := range in {
		if InView(l, v, userID) && MatchesSearch(l, query) {
			out = append(out, l)
		}
	}
	return out
}

type Section string

const (
	SectionPinned   Section = "pinned"
	SectionPersonal Section = "personal"
	SectionShared   Section = "shared"
)

var sectionOrder = []Section{SectionPinned, SectionPersonal, SectionShared}

func SectionOf(l List, userID string) Section {
	switch {
	case l.Pinned:
		return SectionPinned
	case l.Owner == userID:
		return SectionPersonal
	default:
		return SectionShared
	}
}

// Sections groups the visible lists, keeping their relative order. Empty sections are omitted.
func Sections(visible []List, userID string) map[Section][]List {
	out := make(map[Section][]List)
	for _, l := range visible {
		s := SectionOf(l, userID)
		out[s] = append(out[s], l)
	}
	return out
}

// SectionNames returns the non-empty sections in display order.
func SectionNames(sections map[Section][]List) []Section {
	var out []Section
	for _, s := range sectionOrder {
		if len(sections[s]) > 0 {
			out = append(out, s)
		}
	}
	return out
}
