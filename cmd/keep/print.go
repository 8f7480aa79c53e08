package main

import (
	"fmt"
	"io"

	"github.com/astromechza/keeplists/pkg/lists"
)

func progress(l lists.List) string {
	done := 0
	for _, it := range l.Items {
		if it.Completed {
			done++
		}
	}
	return fmt.Sprintf("%d/%d", done, len(l.Items))
}

func printSections(w io.Writer, visible []lists.List, userID string) {
	sections := lists.Sections(visible, userID)
	names := lists.SectionNames(sections)
	if len(names) == 0 {
		fmt.Fprintln(w, "no lists")
		return
	}
	for _, s := range names {
		fmt.Fprintf(w, "%s:\n", s)
		for _, l := range sections[s] {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", l.ID, l.Name, progress(l), lists.RoleOf(l, userID))
		}
	}
}

func printList(w io.Writer, l lists.List, userID string) {
	fmt.Fprintf(w, "%s (%s, %s)\n", l.Name, l.ID, lists.RoleOf(l, userID))
	for i, it := range l.Items {
		mark := " "
		if it.Completed {
			mark = "x"
		}
		fmt.Fprintf(w, "  %d. [%s] %s\n", i+1, mark, it.Text)
	}
	for _, g := range l.Collaborators {
		fmt.Fprintf(w, "  shared with %s <%s> (%s)\n", g.User.Name, g.User.Email, g.Permission)
	}
}
