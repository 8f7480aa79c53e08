package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/astromechza/keeplists/pkg/lists"
)

// DraftItem is a pending row on the create surface. ID is local only.
type DraftItem struct {
	ID   string
	Text string
}

// Draft collects a new list before anything is sent. Close creates it in one batch.
type Draft struct {
	c *Controller

	mu      sync.Mutex
	title   string
	items   []DraftItem
	pending string
	closed  bool
}

func (c *Controller) NewDraft() *Draft {
	return &Draft{c: c}
}

func (d *Draft) SetTitle(title string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.title = title
}

func (d *Draft) SetPendingText(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = text
}

// AddItem moves the pending text into the item list. Blank text is ignored.
func (d *Draft) AddItem() (DraftItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if strings.TrimSpace(d.pending) == "" {
		return DraftItem{}, false
	}
	it := DraftItem{ID: uuid.NewString(), Text: d.pending}
	d.items = append(d.items, it)
	d.pending = ""
	return it, true
}

func (d *Draft) RemoveItem(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := slices.IndexFunc(d.items, func(it DraftItem) bool { return it.ID == id })
	if i < 0 {
		return false
	}
	d.items = slices.Delete(d.items, i, i+1)
	return true
}

func (d *Draft) Items() []DraftItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.items)
}

// Close creates the list when the draft has any content: createList, then one addItem per pending
// item in order (the unsubmitted pending text last), then one getList whose result is inserted into
// the store. A failed addItem is logged and the rest continue; items already added stay.
func (d *Draft) Close(ctx context.Context) (lists.List, bool, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return lists.List{}, false, nil
	}
	d.closed = true
	title := d.title
	texts := make([]string, 0, len(d.items)+1)
	for _, it := range d.items {
		texts = append(texts, it.Text)
	}
	if strings.TrimSpace(d.pending) != "" {
		texts = append(texts, d.pending)
	}
	d.mu.Unlock()

	if strings.TrimSpace(title) == "" && len(texts) == 0 {
		return lists.List{}, false, nil
	}
	name := title
	if strings.TrimSpace(name) == "" {
		name = lists.DefaultName
	}

	c := d.c
	created, err := c.gw.CreateList(ctx, name)
	if err != nil {
		return lists.List{}, false, c.failed("create_list", "", err)
	}
	c.logger.Info("created list", "list", created.ID, "items", len(texts))

	var errs []error
	for i, text := range texts {
		if _, err := c.gw.AddItem(ctx, created.ID, text); err != nil {
			errs = append(errs, c.failed("add_item", created.ID, fmt.Errorf("item %d: %w", i, err)))
		}
	}

	full, err := c.gw.GetList(ctx, created.ID)
	if err != nil {
		errs = append(errs, c.failed("get_list", created.ID, err))
		c.enqueue(job{})
		return lists.List{}, true, errors.Join(errs...)
	}
	full = lists.Normalize(full)
	c.st.Insert(full)
	return full, true, errors.Join(errs...)
}
