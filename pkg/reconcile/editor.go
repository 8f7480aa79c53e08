package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/astromechza/keeplists/pkg/gateway"
	"github.com/astromechza/keeplists/pkg/lists"
	"github.com/astromechza/keeplists/pkg/realtime"
)

type State int

const (
	// StateViewing has no local edit buffer.
	StateViewing State = iota
	// StateEditing has a text buffer that differs from the store until it is confirmed.
	StateEditing
	// StateReconciling has a refetch triggered by a realtime event in flight.
	StateReconciling
)

func (s State) String() string {
	switch s {
	case StateEditing:
		return "editing"
	case StateReconciling:
		return "reconciling"
	default:
		return "viewing"
	}
}

// Capabilities says which mutation controls the view should enable.
type Capabilities struct {
	Rename              bool
	AddItem             bool
	EditItemText        bool
	ToggleItem          bool
	DeleteItem          bool
	ReorderItems        bool
	ManageCollaborators bool
	Delete              bool
}

// Editor is one open editing surface. The working copy of the list is the store entry; the editor
// only adds text buffers for the title, item texts and the new-item field. Buffers are committed on
// blur or close, never per keystroke.
type Editor struct {
	c      *Controller
	listID string

	mu          sync.Mutex
	title       *string
	itemText    map[string]string
	newItemText string
	closed      bool
	unsubs      []func()

	reconciling atomic.Int32
	release     sync.Once
}

func newEditor(c *Controller, listID string) *Editor {
	return &Editor{c: c, listID: listID, itemText: make(map[string]string)}
}

// attach joins the list's room and follows the events that concern it.
func (e *Editor) attach() {
	e.c.ch.JoinRoom(e.listID)
	onNotice := func(n realtime.Notice) {
		if n.ListID == e.listID {
			e.c.enqueue(job{listID: e.listID})
		}
	}
	unsubs := []func(){
		e.c.ch.OnListUpdated(func(changes realtime.Changes) {
			if id := changes.ListID(); id == "" || id == e.listID {
				e.c.enqueue(job{listID: e.listID})
			}
		}),
		e.c.ch.OnPermissionChanged(onNotice),
		e.c.ch.OnCollaboratorAdded(onNotice),
		e.c.ch.OnCollaboratorRemoved(onNotice),
	}
	e.mu.Lock()
	e.unsubs = unsubs
	e.mu.Unlock()
}

// detach leaves the room and drops subscriptions. It runs exactly once, on every exit path.
func (e *Editor) detach() {
	e.release.Do(func() {
		e.mu.Lock()
		e.closed = true
		unsubs := e.unsubs
		e.unsubs = nil
		e.mu.Unlock()
		for _, u := range unsubs {
			u()
		}
		e.c.ch.LeaveRoom(e.listID)
		e.c.detach(e)
	})
}

// abandon closes the editor without committing buffers, used when the list disappears.
func (e *Editor) abandon() {
	e.detach()
}

func (e *Editor) ListID() string {
	return e.listID
}

func (e *Editor) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Editor) State() State {
	if e.reconciling.Load() > 0 {
		return StateReconciling
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.title != nil || len(e.itemText) > 0 || e.newItemText != "" {
		return StateEditing
	}
	return StateViewing
}

// ServerList is the store entry without local buffers applied.
func (e *Editor) ServerList() (lists.List, bool) {
	return e.c.st.Get(e.listID)
}

// List is the working copy: the store entry with uncommitted text buffers laid over it.
func (e *Editor) List() (lists.List, bool) {
	l, ok := e.c.st.Get(e.listID)
	if !ok {
		return l, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.title != nil {
		l.Name = *e.title
	}
	for i, it := range l.Items {
		if txt, ok := e.itemText[it.ID]; ok {
			l.Items[i].Text = txt
		}
	}
	return l, true
}

func (e *Editor) Title() string {
	e.mu.Lock()
	buf := e.title
	e.mu.Unlock()
	if buf != nil {
		return *buf
	}
	l, _ := e.c.st.Get(e.listID)
	return l.Name
}

func (e *Editor) NewItemText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.newItemText
}

// Capabilities is derived from the current store entry on every call.
func (e *Editor) Capabilities() Capabilities {
	l, ok := e.c.st.Get(e.listID)
	if !ok || e.Closed() {
		return Capabilities{}
	}
	role := lists.RoleOf(l, e.c.userID)
	edit := role == lists.RoleOwner || role == lists.RoleEditor
	return Capabilities{
		Rename:              edit,
		AddItem:             edit,
		EditItemText:        edit,
		ToggleItem:          edit,
		DeleteItem:          edit,
		ReorderItems:        edit,
		ManageCollaborators: edit,
		Delete:              role == lists.RoleOwner,
	}
}

func (e *Editor) guard() (lists.List, error) {
	if e.Closed() {
		return lists.List{}, ErrEditorClosed
	}
	return e.c.editable(e.listID)
}

func (e *Editor) SetTitle(title string) error {
	if _, err := e.guard(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.title = &title
	return nil
}

func (e *Editor) SetItemText(itemID, text string) error {
	l, err := e.guard()
	if err != nil {
		return err
	}
	if _, ok := l.Item(itemID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.itemText[itemID] = text
	return nil
}

func (e *Editor) SetNewItemText(text string) error {
	if _, err := e.guard(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.newItemText = text
	return nil
}

// BlurTitle confirms the title buffer if it differs from the last known server value.
func (e *Editor) BlurTitle(ctx context.Context) error {
	l, err := e.guard()
	if err != nil {
		return err
	}
	e.mu.Lock()
	buf := e.title
	e.mu.Unlock()
	if buf == nil {
		return nil
	}
	title := *buf
	if title == l.Name {
		e.clearTitle(buf)
		return nil
	}
	if _, err := e.c.Rename(ctx, e.listID, title); err != nil {
		return err
	}
	e.clearTitle(buf)
	return nil
}

// clearTitle drops the buffer unless it was replaced by a newer keystroke meanwhile.
func (e *Editor) clearTitle(buf *string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.title == buf {
		e.title = nil
	}
}

// BlurItem confirms an item's text buffer if it differs from the last known server value.
func (e *Editor) BlurItem(ctx context.Context, itemID string) error {
	l, err := e.guard()
	if err != nil {
		return err
	}
	e.mu.Lock()
	text, dirty := e.itemText[itemID]
	e.mu.Unlock()
	if !dirty {
		return nil
	}
	it, ok := l.Item(itemID)
	if !ok {
		e.clearItemText(itemID, text)
		return fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	if it.Text == text {
		e.clearItemText(itemID, text)
		return nil
	}
	updated, err := e.c.gw.UpdateItem(ctx, e.listID, itemID, gateway.ItemUpdate{Text: &text})
	if err != nil {
		return e.c.failed("update_item", e.listID, err)
	}
	updated = e.c.confirm(updated)
	e.clearItemText(itemID, text)
	e.c.ch.SendUpdate(e.listID, realtime.Changes{"items": updated.Items})
	return nil
}

func (e *Editor) clearItemText(itemID, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.itemText[itemID]; ok && cur == text {
		delete(e.itemText, itemID)
	}
}

// AddItem appends the new-item buffer to the list. Blank text is ignored.
func (e *Editor) AddItem(ctx context.Context) error {
	if _, err := e.guard(); err != nil {
		return err
	}
	e.mu.Lock()
	text := e.newItemText
	e.mu.Unlock()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	updated, err := e.c.gw.AddItem(ctx, e.listID, text)
	if err != nil {
		return e.c.failed("add_item", e.listID, err)
	}
	updated = e.c.confirm(updated)
	e.mu.Lock()
	if e.newItemText == text {
		e.newItemText = ""
	}
	e.mu.Unlock()
	e.c.ch.SendUpdate(e.listID, realtime.Changes{"items": updated.Items})
	return nil
}

func (e *Editor) ToggleItem(ctx context.Context, itemID string) error {
	l, err := e.guard()
	if err != nil {
		return err
	}
	it, ok := l.Item(itemID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	completed := !it.Completed
	next := lists.Clone(l)
	for i := range next.Items {
		if next.Items[i].ID == itemID {
			next.Items[i].Completed = completed
		}
	}
	return e.mutate(ctx, "update_item", l, next, func(ctx context.Context) (lists.List, error) {
		return e.c.gw.UpdateItem(ctx, e.listID, itemID, gateway.ItemUpdate{Completed: &completed})
	})
}

func (e *Editor) DeleteItem(ctx context.Context, itemID string) error {
	l, err := e.guard()
	if err != nil {
		return err
	}
	if _, ok := l.Item(itemID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	next := lists.Clone(l)
	next.Items = next.Items[:0]
	for _, it := range l.Items {
		if it.ID != itemID {
			next.Items = append(next.Items, it)
		}
	}
	err = e.mutate(ctx, "delete_item", l, next, func(ctx context.Context) (lists.List, error) {
		return e.c.gw.DeleteItem(ctx, e.listID, itemID)
	})
	if err == nil {
		e.mu.Lock()
		delete(e.itemText, itemID)
		e.mu.Unlock()
	}
	return err
}

// MoveItem handles the end of a drag: fromID takes the position held by toID.
func (e *Editor) MoveItem(ctx context.Context, fromID, toID string) error {
	if fromID == toID {
		return nil
	}
	l, err := e.guard()
	if err != nil {
		return err
	}
	moved, err := lists.MoveItem(l.Items, fromID, toID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownItem, err)
	}
	return e.reorder(ctx, l, moved)
}

func (e *Editor) ReorderItems(ctx context.Context, itemIDs []string) error {
	l, err := e.guard()
	if err != nil {
		return err
	}
	ordered, err := lists.ReorderItems(l.Items, itemIDs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return e.reorder(ctx, l, ordered)
}

func (e *Editor) reorder(ctx context.Context, l lists.List, items []lists.Item) error {
	next := lists.Clone(l)
	next.Items = items
	ids := next.ItemIDs()
	return e.mutate(ctx, "reorder_items", l, next, func(ctx context.Context) (lists.List, error) {
		return e.c.gw.ReorderItems(ctx, e.listID, ids)
	})
}

func (e *Editor) mutate(ctx context.Context, op string, before, next lists.List, call func(context.Context) (lists.List, error)) error {
	updated, err := e.c.optimistic(ctx, op, before, next, call)
	if err != nil {
		return err
	}
	e.c.ch.SendUpdate(e.listID, realtime.Changes{"items": updated.Items})
	return nil
}

// Close commits dirty buffers and then leaves the list's room. The room is left even when a commit
// fails or the list is gone.
func (e *Editor) Close(ctx context.Context) error {
	defer e.detach()
	if e.Closed() {
		return nil
	}
	if _, err := e.c.editable(e.listID); err != nil {
		if errors.Is(err, ErrReadOnly) || errors.Is(err, ErrUnknownList) {
			return nil
		}
		return err
	}

	var errs []error
	if err := e.BlurTitle(ctx); err != nil {
		errs = append(errs, err)
	}
	e.mu.Lock()
	dirty := make([]string, 0, len(e.itemText))
	for id := range e.itemText {
		dirty = append(dirty, id)
	}
	e.mu.Unlock()
	for _, id := range dirty {
		if err := e.BlurItem(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.AddItem(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
