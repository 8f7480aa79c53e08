// Package reconcile decides when local list state is trusted and when it defers to the backend.
//
// View intents are applied optimistically to the store, confirmed with one gateway call and either
// replaced by the server's answer or rolled back to the exact prior snapshot. Realtime events never
// patch state; they queue a refetch that replaces the affected store slice wholesale, which converges
// no matter how events and confirmations interleave.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/astromechza/keeplists/pkg/gateway"
	"github.com/astromechza/keeplists/pkg/lists"
	"github.com/astromechza/keeplists/pkg/realtime"
	"github.com/astromechza/keeplists/pkg/store"
)

// Channel is the part of the realtime channel the controller drives.
type Channel interface {
	JoinRoom(listID string)
	LeaveRoom(listID string)
	SendUpdate(listID string, changes realtime.Changes)
	SendCollaboratorAdded(listID, userID string)
	SendCollaboratorRemoved(listID, userID string)
	SendPermissionChanged(listID, userID string, permission lists.Permission)
	OnListUpdated(fn func(realtime.Changes)) func()
	OnCollaboratorAdded(fn func(realtime.Notice)) func()
	OnCollaboratorRemoved(fn func(realtime.Notice)) func()
	OnPermissionChanged(fn func(realtime.Notice)) func()
}

var _ Channel = (*realtime.Channel)(nil)

const collectionLoadError = "Failed to load notes"

type Options struct {
	Gateway gateway.Gateway
	Channel Channel
	Store   *store.Store
	// UserID and UserEmail identify the session user for capability checks.
	UserID    string
	UserEmail string
	Logger    *slog.Logger
	Metrics   *Metrics
	// QueueSize bounds the refetch queue fed by realtime events. Defaults to 64.
	QueueSize int
}

type job struct {
	// listID is empty for a collection refetch.
	listID string
}

type Controller struct {
	gw      gateway.Gateway
	ch      Channel
	st      *store.Store
	userID  string
	email   string
	logger  *slog.Logger
	metrics *Metrics
	work    chan job

	mu     sync.Mutex
	editor *Editor
}

func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Controller{
		gw:      opts.Gateway,
		ch:      opts.Channel,
		st:      opts.Store,
		userID:  opts.UserID,
		email:   opts.UserEmail,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		work:    make(chan job, opts.QueueSize),
	}
}

func (c *Controller) Store() *store.Store {
	return c.st
}

func (c *Controller) UserID() string {
	return c.userID
}

// Role is evaluated fresh from the list's owner and grants every time it is asked.
func (c *Controller) Role(l lists.List) lists.Role {
	return lists.RoleOf(l, c.userID)
}

func (c *Controller) CanEdit(l lists.List) bool {
	return lists.CanEdit(l, c.userID)
}

// Refresh loads the whole collection and replaces the store with it.
func (c *Controller) Refresh(ctx context.Context) error {
	c.st.SetLoading(true)
	all, err := c.gw.GetAllLists(ctx)
	if err != nil {
		c.metrics.gatewayError("get_all_lists", err)
		c.logger.Error("failed to fetch lists", "err", err)
		c.st.SetError(collectionLoadError)
		c.st.SetLoading(false)
		return fmt.Errorf("failed to fetch lists: %w", err)
	}
	for i := range all {
		all[i] = lists.Normalize(all[i])
	}
	c.st.ReplaceAll(all)
	return nil
}

// Start subscribes the collection view to collaborator, permission and content events. Each event
// queues an independent refetch for Run. The returned func unsubscribes.
func (c *Controller) Start() (stop func()) {
	onNotice := func(kind string) func(realtime.Notice) {
		return func(n realtime.Notice) {
			c.logger.Debug("realtime event", "event", kind, "list", n.ListID)
			c.enqueue(job{})
		}
	}
	unsubs := []func(){
		c.ch.OnCollaboratorAdded(onNotice(realtime.EventCollaboratorAdded)),
		c.ch.OnCollaboratorRemoved(onNotice(realtime.EventCollaboratorRemoved)),
		c.ch.OnPermissionChanged(onNotice(realtime.EventPermissionChanged)),
		c.ch.OnListUpdated(func(changes realtime.Changes) {
			c.logger.Debug("realtime event", "event", realtime.EventListUpdated, "list", changes.ListID())
			c.enqueue(job{})
		}),
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
		})
	}
}

// enqueue never blocks the socket reader. A dropped job is safe: whatever is already queued refetches
// at least as recent a state.
func (c *Controller) enqueue(j job) {
	select {
	case c.work <- j:
	default:
		c.logger.Warn("refetch queue full, dropping event", "list", j.listID)
	}
}

// Run executes queued refetches one at a time until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case j := <-c.work:
			c.reconcile(ctx, j)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Controller) reconcile(ctx context.Context, j job) {
	if j.listID == "" {
		c.metrics.refetch("collection")
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn("collection refetch failed", "err", err)
		}
		return
	}

	c.metrics.refetch("list")
	ed := c.openEditor(j.listID)
	if ed != nil {
		ed.reconciling.Add(1)
		defer ed.reconciling.Add(-1)
	}
	l, err := c.gw.GetList(ctx, j.listID)
	switch {
	case err == nil:
		c.st.Upsert(lists.Normalize(l))
	case errors.Is(err, gateway.ErrNotFound), errors.Is(err, gateway.ErrForbidden):
		c.metrics.gatewayError("get_list", err)
		c.logger.Info("list no longer available", "list", j.listID, "err", err)
		c.st.Remove(j.listID)
		if ed != nil {
			ed.abandon()
		}
	default:
		c.metrics.gatewayError("get_list", err)
		c.logger.Error("failed to fetch updated list", "list", j.listID, "err", err)
	}
}

// OpenEditor starts an editing context for the list: it joins the list's room and follows its
// events until Close. An editor that is already open is closed first.
func (c *Controller) OpenEditor(ctx context.Context, listID string) (*Editor, error) {
	if _, ok := c.st.Get(listID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownList, listID)
	}
	c.mu.Lock()
	prev := c.editor
	c.mu.Unlock()
	if prev != nil {
		if err := prev.Close(ctx); err != nil {
			c.logger.Warn("failed to save previous editor", "list", prev.listID, "err", err)
		}
	}

	ed := newEditor(c, listID)
	c.mu.Lock()
	c.editor = ed
	c.mu.Unlock()
	ed.attach()
	return ed, nil
}

// CloseEditor closes the open editor, if any.
func (c *Controller) CloseEditor(ctx context.Context) error {
	c.mu.Lock()
	ed := c.editor
	c.mu.Unlock()
	if ed == nil {
		return nil
	}
	return ed.Close(ctx)
}

// Editor returns the open editing context or nil.
func (c *Controller) Editor() *Editor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editor
}

func (c *Controller) openEditor(listID string) *Editor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editor != nil && c.editor.listID == listID {
		return c.editor
	}
	return nil
}

func (c *Controller) detach(ed *Editor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editor == ed {
		c.editor = nil
	}
}

// Shutdown abandons the open editor without saving. Used when the session ends.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	ed := c.editor
	c.mu.Unlock()
	if ed != nil {
		ed.abandon()
	}
}

func (c *Controller) loaded(listID string) (lists.List, error) {
	l, ok := c.st.Get(listID)
	if !ok {
		return lists.List{}, fmt.Errorf("%w: %s", ErrUnknownList, listID)
	}
	return l, nil
}

// editable re-checks the capability against the current store entry before a mutation.
func (c *Controller) editable(listID string) (lists.List, error) {
	l, err := c.loaded(listID)
	if err != nil {
		return l, err
	}
	if !lists.CanEdit(l, c.userID) {
		return l, fmt.Errorf("%w: %s is %s", ErrReadOnly, listID, lists.RoleOf(l, c.userID))
	}
	return l, nil
}

// failed records a gateway failure. A vanished list queues a collection refetch so the view catches
// up with reality.
func (c *Controller) failed(op, listID string, err error) error {
	c.metrics.gatewayError(op, err)
	c.logger.Error("gateway call failed", "op", op, "list", listID, "kind", gateway.Kind(err), "err", err)
	if errors.Is(err, gateway.ErrNotFound) {
		c.enqueue(job{})
	}
	return fmt.Errorf("failed to %s: %w", strings.ReplaceAll(op, "_", " "), err)
}

// confirm stores the server's version of a list.
func (c *Controller) confirm(l lists.List) lists.List {
	l = lists.Normalize(l)
	c.st.Upsert(l)
	return l
}

// optimistic applies next to the store, runs call, and then stores either the server's answer or the
// exact snapshot taken before next was applied.
func (c *Controller) optimistic(ctx context.Context, op string, before, next lists.List, call func(context.Context) (lists.List, error)) (lists.List, error) {
	snapshot := lists.Clone(before)
	c.st.Upsert(next)
	confirmed, err := call(ctx)
	if err != nil {
		c.st.Upsert(snapshot)
		c.metrics.revert(op)
		return snapshot, c.failed(op, before.ID, err)
	}
	return c.confirm(confirmed), nil
}

func (c *Controller) Rename(ctx context.Context, listID, name string) (lists.List, error) {
	if _, err := c.editable(listID); err != nil {
		return lists.List{}, err
	}
	l, err := c.gw.UpdateListName(ctx, listID, name)
	if err != nil {
		return lists.List{}, c.failed("update_list_name", listID, err)
	}
	l = c.confirm(l)
	c.ch.SendUpdate(listID, realtime.Changes{"name": l.Name})
	return l, nil
}

func (c *Controller) SetPinned(ctx context.Context, listID string, pinned bool) (lists.List, error) {
	if _, err := c.editable(listID); err != nil {
		return lists.List{}, err
	}
	l, err := c.gw.PinList(ctx, listID, pinned)
	if err != nil {
		return lists.List{}, c.failed("pin_list", listID, err)
	}
	l = c.confirm(l)
	c.ch.SendUpdate(listID, realtime.Changes{"pinned": l.Pinned})
	return l, nil
}

func (c *Controller) TogglePin(ctx context.Context, listID string) (lists.List, error) {
	l, err := c.loaded(listID)
	if err != nil {
		return l, err
	}
	return c.SetPinned(ctx, listID, !l.Pinned)
}

func (c *Controller) SetArchived(ctx context.Context, listID string, archived bool) (lists.List, error) {
	if _, err := c.editable(listID); err != nil {
		return lists.List{}, err
	}
	l, err := c.gw.ArchiveList(ctx, listID, archived)
	if err != nil {
		return lists.List{}, c.failed("archive_list", listID, err)
	}
	l = c.confirm(l)
	c.ch.SendUpdate(listID, realtime.Changes{"archived": l.Archived})
	return l, nil
}

// DeleteList removes the list on the backend and locally. An editor open on it is closed without
// saving.
func (c *Controller) DeleteList(ctx context.Context, listID string) error {
	l, err := c.loaded(listID)
	if err != nil {
		return err
	}
	if !lists.IsOwner(l, c.userID) {
		return fmt.Errorf("%w: delete %s", ErrNotOwner, listID)
	}
	if err := c.gw.DeleteList(ctx, listID); err != nil {
		return c.failed("delete_list", listID, err)
	}
	c.st.Remove(listID)
	if ed := c.openEditor(listID); ed != nil {
		ed.abandon()
	}
	return nil
}

// AddCollaborator shares the list with the account behind email. Failures carry the backend message
// for inline display, see gateway.Message.
func (c *Controller) AddCollaborator(ctx context.Context, listID, email string) (lists.List, error) {
	email = strings.TrimSpace(email)
	if err := validateCollaborator(email, ""); err != nil {
		return lists.List{}, err
	}
	l, err := c.editable(listID)
	if err != nil {
		return lists.List{}, err
	}
	if lists.IsOwner(l, c.userID) && strings.EqualFold(email, c.email) {
		return lists.List{}, fmt.Errorf("%w: the owner cannot be a collaborator", ErrInvalidInput)
	}
	updated, err := c.gw.AddCollaborator(ctx, listID, email)
	if err != nil {
		return lists.List{}, c.failed("add_collaborator", listID, err)
	}
	updated = c.confirm(updated)
	if g, ok := updated.GrantByEmail(email); ok {
		c.ch.SendCollaboratorAdded(listID, g.User.ID)
	}
	return updated, nil
}

func (c *Controller) RemoveCollaborator(ctx context.Context, listID, email string) (lists.List, error) {
	email = strings.TrimSpace(email)
	if err := validateCollaborator(email, ""); err != nil {
		return lists.List{}, err
	}
	l, err := c.editable(listID)
	if err != nil {
		return lists.List{}, err
	}
	removed, known := l.GrantByEmail(email)
	updated, err := c.gw.RemoveCollaborator(ctx, listID, email)
	if err != nil {
		return lists.List{}, c.failed("remove_collaborator", listID, err)
	}
	updated = c.confirm(updated)
	if known {
		c.ch.SendCollaboratorRemoved(listID, removed.User.ID)
	}
	return updated, nil
}

func (c *Controller) UpdateCollaboratorPermission(ctx context.Context, listID, email string, permission lists.Permission) (lists.List, error) {
	email = strings.TrimSpace(email)
	if err := validateCollaborator(email, string(permission)); err != nil {
		return lists.List{}, err
	}
	if !permission.Valid() {
		return lists.List{}, fmt.Errorf("%w: permission is required", ErrInvalidInput)
	}
	l, err := c.editable(listID)
	if err != nil {
		return lists.List{}, err
	}
	target, known := l.GrantByEmail(email)
	updated, err := c.gw.UpdateCollaboratorPermission(ctx, listID, email, permission)
	if err != nil {
		return lists.List{}, c.failed("update_collaborator_permission", listID, err)
	}
	updated = c.confirm(updated)
	if known {
		c.ch.SendPermissionChanged(listID, target.User.ID, permission)
	}
	return updated, nil
}

// ReorderSection takes the final order of one visible section from a drag and sends the full
// collection order to the backend. When more than two sections are visible the full order cannot be
// rebuilt unambiguously, so the new order is applied locally only and ErrOrderNotPersisted is
// returned.
func (c *Controller) ReorderSection(ctx context.Context, section lists.Section, reordered []string) error {
	all := c.st.All()
	sections := lists.Sections(c.st.Visible(c.userID), c.userID)
	full, err := lists.SpliceSection(lists.IDs(all), lists.IDs(sections[section]), reordered)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	arranged := lists.ArrangeLists(all, full)

	if n := len(lists.SectionNames(sections)); n > 2 {
		c.st.SetLists(arranged)
		c.logger.Warn("list order not persisted", "section", section, "visible_sections", n)
		return ErrOrderNotPersisted
	}

	c.st.SetLists(arranged)
	confirmed, err := c.gw.ReorderLists(ctx, full)
	if err != nil {
		c.st.SetLists(all)
		c.metrics.revert("reorder_lists")
		return c.failed("reorder_lists", "", err)
	}
	for i := range confirmed {
		confirmed[i] = lists.Normalize(confirmed[i])
	}
	c.st.ReplaceAll(confirmed)
	return nil
}
