package reconcile

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/astromechza/keeplists/pkg/gateway"
	"github.com/astromechza/keeplists/pkg/lists"
	"github.com/astromechza/keeplists/pkg/realtime"
)

// fakeGateway is an in-memory backend. Every call is recorded; failures can be injected per op.
type fakeGateway struct {
	mu     sync.Mutex
	lists  map[string]lists.List
	order  []string
	calls  []string
	fail   map[string]error
	nextID int
	users  map[string]lists.UserRef
}

func newFakeGateway(initial ...lists.List) *fakeGateway {
	g := &fakeGateway{
		lists: make(map[string]lists.List),
		fail:  make(map[string]error),
		users: map[string]lists.UserRef{
			"bob@example.com":   {ID: "bob", Name: "Bob", Email: "bob@example.com"},
			"carol@example.com": {ID: "carol", Name: "Carol", Email: "carol@example.com"},
			"me@example.com":    {ID: "me", Name: "Me", Email: "me@example.com"},
		},
	}
	for _, l := range initial {
		g.lists[l.ID] = lists.Clone(l)
		g.order = append(g.order, l.ID)
	}
	return g
}

func (g *fakeGateway) failOn(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail[op] = err
}

func (g *fakeGateway) set(l lists.List) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.lists[l.ID]; !ok {
		g.order = append(g.order, l.ID)
	}
	g.lists[l.ID] = lists.Clone(l)
}

func (g *fakeGateway) drop(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lists, id)
	g.order = slices.DeleteFunc(g.order, func(s string) bool { return s == id })
}

func (g *fakeGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.calls)
}

func (g *fakeGateway) count(prefix string) int {
	n := 0
	for _, c := range g.Calls() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// begin records the call and returns the injected failure, if any. Callers hold g.mu.
func (g *fakeGateway) begin(op, call string) error {
	g.calls = append(g.calls, call)
	return g.fail[op]
}

func (g *fakeGateway) get(id string) (lists.List, error) {
	l, ok := g.lists[id]
	if !ok {
		return lists.List{}, &gateway.StatusError{Code: 404, Message: "List not found"}
	}
	return l, nil
}

func (g *fakeGateway) save(l lists.List) lists.List {
	for i := range l.Items {
		l.Items[i].Order = i
	}
	g.lists[l.ID] = l
	return lists.Clone(l)
}

func (g *fakeGateway) CreateList(_ context.Context, name string) (gateway.Created, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin("create_list", fmt.Sprintf("createList(%s)", name)); err != nil {
		return gateway.Created{}, err
	}
	g.nextID++
	id := fmt.Sprintf("N%d", g.nextID)
	g.lists[id] = lists.List{ID: id, Name: name, Owner: "me"}
	g.order = append([]string{id}, g.order...)
	return gateway.Created{ID: id, Name: name}, nil
}

func (g *fakeGateway) GetAllLists(_ context.Context) ([]lists.List, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin("get_all_lists", "getAllLists()"); err != nil {
		return nil, err
	}
	out := make([]lists.List, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, lists.Clone(g.lists[id]))
	}
	return out, nil
}

func (g *fakeGateway) GetList(_ context.Context, listID string) (lists.List, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin("get_list", fmt.Sprintf("getList(%s)", listID)); err != nil {
		return lists.List{}, err
	}
	l, err := g.get(listID)
	return lists.Clone(l), err
}

func (g *fakeGateway) UpdateListName(_ context.Context, listID, name string) (lists.List, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin("update_list_name", fmt.Sprintf("updateListName(%s,%s)", listID, name)); err != nil {
		return lists.List{}, err
	}
	l, err := g.get(listID)
	if err != nil {
		return l, err
	}
	l.Name = name
	return g.save(l), nil
}

func (g *fakeGateway) DeleteList(_ context.Context, listID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin("delete_list", fmt.Sprintf("deleteList(%s)", listID)); err != nil {
		return err
	}
	if _, err := g.get(listID); err != nil {
		return err
	}
	delete(g.lists, listID)
	g.order = slices.DeleteFunc(g.order, func(s string) bool { return s == listID })
	return nil
}

func (g *fakeGateway) AddItem(_ context.Context, listID, text string) (lists.List, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin("add_item", fmt.Sprintf("addItem(%s,%s)", listID, text)); err != nil {
		return lists.List{}, err
	}
	l, err := g.get(listID)
	if err != nil {
		return l, err
	}
	l = lists.Clone(l)
	l.Items = append(l.Items, lists.Item{ID: fmt.Sprintf("%s-i%d", listID, len(l.Items)+1), Text: text})
	return g.save(l), nil
}

func (g *fakeGateway) UpdateItem(_ context.Context, listID, itemID string, update gateway.ItemUpdate) (lists.List, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	call := fmt.Sprintf("updateItem(%s,%s)", listID, itemID)
	if update.Completed != nil {
		call = fmt.Sprintf("updateItem(%s,%s,completed=%t)", listID, itemID, *update.Completed)
	}
	if update.Text != nil {
		call = fmt.Sprintf("updateItem(%s,%s,text=%s)", listID, itemID, *update.Text)
	}
	if err := g.begin("update_item", call); err != nil {
		return lists.List{}, err
	}
	l, err := g.get(listID)
	if err != nil {
		return l, err
	}
	l = lists.Clone(l)
	for i := range l.Items {
		if l.Items[i].ID != itemID {
			continue
		}
		if update.Text != nil {
			l.Items[i].Text = *update.Text
		}
		if update.Completed != nil {
			l.Items[i].Completed = *update.Completed
		}
	}
	return g.save(l), nil
}

func (g *fakeGateway) DeleteItem(_ context.Context, listID, itemID string) (lists.List, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin("delete_item", fmt.Sprintf("deleteItem(%s,%s)", listID, itemID)); err != nil {
		return lists.List{}, err
	}
	l, err := g.get(listID)
	if err != nil {
		return l, err
	}
	l = lists.Clone(l)
	l.Items = slices.DeleteFunc(l.Items, func(it lists.Item) bool { return it.ID == itemID })
	return g.save(l), nil
}

func (g *fakeGateway) ReorderItems(_ context.Context, listID string, itemIDs []string) (lists.List, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin("reorder_items", fmt.Sprintf("reorderItems(%s,%v)", listID, itemIDs)); err != nil {
		return lists.List{}, err
	}
	l, err := g.get(listID)
	if err != nil {
		return l, err
	}
	items, err := lists.ReorderItems(l.Items, itemIDs)
	if err != nil {
		return lists.List{}, &gateway.StatusError{Code: 400, Message: err.Error()}
	}
	l = lists.Clone(l)
	l.Items = items
	return g.save(l), nil
}

func (g *fakeGateway) ArchiveList(_ context.Context, listID string, archived bool) (lists.List, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin("archive_list", fmt.Sprintf("archiveList(%s,%t)", listID, archived)); err != nil {
		return lists.List{}, err
	}
	l, err := g.get(listID)
	if err != nil {
		return l, err
	}
	l = lists.Clone(l)
	l.Archived = archived
	return g.save(l), nil
}

func (g *fakeGateway) PinList(_ context.Context, listID string, pinned bool) (lists.List, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin("pin_list", fmt.Sprintf("pinList(%s,%t)", listID, pinned)); err != nil {
		return lists.List{}, err
	}
	l, err := g.get(listID)
	if err != nil {
		return l, err
	}
	l = lists.Clone(l)
	l.Pinned = pinned
	return g.save(l), nil
}

func (g *fakeGateway) AddCollaborator(_ context.Context, listID, email string) (lists.List, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin("add_collaborator", fmt.Sprintf("addCollaborator(%s,%s)", listID, email)); err != nil {
		return lists.List{}, err
	}
	l, err := g.get(listID)
	if err != nil {
		return l, err
	}
	u, ok := g.users[strings.ToLower(email)]
	if !ok {
		return lists.List{}, &gateway.StatusError{Code: 404, Message: "User not found"}
	}
	l = lists.Clone(l)
	// deliberately sloppy: the fake does not stop the owner from being granted
	l.Collaborators = append(l.Collaborators, lists.Grant{User: u, Permission: lists.PermissionEdit})
	return g.save(l), nil
}

func (g *fakeGateway) RemoveCollaborator(_ context.Context, listID, email string) (lists.List, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin("remove_collaborator", fmt.Sprintf("removeCollaborator(%s,%s)", listID, email)); err != nil {
		return lists.List{}, err
	}
	l, err := g.get(listID)
	if err != nil {
		return l, err
	}
	l = lists.Clone(l)
	l.Collaborators = slices.DeleteFunc(l.Collaborators, func(gr lists.Grant) bool { return strings.EqualFold(gr.User.Email, email) })
	return g.save(l), nil
}

func (g *fakeGateway) UpdateCollaboratorPermission(_ context.Context, listID, email string, permission lists.Permission) (lists.List, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin("update_collaborator_permission", fmt.Sprintf("updateCollaboratorPermission(%s,%s,%s)", listID, email, permission)); err != nil {
		return lists.List{}, err
	}
	l, err := g.get(listID)
	if err != nil {
		return l, err
	}
	l = lists.Clone(l)
	for i := range l.Collaborators {
		if strings.EqualFold(l.Collaborators[i].User.Email, email) {
			l.Collaborators[i].Permission = permission
		}
	}
	return g.save(l), nil
}

func (g *fakeGateway) ReorderLists(_ context.Context, listIDs []string) ([]lists.List, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin("reorder_lists", fmt.Sprintf("reorderLists(%v)", listIDs)); err != nil {
		return nil, err
	}
	g.order = slices.Clone(listIDs)
	out := make([]lists.List, 0, len(g.order))
	for i, id := range g.order {
		l := lists.Clone(g.lists[id])
		o := i
		l.Order = &o
		g.lists[id] = l
		out = append(out, lists.Clone(l))
	}
	return out, nil
}

// fakeChannel records emits and lets tests fire inbound events synchronously.
type fakeChannel struct {
	mu      sync.Mutex
	emitted []string
	rooms   map[string]bool
	subs    map[string]map[int]any
	nextSub int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{rooms: make(map[string]bool), subs: make(map[string]map[int]any)}
}

func (f *fakeChannel) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, s)
}

func (f *fakeChannel) Emitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.emitted)
}

func (f *fakeChannel) InRoom(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[id]
}

func (f *fakeChannel) Subscribers(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[event])
}

func (f *fakeChannel) JoinRoom(id string) {
	f.mu.Lock()
	f.rooms[id] = true
	f.mu.Unlock()
	f.record("join_list(" + id + ")")
}

func (f *fakeChannel) LeaveRoom(id string) {
	f.mu.Lock()
	delete(f.rooms, id)
	f.mu.Unlock()
	f.record("leave_list(" + id + ")")
}

func (f *fakeChannel) SendUpdate(id string, changes realtime.Changes) {
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	f.record(fmt.Sprintf("update_list(%s,%v)", id, keys))
}

func (f *fakeChannel) SendCollaboratorAdded(id, userID string) {
	f.record(fmt.Sprintf("collaborator_added(%s,%s)", id, userID))
}

func (f *fakeChannel) SendCollaboratorRemoved(id, userID string) {
	f.record(fmt.Sprintf("collaborator_removed(%s,%s)", id, userID))
}

func (f *fakeChannel) SendPermissionChanged(id, userID string, p lists.Permission) {
	f.record(fmt.Sprintf("permission_changed(%s,%s,%s)", id, userID, p))
}

func (f *fakeChannel) add(event string, fn any) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	if f.subs[event] == nil {
		f.subs[event] = make(map[int]any)
	}
	f.subs[event][id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[event], id)
	}
}

func (f *fakeChannel) handlers(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, 0, len(f.subs[event]))
	for _, h := range f.subs[event] {
		out = append(out, h)
	}
	return out
}

func (f *fakeChannel) OnListUpdated(fn func(realtime.Changes)) func() {
	return f.add(realtime.EventListUpdated, fn)
}

func (f *fakeChannel) OnCollaboratorAdded(fn func(realtime.Notice)) func() {
	return f.add(realtime.EventCollaboratorAdded, fn)
}

func (f *fakeChannel) OnCollaboratorRemoved(fn func(realtime.Notice)) func() {
	return f.add(realtime.EventCollaboratorRemoved, fn)
}

func (f *fakeChannel) OnPermissionChanged(fn func(realtime.Notice)) func() {
	return f.add(realtime.EventPermissionChanged, fn)
}

func (f *fakeChannel) fireListUpdated(changes realtime.Changes) {
	for _, h := range f.handlers(realtime.EventListUpdated) {
		h.(func(realtime.Changes))(changes)
	}
}

func (f *fakeChannel) fireNotice(event string, n realtime.Notice) {
	for _, h := range f.handlers(event) {
		h.(func(realtime.Notice))(n)
	}
}
