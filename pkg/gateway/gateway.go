// Package gateway is the request/response contract against the list backend. Each call is exactly one
// round trip and returns the authoritative state after the mutation. Nothing is cached or retried.
package gateway

import (
	"context"

	"github.com/astromechza/keeplists/pkg/lists"
)

// Created is the backend reply to CreateList.
type Created struct {
	ID   string `json:"listId"`
	Name string `json:"name"`
}

// ItemUpdate carries the fields to change on an item. Nil fields are left alone.
type ItemUpdate struct {
	Text      *string `json:"text,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
}

type Gateway interface {
	CreateList(ctx context.Context, name string) (Created, error)
	GetAllLists(ctx context.Context) ([]lists.List, error)
	GetList(ctx context.Context, listID string) (lists.List, error)
	UpdateListName(ctx context.Context, listID, name string) (lists.List, error)
	DeleteList(ctx context.Context, listID string) error

	AddItem(ctx context.Context, listID, text string) (lists.List, error)
	UpdateItem(ctx context.Context, listID, itemID string, update ItemUpdate) (lists.List, error)
	DeleteItem(ctx context.Context, listID, itemID string) (lists.List, error)
	ReorderItems(ctx context.Context, listID string, itemIDs []string) (lists.List, error)

	ArchiveList(ctx context.Context, listID string, archived bool) (lists.List, error)
	PinList(ctx context.Context, listID string, pinned bool) (lists.List, error)

	AddCollaborator(ctx context.Context, listID, email string) (lists.List, error)
	RemoveCollaborator(ctx context.Context, listID, email string) (lists.List, error)
	UpdateCollaboratorPermission(ctx context.Context, listID, email string, permission lists.Permission) (lists.List, error)

	ReorderLists(ctx context.Context, listIDs []string) ([]lists.List, error)
}
