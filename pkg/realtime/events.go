package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/astromechza/keeplists/pkg/lists"
)

const (
	EventJoinList            = "join_list"
	EventLeaveList           = "leave_list"
	EventUpdateList          = "update_list"
	EventListUpdated         = "list_updated"
	EventCollaboratorAdded   = "collaborator_added"
	EventCollaboratorRemoved = "collaborator_removed"
	EventPermissionChanged   = "permission_changed"
)

// Envelope is one websocket text frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Notice is the payload of the collaborator and permission signals.
type Notice struct {
	ListID     string           `json:"listId"`
	UserID     string           `json:"userId,omitempty"`
	Permission lists.Permission `json:"permission,omitempty"`
}

// Changes is the free-form payload of update_list and list_updated. It is a hint only; receivers
// refetch instead of applying it.
type Changes map[string]any

func (c Changes) ListID() string {
	if v, ok := c["listId"].(string); ok {
		return v
	}
	return ""
}
