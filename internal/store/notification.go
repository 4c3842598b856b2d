package store

import (
	"encoding/json"
	"fmt"
)

// Notification is the payload change feeds carry:
//
//	{"tag": 7, "changes": [{"subgraph": "s", "entity_type": "Token",
//	  "entity_id": "1", "operation": "set", "data": {"symbol": "ABC"}}]}
type Notification struct {
	Tag     uint64   `json:"tag"`
	Changes []Change `json:"changes"`
}

// Change is one entity write of a Notification.
type Change struct {
	Key       EntityKey       `json:"-"`
	Operation EntityOperation `json:"operation"`
	Data      map[string]any  `json:"data,omitempty"`
}

type changeJSON struct {
	EntityKey
	Operation EntityOperation `json:"operation"`
	Data      map[string]any  `json:"data,omitempty"`
}

func (c Change) MarshalJSON() ([]byte, error) {
	return json.Marshal(changeJSON{EntityKey: c.Key, Operation: c.Operation, Data: c.Data})
}

func (c *Change) UnmarshalJSON(b []byte) error {
	var raw changeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*c = Change{Key: raw.EntityKey, Operation: raw.Operation, Data: raw.Data}
	return nil
}

// Validate checks that every change names an entity and a known operation.
func (n Notification) Validate() error {
	if len(n.Changes) == 0 {
		return fmt.Errorf("notification has no changes")
	}
	for i, c := range n.Changes {
		if c.Key.EntityType == "" || c.Key.EntityID == "" {
			return fmt.Errorf("change %d: entity_type and entity_id are required", i)
		}
		if !c.Operation.Valid() {
			return fmt.Errorf("change %d: unknown operation %q", i, c.Operation)
		}
	}
	return nil
}

// DecodeNotification parses and validates a payload.
func DecodeNotification(payload []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	if err := n.Validate(); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	return n, nil
}

// Encode renders n as a payload.
func (n Notification) Encode() ([]byte, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(n)
}
