// Package protocol defines the reconnect messages exchanged between a client
// and the server. Framing (HTTP body or WebSocket text frame) belongs to the
// transport; these types are the JSON payloads.
package protocol

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/hyperengineering/livesync/pkg/patch"
	"github.com/hyperengineering/livesync/pkg/selection"
)

// Version is the reconnect protocol version spoken by this module.
const Version = 1

// Message type discriminators.
const (
	TypeReconnect    = "reconnect"
	TypeReconnectAck = "reconnect_ack"
	TypeError        = "error"
)

// Status is the reconciliation outcome for one subscription.
type Status string

const (
	StatusCurrent  Status = "current"
	StatusPatched  Status = "patched"
	StatusSnapshot Status = "snapshot"
	StatusDeleted  Status = "deleted"
)

// Fields is the selection a client held for a subscription. The wire value
// "*" selects every field.
type Fields struct {
	All       bool
	Selection selection.Selection
}

// MarshalJSON encodes Fields as "*" or a selection object.
func (f Fields) MarshalJSON() ([]byte, error) {
	if f.All {
		return []byte(`"*"`), nil
	}
	if f.Selection == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(f.Selection)
}

// UnmarshalJSON decodes "*" or a selection object.
func (f *Fields) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte(`"*"`)) {
		*f = Fields{All: true}
		return nil
	}
	var sel selection.Selection
	if err := json.Unmarshal(data, &sel); err != nil {
		return fmt.Errorf("fields: %w", err)
	}
	*f = Fields{Selection: sel}
	return nil
}

// ReconnectSubscription is the client's belief about one live subscription
// at the moment it lost its connection.
type ReconnectSubscription struct {
	ID       string         `json:"id"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entityId"`
	Fields   Fields         `json:"fields"`
	Version  int64          `json:"version"`
	DataHash string         `json:"dataHash,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}

// EntityKey returns the server-side state key for the subscription.
func (s ReconnectSubscription) EntityKey() string {
	return EntityKey(s.Entity, s.EntityID)
}

// KeySeparator joins entity type and id in a state key.
const KeySeparator = ":"

// EntityKey returns the canonical "entity:entityId" key.
func EntityKey(entity, entityID string) string {
	return entity + KeySeparator + entityID
}

// ValidEntityName reports whether name can be an entity type. Names must be
// non-empty and free of KeySeparator so that keys stay unambiguous.
func ValidEntityName(name string) bool {
	return name != "" && !strings.Contains(name, KeySeparator)
}

// ReconnectResult is the server's verdict for one subscription. Version is
// always the server's version at decision time.
type ReconnectResult struct {
	ID       string              `json:"id"`
	Entity   string              `json:"entity"`
	EntityID string              `json:"entityId"`
	Status   Status              `json:"status"`
	Version  int64               `json:"version"`
	Patches  [][]patch.Operation `json:"patches,omitempty"`
	Data     map[string]any      `json:"data,omitempty"`
}

// ReconnectRequest is sent by a client after its transport reconnects.
type ReconnectRequest struct {
	Type            string                  `json:"type"`
	ProtocolVersion int                     `json:"protocolVersion"`
	Subscriptions   []ReconnectSubscription `json:"subscriptions"`
	ReconnectID     string                  `json:"reconnectId"`
	ClientTime      int64                   `json:"clientTime"`
}

// ReconnectAck answers a ReconnectRequest with one result per subscription,
// in request order. Times are Unix milliseconds.
type ReconnectAck struct {
	Type           string            `json:"type"`
	Results        []ReconnectResult `json:"results"`
	ServerTime     int64             `json:"serverTime"`
	ReconnectID    string            `json:"reconnectId"`
	ProcessingTime int64             `json:"processingTime"`
}

// ErrorMessage reports a reconnect that could not be processed.
type ErrorMessage struct {
	Type        string `json:"type"`
	ReconnectID string `json:"reconnectId,omitempty"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

// ReconnectError carries the reconnect id of a request that failed, so the
// transport can answer the client with it.
type ReconnectError struct {
	ReconnectID string
	Err         error
}

// Error implements the error interface.
func (e *ReconnectError) Error() string {
	return fmt.Sprintf("reconnect %s: %v", e.ReconnectID, e.Err)
}

// Unwrap returns the underlying cause for errors.Is.
func (e *ReconnectError) Unwrap() error {
	return e.Err
}

// Envelope is used to sniff the type of an inbound message.
type Envelope struct {
	Type string `json:"type"`
}
