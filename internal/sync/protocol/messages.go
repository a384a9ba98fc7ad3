// Package protocol defines the JSON wire messages exchanged with clients.
// The framing transport (websocket) lives in the handler; the hub only sees
// pre-encoded payloads.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"rosterd/internal/sync/models"
)

// Inbound message types.
const (
	TypeUpdate    = "update"
	TypeSubscribe = "subscribe"
	TypePing      = "ping"
)

// Outbound message types.
const (
	TypeWelcome  = "welcome"
	TypeChange   = "change"
	TypeRejected = "rejected"
	TypeSnapshot = "snapshot"
	TypePong     = "pong"
)

// Inbound is the envelope for every client-to-server message.
type Inbound struct {
	Type        string          `json:"type"`
	EntityID    string          `json:"entityId,omitempty"`
	Fields      models.FieldMap `json:"fields,omitempty"`
	BaseVersion int64           `json:"baseVersion,omitempty"`
	EntityIDs   []string        `json:"entityIds,omitempty"`
	SentAt      int64           `json:"sentAt,omitempty"`
}

// Welcome is sent once after connection establishment.
type Welcome struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

// Change carries one committed delta to subscribers. Origin lets the
// client side distinguish its own echo from someone else's edit.
type Change struct {
	Type        string          `json:"type"`
	EntityID    string          `json:"entityId"`
	Version     int64           `json:"version"`
	FieldDeltas models.FieldMap `json:"fieldDeltas"`
	Origin      string          `json:"origin"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Rejected is sent only to the client whose update was refused, with the
// authoritative value attached so it can re-base without another fetch.
type Rejected struct {
	Type           string          `json:"type"`
	EntityID       string          `json:"entityId"`
	Reason         string          `json:"reason"`
	DroppedFields  []string        `json:"droppedFields,omitempty"`
	CurrentFields  models.FieldMap `json:"currentFields"`
	CurrentVersion int64           `json:"currentVersion"`
}

// SnapshotEntry is one entity's current value inside a Snapshot.
type SnapshotEntry struct {
	EntityID string          `json:"entityId"`
	Fields   models.FieldMap `json:"fields"`
	Version  int64           `json:"version"`
}

// Snapshot answers a subscribe with the current value of each subscribed
// entity, so a reconnecting client can re-base immediately.
type Snapshot struct {
	Type     string          `json:"type"`
	Entities []SnapshotEntry `json:"entities"`
}

// Pong answers a ping, echoing the client's send time.
type Pong struct {
	Type   string `json:"type"`
	SentAt int64  `json:"sentAt"`
	Now    int64  `json:"now"`
}

// ParseInbound decodes and validates one client message.
func ParseInbound(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch msg.Type {
	case TypeUpdate:
		if msg.EntityID == "" {
			return nil, fmt.Errorf("update requires entityId")
		}
		if len(msg.Fields) == 0 {
			return nil, fmt.Errorf("update requires fields")
		}
	case TypeSubscribe:
		if len(msg.EntityIDs) == 0 {
			return nil, fmt.Errorf("subscribe requires entityIds")
		}
	case TypePing:
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return &msg, nil
}

// EncodeChange serializes a committed change for broadcast. Marshaling a
// map of JSON-decoded values cannot fail, so errors collapse to nil and the
// hub drops the frame.
func EncodeChange(change *models.StateChange) []byte {
	return encode(Change{
		Type:        TypeChange,
		EntityID:    change.EntityID,
		Version:     change.NewVersion,
		FieldDeltas: change.FieldDeltas,
		Origin:      change.Origin,
		Timestamp:   change.Timestamp,
	})
}

// EncodeRejected serializes a rejection response.
func EncodeRejected(entityID, reason string, dropped []string, current *models.Entity) []byte {
	return encode(Rejected{
		Type:           TypeRejected,
		EntityID:       entityID,
		Reason:         reason,
		DroppedFields:  dropped,
		CurrentFields:  current.Fields,
		CurrentVersion: current.Version,
	})
}

// EncodeWelcome serializes the connection greeting.
func EncodeWelcome(clientID string) []byte {
	return encode(Welcome{Type: TypeWelcome, ClientID: clientID})
}

// EncodeSnapshot serializes the current values for a subscribe response.
func EncodeSnapshot(entities []*models.Entity) []byte {
	entries := make([]SnapshotEntry, 0, len(entities))
	for _, e := range entities {
		entries = append(entries, SnapshotEntry{
			EntityID: e.ID,
			Fields:   e.Fields,
			Version:  e.Version,
		})
	}
	return encode(Snapshot{Type: TypeSnapshot, Entities: entries})
}

// EncodePong serializes a heartbeat reply.
func EncodePong(sentAt int64, now time.Time) []byte {
	return encode(Pong{Type: TypePong, SentAt: sentAt, Now: now.UnixMilli()})
}

func encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
