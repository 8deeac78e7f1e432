// Package protocol defines the replication message surface: message ids
// and typed payloads with their wire encoding. Per-object gameplay payloads
// stay opaque byte blocks; their encoding belongs to object behaviors.
package protocol

import (
	"fmt"

	"github.com/netreef/replica/internal/protocol/wire"
	"github.com/netreef/replica/internal/settings"
)

// MessageID identifies a replication message. Ids below 0x10 are reserved
// for the transport's clock exchange.
type MessageID byte

const (
	// Client to server.
	MsgSynchronized    MessageID = 0x41
	MsgObjectsFeedback MessageID = 0x42

	// Server to client.
	MsgConfigure               MessageID = 0x51
	MsgSceneClock              MessageID = 0x52
	MsgAddObjects              MessageID = 0x53
	MsgRemoveObjects           MessageID = 0x54
	MsgUpdateObjectsReliable   MessageID = 0x55
	MsgUpdateObjectsUnreliable MessageID = 0x56
)

func (id MessageID) String() string {
	switch id {
	case MsgSynchronized:
		return "Synchronized"
	case MsgObjectsFeedback:
		return "ObjectsFeedback"
	case MsgConfigure:
		return "Configure"
	case MsgSceneClock:
		return "SceneClock"
	case MsgAddObjects:
		return "AddObjects"
	case MsgRemoveObjects:
		return "RemoveObjects"
	case MsgUpdateObjectsReliable:
		return "UpdateObjectsReliable"
	case MsgUpdateObjectsUnreliable:
		return "UpdateObjectsUnreliable"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", byte(id))
	}
}

// Configure opens the handshake: a magic token the client echoes back once
// synchronized, plus the server's negotiated setting table.
type Configure struct {
	Magic    uint32
	Settings *settings.Map
}

func (m *Configure) Encode() []byte {
	w := wire.NewWriter()
	w.WriteU32(m.Magic)
	m.Settings.EncodeTo(w)
	return w.Bytes()
}

func DecodeConfigure(payload []byte) (Configure, error) {
	r := wire.NewReader(payload)
	m := Configure{Settings: settings.NewMap()}
	m.Magic = r.ReadU32()
	if err := m.Settings.DecodeFrom(r); err != nil {
		return m, fmt.Errorf("decode Configure: %w", err)
	}
	if r.Truncated() {
		return m, fmt.Errorf("decode Configure: payload truncated")
	}
	return m, nil
}

// SceneClock carries the server's scene time snapshot: the current
// replication frame and scene time in seconds.
type SceneClock struct {
	Frame       uint32
	TimeSeconds float64
}

func (m *SceneClock) Encode() []byte {
	w := wire.NewWriter()
	w.WriteU32(m.Frame)
	w.WriteF64(m.TimeSeconds)
	return w.Bytes()
}

func DecodeSceneClock(payload []byte) (SceneClock, error) {
	r := wire.NewReader(payload)
	m := SceneClock{
		Frame:       r.ReadU32(),
		TimeSeconds: r.ReadF64(),
	}
	if r.Truncated() {
		return m, fmt.Errorf("decode SceneClock: payload truncated")
	}
	return m, nil
}

// Synchronized closes the handshake, echoing Configure's magic token.
type Synchronized struct {
	Magic uint32
}

func (m *Synchronized) Encode() []byte {
	w := wire.NewWriter()
	w.WriteU32(m.Magic)
	return w.Bytes()
}

func DecodeSynchronized(payload []byte) (Synchronized, error) {
	r := wire.NewReader(payload)
	m := Synchronized{Magic: r.ReadU32()}
	if r.Truncated() {
		return m, fmt.Errorf("decode Synchronized: payload truncated")
	}
	return m, nil
}

// AddObjectEntry replicates one newly relevant object. Parent ids always
// precede their children within a single AddObjects message.
type AddObjectEntry struct {
	ID       uint64
	ParentID uint64
	Type     string
	Name     string
	Snapshot []byte
}

// AddObjects replicates newly relevant objects to a client.
type AddObjects struct {
	Frame   uint32
	Entries []AddObjectEntry
}

func (m *AddObjects) Encode() []byte {
	w := wire.NewWriter()
	w.WriteU32(m.Frame)
	w.WriteU16(uint16(len(m.Entries)))
	for _, e := range m.Entries {
		w.WriteU64(e.ID)
		w.WriteU64(e.ParentID)
		w.WriteString(e.Type)
		w.WriteString(e.Name)
		w.WriteBytes(e.Snapshot)
	}
	return w.Bytes()
}

func DecodeAddObjects(payload []byte) (AddObjects, error) {
	r := wire.NewReader(payload)
	m := AddObjects{Frame: r.ReadU32()}
	count := int(r.ReadU16())
	for i := 0; i < count; i++ {
		e := AddObjectEntry{
			ID:       r.ReadU64(),
			ParentID: r.ReadU64(),
			Type:     r.ReadString(),
			Name:     r.ReadString(),
			Snapshot: r.ReadBytes(),
		}
		if r.Truncated() {
			return m, fmt.Errorf("decode AddObjects: truncated at entry %d of %d", i, count)
		}
		m.Entries = append(m.Entries, e)
	}
	return m, nil
}

// RemoveObjects retires objects that left the replicated set.
type RemoveObjects struct {
	Frame uint32
	IDs   []uint64
}

func (m *RemoveObjects) Encode() []byte {
	w := wire.NewWriter()
	w.WriteU32(m.Frame)
	w.WriteU16(uint16(len(m.IDs)))
	for _, id := range m.IDs {
		w.WriteU64(id)
	}
	return w.Bytes()
}

func DecodeRemoveObjects(payload []byte) (RemoveObjects, error) {
	r := wire.NewReader(payload)
	m := RemoveObjects{Frame: r.ReadU32()}
	count := int(r.ReadU16())
	for i := 0; i < count; i++ {
		m.IDs = append(m.IDs, r.ReadU64())
	}
	if r.Truncated() {
		return m, fmt.Errorf("decode RemoveObjects: payload truncated")
	}
	return m, nil
}

// ObjectPayload pairs an object id with an opaque behavior-owned payload.
// Used for both server→client deltas and client→server feedback.
type ObjectPayload struct {
	ID      uint64
	Payload []byte
}

// ObjectUpdates carries per-object state deltas (reliable or unreliable
// flavor, distinguished by message id).
type ObjectUpdates struct {
	Frame   uint32
	Updates []ObjectPayload
}

func (m *ObjectUpdates) Encode() []byte {
	w := wire.NewWriter()
	w.WriteU32(m.Frame)
	w.WriteU16(uint16(len(m.Updates)))
	for _, u := range m.Updates {
		w.WriteU64(u.ID)
		w.WriteBytes(u.Payload)
	}
	return w.Bytes()
}

func DecodeObjectUpdates(payload []byte) (ObjectUpdates, error) {
	r := wire.NewReader(payload)
	m := ObjectUpdates{Frame: r.ReadU32()}
	count := int(r.ReadU16())
	for i := 0; i < count; i++ {
		u := ObjectPayload{ID: r.ReadU64(), Payload: r.ReadBytes()}
		if r.Truncated() {
			return m, fmt.Errorf("decode ObjectUpdates: truncated at entry %d of %d", i, count)
		}
		m.Updates = append(m.Updates, u)
	}
	return m, nil
}
