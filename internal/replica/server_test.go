package replica

import (
	"fmt"
	"testing"

	"github.com/netreef/replica/internal/protocol"
	"github.com/netreef/replica/internal/protocol/wire"
	"github.com/netreef/replica/internal/settings"
	"github.com/netreef/replica/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*Manager, *Registry, *ServerReplicator) {
	t.Helper()
	_, reg := newTestRegistry()
	mgr := NewManager(reg, markerFactory(), zap.NewNop())
	mgr.StartServer()
	return mgr, reg, mgr.Server()
}

// synchronize performs the client half of the handshake on a pipe.
func synchronize(t *testing.T, srv *ServerReplicator, conn *transport.Pipe) {
	t.Helper()
	configs := conn.SentByID(byte(protocol.MsgConfigure))
	require.NotEmpty(t, configs)
	cfg, err := protocol.DecodeConfigure(configs[0].Payload)
	require.NoError(t, err)

	ack := protocol.Synchronized{Magic: cfg.Magic}
	require.True(t, srv.ProcessMessage(conn, protocol.MsgSynchronized, ack.Encode()))
}

func TestAddConnectionSendsHandshake(t *testing.T) {
	_, _, srv := newTestServer(t)
	conn := transport.NewPipe("client")

	srv.AddConnection(conn)

	require.Len(t, conn.Sent(), 2)
	assert.Equal(t, byte(protocol.MsgConfigure), conn.Sent()[0].MsgID)
	assert.Equal(t, byte(protocol.MsgSceneClock), conn.Sent()[1].MsgID)
	assert.Equal(t, transport.Reliable, conn.Sent()[0].Delivery)

	cfg, err := protocol.DecodeConfigure(conn.Sent()[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(30), cfg.Settings.Get(settings.UpdateFrequency).Int())
}

func TestAddConnectionDuplicate(t *testing.T) {
	_, _, srv := newTestServer(t)
	conn := transport.NewPipe("client")

	srv.AddConnection(conn)
	srv.AddConnection(conn)
	assert.Equal(t, 1, srv.ConnectionCount())
	assert.Len(t, conn.SentByID(byte(protocol.MsgConfigure)), 1)
}

func TestConnectionLimit(t *testing.T) {
	_, reg := newTestRegistry()
	set := settings.Defaults()
	set.Set(settings.ConnectionLimit, settings.Int(1))
	srv := NewServerReplicator(reg, set, zap.NewNop())

	first := transport.NewPipe("one")
	second := transport.NewPipe("two")
	srv.AddConnection(first)
	srv.AddConnection(second)

	assert.Equal(t, 1, srv.ConnectionCount())
	assert.Empty(t, second.Sent())
}

func TestNoReplicationBeforeSynchronized(t *testing.T) {
	mgr, reg, srv := newTestServer(t)
	conn := transport.NewPipe("client")
	srv.AddConnection(conn)

	spawnMarker(reg.Scene().Root(), "a", 1)
	tickScene(mgr)

	assert.Empty(t, conn.SentByID(byte(protocol.MsgAddObjects)))
}

func TestReplicatesAdditionsParentFirst(t *testing.T) {
	mgr, reg, srv := newTestServer(t)
	conn := transport.NewPipe("client")
	srv.AddConnection(conn)
	synchronize(t, srv, conn)

	parent := spawnMarker(reg.Scene().Root(), "parent", 1.5)
	child := spawnMarker(parent.Node(), "child", 2.5)
	tickScene(mgr)

	adds := conn.SentByID(byte(protocol.MsgAddObjects))
	require.Len(t, adds, 1)
	assert.Equal(t, transport.Reliable, adds[0].Delivery)

	msg, err := protocol.DecodeAddObjects(adds[0].Payload)
	require.NoError(t, err)
	require.Len(t, msg.Entries, 2)

	assert.Equal(t, uint64(parent.ID()), msg.Entries[0].ID)
	assert.Equal(t, uint64(InvalidID), msg.Entries[0].ParentID)
	assert.Equal(t, "parent", msg.Entries[0].Name)
	assert.Equal(t, "marker", msg.Entries[0].Type)

	assert.Equal(t, uint64(child.ID()), msg.Entries[1].ID)
	assert.Equal(t, uint64(parent.ID()), msg.Entries[1].ParentID)

	// Snapshot carries behavior state.
	r := wire.NewReader(msg.Entries[0].Snapshot)
	assert.Equal(t, 1.5, r.ReadF64())

	// Objects already known are not re-added next frame.
	tickScene(mgr)
	assert.Len(t, conn.SentByID(byte(protocol.MsgAddObjects)), 1)
}

func TestReplicatesRemovals(t *testing.T) {
	mgr, reg, srv := newTestServer(t)
	conn := transport.NewPipe("client")
	srv.AddConnection(conn)
	synchronize(t, srv, conn)

	obj := spawnMarker(reg.Scene().Root(), "a", 1)
	tickScene(mgr)
	id := obj.ID()

	obj.Node().Remove()
	tickScene(mgr)

	removes := conn.SentByID(byte(protocol.MsgRemoveObjects))
	require.Len(t, removes, 1)
	msg, err := protocol.DecodeRemoveObjects(removes[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, []uint64{uint64(id)}, msg.IDs)

	// Forgotten: no repeat removal.
	tickScene(mgr)
	assert.Len(t, conn.SentByID(byte(protocol.MsgRemoveObjects)), 1)
}

func TestDeltasSkipJustAddedObjects(t *testing.T) {
	mgr, reg, srv := newTestServer(t)
	conn := transport.NewPipe("client")
	srv.AddConnection(conn)
	synchronize(t, srv, conn)

	obj := spawnMarker(reg.Scene().Root(), "a", 1)
	marker := obj.Behavior().(*markerBehavior)
	marker.dirty = true

	// Frame 1: snapshot only, no delta for the fresh object.
	tickScene(mgr)
	assert.Empty(t, conn.SentByID(byte(protocol.MsgUpdateObjectsUnreliable)))
	assert.True(t, marker.dirty)

	// Frame 2: the pending delta goes out unreliable.
	tickScene(mgr)
	updates := conn.SentByID(byte(protocol.MsgUpdateObjectsUnreliable))
	require.Len(t, updates, 1)
	assert.Equal(t, transport.Unreliable, updates[0].Delivery)

	msg, err := protocol.DecodeObjectUpdates(updates[0].Payload)
	require.NoError(t, err)
	require.Len(t, msg.Updates, 1)
	assert.Equal(t, uint64(obj.ID()), msg.Updates[0].ID)
}

func TestReliableDeltaChannel(t *testing.T) {
	mgr, reg, srv := newTestServer(t)
	conn := transport.NewPipe("client")
	srv.AddConnection(conn)
	synchronize(t, srv, conn)

	obj := spawnMarker(reg.Scene().Root(), "a", 1)
	tickScene(mgr)

	marker := obj.Behavior().(*markerBehavior)
	marker.reliableValue = "renamed"
	marker.reliableDirty = true
	tickScene(mgr)

	updates := conn.SentByID(byte(protocol.MsgUpdateObjectsReliable))
	require.Len(t, updates, 1)
	assert.Equal(t, transport.Reliable, updates[0].Delivery)

	msg, err := protocol.DecodeObjectUpdates(updates[0].Payload)
	require.NoError(t, err)
	require.Len(t, msg.Updates, 1)
	assert.Equal(t, "renamed", wire.NewReader(msg.Updates[0].Payload).ReadString())
}

func TestSynchronizedMagicMismatchStillSynchronizes(t *testing.T) {
	_, _, srv := newTestServer(t)
	conn := transport.NewPipe("client")
	srv.AddConnection(conn)

	wrong := protocol.Synchronized{Magic: 0xBAD}
	require.True(t, srv.ProcessMessage(conn, protocol.MsgSynchronized, wrong.Encode()))
	assert.Contains(t, srv.DebugInfo(), "synchronized=1")
}

func TestMessageFromUnknownConnection(t *testing.T) {
	_, _, srv := newTestServer(t)
	stranger := transport.NewPipe("stranger")
	msg := protocol.Synchronized{Magic: 1}
	assert.False(t, srv.ProcessMessage(stranger, protocol.MsgSynchronized, msg.Encode()))
}

func TestFeedbackRouting(t *testing.T) {
	mgr, reg, srv := newTestServer(t)
	conn := transport.NewPipe("client")
	srv.AddConnection(conn)
	synchronize(t, srv, conn)

	obj := spawnMarker(reg.Scene().Root(), "a", 1)
	tickScene(mgr)

	w := wire.NewWriter()
	w.WriteString("steer-left")
	fb := protocol.ObjectUpdates{Frame: 1, Updates: []protocol.ObjectPayload{
		{ID: uint64(obj.ID()), Payload: w.Bytes()},
	}}
	require.True(t, srv.ProcessMessage(conn, protocol.MsgObjectsFeedback, fb.Encode()))

	marker := obj.Behavior().(*markerBehavior)
	require.Len(t, marker.feedbackFrom, 1)
	assert.Equal(t, "pipe:client:steer-left", marker.feedbackFrom[0])
}

func TestFeedbackForStaleObject(t *testing.T) {
	mgr, reg, srv := newTestServer(t)
	conn := transport.NewPipe("client")
	srv.AddConnection(conn)
	synchronize(t, srv, conn)

	obj := spawnMarker(reg.Scene().Root(), "a", 1)
	tickScene(mgr)
	stale := obj.ID()
	obj.Node().Remove()
	tickScene(mgr)

	fb := protocol.ObjectUpdates{Frame: 1, Updates: []protocol.ObjectPayload{
		{ID: uint64(stale), Payload: nil},
	}}
	// Recognized and dropped without touching the removed behavior.
	require.True(t, srv.ProcessMessage(conn, protocol.MsgObjectsFeedback, fb.Encode()))
}

func TestClockRebroadcastCadence(t *testing.T) {
	_, reg := newTestRegistry()
	set := settings.Defaults()
	set.Set(settings.UpdateFrequency, settings.Int(4))
	set.Set(settings.ClockInterval, settings.Float(1.0)) // every 4 frames
	mgr := NewManager(reg, markerFactory(), zap.NewNop())
	mgr.SetServerSettings(set)
	mgr.StartServer()
	srv := mgr.Server()

	conn := transport.NewPipe("client")
	srv.AddConnection(conn)
	synchronize(t, srv, conn)
	baseline := len(conn.SentByID(byte(protocol.MsgSceneClock)))

	for i := 0; i < 8; i++ {
		tickScene(mgr)
	}
	assert.Equal(t, baseline+2, len(conn.SentByID(byte(protocol.MsgSceneClock))))
}

func TestClockRebroadcastBeforeSynchronized(t *testing.T) {
	_, reg := newTestRegistry()
	set := settings.Defaults()
	set.Set(settings.UpdateFrequency, settings.Int(4))
	set.Set(settings.ClockInterval, settings.Float(1.0)) // every 4 frames
	mgr := NewManager(reg, markerFactory(), zap.NewNop())
	mgr.SetServerSettings(set)
	mgr.StartServer()
	srv := mgr.Server()

	// The connection never answers Synchronized, like a client whose
	// transport clock is still converging. The periodic clock must reach
	// it anyway or its handshake can never finish.
	conn := transport.NewPipe("client")
	srv.AddConnection(conn)
	baseline := len(conn.SentByID(byte(protocol.MsgSceneClock)))

	for i := 0; i < 4; i++ {
		tickScene(mgr)
	}
	assert.Equal(t, baseline+1, len(conn.SentByID(byte(protocol.MsgSceneClock))))
}

// bulkBehavior carries a fixed opaque snapshot blob.
type bulkBehavior struct {
	PassiveBehavior
	blob []byte
}

func (b *bulkBehavior) TypeName() string { return "bulk" }

func (b *bulkBehavior) WriteSnapshot(_ *Object, w *wire.Writer) { w.WriteBytes(b.blob) }

func TestLargeSceneSplitsAddObjects(t *testing.T) {
	mgr, reg, srv := newTestServer(t)
	conn := transport.NewPipe("client")
	srv.AddConnection(conn)
	synchronize(t, srv, conn)

	// 24 objects at 4KiB each: far past one message's batch limit.
	for i := 0; i < 24; i++ {
		node := reg.Scene().Root().NewChild(fmt.Sprintf("bulk-%d", i))
		node.AddComponent(NewObject(&bulkBehavior{blob: make([]byte, 4096)}))
	}
	tickScene(mgr)

	adds := conn.SentByID(byte(protocol.MsgAddObjects))
	require.Greater(t, len(adds), 1)

	total := 0
	for _, f := range adds {
		assert.Less(t, len(f.Payload), 64*1024)
		msg, err := protocol.DecodeAddObjects(f.Payload)
		require.NoError(t, err)
		total += len(msg.Entries)
	}
	assert.Equal(t, 24, total)

	// Everything is known after the split: nothing goes out again.
	tickScene(mgr)
	assert.Len(t, conn.SentByID(byte(protocol.MsgAddObjects)), len(adds))
}

func TestRemoveConnectionStopsReplication(t *testing.T) {
	mgr, reg, srv := newTestServer(t)
	conn := transport.NewPipe("client")
	srv.AddConnection(conn)
	synchronize(t, srv, conn)

	srv.RemoveConnection(conn)
	assert.Zero(t, srv.ConnectionCount())

	spawnMarker(reg.Scene().Root(), "a", 1)
	tickScene(mgr)
	assert.Empty(t, conn.SentByID(byte(protocol.MsgAddObjects)))
}

func TestServerFrameAndTraceAdvance(t *testing.T) {
	mgr, reg, srv := newTestServer(t)
	spawnMarker(reg.Scene().Root(), "a", 1)

	tickScene(mgr)
	tickScene(mgr)

	assert.Equal(t, uint32(2), srv.Frame())
	assert.Equal(t, 2, srv.Trace().Len())
	last := srv.Trace().Frames()[1]
	assert.Equal(t, uint32(2), last.Frame)
	assert.Equal(t, 1, last.Objects)
}
