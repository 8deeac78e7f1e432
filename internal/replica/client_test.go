package replica

import (
	"testing"

	"github.com/netreef/replica/internal/protocol"
	"github.com/netreef/replica/internal/protocol/wire"
	"github.com/netreef/replica/internal/scene"
	"github.com/netreef/replica/internal/settings"
	"github.com/netreef/replica/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) (*ClientReplica, *Registry, *transport.Pipe) {
	t.Helper()
	_, reg := newTestRegistry()
	conn := transport.NewPipe("server")
	replica := NewClientReplica(reg, conn,
		protocol.SceneClock{Frame: 10, TimeSeconds: 1.0},
		settings.Defaults(), markerFactory(), zap.NewNop())
	return replica, reg, conn
}

func snapshotOf(value float64) []byte {
	w := wire.NewWriter()
	w.WriteF64(value)
	return w.Bytes()
}

func TestClientAppliesAdds(t *testing.T) {
	replica, reg, _ := newTestClient(t)

	msg := protocol.AddObjects{Frame: 11, Entries: []protocol.AddObjectEntry{
		{ID: uint64(MakeID(0, 1)), ParentID: 0, Type: "marker", Name: "parent", Snapshot: snapshotOf(1.5)},
		{ID: uint64(MakeID(1, 1)), ParentID: uint64(MakeID(0, 1)), Type: "marker", Name: "child", Snapshot: snapshotOf(2.5)},
	}}
	require.True(t, replica.ProcessMessage(protocol.MsgAddObjects, msg.Encode()))

	assert.Equal(t, uint32(11), replica.Frame())
	assert.Equal(t, 2, reg.Len())

	parent := reg.Get(MakeID(0, 1))
	child := reg.Get(MakeID(1, 1))
	require.NotNil(t, parent)
	require.NotNil(t, child)

	assert.Equal(t, RoleClient, parent.Role())
	assert.Equal(t, "parent", parent.Node().Name())
	assert.Same(t, parent.Node(), child.Node().Parent())
	assert.Equal(t, 1.5, parent.Behavior().(*markerBehavior).value)
	assert.Equal(t, 2.5, child.Behavior().(*markerBehavior).value)
}

func TestClientAddUnknownParentAttachesToRoot(t *testing.T) {
	replica, reg, _ := newTestClient(t)

	msg := protocol.AddObjects{Frame: 11, Entries: []protocol.AddObjectEntry{
		{ID: uint64(MakeID(3, 1)), ParentID: uint64(MakeID(9, 1)), Type: "marker", Name: "orphan", Snapshot: snapshotOf(0)},
	}}
	require.True(t, replica.ProcessMessage(protocol.MsgAddObjects, msg.Encode()))

	obj := reg.Get(MakeID(3, 1))
	require.NotNil(t, obj)
	assert.Same(t, reg.Scene().Root(), obj.Node().Parent())
}

func TestClientAddDuplicateIgnored(t *testing.T) {
	replica, reg, _ := newTestClient(t)

	entry := protocol.AddObjectEntry{ID: uint64(MakeID(0, 1)), Type: "marker", Name: "a", Snapshot: snapshotOf(1)}
	msg := protocol.AddObjects{Frame: 11, Entries: []protocol.AddObjectEntry{entry, entry}}
	require.True(t, replica.ProcessMessage(protocol.MsgAddObjects, msg.Encode()))
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 1, replica.AppliedAdds())
}

func TestClientAddUnknownTypeIgnored(t *testing.T) {
	replica, reg, _ := newTestClient(t)

	msg := protocol.AddObjects{Frame: 11, Entries: []protocol.AddObjectEntry{
		{ID: uint64(MakeID(0, 1)), Type: "mystery", Name: "a"},
	}}
	require.True(t, replica.ProcessMessage(protocol.MsgAddObjects, msg.Encode()))
	assert.Zero(t, reg.Len())
}

func TestClientAppliesRemovals(t *testing.T) {
	replica, reg, _ := newTestClient(t)

	add := protocol.AddObjects{Frame: 11, Entries: []protocol.AddObjectEntry{
		{ID: uint64(MakeID(0, 1)), Type: "marker", Name: "parent", Snapshot: snapshotOf(1)},
		{ID: uint64(MakeID(1, 1)), ParentID: uint64(MakeID(0, 1)), Type: "marker", Name: "child", Snapshot: snapshotOf(2)},
	}}
	require.True(t, replica.ProcessMessage(protocol.MsgAddObjects, add.Encode()))

	// Removing the parent takes its attached child subtree with it.
	rm := protocol.RemoveObjects{Frame: 12, IDs: []uint64{uint64(MakeID(0, 1))}}
	require.True(t, replica.ProcessMessage(protocol.MsgRemoveObjects, rm.Encode()))
	assert.Zero(t, reg.Len())

	// A second removal for an unknown id is recognized and dropped.
	require.True(t, replica.ProcessMessage(protocol.MsgRemoveObjects, rm.Encode()))
}

func TestClientAppliesUnreliableDeltas(t *testing.T) {
	replica, reg, _ := newTestClient(t)

	add := protocol.AddObjects{Frame: 11, Entries: []protocol.AddObjectEntry{
		{ID: uint64(MakeID(0, 1)), Type: "marker", Name: "a", Snapshot: snapshotOf(1)},
	}}
	require.True(t, replica.ProcessMessage(protocol.MsgAddObjects, add.Encode()))

	upd := protocol.ObjectUpdates{Frame: 12, Updates: []protocol.ObjectPayload{
		{ID: uint64(MakeID(0, 1)), Payload: snapshotOf(7.5)},
	}}
	require.True(t, replica.ProcessMessage(protocol.MsgUpdateObjectsUnreliable, upd.Encode()))

	obj := reg.Get(MakeID(0, 1))
	assert.Equal(t, 7.5, obj.Behavior().(*markerBehavior).value)
	assert.Equal(t, uint32(12), replica.Frame())
}

func TestClientSkipsStaleDeltas(t *testing.T) {
	replica, _, _ := newTestClient(t)

	upd := protocol.ObjectUpdates{Frame: 12, Updates: []protocol.ObjectPayload{
		{ID: uint64(MakeID(5, 2)), Payload: snapshotOf(7.5)},
	}}
	require.True(t, replica.ProcessMessage(protocol.MsgUpdateObjectsUnreliable, upd.Encode()))
	assert.Equal(t, 1, replica.StaleSkips())
}

func TestClientAppliesReliableDeltas(t *testing.T) {
	replica, reg, _ := newTestClient(t)

	add := protocol.AddObjects{Frame: 11, Entries: []protocol.AddObjectEntry{
		{ID: uint64(MakeID(0, 1)), Type: "marker", Name: "a", Snapshot: snapshotOf(1)},
	}}
	require.True(t, replica.ProcessMessage(protocol.MsgAddObjects, add.Encode()))

	w := wire.NewWriter()
	w.WriteString("renamed")
	upd := protocol.ObjectUpdates{Frame: 12, Updates: []protocol.ObjectPayload{
		{ID: uint64(MakeID(0, 1)), Payload: w.Bytes()},
	}}
	require.True(t, replica.ProcessMessage(protocol.MsgUpdateObjectsReliable, upd.Encode()))

	obj := reg.Get(MakeID(0, 1))
	assert.Equal(t, "renamed", obj.Behavior().(*markerBehavior).reliableValue)
}

func TestClientClockResync(t *testing.T) {
	replica, _, _ := newTestClient(t)

	clock := protocol.SceneClock{Frame: 40, TimeSeconds: 4.0}
	require.True(t, replica.ProcessMessage(protocol.MsgSceneClock, clock.Encode()))
	assert.Equal(t, uint32(40), replica.Frame())
	assert.Equal(t, 4.0, replica.SceneTime())
}

func TestClientClockAdvancesWithTicks(t *testing.T) {
	replica, _, _ := newTestClient(t)

	replica.ProcessSceneUpdate(scene.PhaseUpdate, testTick)
	assert.InDelta(t, 1.0+testTick.Seconds(), replica.SceneTime(), 1e-9)
}

func TestClientSendsFeedback(t *testing.T) {
	replica, reg, conn := newTestClient(t)

	add := protocol.AddObjects{Frame: 11, Entries: []protocol.AddObjectEntry{
		{ID: uint64(MakeID(0, 1)), Type: "marker", Name: "a", Snapshot: snapshotOf(1)},
	}}
	require.True(t, replica.ProcessMessage(protocol.MsgAddObjects, add.Encode()))

	obj := reg.Get(MakeID(0, 1))
	obj.Behavior().(*markerBehavior).feedback = "steer-left"

	replica.ProcessSceneUpdate(scene.PhasePostUpdate, testTick)

	sent := conn.SentByID(byte(protocol.MsgObjectsFeedback))
	require.Len(t, sent, 1)
	assert.Equal(t, transport.Unreliable, sent[0].Delivery)

	msg, err := protocol.DecodeObjectUpdates(sent[0].Payload)
	require.NoError(t, err)
	require.Len(t, msg.Updates, 1)
	assert.Equal(t, "steer-left", wire.NewReader(msg.Updates[0].Payload).ReadString())

	// Nothing pending on the next pass.
	replica.ProcessSceneUpdate(scene.PhasePostUpdate, testTick)
	assert.Len(t, conn.SentByID(byte(protocol.MsgObjectsFeedback)), 1)
}

func TestClientUnknownMessage(t *testing.T) {
	replica, _, _ := newTestClient(t)
	assert.False(t, replica.ProcessMessage(protocol.MsgConfigure, nil))
}
