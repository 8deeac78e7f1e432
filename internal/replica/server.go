package replica

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/netreef/replica/internal/protocol"
	"github.com/netreef/replica/internal/protocol/wire"
	"github.com/netreef/replica/internal/scene"
	"github.com/netreef/replica/internal/settings"
	"github.com/netreef/replica/internal/trace"
	"github.com/netreef/replica/internal/transport"
	"go.uber.org/zap"
)

// connState is the per-connection replication state on the server: the
// handshake magic, synchronization status, and the set of objects the
// client currently knows about.
type connState struct {
	conn         transport.Connection
	magic        uint32
	synchronized bool
	known        map[NetworkID]struct{}
}

// ServerReplicator is the authoritative side of scene replication. Each
// post-update it advances the replication frame and, per synchronized
// connection, diffs the client's known-object set against the live scene:
// departures first, then additions in parent-before-child order, then
// per-object deltas.
type ServerReplicator struct {
	reg      *Registry
	settings *settings.Map
	conns    map[transport.Connection]*connState

	frame       uint32
	sceneTime   float64 // seconds since the server started replicating
	clockFrames uint32  // clock re-broadcast cadence in frames

	tracer *trace.Recorder

	log *zap.Logger
}

func NewServerReplicator(reg *Registry, set *settings.Map, log *zap.Logger) *ServerReplicator {
	freq := set.Get(settings.UpdateFrequency).Int()
	if freq < 1 {
		freq = 1
	}
	clockFrames := uint32(set.Get(settings.ClockInterval).Float() * float64(freq))
	if clockFrames < 1 {
		clockFrames = 1
	}
	traceFrames := int(set.Get(settings.ServerTracingDuration).Float() * float64(freq))

	s := &ServerReplicator{
		reg:         reg,
		settings:    set,
		conns:       make(map[transport.Connection]*connState),
		clockFrames: clockFrames,
		tracer:      trace.NewRecorder(traceFrames),
		log:         log,
	}

	for _, obj := range reg.Objects() {
		s.initializeObject(obj)
	}
	return s
}

func (s *ServerReplicator) initializeObject(obj *Object) {
	obj.setRole(RoleServer)
	obj.Behavior().InitializeOnServer(obj)
}

// onObjectAdded is called by the manager for objects registered while the
// server is live.
func (s *ServerReplicator) onObjectAdded(obj *Object) {
	s.initializeObject(obj)
}

// AddConnection starts replicating to a new client: it gets a fresh magic
// token, the setting table and an initial clock snapshot. Replication of
// objects begins once the client answers with Synchronized.
func (s *ServerReplicator) AddConnection(conn transport.Connection) {
	if _, exists := s.conns[conn]; exists {
		s.log.Warn("connection already replicated", zap.String("conn", conn.String()))
		return
	}
	if limit := s.settings.Get(settings.ConnectionLimit).Int(); limit > 0 && int64(len(s.conns)) >= limit {
		s.log.Warn("connection limit reached, not replicating",
			zap.String("conn", conn.String()), zap.Int64("limit", limit))
		return
	}

	st := &connState{
		conn:  conn,
		magic: rand.Uint32(),
		known: make(map[NetworkID]struct{}),
	}
	s.conns[conn] = st

	configure := protocol.Configure{Magic: st.magic, Settings: s.settings}
	conn.Send(byte(protocol.MsgConfigure), configure.Encode(), transport.Reliable)

	clock := protocol.SceneClock{Frame: s.frame, TimeSeconds: s.sceneTime}
	conn.Send(byte(protocol.MsgSceneClock), clock.Encode(), transport.Reliable)

	s.log.Info("replicating to connection", zap.String("conn", conn.String()))
}

// RemoveConnection forgets all per-connection state. Safe to call for
// connections that were never added.
func (s *ServerReplicator) RemoveConnection(conn transport.Connection) {
	if _, exists := s.conns[conn]; !exists {
		s.log.Warn("removing unknown connection", zap.String("conn", conn.String()))
		return
	}
	delete(s.conns, conn)
	s.log.Info("stopped replicating to connection", zap.String("conn", conn.String()))
}

// ProcessMessage handles client-to-server messages together with their
// originating connection. Unknown message ids report not-handled.
func (s *ServerReplicator) ProcessMessage(conn transport.Connection, msgID protocol.MessageID, payload []byte) bool {
	st := s.conns[conn]
	if st == nil {
		s.log.Warn("message from connection that is not replicated",
			zap.String("conn", conn.String()), zap.Stringer("msg", msgID))
		return false
	}

	switch msgID {
	case protocol.MsgSynchronized:
		msg, err := protocol.DecodeSynchronized(payload)
		if err != nil {
			s.log.Warn("bad Synchronized message", zap.Error(err))
			return true
		}
		if msg.Magic != st.magic {
			s.log.Warn("Synchronized magic mismatch",
				zap.String("conn", conn.String()),
				zap.Uint32("want", st.magic), zap.Uint32("got", msg.Magic))
		}
		st.synchronized = true
		s.log.Info("client synchronized", zap.String("conn", conn.String()))
		return true

	case protocol.MsgObjectsFeedback:
		msg, err := protocol.DecodeObjectUpdates(payload)
		if err != nil {
			s.log.Warn("bad ObjectsFeedback message", zap.Error(err))
			return true
		}
		s.applyFeedback(st, msg)
		return true

	default:
		return false
	}
}

func (s *ServerReplicator) applyFeedback(st *connState, msg protocol.ObjectUpdates) {
	for _, u := range msg.Updates {
		obj := s.reg.Get(NetworkID(u.ID))
		if obj == nil {
			s.log.Debug("feedback for stale object", zap.Stringer("id", NetworkID(u.ID)))
			continue
		}
		consumer, ok := obj.Behavior().(FeedbackConsumer)
		if !ok {
			s.log.Debug("feedback for object without consumer", zap.Stringer("id", obj.ID()))
			continue
		}
		if err := consumer.ReadFeedback(obj, st.conn.String(), wire.NewReader(u.Payload)); err != nil {
			s.log.Warn("feedback apply failed", zap.Stringer("id", obj.ID()), zap.Error(err))
		}
	}
}

// ProcessSceneUpdate drives the send cycle. The update phase only forwards
// the network tick to the scene; all sending happens post-update, after
// gameplay mutated the frame's state.
func (s *ServerReplicator) ProcessSceneUpdate(phase scene.Phase, dt time.Duration) {
	s.reg.Scene().NotifyNetworkUpdate(phase, dt, dt)
	if phase != scene.PhasePostUpdate {
		return
	}

	// Resolve hierarchy for objects added or re-parented this tick before
	// diffing, so a fresh child replicates with its parent id in place.
	s.reg.ProcessDirty()

	s.frame++
	s.sceneTime += dt.Seconds()

	if s.frame%s.clockFrames == 0 {
		s.broadcastClock()
	}

	live := s.reg.SortedObjects()
	liveSet := make(map[NetworkID]struct{}, len(live))
	for _, obj := range live {
		liveSet[obj.ID()] = struct{}{}
	}

	bytesSent := 0
	for _, st := range s.conns {
		if !st.synchronized {
			continue
		}
		bytesSent += s.replicateToConnection(st, live, liveSet)
	}

	s.tracer.Record(trace.Frame{
		Frame:       s.frame,
		At:          time.Now(),
		Objects:     len(live),
		Connections: len(s.conns),
		BytesSent:   bytesSent,
	})
}

// broadcastClock sends the current scene clock to every replicated
// connection, synchronized or not. A client whose transport clock settles
// only after the initial handshake pair arrived needs a later SceneClock
// to finish constructing its replica.
func (s *ServerReplicator) broadcastClock() {
	clock := protocol.SceneClock{Frame: s.frame, TimeSeconds: s.sceneTime}
	payload := clock.Encode()
	for _, st := range s.conns {
		st.conn.Send(byte(protocol.MsgSceneClock), payload, transport.Reliable)
	}
}

// replicateToConnection diffs one client's known set against the live
// scene and sends the removals, additions and deltas it needs this frame.
// Returns the payload bytes queued.
func (s *ServerReplicator) replicateToConnection(st *connState, live []*Object, liveSet map[NetworkID]struct{}) int {
	sent := 0

	var removed []uint64
	for id := range st.known {
		if _, alive := liveSet[id]; !alive {
			removed = append(removed, uint64(id))
			delete(st.known, id)
		}
	}
	if len(removed) > 0 {
		msg := protocol.RemoveObjects{Frame: s.frame, IDs: removed}
		payload := msg.Encode()
		st.conn.Send(byte(protocol.MsgRemoveObjects), payload, transport.Reliable)
		sent += len(payload)
	}

	// live is parent-before-children, so a child's entry never precedes
	// its parent's within the message.
	var added []protocol.AddObjectEntry
	for _, obj := range live {
		if _, known := st.known[obj.ID()]; known {
			continue
		}
		w := wire.NewWriter()
		obj.Behavior().WriteSnapshot(obj, w)

		parentID := InvalidID
		if p := obj.Parent(); p != nil {
			parentID = p.ID()
		}
		added = append(added, protocol.AddObjectEntry{
			ID:       uint64(obj.ID()),
			ParentID: uint64(parentID),
			Type:     obj.Behavior().TypeName(),
			Name:     obj.Node().Name(),
			Snapshot: w.Bytes(),
		})
		st.known[obj.ID()] = struct{}{}
	}
	if len(added) > 0 {
		sent += s.sendAdds(st, added)
	}

	sent += s.sendDeltas(st, live, added)
	return sent
}

// addBatchLimit caps the approximate encoded size of one AddObjects
// message. A large initial scene snapshot is split across messages so no
// single transport frame exceeds the 64KiB frame limit.
const addBatchLimit = 32 * 1024

// addEntrySize approximates one entry's encoded size: two 8-byte ids plus
// three length-prefixed fields.
func addEntrySize(e protocol.AddObjectEntry) int {
	return 22 + len(e.Type) + len(e.Name) + len(e.Snapshot)
}

// sendAdds sends the additions as one or more AddObjects messages, each
// kept under addBatchLimit. Batches go out in order on the reliable
// channel, so parent-before-child ordering survives the split.
func (s *ServerReplicator) sendAdds(st *connState, added []protocol.AddObjectEntry) int {
	sent := 0
	start, size := 0, 0
	for i, e := range added {
		if i > start && size+addEntrySize(e) > addBatchLimit {
			sent += s.sendAddBatch(st, added[start:i])
			start, size = i, 0
		}
		size += addEntrySize(e)
	}
	return sent + s.sendAddBatch(st, added[start:])
}

func (s *ServerReplicator) sendAddBatch(st *connState, entries []protocol.AddObjectEntry) int {
	msg := protocol.AddObjects{Frame: s.frame, Entries: entries}
	payload := msg.Encode()
	st.conn.Send(byte(protocol.MsgAddObjects), payload, transport.Reliable)
	return len(payload)
}

// sendDeltas queues reliable and unreliable per-object deltas for objects
// the client already knew before this frame.
func (s *ServerReplicator) sendDeltas(st *connState, live []*Object, added []protocol.AddObjectEntry) int {
	justAdded := make(map[uint64]struct{}, len(added))
	for _, e := range added {
		justAdded[e.ID] = struct{}{}
	}

	var reliable, unreliable []protocol.ObjectPayload
	for _, obj := range live {
		if _, fresh := justAdded[uint64(obj.ID())]; fresh {
			continue // the snapshot already carries current state
		}
		if rb, ok := obj.Behavior().(ReliableDeltaBehavior); ok {
			w := wire.NewWriter()
			if rb.WriteReliableDelta(obj, w) {
				reliable = append(reliable, protocol.ObjectPayload{ID: uint64(obj.ID()), Payload: w.Bytes()})
			}
		}
		w := wire.NewWriter()
		if obj.Behavior().WriteDelta(obj, w) {
			unreliable = append(unreliable, protocol.ObjectPayload{ID: uint64(obj.ID()), Payload: w.Bytes()})
		}
	}

	sent := 0
	if len(reliable) > 0 {
		msg := protocol.ObjectUpdates{Frame: s.frame, Updates: reliable}
		payload := msg.Encode()
		st.conn.Send(byte(protocol.MsgUpdateObjectsReliable), payload, transport.Reliable)
		sent += len(payload)
	}
	if len(unreliable) > 0 {
		msg := protocol.ObjectUpdates{Frame: s.frame, Updates: unreliable}
		payload := msg.Encode()
		st.conn.Send(byte(protocol.MsgUpdateObjectsUnreliable), payload, transport.Unreliable)
		sent += len(payload)
	}
	return sent
}

// UpdateFrequency returns the replication rate in frames per second.
func (s *ServerReplicator) UpdateFrequency() uint32 {
	return uint32(s.settings.Get(settings.UpdateFrequency).Int())
}

// Setting returns a named setting value.
func (s *ServerReplicator) Setting(name string) settings.Value {
	return s.settings.Get(name)
}

// Frame returns the current replication frame.
func (s *ServerReplicator) Frame() uint32 { return s.frame }

// Trace returns the rolling frame trace for diagnostics.
func (s *ServerReplicator) Trace() *trace.Recorder { return s.tracer }

// ConnectionCount returns how many connections are being replicated to.
func (s *ServerReplicator) ConnectionCount() int { return len(s.conns) }

// DebugInfo returns a one-line status summary.
func (s *ServerReplicator) DebugInfo() string {
	synced := 0
	for _, st := range s.conns {
		if st.synchronized {
			synced++
		}
	}
	return fmt.Sprintf("server: frame=%d objects=%d connections=%d synchronized=%d",
		s.frame, s.reg.Len(), len(s.conns), synced)
}
