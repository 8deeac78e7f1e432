package replica

import (
	"fmt"
	"time"

	"github.com/netreef/replica/internal/protocol"
	"github.com/netreef/replica/internal/protocol/wire"
	"github.com/netreef/replica/internal/scene"
	"github.com/netreef/replica/internal/settings"
	"github.com/netreef/replica/internal/transport"
	"go.uber.org/zap"
)

// ClientReplica mirrors the server's authoritative scene state. It is
// constructed only by the handshake, with an immutable setting table and
// the server's initial clock snapshot, and applies buffered updates to the
// local scene on the tick thread.
type ClientReplica struct {
	reg      *Registry
	conn     transport.Connection
	settings *settings.Map
	factory  *BehaviorFactory

	frame       uint32  // latest server frame observed
	sceneTime   float64 // replica clock, advanced locally and resynced by SceneClock
	appliedAdds int
	staleSkips  int

	log *zap.Logger
}

func NewClientReplica(reg *Registry, conn transport.Connection, initialClock protocol.SceneClock,
	set *settings.Map, factory *BehaviorFactory, log *zap.Logger) *ClientReplica {

	return &ClientReplica{
		reg:       reg,
		conn:      conn,
		settings:  set,
		factory:   factory,
		frame:     initialClock.Frame,
		sceneTime: initialClock.TimeSeconds,
		log:       log,
	}
}

// ProcessSceneUpdate advances the replica clock on the update phase and
// sends accumulated feedback post-update.
func (c *ClientReplica) ProcessSceneUpdate(phase scene.Phase, dt time.Duration) {
	c.reg.Scene().NotifyNetworkUpdate(phase, dt, dt)
	switch phase {
	case scene.PhaseUpdate:
		c.sceneTime += dt.Seconds()
	case scene.PhasePostUpdate:
		c.sendFeedback()
	}
}

// ProcessMessage applies one authoritative update. Unknown message ids
// report not-handled so outer routing can try other consumers.
func (c *ClientReplica) ProcessMessage(msgID protocol.MessageID, payload []byte) bool {
	switch msgID {
	case protocol.MsgSceneClock:
		msg, err := protocol.DecodeSceneClock(payload)
		if err != nil {
			c.log.Warn("bad SceneClock message", zap.Error(err))
			return true
		}
		c.frame = msg.Frame
		c.sceneTime = msg.TimeSeconds
		return true

	case protocol.MsgAddObjects:
		msg, err := protocol.DecodeAddObjects(payload)
		if err != nil {
			c.log.Warn("bad AddObjects message", zap.Error(err))
			return true
		}
		c.frame = msg.Frame
		for _, e := range msg.Entries {
			c.applyAdd(e)
		}
		return true

	case protocol.MsgRemoveObjects:
		msg, err := protocol.DecodeRemoveObjects(payload)
		if err != nil {
			c.log.Warn("bad RemoveObjects message", zap.Error(err))
			return true
		}
		c.frame = msg.Frame
		for _, id := range msg.IDs {
			c.applyRemove(NetworkID(id))
		}
		return true

	case protocol.MsgUpdateObjectsReliable:
		c.applyUpdates(payload, true)
		return true

	case protocol.MsgUpdateObjectsUnreliable:
		c.applyUpdates(payload, false)
		return true

	default:
		return false
	}
}

// applyAdd instantiates one replicated object under its replicated parent,
// or under the scene root when the parent is not (yet) known locally.
func (c *ClientReplica) applyAdd(e protocol.AddObjectEntry) {
	id := NetworkID(e.ID)
	if c.reg.Get(id) != nil {
		c.log.Warn("duplicate AddObjects entry", zap.Stringer("id", id))
		return
	}

	behavior := c.factory.Create(e.Type)
	if behavior == nil {
		c.log.Warn("no behavior registered for replicated type",
			zap.String("type", e.Type), zap.Stringer("id", id))
		return
	}

	parentNode := c.reg.Scene().Root()
	if parentID := NetworkID(e.ParentID); parentID.IsValid() {
		if parent := c.reg.Get(parentID); parent != nil {
			parentNode = parent.Node()
		} else {
			c.log.Warn("replicated parent unknown, attaching to root",
				zap.Stringer("id", id), zap.Stringer("parent", parentID))
		}
	}

	node := parentNode.NewChild(e.Name)
	obj := NewObject(behavior)
	obj.presetID(id)
	obj.setRole(RoleClient)
	node.AddComponent(obj) // registers via scene lifecycle notification

	if err := behavior.ReadSnapshot(obj, wire.NewReader(e.Snapshot)); err != nil {
		c.log.Warn("snapshot apply failed", zap.Stringer("id", id), zap.Error(err))
	}
	c.appliedAdds++
}

func (c *ClientReplica) applyRemove(id NetworkID) {
	obj := c.reg.Get(id)
	if obj == nil {
		c.log.Debug("RemoveObjects for unknown object", zap.Stringer("id", id))
		return
	}
	obj.Node().Remove()
}

// applyUpdates resolves each delta's target with version checking; stale
// entries (object since removed or slot recycled) are skipped. Updates may
// arrive out of order on the unreliable channel; frames older than the
// latest seen are still applied per object, matching the at-most-once,
// best-effort contract of the delta channel.
func (c *ClientReplica) applyUpdates(payload []byte, reliable bool) {
	msg, err := protocol.DecodeObjectUpdates(payload)
	if err != nil {
		c.log.Warn("bad ObjectUpdates message", zap.Error(err))
		return
	}
	if msg.Frame > c.frame {
		c.frame = msg.Frame
	}

	for _, u := range msg.Updates {
		id := NetworkID(u.ID)
		obj := c.reg.Get(id)
		if obj == nil {
			c.staleSkips++
			c.log.Debug("update for stale object", zap.Stringer("id", id))
			continue
		}

		var applyErr error
		if reliable {
			rb, ok := obj.Behavior().(ReliableDeltaBehavior)
			if !ok {
				c.log.Warn("reliable delta for behavior without reliable channel",
					zap.Stringer("id", id))
				continue
			}
			applyErr = rb.ReadReliableDelta(obj, wire.NewReader(u.Payload))
		} else {
			applyErr = obj.Behavior().ReadDelta(obj, wire.NewReader(u.Payload))
		}
		if applyErr != nil {
			c.log.Warn("delta apply failed", zap.Stringer("id", id), zap.Error(applyErr))
		}
	}
}

// sendFeedback collects feedback payloads from replicated objects and
// sends them upstream on the unreliable channel.
func (c *ClientReplica) sendFeedback() {
	var updates []protocol.ObjectPayload
	for _, obj := range c.reg.Objects() {
		if obj.Role() != RoleClient {
			continue
		}
		provider, ok := obj.Behavior().(FeedbackProvider)
		if !ok {
			continue
		}
		w := wire.NewWriter()
		if provider.WriteFeedback(obj, w) {
			updates = append(updates, protocol.ObjectPayload{ID: uint64(obj.ID()), Payload: w.Bytes()})
		}
	}
	if len(updates) == 0 {
		return
	}
	msg := protocol.ObjectUpdates{Frame: c.frame, Updates: updates}
	c.conn.Send(byte(protocol.MsgObjectsFeedback), msg.Encode(), transport.Unreliable)
}

// UpdateFrequency returns the negotiated replication rate.
func (c *ClientReplica) UpdateFrequency() uint32 {
	return uint32(c.settings.Get(settings.UpdateFrequency).Int())
}

// Setting returns a named negotiated setting.
func (c *ClientReplica) Setting(name string) settings.Value {
	return c.settings.Get(name)
}

// Frame returns the latest server frame observed.
func (c *ClientReplica) Frame() uint32 { return c.frame }

// AppliedAdds returns how many AddObjects entries were instantiated.
func (c *ClientReplica) AppliedAdds() int { return c.appliedAdds }

// StaleSkips returns how many delta entries targeted unknown objects.
func (c *ClientReplica) StaleSkips() int { return c.staleSkips }

// SceneTime returns the replica clock in seconds.
func (c *ClientReplica) SceneTime() float64 { return c.sceneTime }

// DebugInfo returns a one-line status summary.
func (c *ClientReplica) DebugInfo() string {
	return fmt.Sprintf("client: frame=%d objects=%d time=%.2fs adds=%d stale=%d",
		c.frame, c.reg.Len(), c.sceneTime, c.appliedAdds, c.staleSkips)
}
