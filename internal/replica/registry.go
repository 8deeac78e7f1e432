package replica

import (
	"github.com/netreef/replica/internal/scene"
	"go.uber.org/zap"
)

// Listener observes registry membership changes. Callbacks fire
// synchronously on the tick goroutine: added after the object occupies its
// slot, removed before the object detaches.
type Listener interface {
	OnObjectAdded(obj *Object)
	OnObjectRemoved(obj *Object)
}

type slot struct {
	obj *Object
	// version the current or next occupant carries. Bumped on release so
	// stale ids never resolve.
	version uint32
}

// Registry tracks every replicated object attached to the scene: a dense
// slot table with version-guarded ids, a free list, and per-slot dirty
// marks for objects whose hierarchy or tracked state changed this tick.
//
// The registry subscribes to scene component lifecycle notifications, so
// attaching an Object component to any node is enough to register it.
type Registry struct {
	scene     *scene.Scene
	slots     []slot
	free      []uint32
	dirty     []bool
	listeners []Listener
	log       *zap.Logger
}

func NewRegistry(sc *scene.Scene, log *zap.Logger) *Registry {
	r := &Registry{scene: sc, log: log}
	sc.AddComponentListener(r)
	return r
}

func (r *Registry) Scene() *scene.Scene { return r.scene }

func (r *Registry) AddListener(l Listener) {
	r.listeners = append(r.listeners, l)
}

// OnComponentAdded implements scene.ComponentListener.
func (r *Registry) OnComponentAdded(c scene.Component) {
	if obj, ok := c.(*Object); ok {
		r.add(obj)
	}
}

// OnComponentRemoved implements scene.ComponentListener.
func (r *Registry) OnComponentRemoved(c scene.Component) {
	if obj, ok := c.(*Object); ok {
		r.remove(obj)
	}
}

// add assigns or validates the object's id, marks it dirty and notifies
// listeners.
func (r *Registry) add(obj *Object) {
	if obj.id.IsValid() {
		// Server-assigned id (client replica): occupy the exact slot.
		r.occupy(obj)
	} else {
		r.allocate(obj)
	}

	r.markDirty(obj.id.Index())

	for _, l := range r.listeners {
		l.OnObjectAdded(obj)
	}

	r.log.Debug("network object added", zap.Stringer("id", obj.id))
}

func (r *Registry) allocate(obj *Object) {
	var index uint32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		index = uint32(len(r.slots))
		r.slots = append(r.slots, slot{version: 1})
	}
	r.slots[index].obj = obj
	obj.id = MakeID(index, r.slots[index].version)
}

// occupy grows the slot table to hold a server-dictated id. Only client
// replicas take this path; they never allocate, so the free list stays
// untouched and is irrelevant on that side.
func (r *Registry) occupy(obj *Object) {
	index := obj.id.Index()
	for uint32(len(r.slots)) <= index {
		r.slots = append(r.slots, slot{version: 1})
	}
	if prev := r.slots[index].obj; prev != nil && prev != obj {
		r.log.Warn("slot already occupied, evicting previous object",
			zap.Stringer("id", obj.id), zap.Stringer("prev", prev.id))
		r.slots[index].obj = nil
	}
	r.slots[index].obj = obj
	r.slots[index].version = obj.id.Version()
}

// remove releases the object's slot. The parent is marked dirty so its
// hierarchy view drops the departed child on the next pass.
func (r *Registry) remove(obj *Object) {
	if parent := obj.Parent(); parent != nil && parent.ID().IsValid() {
		r.QueueUpdate(parent)
	}

	for _, l := range r.listeners {
		l.OnObjectRemoved(obj)
	}

	index := obj.id.Index()
	if int(index) < len(r.slots) && r.slots[index].obj == obj {
		r.slots[index].obj = nil
		r.slots[index].version++
		r.free = append(r.free, index)
	}
	obj.detach()

	r.log.Debug("network object removed", zap.Stringer("id", obj.id))
}

// Get resolves an id to its live object, rejecting stale versions.
func (r *Registry) Get(id NetworkID) *Object {
	obj := r.GetUnchecked(id.Index())
	if obj == nil || obj.id != id {
		return nil
	}
	return obj
}

// GetUnchecked resolves a bare slot index, tolerating recycled versions.
// Used for soft references that only care about current occupancy.
func (r *Registry) GetUnchecked(index uint32) *Object {
	if int(index) >= len(r.slots) {
		return nil
	}
	return r.slots[index].obj
}

// QueueUpdate marks an already-registered object for reprocessing. A stale
// handle (not the current occupant of its claimed id) is a warned no-op.
func (r *Registry) QueueUpdate(obj *Object) {
	if r.Get(obj.id) != obj {
		r.log.Warn("cannot queue update for unknown network object", zap.Stringer("id", obj.id))
		return
	}
	r.markDirty(obj.id.Index())
}

func (r *Registry) markDirty(index uint32) {
	for uint32(len(r.dirty)) <= index {
		r.dirty = append(r.dirty, false)
	}
	r.dirty[index] = true
}

// RemoveAll detaches every tracked object's node from the scene (cascading
// removal) and clears dirty tracking. Used on full reset.
func (r *Registry) RemoveAll() {
	var nodes []*scene.Node
	for i := range r.slots {
		if obj := r.slots[i].obj; obj != nil && obj.node != nil {
			nodes = append(nodes, obj.node)
		}
	}
	for _, n := range nodes {
		if n.Attached() {
			n.Remove()
		}
	}
	r.dirty = r.dirty[:0]

	r.log.Debug("removed all network objects", zap.Int("count", len(nodes)))
}

// ProcessDirty runs the hierarchy-update hook and forces a world placement
// recompute for every dirty slot, then clears the marks. Iteration is
// strictly by slot index; hierarchy ordering is a SortedObjects concern.
// Slots vacated since marking are skipped.
func (r *Registry) ProcessDirty() {
	for index := range r.dirty {
		if !r.dirty[index] {
			continue
		}
		if obj := r.GetUnchecked(uint32(index)); obj != nil {
			obj.UpdateHierarchy()
			obj.Node().WorldPosition()
		}
		r.dirty[index] = false
	}
}

// Objects returns every live object in slot order.
func (r *Registry) Objects() []*Object {
	var out []*Object
	for i := range r.slots {
		if r.slots[i].obj != nil {
			out = append(out, r.slots[i].obj)
		}
	}
	return out
}

func (r *Registry) Len() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].obj != nil {
			n++
		}
	}
	return n
}

// SortedObjects returns every live object ordered parent-before-children:
// roots in slot order, then a worklist expansion that appends each visited
// object's children (level-order overall). Consumers applying deltas rely
// on a parent always appearing before its descendants.
func (r *Registry) SortedObjects() []*Object {
	out := make([]*Object, 0, len(r.slots))
	for i := range r.slots {
		if obj := r.slots[i].obj; obj != nil && obj.Parent() == nil {
			out = append(out, obj)
		}
	}

	// Worklist expansion: out grows while being scanned.
	for i := 0; i < len(out); i++ {
		out = append(out, out[i].Children()...)
	}
	return out
}
