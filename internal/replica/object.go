// Package replica keeps a server's authoritative scene state synchronized
// with remote clients: a registry of replicated objects, a mode controller
// switching between standalone, server and client operation, and the
// handshake that bootstraps a connecting client into a live replica.
package replica

import (
	"github.com/netreef/replica/internal/protocol/wire"
	"github.com/netreef/replica/internal/scene"
)

// Role tags which side of the replication relationship an object is on.
type Role uint8

const (
	// RoleStandalone objects belong to a scene without active replication.
	RoleStandalone Role = iota
	// RoleServer objects are authoritative and replicated to clients.
	RoleServer
	// RoleClient objects mirror server state and are never authoritative.
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleStandalone:
		return "standalone"
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// Behavior supplies the per-object serialization and lifecycle hooks. The
// replication layer treats snapshot and delta payloads as opaque; their
// format is owned entirely by the behavior on both ends.
type Behavior interface {
	// TypeName keys the client-side factory that mirrors this behavior.
	TypeName() string

	// InitializeStandalone runs when the object enters standalone mode.
	InitializeStandalone(obj *Object)
	// InitializeOnServer runs when the object becomes server-authoritative.
	InitializeOnServer(obj *Object)

	// WriteSnapshot/ReadSnapshot carry full object state for late joiners.
	WriteSnapshot(obj *Object, w *wire.Writer)
	ReadSnapshot(obj *Object, r *wire.Reader) error

	// WriteDelta emits an incremental update; returning false skips the
	// object this frame. ReadDelta applies it on the replica.
	WriteDelta(obj *Object, w *wire.Writer) bool
	ReadDelta(obj *Object, r *wire.Reader) error
}

// ReliableDeltaBehavior is implemented by behaviors with state that must
// survive packet loss (sent on the reliable update channel).
type ReliableDeltaBehavior interface {
	WriteReliableDelta(obj *Object, w *wire.Writer) bool
	ReadReliableDelta(obj *Object, r *wire.Reader) error
}

// FeedbackProvider is implemented by client-side behaviors that send input
// or other feedback upstream each frame.
type FeedbackProvider interface {
	WriteFeedback(obj *Object, w *wire.Writer) bool
}

// FeedbackConsumer is the server-side counterpart; source identifies the
// originating connection.
type FeedbackConsumer interface {
	ReadFeedback(obj *Object, source string, r *wire.Reader) error
}

// PassiveBehavior is an embeddable no-op implementation of Behavior's
// lifecycle and delta hooks. Embedders override what they need.
type PassiveBehavior struct{}

func (PassiveBehavior) InitializeStandalone(*Object)             {}
func (PassiveBehavior) InitializeOnServer(*Object)               {}
func (PassiveBehavior) WriteSnapshot(*Object, *wire.Writer)      {}
func (PassiveBehavior) ReadSnapshot(*Object, *wire.Reader) error { return nil }
func (PassiveBehavior) WriteDelta(*Object, *wire.Writer) bool    { return false }
func (PassiveBehavior) ReadDelta(*Object, *wire.Reader) error    { return nil }

// Object is the replicable component, attached 1:1 to a scene node. The
// parent link tracks the nearest replicated ancestor; it expresses the
// relation only and owns no lifetime.
type Object struct {
	id       NetworkID
	node     *scene.Node
	parent   *Object
	children []*Object
	role     Role
	behavior Behavior
}

func NewObject(b Behavior) *Object {
	return &Object{behavior: b}
}

func (o *Object) ID() NetworkID       { return o.id }
func (o *Object) Node() *scene.Node   { return o.node }
func (o *Object) Role() Role          { return o.role }
func (o *Object) Behavior() Behavior  { return o.behavior }
func (o *Object) Parent() *Object     { return o.parent }
func (o *Object) Children() []*Object { return o.children }

func (o *Object) setRole(r Role) { o.role = r }

// presetID claims a server-assigned id before the object is attached.
// Client-replica use only; the registry validates it on add.
func (o *Object) presetID(id NetworkID) { o.id = id }

// OnAttach implements scene.Component.
func (o *Object) OnAttach(n *scene.Node) {
	o.node = n
}

// OnDetach implements scene.Component. Registry listeners have already run
// by the time this fires.
func (o *Object) OnDetach() {
	o.node = nil
}

// UpdateHierarchy recomputes the parent link from node ancestry and repairs
// both child lists when it changed.
func (o *Object) UpdateHierarchy() {
	newParent := o.findParentObject()
	if newParent == o.parent {
		return
	}
	if o.parent != nil {
		o.parent.removeChild(o)
	}
	o.parent = newParent
	if newParent != nil {
		newParent.children = append(newParent.children, o)
	}
}

// findParentObject walks up the node hierarchy to the nearest ancestor
// carrying a replicated object.
func (o *Object) findParentObject() *Object {
	if o.node == nil {
		return nil
	}
	for n := o.node.Parent(); n != nil; n = n.Parent() {
		for _, c := range n.Components() {
			if obj, ok := c.(*Object); ok {
				return obj
			}
		}
	}
	return nil
}

func (o *Object) removeChild(child *Object) {
	for i, c := range o.children {
		if c == child {
			o.children = append(o.children[:i], o.children[i+1:]...)
			return
		}
	}
}

// detach severs all hierarchy links when the object leaves the registry.
// Orphaned children become roots until their next dirty pass re-parents
// them from node ancestry.
func (o *Object) detach() {
	if o.parent != nil {
		o.parent.removeChild(o)
		o.parent = nil
	}
	for _, child := range o.children {
		child.parent = nil
	}
	o.children = nil
}
