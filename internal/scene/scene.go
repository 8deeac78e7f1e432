// Package scene is the minimal scene-graph collaborator consumed by the
// replication layer: a node hierarchy with cached world placement,
// component lifecycle notifications, and per-tick update fan-out.
package scene

import (
	"time"

	"go.uber.org/zap"
)

// Phase identifies which half of the tick a notification belongs to.
type Phase int

const (
	PhaseUpdate Phase = iota
	PhasePostUpdate
)

func (p Phase) String() string {
	if p == PhaseUpdate {
		return "update"
	}
	return "post-update"
}

// Component is attached to exactly one node at a time.
type Component interface {
	OnAttach(n *Node)
	OnDetach()
}

// ComponentListener observes component attach/detach anywhere in the scene.
// Callbacks fire synchronously on the tick goroutine, before dependent reads.
type ComponentListener interface {
	OnComponentAdded(c Component)
	OnComponentRemoved(c Component)
}

// TickListener receives the host simulation's per-tick callbacks.
type TickListener interface {
	OnSceneUpdate(dt time.Duration)
	OnScenePostUpdate(dt time.Duration)
}

// NetworkTickListener receives network-rate tick notifications with separate
// replica and input time steps. In standalone mode both equal the scene time
// step; under replication the active replicator supplies its own timing.
type NetworkTickListener interface {
	OnNetworkUpdate(phase Phase, replicaDt, inputDt time.Duration)
}

// Scene owns the node hierarchy and fans out tick and lifecycle
// notifications. Single-goroutine access only (simulation tick thread).
type Scene struct {
	root *Node
	log  *zap.Logger

	compListeners []ComponentListener
	tickListeners []TickListener
	netListeners  []NetworkTickListener
}

func New(log *zap.Logger) *Scene {
	s := &Scene{log: log}
	s.root = &Node{scene: s, name: "root"}
	return s
}

func (s *Scene) Root() *Node { return s.root }

func (s *Scene) AddComponentListener(l ComponentListener) {
	s.compListeners = append(s.compListeners, l)
}

func (s *Scene) AddTickListener(l TickListener) {
	s.tickListeners = append(s.tickListeners, l)
}

func (s *Scene) AddNetworkTickListener(l NetworkTickListener) {
	s.netListeners = append(s.netListeners, l)
}

// Update fires the pre-update notification on all tick listeners.
func (s *Scene) Update(dt time.Duration) {
	for _, l := range s.tickListeners {
		l.OnSceneUpdate(dt)
	}
}

// PostUpdate fires the post-update notification on all tick listeners.
func (s *Scene) PostUpdate(dt time.Duration) {
	for _, l := range s.tickListeners {
		l.OnScenePostUpdate(dt)
	}
}

// NotifyNetworkUpdate broadcasts a network-rate tick to subscribed listeners.
func (s *Scene) NotifyNetworkUpdate(phase Phase, replicaDt, inputDt time.Duration) {
	for _, l := range s.netListeners {
		l.OnNetworkUpdate(phase, replicaDt, inputDt)
	}
}

func (s *Scene) notifyComponentAdded(c Component) {
	for _, l := range s.compListeners {
		l.OnComponentAdded(c)
	}
}

func (s *Scene) notifyComponentRemoved(c Component) {
	for _, l := range s.compListeners {
		l.OnComponentRemoved(c)
	}
}
