// Package demo holds the sample replicated behaviors and scene definition
// used by the reefd/reefcli binaries. Both ends register the same behavior
// types so snapshots and deltas decode symmetrically.
package demo

import (
	"github.com/netreef/replica/internal/protocol/wire"
	"github.com/netreef/replica/internal/replica"
	"github.com/netreef/replica/internal/scene"
)

// PointType is the behavior type name shared by server and client.
const PointType = "point"

// Point replicates its node's 2D position. State lives on the node; the
// behavior only tracks what was last sent so unchanged objects stay quiet.
type Point struct {
	replica.PassiveBehavior

	lastSent scene.Vec3
	sentOnce bool
}

func NewPoint() *Point {
	return &Point{}
}

func (p *Point) TypeName() string { return PointType }

func (p *Point) WriteSnapshot(obj *replica.Object, w *wire.Writer) {
	pos := obj.Node().Position()
	w.WriteF64(pos.X)
	w.WriteF64(pos.Y)
	p.lastSent = pos
	p.sentOnce = true
}

func (p *Point) ReadSnapshot(obj *replica.Object, r *wire.Reader) error {
	obj.Node().SetPosition(scene.Vec3{X: r.ReadF64(), Y: r.ReadF64()})
	return nil
}

func (p *Point) WriteDelta(obj *replica.Object, w *wire.Writer) bool {
	pos := obj.Node().Position()
	if p.sentOnce && pos == p.lastSent {
		return false
	}
	w.WriteF64(pos.X)
	w.WriteF64(pos.Y)
	p.lastSent = pos
	p.sentOnce = true
	return true
}

func (p *Point) ReadDelta(obj *replica.Object, r *wire.Reader) error {
	obj.Node().SetPosition(scene.Vec3{X: r.ReadF64(), Y: r.ReadF64()})
	return nil
}

// RegisterBehaviors installs the demo behavior set into a factory.
func RegisterBehaviors(f *replica.BehaviorFactory) {
	f.Register(PointType, func() replica.Behavior { return NewPoint() })
}
