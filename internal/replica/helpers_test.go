package replica

import (
	"github.com/netreef/replica/internal/protocol/wire"
	"github.com/netreef/replica/internal/scene"
	"go.uber.org/zap"
)

// markerBehavior replicates a single float and records lifecycle calls. It
// optionally exposes the reliable-delta and feedback channels, so one type
// covers every hook the replicator dispatches on.
type markerBehavior struct {
	value float64
	dirty bool

	standaloneInits int
	serverInits     int

	reliableValue string
	reliableDirty bool

	feedback     string
	feedbackFrom []string
}

func newMarker(value float64) *markerBehavior {
	return &markerBehavior{value: value}
}

func (b *markerBehavior) TypeName() string { return "marker" }

func (b *markerBehavior) InitializeStandalone(*Object) { b.standaloneInits++ }
func (b *markerBehavior) InitializeOnServer(*Object)   { b.serverInits++ }

func (b *markerBehavior) WriteSnapshot(obj *Object, w *wire.Writer) {
	w.WriteF64(b.value)
}

func (b *markerBehavior) ReadSnapshot(obj *Object, r *wire.Reader) error {
	b.value = r.ReadF64()
	return nil
}

func (b *markerBehavior) WriteDelta(obj *Object, w *wire.Writer) bool {
	if !b.dirty {
		return false
	}
	b.dirty = false
	w.WriteF64(b.value)
	return true
}

func (b *markerBehavior) ReadDelta(obj *Object, r *wire.Reader) error {
	b.value = r.ReadF64()
	return nil
}

func (b *markerBehavior) WriteReliableDelta(obj *Object, w *wire.Writer) bool {
	if !b.reliableDirty {
		return false
	}
	b.reliableDirty = false
	w.WriteString(b.reliableValue)
	return true
}

func (b *markerBehavior) ReadReliableDelta(obj *Object, r *wire.Reader) error {
	b.reliableValue = r.ReadString()
	return nil
}

func (b *markerBehavior) WriteFeedback(obj *Object, w *wire.Writer) bool {
	if b.feedback == "" {
		return false
	}
	w.WriteString(b.feedback)
	b.feedback = ""
	return true
}

func (b *markerBehavior) ReadFeedback(obj *Object, source string, r *wire.Reader) error {
	b.feedbackFrom = append(b.feedbackFrom, source+":"+r.ReadString())
	return nil
}

// newTestRegistry builds a scene with an attached registry for tests.
func newTestRegistry() (*scene.Scene, *Registry) {
	sc := scene.New(zap.NewNop())
	return sc, NewRegistry(sc, zap.NewNop())
}

// spawnMarker attaches a fresh marker object under parent and returns it.
func spawnMarker(parent *scene.Node, name string, value float64) *Object {
	node := parent.NewChild(name)
	obj := NewObject(newMarker(value))
	node.AddComponent(obj)
	return obj
}

// markerFactory returns a factory with the marker behavior registered.
func markerFactory() *BehaviorFactory {
	f := NewBehaviorFactory(zap.NewNop())
	f.Register("marker", func() Behavior { return newMarker(0) })
	return f
}
