package replica

import "go.uber.org/zap"

// BehaviorFactory creates client-side behaviors from the type names carried
// in AddObjects messages. Both ends of a deployment register the same set.
type BehaviorFactory struct {
	ctors map[string]func() Behavior
	log   *zap.Logger
}

func NewBehaviorFactory(log *zap.Logger) *BehaviorFactory {
	return &BehaviorFactory{ctors: make(map[string]func() Behavior), log: log}
}

// Register maps a behavior type name to its constructor. Re-registering a
// name replaces the previous constructor.
func (f *BehaviorFactory) Register(typeName string, ctor func() Behavior) {
	if _, exists := f.ctors[typeName]; exists {
		f.log.Warn("behavior type re-registered", zap.String("type", typeName))
	}
	f.ctors[typeName] = ctor
}

// Create instantiates a behavior, or nil for an unknown type.
func (f *BehaviorFactory) Create(typeName string) Behavior {
	ctor, ok := f.ctors[typeName]
	if !ok {
		return nil
	}
	return ctor()
}

func (f *BehaviorFactory) Known(typeName string) bool {
	_, ok := f.ctors[typeName]
	return ok
}
