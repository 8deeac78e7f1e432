package demo

import (
	"fmt"
	"os"

	"github.com/netreef/replica/internal/replica"
	"github.com/netreef/replica/internal/scene"
	"gopkg.in/yaml.v3"
)

// ObjectDef describes one replicated object in the demo scene file.
type ObjectDef struct {
	Name     string      `yaml:"name"`
	Type     string      `yaml:"type"`
	Script   string      `yaml:"script"` // Lua movement function, optional
	X        float64     `yaml:"x"`
	Y        float64     `yaml:"y"`
	Children []ObjectDef `yaml:"children"`
}

// SceneDef is the root of the demo scene file.
type SceneDef struct {
	Objects []ObjectDef `yaml:"objects"`
}

// LoadSceneDef reads a YAML scene definition.
func LoadSceneDef(path string) (*SceneDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scene file %s: %w", path, err)
	}
	var def SceneDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse scene file %s: %w", path, err)
	}
	return &def, nil
}

// Spawned pairs a live object with its definition, so the host can attach
// scripted drivers.
type Spawned struct {
	Def ObjectDef
	Obj *replica.Object
}

// Spawn instantiates the definition tree under the scene root, attaching a
// behavior per object via the factory.
func (d *SceneDef) Spawn(sc *scene.Scene, factory *replica.BehaviorFactory) ([]Spawned, error) {
	var out []Spawned
	for _, def := range d.Objects {
		var err error
		out, err = spawnInto(sc.Root(), def, factory, out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func spawnInto(parent *scene.Node, def ObjectDef, factory *replica.BehaviorFactory, out []Spawned) ([]Spawned, error) {
	behavior := factory.Create(def.Type)
	if behavior == nil {
		return nil, fmt.Errorf("scene object %q: unknown behavior type %q", def.Name, def.Type)
	}

	node := parent.NewChild(def.Name)
	node.SetPosition(scene.Vec3{X: def.X, Y: def.Y})
	obj := replica.NewObject(behavior)
	node.AddComponent(obj)

	out = append(out, Spawned{Def: def, Obj: obj})
	for _, child := range def.Children {
		var err error
		out, err = spawnInto(node, child, factory, out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
