package scene

// Vec3 is a right-handed position in scene space.
type Vec3 struct {
	X, Y, Z float64
}

func (a Vec3) Add(b Vec3) Vec3 {
	return Vec3{a.X + b.X, a.Y + b.Y, a.Z + b.Z}
}

// Node is one element of the scene hierarchy. Placement is a local offset
// relative to the parent; the world placement is cached and recomputed lazily.
type Node struct {
	scene      *Scene
	name       string
	parent     *Node
	children   []*Node
	components []Component

	local      Vec3
	world      Vec3
	worldDirty bool
}

func (n *Node) Scene() *Scene     { return n.scene }
func (n *Node) Name() string      { return n.name }
func (n *Node) Parent() *Node     { return n.parent }
func (n *Node) Children() []*Node { return n.children }
func (n *Node) Position() Vec3    { return n.local }

// NewChild creates and attaches a child node.
func (n *Node) NewChild(name string) *Node {
	child := &Node{scene: n.scene, name: name, parent: n, worldDirty: true}
	n.children = append(n.children, child)
	return child
}

// SetPosition updates the local offset and invalidates the cached world
// placement of this node and its descendants.
func (n *Node) SetPosition(v Vec3) {
	n.local = v
	n.invalidateWorld()
}

func (n *Node) invalidateWorld() {
	if n.worldDirty {
		return
	}
	n.worldDirty = true
	for _, c := range n.children {
		c.invalidateWorld()
	}
}

// WorldPosition returns the node's placement in scene space, recomputing
// the cached value if the node or an ancestor moved.
func (n *Node) WorldPosition() Vec3 {
	if n.worldDirty {
		if n.parent != nil {
			n.world = n.parent.WorldPosition().Add(n.local)
		} else {
			n.world = n.local
		}
		n.worldDirty = false
	}
	return n.world
}

// AddComponent attaches c and notifies scene listeners.
func (n *Node) AddComponent(c Component) {
	n.components = append(n.components, c)
	c.OnAttach(n)
	n.scene.notifyComponentAdded(c)
}

// RemoveComponent detaches c. Listeners are notified before the component
// loses its node reference, so they can still inspect the hierarchy.
func (n *Node) RemoveComponent(c Component) {
	for i, have := range n.components {
		if have == c {
			n.scene.notifyComponentRemoved(c)
			c.OnDetach()
			n.components = append(n.components[:i], n.components[i+1:]...)
			return
		}
	}
}

// Components returns the node's attached components.
func (n *Node) Components() []Component {
	return n.components
}

// Remove detaches the node and its whole subtree from the scene. Components
// are removed depth-first so children report removal before their parents'
// nodes forget about them.
func (n *Node) Remove() {
	if n.parent == nil {
		return // root is not removable
	}
	n.detachSubtree()
	for i, c := range n.parent.children {
		if c == n {
			n.parent.children = append(n.parent.children[:i], n.parent.children[i+1:]...)
			break
		}
	}
	n.parent = nil
}

func (n *Node) detachSubtree() {
	for _, c := range n.children {
		c.detachSubtree()
	}
	for len(n.components) > 0 {
		n.RemoveComponent(n.components[len(n.components)-1])
	}
}

// Attached reports whether the node is still reachable from the scene root.
func (n *Node) Attached() bool {
	cur := n
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur == n.scene.root
}
