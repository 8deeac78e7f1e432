package replica

import "fmt"

// NetworkID identifies a replicated object: a 32-bit slot index in the
// lower bits and a 32-bit version in the upper bits. The version increments
// every time a slot is reused, invalidating stale references. Versions
// start at 1, so the zero value is never a live id.
type NetworkID uint64

// InvalidID is the zero NetworkID. It never resolves to an object.
const InvalidID NetworkID = 0

func MakeID(index, version uint32) NetworkID {
	return NetworkID(uint64(version)<<32 | uint64(index))
}

func (id NetworkID) Index() uint32 { return uint32(id) }

func (id NetworkID) Version() uint32 { return uint32(id >> 32) }

func (id NetworkID) IsValid() bool { return id != InvalidID }

func (id NetworkID) String() string {
	if !id.IsValid() {
		return "none"
	}
	return fmt.Sprintf("%d:%d", id.Index(), id.Version())
}
