package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMakeID(t *testing.T) {
	id := MakeID(7, 3)
	assert.Equal(t, uint32(7), id.Index())
	assert.Equal(t, uint32(3), id.Version())
	assert.True(t, id.IsValid())
}

func TestInvalidID(t *testing.T) {
	assert.False(t, InvalidID.IsValid())
	assert.Equal(t, "none", InvalidID.String())
	// Index 0 with version 0 is the invalid id; version 1 is live.
	assert.True(t, MakeID(0, 1).IsValid())
}

func TestIDString(t *testing.T) {
	assert.Equal(t, "7:3", MakeID(7, 3).String())
}

func TestIDExtremes(t *testing.T) {
	id := MakeID(0xFFFFFFFF, 0xFFFFFFFF)
	assert.Equal(t, uint32(0xFFFFFFFF), id.Index())
	assert.Equal(t, uint32(0xFFFFFFFF), id.Version())
}
